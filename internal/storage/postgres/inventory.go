package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"bookwise/internal/catalog"

	"github.com/google/uuid"
)

// InventoryStore keeps copy counts in the titles table.
type InventoryStore struct {
	db *sql.DB
}

func NewInventoryStore(db *sql.DB) *InventoryStore {
	return &InventoryStore{db: db}
}

var _ catalog.InventoryStore = (*InventoryStore)(nil)

func (s *InventoryStore) GetAvailability(ctx context.Context, titleID uuid.UUID) (catalog.Availability, error) {
	var av catalog.Availability
	err := s.db.QueryRowContext(ctx, `
		SELECT total_copies, available_copies FROM titles WHERE id = $1
	`, titleID).Scan(&av.Total, &av.Available)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Availability{}, catalog.ErrTitleNotFound
	}
	if err != nil {
		return catalog.Availability{}, wrap("get availability", err)
	}
	return av, nil
}

// TryReserveCopy decrements in one guarded UPDATE; the WHERE clause is the
// availability check.
func (s *InventoryStore) TryReserveCopy(ctx context.Context, titleID uuid.UUID) (catalog.Reservation, bool, error) {
	var remaining int
	var reservedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE titles
		SET available_copies = available_copies - 1, updated_at = NOW()
		WHERE id = $1 AND available_copies > 0
		RETURNING available_copies, updated_at
	`, titleID).Scan(&remaining, &reservedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.GetAvailability(ctx, titleID); err != nil {
			return catalog.Reservation{}, false, err
		}
		return catalog.Reservation{}, false, nil
	}
	if err != nil {
		return catalog.Reservation{}, false, wrap("reserve copy", err)
	}
	return catalog.Reservation{TitleID: titleID, Remaining: remaining, ReservedAt: reservedAt.UTC()}, true, nil
}

func (s *InventoryStore) ReleaseCopy(ctx context.Context, titleID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE titles
		SET available_copies = LEAST(available_copies + 1, total_copies), updated_at = NOW()
		WHERE id = $1
	`, titleID)
	if err != nil {
		return wrap("release copy", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("release copy", err)
	}
	if n == 0 {
		return catalog.ErrTitleNotFound
	}
	return nil
}

func (s *InventoryStore) CreateTitle(ctx context.Context, title catalog.Title) error {
	if err := title.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO titles (id, total_copies, available_copies) VALUES ($1, $2, $3)
	`, title.ID, title.TotalCopies, title.AvailableCopies)
	if isUniqueViolation(err) {
		return catalog.ErrTitleExists
	}
	if err != nil {
		return wrap("create title", err)
	}
	return nil
}

func (s *InventoryStore) ListTitles(ctx context.Context) ([]catalog.Title, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, total_copies, available_copies FROM titles ORDER BY id
	`)
	if err != nil {
		return nil, wrap("list titles", err)
	}
	defer rows.Close()

	var titles []catalog.Title
	for rows.Next() {
		var t catalog.Title
		if err := rows.Scan(&t.ID, &t.TotalCopies, &t.AvailableCopies); err != nil {
			return nil, wrap("scan title", err)
		}
		titles = append(titles, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate titles", err)
	}
	return titles, nil
}
