package postgres

import (
	"context"
	"database/sql"
	"errors"

	"bookwise/internal/membership"

	"github.com/google/uuid"
)

// Directory reads member standing from the members table, which the
// identity subsystem keeps up to date.
type Directory struct {
	db *sql.DB
}

func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

var _ membership.Directory = (*Directory)(nil)

func (d *Directory) GetMember(ctx context.Context, id uuid.UUID) (membership.Member, error) {
	var status string
	err := d.db.QueryRowContext(ctx, `SELECT status FROM members WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return membership.Member{}, membership.ErrMemberNotFound
	}
	if err != nil {
		return membership.Member{}, wrap("get member", err)
	}
	return membership.Member{ID: id, Standing: membership.StandingFromStatus(status)}, nil
}

// UpsertMember records an account status. Used for seeding and tests.
func (d *Directory) UpsertMember(ctx context.Context, id uuid.UUID, status string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO members (id, status) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()
	`, id, status)
	if err != nil {
		return wrap("upsert member", err)
	}
	return nil
}
