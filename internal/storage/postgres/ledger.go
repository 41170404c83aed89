package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"bookwise/internal/circulation"
	"bookwise/internal/clock"
	"bookwise/pkg/eventstore"

	"github.com/google/uuid"
)

const (
	loanStream   = "loan"
	listPageSize = 256
	loanColumns  = "id, user_id, title_id, borrowed_at, due_at, returned_at, status, version"
)

// Ledger stores loans in the loans table and their audit trail in the event
// log. A loan row and its event always commit in the same transaction.
type Ledger struct {
	db     *sql.DB
	events *eventstore.EventStore
	clock  clock.Clock
}

type LedgerOption func(*Ledger)

// WithClock sets the clock that stamps overdue events.
func WithClock(c clock.Clock) LedgerOption {
	return func(l *Ledger) { l.clock = c }
}

func NewLedger(db *sql.DB, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		db:     db,
		events: eventstore.New(db),
		clock:  clock.System{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ circulation.LoanLedger = (*Ledger)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (circulation.Loan, error) {
	var (
		loan       circulation.Loan
		returnedAt sql.NullTime
		status     string
	)
	if err := row.Scan(&loan.ID, &loan.UserID, &loan.TitleID, &loan.BorrowedAt, &loan.DueAt, &returnedAt, &status, &loan.Version); err != nil {
		return circulation.Loan{}, err
	}
	loan.BorrowedAt = loan.BorrowedAt.UTC()
	loan.DueAt = loan.DueAt.UTC()
	if returnedAt.Valid {
		t := returnedAt.Time.UTC()
		loan.ReturnedAt = &t
	}
	loan.Status = circulation.LoanStatus(status)
	return loan, nil
}

func (l *Ledger) CountActiveLoans(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM loans WHERE user_id = $1 AND status IN ('BORROWED', 'OVERDUE')
	`, userID).Scan(&n)
	if err != nil {
		return 0, wrap("count active loans", err)
	}
	return n, nil
}

func (l *Ledger) HasActiveLoan(ctx context.Context, userID, titleID uuid.UUID) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM loans
			WHERE user_id = $1 AND title_id = $2 AND status IN ('BORROWED', 'OVERDUE')
		)
	`, userID, titleID).Scan(&exists)
	if err != nil {
		return false, wrap("check active loan", err)
	}
	return exists, nil
}

// CreateLoan relies on loans_one_active_per_title to reject a second active
// loan of the same title by the same user.
func (l *Ledger) CreateLoan(ctx context.Context, userID, titleID uuid.UUID, borrowedAt, dueAt time.Time) (circulation.Loan, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return circulation.Loan{}, wrap("begin transaction", err)
	}
	defer tx.Rollback()

	loan, err := scanLoan(tx.QueryRowContext(ctx, `
		INSERT INTO loans (id, user_id, title_id, borrowed_at, due_at, status, version)
		VALUES ($1, $2, $3, $4, $5, 'BORROWED', 1)
		RETURNING `+loanColumns,
		uuid.New(), userID, titleID, borrowedAt, dueAt))
	if isUniqueViolation(err) {
		return circulation.Loan{}, circulation.ErrConflict
	}
	if err != nil {
		return circulation.Loan{}, wrap("insert loan", err)
	}

	if err := l.appendEvent(ctx, tx, loan, circulation.EventLoanBorrowed, borrowedAt); err != nil {
		return circulation.Loan{}, err
	}
	if err := tx.Commit(); err != nil {
		return circulation.Loan{}, wrap("commit loan", err)
	}
	return loan, nil
}

func (l *Ledger) MarkReturned(ctx context.Context, loanID uuid.UUID, returnedAt time.Time) (circulation.Loan, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return circulation.Loan{}, wrap("begin transaction", err)
	}
	defer tx.Rollback()

	loan, err := scanLoan(tx.QueryRowContext(ctx, `
		UPDATE loans
		SET status = 'RETURNED', returned_at = $2, version = version + 1
		WHERE id = $1 AND status IN ('BORROWED', 'OVERDUE')
		RETURNING `+loanColumns,
		loanID, returnedAt))
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := l.getLoan(ctx, tx, loanID); err != nil {
			return circulation.Loan{}, err
		}
		return circulation.Loan{}, circulation.ErrInvalidState
	}
	if err != nil {
		return circulation.Loan{}, wrap("mark returned", err)
	}

	if err := l.appendEvent(ctx, tx, loan, circulation.EventLoanReturned, returnedAt); err != nil {
		return circulation.Loan{}, err
	}
	if err := tx.Commit(); err != nil {
		return circulation.Loan{}, wrap("commit return", err)
	}
	return loan, nil
}

func (l *Ledger) MarkOverdue(ctx context.Context, loanID uuid.UUID) (bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, wrap("begin transaction", err)
	}
	defer tx.Rollback()

	loan, err := scanLoan(tx.QueryRowContext(ctx, `
		UPDATE loans
		SET status = 'OVERDUE', version = version + 1
		WHERE id = $1 AND status = 'BORROWED'
		RETURNING `+loanColumns,
		loanID))
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := l.getLoan(ctx, tx, loanID); err != nil {
			return false, err
		}
		return false, nil
	}
	if err != nil {
		return false, wrap("mark overdue", err)
	}

	if err := l.appendEvent(ctx, tx, loan, circulation.EventLoanMarkedOverdue, l.clock.Now()); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, wrap("commit overdue", err)
	}
	return true, nil
}

func (l *Ledger) appendEvent(ctx context.Context, tx *sql.Tx, loan circulation.Loan, eventType string, at time.Time) error {
	event, err := circulation.NewLoanEvent(loan, eventType, at)
	if err != nil {
		return err
	}
	err = l.events.AppendTx(ctx, tx, loan.ID, loanStream, loan.Version-1, eventstore.Event{
		Type:       event.Type,
		Data:       event.Data,
		OccurredAt: event.OccurredAt,
	})
	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		return circulation.ErrConflict
	}
	if err != nil {
		return wrap("append "+eventType, err)
	}
	return nil
}

// ListActive pages through active loans by (due_at, id) so no connection is
// held while the caller works on a loan.
func (l *Ledger) ListActive(ctx context.Context, cutoff time.Time) iter.Seq2[circulation.Loan, error] {
	return func(yield func(circulation.Loan, error) bool) {
		var (
			afterDue time.Time
			afterID  uuid.UUID
			first    = true
		)
		for {
			page, err := l.activePage(ctx, cutoff, first, afterDue, afterID)
			if err != nil {
				yield(circulation.Loan{}, err)
				return
			}
			for _, loan := range page {
				if !yield(loan, nil) {
					return
				}
			}
			if len(page) < listPageSize {
				return
			}
			last := page[len(page)-1]
			afterDue, afterID, first = last.DueAt, last.ID, false
		}
	}
}

func (l *Ledger) activePage(ctx context.Context, cutoff time.Time, first bool, afterDue time.Time, afterID uuid.UUID) ([]circulation.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans
		WHERE status IN ('BORROWED', 'OVERDUE') AND due_at < $1`
	args := []any{cutoff}
	if !first {
		query += ` AND (due_at, id) > ($2, $3)`
		args = append(args, afterDue, afterID)
	}
	query += fmt.Sprintf(` ORDER BY due_at, id LIMIT %d`, listPageSize)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list active loans", err)
	}
	defer rows.Close()

	page := make([]circulation.Loan, 0, listPageSize)
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, wrap("scan loan", err)
		}
		page = append(page, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate loans", err)
	}
	return page, nil
}

func (l *Ledger) GetLoan(ctx context.Context, loanID uuid.UUID) (circulation.Loan, error) {
	return l.getLoan(ctx, l.db, loanID)
}

func (l *Ledger) getLoan(ctx context.Context, q eventstore.Querier, loanID uuid.UUID) (circulation.Loan, error) {
	loan, err := scanLoan(q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1`, loanID))
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Loan{}, circulation.ErrLoanNotFound
	}
	if err != nil {
		return circulation.Loan{}, wrap("get loan", err)
	}
	return loan, nil
}

func (l *Ledger) History(ctx context.Context, loanID uuid.UUID) ([]circulation.LoanEvent, error) {
	if _, err := l.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	events, err := l.events.Load(ctx, loanID, 0, 0)
	if err != nil {
		return nil, wrap("load loan events", err)
	}

	history := make([]circulation.LoanEvent, 0, len(events))
	for _, e := range events {
		history = append(history, circulation.LoanEvent{
			LoanID:     e.StreamID,
			Type:       e.Type,
			Version:    e.Version,
			OccurredAt: e.OccurredAt.UTC(),
			Data:       e.Data,
		})
	}
	return history, nil
}

func (l *Ledger) CountActiveByTitle(ctx context.Context) (map[uuid.UUID]int, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT title_id, COUNT(*) FROM loans
		WHERE status IN ('BORROWED', 'OVERDUE')
		GROUP BY title_id
	`)
	if err != nil {
		return nil, wrap("count active by title", err)
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int)
	for rows.Next() {
		var (
			id uuid.UUID
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, wrap("scan count", err)
		}
		counts[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate counts", err)
	}
	return counts, nil
}
