// internal/circulation/ledger.go
package circulation

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"
)

// LoanLedger is the durable, append-biased record of loans and the source
// for eligibility queries. Loans are never deleted.
type LoanLedger interface {
	// CountActiveLoans counts BORROWED and OVERDUE loans of a user.
	CountActiveLoans(ctx context.Context, userID uuid.UUID) (int, error)
	HasActiveLoan(ctx context.Context, userID, titleID uuid.UUID) (bool, error)
	// CreateLoan records a BORROWED loan. The one-active-loan-per-title check
	// is part of the insert itself; a violation returns ErrConflict.
	CreateLoan(ctx context.Context, userID, titleID uuid.UUID, borrowedAt, dueAt time.Time) (Loan, error)
	// MarkReturned fails with ErrLoanNotFound or, for a loan already
	// RETURNED, ErrInvalidState.
	MarkReturned(ctx context.Context, loanID uuid.UUID, returnedAt time.Time) (Loan, error)
	// MarkOverdue moves BORROWED to OVERDUE and reports whether it did. An
	// OVERDUE or RETURNED loan is left alone without error.
	MarkOverdue(ctx context.Context, loanID uuid.UUID) (bool, error)
	// ListActive yields active loans due before cutoff. Every iteration
	// queries afresh.
	ListActive(ctx context.Context, cutoff time.Time) iter.Seq2[Loan, error]

	GetLoan(ctx context.Context, loanID uuid.UUID) (Loan, error)
	History(ctx context.Context, loanID uuid.UUID) ([]LoanEvent, error)
	CountActiveByTitle(ctx context.Context) (map[uuid.UUID]int, error)
}
