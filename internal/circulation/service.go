// internal/circulation/service.go
package circulation

import (
	"context"

	"bookwise/internal/catalog"

	"github.com/google/uuid"
)

// Service defines the lending operations exposed to callers.
type Service interface {
	Borrow(ctx context.Context, userID, titleID uuid.UUID) (BorrowResult, error)
	ReturnLoan(ctx context.Context, loanID uuid.UUID) (Loan, error)
	GetLoan(ctx context.Context, loanID uuid.UUID) (Loan, error)
	LoanHistory(ctx context.Context, loanID uuid.UUID) ([]LoanEvent, error)
	Availability(ctx context.Context, titleID uuid.UUID) (catalog.Availability, error)
}
