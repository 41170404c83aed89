// internal/circulation/domain.go
package circulation

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrLoanNotFound = errors.New("loan not found")
	ErrInvalidState = errors.New("invalid loan state")
	// ErrConflict means a concurrent mutation invalidated an assumption
	// between check and commit. Callers may retry.
	ErrConflict = errors.New("conflicting concurrent update")
	// ErrReleasePending means the return was recorded but the copy could not
	// be put back; the title shows up in the next audit.
	ErrReleasePending = errors.New("loan returned, copy release pending reconciliation")
)

// LoanStatus is the per-loan state.
type LoanStatus string

const (
	StatusBorrowed LoanStatus = "BORROWED"
	StatusOverdue  LoanStatus = "OVERDUE"
	StatusReturned LoanStatus = "RETURNED"
)

// validTransitions is the loan state machine. RETURNED is terminal.
var validTransitions = map[LoanStatus][]LoanStatus{
	StatusBorrowed: {StatusOverdue, StatusReturned},
	StatusOverdue:  {StatusReturned},
}

// CanTransitionTo reports whether a move from s to next is allowed.
func (s LoanStatus) CanTransitionTo(next LoanStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Active reports whether the loan still holds a copy.
func (s LoanStatus) Active() bool {
	return s == StatusBorrowed || s == StatusOverdue
}

// Loan is one borrowing of one copy of a title.
type Loan struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	TitleID    uuid.UUID  `json:"title_id"`
	BorrowedAt time.Time  `json:"borrowed_at"`
	DueAt      time.Time  `json:"due_at"`
	ReturnedAt *time.Time `json:"returned_at,omitempty"`
	Status     LoanStatus `json:"status"`
	Version    int        `json:"version"`
}

// Event types recorded in the loan audit trail.
const (
	EventLoanBorrowed      = "LoanBorrowed"
	EventLoanMarkedOverdue = "LoanMarkedOverdue"
	EventLoanReturned      = "LoanReturned"
)

// LoanEvent is one entry of a loan's audit trail.
type LoanEvent struct {
	LoanID     uuid.UUID       `json:"loan_id"`
	Type       string          `json:"type"`
	Version    int             `json:"version"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// LoanBorrowedEvent is recorded when a loan is created.
type LoanBorrowedEvent struct {
	LoanID     uuid.UUID `json:"loan_id"`
	UserID     uuid.UUID `json:"user_id"`
	TitleID    uuid.UUID `json:"title_id"`
	BorrowedAt time.Time `json:"borrowed_at"`
	DueAt      time.Time `json:"due_at"`
}

// LoanMarkedOverdueEvent is recorded when the scanner flags a loan.
type LoanMarkedOverdueEvent struct {
	LoanID  uuid.UUID `json:"loan_id"`
	UserID  uuid.UUID `json:"user_id"`
	TitleID uuid.UUID `json:"title_id"`
	DueAt   time.Time `json:"due_at"`
}

// LoanReturnedEvent is recorded when a loan is returned.
type LoanReturnedEvent struct {
	LoanID     uuid.UUID `json:"loan_id"`
	UserID     uuid.UUID `json:"user_id"`
	TitleID    uuid.UUID `json:"title_id"`
	ReturnedAt time.Time `json:"returned_at"`
}

// NewLoanEvent builds the audit entry for a loan that has just reached
// version loan.Version through the given event type.
func NewLoanEvent(loan Loan, eventType string, occurredAt time.Time) (LoanEvent, error) {
	var payload any
	switch eventType {
	case EventLoanBorrowed:
		payload = LoanBorrowedEvent{LoanID: loan.ID, UserID: loan.UserID, TitleID: loan.TitleID, BorrowedAt: loan.BorrowedAt, DueAt: loan.DueAt}
	case EventLoanMarkedOverdue:
		payload = LoanMarkedOverdueEvent{LoanID: loan.ID, UserID: loan.UserID, TitleID: loan.TitleID, DueAt: loan.DueAt}
	case EventLoanReturned:
		payload = LoanReturnedEvent{LoanID: loan.ID, UserID: loan.UserID, TitleID: loan.TitleID, ReturnedAt: occurredAt}
	default:
		return LoanEvent{}, errors.New("unknown loan event type " + eventType)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return LoanEvent{}, err
	}
	return LoanEvent{
		LoanID:     loan.ID,
		Type:       eventType,
		Version:    loan.Version,
		OccurredAt: occurredAt,
		Data:       data,
	}, nil
}

// DenialReason explains why a borrow request was rejected by business rules.
type DenialReason string

const (
	ReasonUserSuspended     DenialReason = "USER_SUSPENDED"
	ReasonLoanLimitReached  DenialReason = "LOAN_LIMIT_REACHED"
	ReasonAlreadyBorrowed   DenialReason = "ALREADY_BORROWED"
	ReasonNoCopiesAvailable DenialReason = "NO_COPIES_AVAILABLE"
)

// Message is the user-facing text for a denial.
func (r DenialReason) Message() string {
	switch r {
	case ReasonUserSuspended:
		return "your account is not in good standing"
	case ReasonLoanLimitReached:
		return "you have reached the maximum number of active loans"
	case ReasonAlreadyBorrowed:
		return "you already have this title on loan"
	case ReasonNoCopiesAvailable:
		return "no copies of this title are available"
	default:
		return ""
	}
}

// Verdict is the outcome of the eligibility policy.
type Verdict struct {
	Allowed bool         `json:"allowed"`
	Reason  DenialReason `json:"reason,omitempty"`
}

func Allow() Verdict                   { return Verdict{Allowed: true} }
func Deny(reason DenialReason) Verdict { return Verdict{Reason: reason} }

// BorrowResult carries either the new loan or the denial.
type BorrowResult struct {
	Loan    *Loan
	Verdict Verdict
}

// Denied reports whether the request was rejected by a business rule.
func (r BorrowResult) Denied() bool {
	return !r.Verdict.Allowed
}

// OverdueEvent is emitted to the notification workflow when a loan has just
// become OVERDUE.
type OverdueEvent struct {
	LoanID     uuid.UUID `json:"loan_id"`
	UserID     uuid.UUID `json:"user_id"`
	TitleID    uuid.UUID `json:"title_id"`
	DueAt      time.Time `json:"due_at"`
	DetectedAt time.Time `json:"detected_at"`
}
