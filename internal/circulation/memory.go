// internal/circulation/memory.go
package circulation

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"bookwise/internal/clock"

	"github.com/google/uuid"
)

type activeKey struct {
	userID  uuid.UUID
	titleID uuid.UUID
}

// MemoryLedger is an in-process LoanLedger. A single mutex makes every
// method atomic, which gives it the same conditional-write guarantees the
// database ledgers get from constraints.
type MemoryLedger struct {
	mu     sync.Mutex
	loans  map[uuid.UUID]*Loan
	active map[activeKey]uuid.UUID
	events map[uuid.UUID][]LoanEvent
	clock  clock.Clock
}

// LedgerOption configures a MemoryLedger.
type LedgerOption func(*MemoryLedger)

// WithLedgerClock sets the clock that stamps overdue events. It should be
// the clock the Engine and Scanner use so the history stays in order.
func WithLedgerClock(c clock.Clock) LedgerOption {
	return func(l *MemoryLedger) { l.clock = c }
}

func NewMemoryLedger(opts ...LedgerOption) *MemoryLedger {
	l := &MemoryLedger{
		loans:  make(map[uuid.UUID]*Loan),
		active: make(map[activeKey]uuid.UUID),
		events: make(map[uuid.UUID][]LoanEvent),
		clock:  clock.System{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemoryLedger) CountActiveLoans(ctx context.Context, userID uuid.UUID) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key := range l.active {
		if key.userID == userID {
			n++
		}
	}
	return n, nil
}

func (l *MemoryLedger) HasActiveLoan(ctx context.Context, userID, titleID uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.active[activeKey{userID, titleID}]
	return ok, nil
}

func (l *MemoryLedger) CreateLoan(ctx context.Context, userID, titleID uuid.UUID, borrowedAt, dueAt time.Time) (Loan, error) {
	if err := ctx.Err(); err != nil {
		return Loan{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := activeKey{userID, titleID}
	if _, exists := l.active[key]; exists {
		return Loan{}, ErrConflict
	}

	loan := Loan{
		ID:         uuid.New(),
		UserID:     userID,
		TitleID:    titleID,
		BorrowedAt: borrowedAt,
		DueAt:      dueAt,
		Status:     StatusBorrowed,
		Version:    1,
	}
	event, err := NewLoanEvent(loan, EventLoanBorrowed, borrowedAt)
	if err != nil {
		return Loan{}, err
	}

	l.loans[loan.ID] = &loan
	l.active[key] = loan.ID
	l.events[loan.ID] = append(l.events[loan.ID], event)
	return loan, nil
}

func (l *MemoryLedger) MarkReturned(ctx context.Context, loanID uuid.UUID, returnedAt time.Time) (Loan, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	loan, ok := l.loans[loanID]
	if !ok {
		return Loan{}, ErrLoanNotFound
	}
	if !loan.Status.CanTransitionTo(StatusReturned) {
		return Loan{}, ErrInvalidState
	}

	updated := *loan
	updated.Status = StatusReturned
	updated.ReturnedAt = &returnedAt
	updated.Version++
	event, err := NewLoanEvent(updated, EventLoanReturned, returnedAt)
	if err != nil {
		return Loan{}, err
	}

	*loan = updated
	delete(l.active, activeKey{loan.UserID, loan.TitleID})
	l.events[loanID] = append(l.events[loanID], event)
	return detach(updated), nil
}

func (l *MemoryLedger) MarkOverdue(ctx context.Context, loanID uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	loan, ok := l.loans[loanID]
	if !ok {
		return false, ErrLoanNotFound
	}
	if loan.Status != StatusBorrowed {
		return false, nil
	}

	updated := *loan
	updated.Status = StatusOverdue
	updated.Version++
	event, err := NewLoanEvent(updated, EventLoanMarkedOverdue, l.clock.Now())
	if err != nil {
		return false, err
	}

	*loan = updated
	l.events[loanID] = append(l.events[loanID], event)
	return true, nil
}

// ListActive snapshots matching loans when iteration starts, ordered by due
// date, so callers may mutate the ledger while ranging.
func (l *MemoryLedger) ListActive(ctx context.Context, cutoff time.Time) iter.Seq2[Loan, error] {
	return func(yield func(Loan, error) bool) {
		l.mu.Lock()
		due := make([]Loan, 0, len(l.active))
		for _, id := range l.active {
			loan := l.loans[id]
			if loan.DueAt.Before(cutoff) {
				due = append(due, detach(*loan))
			}
		}
		l.mu.Unlock()

		sort.Slice(due, func(i, j int) bool {
			if due[i].DueAt.Equal(due[j].DueAt) {
				return due[i].ID.String() < due[j].ID.String()
			}
			return due[i].DueAt.Before(due[j].DueAt)
		})

		for _, loan := range due {
			if err := ctx.Err(); err != nil {
				yield(Loan{}, err)
				return
			}
			if !yield(loan, nil) {
				return
			}
		}
	}
}

func (l *MemoryLedger) GetLoan(ctx context.Context, loanID uuid.UUID) (Loan, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	loan, ok := l.loans[loanID]
	if !ok {
		return Loan{}, ErrLoanNotFound
	}
	return detach(*loan), nil
}

func (l *MemoryLedger) History(ctx context.Context, loanID uuid.UUID) ([]LoanEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.loans[loanID]; !ok {
		return nil, ErrLoanNotFound
	}
	events := make([]LoanEvent, len(l.events[loanID]))
	for i, e := range l.events[loanID] {
		e.Data = append(e.Data[:0:0], e.Data...)
		events[i] = e
	}
	return events, nil
}

func (l *MemoryLedger) CountActiveByTitle(ctx context.Context) (map[uuid.UUID]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[uuid.UUID]int)
	for key := range l.active {
		counts[key.titleID]++
	}
	return counts, nil
}

// detach copies the pointer fields of a stored loan so callers cannot
// write through to the ledger.
func detach(loan Loan) Loan {
	if loan.ReturnedAt != nil {
		t := *loan.ReturnedAt
		loan.ReturnedAt = &t
	}
	return loan
}
