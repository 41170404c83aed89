package chaos

import (
	"context"
	"sync"
	"time"

	"bookwise/internal/catalog"
	"bookwise/internal/circulation"

	"github.com/google/uuid"
)

// Op names a store operation a fault can be injected into.
type Op string

const (
	OpReserveCopy  Op = "inventory.reserve"
	OpReleaseCopy  Op = "inventory.release"
	OpCreateLoan   Op = "ledger.create"
	OpMarkReturned Op = "ledger.return"
	OpMarkOverdue  Op = "ledger.overdue"
)

// Faults is a switchboard of injected errors and latency shared by the
// faulty store wrappers.
type Faults struct {
	mu      sync.RWMutex
	errs    map[Op]error
	latency time.Duration
}

func NewFaults() *Faults {
	return &Faults{errs: make(map[Op]error)}
}

// Fail makes every call to op return err until cleared.
func (f *Faults) Fail(op Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = err
}

// Delay adds d before every faulted operation.
func (f *Faults) Delay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = d
}

// Clear removes all injected faults.
func (f *Faults) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.errs)
	f.latency = 0
}

func (f *Faults) check(ctx context.Context, op Op) error {
	f.mu.RLock()
	err, latency := f.errs[op], f.latency
	f.mu.RUnlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

// FaultyInventory wraps an InventoryStore with injectable faults.
type FaultyInventory struct {
	catalog.InventoryStore
	faults *Faults
}

func NewFaultyInventory(inner catalog.InventoryStore, faults *Faults) *FaultyInventory {
	return &FaultyInventory{InventoryStore: inner, faults: faults}
}

func (s *FaultyInventory) TryReserveCopy(ctx context.Context, titleID uuid.UUID) (catalog.Reservation, bool, error) {
	if err := s.faults.check(ctx, OpReserveCopy); err != nil {
		return catalog.Reservation{}, false, err
	}
	return s.InventoryStore.TryReserveCopy(ctx, titleID)
}

func (s *FaultyInventory) ReleaseCopy(ctx context.Context, titleID uuid.UUID) error {
	if err := s.faults.check(ctx, OpReleaseCopy); err != nil {
		return err
	}
	return s.InventoryStore.ReleaseCopy(ctx, titleID)
}

// FaultyLedger wraps a LoanLedger with injectable faults on its writes.
type FaultyLedger struct {
	circulation.LoanLedger
	faults *Faults
}

func NewFaultyLedger(inner circulation.LoanLedger, faults *Faults) *FaultyLedger {
	return &FaultyLedger{LoanLedger: inner, faults: faults}
}

func (l *FaultyLedger) CreateLoan(ctx context.Context, userID, titleID uuid.UUID, borrowedAt, dueAt time.Time) (circulation.Loan, error) {
	if err := l.faults.check(ctx, OpCreateLoan); err != nil {
		return circulation.Loan{}, err
	}
	return l.LoanLedger.CreateLoan(ctx, userID, titleID, borrowedAt, dueAt)
}

func (l *FaultyLedger) MarkReturned(ctx context.Context, loanID uuid.UUID, returnedAt time.Time) (circulation.Loan, error) {
	if err := l.faults.check(ctx, OpMarkReturned); err != nil {
		return circulation.Loan{}, err
	}
	return l.LoanLedger.MarkReturned(ctx, loanID, returnedAt)
}

func (l *FaultyLedger) MarkOverdue(ctx context.Context, loanID uuid.UUID) (bool, error) {
	if err := l.faults.check(ctx, OpMarkOverdue); err != nil {
		return false, err
	}
	return l.LoanLedger.MarkOverdue(ctx, loanID)
}
