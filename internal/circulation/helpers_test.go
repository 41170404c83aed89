package circulation

import (
	"context"
	"time"

	"bookwise/internal/catalog"
	"bookwise/internal/clock"
	"bookwise/internal/membership"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// tb is what both *testing.T and *rapid.T provide.
type tb interface {
	Helper()
	Errorf(format string, args ...any)
	FailNow()
}

var day0 = time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

type fixture struct {
	inventory *catalog.MemoryStore
	ledger    *MemoryLedger
	members   *membership.MemoryDirectory
	clock     *clock.Manual
	engine    *Engine
}

func newFixture(t tb, opts ...Option) *fixture {
	t.Helper()
	clk := clock.NewManual(day0)
	f := &fixture{
		inventory: catalog.NewMemoryStore(),
		ledger:    NewMemoryLedger(WithLedgerClock(clk)),
		members:   membership.NewMemoryDirectory(),
		clock:     clk,
	}
	opts = append([]Option{WithClock(f.clock), WithLogger(zerolog.Nop())}, opts...)
	f.engine = NewEngine(f.inventory, f.ledger, f.members, opts...)
	return f
}

func (f *fixture) title(t tb, copies int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, f.inventory.CreateTitle(context.Background(), catalog.Title{ID: id, TotalCopies: copies, AvailableCopies: copies}))
	return id
}

func (f *fixture) member(standing membership.Standing) uuid.UUID {
	id := uuid.New()
	f.members.Put(membership.Member{ID: id, Standing: standing})
	return id
}

func (f *fixture) available(t tb, titleID uuid.UUID) int {
	t.Helper()
	av, err := f.inventory.GetAvailability(context.Background(), titleID)
	require.NoError(t, err)
	return av.Available
}

func (f *fixture) mustBorrow(t tb, userID, titleID uuid.UUID) Loan {
	t.Helper()
	res, err := f.engine.Borrow(context.Background(), userID, titleID)
	require.NoError(t, err)
	require.False(t, res.Denied(), "borrow denied: %s", res.Verdict.Reason)
	return *res.Loan
}

// faultyLedger fails CreateLoan with createErr when set.
// With lostAck set, the loan is written first and the error is reported
// afterwards, like a commit whose acknowledgement never arrived.
type faultyLedger struct {
	LoanLedger
	createErr error
	lostAck   bool
}

func (l *faultyLedger) CreateLoan(ctx context.Context, userID, titleID uuid.UUID, borrowedAt, dueAt time.Time) (Loan, error) {
	if l.createErr == nil {
		return l.LoanLedger.CreateLoan(ctx, userID, titleID, borrowedAt, dueAt)
	}
	if l.lostAck {
		if _, err := l.LoanLedger.CreateLoan(ctx, userID, titleID, borrowedAt, dueAt); err != nil {
			return Loan{}, err
		}
	}
	return Loan{}, l.createErr
}

// faultyInventory fails ReleaseCopy with releaseErr when set.
type faultyInventory struct {
	catalog.InventoryStore
	releaseErr error
}

func (s *faultyInventory) ReleaseCopy(ctx context.Context, titleID uuid.UUID) error {
	if s.releaseErr != nil {
		return s.releaseErr
	}
	return s.InventoryStore.ReleaseCopy(ctx, titleID)
}
