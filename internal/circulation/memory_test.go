package circulation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedgerCreateLoanConflict(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	user, title := uuid.New(), uuid.New()

	loan, err := l.CreateLoan(ctx, user, title, day0, day0.AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Equal(t, 1, loan.Version)

	_, err = l.CreateLoan(ctx, user, title, day0, day0.AddDate(0, 0, 7))
	assert.ErrorIs(t, err, ErrConflict)

	_, err = l.CreateLoan(ctx, uuid.New(), title, day0, day0.AddDate(0, 0, 7))
	assert.NoError(t, err, "other users may hold the same title")

	_, err = l.MarkReturned(ctx, loan.ID, day0.Add(time.Hour))
	require.NoError(t, err)
	_, err = l.CreateLoan(ctx, user, title, day0, day0.AddDate(0, 0, 7))
	assert.NoError(t, err, "a returned loan frees the pair")
}

func TestMemoryLedgerCounts(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	user, t1, t2 := uuid.New(), uuid.New(), uuid.New()

	a, err := l.CreateLoan(ctx, user, t1, day0, day0)
	require.NoError(t, err)
	_, err = l.CreateLoan(ctx, user, t2, day0, day0)
	require.NoError(t, err)
	_, err = l.MarkOverdue(ctx, a.ID)
	require.NoError(t, err)

	n, err := l.CountActiveLoans(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "overdue loans stay active")

	has, err := l.HasActiveLoan(ctx, user, t1)
	require.NoError(t, err)
	assert.True(t, has)

	byTitle, err := l.CountActiveByTitle(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]int{t1: 1, t2: 1}, byTitle)
}

func TestMemoryLedgerReturnedIsTerminal(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	loan, err := l.CreateLoan(ctx, uuid.New(), uuid.New(), day0, day0)
	require.NoError(t, err)

	_, err = l.MarkReturned(ctx, loan.ID, day0)
	require.NoError(t, err)

	_, err = l.MarkReturned(ctx, loan.ID, day0)
	assert.ErrorIs(t, err, ErrInvalidState)

	changed, err := l.MarkOverdue(ctx, loan.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := l.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReturned, got.Status)
	assert.Equal(t, 2, got.Version)

	_, err = l.MarkOverdue(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrLoanNotFound)
}

func TestMemoryLedgerReturnsDetachedCopies(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	loan, err := l.CreateLoan(ctx, uuid.New(), uuid.New(), day0, day0)
	require.NoError(t, err)
	returnedAt := day0.Add(time.Hour)

	returned, err := l.MarkReturned(ctx, loan.ID, returnedAt)
	require.NoError(t, err)
	*returned.ReturnedAt = time.Time{}

	got, err := l.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReturnedAt)
	assert.True(t, got.ReturnedAt.Equal(returnedAt))
	*got.ReturnedAt = time.Time{}

	again, err := l.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, again.ReturnedAt.Equal(returnedAt))

	history, err := l.History(ctx, loan.ID)
	require.NoError(t, err)
	history[0].Data[0] = 'x'
	fresh, err := l.History(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, json.Valid(fresh[0].Data))
}

func TestMemoryLedgerListActive(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	late, err := l.CreateLoan(ctx, uuid.New(), uuid.New(), day0, day0.AddDate(0, 0, 2))
	require.NoError(t, err)
	early, err := l.CreateLoan(ctx, uuid.New(), uuid.New(), day0, day0.AddDate(0, 0, 1))
	require.NoError(t, err)
	_, err = l.CreateLoan(ctx, uuid.New(), uuid.New(), day0, day0.AddDate(0, 0, 9))
	require.NoError(t, err)
	returned, err := l.CreateLoan(ctx, uuid.New(), uuid.New(), day0, day0)
	require.NoError(t, err)
	_, err = l.MarkReturned(ctx, returned.ID, day0)
	require.NoError(t, err)

	var ids []uuid.UUID
	for loan, err := range l.ListActive(ctx, day0.AddDate(0, 0, 3)) {
		require.NoError(t, err)
		ids = append(ids, loan.ID)
	}
	assert.Equal(t, []uuid.UUID{early.ID, late.ID}, ids)

	// Restartable: a second pass sees the current state.
	_, err = l.MarkReturned(ctx, early.ID, day0)
	require.NoError(t, err)
	ids = ids[:0]
	for loan, err := range l.ListActive(ctx, day0.AddDate(0, 0, 3)) {
		require.NoError(t, err)
		ids = append(ids, loan.ID)
	}
	assert.Equal(t, []uuid.UUID{late.ID}, ids)
}

func TestMemoryLedgerListActiveEarlyBreak(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.CreateLoan(ctx, uuid.New(), uuid.New(), day0, day0)
		require.NoError(t, err)
	}

	seen := 0
	for range l.ListActive(ctx, day0.Add(time.Second)) {
		seen++
		break
	}
	assert.Equal(t, 1, seen)
}

func TestMemoryLedgerHistoryPayloads(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	user, title := uuid.New(), uuid.New()
	loan, err := l.CreateLoan(ctx, user, title, day0, day0.AddDate(0, 0, 7))
	require.NoError(t, err)
	_, err = l.MarkOverdue(ctx, loan.ID)
	require.NoError(t, err)
	_, err = l.MarkReturned(ctx, loan.ID, day0.AddDate(0, 0, 9))
	require.NoError(t, err)

	history, err := l.History(ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{EventLoanBorrowed, EventLoanMarkedOverdue, EventLoanReturned},
		[]string{history[0].Type, history[1].Type, history[2].Type})
	for i, e := range history {
		assert.Equal(t, i+1, e.Version)
	}

	var borrowed LoanBorrowedEvent
	require.NoError(t, json.Unmarshal(history[0].Data, &borrowed))
	assert.Equal(t, user, borrowed.UserID)
	assert.Equal(t, title, borrowed.TitleID)

	var returned LoanReturnedEvent
	require.NoError(t, json.Unmarshal(history[2].Data, &returned))
	assert.Equal(t, day0.AddDate(0, 0, 9), returned.ReturnedAt)

	_, err = l.History(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrLoanNotFound)
}

func TestLoanStatusTransitions(t *testing.T) {
	assert.True(t, StatusBorrowed.CanTransitionTo(StatusOverdue))
	assert.True(t, StatusBorrowed.CanTransitionTo(StatusReturned))
	assert.True(t, StatusOverdue.CanTransitionTo(StatusReturned))
	assert.False(t, StatusOverdue.CanTransitionTo(StatusBorrowed))
	assert.False(t, StatusReturned.CanTransitionTo(StatusBorrowed))
	assert.False(t, StatusReturned.CanTransitionTo(StatusOverdue))
}
