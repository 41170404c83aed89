package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"bookwise/internal/catalog"
	"bookwise/internal/circulation"
	"bookwise/internal/membership"
	"bookwise/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// setupTestDB connects using the PG* variables and skips when PostgreSQL is
// not reachable. Tests use fresh UUIDs so they can share one database.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		env("PGHOST", "localhost"), env("PGPORT", "5432"), env("PGUSER", "user"),
		env("PGPASSWORD", "password"), env("PGDATABASE", "testdb"))

	db, err := Open(context.Background(), dsn, PoolOptions{MaxOpenConns: 20})
	if err != nil {
		t.Skipf("skipping: could not connect to postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(context.Background(), db))
	return db
}

func seedTitle(t *testing.T, inv *InventoryStore, copies int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, inv.CreateTitle(context.Background(), catalog.Title{ID: id, TotalCopies: copies, AvailableCopies: copies}))
	return id
}

func TestInventoryReserveAndRelease(t *testing.T) {
	inv := NewInventoryStore(setupTestDB(t))
	ctx := context.Background()
	id := seedTitle(t, inv, 1)

	assert.ErrorIs(t, inv.CreateTitle(ctx, catalog.Title{ID: id, TotalCopies: 1, AvailableCopies: 1}), catalog.ErrTitleExists)

	res, ok, err := inv.TryReserveCopy(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, res.Remaining)

	_, ok, err = inv.TryReserveCopy(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, inv.ReleaseCopy(ctx, id))
	require.NoError(t, inv.ReleaseCopy(ctx, id))
	av, err := inv.GetAvailability(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, catalog.Availability{Total: 1, Available: 1}, av, "release is clamped at total")

	_, _, err = inv.TryReserveCopy(ctx, uuid.New())
	assert.ErrorIs(t, err, catalog.ErrTitleNotFound)
	assert.ErrorIs(t, inv.ReleaseCopy(ctx, uuid.New()), catalog.ErrTitleNotFound)
}

func TestInventoryConcurrentReservations(t *testing.T) {
	inv := NewInventoryStore(setupTestDB(t))
	id := seedTitle(t, inv, 3)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		start   = make(chan struct{})
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, ok, err := inv.TryReserveCopy(context.Background(), id)
			if assert.NoError(t, err) && ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 3, granted)
	av, err := inv.GetAvailability(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 0, av.Available)
}

func TestLedgerLifecycle(t *testing.T) {
	db := setupTestDB(t)
	inv, ledger := NewInventoryStore(db), NewLedger(db)
	ctx := context.Background()
	title := seedTitle(t, inv, 2)
	user := uuid.New()
	borrowed := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	loan, err := ledger.CreateLoan(ctx, user, title, borrowed, borrowed.AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusBorrowed, loan.Status)
	assert.True(t, borrowed.Equal(loan.BorrowedAt))

	_, err = ledger.CreateLoan(ctx, user, title, borrowed, borrowed.AddDate(0, 0, 7))
	assert.ErrorIs(t, err, circulation.ErrConflict)

	n, err := ledger.CountActiveLoans(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	has, err := ledger.HasActiveLoan(ctx, user, title)
	require.NoError(t, err)
	assert.True(t, has)

	changed, err := ledger.MarkOverdue(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = ledger.MarkOverdue(ctx, loan.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	returned, err := ledger.MarkReturned(ctx, loan.ID, borrowed.AddDate(0, 0, 9))
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusReturned, returned.Status)
	assert.Equal(t, 3, returned.Version)

	_, err = ledger.MarkReturned(ctx, loan.ID, borrowed)
	assert.ErrorIs(t, err, circulation.ErrInvalidState)
	_, err = ledger.MarkReturned(ctx, uuid.New(), borrowed)
	assert.ErrorIs(t, err, circulation.ErrLoanNotFound)
	_, err = ledger.MarkOverdue(ctx, uuid.New())
	assert.ErrorIs(t, err, circulation.ErrLoanNotFound)

	history, err := ledger.History(ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, circulation.EventLoanBorrowed, history[0].Type)
	assert.Equal(t, circulation.EventLoanMarkedOverdue, history[1].Type)
	assert.Equal(t, circulation.EventLoanReturned, history[2].Type)
}

func TestLedgerListActivePages(t *testing.T) {
	db := setupTestDB(t)
	inv, ledger := NewInventoryStore(db), NewLedger(db)
	ctx := context.Background()
	title := seedTitle(t, inv, listPageSize+10)

	// A cutoff far in the past keeps other tests' loans out of the listing.
	base := time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)
	want := make(map[uuid.UUID]bool)
	for i := 0; i < listPageSize+5; i++ {
		loan, err := ledger.CreateLoan(ctx, uuid.New(), title, base, base.Add(time.Duration(i%7)*time.Hour))
		require.NoError(t, err)
		want[loan.ID] = true
	}

	seen := make(map[uuid.UUID]bool)
	var prev time.Time
	for loan, err := range ledger.ListActive(ctx, base.Add(24*time.Hour)) {
		require.NoError(t, err)
		if !want[loan.ID] {
			continue
		}
		assert.False(t, seen[loan.ID], "loan listed twice")
		assert.False(t, loan.DueAt.Before(prev), "not ordered by due date")
		seen[loan.ID] = true
		prev = loan.DueAt
	}
	assert.Len(t, seen, len(want))

	counts, err := ledger.CountActiveByTitle(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(want), counts[title])
}

func TestDirectoryStanding(t *testing.T) {
	dir := NewDirectory(setupTestDB(t))
	ctx := context.Background()
	id := uuid.New()

	_, err := dir.GetMember(ctx, id)
	assert.ErrorIs(t, err, membership.ErrMemberNotFound)

	require.NoError(t, dir.UpsertMember(ctx, id, "PENDING"))
	m, err := dir.GetMember(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, membership.StandingSuspended, m.Standing)

	require.NoError(t, dir.UpsertMember(ctx, id, "APPROVED"))
	m, err = dir.GetMember(ctx, id)
	require.NoError(t, err)
	assert.True(t, m.Active())
}

// Two engines over one database stand in for two service processes.
func TestEnginesShareOneDatabase(t *testing.T) {
	db := setupTestDB(t)
	inv, ledger, dir := NewInventoryStore(db), NewLedger(db), NewDirectory(db)
	ctx := context.Background()
	title := seedTitle(t, inv, 2)

	engines := []*circulation.Engine{
		circulation.NewEngine(inv, ledger, dir),
		circulation.NewEngine(NewInventoryStore(db), NewLedger(db), NewDirectory(db)),
	}

	users := make([]uuid.UUID, 12)
	for i := range users {
		users[i] = uuid.New()
		require.NoError(t, dir.UpsertMember(ctx, users[i], "APPROVED"))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		start   = make(chan struct{})
	)
	for i, u := range users {
		wg.Add(1)
		go func(e *circulation.Engine, u uuid.UUID) {
			defer wg.Done()
			<-start
			res, err := e.Borrow(ctx, u, title)
			if assert.NoError(t, err) && !res.Denied() {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(engines[i%2], u)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 2, granted)
	report, err := circulation.NewAuditor(inv, ledger).Audit(ctx)
	require.NoError(t, err)
	for _, v := range report.Violations {
		assert.NotEqual(t, title, v.TitleID, "title drifted: %+v", v)
	}
}

func TestUnavailableMapping(t *testing.T) {
	_, err := Open(context.Background(), "host=127.0.0.1 port=1 user=x dbname=x sslmode=disable connect_timeout=1", PoolOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}
