// internal/chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bookwise/internal/catalog"
	"bookwise/internal/circulation"
	"bookwise/internal/clock"
	"bookwise/internal/membership"
	"bookwise/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Lab is a self-contained lending deployment on in-memory stores with
// fault switches in front of the inventory and the ledger.
type Lab struct {
	Faults    *Faults
	Clock     *clock.Manual
	Inventory *FaultyInventory
	Ledger    *FaultyLedger
	Members   *membership.MemoryDirectory
	Lending   *circulation.Engine
	Scanner   *circulation.Scanner
	Auditor   *circulation.Auditor

	window time.Duration
}

// NewLab builds a lab whose experiments observe for window.
func NewLab(window time.Duration, log zerolog.Logger) *Lab {
	faults := NewFaults()
	clk := clock.NewManual(time.Now().UTC())
	lab := &Lab{
		Faults:    faults,
		Clock:     clk,
		Inventory: NewFaultyInventory(catalog.NewMemoryStore(), faults),
		Ledger:    NewFaultyLedger(circulation.NewMemoryLedger(circulation.WithLedgerClock(clk)), faults),
		Members:   membership.NewMemoryDirectory(),
		window:    window,
	}
	lab.Lending = circulation.NewEngine(lab.Inventory, lab.Ledger, lab.Members,
		circulation.WithClock(lab.Clock), circulation.WithLogger(log))
	lab.Scanner = circulation.NewScanner(lab.Ledger,
		circulation.WithScannerClock(lab.Clock), circulation.WithScannerLogger(log))
	lab.Auditor = circulation.NewAuditor(lab.Inventory, lab.Ledger)
	return lab
}

// Experiments returns every predefined experiment bound to this lab. Each
// one seeds its own title and members, so they can run in any order.
func (l *Lab) Experiments() []Experiment {
	return []Experiment{
		l.ConcurrentBorrowRace(100, 1),
		l.LedgerFailureInjection(20),
		l.ScanReturnRace(50),
		l.ReleaseFailureDetection(5),
	}
}

// seedTitle adds a title for one experiment. A failure surfaces when the
// experiment's method runs.
func (l *Lab) seedTitle(copies int) (uuid.UUID, error) {
	id := uuid.New()
	return id, l.Inventory.CreateTitle(context.Background(), catalog.Title{ID: id, TotalCopies: copies, AvailableCopies: copies})
}

func (l *Lab) seedMembers(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
		l.Members.Put(membership.Member{ID: ids[i], Standing: membership.StandingActive})
	}
	return ids
}

func (l *Lab) violationsGauge() Gauge {
	return Gauge{
		Name: "inventory_violations",
		Read: func(ctx context.Context) (float64, error) {
			report, err := l.Auditor.Audit(ctx)
			return float64(len(report.Violations)), err
		},
		Bound: Exactly(0),
	}
}

func (l *Lab) activeLoansGauge(name string, titleID uuid.UUID, bound Bound) Gauge {
	return Gauge{
		Name: name,
		Read: func(ctx context.Context) (float64, error) {
			active, err := l.Ledger.CountActiveByTitle(ctx)
			return float64(active[titleID]), err
		},
		Bound: bound,
	}
}

func (l *Lab) availableGauge(name string, titleID uuid.UUID, bound Bound) Gauge {
	return Gauge{
		Name: name,
		Read: func(ctx context.Context) (float64, error) {
			av, err := l.Inventory.GetAvailability(ctx, titleID)
			return float64(av.Available), err
		},
		Bound: bound,
	}
}

// borrowAll has every user try to borrow titleID at once and returns the
// loans granted. Denials are expected; anything else is collected.
func (l *Lab) borrowAll(ctx context.Context, users []uuid.UUID, titleID uuid.UUID) ([]circulation.Loan, error) {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		loans  []circulation.Loan
		errs   []error
		accept = func(err error) bool {
			return errors.Is(err, storage.ErrUnavailable) || errors.Is(err, circulation.ErrConflict)
		}
	)
	for _, u := range users {
		wg.Add(1)
		go func(u uuid.UUID) {
			defer wg.Done()
			res, err := l.Lending.Borrow(ctx, u, titleID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && !accept(err):
				errs = append(errs, err)
			case err == nil && !res.Denied():
				loans = append(loans, *res.Loan)
			}
		}(u)
	}
	wg.Wait()
	return loans, errors.Join(errs...)
}

// ConcurrentBorrowRace fires concurrent borrows of one title at a handful
// of copies.
func (l *Lab) ConcurrentBorrowRace(concurrency, copies int) Experiment {
	titleID, seedErr := l.seedTitle(copies)
	return Experiment{
		Name:       "concurrent-borrow-race",
		Hypothesis: "Concurrent borrows of the same title never hand out more copies than exist",
		Invariants: []Gauge{
			l.violationsGauge(),
			l.activeLoansGauge("active_loans", titleID, AtMost(float64(copies))),
		},
		Faults: []Step{
			{
				Target: "lending-engine",
				Run: func(ctx context.Context) error {
					if seedErr != nil {
						return seedErr
					}
					loans, err := l.borrowAll(ctx, l.seedMembers(concurrency), titleID)
					if err != nil {
						return err
					}
					if len(loans) != copies {
						return fmt.Errorf("granted %d loans for %d copies", len(loans), copies)
					}
					return nil
				},
			},
		},
		Expect: []Expectation{
			{
				Gauge:   "inventory_violations",
				Bound:   Exactly(0),
				Message: "Inventory counts must agree with the ledger",
			},
			{
				Gauge:   "active_loans",
				Bound:   Exactly(float64(copies)),
				Message: "Every copy should be on loan exactly once",
			},
		},
		Window: l.window,
	}
}

// LedgerFailureInjection makes the ledger unavailable while borrows are in
// flight; every reserved copy has to be given back.
func (l *Lab) LedgerFailureInjection(attempts int) Experiment {
	const copies = 2
	titleID, seedErr := l.seedTitle(copies)
	return Experiment{
		Name:       "ledger-failure-injection",
		Hypothesis: "A failed loan insert releases the reserved copy",
		Invariants: []Gauge{
			l.violationsGauge(),
			l.availableGauge("available_copies", titleID, AtMost(copies)),
		},
		Faults: []Step{
			{
				Target: string(OpCreateLoan),
				Run: func(ctx context.Context) error {
					if seedErr != nil {
						return seedErr
					}
					l.Faults.Fail(OpCreateLoan, storage.ErrUnavailable)
					loans, err := l.borrowAll(ctx, l.seedMembers(attempts), titleID)
					if err != nil {
						return err
					}
					if len(loans) > 0 {
						return fmt.Errorf("%d loans created while the ledger was down", len(loans))
					}
					return nil
				},
			},
		},
		Recovery: []Step{
			{
				Target: string(OpCreateLoan),
				Run: func(context.Context) error {
					l.Faults.Clear()
					return nil
				},
			},
		},
		Expect: []Expectation{
			{
				Gauge:   "inventory_violations",
				Bound:   Exactly(0),
				Message: "No copy may leak when loan creation fails",
			},
			{
				Gauge:   "available_copies",
				Bound:   Exactly(copies),
				Message: "All copies should be back in the pool",
			},
		},
		Window: l.window,
	}
}

// ScanReturnRace runs the overdue sweep while every overdue loan is being
// returned.
func (l *Lab) ScanReturnRace(loans int) Experiment {
	titleID, seedErr := l.seedTitle(loans)
	return Experiment{
		Name:       "scan-return-race",
		Hypothesis: "The overdue sweep never resurrects or double-counts a loan returned concurrently",
		Invariants: []Gauge{
			l.violationsGauge(),
			l.activeLoansGauge("active_loans", titleID, Exactly(0)),
		},
		Faults: []Step{
			{
				Target: "overdue-scanner",
				Run: func(ctx context.Context) error {
					if seedErr != nil {
						return seedErr
					}
					granted, err := l.borrowAll(ctx, l.seedMembers(loans), titleID)
					if err != nil {
						return err
					}
					l.Clock.Advance(30 * 24 * time.Hour)

					var (
						wg   sync.WaitGroup
						mu   sync.Mutex
						errs []error
					)
					wg.Add(1)
					go func() {
						defer wg.Done()
						if _, err := l.Scanner.Sweep(ctx); err != nil {
							mu.Lock()
							errs = append(errs, err)
							mu.Unlock()
						}
					}()
					for _, loan := range granted {
						wg.Add(1)
						go func(id uuid.UUID) {
							defer wg.Done()
							if _, err := l.Lending.ReturnLoan(ctx, id); err != nil {
								mu.Lock()
								errs = append(errs, err)
								mu.Unlock()
							}
						}(loan.ID)
					}
					wg.Wait()
					return errors.Join(errs...)
				},
			},
		},
		Expect: []Expectation{
			{
				Gauge:   "inventory_violations",
				Bound:   Exactly(0),
				Message: "Inventory counts must agree with the ledger",
			},
			{
				Gauge:   "active_loans",
				Bound:   Exactly(0),
				Message: "Every returned loan should stay returned",
			},
		},
		Window: l.window,
	}
}

// ReleaseFailureDetection breaks copy release during returns. The loans
// still close, and the auditor has to notice the copies that never made it
// back to the pool.
func (l *Lab) ReleaseFailureDetection(loans int) Experiment {
	titleID, seedErr := l.seedTitle(loans)
	violations := l.violationsGauge()
	return Experiment{
		Name:       "release-failure-detection",
		Hypothesis: "Copies stranded by a failed release on return are reported by the audit",
		Invariants: []Gauge{violations},
		Faults: []Step{
			{
				Target: string(OpReleaseCopy),
				Run: func(ctx context.Context) error {
					if seedErr != nil {
						return seedErr
					}
					granted, err := l.borrowAll(ctx, l.seedMembers(loans), titleID)
					if err != nil {
						return err
					}
					l.Faults.Fail(OpReleaseCopy, storage.ErrUnavailable)
					var unexpected []error
					for _, loan := range granted {
						_, err := l.Lending.ReturnLoan(ctx, loan.ID)
						if !errors.Is(err, circulation.ErrReleasePending) {
							unexpected = append(unexpected, fmt.Errorf("return %s: %v", loan.ID, err))
						}
					}
					return errors.Join(unexpected...)
				},
			},
		},
		Recovery: []Step{
			{
				Target: string(OpReleaseCopy),
				Run: func(context.Context) error {
					l.Faults.Clear()
					return nil
				},
			},
			{
				Target: "inventory",
				Run:    l.restock,
			},
		},
		Expect: []Expectation{
			{
				Gauge:   violations.Name,
				Bound:   AtLeast(1),
				Message: "The audit should flag the title with stranded copies",
			},
		},
		Window: l.window,
	}
}

// restock puts stranded copies back into the pool, one release per copy
// the audit reports as leaked.
func (l *Lab) restock(ctx context.Context) error {
	report, err := l.Auditor.Audit(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, v := range report.Violations {
		for range max(v.Drift, 0) {
			if err := l.Inventory.ReleaseCopy(ctx, v.TitleID); err != nil {
				errs = append(errs, fmt.Errorf("release %s: %w", v.TitleID, err))
				break
			}
		}
	}
	return errors.Join(errs...)
}
