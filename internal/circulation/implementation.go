// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bookwise/internal/catalog"
	"bookwise/internal/clock"
	"bookwise/internal/membership"
	"bookwise/internal/metrics"
	"bookwise/pkg/logger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Engine is the lending engine. It owns no state of its own: every borrow
// is decided against fresh facts and committed through the inventory's
// atomic reservation followed by the ledger insert.
type Engine struct {
	inventory catalog.InventoryStore
	ledger    LoanLedger
	members   membership.Directory
	policy    Policy
	due       DuePolicy
	clock     clock.Clock
	log       zerolog.Logger
	tracer    trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

func WithPolicy(p Policy) Option       { return func(e *Engine) { e.policy = p } }
func WithDuePolicy(d DuePolicy) Option { return func(e *Engine) { e.due = d } }
func WithClock(c clock.Clock) Option   { return func(e *Engine) { e.clock = c } }

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine wires the engine to its collaborators.
func NewEngine(inventory catalog.InventoryStore, ledger LoanLedger, members membership.Directory, opts ...Option) *Engine {
	e := &Engine{
		inventory: inventory,
		ledger:    ledger,
		members:   members,
		clock:     clock.System{},
		log:       logger.Component("circulation"),
		tracer:    otel.Tracer("bookwise/circulation"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ Service = (*Engine)(nil)

// Borrow decides and, when allowed, commits a loan. Business-rule denials
// come back in the result with a nil error.
func (e *Engine) Borrow(ctx context.Context, userID, titleID uuid.UUID) (BorrowResult, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.Borrow", trace.WithAttributes(
		attribute.String("user.id", userID.String()),
		attribute.String("title.id", titleID.String()),
	))
	defer span.End()
	start := time.Now()

	facts, err := e.loadFacts(ctx, userID, titleID)
	if err != nil {
		return BorrowResult{}, e.borrowFailed(span, start, err)
	}

	if verdict := e.policy.Evaluate(facts); !verdict.Allowed {
		return e.denied(span, start, userID, titleID, verdict), nil
	}

	reservation, ok, err := e.inventory.TryReserveCopy(ctx, titleID)
	if err != nil {
		return BorrowResult{}, e.borrowFailed(span, start, fmt.Errorf("reserve copy: %w", err))
	}
	if !ok {
		// Another borrower took the last copy after the availability read.
		return e.denied(span, start, userID, titleID, Deny(ReasonNoCopiesAvailable)), nil
	}

	borrowedAt := e.clock.Now()
	loan, err := e.ledger.CreateLoan(ctx, userID, titleID, borrowedAt, e.due.DueAt(borrowedAt))
	if err != nil {
		return BorrowResult{}, e.borrowFailed(span, start, e.compensate(ctx, userID, titleID, err))
	}

	span.SetAttributes(
		attribute.String("loan.id", loan.ID.String()),
		attribute.Int("title.remaining", reservation.Remaining),
	)
	metrics.BorrowsTotal.WithLabelValues(metrics.OutcomeSuccess, "").Inc()
	metrics.BorrowDuration.WithLabelValues(metrics.OutcomeSuccess).Observe(time.Since(start).Seconds())
	e.log.Info().
		Str("loan_id", loan.ID.String()).
		Str("user_id", userID.String()).
		Str("title_id", titleID.String()).
		Time("due_at", loan.DueAt).
		Msg("loan created")

	return BorrowResult{Loan: &loan, Verdict: Allow()}, nil
}

func (e *Engine) loadFacts(ctx context.Context, userID, titleID uuid.UUID) (EligibilityFacts, error) {
	member, err := e.members.GetMember(ctx, userID)
	if err != nil {
		return EligibilityFacts{}, fmt.Errorf("get member: %w", err)
	}
	availability, err := e.inventory.GetAvailability(ctx, titleID)
	if err != nil {
		return EligibilityFacts{}, fmt.Errorf("get availability: %w", err)
	}
	active, err := e.ledger.CountActiveLoans(ctx, userID)
	if err != nil {
		return EligibilityFacts{}, fmt.Errorf("count active loans: %w", err)
	}
	holds, err := e.ledger.HasActiveLoan(ctx, userID, titleID)
	if err != nil {
		return EligibilityFacts{}, fmt.Errorf("check active loan: %w", err)
	}
	return EligibilityFacts{
		Member:       member,
		TitleID:      titleID,
		ActiveLoans:  active,
		HoldsTitle:   holds,
		Availability: availability,
	}, nil
}

// compensate gives the reserved copy back after the ledger refused the loan.
// The release must run even if the caller has gone away.
func (e *Engine) compensate(ctx context.Context, userID, titleID uuid.UUID, cause error) error {
	cause = fmt.Errorf("create loan: %w", cause)
	if err := e.inventory.ReleaseCopy(context.WithoutCancel(ctx), titleID); err != nil {
		metrics.CompensationsTotal.WithLabelValues("failed").Inc()
		e.log.Error().
			Err(err).
			AnErr("cause", cause).
			Str("user_id", userID.String()).
			Str("title_id", titleID.String()).
			Msg("releasing reserved copy failed, inventory needs reconciliation")
		return errors.Join(cause, fmt.Errorf("release reserved copy: %w", err))
	}

	metrics.CompensationsTotal.WithLabelValues("released").Inc()
	e.log.Warn().
		Err(cause).
		Str("user_id", userID.String()).
		Str("title_id", titleID.String()).
		Msg("loan not recorded, reserved copy released")
	return cause
}

func (e *Engine) denied(span trace.Span, start time.Time, userID, titleID uuid.UUID, verdict Verdict) BorrowResult {
	span.SetAttributes(attribute.String("borrow.denied", string(verdict.Reason)))
	metrics.BorrowsTotal.WithLabelValues(metrics.OutcomeDenied, string(verdict.Reason)).Inc()
	metrics.BorrowDuration.WithLabelValues(metrics.OutcomeDenied).Observe(time.Since(start).Seconds())
	e.log.Debug().
		Str("user_id", userID.String()).
		Str("title_id", titleID.String()).
		Str("reason", string(verdict.Reason)).
		Msg("borrow denied")
	return BorrowResult{Verdict: verdict}
}

func (e *Engine) borrowFailed(span trace.Span, start time.Time, err error) error {
	outcome := metrics.OutcomeError
	if errors.Is(err, ErrConflict) {
		outcome = metrics.OutcomeConflict
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.BorrowsTotal.WithLabelValues(outcome, "").Inc()
	metrics.BorrowDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return err
}

// ReturnLoan closes an active loan and puts the copy back. When the ledger
// update succeeded but the release did not, the returned loan is RETURNED
// and the error wraps ErrReleasePending.
func (e *Engine) ReturnLoan(ctx context.Context, loanID uuid.UUID) (Loan, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.ReturnLoan", trace.WithAttributes(
		attribute.String("loan.id", loanID.String()),
	))
	defer span.End()

	loan, err := e.ledger.MarkReturned(ctx, loanID, e.clock.Now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ReturnsTotal.WithLabelValues("error").Inc()
		return Loan{}, fmt.Errorf("mark returned: %w", err)
	}

	if err := e.inventory.ReleaseCopy(context.WithoutCancel(ctx), loan.TitleID); err != nil {
		span.RecordError(err)
		metrics.ReturnsTotal.WithLabelValues("release_pending").Inc()
		e.log.Error().
			Err(err).
			Str("loan_id", loan.ID.String()).
			Str("title_id", loan.TitleID.String()).
			Msg("loan returned but copy not released")
		return loan, fmt.Errorf("%w: %w", ErrReleasePending, err)
	}

	metrics.ReturnsTotal.WithLabelValues("success").Inc()
	e.log.Info().
		Str("loan_id", loan.ID.String()).
		Str("title_id", loan.TitleID.String()).
		Msg("loan returned")
	return loan, nil
}

func (e *Engine) GetLoan(ctx context.Context, loanID uuid.UUID) (Loan, error) {
	return e.ledger.GetLoan(ctx, loanID)
}

func (e *Engine) LoanHistory(ctx context.Context, loanID uuid.UUID) ([]LoanEvent, error) {
	return e.ledger.History(ctx, loanID)
}

func (e *Engine) Availability(ctx context.Context, titleID uuid.UUID) (catalog.Availability, error) {
	return e.inventory.GetAvailability(ctx, titleID)
}
