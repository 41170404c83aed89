// internal/circulation/scanner.go
package circulation

import (
	"context"
	"fmt"
	"time"

	"bookwise/internal/clock"
	"bookwise/internal/metrics"
	"bookwise/pkg/logger"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// OverdueNotifier receives one event per loan that has just become overdue.
type OverdueNotifier interface {
	NotifyOverdue(ctx context.Context, event OverdueEvent) error
}

// NotifierFunc adapts a function to OverdueNotifier.
type NotifierFunc func(ctx context.Context, event OverdueEvent) error

func (f NotifierFunc) NotifyOverdue(ctx context.Context, event OverdueEvent) error {
	return f(ctx, event)
}

// ScanReport summarises one sweep.
type ScanReport struct {
	Cutoff         time.Time     `json:"cutoff"`
	Examined       int           `json:"examined"`
	Transitioned   int           `json:"transitioned"`
	Skipped        int           `json:"skipped"`
	NotifyFailures int           `json:"notify_failures"`
	Duration       time.Duration `json:"duration"`
}

// Scanner moves loans past their due date from BORROWED to OVERDUE.
// Sweeps are idempotent and safe to run next to live borrows and returns:
// each transition is a conditional write on the ledger.
type Scanner struct {
	ledger   LoanLedger
	notifier OverdueNotifier
	clock    clock.Clock
	limiter  *rate.Limiter
	log      zerolog.Logger
	tracer   trace.Tracer
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

func WithNotifier(n OverdueNotifier) ScannerOption {
	return func(s *Scanner) { s.notifier = n }
}

func WithScannerClock(c clock.Clock) ScannerOption {
	return func(s *Scanner) { s.clock = c }
}

func WithScannerLogger(l zerolog.Logger) ScannerOption {
	return func(s *Scanner) { s.log = l }
}

// WithMaxWritesPerSecond paces overdue transitions. Zero or less disables pacing.
func WithMaxWritesPerSecond(perSecond float64) ScannerOption {
	return func(s *Scanner) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

func NewScanner(ledger LoanLedger, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		ledger: ledger,
		clock:  clock.System{},
		log:    logger.Component("overdue-scanner"),
		tracer: otel.Tracer("bookwise/circulation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep examines every active loan due before now once. A loan that was
// returned or already flagged between listing and writing is skipped.
// Notification failures are counted, never fatal.
func (s *Scanner) Sweep(ctx context.Context) (ScanReport, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.Sweep")
	defer span.End()

	start := time.Now()
	now := s.clock.Now()
	report := ScanReport{Cutoff: now}
	defer func() {
		report.Duration = time.Since(start)
		metrics.ScanDuration.Observe(report.Duration.Seconds())
		span.SetAttributes(
			attribute.Int("scan.examined", report.Examined),
			attribute.Int("scan.transitioned", report.Transitioned),
		)
	}()

	for loan, err := range s.ledger.ListActive(ctx, now) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return report, fmt.Errorf("list active loans: %w", err)
		}
		report.Examined++

		if loan.Status != StatusBorrowed || !loan.DueAt.Before(now) {
			report.Skipped++
			continue
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return report, err
			}
		}

		changed, err := s.ledger.MarkOverdue(ctx, loan.ID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return report, fmt.Errorf("mark loan %s overdue: %w", loan.ID, err)
		}
		if !changed {
			report.Skipped++
			continue
		}

		report.Transitioned++
		metrics.OverdueTransitionsTotal.Inc()
		s.notify(ctx, &report, OverdueEvent{
			LoanID:     loan.ID,
			UserID:     loan.UserID,
			TitleID:    loan.TitleID,
			DueAt:      loan.DueAt,
			DetectedAt: now,
		})
	}

	return report, nil
}

func (s *Scanner) notify(ctx context.Context, report *ScanReport, event OverdueEvent) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyOverdue(ctx, event); err != nil {
		report.NotifyFailures++
		metrics.OverdueNotificationsTotal.WithLabelValues("failed").Inc()
		s.log.Warn().
			Err(err).
			Str("loan_id", event.LoanID.String()).
			Str("user_id", event.UserID.String()).
			Msg("overdue notification failed")
		return
	}
	metrics.OverdueNotificationsTotal.WithLabelValues("sent").Inc()
}

// Run sweeps immediately and then every interval until ctx is done.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := s.Sweep(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			s.log.Error().Err(err).Int("transitioned", report.Transitioned).Msg("overdue sweep failed")
		default:
			s.log.Info().
				Int("examined", report.Examined).
				Int("transitioned", report.Transitioned).
				Int("notify_failures", report.NotifyFailures).
				Dur("duration", report.Duration).
				Msg("overdue sweep finished")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
