// internal/chaos/chaos.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"bookwise/pkg/logger"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrInvariantBroken aborts an experiment before any fault is injected.
var ErrInvariantBroken = errors.New("chaos: invariant broken before faults, experiment aborted")

// Experiment states one hypothesis about the lending core under a fault.
// Invariants must hold before the faults go in; they are then sampled for
// Window, and Expect is checked against the last sample of each gauge.
type Experiment struct {
	Name       string
	Hypothesis string
	Invariants []Gauge
	Faults     []Step
	Recovery   []Step
	Expect     []Expectation
	Window     time.Duration
}

// Gauge reads one number from the system, such as the audit's violation
// count or the copies left on a shelf.
type Gauge struct {
	Name  string
	Read  func(context.Context) (float64, error)
	Bound Bound
}

// Bound is a closed interval. Use Exactly, AtMost or AtLeast to build one.
type Bound struct {
	Lo, Hi float64
}

func Exactly(v float64) Bound { return Bound{Lo: v, Hi: v} }
func AtMost(v float64) Bound  { return Bound{Lo: math.Inf(-1), Hi: v} }
func AtLeast(v float64) Bound { return Bound{Lo: v, Hi: math.Inf(1)} }

func (b Bound) Contains(v float64) bool {
	return v >= b.Lo && v <= b.Hi
}

func (b Bound) String() string {
	switch {
	case b.Lo == b.Hi:
		return fmt.Sprintf("== %g", b.Lo)
	case math.IsInf(b.Lo, -1):
		return fmt.Sprintf("<= %g", b.Hi)
	case math.IsInf(b.Hi, 1):
		return fmt.Sprintf(">= %g", b.Lo)
	default:
		return fmt.Sprintf("in [%g, %g]", b.Lo, b.Hi)
	}
}

// Step injects or removes a fault. Target names the store or component it
// acts on and is recorded with any error.
type Step struct {
	Target string
	Run    func(context.Context) error
}

// Expectation is checked against the last sample of Gauge.
type Expectation struct {
	Gauge   string
	Bound   Bound
	Message string
}

// Result is what one experiment run observed.
type Result struct {
	Experiment  string              `json:"experiment"`
	Started     time.Time           `json:"started"`
	Elapsed     time.Duration       `json:"elapsed"`
	InvariantOK bool                `json:"invariant_ok"`
	Held        bool                `json:"held"`
	Breaches    []Breach            `json:"breaches,omitempty"`
	Samples     map[string][]Sample `json:"samples"`
	Errors      []StepError         `json:"errors,omitempty"`
	Unmet       []string            `json:"unmet,omitempty"`
	// Recovery is the time from the first breach to the next sample back
	// inside the bound.
	Recovery *time.Duration `json:"recovery,omitempty"`
}

// Breach is a sample outside its gauge's bound.
type Breach struct {
	Gauge string    `json:"gauge"`
	Want  string    `json:"want"`
	Got   float64   `json:"got"`
	At    time.Time `json:"at"`
}

type Sample struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

type StepError struct {
	At     time.Time `json:"at"`
	Source string    `json:"source"`
	Err    string    `json:"error"`
}

// Engine runs chaos experiments and keeps their results.
type Engine struct {
	tracer         trace.Tracer
	log            zerolog.Logger
	sampleInterval time.Duration
	pause          time.Duration

	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

type EngineOption func(*Engine)

// WithSampleInterval sets how often metrics are sampled while observing.
func WithSampleInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.sampleInterval = d }
}

// WithPause sets the wait between game day experiments.
func WithPause(d time.Duration) EngineOption {
	return func(e *Engine) { e.pause = d }
}

func WithEngineLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		tracer:         otel.Tracer("bookwise/chaos"),
		log:            logger.Component("chaos"),
		sampleInterval: time.Second,
		pause:          30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) RegisterExperiment(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// RunExperiment checks the invariants, injects the faults, samples the
// gauges for the experiment's window, runs the recovery steps and then
// checks the expectations against the last sample of each gauge.
func (e *Engine) RunExperiment(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		Experiment: exp.Name,
		Started:    time.Now(),
		Samples:    make(map[string][]Sample),
	}

	span.AddEvent("checking_invariants")
	if breaches := e.checkInvariants(ctx, exp.Invariants); len(breaches) > 0 {
		result.Breaches = breaches
		return result, ErrInvariantBroken
	}
	result.InvariantOK = true

	span.AddEvent("injecting_faults")
	for _, step := range exp.Faults {
		if err := step.Run(ctx); err != nil {
			result.Errors = append(result.Errors, StepError{At: time.Now(), Source: step.Target, Err: err.Error()})
			span.RecordError(err)
		}
	}

	span.AddEvent("sampling")
	e.sample(ctx, exp, result)

	span.AddEvent("recovering")
	for _, step := range exp.Recovery {
		if err := step.Run(context.WithoutCancel(ctx)); err != nil {
			span.RecordError(err)
			e.log.Error().Err(err).Str("experiment", exp.Name).Str("target", step.Target).Msg("recovery step failed")
		}
	}

	span.AddEvent("checking_expectations")
	result.Held = checkExpectations(exp.Expect, result)
	result.Elapsed = time.Since(result.Started)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("held", result.Held),
		attribute.Int("breaches", len(result.Breaches)),
	)
	return result, nil
}

func (e *Engine) sample(ctx context.Context, exp Experiment, result *Result) {
	windowCtx, cancel := context.WithTimeout(ctx, exp.Window)
	defer cancel()

	var firstBreach time.Time
	recovered := false

	ticker := time.NewTicker(e.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-windowCtx.Done():
			return
		case <-ticker.C:
		}
		for _, g := range exp.Invariants {
			value, err := g.Read(ctx)
			now := time.Now()
			if err != nil {
				result.Errors = append(result.Errors, StepError{At: now, Source: g.Name, Err: err.Error()})
				continue
			}
			result.Samples[g.Name] = append(result.Samples[g.Name], Sample{At: now, Value: value})

			switch {
			case !g.Bound.Contains(value):
				if firstBreach.IsZero() {
					firstBreach = now
				}
				result.Breaches = append(result.Breaches, Breach{Gauge: g.Name, Want: g.Bound.String(), Got: value, At: now})
			case !firstBreach.IsZero() && !recovered:
				d := now.Sub(firstBreach)
				result.Recovery = &d
				recovered = true
			}
		}
	}
}

// checkInvariants reads every gauge once. A gauge that cannot be read
// counts as broken.
func (e *Engine) checkInvariants(ctx context.Context, gauges []Gauge) []Breach {
	var breaches []Breach
	for _, g := range gauges {
		value, err := g.Read(ctx)
		if err != nil {
			e.log.Warn().Err(err).Str("gauge", g.Name).Msg("invariant unreadable")
			breaches = append(breaches, Breach{Gauge: g.Name, Want: "readable: " + err.Error(), At: time.Now()})
			continue
		}
		if !g.Bound.Contains(value) {
			breaches = append(breaches, Breach{Gauge: g.Name, Want: g.Bound.String(), Got: value, At: time.Now()})
		}
	}
	return breaches
}

func checkExpectations(expect []Expectation, result *Result) bool {
	held := true
	for _, x := range expect {
		samples := result.Samples[x.Gauge]
		if len(samples) == 0 || !x.Bound.Contains(samples[len(samples)-1].Value) {
			result.Unmet = append(result.Unmet, x.Message)
			held = false
		}
	}
	return held
}

// GameDay is a named series of experiments.
type GameDay struct {
	Name      string
	Scenarios []Experiment
}

// ExecuteGameDay runs every scenario in order. An aborted experiment is
// logged and skipped; only a cancelled context stops the day early.
func (e *Engine) ExecuteGameDay(ctx context.Context, gameDay GameDay) ([]Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", gameDay.Name)),
	)
	defer span.End()

	e.log.Info().Str("gameday", gameDay.Name).Int("scenarios", len(gameDay.Scenarios)).Msg("starting game day")

	results := make([]Result, 0, len(gameDay.Scenarios))
	for i, scenario := range gameDay.Scenarios {
		if i > 0 && e.pause > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(e.pause):
			}
		}

		e.log.Info().
			Int("index", i+1).
			Str("experiment", scenario.Name).
			Str("hypothesis", scenario.Hypothesis).
			Msg("running experiment")

		result, err := e.RunExperiment(ctx, scenario)
		if err != nil {
			e.log.Error().Err(err).Str("experiment", scenario.Name).Msg("experiment aborted")
			results = append(results, *result)
			continue
		}
		e.logResult(result)
		results = append(results, *result)

		if err := ctx.Err(); err != nil {
			return results, err
		}
	}
	return results, nil
}

func (e *Engine) logResult(result *Result) {
	ev := e.log.Info()
	if !result.Held {
		ev = e.log.Warn().Strs("unmet", result.Unmet)
	}
	if result.Recovery != nil {
		ev = ev.Dur("recovery", *result.Recovery)
	}
	ev.Str("experiment", result.Experiment).
		Bool("held", result.Held).
		Int("breaches", len(result.Breaches)).
		Int("errors", len(result.Errors)).
		Dur("elapsed", result.Elapsed).
		Msg("experiment finished")
}
