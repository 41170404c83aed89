// cmd/chaos/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bookwise/internal/chaos"
	"bookwise/internal/telemetry"
	"bookwise/pkg/logger"

	"github.com/rs/zerolog"
)

func main() {
	window := flag.Duration("window", 5*time.Second, "observation window per experiment")
	sample := flag.Duration("sample", 250*time.Millisecond, "metric sample interval")
	pause := flag.Duration("pause", 2*time.Second, "pause between experiments")
	level := flag.String("log-level", "info", "log level")
	otlp := flag.String("otlp-endpoint", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "OTLP/HTTP trace endpoint")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.Init(logger.Options{Level: *level, Pretty: true, Service: "bookwise-chaos", Output: os.Stderr})

	shutdown, err := telemetry.Setup(ctx, "bookwise-chaos", *otlp)
	if err != nil {
		log.Fatal().Err(err).Msg("set up tracing")
	}
	defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()

	// The lab's own engine logs every borrow; keep the game day output to
	// the experiment summaries.
	labLog := log
	if log.GetLevel() < zerolog.WarnLevel {
		labLog = log.Level(zerolog.WarnLevel)
	}
	lab := chaos.NewLab(*window, labLog)
	engine := chaos.NewEngine(
		chaos.WithSampleInterval(*sample),
		chaos.WithPause(*pause),
		chaos.WithEngineLogger(log),
	)
	for _, exp := range lab.Experiments() {
		engine.RegisterExperiment(exp)
	}

	results, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "Lending Game Day",
		Scenarios: engine.Experiments(),
	})
	if err != nil {
		log.Error().Err(err).Msg("game day interrupted")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(results)

	for _, r := range results {
		if !r.Held {
			stop()
			os.Exit(1)
		}
	}
}
