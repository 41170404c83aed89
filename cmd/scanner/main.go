// Command scanner runs one overdue sweep and, optionally, an inventory
// audit. It is meant for an external scheduler such as cron or a
// Kubernetes CronJob; the circulation service runs the same sweep on a
// ticker when SCANNER_ENABLED is set.
//
// Exit status is 1 on error and 2 when the audit found inconsistencies.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"bookwise/internal/app"
	"bookwise/internal/circulation"
	"bookwise/internal/config"
	"bookwise/internal/telemetry"
	"bookwise/pkg/logger"
)

type output struct {
	Sweep *circulation.ScanReport  `json:"sweep,omitempty"`
	Audit *circulation.AuditReport `json:"audit,omitempty"`
}

func main() {
	audit := flag.Bool("audit", true, "reconcile inventory counts with active loans after the sweep")
	skipSweep := flag.Bool("skip-sweep", false, "only run the audit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, *audit, *skipSweep)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, audit, skipSweep bool) int {
	cfg, err := config.Load(ctx)
	if err != nil {
		log := logger.Init(logger.Options{Output: os.Stderr})
		log.Error().Err(err).Msg("load config")
		return 1
	}
	log := logger.Init(logger.Options{
		Level:   cfg.LogLevel,
		Pretty:  cfg.Env == "development",
		Service: cfg.Telemetry.ServiceName + "-scanner",
		Output:  os.Stderr,
	})

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName+"-scanner", cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		log.Error().Err(err).Msg("set up tracing")
		return 1
	}
	defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()

	stores, err := app.OpenStores(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("open stores")
		return 1
	}
	defer func() { _ = stores.Close(context.WithoutCancel(ctx)) }()

	var out output
	if !skipSweep {
		report, err := app.NewScanner(cfg, stores, log).Sweep(ctx)
		if err != nil {
			log.Error().Err(err).Int("transitioned", report.Transitioned).Msg("overdue sweep failed")
			return 1
		}
		out.Sweep = &report
	}

	code := 0
	if audit {
		report, err := circulation.NewAuditor(stores.Inventory, stores.Ledger).Audit(ctx)
		if err != nil {
			log.Error().Err(err).Msg("audit failed")
			return 1
		}
		if !report.Consistent() {
			log.Warn().Int("violations", len(report.Violations)).Msg("inventory drift detected")
			code = 2
		}
		out.Audit = &report
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Error().Err(err).Msg("write report")
		return 1
	}
	return code
}
