// cmd/circulation/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bookwise/internal/app"
	"bookwise/internal/circulation"
	"bookwise/internal/config"
	"bookwise/internal/idempotency"
	"bookwise/internal/telemetry"
	"bookwise/pkg/logger"

	"github.com/rs/zerolog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		// Init is a no-op when run got far enough to configure the logger.
		log := logger.Init(logger.Options{Service: "bookwise"})
		log.Error().Err(err).Msg("circulation service stopped")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	log := logger.Init(logger.Options{
		Level:   cfg.LogLevel,
		Pretty:  cfg.Env == "development",
		Service: cfg.Telemetry.ServiceName,
	})

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer flush(log, "tracing", shutdownTracing)

	stores, err := app.OpenStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer flush(log, "stores", stores.Close)

	engine, err := app.NewEngine(cfg, stores, log)
	if err != nil {
		return err
	}

	handlerOpts := []circulation.HandlerOption{circulation.WithHandlerLogger(log.With().Str("component", "http").Logger())}
	if cfg.Redis.Addr != "" {
		rdb, err := idempotency.Connect(ctx, idempotency.Config{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err != nil {
			return err
		}
		stores.OnClose(func(context.Context) error { return rdb.Close() })
		stores.AddProbe("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		handlerOpts = append(handlerOpts, circulation.WithIdempotency(idempotency.NewStore(rdb, cfg.Redis.TTL)))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           app.NewRouter(circulation.NewHandler(engine, handlerOpts...), stores, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("backend", cfg.StoreBackend).Msg("circulation service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	scanCtx, cancelScan := context.WithCancel(ctx)
	defer cancelScan()
	scanDone := make(chan struct{})
	if cfg.Scanner.Enabled {
		scanner := app.NewScanner(cfg, stores, log)
		go func() {
			defer close(scanDone)
			if err := scanner.Run(scanCtx, cfg.Scanner.Interval); err != nil && !errors.Is(err, context.Canceled) {
				errc <- err
			}
		}()
	} else {
		close(scanDone)
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err = <-errc:
		log.Error().Err(err).Msg("component failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	cancelScan()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error().Err(shutdownErr).Msg("http shutdown")
	}
	<-scanDone
	return err
}

func flush(log zerolog.Logger, what string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Error().Err(err).Str("what", what).Msg("shutdown")
	}
}
