// Package app assembles the lending service from its configuration. The
// binaries under cmd share it so that the server and the one-shot scanner
// see the same stores and rules.
package app

import (
	"context"
	"errors"
	"fmt"

	"bookwise/internal/catalog"
	"bookwise/internal/circulation"
	"bookwise/internal/clients"
	"bookwise/internal/clock"
	"bookwise/internal/config"
	"bookwise/internal/membership"
	"bookwise/internal/storage/mongo"
	"bookwise/internal/storage/postgres"

	"github.com/rs/zerolog"
)

// Probe checks one dependency.
type Probe func(ctx context.Context) error

// Stores are the backends the lending engine runs on.
type Stores struct {
	Inventory catalog.InventoryStore
	Ledger    circulation.LoanLedger
	Members   membership.Directory
	// Clock stamps loan events and drives the engine and scanner.
	Clock clock.Clock

	probes  map[string]Probe
	closers []func(context.Context) error
}

// OpenStores connects the configured backend and, when a membership
// service URL is set, replaces the store's member directory with the HTTP
// client.
func OpenStores(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Stores, error) {
	s := &Stores{Clock: clock.System{}, probes: make(map[string]Probe)}

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := postgres.Open(ctx, cfg.Postgres.URL, postgres.PoolOptions{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) error { return db.Close() })
		if cfg.Postgres.Migrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		s.Inventory = postgres.NewInventoryStore(db)
		s.Ledger = postgres.NewLedger(db, postgres.WithClock(s.Clock))
		s.Members = postgres.NewDirectory(db)
		s.probes["postgres"] = db.PingContext

	case config.BackendMongo:
		client, db, err := mongo.Connect(ctx, mongo.Config{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client.Disconnect)
		if err := mongo.EnsureIndexes(ctx, db); err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
		s.Inventory = mongo.NewInventoryStore(db)
		s.Ledger = mongo.NewLedger(db, mongo.WithClock(s.Clock))
		s.Members = mongo.NewDirectory(db)
		s.probes["mongodb"] = func(ctx context.Context) error { return client.Ping(ctx, nil) }

	case config.BackendMemory:
		log.Warn().Msg("memory backend: loans and inventory are lost on restart")
		s.Inventory = catalog.NewMemoryStore()
		s.Ledger = circulation.NewMemoryLedger(circulation.WithLedgerClock(s.Clock))
		s.Members = membership.NewMemoryDirectory()

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	if cfg.Clients.MembershipURL != "" {
		s.Members = clients.NewMembershipClient(cfg.Clients.MembershipURL, cfg.Clients.Timeout)
	}

	log.Info().
		Str("backend", cfg.StoreBackend).
		Bool("remote_members", cfg.Clients.MembershipURL != "").
		Msg("stores ready")
	return s, nil
}

// AddProbe registers an extra readiness check, for example the Redis
// connection behind idempotency keys.
func (s *Stores) AddProbe(name string, p Probe) {
	s.probes[name] = p
}

// OnClose registers fn to run when the stores are closed.
func (s *Stores) OnClose(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

// Close releases every connection, most recent first.
func (s *Stores) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Policies translates the lending section of the config.
func Policies(cfg config.LendingConfig) (circulation.Policy, circulation.DuePolicy, error) {
	granularity, err := circulation.ParseGranularity(cfg.DueGranularity)
	if err != nil {
		return circulation.Policy{}, circulation.DuePolicy{}, err
	}
	return circulation.Policy{MaxConcurrentLoans: cfg.MaxConcurrentLoans},
		circulation.DuePolicy{Days: cfg.LoanPeriodDays, Granularity: granularity, Location: cfg.Location()},
		nil
}

// NewEngine builds the lending engine over s with the configured rules.
func NewEngine(cfg *config.Config, s *Stores, log zerolog.Logger) (*circulation.Engine, error) {
	policy, due, err := Policies(cfg.Lending)
	if err != nil {
		return nil, err
	}
	return circulation.NewEngine(s.Inventory, s.Ledger, s.Members,
		circulation.WithPolicy(policy),
		circulation.WithDuePolicy(due),
		circulation.WithClock(s.Clock),
		circulation.WithLogger(log.With().Str("component", "circulation").Logger()),
	), nil
}

// NewScanner builds the overdue scanner. Overdue events go to the webhook
// when one is configured and are only logged otherwise.
func NewScanner(cfg *config.Config, s *Stores, log zerolog.Logger) *circulation.Scanner {
	scanLog := log.With().Str("component", "scanner").Logger()
	opts := []circulation.ScannerOption{
		circulation.WithScannerLogger(scanLog),
		circulation.WithScannerClock(s.Clock),
		circulation.WithMaxWritesPerSecond(cfg.Scanner.MaxWritesPerSecond),
	}
	if cfg.Clients.NotifyURL != "" {
		opts = append(opts, circulation.WithNotifier(clients.NewNotificationClient(cfg.Clients.NotifyURL, cfg.Clients.Timeout)))
	}
	return circulation.NewScanner(s.Ledger, opts...)
}
