package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{}))
	require.NoError(t, err)

	assert.Equal(t, "8082", cfg.Port)
	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
	assert.Equal(t, 5, cfg.Lending.MaxConcurrentLoans)
	assert.Equal(t, 7, cfg.Lending.LoanPeriodDays)
	assert.Equal(t, "day", cfg.Lending.DueGranularity)
	assert.Equal(t, time.UTC, cfg.Lending.Location())
	assert.Equal(t, 15*time.Minute, cfg.Scanner.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Redis.TTL)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"STORE_BACKEND":        "mongo",
		"MAX_CONCURRENT_LOANS": "3",
		"LOAN_PERIOD_DAYS":     "14",
		"DUE_DATE_GRANULARITY": "instant",
		"LIBRARY_TIME_ZONE":    "Europe/Berlin",
		"SCANNER_INTERVAL":     "1m",
		"REDIS_ADDR":           "localhost:6379",
	}))
	require.NoError(t, err)

	assert.Equal(t, BackendMongo, cfg.StoreBackend)
	assert.Equal(t, 3, cfg.Lending.MaxConcurrentLoans)
	assert.Equal(t, 14, cfg.Lending.LoanPeriodDays)
	assert.Equal(t, "instant", cfg.Lending.DueGranularity)
	assert.Equal(t, "Europe/Berlin", cfg.Lending.Location().String())
	assert.Equal(t, time.Minute, cfg.Scanner.Interval)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadRejectsBadValues(t *testing.T) {
	for name, env := range map[string]map[string]string{
		"backend":  {"STORE_BACKEND": "sqlite"},
		"period":   {"LOAN_PERIOD_DAYS": "0"},
		"limit":    {"MAX_CONCURRENT_LOANS": "-1"},
		"timezone": {"LIBRARY_TIME_ZONE": "Mars/Olympus"},
		"duration": {"SCANNER_INTERVAL": "soon"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := load(context.Background(), envconfig.MapLookuper(env))
			assert.Error(t, err)
		})
	}
}
