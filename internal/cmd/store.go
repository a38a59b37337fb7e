package cmd

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/atelierhq/atelier/internal/config"
	"github.com/atelierhq/atelier/internal/core"
	"github.com/atelierhq/atelier/internal/core/engine"
	"github.com/atelierhq/atelier/internal/core/store"
	"github.com/atelierhq/atelier/internal/core/store/redisstore"
)

// counterBackend is the surface shared by the SQL and Redis counter stores.
type counterBackend interface {
	engine.CounterStore
	engine.SweepStore
	GetRateWindow(ctx context.Context, key string) (*core.RateWindow, error)
	ListRateWindows(ctx context.Context, q store.CounterQuery) ([]store.RateWindowEntry, error)
	ResetRateWindows(ctx context.Context, q store.CounterQuery) (int64, error)
	ListQuotaRecords(ctx context.Context, q store.CounterQuery) ([]store.QuotaRecordEntry, error)
	ResetQuotaRecords(ctx context.Context, q store.CounterQuery, capability string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// backends holds the opened transcript database and counter store.
// For the sql counter backend both point at the same database.
type backends struct {
	DB       *store.Store
	Counters counterBackend
}

// Close releases the counter store and the database.
func (b *backends) Close() error {
	if b == nil {
		return nil
	}
	var firstErr error
	if b.Counters != nil && b.Counters != counterBackend(b.DB) {
		firstErr = b.Counters.Close()
	}
	if err := b.DB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func loadConfig(ctx context.Context, overrides ...map[string]any) (*config.Config, error) {
	cfg, err := config.LoadFile(ctx, cfgFile, overrides...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openStore opens and migrates the SQL database.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	db, err := store.Open(ctx, cfg.Store, store.WithMaxRetries(cfg.Counters.MaxRetries))
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// openBackends opens the database and the configured counter store.
func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	db, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	counters, err := openCounters(ctx, cfg, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &backends{DB: db, Counters: counters}, nil
}

func openCounters(ctx context.Context, cfg *config.Config, db *store.Store) (counterBackend, error) {
	switch cfg.Counters.Backend {
	case config.CountersBackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Counters.Redis.Addr,
			Password: cfg.Counters.Redis.Password,
			DB:       cfg.Counters.Redis.DB,
		})
		counters := redisstore.New(client,
			redisstore.WithKeyPrefix(cfg.Counters.Redis.KeyPrefix),
			redisstore.WithTTLs(2*cfg.RateLimit.Window, 2*cfg.Quota.Window),
			redisstore.WithMaxRetries(cfg.Counters.MaxRetries),
		)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := counters.Ping(pingCtx); err != nil {
			_ = counters.Close()
			return nil, fmt.Errorf("connect redis counters at %s: %w", cfg.Counters.Redis.Addr, err)
		}
		return counters, nil
	default:
		return db, nil
	}
}
