package main

import (
	"context"
	"fmt"
	"time"

	gcfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gobudget/pkg/budget"
	"github.com/mihaimyh/gobudget/pkg/config"
	"github.com/mihaimyh/gobudget/storage/firestore"
	"github.com/mihaimyh/gobudget/storage/memory"
	"github.com/mihaimyh/gobudget/storage/postgres"
	"github.com/mihaimyh/gobudget/storage/redis"
)

// memoryRetention is how many days of usage the in-memory backend keeps
const memoryRetention = 8

// backend is an opened storage plus the hooks the server needs around it
type backend struct {
	storage budget.Storage
	clock   budget.TimeSource

	// remote marks network backends, which get the circuit breaker
	remote bool

	// ping reports backend health for /healthz (optional)
	ping func(context.Context) error

	// prune runs background retention until ctx is done (optional)
	prune func(context.Context) error

	closers []func()
}

// Close releases the backend's connections
func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openStorage(ctx context.Context, cfg *config.Config, logger budget.Logger) (*backend, error) {
	if logger == nil {
		logger = &budget.NoopLogger{}
	}

	switch cfg.Storage.Backend {
	case config.BackendMemory:
		s := memory.New()
		return &backend{
			storage: s,
			clock:   s,
			prune: func(ctx context.Context) error {
				return pruneMemory(ctx, s, time.Hour, logger)
			},
		}, nil

	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s, err := redis.New(client, redis.Config{
			KeyPrefix: cfg.Redis.KeyPrefix,
			UsageTTL:  cfg.Redis.UsageTTL,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &backend{
			storage: s,
			clock:   s,
			remote:  true,
			ping:    s.Ping,
			closers: []func(){func() { _ = s.Close() }},
		}, nil

	case config.BackendPostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.Postgres.DSN
		pgCfg.MaxConns = cfg.Postgres.MaxConns
		pgCfg.AutoMigrate = cfg.Postgres.AutoMigrate
		pgCfg.CleanupInterval = cfg.Postgres.CleanupInterval
		pgCfg.RecordTTL = cfg.Postgres.RecordTTL
		pgCfg.Logger = logger

		s, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		return &backend{
			storage: s,
			clock:   s,
			remote:  true,
			ping:    s.Ping,
			closers: []func(){s.Close},
		}, nil

	case config.BackendFirestore:
		client, err := gcfirestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		s, err := firestore.New(client, firestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &backend{
			storage: s,
			clock:   s,
			remote:  true,
			closers: []func(){func() { _ = client.Close() }},
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// pruneMemory drops in-memory usage days older than memoryRetention
func pruneMemory(ctx context.Context, s *memory.Storage, interval time.Duration, logger budget.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			cutoff := budget.DayKey(now.AddDate(0, 0, -memoryRetention), time.UTC)
			if n := s.Prune(cutoff); n > 0 {
				logger.Debug("pruned usage records", budget.Field{Key: "count", Value: n})
			}
		}
	}
}
