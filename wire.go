package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/skulltech/bitespeed-backend-assignment/internal/config"
	"github.com/skulltech/bitespeed-backend-assignment/internal/database"
	"github.com/skulltech/bitespeed-backend-assignment/internal/handlers"
	"github.com/skulltech/bitespeed-backend-assignment/internal/locks"
	"github.com/skulltech/bitespeed-backend-assignment/internal/metrics"
	"github.com/skulltech/bitespeed-backend-assignment/internal/service"
)

const connectTimeout = 10 * time.Second

type store struct {
	repo   service.ContactRepository
	checks map[string]handlers.Checker
	close  func()
}

// openStore connects the configured contact store
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch cfg.Driver {
	case config.DriverSQLite, config.DriverPostgres:
		db, err := database.New(ctx, database.Dialect(cfg.Driver), cfg.DSN, database.Options{
			MaxOpenConns: cfg.MaxOpenConns,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return &store{
			repo:   database.NewContactRepository(db),
			checks: map[string]handlers.Checker{"database": db},
			close: func() {
				if err := db.Close(); err != nil {
					logger.Warn("failed to close database", "error", err)
				}
			},
		}, nil

	case config.DriverMongo:
		db, err := database.NewMongo(ctx, cfg.DSN, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		logger.Info("database initialized", "driver", cfg.Driver, "database", cfg.MongoDatabase)
		return &store{
			repo:   database.NewMongoContactRepository(db),
			checks: map[string]handlers.Checker{"database": db},
			close: func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), connectTimeout)
				defer cancel()
				if err := db.Close(closeCtx); err != nil {
					logger.Warn("failed to disconnect mongodb", "error", err)
				}
			},
		}, nil

	case config.DriverMemory:
		repo := database.NewMemoryContactRepository()
		logger.Warn("using in-memory contact store, data is lost on restart")
		return &store{
			repo:   repo,
			checks: map[string]handlers.Checker{"database": repo},
			close:  func() {},
		}, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

type locker struct {
	service.Locker
	close func()
}

// openLocker returns nil when locking is disabled. A redis health check is added to checks.
func openLocker(ctx context.Context, cfg config.LockConfig, logger *slog.Logger, checks map[string]handlers.Checker) (*locker, error) {
	switch cfg.Backend {
	case config.LockLocal:
		return &locker{Locker: locks.NewLocalLocker(cfg.Wait), close: func() {}}, nil

	case config.LockRedis:
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		client, err := locks.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		checks["redis"] = redisChecker{client}
		return &locker{
			Locker: locks.NewRedisLocker(client,
				locks.WithTTL(cfg.TTL),
				locks.WithWait(cfg.Wait),
				locks.WithLogger(logger),
			),
			close: func() {
				if err := client.Close(); err != nil {
					logger.Warn("failed to close redis client", "error", err)
				}
			},
		}, nil
	}
	return nil, nil
}

type redisChecker struct {
	client *redis.Client
}

func (c redisChecker) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// newMetrics registers service and runtime collectors on a dedicated registry
func newMetrics() (*metrics.Metrics, http.Handler) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.New(reg), promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
