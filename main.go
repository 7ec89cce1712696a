package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/skulltech/bitespeed-backend-assignment/internal/config"
	"github.com/skulltech/bitespeed-backend-assignment/internal/handlers"
	"github.com/skulltech/bitespeed-backend-assignment/internal/logger"
	"github.com/skulltech/bitespeed-backend-assignment/internal/service"
	"github.com/skulltech/bitespeed-backend-assignment/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	flag.Parse()

	// .env files in the working directory and config/ are optional
	envFiles, _ := filepath.Glob(".env")
	if more, _ := filepath.Glob("config/*.env"); len(more) > 0 {
		envFiles = append(envFiles, more...)
	}

	cfg, err := config.Load(*configPath, envFiles...)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger, err := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// run wires dependencies and serves until ctx is cancelled
func run(ctx context.Context, cfg config.Config, appLogger *slog.Logger) error {
	store, err := openStore(ctx, cfg.Database, appLogger)
	if err != nil {
		return err
	}
	defer store.close()

	opts := []service.Option{
		service.WithLogger(appLogger),
		service.WithMaxClosureDepth(cfg.Identify.MaxClosureDepth),
		service.WithSerializationRetries(cfg.Identify.SerializationRetries),
	}
	if cfg.Identify.Transactional {
		tx, ok := store.repo.(service.Transactor)
		if !ok {
			return errors.New("configured database driver does not support transactions")
		}
		opts = append(opts, service.WithTransactor(tx))
	}

	locker, err := openLocker(ctx, cfg.Lock, appLogger, store.checks)
	if err != nil {
		return err
	}
	if locker != nil {
		defer locker.close()
		opts = append(opts, service.WithLocker(locker.Locker))
	}

	if cfg.Tracing.Enabled {
		tp, err := tracing.NewProvider(tracing.Options{
			ServiceName: cfg.Tracing.ServiceName,
			Exporter:    cfg.Tracing.Exporter,
			SampleRatio: cfg.Tracing.SampleRatio,
		}, os.Stdout)
		if err != nil {
			return err
		}
		shutdown := tracing.Install(tp)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				appLogger.Warn("failed to flush traces", "error", err)
			}
		}()
		opts = append(opts, service.WithTracerProvider(tp))
	}

	routes := handlers.RouterConfig{
		Health: handlers.NewHealthHandler(store.checks, appLogger),
		Logger: appLogger,
	}
	if cfg.Metrics.Enabled {
		m, metricsHandler := newMetrics()
		opts = append(opts, service.WithMetrics(m))
		routes.Metrics = metricsHandler
		routes.MetricsPath = cfg.Metrics.Path
	}

	svc := service.NewReconciliationService(store.repo, opts...)
	routes.Identify = handlers.NewIdentifyHandler(svc, appLogger)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handlers.NewRouter(routes),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appLogger.Info("server starting", "addr", cfg.Server.Addr, "driver", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		appLogger.Info("server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
