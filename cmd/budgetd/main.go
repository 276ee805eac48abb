// Command budgetd serves the budget governor over HTTP.
//
// Configuration comes from the environment (and a .env file when present);
// see pkg/config for the variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/gobudget/pkg/api"
	"github.com/mihaimyh/gobudget/pkg/budget"
	zerologadapter "github.com/mihaimyh/gobudget/pkg/budget/logger/zerolog"
	prommetrics "github.com/mihaimyh/gobudget/pkg/budget/metrics/prometheus"
	"github.com/mihaimyh/gobudget/pkg/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "budgetd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	zl := newZerolog(cfg.Log)
	logger := zerologadapter.NewLogger(zl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gov, seed, err := newGovernor(ctx, cfg, store, prommetrics.NewMetrics(reg, "gobudget"), logger)
	if err != nil {
		return err
	}

	scheduler := budget.NewScheduler(gov, cfg.Governor.RolloverSchedule)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	handler, err := api.NewHandler(api.Config{
		Governor:    gov,
		GetTenantID: api.FromHeader(cfg.Server.TenantHeader),
		MaxRetries:  cfg.Server.MaxRetries,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(handler, reg, store, zl),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		zl.Info().Str("addr", cfg.Server.Addr).Str("storage", cfg.Storage.Backend).Msg("budgetd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		zl.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if seed != nil {
		watcher := config.NewSeedWatcher(cfg.Governor.SeedFile, gov, logger)
		g.Go(func() error { return watcher.Watch(gctx) })
	}

	if store.prune != nil {
		g.Go(func() error { return store.prune(gctx) })
	}

	return g.Wait()
}

// newGovernor builds the governor and applies the seed file when one is configured
func newGovernor(ctx context.Context, cfg *config.Config, b *backend, metrics budget.Metrics, logger budget.Logger) (*budget.Governor, *config.Seed, error) {
	govCfg := &budget.Config{
		EnforceHourlyCallCap: cfg.Governor.EnforceHourlyCallCap,
		Metrics:              metrics,
		Logger:               logger,
	}
	if cfg.Storage.UseStorageClock {
		govCfg.TimeSource = b.clock
	}
	if b.remote && cfg.Storage.CircuitBreaker {
		govCfg.CircuitBreakerConfig = &budget.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: cfg.Storage.CircuitBreakerFailures,
			ResetTimeout:     cfg.Storage.CircuitBreakerReset,
		}
	}

	var seed *config.Seed
	if cfg.Governor.SeedFile != "" {
		var err error
		seed, err = config.LoadSeed(cfg.Governor.SeedFile)
		if err != nil {
			return nil, nil, err
		}
		govCfg.DefaultLimits = &seed.Defaults
	}

	gov, err := budget.NewGovernor(b.storage, govCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create governor: %w", err)
	}

	if seed != nil {
		if err := seed.Apply(ctx, gov); err != nil {
			return nil, nil, fmt.Errorf("failed to apply seed file: %w", err)
		}
	}
	return gov, seed, nil
}

func newZerolog(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var zl zerolog.Logger
	if cfg.Pretty {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		zl = zerolog.New(os.Stdout)
	}
	return zl.Level(level).With().Timestamp().Str("service", "budgetd").Logger()
}
