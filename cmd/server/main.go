// Package main runs the telemetry streaming server: the WebSocket endpoint for
// historical and live requests plus /health, /metrics, /status and /targets.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"vessel-telemetry/internal/config"
	"vessel-telemetry/internal/history"
	"vessel-telemetry/internal/ingestion"
	"vessel-telemetry/internal/live"
	"vessel-telemetry/internal/resolution"
	"vessel-telemetry/internal/storage"
	chstore "vessel-telemetry/internal/storage/clickhouse"
	"vessel-telemetry/internal/storage/memory"
	pgstore "vessel-telemetry/internal/storage/postgres"
	"vessel-telemetry/internal/stream"
	"vessel-telemetry/internal/transport"
)

// stores holds the storage implementations the server reads.
type stores struct {
	source  storage.TimeSeriesSource
	targets storage.TargetRegistry

	mem *memory.TimeSeriesSource // set for the memory backend
}

func main() {
	cfg, err := config.Load("telemetry-server", os.Args[1:], os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry-server: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry-server: invalid config:\n%v\n", err)
		os.Exit(2)
	}

	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry-server: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, cleanup, err := createStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create stores", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()

		// A second signal, or a stuck shutdown, forces exit.
		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit", "signal", sig.String())
			os.Exit(1)
		case <-time.After(cfg.Server.ShutdownGrace + 5*time.Second):
			logger.Error("graceful shutdown timed out, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	err = run(ctx, cfg, st, logger)
	close(done)

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// run wires the streaming components and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, st *stores, logger *slog.Logger) error {
	planner, err := resolution.NewPlanner(resolution.Config{
		Policy:       cfg.Resolution.Policy,
		TargetPoints: cfg.Resolution.TargetPoints,
		MaxSpan:      cfg.Resolution.MaxSpan,
		MaxRawSpan:   cfg.Resolution.MaxRawSpan,
		MaxBuckets:   cfg.Resolution.MaxBuckets,
	})
	if err != nil {
		return err
	}

	hist := history.NewService(planner, st.source, st.targets, history.Config{
		Tolerance: cfg.Correlation.Tolerance,
		Stream: stream.Options{
			ChunkSize:       cfg.Stream.ChunkSize,
			InterChunkDelay: cfg.Stream.InterChunkDelay,
			Logger:          logger,
		},
		Logger: logger,
	})

	hub := live.NewBroadcaster(hist, st.targets, live.Config{
		Interval: cfg.Live.Interval,
		Lookback: cfg.Live.Lookback,
		Logger:   logger,
	})
	defer hub.Close()

	srv := transport.NewServer(transport.Config{
		WriteTimeout:   cfg.Server.WriteTimeout,
		PongWait:       cfg.Server.PongWait,
		PingInterval:   cfg.Server.PingInterval,
		OutboxSize:     cfg.Server.OutboxSize,
		MaxPending:     cfg.Server.MaxPending,
		AllowAnyOrigin: cfg.Server.AllowAnyOrigin,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	}, hist, hub, st.targets)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Storage.Demo.Enabled {
		runner := ingestion.NewRunner(ingestion.RunnerOptions{
			Appender: st.mem,
			Targets:  st.targets,
			Step:     cfg.Storage.Demo.Step,
			Interval: cfg.Storage.Demo.Interval,
			Backfill: cfg.Storage.Demo.Backfill,
			Logger:   logger,
		})
		g.Go(func() error {
			return runner.Run(gctx)
		})
	}

	g.Go(func() error {
		logger.Info("starting HTTP server",
			"addr", cfg.Server.Addr,
			"storage", cfg.Storage.Backend,
			"registry", cfg.Storage.Registry,
			"policy", planner.Policy(),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()

		// Hijacked WebSocket connections are not tracked by Shutdown.
		srv.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		return gctx.Err()
	})

	return g.Wait()
}

// createStores creates the telemetry source and target registry.
func createStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	st := &stores{}

	switch cfg.Storage.Backend {
	case config.BackendMemory:
		st.mem = memory.NewTimeSeriesSource()
		st.source = st.mem
		if !cfg.Storage.Demo.Enabled {
			logger.Warn("using in-memory telemetry store without --demo; queries return no data")
		}
	case config.BackendClickHouse:
		conn, err := chstore.NewConn(ctx, cfg.Storage.ClickHouseDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
		}
		closers = append(closers, func() { conn.Close() })
		st.source = chstore.NewTimeSeriesSource(conn)
	}

	switch cfg.Storage.Registry {
	case config.RegistryCatalog:
		targets := memory.NewTargetStore()
		for i := range cfg.Targets {
			if err := targets.Insert(ctx, &cfg.Targets[i]); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("load target %s: %w", cfg.Targets[i].ID, err)
			}
		}
		logger.Info("loaded target catalog", "targets", len(cfg.Targets))
		st.targets = targets
	case config.RegistryPostgres:
		pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		closers = append(closers, pool.Close)
		st.targets = pgstore.NewTargetStore(pool)
	}

	return st, cleanup, nil
}
