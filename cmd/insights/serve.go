package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Napageneral/insights/internal/analysis"
	"github.com/Napageneral/insights/internal/api"
	"github.com/Napageneral/insights/internal/backpressure"
	"github.com/Napageneral/insights/internal/breaker"
	"github.com/Napageneral/insights/internal/bus"
	"github.com/Napageneral/insights/internal/config"
	"github.com/Napageneral/insights/internal/db"
	"github.com/Napageneral/insights/internal/dedup"
	"github.com/Napageneral/insights/internal/logging"
	"github.com/Napageneral/insights/internal/metrics"
	"github.com/Napageneral/insights/internal/prefilter"
	"github.com/Napageneral/insights/internal/state"
	"github.com/Napageneral/insights/internal/store"
	"github.com/Napageneral/insights/internal/worker"
)

const (
	statusKey         = "status"
	heartbeatInterval = 5 * time.Second
	shutdownTimeout   = 15 * time.Second
)

func newServeCmd() *cobra.Command {
	var (
		addr       string
		mode       string
		partitions int
		inMemory   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the analysis worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("addr") {
				cfg.HTTP.Addr = addr
			}
			if cmd.Flags().Changed("mode") {
				cfg.Analysis.Mode = mode
			}
			if cmd.Flags().Changed("partitions") {
				cfg.Queue.Partitions = partitions
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, inMemory, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides http.addr)")
	cmd.Flags().StringVar(&mode, "mode", "", "Analysis mode: mock or real (overrides analysis.mode)")
	cmd.Flags().IntVar(&partitions, "partitions", 1, "Number of independent worker partitions")
	cmd.Flags().BoolVar(&inMemory, "memory", false, "Keep insights and the dedup cache in memory instead of sqlite")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, inMemory bool, logger *zap.Logger) error {
	var (
		conn       *sql.DB
		sink       worker.ResultSink
		apiStore   api.Store
		cacheStore dedup.Store
		events     worker.EventLog
		ping       func(context.Context) error
	)
	if inMemory {
		mem := store.NewMemory()
		sink, apiStore, cacheStore = mem, mem, dedup.NewMemoryStore()
	} else {
		var err error
		conn, err = db.OpenDefault()
		if err != nil {
			return err
		}
		defer conn.Close()
		sqlStore := store.New(conn)
		sink, apiStore, cacheStore = sqlStore, sqlStore, sqlStore
		events = bus.NewLog(conn)
		ping = conn.PingContext
	}

	var cache *dedup.Cache
	if cfg.Cache.Enabled {
		var err error
		cache, err = dedup.New(cacheStore, cfg.Cache.LRUSize)
		if err != nil {
			return err
		}
	}

	client, err := analysis.NewFromConfig(cfg.Analysis, logger)
	if err != nil {
		return err
	}
	collector := metrics.New()

	workers, err := worker.NewPartitioned(cfg.Queue.Partitions, workerConfig(cfg), worker.Deps{
		Analyzer: client,
		Sink:     sink,
		Cache:    cache,
		Events:   events,
		Metrics:  collector,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	limiter := api.NewRateLimiter(cfg.HTTP.RateLimitRequests, cfg.HTTP.RateLimitWindow)
	if err := limiter.TrustProxies(cfg.HTTP.TrustedProxies); err != nil {
		return err
	}
	srv, err := api.NewServer(api.Config{
		Worker:  workers,
		Store:   apiStore,
		Limiter: limiter,
		Metrics: collector.Handler(),
		Ping:    ping,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopHeartbeat := func() {}
	if conn != nil {
		stopHeartbeat = state.StartHeartbeat(heartbeatInterval, func() {
			publishStatus(conn, workers, logger)
		})
	}

	workersDone := make(chan error, 1)
	go func() { workersDone <- workers.Run(ctx) }()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening",
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("analysis_mode", cfg.Analysis.Mode),
			zap.Int("partitions", cfg.Queue.Partitions))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	// Workers stop after their current batch.
	if runErr != nil {
		return runErr
	}
	select {
	case err := <-workersDone:
		if err != nil {
			return err
		}
	case <-time.After(shutdownTimeout):
		logger.Warn("workers did not finish their batch before the shutdown timeout",
			zap.Duration("timeout", shutdownTimeout))
	}
	stopHeartbeat()
	if conn != nil {
		publishStatus(conn, workers, logger)
	}

	usage := client.GetUsageStats()
	logger.Info("worker stopped",
		zap.Int("queue_depth_dropped", workers.QueueDepth()),
		zap.Int64("calls", usage.Calls),
		zap.Int64("tokens", usage.Tokens),
		zap.Float64("estimated_cost_usd", usage.EstimatedCostUSD))
	return nil
}

func workerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		Name:          "partition",
		QueueCapacity: cfg.Queue.Capacity,
		Batch: backpressure.Config{
			Min:           cfg.Batch.Min,
			Max:           cfg.Batch.Max,
			Start:         cfg.Batch.Start,
			Growth:        cfg.Batch.Growth,
			HighWatermark: cfg.Batch.HighWatermark,
		},
		Breaker: breaker.Config{
			Threshold: cfg.Breaker.Threshold,
			Cooldown:  cfg.Breaker.Cooldown,
		},
		Prefilter: prefilter.Config{
			Enabled:             cfg.Prefilter.Enabled,
			MinLength:           cfg.Prefilter.MinLength,
			BoilerplateMaxWords: cfg.Prefilter.BoilerplateMaxWords,
			BoilerplateKeywords: cfg.Prefilter.BoilerplateKeywords,
		},
		IdleInterval:           cfg.Batch.IdleInterval,
		SustainedDegradedAfter: cfg.Batch.SustainedDegradedAfter,
	}
}

func publishStatus(conn *sql.DB, workers *worker.Partitioned, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, s := range workers.Partitions() {
		status := workerStatus{Snapshot: s.Snapshot(), Health: s.Health()}
		if err := state.SetJSON(ctx, conn, s.Name(), statusKey, status); err != nil {
			logger.Warn("failed to publish worker status", zap.String("worker", s.Name()), zap.Error(err))
		}
	}
}

// workerStatus is what serve publishes and status reads back.
type workerStatus struct {
	worker.Snapshot
	Health worker.Health `json:"health"`
}
