// Command worker runs a pool of workers over one activatable queue and
// serves its control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/leejennwah/workqueue/internal/config"
	"github.com/leejennwah/workqueue/internal/executor"
	"github.com/leejennwah/workqueue/internal/metrics"
	"github.com/leejennwah/workqueue/internal/queue"
	"github.com/leejennwah/workqueue/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("worker failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Tracing.Enabled {
		shutdownTracer, err := tracing.Init(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
		if err != nil {
			logger.Warn("tracing init failed, continuing without tracing", zap.Error(err))
		} else {
			defer shutdownTracer(context.Background())
		}
	}

	backends, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backends.close()

	if cfg.Executor.DrainPath != "" {
		if _, err := restoreDrained(ctx, cfg.Executor.DrainPath, backends.pending, logger); err != nil {
			return err
		}
	}

	requeuer := queue.NewRequeuer(&cfg.Retry, logger)
	requeuer.Register(cfg.Queue.ID, backends.pending)

	qcfg := queue.DefaultConfig(cfg.Queue.ID)
	qcfg.Active = cfg.Queue.Active
	qcfg.WaitTimeout = cfg.Queue.WaitTimeout
	qcfg.AttemptTimeout = cfg.Queue.AttemptTimeout
	q := queue.New(qcfg, backends.pending, requeuer, logger)

	m := metrics.New(prometheus.DefaultRegisterer)

	opts := []executor.Option{
		executor.WithRetryPolicy(&cfg.Retry),
		executor.WithDeadLetter(backends.failed),
	}
	if tracker, ok := backends.pending.(queue.Tracker); ok {
		opts = append(opts, executor.WithTracker(tracker))
	}
	exec := executor.New(q, m, logger, executor.Config{
		Workers:       cfg.Executor.Workers,
		StatsInterval: cfg.Executor.StatsInterval,
		RateLimit:     cfg.Executor.RateLimit,
		RateBurst:     cfg.Executor.RateBurst,
	}, opts...)
	registerTasks(exec, logger)

	handler := &controlHandler{queue: q, metrics: m, logger: logger}
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newRouter(handler, promhttp.Handler()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("control server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	if err := exec.Start(ctx); err != nil {
		return fmt.Errorf("start executor: %w", err)
	}

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		logger.Error("control server failed", zap.Error(err))
	}
	logger.Info("shutting down worker")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Executor.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("control server shutdown failed", zap.Error(err))
	}

	mode := executor.ShutdownKeep
	if cfg.Executor.DrainOnShutdown {
		mode = executor.ShutdownDrain
	}
	drained, shutdownErr := exec.Shutdown(shutdownCtx, mode)
	persistErr := persistDrained(shutdownCtx, cfg.Executor.DrainPath, drained, backends.pending, logger)
	if shutdownErr != nil {
		return fmt.Errorf("shutdown executor: %w", errors.Join(shutdownErr, persistErr))
	}
	if persistErr != nil {
		return fmt.Errorf("persist drained work: %w", persistErr)
	}
	return nil
}

// backendSet holds the pending and failed-work backends for the configured
// kind, plus whatever must be closed on exit.
type backendSet struct {
	pending queue.Backend
	failed  queue.Backend
	closers []func()
}

func (b *backendSet) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backendSet, error) {
	failedID := cfg.Queue.ID + ":failed"

	switch cfg.Backend.Kind {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.Backend.RedisAddr,
			PoolSize:     cfg.Executor.Workers + 10,
			MinIdleConns: 2,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return &backendSet{
			pending: queue.NewRedisBackend(rdb, cfg.Queue.ID, logger),
			failed:  queue.NewRedisBackend(rdb, failedID, logger),
			closers: []func(){func() { _ = rdb.Close() }},
		}, nil

	case "postgres":
		pgConfig, err := pgxpool.ParseConfig(cfg.Backend.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse postgres config: %w", err)
		}
		pgConfig.MaxConns = int32(cfg.Executor.Workers + 5)
		pgConfig.MinConns = 2
		pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return &backendSet{
			pending: queue.NewPostgresBackend(pool, cfg.Queue.ID, logger),
			failed:  queue.NewPostgresBackend(pool, failedID, logger),
			closers: []func(){pool.Close},
		}, nil

	default:
		return &backendSet{
			pending: queue.NewMemoryBackend(),
			failed:  queue.NewMemoryBackend(),
		}, nil
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
