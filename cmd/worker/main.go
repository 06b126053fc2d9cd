package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/enqworker/internal/admin"
	"github.com/SirClappington/enqworker/internal/bus/connect"
	"github.com/SirClappington/enqworker/internal/config"
	"github.com/SirClappington/enqworker/internal/dlq"
	"github.com/SirClappington/enqworker/internal/logging"
	"github.com/SirClappington/enqworker/internal/metrics"
	"github.com/SirClappington/enqworker/internal/producer"
	"github.com/SirClappington/enqworker/internal/resilience"
	"github.com/SirClappington/enqworker/internal/rpc"
	"github.com/SirClappington/enqworker/internal/storage"
	"github.com/SirClappington/enqworker/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	wcfg, err := config.LoadWorker(cfg.WorkerPrefix)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := connect.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	m := metrics.New()
	opts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithMetrics(m),
		worker.WithMiddleware(worker.Tracing(), worker.Logging(logger)),
	}
	if g := guards(wcfg, m); g != nil {
		opts = append(opts, worker.WithMiddleware(g))
	}
	if cfg.LedgerDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.LedgerDSN)
		if err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		defer pool.Close()
		opts = append(opts, worker.WithLedger(storage.New(pool)))
	}

	var proc worker.Processor = echoProcessor(logger)
	if cfg.RPCCommandStream != "" && cfg.RPCCommandStream == wcfg.StreamName {
		if cfg.RPCResultStream == "" {
			return fmt.Errorf("RPC_RESULT_STREAM is required when serving %s", cfg.RPCCommandStream)
		}
		results := producer.New(backend, cfg.RPCResultStream, producer.WithLogger(logger))
		proc = rpc.NewResponder("echo-rpc", results, echoHandler, rpc.WithResponderLogger(logger))
	}

	w := worker.New(backend, proc, worker.Config{
		StreamDef:         wcfg.StreamDef(),
		ConsumerID:        wcfg.ConsumerID,
		BlockTimeout:      wcfg.BlockTimeout(),
		MaxConcurrentJobs: wcfg.MaxConcurrentJobs,
		EnableDLQ:         wcfg.EnableDLQ,
		ShutdownTimeout:   wcfg.ShutdownTimeout(),
		Policy:            wcfg.Policy(),
	}, opts...)

	var dm *dlq.Manager
	if wcfg.EnableDLQ {
		dm = w.DLQ()
	}
	srv := admin.New(w, dm, admin.WithMetrics(m.Handler()), admin.WithLogger(logger))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx, fmt.Sprintf(":%d", cfg.HealthPort)) })
	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", zap.Error(err))
		return err
	}
	logger.Info("worker stopped")
	return nil
}

// guards builds the limiter and breaker middleware, or nil when neither is
// configured.
func guards(w config.WorkerConfig, obs resilience.Observer) worker.Middleware {
	var (
		cb *resilience.CircuitBreaker
		rl *resilience.RateLimiter
	)
	if w.BreakerFailures > 0 {
		cb = resilience.NewCircuitBreaker(resilience.BreakerConfig{
			Name:             w.StreamName,
			FailureThreshold: w.BreakerFailures,
			RecoveryTimeout:  w.BreakerRecovery(),
			SuccessThreshold: w.BreakerSuccesses,
		})
	}
	if w.RateLimitPerSec > 0 {
		rl = resilience.NewRateLimiter(w.StreamName, w.RateLimitBurst, w.RateLimitPerSec)
	}
	if cb == nil && rl == nil {
		return nil
	}
	return resilience.Guard(cb, rl, obs)
}
