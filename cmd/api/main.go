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

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/enqworker/internal/bus/connect"
	"github.com/SirClappington/enqworker/internal/config"
	"github.com/SirClappington/enqworker/internal/domain"
	"github.com/SirClappington/enqworker/internal/logging"
	"github.com/SirClappington/enqworker/internal/producer"
	"github.com/SirClappington/enqworker/internal/rpc"
	"github.com/SirClappington/enqworker/internal/storage"
	"github.com/SirClappington/enqworker/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "api:", err)
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := connect.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	a := &api{
		jobs:   producer.New(backend, cfg.APIStreamName, producer.WithLogger(logger)),
		ping:   backend.Ping,
		logger: logger.With(zap.String("component", "api")),
	}
	if cfg.LedgerDSN != "" {
		db, err := pgxpool.New(ctx, cfg.LedgerDSN)
		if err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		defer db.Close()
		a.outcomes = storage.New(db)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.RPCCommandStream != "" && cfg.RPCResultStream != "" {
		client := rpc.NewClient(
			producer.New(backend, cfg.RPCCommandStream, producer.WithLogger(logger)),
			rpc.WithTimeout(cfg.RPCTimeout()),
			rpc.WithClientLogger(logger),
		)
		a.rpc = client
		// Each API process reads every result through its own group.
		consumer := config.DefaultConsumerID()
		results := worker.New(backend, client.Processor(), worker.Config{
			StreamDef: domain.StreamDef{
				QueueName:     cfg.RPCResultStream,
				ConsumerGroup: "rpc-client-" + consumer,
			},
			ConsumerID:        consumer,
			BlockTimeout:      ptr(time.Second),
			MaxConcurrentJobs: 8,
			ShutdownTimeout:   5 * time.Second,
		}, worker.WithLogger(logger))
		g.Go(func() error { return results.Run(gctx) })
	}

	srv := newHTTPServer(cfg.APIAddr, a.routes())
	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func ptr[T any](v T) *T { return &v }
