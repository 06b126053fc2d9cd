package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/internal/bus/connect"
	"github.com/SirClappington/enqworker/internal/config"
	"github.com/SirClappington/enqworker/internal/logging"
	"github.com/SirClappington/enqworker/internal/schedule"
	"github.com/SirClappington/enqworker/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "scheduler:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Schedules == "" {
		return errors.New("SCHEDULES is empty")
	}
	entries, err := schedule.ParseEntries(cfg.Schedules)
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

	opts := []schedule.Option{schedule.WithLogger(logger)}
	// Without a database every replica fires; run a single replica.
	if cfg.LedgerDSN != "" {
		db, err := pgxpool.New(ctx, cfg.LedgerDSN)
		if err != nil {
			return fmt.Errorf("leader election: %w", err)
		}
		defer db.Close()
		leader := storage.NewAdvisoryLeader(db, cfg.LeaderLockID, logger)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := leader.Close(closeCtx); err != nil {
				logger.Warn("leadership not released", zap.Error(err))
			}
		}()
		opts = append(opts, schedule.WithLeader(leader))
	}

	s, err := schedule.New(backend, entries, opts...)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}
