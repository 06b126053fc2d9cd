package storage

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// session is a pooled connection. Advisory locks live as long as the
// session that took them.
type session interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Release()
}

// AdvisoryLeader elects a single leader among processes sharing a Postgres
// database with pg_try_advisory_lock. The winning process keeps one pooled
// connection checked out for as long as it leads.
type AdvisoryLeader struct {
	acquire func(ctx context.Context) (session, error)
	key     int64
	logger  *zap.Logger

	mu   sync.Mutex
	held session
}

func NewAdvisoryLeader(pool *pgxpool.Pool, key int64, logger *zap.Logger) *AdvisoryLeader {
	return newAdvisoryLeader(func(ctx context.Context) (session, error) {
		return pool.Acquire(ctx)
	}, key, logger)
}

func newAdvisoryLeader(acquire func(ctx context.Context) (session, error), key int64, logger *zap.Logger) *AdvisoryLeader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdvisoryLeader{acquire: acquire, key: key, logger: logger.With(zap.Int64("lock_id", key))}
}

// IsLeader reports whether this process holds the lock, trying to take it
// when it does not.
func (l *AdvisoryLeader) IsLeader(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held != nil {
		if err := l.held.Ping(ctx); err == nil {
			return true
		}
		l.logger.Warn("leader session lost")
		l.held.Release()
		l.held = nil
	}

	ok, err := l.tryLock(ctx)
	if err != nil {
		l.logger.Warn("leader election failed", zap.Error(err))
		return false
	}
	return ok
}

func (l *AdvisoryLeader) tryLock(ctx context.Context) (bool, error) {
	s, err := l.acquire(ctx)
	if err != nil {
		return false, errors.Wrap(err, "acquire connection")
	}
	var ok bool
	if err := s.QueryRow(ctx, `select pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		s.Release()
		return false, errors.Wrap(err, "pg_try_advisory_lock")
	}
	if !ok {
		s.Release()
		return false, nil
	}
	l.held = s
	l.logger.Info("acquired leadership")
	return true, nil
}

// Close gives up leadership.
func (l *AdvisoryLeader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		return nil
	}
	_, err := l.held.Exec(ctx, `select pg_advisory_unlock($1)`, l.key)
	l.held.Release()
	l.held = nil
	return errors.Wrap(err, "pg_advisory_unlock")
}
