package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/internal/domain"
)

// Handler is the terminal call into the processor.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler. It must call next unless it short-circuits
// with an error.
type Middleware func(ctx context.Context, job *domain.Job, next Handler) error

// Chain composes middleware; the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, job *domain.Job, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, job, prev)
			}
		}
		return h(ctx)
	}
}

// Logging logs each attempt and its outcome.
func Logging(logger *zap.Logger) Middleware {
	return func(ctx context.Context, job *domain.Job, next Handler) error {
		logger.Debug("job started",
			zap.Stringer("job_id", job.ID),
			zap.Uint32("retry_count", job.RetryCount),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("job failed",
				zap.Stringer("job_id", job.ID),
				zap.Duration("elapsed", elapsed),
				zap.Stringer("kind", domain.KindOf(err)),
				zap.Error(err),
			)
		} else {
			logger.Info("job completed",
				zap.Stringer("job_id", job.ID),
				zap.Duration("elapsed", elapsed),
			)
		}
		return err
	}
}
