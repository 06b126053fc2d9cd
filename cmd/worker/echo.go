package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/internal/domain"
	"github.com/SirClappington/enqworker/internal/rpc"
	"github.com/SirClappington/enqworker/internal/worker"
)

// echoPayload drives the demo processor. Fail selects a simulated failure:
// transient, permanent or rate_limited.
type echoPayload struct {
	Message      string `json:"message"`
	Fail         string `json:"fail,omitempty"`
	DelayMS      int    `json:"delay_ms,omitempty"`
	RetryAfterMS int    `json:"retry_after_ms,omitempty"`
}

func (p echoPayload) run(ctx context.Context) error {
	if p.DelayMS > 0 {
		t := time.NewTimer(time.Duration(p.DelayMS) * time.Millisecond)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return domain.Wrap(domain.KindTransient, ctx.Err())
		}
	}
	switch p.Fail {
	case "":
		return nil
	case "transient":
		return domain.Transient("simulated transient failure")
	case "permanent":
		return domain.Permanent("simulated permanent failure")
	case "rate_limited":
		return domain.RateLimited("simulated throttling", time.Duration(p.RetryAfterMS)*time.Millisecond)
	default:
		return domain.Config("unknown fail mode " + p.Fail)
	}
}

func echoProcessor(logger *zap.Logger) worker.Processor {
	return worker.Typed("echo", func(ctx context.Context, job *domain.Job, p echoPayload) error {
		if err := p.run(ctx); err != nil {
			return err
		}
		logger.Info("echo", zap.Stringer("job_id", job.ID), zap.String("message", p.Message))
		return nil
	})
}

func echoHandler(ctx context.Context, cmd rpc.Command) (any, error) {
	var p echoPayload
	if err := cmd.Decode(&p); err != nil {
		return nil, domain.Serialization(err)
	}
	if err := p.run(ctx); err != nil {
		return nil, err
	}
	return map[string]string{"message": p.Message}, nil
}
