package worker

import (
	"context"

	"github.com/SirClappington/enqworker/internal/domain"
)

// Processor runs the business logic for one job. Implementations are called
// concurrently and must be safe for parallel use. Returning a
// *domain.ProcessingError selects the retry behaviour; any other error is
// retried as transient.
type Processor interface {
	Process(ctx context.Context, job *domain.Job) error
	Name() string
}

// HealthChecker is implemented by processors that can report on their
// downstream dependencies.
type HealthChecker interface {
	HealthCheck(ctx context.Context) (bool, error)
}

// HealthCheck reports p's health, or true when p does not implement
// HealthChecker.
func HealthCheck(ctx context.Context, p Processor) (bool, error) {
	if hc, ok := p.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return true, nil
}

type funcProcessor struct {
	name string
	fn   func(context.Context, *domain.Job) error
}

func (f funcProcessor) Name() string { return f.name }

func (f funcProcessor) Process(ctx context.Context, job *domain.Job) error { return f.fn(ctx, job) }

// Func adapts a function to a Processor.
func Func(name string, fn func(ctx context.Context, job *domain.Job) error) Processor {
	return funcProcessor{name: name, fn: fn}
}

// Typed adapts a function that takes a decoded payload. A payload that does
// not decode into P fails with a serialization error and is never retried.
func Typed[P any](name string, fn func(ctx context.Context, job *domain.Job, payload P) error) Processor {
	return funcProcessor{name: name, fn: func(ctx context.Context, job *domain.Job) error {
		var p P
		if err := job.Decode(&p); err != nil {
			return domain.Serialization(err)
		}
		return fn(ctx, job, p)
	}}
}
