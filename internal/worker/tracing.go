package worker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/SirClappington/enqworker/internal/domain"
)

const tracerName = "github.com/SirClappington/enqworker"

// Tracing wraps each attempt in a span from the global tracer provider.
// Without a configured provider the span is a no-op.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, job *domain.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "enqworker.job.process",
			trace.WithAttributes(
				attribute.String("enqworker.job.id", job.ID.String()),
				attribute.Int("enqworker.job.retry_count", int(job.RetryCount)),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.String("enqworker.error.kind", domain.KindOf(err).String()))
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}
