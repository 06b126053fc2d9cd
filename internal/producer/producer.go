package producer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/internal/bus"
	"github.com/SirClappington/enqworker/internal/domain"
)

// Producer appends jobs to one stream.
type Producer struct {
	bus    bus.Producer
	stream string
	logger *zap.Logger
}

type Option func(*Producer)

func WithLogger(l *zap.Logger) Option { return func(p *Producer) { p.logger = l } }

func New(b bus.Producer, stream string, opts ...Option) *Producer {
	p := &Producer{bus: b, stream: stream, logger: zap.NewNop()}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.With(zap.String("component", "producer"), zap.String("stream", stream))
	return p
}

func (p *Producer) Stream() string { return p.stream }

// Send appends job and returns its record id on the stream.
func (p *Producer) Send(ctx context.Context, job *domain.Job) (string, error) {
	raw, err := bus.EncodeJob(job)
	if err != nil {
		return "", fmt.Errorf("producer: encode job %s: %w", job.ID, err)
	}
	id, err := p.bus.Append(ctx, p.stream, raw)
	if err != nil {
		return "", fmt.Errorf("producer: send %s: %w", job.ID, err)
	}
	p.logger.Debug("job sent", zap.Stringer("job_id", job.ID), zap.String("record_id", id))
	return id, nil
}

// SendPayload wraps payload in a new job and sends it.
func (p *Producer) SendPayload(ctx context.Context, payload any) (*domain.Job, string, error) {
	job, err := domain.NewJob(payload)
	if err != nil {
		return nil, "", err
	}
	id, err := p.Send(ctx, job)
	if err != nil {
		return nil, "", err
	}
	return job, id, nil
}
