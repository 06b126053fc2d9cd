// Package rpc layers request/response over two streams. A Client sends
// Commands to a command stream and waits for the matching Result, which a
// Responder publishes to a results stream after handling the command.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/internal/domain"
	"github.com/SirClappington/enqworker/internal/producer"
)

// Command is a request carried as a job. ID and RetryCount are the job's.
type Command struct {
	ID            uuid.UUID
	CorrelationID string
	Payload       json.RawMessage
	RetryCount    uint32
}

type commandBody struct {
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Job renders the command as a job under the command's identity.
func (c Command) Job() (*domain.Job, error) {
	raw, err := json.Marshal(commandBody{CorrelationID: c.CorrelationID, Payload: c.Payload})
	if err != nil {
		return nil, err
	}
	return &domain.Job{ID: c.ID, RetryCount: c.RetryCount, CreatedAt: timeNow().UTC(), Payload: raw}, nil
}

// Decode unmarshals the command payload into v.
func (c Command) Decode(v any) error { return json.Unmarshal(c.Payload, v) }

func CommandFromJob(j *domain.Job) (Command, error) {
	var body commandBody
	if err := j.Decode(&body); err != nil {
		return Command{}, err
	}
	if body.CorrelationID == "" {
		return Command{}, errMissingCorrelation
	}
	return Command{ID: j.ID, CorrelationID: body.CorrelationID, Payload: body.Payload, RetryCount: j.RetryCount}, nil
}

// Result answers the command with the same correlation id.
type Result struct {
	CorrelationID string          `json:"correlation_id"`
	Success       bool            `json:"success"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Err returns the remote failure, or nil for a successful result.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return &RemoteError{Msg: r.Error}
}

// Decode unmarshals the result data into v.
func (r Result) Decode(v any) error { return json.Unmarshal(r.Data, v) }

func ResultFromJob(j *domain.Job) (Result, error) {
	var r Result
	if err := j.Decode(&r); err != nil {
		return Result{}, err
	}
	if r.CorrelationID == "" {
		return Result{}, errMissingCorrelation
	}
	return r, nil
}

type RemoteError struct{ Msg string }

func (e *RemoteError) Error() string { return "rpc: remote: " + e.Msg }

var errMissingCorrelation = errors.New("rpc: missing correlation_id")

// HandlerFunc handles one command. The returned value becomes the result
// data.
type HandlerFunc func(ctx context.Context, cmd Command) (any, error)

// Responder is a worker.Processor for the command stream.
//
// A permanent handler error is answered with a failed Result and then
// returned, so the command is also dead-lettered. Other errors are returned
// without a Result and the command is retried.
type Responder struct {
	name    string
	results *producer.Producer
	handle  HandlerFunc
	logger  *zap.Logger
}

type ResponderOption func(*Responder)

func WithResponderLogger(l *zap.Logger) ResponderOption {
	return func(r *Responder) { r.logger = l }
}

func NewResponder(name string, results *producer.Producer, handle HandlerFunc, opts ...ResponderOption) *Responder {
	r := &Responder{name: name, results: results, handle: handle, logger: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Responder) Name() string { return r.name }

func (r *Responder) Process(ctx context.Context, job *domain.Job) error {
	cmd, err := CommandFromJob(job)
	if err != nil {
		return domain.Serialization(err)
	}

	data, herr := r.handle(ctx, cmd)
	if herr != nil {
		if domain.KindOf(herr) != domain.KindPermanent {
			return herr
		}
		if err := r.publish(ctx, Result{CorrelationID: cmd.CorrelationID, Error: herr.Error()}); err != nil {
			r.logger.Warn("failure result not published",
				zap.String("correlation_id", cmd.CorrelationID),
				zap.Error(err),
			)
		}
		return herr
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return domain.Serialization(fmt.Errorf("encode result: %w", err))
	}
	if err := r.publish(ctx, Result{CorrelationID: cmd.CorrelationID, Success: true, Data: raw}); err != nil {
		return domain.Wrap(domain.KindTransient, err)
	}
	return nil
}

func (r *Responder) publish(ctx context.Context, res Result) error {
	_, _, err := r.results.SendPayload(ctx, res)
	return err
}
