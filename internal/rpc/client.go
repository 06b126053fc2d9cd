package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/internal/domain"
	"github.com/SirClappington/enqworker/internal/producer"
	"github.com/SirClappington/enqworker/internal/worker"
)

const DefaultTimeout = 30 * time.Second

var ErrTimeout = errors.New("rpc: timed out waiting for result")

var timeNow = time.Now

// Client sends commands and matches results by correlation id. Results
// reach it through the processor returned by Processor, run by a worker on
// the results stream.
type Client struct {
	commands *producer.Producer
	timeout  time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]chan Result
}

type ClientOption func(*Client)

func WithTimeout(d time.Duration) ClientOption { return func(c *Client) { c.timeout = d } }

func WithClientLogger(l *zap.Logger) ClientOption { return func(c *Client) { c.logger = l } }

func NewClient(commands *producer.Producer, opts ...ClientOption) *Client {
	c := &Client{
		commands: commands,
		timeout:  DefaultTimeout,
		logger:   zap.NewNop(),
		pending:  make(map[string]chan Result),
	}
	for _, o := range opts {
		o(c)
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	c.logger = c.logger.With(zap.String("component", "rpc_client"))
	return c
}

// Call sends payload as a command and waits for its result. A result that
// arrives after the wait ended is dropped.
func (c *Client) Call(ctx context.Context, payload any) (Result, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("rpc: encode payload: %w", err)
	}
	cmd := Command{ID: uuid.New(), CorrelationID: uuid.NewString(), Payload: raw}
	job, err := cmd.Job()
	if err != nil {
		return Result{}, err
	}

	ch := make(chan Result, 1)
	c.mu.Lock()
	c.pending[cmd.CorrelationID] = ch
	c.mu.Unlock()
	defer c.forget(cmd.CorrelationID)

	if _, err := c.commands.Send(ctx, job); err != nil {
		return Result{}, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		return Result{}, fmt.Errorf("%w: correlation_id %s", ErrTimeout, cmd.CorrelationID)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Pending is the number of calls waiting for a result.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) resolve(res Result) bool {
	c.mu.Lock()
	ch, ok := c.pending[res.CorrelationID]
	delete(c.pending, res.CorrelationID)
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

// Processor returns the results-stream processor for this client.
func (c *Client) Processor() worker.Processor {
	return worker.Func("rpc-results", func(_ context.Context, job *domain.Job) error {
		res, err := ResultFromJob(job)
		if err != nil {
			return domain.Serialization(err)
		}
		if !c.resolve(res) {
			c.logger.Debug("dropping unmatched result", zap.String("correlation_id", res.CorrelationID))
		}
		return nil
	})
}
