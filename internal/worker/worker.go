// Package worker drains one stream through a consumer group with bounded
// concurrency. Each fetched message runs in its own goroutine behind a
// weighted semaphore; the goroutine settles the delivery itself (ack, nak
// with backoff, or DLQ plus term), so there is no shared ack queue.
package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/SirClappington/enqworker/internal/bus"
	"github.com/SirClappington/enqworker/internal/config"
	"github.com/SirClappington/enqworker/internal/dlq"
	"github.com/SirClappington/enqworker/internal/domain"
	"github.com/SirClappington/enqworker/internal/retry"
	"github.com/SirClappington/enqworker/internal/storage"
)

// dlqWriteAttempts is how many extra deliveries a terminal failure gets
// while the DLQ cannot be written before the job is dropped.
const dlqWriteAttempts = 3

// busErrorPause is the sleep after a transient bus error.
var busErrorPause = time.Second

type Config struct {
	domain.StreamDef

	ConsumerID string
	// BlockTimeout selects blocking reads. Nil polls every PollInterval.
	BlockTimeout      *time.Duration
	MaxConcurrentJobs int
	EnableDLQ         bool
	ShutdownTimeout   time.Duration
	Policy            *retry.Policy
	// FromStart makes a newly created group replay the stream.
	FromStart bool
}

type Option func(*Worker)

func WithLogger(l *zap.Logger) Option { return func(w *Worker) { w.logger = l } }

func WithMetrics(r Recorder) Option { return func(w *Worker) { w.metrics = r } }

// WithMiddleware wraps every Process call. The first middleware is the
// outermost.
func WithMiddleware(mws ...Middleware) Option {
	return func(w *Worker) { w.mws = append(w.mws, mws...) }
}

// WithLedger records every retry and terminal outcome. Ledger failures are
// logged and never affect the delivery.
func WithLedger(l storage.Ledger) Option { return func(w *Worker) { w.ledger = l } }

type Worker struct {
	backend bus.Backend
	proc    Processor
	cfg     Config
	dlq     *dlq.Manager

	logger  *zap.Logger
	metrics Recorder
	ledger  storage.Ledger
	mws     []Middleware
	chain   Middleware

	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	inFlight atomic.Int64
	// running maps message ids being processed here to their *tracked
	// delivery.
	running sync.Map
}

// tracked is the current delivery of a running message. A claim of a
// message that is already running here replaces the delivery instead of
// starting a second run.
type tracked struct {
	mu sync.Mutex
	d  bus.Delivery
}

func (t *tracked) get() bus.Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.d
}

func (t *tracked) set(d bus.Delivery) {
	t.mu.Lock()
	t.d = d
	t.mu.Unlock()
}

func New(backend bus.Backend, proc Processor, cfg Config, opts ...Option) *Worker {
	cfg = normalize(cfg)
	w := &Worker{
		backend: backend,
		proc:    proc,
		cfg:     cfg,
		logger:  zap.NewNop(),
		metrics: nopRecorder{},
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
	}
	for _, o := range opts {
		o(w)
	}
	w.logger = w.logger.With(
		zap.String("component", "worker"),
		zap.String("stream", cfg.QueueName),
		zap.String("group", cfg.ConsumerGroup),
		zap.String("consumer", cfg.ConsumerID),
		zap.String("processor", proc.Name()),
	)
	w.chain = Chain(w.mws...)
	w.dlq = dlq.New(backend, cfg.QueueName, cfg.DLQName, dlq.WithLogger(w.logger))
	return w
}

func normalize(cfg Config) Config {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = bus.DefaultAckWait
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = bus.DefaultMaxLength
	}
	if cfg.DLQName == "" {
		cfg.DLQName = cfg.QueueName + ":dlq"
	}
	if cfg.ConsumerID == "" {
		cfg.ConsumerID = config.DefaultConsumerID()
	}
	if cfg.Policy == nil {
		cfg.Policy = retry.DefaultPolicy()
	}
	return cfg
}

func (w *Worker) Name() string { return w.proc.Name() }

func (w *Worker) DLQ() *dlq.Manager { return w.dlq }

// Run consumes until ctx is cancelled, then waits up to ShutdownTimeout for
// in-flight jobs. It returns a non-nil error only for setup failures and
// fatal bus errors.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.setup(ctx); err != nil {
		return err
	}
	w.logger.Info("worker started",
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Int("max_concurrent_jobs", w.cfg.MaxConcurrentJobs),
		zap.Bool("blocking", w.cfg.BlockTimeout != nil),
	)
	hbCtx, stopHeartbeat := context.WithCancel(context.WithoutCancel(ctx))
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(hbCtx)
	}()

	err := w.loop(ctx)
	w.drain()
	stopHeartbeat()
	<-hbDone
	if err != nil {
		w.logger.Error("worker stopped on fatal bus error", zap.Error(err))
		return err
	}
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) setup(ctx context.Context) error {
	sc := bus.DefaultStreamConfig()
	sc.MaxLength = w.cfg.MaxLength
	sc.AckWait = w.cfg.ClaimTimeout
	if err := w.backend.EnsureStream(ctx, w.cfg.QueueName, sc); err != nil {
		return err
	}
	if err := w.backend.EnsureGroup(ctx, w.cfg.QueueName, w.cfg.ConsumerGroup, w.cfg.FromStart); err != nil {
		return err
	}
	if w.cfg.EnableDLQ {
		return w.dlq.EnsureStream(ctx)
	}
	return nil
}

func (w *Worker) loop(ctx context.Context) error {
	claim := time.NewTicker(w.cfg.ClaimTimeout)
	defer claim.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-claim.C:
			if err := w.claim(ctx); err != nil {
				return err
			}
		default:
		}

		msgs, err := w.backend.Fetch(ctx, w.cfg.QueueName, w.cfg.ConsumerGroup, w.cfg.ConsumerID, w.cfg.BatchSize, w.cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if bus.IsFatal(err) {
				return err
			}
			w.logger.Warn("fetch failed", zap.Error(err))
			sleep(ctx, busErrorPause)
			continue
		}
		for _, m := range msgs {
			w.dispatch(ctx, m)
		}
		if len(msgs) == 0 && (w.cfg.BlockTimeout == nil || *w.cfg.BlockTimeout <= 0) {
			sleep(ctx, w.cfg.PollInterval)
		}
	}
}

func (w *Worker) claim(ctx context.Context) error {
	msgs, err := w.backend.Claim(ctx, w.cfg.QueueName, w.cfg.ConsumerGroup, w.cfg.ConsumerID, w.cfg.ClaimTimeout, w.cfg.BatchSize)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if bus.IsFatal(err) {
			return err
		}
		w.logger.Warn("claim failed", zap.Error(err))
		return nil
	}
	if len(msgs) > 0 {
		w.logger.Info("claimed idle deliveries", zap.Int("count", len(msgs)))
	}
	for _, m := range msgs {
		w.dispatch(ctx, m)
	}
	return nil
}

// heartbeat touches every running delivery twice per claim timeout so that
// long jobs never look idle to Claim.
func (w *Worker) heartbeat(ctx context.Context) {
	t := time.NewTicker(max(w.cfg.ClaimTimeout/2, time.Millisecond))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		w.running.Range(func(key, value any) bool {
			err := w.backend.Touch(ctx, w.cfg.ConsumerID, value.(*tracked).get())
			switch {
			case err == nil, ctx.Err() != nil:
			case errors.Is(err, bus.ErrStale):
				w.logger.Debug("touch on settled delivery", zap.Any("id", key))
			default:
				w.logger.Warn("touch failed", zap.Any("id", key), zap.Error(err))
			}
			return ctx.Err() == nil
		})
	}
}

// dispatch runs m once a permit is free. Processing continues on a context
// that ignores cancellation so shutdown never interrupts a job. A message
// that is already running here only has its delivery replaced.
func (w *Worker) dispatch(ctx context.Context, m bus.Message) {
	if v, ok := w.running.Load(m.ID); ok {
		v.(*tracked).set(m.Delivery)
		w.logger.Debug("delivery of a running job reclaimed", zap.String("id", m.ID))
		return
	}
	if err := w.sem.Acquire(ctx, 1); err != nil {
		// Shutting down before the job started; hand it back.
		if nakErr := w.backend.Nak(context.WithoutCancel(ctx), m.Delivery, 0); nakErr != nil {
			w.logger.Warn("release undispatched delivery", zap.String("id", m.ID), zap.Error(nakErr))
		}
		return
	}
	t := &tracked{d: m.Delivery}
	w.running.Store(m.ID, t)
	w.wg.Add(1)
	w.inFlight.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.inFlight.Add(-1)
		defer w.sem.Release(1)
		defer w.running.Delete(m.ID)
		w.handle(context.WithoutCancel(ctx), m, t)
	}()
}

func (w *Worker) drain() {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(w.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		w.logger.Warn("shutdown deadline exceeded, abandoning in-flight jobs",
			zap.Int64("in_flight", w.inFlight.Load()),
			zap.Duration("timeout", w.cfg.ShutdownTimeout),
		)
	}
}

// attempt is the zero-based retry index of a delivery.
func attempt(m bus.Message) int {
	n := int(m.Job.RetryCount)
	if m.DeliveryCount > 1 {
		n += int(m.DeliveryCount - 1)
	}
	return n
}

func (w *Worker) handle(ctx context.Context, m bus.Message, t *tracked) {
	stream, name := w.cfg.QueueName, w.proc.Name()
	w.metrics.JobReceived(stream, name)
	log := w.logger.With(
		zap.Stringer("job_id", m.Job.ID),
		zap.String("id", m.ID),
		zap.Uint64("delivery", m.DeliveryCount),
	)

	start := time.Now()
	err := w.invoke(ctx, m.Job)
	n := attempt(m)
	m.Delivery = t.get()

	if err == nil {
		if ackErr := w.backend.Ack(ctx, m.Delivery); ackErr != nil {
			if errors.Is(ackErr, bus.ErrStale) {
				log.Warn("delivery settled elsewhere, success not counted")
				return
			}
			log.Error("ack failed, job will be redelivered", zap.Error(ackErr))
			return
		}
		w.metrics.JobProcessed(stream, name, time.Since(start))
		w.record(ctx, m, domain.Succeeded, n, nil, "")
		return
	}

	d := w.cfg.Policy.Decide(err, n)
	w.metrics.JobFailed(stream, name, d.Kind)
	if d.Retry {
		if nakErr := w.backend.Nak(ctx, m.Delivery, d.Delay); nakErr != nil {
			log.Error("nak failed", zap.Error(nakErr))
			return
		}
		w.metrics.JobRetried(stream, name)
		log.Info("job scheduled for retry",
			zap.Int("attempt", n),
			zap.Int("max_retries", w.cfg.Policy.Budget(d.Kind)),
			zap.Duration("delay", d.Delay),
			zap.Error(err),
		)
		w.record(ctx, m, domain.Retrying, n, err, "")
		return
	}
	w.deadLetter(ctx, log, m, d.Kind, n, err)
}

func (w *Worker) deadLetter(ctx context.Context, log *zap.Logger, m bus.Message, kind domain.ErrorKind, n int, cause error) {
	stream, name := w.cfg.QueueName, w.proc.Name()
	if !w.cfg.EnableDLQ {
		w.term(ctx, log, m)
		log.Error("job failed terminally, dlq disabled", zap.Error(cause))
		w.record(ctx, m, domain.Dropped, n, cause, "")
		return
	}

	dlqID, err := w.dlq.Push(ctx, m.Raw, m.StreamSequence, cause.Error(), w.cfg.ConsumerID)
	if err != nil {
		over := n - w.cfg.Policy.Budget(kind)
		if over >= dlqWriteAttempts {
			w.term(ctx, log, m)
			log.Error("dlq unavailable, dropping job", zap.Error(err), zap.NamedError("cause", cause))
			w.record(ctx, m, domain.Dropped, n, cause, "")
			return
		}
		delay := w.cfg.Policy.Backoff(domain.KindTransient, max(over, 0))
		log.Warn("dlq write failed, retrying", zap.Error(err), zap.Duration("delay", delay))
		if nakErr := w.backend.Nak(ctx, m.Delivery, delay); nakErr != nil {
			log.Error("nak failed", zap.Error(nakErr))
		}
		return
	}

	w.term(ctx, log, m)
	w.metrics.JobDeadLettered(stream, name)
	log.Warn("job moved to dlq",
		zap.String("dlq_id", dlqID),
		zap.Stringer("kind", kind),
		zap.Int("attempt", n),
		zap.Error(cause),
	)
	w.record(ctx, m, domain.DeadLettered, n, cause, dlqID)
}

func (w *Worker) term(ctx context.Context, log *zap.Logger, m bus.Message) {
	if err := w.backend.Term(ctx, m.Delivery); err != nil {
		log.Error("term failed", zap.Error(err))
	}
}

// invoke runs the middleware chain and the processor. Panics become
// permanent errors.
func (w *Worker) invoke(ctx context.Context, job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("processor panicked",
				zap.Stringer("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = domain.Permanentf("panic: %v", r)
		}
	}()
	return w.chain(ctx, job, func(ctx context.Context) error {
		return w.proc.Process(ctx, job)
	})
}

func (w *Worker) record(ctx context.Context, m bus.Message, status domain.Status, n int, cause error, dlqID string) {
	if w.ledger == nil {
		return
	}
	o := storage.Outcome{
		JobID:     m.Job.ID,
		Stream:    w.cfg.QueueName,
		Group:     w.cfg.ConsumerGroup,
		Consumer:  w.cfg.ConsumerID,
		Processor: w.proc.Name(),
		Status:    status,
		Attempt:   n,
		DLQID:     dlqID,
	}
	if cause != nil {
		o.Error = cause.Error()
	}
	if err := w.ledger.Record(ctx, o); err != nil {
		w.logger.Warn("ledger write failed", zap.Stringer("job_id", m.Job.ID), zap.Error(err))
	}
}

// StreamInfo reports the source stream's length and the group's pending
// deliveries.
func (w *Worker) StreamInfo(ctx context.Context) (bus.StreamInfo, error) {
	return streamInfo(ctx, w.backend, w.cfg.QueueName, w.cfg.ConsumerGroup)
}

func (w *Worker) DLQInfo(ctx context.Context) (dlq.Stats, error) {
	return w.dlq.Stats(ctx)
}

// Ready fails when the bus is unreachable or the processor reports itself
// unhealthy.
func (w *Worker) Ready(ctx context.Context) error {
	if err := w.backend.Ping(ctx); err != nil {
		return err
	}
	ok, err := HealthCheck(ctx, w.proc)
	if err != nil {
		return err
	}
	if !ok {
		return errUnhealthy
	}
	return nil
}

var errUnhealthy = errors.New("worker: processor unhealthy")

func streamInfo(ctx context.Context, b bus.Backend, stream, group string) (bus.StreamInfo, error) {
	n, err := b.Len(ctx, stream)
	if err != nil {
		return bus.StreamInfo{}, err
	}
	p, err := b.PendingInfo(ctx, stream, group)
	if err != nil {
		return bus.StreamInfo{}, err
	}
	return bus.StreamInfo{
		Stream:     stream,
		Group:      group,
		Length:     n,
		Pending:    p.Count,
		OldestIdle: p.OldestIdle,
	}, nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
