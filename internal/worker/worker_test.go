package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SirClappington/enqworker/internal/bus"
	"github.com/SirClappington/enqworker/internal/bus/membus"
	"github.com/SirClappington/enqworker/internal/domain"
	"github.com/SirClappington/enqworker/internal/retry"
	"github.com/SirClappington/enqworker/internal/storage"
)

type counters struct {
	mu        sync.Mutex
	received  int
	processed int
	retried   int
	dlq       int
	failed    map[domain.ErrorKind]int
}

func newCounters() *counters { return &counters{failed: make(map[domain.ErrorKind]int)} }

func (c *counters) JobReceived(string, string) {
	c.mu.Lock()
	c.received++
	c.mu.Unlock()
}

func (c *counters) JobProcessed(string, string, time.Duration) {
	c.mu.Lock()
	c.processed++
	c.mu.Unlock()
}

func (c *counters) JobFailed(_, _ string, k domain.ErrorKind) {
	c.mu.Lock()
	c.failed[k]++
	c.mu.Unlock()
}

func (c *counters) JobRetried(string, string) {
	c.mu.Lock()
	c.retried++
	c.mu.Unlock()
}

func (c *counters) JobDeadLettered(string, string) {
	c.mu.Lock()
	c.dlq++
	c.mu.Unlock()
}

func (c *counters) get(f func(*counters) int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return f(c)
}

type ledger struct {
	mu       sync.Mutex
	statuses []domain.Status
}

func (l *ledger) Record(_ context.Context, o storage.Outcome) error {
	l.mu.Lock()
	l.statuses = append(l.statuses, o.Status)
	l.mu.Unlock()
	return nil
}

func testPolicy() *retry.Policy {
	return retry.DefaultPolicy().
		With(domain.KindTransient, retry.Rule{MaxRetries: 3, Base: 20 * time.Millisecond, Max: 200 * time.Millisecond}).
		With(domain.KindRateLimited, retry.Rule{MaxRetries: 5, Base: time.Second, Max: 2 * time.Second})
}

func testConfig() Config {
	block := 20 * time.Millisecond
	return Config{
		StreamDef: domain.StreamDef{
			QueueName:     "jobs",
			ConsumerGroup: "workers",
			BatchSize:     10,
			PollInterval:  10 * time.Millisecond,
			ClaimTimeout:  time.Hour,
		},
		ConsumerID:        "c-1",
		BlockTimeout:      &block,
		MaxConcurrentJobs: 4,
		EnableDLQ:         true,
		ShutdownTimeout:   5 * time.Second,
		Policy:            testPolicy(),
		FromStart:         true,
	}
}

func enqueue(t *testing.T, b bus.Producer, payload map[string]any) *domain.Job {
	t.Helper()
	j, err := domain.NewJob(payload)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	raw, err := bus.EncodeJob(j)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := b.Append(context.Background(), "jobs", raw); err != nil {
		t.Fatalf("append: %v", err)
	}
	return j
}

// start runs w and returns a stop func that cancels it and waits for Run.
func start(t *testing.T, w *Worker) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	var once sync.Once
	var result error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-done:
			case <-time.After(10 * time.Second):
				t.Fatal("worker did not stop")
			}
		})
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type callLog struct {
	mu    sync.Mutex
	times []time.Time
}

func (c *callLog) add() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.times = append(c.times, time.Now())
	return len(c.times)
}

func (c *callLog) snapshot() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.times...)
}

func pending(t *testing.T, b bus.Consumer) int64 {
	t.Helper()
	info, err := b.PendingInfo(context.Background(), "jobs", "workers")
	if err != nil {
		t.Fatalf("pending info: %v", err)
	}
	return info.Count
}

func TestTransientThenSuccess(t *testing.T) {
	b := membus.New()
	rec := newCounters()
	led := &ledger{}
	calls := &callLog{}
	proc := Func("flaky", func(context.Context, *domain.Job) error {
		if calls.add() <= 2 {
			return domain.Transient("net")
		}
		return nil
	})
	w := New(b, proc, testConfig(), WithMetrics(rec), WithLedger(led))
	enqueue(t, b, map[string]any{"payload": "ok"})

	stop := start(t, w)
	waitFor(t, "success", func() bool { return rec.get(func(c *counters) int { return c.processed }) == 1 })
	if err := stop(); err != nil {
		t.Fatalf("run: %v", err)
	}

	times := calls.snapshot()
	if len(times) != 3 {
		t.Fatalf("invocations = %d, want 3", len(times))
	}
	if gap := times[1].Sub(times[0]); gap < 20*time.Millisecond {
		t.Errorf("first retry after %v, want >= 20ms", gap)
	}
	if gap := times[2].Sub(times[1]); gap < 40*time.Millisecond {
		t.Errorf("second retry after %v, want >= 40ms", gap)
	}
	if rec.retried != 2 || rec.dlq != 0 || rec.failed[domain.KindTransient] != 2 {
		t.Errorf("counters = %+v", rec)
	}
	if n, _ := b.Len(context.Background(), "jobs:dlq"); n != 0 {
		t.Errorf("dlq length = %d", n)
	}
	if p := pending(t, b); p != 0 {
		t.Errorf("pending = %d", p)
	}
	want := []domain.Status{domain.Retrying, domain.Retrying, domain.Succeeded}
	if strings.Join(statusStrings(led.statuses), ",") != strings.Join(statusStrings(want), ",") {
		t.Errorf("ledger = %v, want %v", led.statuses, want)
	}
}

func statusStrings(ss []domain.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func TestPermanentShortCircuits(t *testing.T) {
	b := membus.New()
	rec := newCounters()
	calls := &callLog{}
	proc := Func("strict", func(context.Context, *domain.Job) error {
		calls.add()
		return domain.Permanent("invalid")
	})
	w := New(b, proc, testConfig(), WithMetrics(rec))
	job := enqueue(t, b, map[string]any{"payload": "bad"})

	stop := start(t, w)
	waitFor(t, "dead letter", func() bool { return rec.get(func(c *counters) int { return c.dlq }) == 1 })
	_ = stop()

	if n := len(calls.snapshot()); n != 1 {
		t.Fatalf("invocations = %d, want 1", n)
	}
	st, err := w.DLQInfo(context.Background())
	if err != nil || st.Length != 1 {
		t.Fatalf("dlq stats = %+v, %v", st, err)
	}
	entries, _, err := w.DLQ().List(context.Background(), 10, "")
	if err != nil || len(entries) != 1 {
		t.Fatalf("dlq entries = %d, %v", len(entries), err)
	}
	e := entries[0]
	if e.Error != "permanent error: invalid" {
		t.Errorf("entry error = %q", e.Error)
	}
	if e.Consumer != "c-1" || e.OriginalSequence != 1 || e.Stream != "jobs" {
		t.Errorf("entry = %+v", e)
	}
	got, err := bus.DecodeJob(e.JobBytes())
	if err != nil || got.ID != job.ID {
		t.Errorf("dlq job = %+v, %v", got, err)
	}
	if p := pending(t, b); p != 0 {
		t.Errorf("pending = %d", p)
	}
}

func TestRateLimitedHonoursHint(t *testing.T) {
	b := membus.New()
	rec := newCounters()
	calls := &callLog{}
	proc := Func("throttled", func(context.Context, *domain.Job) error {
		if calls.add() <= 2 {
			return domain.RateLimited("429", 30*time.Millisecond)
		}
		return nil
	})
	w := New(b, proc, testConfig(), WithMetrics(rec))
	enqueue(t, b, map[string]any{"id3": true})

	stop := start(t, w)
	waitFor(t, "success", func() bool { return rec.get(func(c *counters) int { return c.processed }) == 1 })
	_ = stop()

	times := calls.snapshot()
	if len(times) != 3 {
		t.Fatalf("invocations = %d", len(times))
	}
	for i := 1; i < 3; i++ {
		gap := times[i].Sub(times[i-1])
		if gap < 30*time.Millisecond || gap > 800*time.Millisecond {
			t.Errorf("retry %d after %v, want the 30ms hint rather than the 1s schedule", i, gap)
		}
	}
	if rec.failed[domain.KindRateLimited] != 2 {
		t.Errorf("rate limited failures = %d", rec.failed[domain.KindRateLimited])
	}
}

func TestTransientExhaustionDeadLetters(t *testing.T) {
	b := membus.New()
	rec := newCounters()
	calls := &callLog{}
	proc := Func("down", func(context.Context, *domain.Job) error {
		calls.add()
		return errors.New("connection refused")
	})
	w := New(b, proc, testConfig(), WithMetrics(rec))
	enqueue(t, b, map[string]any{"n": 1})

	stop := start(t, w)
	waitFor(t, "dead letter", func() bool { return rec.get(func(c *counters) int { return c.dlq }) == 1 })
	_ = stop()

	if n := len(calls.snapshot()); n != 4 {
		t.Errorf("invocations = %d, want 1 + 3 retries", n)
	}
	entries, _, _ := w.DLQ().List(context.Background(), 1, "")
	if len(entries) != 1 || entries[0].Error != "connection refused" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestPanicBecomesPermanent(t *testing.T) {
	b := membus.New()
	rec := newCounters()
	proc := Func("boom", func(context.Context, *domain.Job) error { panic("boom") })
	w := New(b, proc, testConfig(), WithMetrics(rec))
	enqueue(t, b, map[string]any{"n": 1})

	stop := start(t, w)
	waitFor(t, "dead letter", func() bool { return rec.get(func(c *counters) int { return c.dlq }) == 1 })
	_ = stop()

	entries, _, _ := w.DLQ().List(context.Background(), 1, "")
	if len(entries) != 1 || entries[0].Error != "permanent error: panic: boom" {
		t.Fatalf("entries = %+v", entries)
	}
	if rec.failed[domain.KindPermanent] != 1 {
		t.Errorf("permanent failures = %d", rec.failed[domain.KindPermanent])
	}
}

func TestTypedSerializationFailure(t *testing.T) {
	b := membus.New()
	rec := newCounters()
	type email struct {
		To string `json:"to"`
	}
	proc := Typed("email", func(context.Context, *domain.Job, email) error { return nil })
	w := New(b, proc, testConfig(), WithMetrics(rec))
	enqueue(t, b, map[string]any{"to": 42})

	stop := start(t, w)
	waitFor(t, "dead letter", func() bool { return rec.get(func(c *counters) int { return c.dlq }) == 1 })
	_ = stop()

	entries, _, _ := w.DLQ().List(context.Background(), 1, "")
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Error, "serialization error: ") {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestDLQDisabledDrops(t *testing.T) {
	b := membus.New()
	rec := newCounters()
	led := &ledger{}
	proc := Func("strict", func(context.Context, *domain.Job) error { return domain.Permanent("no") })
	cfg := testConfig()
	cfg.EnableDLQ = false
	w := New(b, proc, cfg, WithMetrics(rec), WithLedger(led))
	enqueue(t, b, map[string]any{"n": 1})

	stop := start(t, w)
	waitFor(t, "drop", func() bool {
		led.mu.Lock()
		defer led.mu.Unlock()
		return len(led.statuses) == 1
	})
	_ = stop()

	if led.statuses[0] != domain.Dropped {
		t.Errorf("status = %s", led.statuses[0])
	}
	if n, _ := b.Len(context.Background(), "jobs:dlq"); n != 0 {
		t.Errorf("dlq length = %d", n)
	}
	if p := pending(t, b); p != 0 {
		t.Errorf("pending = %d", p)
	}
}

func TestClaimAfterCrash(t *testing.T) {
	b := membus.New()
	ctx := context.Background()
	if err := b.EnsureGroup(ctx, "jobs", "workers", true); err != nil {
		t.Fatal(err)
	}
	enqueue(t, b, map[string]any{"id4": true})

	crashed, err := b.Fetch(ctx, "jobs", "workers", "consumer-a", 1, nil)
	if err != nil || len(crashed) != 1 {
		t.Fatalf("consumer a fetch = %d, %v", len(crashed), err)
	}

	rec := newCounters()
	cfg := testConfig()
	cfg.ConsumerID = "consumer-b"
	cfg.ClaimTimeout = 50 * time.Millisecond
	w := New(b, Func("ok", func(context.Context, *domain.Job) error { return nil }), cfg, WithMetrics(rec))

	stop := start(t, w)
	waitFor(t, "claimed success", func() bool { return rec.get(func(c *counters) int { return c.processed }) == 1 })
	_ = stop()

	if err := b.Ack(ctx, crashed[0].Delivery); !errors.Is(err, bus.ErrStale) {
		t.Fatalf("late ack from consumer a err = %v, want ErrStale", err)
	}
	if rec.processed != 1 {
		t.Errorf("processed = %d, want exactly one", rec.processed)
	}
	if p := pending(t, b); p != 0 {
		t.Errorf("pending = %d", p)
	}
}

func TestLongJobIsNotReclaimedByItsOwnWorker(t *testing.T) {
	b := membus.New()
	rec := newCounters()
	var mu sync.Mutex
	calls, running, peak := 0, 0, 0
	proc := Func("slow", func(context.Context, *domain.Job) error {
		mu.Lock()
		calls++
		running++
		peak = max(peak, running)
		mu.Unlock()
		time.Sleep(400 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	})
	cfg := testConfig()
	cfg.ClaimTimeout = 100 * time.Millisecond
	w := New(b, proc, cfg, WithMetrics(rec))
	enqueue(t, b, map[string]any{"long": true})

	stop := start(t, w)
	waitFor(t, "success", func() bool { return rec.get(func(c *counters) int { return c.processed }) == 1 })
	time.Sleep(300 * time.Millisecond)
	_ = stop()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 || peak != 1 {
		t.Errorf("process calls = %d, peak concurrency = %d, want 1 and 1", calls, peak)
	}
	if got := rec.get(func(c *counters) int { return c.processed }); got != 1 {
		t.Errorf("processed = %d, want 1", got)
	}
	if p := pending(t, b); p != 0 {
		t.Errorf("pending = %d", p)
	}
}

func TestDispatchAdoptsReclaimedDelivery(t *testing.T) {
	b := membus.New()
	w := New(b, Func("p", func(context.Context, *domain.Job) error { return nil }), testConfig())
	job, _ := domain.NewJob(map[string]any{"n": 1})
	running := &tracked{d: bus.Delivery{Stream: "jobs", Group: "workers", Ref: "1/1"}}
	w.running.Store("1", running)

	w.dispatch(context.Background(), bus.Message{
		Job:      job,
		ID:       "1",
		Delivery: bus.Delivery{Stream: "jobs", Group: "workers", Ref: "1/2"},
	})
	if got := running.get().Ref; got != "1/2" {
		t.Errorf("delivery ref = %s, want the reclaimed one", got)
	}
	if n := w.inFlight.Load(); n != 0 {
		t.Errorf("in flight = %d, a second run was started", n)
	}
}

func TestShutdownDrainsInFlight(t *testing.T) {
	b := membus.New()
	rec := newCounters()
	started := make(chan struct{}, 10)
	release := make(chan struct{})
	proc := Func("slow", func(context.Context, *domain.Job) error {
		started <- struct{}{}
		<-release
		return nil
	})
	cfg := testConfig()
	cfg.MaxConcurrentJobs = 10
	w := New(b, proc, cfg, WithMetrics(rec))
	for i := range 10 {
		enqueue(t, b, map[string]any{"i": i})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for range 10 {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("jobs did not start")
		}
	}
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned with jobs in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after drain")
	}

	if rec.processed != 10 {
		t.Errorf("processed = %d, want 10", rec.processed)
	}
	if p := pending(t, b); p != 0 {
		t.Errorf("pending = %d", p)
	}
	again, err := b.Fetch(context.Background(), "jobs", "workers", "c-1", 10, nil)
	if err != nil || len(again) != 0 {
		t.Errorf("restart saw %d deliveries, %v", len(again), err)
	}
}

func TestShutdownDeadlineReturns(t *testing.T) {
	b := membus.New()
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{}, 1)
	proc := Func("stuck", func(context.Context, *domain.Job) error {
		started <- struct{}{}
		<-release
		return nil
	})
	cfg := testConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	w := New(b, proc, cfg)
	enqueue(t, b, map[string]any{"n": 1})

	stop := start(t, w)
	<-started
	begin := time.Now()
	if err := stop(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Errorf("shutdown took %v", elapsed)
	}
}

type faultyBus struct {
	*membus.Bus

	mu        sync.Mutex
	fetchErrs []error
	dlqDown   bool
	naks      []time.Duration
	terms     int
}

func (f *faultyBus) Fetch(ctx context.Context, stream, group, consumer string, batch int, block *time.Duration) ([]bus.Message, error) {
	f.mu.Lock()
	if len(f.fetchErrs) > 0 {
		err := f.fetchErrs[0]
		f.fetchErrs = f.fetchErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	return f.Bus.Fetch(ctx, stream, group, consumer, batch, block)
}

func (f *faultyBus) Append(ctx context.Context, stream string, payload []byte) (string, error) {
	if f.dlqDown && strings.HasSuffix(stream, ":dlq") {
		return "", errors.New("dlq unavailable")
	}
	return f.Bus.Append(ctx, stream, payload)
}

func (f *faultyBus) Nak(ctx context.Context, d bus.Delivery, delay time.Duration) error {
	f.mu.Lock()
	f.naks = append(f.naks, delay)
	f.mu.Unlock()
	return f.Bus.Nak(ctx, d, delay)
}

func (f *faultyBus) Term(ctx context.Context, d bus.Delivery) error {
	f.mu.Lock()
	f.terms++
	f.mu.Unlock()
	return f.Bus.Term(ctx, d)
}

func TestFatalFetchErrorStopsRun(t *testing.T) {
	fb := &faultyBus{Bus: membus.New(), fetchErrs: []error{bus.Fatal(errors.New("NOAUTH"))}}
	w := New(fb, Func("p", func(context.Context, *domain.Job) error { return nil }), testConfig())
	err := w.Run(context.Background())
	if !bus.IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
}

func TestTransientFetchErrorRecovers(t *testing.T) {
	old := busErrorPause
	busErrorPause = 10 * time.Millisecond
	t.Cleanup(func() { busErrorPause = old })

	fb := &faultyBus{Bus: membus.New(), fetchErrs: []error{errors.New("i/o timeout"), errors.New("i/o timeout")}}
	rec := newCounters()
	w := New(fb, Func("p", func(context.Context, *domain.Job) error { return nil }), testConfig(), WithMetrics(rec))
	enqueue(t, fb, map[string]any{"n": 1})

	stop := start(t, w)
	waitFor(t, "success", func() bool { return rec.get(func(c *counters) int { return c.processed }) == 1 })
	if err := stop(); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestDLQWriteFailureNaksThenDrops(t *testing.T) {
	fb := &faultyBus{Bus: membus.New(), dlqDown: true}
	led := &ledger{}
	w := New(fb, Func("strict", func(context.Context, *domain.Job) error { return domain.Permanent("x") }), testConfig(), WithLedger(led))
	ctx := context.Background()
	if err := w.setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	enqueue(t, fb, map[string]any{"n": 1})
	msgs, err := fb.Bus.Fetch(ctx, "jobs", "workers", "c-1", 1, nil)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("fetch = %d, %v", len(msgs), err)
	}

	w.handle(ctx, msgs[0], &tracked{d: msgs[0].Delivery})
	if len(fb.naks) != 1 || fb.terms != 0 {
		t.Fatalf("first failure: naks = %v terms = %d", fb.naks, fb.terms)
	}
	if fb.naks[0] != 20*time.Millisecond {
		t.Errorf("dlq retry delay = %v, want transient backoff", fb.naks[0])
	}

	exhausted := msgs[0]
	exhausted.DeliveryCount = 1 + dlqWriteAttempts
	w.handle(ctx, exhausted, &tracked{d: exhausted.Delivery})
	if fb.terms != 1 {
		t.Fatalf("terms = %d, want drop after repeated dlq failures", fb.terms)
	}
	if len(led.statuses) != 1 || led.statuses[0] != domain.Dropped {
		t.Errorf("ledger = %v", led.statuses)
	}
}

func TestAttemptIndex(t *testing.T) {
	j := &domain.Job{RetryCount: 2}
	tests := []struct {
		delivered uint64
		want      int
	}{
		{0, 2},
		{1, 2},
		{3, 4},
	}
	for _, tt := range tests {
		if got := attempt(bus.Message{Job: j, DeliveryCount: tt.delivered}); got != tt.want {
			t.Errorf("attempt(delivery %d) = %d, want %d", tt.delivered, got, tt.want)
		}
	}
}

type unhealthy struct{ Processor }

func (unhealthy) HealthCheck(context.Context) (bool, error) { return false, nil }

func TestReadyAndStreamInfo(t *testing.T) {
	b := membus.New()
	ctx := context.Background()
	p := Func("p", func(context.Context, *domain.Job) error { return nil })
	w := New(b, p, testConfig())
	if err := w.setup(ctx); err != nil {
		t.Fatal(err)
	}
	if err := w.Ready(ctx); err != nil {
		t.Errorf("ready: %v", err)
	}
	if err := New(b, unhealthy{p}, testConfig()).Ready(ctx); err == nil {
		t.Error("unhealthy processor reported ready")
	}

	enqueue(t, b, map[string]any{"n": 1})
	enqueue(t, b, map[string]any{"n": 2})
	if _, err := b.Fetch(ctx, "jobs", "workers", "x", 1, nil); err != nil {
		t.Fatal(err)
	}
	info, err := w.StreamInfo(ctx)
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}
	if info.Stream != "jobs" || info.Group != "workers" || info.Length != 2 || info.Pending != 1 {
		t.Errorf("info = %+v", info)
	}

	_ = b.Close()
	if err := w.Ready(ctx); err == nil {
		t.Error("closed bus reported ready")
	}
}
