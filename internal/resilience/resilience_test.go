package resilience

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/SirClappington/enqworker/internal/domain"
	"github.com/SirClappington/enqworker/internal/worker"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clk := newClock()
	cb := NewCircuitBreaker(BreakerConfig{Name: "db", FailureThreshold: 3, RecoveryTimeout: 10 * time.Second, SuccessThreshold: 1}, WithBreakerClock(clk.Now))

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		if !cb.Allow() {
			t.Fatalf("refused after %d failures", i+1)
		}
	}
	cb.RecordFailure()
	if cb.State() != Open || cb.Allow() {
		t.Fatalf("state = %v, want open and refusing", cb.State())
	}

	clk.Advance(9 * time.Second)
	if cb.Allow() {
		t.Fatal("allowed before recovery timeout")
	}
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Second})
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	if cb.State() != Closed {
		t.Fatalf("state = %v, non-consecutive failures opened the circuit", cb.State())
	}
}

func TestBreakerSingleProbe(t *testing.T) {
	clk := newClock()
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 2}, WithBreakerClock(clk.Now))
	cb.RecordFailure()
	clk.Advance(time.Second)

	if !cb.Allow() {
		t.Fatal("probe refused after recovery timeout")
	}
	if cb.State() != HalfOpen {
		t.Fatalf("state = %v, want half_open", cb.State())
	}
	if cb.Allow() {
		t.Fatal("second concurrent probe admitted")
	}

	cb.RecordSuccess()
	if cb.State() != HalfOpen {
		t.Fatalf("closed after 1 of 2 successes")
	}
	if !cb.Allow() {
		t.Fatal("next probe refused after a success")
	}
	cb.RecordSuccess()
	if cb.State() != Closed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	for i := 0; i < 5; i++ {
		if !cb.Allow() {
			t.Fatal("closed circuit refused a call")
		}
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	clk := newClock()
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second}, WithBreakerClock(clk.Now))
	cb.RecordFailure()
	clk.Advance(time.Second)
	if !cb.Allow() {
		t.Fatal("probe refused")
	}
	cb.RecordFailure()
	if cb.State() != Open || cb.Allow() {
		t.Fatalf("state = %v after failed probe", cb.State())
	}
	clk.Advance(time.Second)
	if !cb.Allow() {
		t.Fatal("no probe after second recovery window")
	}
}

func TestLimiterBurstThenRefill(t *testing.T) {
	clk := newClock()
	rl := NewRateLimiter("api", 3, 10, WithLimiterClock(clk.Now))

	for i := 0; i < 3; i++ {
		if !rl.TryAcquire() {
			t.Fatalf("token %d refused from a full bucket", i)
		}
	}
	if rl.TryAcquire() {
		t.Fatal("acquired from an empty bucket")
	}
	if got := rl.RetryAfter(); got != 100*time.Millisecond {
		t.Errorf("retry after = %v", got)
	}

	clk.Advance(100 * time.Millisecond)
	if !rl.TryAcquire() {
		t.Fatal("token not refilled after one interval")
	}
	clk.Advance(time.Hour)
	if tokens := rl.Tokens(); tokens > 3 {
		t.Errorf("tokens = %v, exceeds capacity", tokens)
	}
}

func TestLimiterAcceptanceBound(t *testing.T) {
	const (
		capacity = 5
		perSec   = 20.0
	)
	clk := newClock()
	rl := NewRateLimiter("bound", capacity, perSec, WithLimiterClock(clk.Now))

	accepted := 0
	step := 7 * time.Millisecond
	for elapsed := time.Duration(0); elapsed <= 2*time.Second; elapsed += step {
		for i := 0; i < 4; i++ {
			if rl.TryAcquire() {
				accepted++
			}
		}
		bound := capacity + int(math.Floor(perSec*elapsed.Seconds()+1e-9))
		if accepted > bound {
			t.Fatalf("accepted %d within %v, bound %d", accepted, elapsed, bound)
		}
		clk.Advance(step)
	}
}

type observed struct {
	mu       sync.Mutex
	breakers []State
	tokens   []float64
}

func (o *observed) ObserveBreaker(_ string, s State) {
	o.mu.Lock()
	o.breakers = append(o.breakers, s)
	o.mu.Unlock()
}

func (o *observed) ObserveLimiter(_ string, tokens float64) {
	o.mu.Lock()
	o.tokens = append(o.tokens, tokens)
	o.mu.Unlock()
}

func run(mw worker.Middleware, err error) error {
	return mw(context.Background(), &domain.Job{}, func(context.Context) error { return err })
}

func TestGuardLimiterRefusalIsRateLimited(t *testing.T) {
	clk := newClock()
	obs := &observed{}
	mw := Guard(nil, NewRateLimiter("api", 1, 4, WithLimiterClock(clk.Now)), obs)

	if err := run(mw, nil); err != nil {
		t.Fatalf("first call: %v", err)
	}
	err := run(mw, nil)
	if domain.KindOf(err) != domain.KindRateLimited {
		t.Fatalf("kind = %v, want rate_limited", domain.KindOf(err))
	}
	if hint, ok := domain.RetryAfterOf(err); !ok || hint != 250*time.Millisecond {
		t.Errorf("hint = %v, %v", hint, ok)
	}
	if len(obs.tokens) != 2 {
		t.Errorf("limiter observations = %d", len(obs.tokens))
	}
}

func TestGuardOpenCircuitIsTransient(t *testing.T) {
	clk := newClock()
	cb := NewCircuitBreaker(BreakerConfig{Name: "db", FailureThreshold: 2, RecoveryTimeout: time.Minute}, WithBreakerClock(clk.Now))
	obs := &observed{}
	mw := Guard(cb, nil, obs)

	down := domain.Transient("connection refused")
	_ = run(mw, down)
	_ = run(mw, down)

	called := false
	err := mw(context.Background(), &domain.Job{}, func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Fatal("processor called through an open circuit")
	}
	if domain.KindOf(err) != domain.KindTransient || err.Error() == "" {
		t.Fatalf("err = %v", err)
	}
	if last := obs.breakers[len(obs.breakers)-1]; last != Open {
		t.Errorf("last observed state = %v", last)
	}
}

func TestGuardPermanentDoesNotTrip(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	mw := Guard(cb, nil, nil)
	for i := 0; i < 3; i++ {
		_ = run(mw, domain.Permanent("bad input"))
	}
	if cb.State() != Closed {
		t.Fatalf("state = %v after permanent failures", cb.State())
	}
	_ = run(mw, errors.New("plain error"))
	if cb.State() != Open {
		t.Fatalf("state = %v, unclassified error should count", cb.State())
	}
}

func TestGuardPanicRecordsFailure(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	mw := Guard(cb, nil, nil)

	defer func() {
		if recover() == nil {
			t.Fatal("panic swallowed")
		}
		if cb.State() != Open {
			t.Errorf("state = %v after panic", cb.State())
		}
	}()
	_ = mw(context.Background(), &domain.Job{}, func(context.Context) error { panic("boom") })
}
