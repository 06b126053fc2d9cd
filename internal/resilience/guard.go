package resilience

import (
	"context"

	"github.com/SirClappington/enqworker/internal/domain"
	"github.com/SirClappington/enqworker/internal/worker"
)

// Observer receives guard state after every call.
type Observer interface {
	ObserveBreaker(name string, state State)
	ObserveLimiter(name string, tokens float64)
}

type nopObserver struct{}

func (nopObserver) ObserveBreaker(string, State) {}
func (nopObserver) ObserveLimiter(string, float64) {}

// Guard returns worker middleware that applies rl and then cb. Either may
// be nil. A refused token fails the attempt as rate limited with a retry
// hint of one refill interval; an open circuit fails it as transient.
// Permanent errors do not count against the breaker.
func Guard(cb *CircuitBreaker, rl *RateLimiter, obs Observer) worker.Middleware {
	if obs == nil {
		obs = nopObserver{}
	}
	return func(ctx context.Context, _ *domain.Job, next worker.Handler) (err error) {
		if rl != nil {
			ok := rl.TryAcquire()
			obs.ObserveLimiter(rl.Name(), rl.Tokens())
			if !ok {
				return domain.RateLimited("rate limiter "+rl.Name()+" exhausted", rl.RetryAfter())
			}
		}
		if cb == nil {
			return next(ctx)
		}

		allowed := cb.Allow()
		obs.ObserveBreaker(cb.Name(), cb.State())
		if !allowed {
			return domain.Transientf("circuit %s open", cb.Name())
		}
		defer func() {
			if r := recover(); r != nil {
				cb.RecordFailure()
				obs.ObserveBreaker(cb.Name(), cb.State())
				panic(r)
			}
		}()

		err = next(ctx)
		if err != nil && domain.KindOf(err) != domain.KindPermanent {
			cb.RecordFailure()
		} else {
			cb.RecordSuccess()
		}
		obs.ObserveBreaker(cb.Name(), cb.State())
		return err
	}
}
