package resilience

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a non-blocking token bucket: capacity tokens, refilled at
// perSecond tokens per second.
type RateLimiter struct {
	name      string
	perSecond float64
	lim       *rate.Limiter
	now       func() time.Time
}

type LimiterOption func(*RateLimiter)

func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *RateLimiter) { l.now = now }
}

// NewRateLimiter returns a full bucket.
func NewRateLimiter(name string, capacity int, perSecond float64, opts ...LimiterOption) *RateLimiter {
	if capacity < 1 {
		capacity = 1
	}
	l := &RateLimiter{
		name:      name,
		perSecond: perSecond,
		lim:       rate.NewLimiter(rate.Limit(perSecond), capacity),
		now:       time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *RateLimiter) Name() string { return l.name }

// TryAcquire takes one token if available.
func (l *RateLimiter) TryAcquire() bool {
	return l.lim.AllowN(l.now(), 1)
}

// Tokens is the number of tokens currently in the bucket.
func (l *RateLimiter) Tokens() float64 {
	return l.lim.TokensAt(l.now())
}

// RetryAfter is the refill time of one token.
func (l *RateLimiter) RetryAfter() time.Duration {
	if l.perSecond <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / l.perSecond)
}
