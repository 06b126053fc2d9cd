// Package retry holds the backoff schedules and the per-kind retry budget
// the worker consults after a failed attempt. Strategies are stateless and
// safe for concurrent use.
package retry

import (
	"fmt"
	"strings"
	"time"
)

// Strategy computes the delay before the retry that follows attempt n.
// n is zero-based: n=0 is the delay after the first failure.
type Strategy interface {
	Delay(n int) time.Duration
}

// Exponential doubles the delay each attempt: min(Base * 2^n, Max).
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

func NewExponential(base, maxDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Max: maxDelay}
}

func (e *Exponential) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := e.Base
	for range n {
		if e.Max > 0 && d >= e.Max {
			return e.Max
		}
		if d > time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// Linear grows the delay by Base each attempt: min(Base * (n+1), Max).
type Linear struct {
	Base time.Duration
	Max  time.Duration
}

func NewLinear(base, maxDelay time.Duration) *Linear {
	return &Linear{Base: base, Max: maxDelay}
}

func (l *Linear) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := l.Base * time.Duration(n+1)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// Fixed always waits Interval.
type Fixed struct {
	Interval time.Duration
}

func NewFixed(interval time.Duration) *Fixed {
	return &Fixed{Interval: interval}
}

func (f *Fixed) Delay(_ int) time.Duration { return f.Interval }

// Schedule names a backoff shape.
type Schedule string

const (
	ScheduleExponential Schedule = "exponential"
	ScheduleLinear      Schedule = "linear"
	ScheduleFixed       Schedule = "fixed"
)

func ParseSchedule(s string) (Schedule, error) {
	switch Schedule(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScheduleExponential:
		return ScheduleExponential, nil
	case ScheduleLinear:
		return ScheduleLinear, nil
	case ScheduleFixed:
		return ScheduleFixed, nil
	default:
		return "", fmt.Errorf("retry: unknown backoff schedule %q", s)
	}
}

// Build returns the strategy of this shape for the given bounds. Fixed
// uses base as its interval.
func (s Schedule) Build(base, maxDelay time.Duration) Strategy {
	switch s {
	case ScheduleLinear:
		return NewLinear(base, maxDelay)
	case ScheduleFixed:
		return NewFixed(base)
	default:
		return NewExponential(base, maxDelay)
	}
}
