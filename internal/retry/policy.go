package retry

import (
	"time"

	"github.com/SirClappington/enqworker/internal/domain"
)

// Rule is the retry budget and schedule for one error kind.
type Rule struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
	Strategy   Strategy
}

// Default rules per error kind.
var (
	TransientRule   = Rule{MaxRetries: 3, Base: time.Second, Max: 30 * time.Second}
	RateLimitedRule = Rule{MaxRetries: 5, Base: 5 * time.Second, Max: 120 * time.Second}
	PermanentRule   = Rule{MaxRetries: 0}
)

// Decision is what the worker should do with a failed delivery.
type Decision struct {
	Kind  domain.ErrorKind
	Retry bool
	Delay time.Duration
}

// Policy maps error kinds to rules.
type Policy struct {
	rules map[domain.ErrorKind]Rule
}

// DefaultPolicy returns the exponential policy with the stock budgets.
func DefaultPolicy() *Policy {
	return NewPolicy(ScheduleExponential, -1)
}

// NewPolicy builds the stock table with the given schedule shape. A
// non-negative maxRetries caps the transient budget; the table value is an
// upper bound that configuration cannot raise. The rate limited budget
// always comes from the table.
func NewPolicy(schedule Schedule, maxRetries int) *Policy {
	p := &Policy{rules: make(map[domain.ErrorKind]Rule, 3)}
	for kind, r := range map[domain.ErrorKind]Rule{
		domain.KindTransient:   TransientRule,
		domain.KindRateLimited: RateLimitedRule,
		domain.KindPermanent:   PermanentRule,
	} {
		if kind == domain.KindTransient && maxRetries >= 0 && maxRetries < r.MaxRetries {
			r.MaxRetries = maxRetries
		}
		if r.MaxRetries > 0 {
			r.Strategy = schedule.Build(r.Base, r.Max)
		}
		p.rules[kind] = r
	}
	return p
}

// With returns a copy of the policy with kind's rule replaced. A nil
// Strategy is derived from Base and Max as exponential.
func (p *Policy) With(kind domain.ErrorKind, r Rule) *Policy {
	next := &Policy{rules: make(map[domain.ErrorKind]Rule, len(p.rules)+1)}
	for k, v := range p.rules {
		next.rules[k] = v
	}
	if r.Strategy == nil {
		r.Strategy = NewExponential(r.Base, r.Max)
	}
	next.rules[kind] = r
	return next
}

// Budget is the number of retries allowed for kind.
func (p *Policy) Budget(kind domain.ErrorKind) int {
	return p.rules[kind].MaxRetries
}

// Backoff is the scheduled delay after attempt n for kind, ignoring hints.
func (p *Policy) Backoff(kind domain.ErrorKind, n int) time.Duration {
	r := p.rules[kind]
	if r.Strategy == nil {
		return 0
	}
	return r.Strategy.Delay(n)
}

// Decide classifies err and returns the action for a delivery whose
// zero-based attempt index is attempt.
func (p *Policy) Decide(err error, attempt int) Decision {
	kind := domain.KindOf(err)
	d := Decision{Kind: kind}
	if kind == domain.KindPermanent || attempt >= p.Budget(kind) {
		return d
	}
	d.Retry = true
	d.Delay = p.Backoff(kind, attempt)
	if hint, ok := domain.RetryAfterOf(err); ok {
		d.Delay = hint
	}
	return d
}
