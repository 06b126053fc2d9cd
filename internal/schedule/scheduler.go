// Package schedule produces jobs on cron schedules. Only the process that
// holds leadership sends; the others keep their schedules advancing so a
// new leader does not fire a backlog.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/internal/bus"
	"github.com/SirClappington/enqworker/internal/producer"
)

// Entry sends Payload to Stream whenever Spec fires.
type Entry struct {
	Spec    string          `json:"spec"`
	Stream  string          `json:"stream"`
	Payload json.RawMessage `json:"payload"`
}

// Leader reports whether this process may fire schedules.
type Leader interface {
	IsLeader(ctx context.Context) bool
}

type alwaysLeader struct{}

func (alwaysLeader) IsLeader(context.Context) bool { return true }

// parser accepts 5-field cron expressions and descriptors like "@every 30s".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseEntries decodes a JSON array of entries and validates each spec.
func ParseEntries(raw string) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("schedule: decode entries: %w", err)
	}
	for i, e := range entries {
		if e.Stream == "" {
			return nil, fmt.Errorf("schedule: entry %d: stream is required", i)
		}
		if _, err := parser.Parse(e.Spec); err != nil {
			return nil, fmt.Errorf("schedule: entry %d: %w", i, err)
		}
	}
	return entries, nil
}

type scheduled struct {
	Entry
	sched cronlib.Schedule
	next  time.Time
}

type Scheduler struct {
	backend bus.Producer
	leader  Leader
	tick    time.Duration
	now     func() time.Time
	logger  *zap.Logger

	mu        sync.Mutex
	entries   []*scheduled
	producers map[string]*producer.Producer
}

type Option func(*Scheduler)

func WithLeader(l Leader) Option { return func(s *Scheduler) { s.leader = l } }

func WithTick(d time.Duration) Option { return func(s *Scheduler) { s.tick = d } }

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.logger = l } }

func New(backend bus.Producer, entries []Entry, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		backend:   backend,
		leader:    alwaysLeader{},
		tick:      time.Second,
		now:       time.Now,
		logger:    zap.NewNop(),
		producers: make(map[string]*producer.Producer),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With(zap.String("component", "scheduler"))

	start := s.now()
	for i, e := range entries {
		sched, err := parser.Parse(e.Spec)
		if err != nil {
			return nil, fmt.Errorf("schedule: entry %d: %w", i, err)
		}
		s.entries = append(s.entries, &scheduled{Entry: e, sched: sched, next: sched.Next(start)})
		if _, ok := s.producers[e.Stream]; !ok {
			s.producers[e.Stream] = producer.New(backend, e.Stream, producer.WithLogger(s.logger))
		}
	}
	return s, nil
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", zap.Int("entries", len(s.entries)), zap.Duration("tick", s.tick))
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due entry once and returns how many jobs were sent.
func (s *Scheduler) Tick(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*scheduled
	for _, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, e)
			e.next = e.sched.Next(now)
		}
	}
	if len(due) == 0 || !s.leader.IsLeader(ctx) {
		return 0
	}

	sent := 0
	for _, e := range due {
		job, id, err := s.producers[e.Stream].SendPayload(ctx, e.Payload)
		if err != nil {
			s.logger.Error("scheduled send failed",
				zap.String("spec", e.Spec),
				zap.String("stream", e.Stream),
				zap.Error(err),
			)
			continue
		}
		sent++
		s.logger.Debug("scheduled job sent",
			zap.String("spec", e.Spec),
			zap.String("stream", e.Stream),
			zap.Stringer("job_id", job.ID),
			zap.String("record_id", id),
		)
	}
	return sent
}
