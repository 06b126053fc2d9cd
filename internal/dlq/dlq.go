// Package dlq manages the dead-letter stream that sits beside a source
// stream. Entries are append-only; reprocessing appends the original job
// bytes back to the source and only then deletes the entry, so a failure in
// between leaves a duplicate rather than a loss.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/internal/bus"
)

// Entry is a terminally failed job as stored on the DLQ stream.
type Entry struct {
	// DLQID is the entry's record id on the DLQ stream. It is assigned by
	// the bus and filled in on read.
	DLQID string `json:"dlq_id,omitempty"`
	// Stream is the source stream the job came from.
	Stream           string          `json:"stream,omitempty"`
	OriginalSequence uint64          `json:"original_sequence"`
	Job              json.RawMessage `json:"job"`
	Error            string          `json:"error"`
	Consumer         string          `json:"consumer"`
	MovedAt          time.Time       `json:"moved_at"`
}

// JobBytes returns the job exactly as it was read from the source stream.
func (e *Entry) JobBytes() []byte {
	if len(e.Job) > 0 && e.Job[0] == '"' {
		var s string
		if err := json.Unmarshal(e.Job, &s); err == nil {
			return []byte(s)
		}
	}
	return e.Job
}

type Stats struct {
	Length   int64  `json:"length"`
	OldestID string `json:"oldest_id"`
	NewestID string `json:"newest_id"`
}

type Option func(*Manager)

func WithStreamConfig(cfg bus.StreamConfig) Option {
	return func(m *Manager) { m.cfg = cfg }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type Manager struct {
	backend bus.Backend
	source  string
	stream  string
	cfg     bus.StreamConfig
	logger  *zap.Logger
	now     func() time.Time
}

func New(backend bus.Backend, source, stream string, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		source:  source,
		stream:  stream,
		cfg:     bus.DefaultDLQStreamConfig(),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Stream() string { return m.stream }
func (m *Manager) Source() string { return m.source }

// EnsureStream creates the DLQ stream. Retention is never shorter than the
// 30 day default.
func (m *Manager) EnsureStream(ctx context.Context) error {
	cfg := m.cfg
	if cfg.Retention < bus.DefaultDLQRetention {
		cfg.Retention = bus.DefaultDLQRetention
	}
	if err := m.backend.EnsureStream(ctx, m.stream, cfg); err != nil {
		return fmt.Errorf("dlq: ensure stream %s: %w", m.stream, err)
	}
	return nil
}

// Push appends a failed job and returns its DLQ id.
func (m *Manager) Push(ctx context.Context, job []byte, originalSeq uint64, errMsg, consumer string) (string, error) {
	e := Entry{
		Stream:           m.source,
		OriginalSequence: originalSeq,
		Job:              job,
		Error:            errMsg,
		Consumer:         consumer,
		MovedAt:          m.now().UTC(),
	}
	if !json.Valid(job) {
		quoted, err := json.Marshal(string(job))
		if err != nil {
			return "", err
		}
		e.Job = quoted
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("dlq: encode entry: %w", err)
	}
	id, err := m.backend.Append(ctx, m.stream, raw)
	if err != nil {
		return "", fmt.Errorf("dlq: push: %w", err)
	}
	return id, nil
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	n, err := m.backend.Len(ctx, m.stream)
	if err != nil {
		return Stats{}, fmt.Errorf("dlq: stats: %w", err)
	}
	st := Stats{Length: n}
	if n == 0 {
		return st, nil
	}
	st.OldestID, st.NewestID, err = m.backend.Bounds(ctx, m.stream)
	if err != nil {
		return Stats{}, fmt.Errorf("dlq: stats: %w", err)
	}
	return st, nil
}

// List returns up to count entries older than cursor, newest first, and the
// cursor for the next page. The next cursor is empty on the last page.
func (m *Manager) List(ctx context.Context, count int, cursor string) ([]Entry, string, error) {
	if count <= 0 {
		count = 10
	}
	recs, err := m.backend.Range(ctx, m.stream, cursor, count)
	if err != nil {
		return nil, "", fmt.Errorf("dlq: list: %w", err)
	}
	out := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		e, err := decode(rec)
		if err != nil {
			m.logger.Warn("skipping undecodable dlq entry",
				zap.String("stream", m.stream),
				zap.String("dlq_id", rec.ID),
				zap.Error(err),
			)
			continue
		}
		out = append(out, e)
	}
	next := ""
	if len(recs) == count {
		next = recs[len(recs)-1].ID
	}
	return out, next, nil
}

// Get returns the entry, or an error wrapping bus.ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*Entry, error) {
	rec, err := m.backend.Get(ctx, m.stream, id)
	if err != nil {
		return nil, fmt.Errorf("dlq: get %s: %w", id, err)
	}
	e, err := decode(*rec)
	if err != nil {
		return nil, fmt.Errorf("dlq: get %s: %w", id, err)
	}
	return &e, nil
}

func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := m.backend.Delete(ctx, m.stream, id)
	if err != nil {
		return false, fmt.Errorf("dlq: delete %s: %w", id, err)
	}
	return ok, nil
}

func (m *Manager) Purge(ctx context.Context) (int64, error) {
	n, err := m.backend.Purge(ctx, m.stream)
	if err != nil {
		return 0, fmt.Errorf("dlq: purge: %w", err)
	}
	return n, nil
}

// Reprocess appends the entry's job bytes to its source stream, deletes the
// entry, and returns the new source record id.
func (m *Manager) Reprocess(ctx context.Context, id string) (string, error) {
	e, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	target := e.Stream
	if target == "" {
		target = m.source
	}
	newID, err := m.backend.Append(ctx, target, e.JobBytes())
	if err != nil {
		return "", fmt.Errorf("dlq: reprocess %s: %w", id, err)
	}
	if _, err := m.backend.Delete(ctx, m.stream, id); err != nil {
		m.logger.Warn("reprocessed entry not removed from dlq",
			zap.String("dlq_id", id),
			zap.String("new_id", newID),
			zap.Error(err),
		)
	}
	m.logger.Info("dlq entry reprocessed",
		zap.String("dlq_id", id),
		zap.String("stream", target),
		zap.String("new_id", newID),
	)
	return newID, nil
}

func decode(rec bus.Record) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(rec.Payload, &e); err != nil {
		return Entry{}, err
	}
	e.DLQID = rec.ID
	return e, nil
}
