// Package membus is an in-process bus backend with the same consumer-group
// semantics as the Redis and JetStream backends. It backs the engine's tests
// and single-process local runs; nothing survives a restart.
package membus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/internal/bus"
)

var _ bus.Backend = (*Bus)(nil)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("membus: closed")

// pollStep bounds how long a blocking fetch sleeps before re-checking
// parked deliveries.
const pollStep = 10 * time.Millisecond

type Option func(*Bus)

// WithClock replaces time.Now for idle and delay bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

type Bus struct {
	mu      sync.Mutex
	streams map[string]*stream
	changed chan struct{}
	closed  bool

	now    func() time.Time
	logger *zap.Logger
}

type entry struct {
	seq     uint64
	payload []byte
}

type stream struct {
	cfg     bus.StreamConfig
	entries []entry
	lastSeq uint64
	groups  map[string]*group
}

type group struct {
	lastDelivered uint64
	pending       map[uint64]*delivery
}

type delivery struct {
	seq         uint64
	consumer    string
	deliveredAt time.Time
	count       uint64
	parked      bool
	parkedUntil time.Time
}

func New(opts ...Option) *Bus {
	b := &Bus{
		streams: make(map[string]*stream),
		changed: make(chan struct{}),
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Bus) Ping(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.notifyLocked()
	}
	return nil
}

func (b *Bus) EnsureStream(_ context.Context, name string, cfg bus.StreamConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	s := b.streamLocked(name)
	s.cfg = cfg
	s.trim()
	return nil
}

func (b *Bus) EnsureGroup(_ context.Context, streamName, groupName string, fromStart bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	s := b.streamLocked(streamName)
	if _, ok := s.groups[groupName]; ok {
		return nil
	}
	g := &group{pending: make(map[uint64]*delivery)}
	if !fromStart {
		g.lastDelivered = s.lastSeq
	}
	s.groups[groupName] = g
	return nil
}

func (b *Bus) Append(_ context.Context, streamName string, payload []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}
	s := b.streamLocked(streamName)
	s.lastSeq++
	s.entries = append(s.entries, entry{seq: s.lastSeq, payload: append([]byte(nil), payload...)})
	s.trim()
	b.notifyLocked()
	return formatID(s.lastSeq), nil
}

func (b *Bus) Fetch(ctx context.Context, streamName, groupName, consumer string, batch int, block *time.Duration) ([]bus.Message, error) {
	var deadline time.Time
	if block != nil && *block > 0 {
		deadline = time.Now().Add(*block)
	}
	for {
		b.mu.Lock()
		msgs, err := b.takeLocked(streamName, groupName, consumer, batch)
		wait := b.changed
		b.mu.Unlock()

		if err != nil || len(msgs) > 0 || deadline.IsZero() {
			return msgs, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(min(remaining, pollStep))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wait:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (b *Bus) takeLocked(streamName, groupName, consumer string, batch int) ([]bus.Message, error) {
	if b.closed {
		return nil, ErrClosed
	}
	s, g, err := b.groupLocked(streamName, groupName)
	if err != nil {
		return nil, err
	}
	now := b.now()
	var out []bus.Message

	// Parked naks that are due come back first.
	for _, d := range g.sortedPending() {
		if len(out) >= batch {
			return out, nil
		}
		if !d.parked || now.Before(d.parkedUntil) {
			continue
		}
		e, ok := s.find(d.seq)
		if !ok {
			delete(g.pending, d.seq)
			continue
		}
		d.parked = false
		d.consumer = consumer
		d.deliveredAt = now
		d.count++
		if msg, ok := b.message(streamName, groupName, e, d); ok {
			out = append(out, msg)
		}
	}

	start := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].seq > g.lastDelivered })
	for _, e := range s.entries[start:] {
		if len(out) >= batch {
			break
		}
		g.lastDelivered = e.seq
		d := &delivery{seq: e.seq, consumer: consumer, deliveredAt: now, count: 1}
		msg, ok := b.message(streamName, groupName, e, d)
		if !ok {
			continue
		}
		g.pending[e.seq] = d
		out = append(out, msg)
	}
	return out, nil
}

// message decodes an entry. Undecodable entries are dropped from the
// group with a warning, which is the ack-and-drop path.
func (b *Bus) message(streamName, groupName string, e entry, d *delivery) (bus.Message, bool) {
	job, err := bus.DecodeJob(e.payload)
	if err != nil {
		b.logger.Warn("dropping undecodable entry",
			zap.String("stream", streamName),
			zap.String("id", formatID(e.seq)),
			zap.Error(err),
		)
		if s, ok := b.streams[streamName]; ok {
			if g, ok := s.groups[groupName]; ok {
				delete(g.pending, e.seq)
			}
		}
		return bus.Message{}, false
	}
	return bus.Message{
		Job:            job,
		Raw:            append([]byte(nil), e.payload...),
		Delivery:       bus.Delivery{Stream: streamName, Group: groupName, Ref: formatRef(e.seq, d.count)},
		ID:             formatID(e.seq),
		StreamSequence: e.seq,
		DeliveryCount:  d.count,
	}, true
}

func (b *Bus) Ack(_ context.Context, d bus.Delivery) error {
	return b.settle(d, func(g *group, p *delivery) { delete(g.pending, p.seq) })
}

func (b *Bus) Term(_ context.Context, d bus.Delivery) error {
	return b.settle(d, func(g *group, p *delivery) { delete(g.pending, p.seq) })
}

func (b *Bus) Nak(_ context.Context, d bus.Delivery, delay time.Duration) error {
	return b.settle(d, func(_ *group, p *delivery) {
		p.parked = true
		p.parkedUntil = b.now().Add(delay)
	})
}

// Touch resets the idle clock of a live delivery. Claims bump the delivery
// count, so a ref that still matches is still owned by its consumer.
func (b *Bus) Touch(_ context.Context, _ string, d bus.Delivery) error {
	return b.settle(d, func(_ *group, p *delivery) { p.deliveredAt = b.now() })
}

// settle applies fn to the live delivery behind d. A delivery that was
// claimed away or already settled is left alone and reported as stale.
func (b *Bus) settle(d bus.Delivery, fn func(*group, *delivery)) error {
	seq, count, err := parseRef(d.Ref)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	_, g, err := b.groupLocked(d.Stream, d.Group)
	if err != nil {
		return err
	}
	p, ok := g.pending[seq]
	if !ok || p.count != count || p.parked {
		return bus.ErrStale
	}
	fn(g, p)
	b.notifyLocked()
	return nil
}

func (b *Bus) Claim(_ context.Context, streamName, groupName, consumer string, minIdle time.Duration, limit int) ([]bus.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s, g, err := b.groupLocked(streamName, groupName)
	if err != nil {
		return nil, err
	}
	now := b.now()
	var out []bus.Message
	for _, d := range g.sortedPending() {
		if len(out) >= limit {
			break
		}
		if d.parked || now.Sub(d.deliveredAt) < minIdle {
			continue
		}
		e, ok := s.find(d.seq)
		if !ok {
			delete(g.pending, d.seq)
			continue
		}
		d.consumer = consumer
		d.deliveredAt = now
		d.count++
		if msg, ok := b.message(streamName, groupName, e, d); ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (b *Bus) PendingInfo(_ context.Context, streamName, groupName string) (bus.PendingInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, g, err := b.groupLocked(streamName, groupName)
	if err != nil {
		return bus.PendingInfo{}, err
	}
	now := b.now()
	info := bus.PendingInfo{Count: int64(len(g.pending))}
	for _, d := range g.pending {
		if idle := now.Sub(d.deliveredAt); idle > info.OldestIdle {
			info.OldestIdle = idle
		}
	}
	return info, nil
}

func (b *Bus) Len(_ context.Context, streamName string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[streamName]
	if !ok {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

func (b *Bus) Range(_ context.Context, streamName, cursor string, count int) ([]bus.Record, error) {
	upper := ^uint64(0)
	if cursor != "" {
		seq, err := parseID(cursor)
		if err != nil {
			return nil, err
		}
		upper = seq
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[streamName]
	if !ok {
		return nil, nil
	}
	var out []bus.Record
	for i := len(s.entries) - 1; i >= 0 && len(out) < count; i-- {
		e := s.entries[i]
		if e.seq >= upper {
			continue
		}
		out = append(out, record(e))
	}
	return out, nil
}

func (b *Bus) Get(_ context.Context, streamName, id string) (*bus.Record, error) {
	seq, err := parseID(id)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[streamName]
	if !ok {
		return nil, bus.ErrNotFound
	}
	e, ok := s.find(seq)
	if !ok {
		return nil, bus.ErrNotFound
	}
	r := record(e)
	return &r, nil
}

func (b *Bus) Delete(_ context.Context, streamName, id string) (bool, error) {
	seq, err := parseID(id)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[streamName]
	if !ok {
		return false, nil
	}
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].seq >= seq })
	if i == len(s.entries) || s.entries[i].seq != seq {
		return false, nil
	}
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	return true, nil
}

func (b *Bus) Purge(_ context.Context, streamName string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[streamName]
	if !ok {
		return 0, nil
	}
	n := int64(len(s.entries))
	s.entries = nil
	return n, nil
}

func (b *Bus) Bounds(_ context.Context, streamName string) (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[streamName]
	if !ok || len(s.entries) == 0 {
		return "", "", nil
	}
	return formatID(s.entries[0].seq), formatID(s.entries[len(s.entries)-1].seq), nil
}

func (b *Bus) streamLocked(name string) *stream {
	s, ok := b.streams[name]
	if !ok {
		s = &stream{cfg: bus.DefaultStreamConfig(), groups: make(map[string]*group)}
		b.streams[name] = s
	}
	return s
}

func (b *Bus) groupLocked(streamName, groupName string) (*stream, *group, error) {
	s, ok := b.streams[streamName]
	if !ok {
		return nil, nil, fmt.Errorf("membus: stream %q: %w", streamName, bus.ErrNotFound)
	}
	g, ok := s.groups[groupName]
	if !ok {
		return nil, nil, fmt.Errorf("membus: group %q on %q: %w", groupName, streamName, bus.ErrNotFound)
	}
	return s, g, nil
}

func (b *Bus) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (s *stream) trim() {
	if s.cfg.MaxLength > 0 && int64(len(s.entries)) > s.cfg.MaxLength {
		s.entries = s.entries[int64(len(s.entries))-s.cfg.MaxLength:]
	}
}

func (s *stream) find(seq uint64) (entry, bool) {
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].seq >= seq })
	if i < len(s.entries) && s.entries[i].seq == seq {
		return s.entries[i], true
	}
	return entry{}, false
}

func (g *group) sortedPending() []*delivery {
	out := make([]*delivery, 0, len(g.pending))
	for _, d := range g.pending {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func record(e entry) bus.Record {
	return bus.Record{ID: formatID(e.seq), Sequence: e.seq, Payload: append([]byte(nil), e.payload...)}
}

func formatID(seq uint64) string { return strconv.FormatUint(seq, 10) }

func parseID(id string) (uint64, error) {
	seq, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("membus: invalid id %q: %w", id, bus.ErrNotFound)
	}
	return seq, nil
}

func formatRef(seq, count uint64) string { return formatID(seq) + "/" + strconv.FormatUint(count, 10) }

func parseRef(ref string) (uint64, uint64, error) {
	seqStr, countStr, ok := strings.Cut(ref, "/")
	if !ok {
		return 0, 0, fmt.Errorf("membus: invalid delivery %q", ref)
	}
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("membus: invalid delivery %q: %w", ref, err)
	}
	count, err := strconv.ParseUint(countStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("membus: invalid delivery %q: %w", ref, err)
	}
	return seq, count, nil
}
