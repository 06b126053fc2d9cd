// Package redisbus implements the bus contract on Redis streams.
//
// Each entry carries a single "job" field. Naks keep the entry pending and
// park its id in a per-group retry ZSET; a later Fetch takes due ids off the
// ZSET and re-claims them, which bumps the delivery count.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/internal/bus"
)

var _ bus.Backend = (*Bus)(nil)

type Bus struct {
	rdb    *r.Client
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	configs map[string]bus.StreamConfig
}

type Option func(*Bus)

func WithLogger(l *zap.Logger) Option { return func(b *Bus) { b.logger = l } }

// WithClock sets the clock used to score naked entries.
func WithClock(now func() time.Time) Option { return func(b *Bus) { b.now = now } }

func New(rdb *r.Client, opts ...Option) *Bus {
	b := &Bus{
		rdb:     rdb,
		logger:  zap.NewNop(),
		now:     time.Now,
		configs: make(map[string]bus.StreamConfig),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Bus) Ping(ctx context.Context) error {
	return classify("ping", b.rdb.Ping(ctx).Err())
}

func (b *Bus) Close() error { return b.rdb.Close() }

func (b *Bus) EnsureStream(ctx context.Context, name string, cfg bus.StreamConfig) error {
	b.mu.Lock()
	b.configs[name] = cfg
	b.mu.Unlock()

	if cfg.Retention <= 0 {
		return nil
	}
	n, err := b.rdb.Exists(ctx, name).Result()
	if err != nil {
		return classify("ensure stream", err)
	}
	if n == 0 {
		return nil
	}
	minID := strconv.FormatInt(b.now().Add(-cfg.Retention).UnixMilli(), 10)
	if err := b.rdb.XTrimMinIDApprox(ctx, name, minID, 0).Err(); err != nil {
		return classify("ensure stream", err)
	}
	return nil
}

func (b *Bus) EnsureGroup(ctx context.Context, stream, group string, fromStart bool) error {
	start := "$"
	if fromStart {
		start = "0"
	}
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return classify("ensure group", err)
	}
	return nil
}

func (b *Bus) Append(ctx context.Context, stream string, payload []byte) (string, error) {
	id, err := b.rdb.XAdd(ctx, &r.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLength(stream),
		Approx: true,
		Values: map[string]any{bus.JobField: payload},
	}).Result()
	if err != nil {
		return "", classify("append", err)
	}
	return id, nil
}

func (b *Bus) maxLength(stream string) int64 {
	b.mu.RLock()
	cfg, ok := b.configs[stream]
	b.mu.RUnlock()
	if !ok {
		return bus.DefaultMaxLength
	}
	return cfg.MaxLength
}

func (b *Bus) Fetch(ctx context.Context, stream, group, consumer string, batch int, block *time.Duration) ([]bus.Message, error) {
	out, err := b.promoteDue(ctx, stream, group, consumer, batch)
	if err != nil {
		return nil, err
	}
	if len(out) >= batch {
		return out, nil
	}

	args := &r.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(batch - len(out)),
		Block:    -1,
	}
	// Parked redeliveries must not wait behind a blocking read.
	if block != nil && *block > 0 && len(out) == 0 {
		args.Block = *block
	}
	res, err := b.rdb.XReadGroup(ctx, args).Result()
	if errors.Is(err, r.Nil) {
		return out, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		return out, classify("fetch", err)
	}
	for _, s := range res {
		for _, m := range s.Messages {
			msg, ok := b.message(ctx, stream, group, m, 1)
			if ok {
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

// promoteDue re-delivers naked entries whose delay has elapsed. ZREM decides
// ownership when several consumers race for the same id.
func (b *Bus) promoteDue(ctx context.Context, stream, group, consumer string, limit int) ([]bus.Message, error) {
	key := retryKey(stream, group)
	ids, err := b.rdb.ZRangeByScore(ctx, key, &r.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(b.now().UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, classify("promote", err)
	}
	var out []bus.Message
	for _, id := range ids {
		removed, err := b.rdb.ZRem(ctx, key, id).Result()
		if err != nil {
			return out, classify("promote", err)
		}
		if removed == 0 {
			continue
		}
		count, err := b.deliveryCount(ctx, stream, group, id)
		if err != nil {
			return out, err
		}
		if count == 0 {
			// settled meanwhile
			continue
		}
		msgs, err := b.claim(ctx, stream, group, consumer, []string{id}, map[string]int64{id: count})
		if err != nil {
			return out, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}

func (b *Bus) deliveryCount(ctx context.Context, stream, group, id string) (int64, error) {
	pend, err := b.rdb.XPendingExt(ctx, &r.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil && !errors.Is(err, r.Nil) {
		return 0, classify("pending", err)
	}
	if len(pend) == 0 {
		return 0, nil
	}
	return pend[0].RetryCount, nil
}

// claim moves ids to consumer. counts holds each id's delivery count before
// the claim.
func (b *Bus) claim(ctx context.Context, stream, group, consumer string, ids []string, counts map[string]int64) ([]bus.Message, error) {
	msgs, err := b.rdb.XClaim(ctx, &r.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  0,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, r.Nil) {
		return nil, classify("claim", err)
	}
	out := make([]bus.Message, 0, len(msgs))
	for _, m := range msgs {
		msg, ok := b.message(ctx, stream, group, m, uint64(counts[m.ID]+1))
		if ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// message decodes an entry. Undecodable entries are acknowledged and
// dropped.
func (b *Bus) message(ctx context.Context, stream, group string, m r.XMessage, count uint64) (bus.Message, bool) {
	raw, err := field(m)
	if err == nil {
		job, decErr := bus.DecodeJob(raw)
		if decErr == nil {
			return bus.Message{
				Job:            job,
				Raw:            raw,
				Delivery:       bus.Delivery{Stream: stream, Group: group, Ref: m.ID},
				ID:             m.ID,
				StreamSequence: sequence(m.ID),
				DeliveryCount:  count,
			}, true
		}
		err = decErr
	}
	b.logger.Warn("dropping undecodable entry",
		zap.String("stream", stream),
		zap.String("id", m.ID),
		zap.Error(err),
	)
	if ackErr := b.rdb.XAck(ctx, stream, group, m.ID).Err(); ackErr != nil {
		b.logger.Error("ack undecodable entry", zap.String("id", m.ID), zap.Error(ackErr))
	}
	return bus.Message{}, false
}

func field(m r.XMessage) ([]byte, error) {
	v, ok := m.Values[bus.JobField]
	if !ok {
		return nil, fmt.Errorf("entry has no %q field", bus.JobField)
	}
	switch s := v.(type) {
	case string:
		return []byte(s), nil
	case []byte:
		return s, nil
	default:
		return nil, fmt.Errorf("unexpected %q field type %T", bus.JobField, v)
	}
}

func (b *Bus) Ack(ctx context.Context, d bus.Delivery) error {
	return b.settle(ctx, "ack", d)
}

func (b *Bus) Term(ctx context.Context, d bus.Delivery) error {
	return b.settle(ctx, "term", d)
}

// settle acknowledges d. An entry that is no longer pending was settled
// elsewhere and is reported as stale.
func (b *Bus) settle(ctx context.Context, op string, d bus.Delivery) error {
	pipe := b.rdb.TxPipeline()
	acked := pipe.XAck(ctx, d.Stream, d.Group, d.Ref)
	pipe.ZRem(ctx, retryKey(d.Stream, d.Group), d.Ref)
	if _, err := pipe.Exec(ctx); err != nil {
		return classify(op, err)
	}
	if acked.Val() == 0 {
		return bus.ErrStale
	}
	return nil
}

func (b *Bus) Nak(ctx context.Context, d bus.Delivery, delay time.Duration) error {
	due := b.now().Add(delay).UnixMilli()
	err := b.rdb.ZAdd(ctx, retryKey(d.Stream, d.Group), r.Z{Score: float64(due), Member: d.Ref}).Err()
	return classify("nak", err)
}

// Claim pages through the PEL with XPENDING IDLE until limit deliveries
// are found, skipping parked ones.
func (b *Bus) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, limit int) ([]bus.Message, error) {
	if limit < 1 {
		return nil, nil
	}
	parked, err := b.parked(ctx, stream, group)
	if err != nil {
		return nil, err
	}
	page := int64(limit) * 4
	ids := make([]string, 0, limit)
	counts := make(map[string]int64, limit)
	from := "-"
	for len(ids) < limit {
		pend, err := b.rdb.XPendingExt(ctx, &r.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Idle:   minIdle,
			Start:  from,
			End:    "+",
			Count:  page,
		}).Result()
		if errors.Is(err, r.Nil) {
			break
		}
		if err != nil {
			return nil, classify("claim", err)
		}
		for _, p := range pend {
			if len(ids) >= limit {
				break
			}
			if p.Idle < minIdle {
				continue
			}
			if _, ok := parked[p.ID]; ok {
				continue
			}
			ids = append(ids, p.ID)
			counts[p.ID] = p.RetryCount
		}
		if int64(len(pend)) < page {
			break
		}
		from = nextID(pend[len(pend)-1].ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return b.claim(ctx, stream, group, consumer, ids, counts)
}

// Touch re-claims a delivery to its owner with JUSTID, which resets its idle
// time without redelivering it.
func (b *Bus) Touch(ctx context.Context, consumer string, d bus.Delivery) error {
	pend, err := b.rdb.XPendingExt(ctx, &r.XPendingExtArgs{
		Stream:   d.Stream,
		Group:    d.Group,
		Start:    d.Ref,
		End:      d.Ref,
		Count:    1,
		Consumer: consumer,
	}).Result()
	if err != nil && !errors.Is(err, r.Nil) {
		return classify("touch", err)
	}
	if len(pend) == 0 {
		return bus.ErrStale
	}
	err = b.rdb.XClaimJustID(ctx, &r.XClaimArgs{
		Stream:   d.Stream,
		Group:    d.Group,
		Consumer: consumer,
		MinIdle:  0,
		Messages: []string{d.Ref},
	}).Err()
	if err != nil && !errors.Is(err, r.Nil) {
		return classify("touch", err)
	}
	return nil
}

func (b *Bus) parked(ctx context.Context, stream, group string) (map[string]struct{}, error) {
	ids, err := b.rdb.ZRange(ctx, retryKey(stream, group), 0, -1).Result()
	if err != nil {
		return nil, classify("claim", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func (b *Bus) PendingInfo(ctx context.Context, stream, group string) (bus.PendingInfo, error) {
	sum, err := b.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		return bus.PendingInfo{}, classify("pending info", err)
	}
	info := bus.PendingInfo{Count: sum.Count}
	if sum.Count == 0 {
		return info, nil
	}
	oldest, err := b.rdb.XPendingExt(ctx, &r.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  sum.Lower,
		End:    sum.Lower,
		Count:  1,
	}).Result()
	if err != nil {
		return info, classify("pending info", err)
	}
	if len(oldest) > 0 {
		info.OldestIdle = oldest[0].Idle
	}
	return info, nil
}

func (b *Bus) Len(ctx context.Context, stream string) (int64, error) {
	n, err := b.rdb.XLen(ctx, stream).Result()
	return n, classify("len", err)
}

func (b *Bus) Range(ctx context.Context, stream, cursor string, count int) ([]bus.Record, error) {
	end := "+"
	fetch := int64(count)
	if cursor != "" {
		// inclusive read, the cursor itself is skipped below
		end = cursor
		fetch++
	}
	msgs, err := b.rdb.XRevRangeN(ctx, stream, end, "-", fetch).Result()
	if err != nil {
		return nil, classify("range", err)
	}
	out := make([]bus.Record, 0, count)
	for _, m := range msgs {
		if m.ID == cursor || len(out) >= count {
			continue
		}
		out = append(out, record(m))
	}
	return out, nil
}

func (b *Bus) Get(ctx context.Context, stream, id string) (*bus.Record, error) {
	msgs, err := b.rdb.XRangeN(ctx, stream, id, id, 1).Result()
	if err != nil {
		if strings.Contains(err.Error(), "Invalid stream ID") {
			return nil, fmt.Errorf("redisbus: get %s: %w", id, bus.ErrNotFound)
		}
		return nil, classify("get", err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("redisbus: get %s: %w", id, bus.ErrNotFound)
	}
	rec := record(msgs[0])
	return &rec, nil
}

func (b *Bus) Delete(ctx context.Context, stream, id string) (bool, error) {
	n, err := b.rdb.XDel(ctx, stream, id).Result()
	if err != nil {
		return false, classify("delete", err)
	}
	return n > 0, nil
}

func (b *Bus) Purge(ctx context.Context, stream string) (int64, error) {
	n, err := b.rdb.XTrimMaxLen(ctx, stream, 0).Result()
	return n, classify("purge", err)
}

func (b *Bus) Bounds(ctx context.Context, stream string) (string, string, error) {
	first, err := b.rdb.XRangeN(ctx, stream, "-", "+", 1).Result()
	if err != nil {
		return "", "", classify("bounds", err)
	}
	if len(first) == 0 {
		return "", "", nil
	}
	last, err := b.rdb.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return "", "", classify("bounds", err)
	}
	return first[0].ID, last[0].ID, nil
}

func record(m r.XMessage) bus.Record {
	raw, _ := field(m)
	return bus.Record{ID: m.ID, Sequence: sequence(m.ID), Payload: raw}
}

// classify prefixes err with the operation and marks errors a retry cannot
// fix.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "NOAUTH"),
		strings.HasPrefix(msg, "WRONGPASS"),
		strings.HasPrefix(msg, "NOPERM"):
		return fmt.Errorf("redisbus: %s: %w", op, bus.Fatal(err))
	case strings.HasPrefix(msg, "NOGROUP"):
		return fmt.Errorf("redisbus: %s: %w: %w", op, bus.ErrNotFound, err)
	}
	return fmt.Errorf("redisbus: %s: %w", op, err)
}
