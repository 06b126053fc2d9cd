// Package natsbus implements the bus contract on NATS JetStream.
//
// A stream is bound to a single subject of the same (sanitised) name. Each
// consumer group is a durable pull consumer with explicit acks. Deliveries
// are settled by publishing the JetStream ack protocol to the message reply
// subject, which is carried as the delivery ref. Abandoned deliveries are
// redelivered by the server once AckWait lapses, so Claim has nothing to do.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/internal/bus"
)

var _ bus.Backend = (*Bus)(nil)

// minFetchWait is the wait used for non-blocking fetches; JetStream pull
// requests cannot return synchronously.
const minFetchWait = 100 * time.Millisecond

var (
	ackPayload      = []byte("+ACK")
	termPayload     = []byte("+TERM")
	progressPayload = []byte("+WPI")
)

type Bus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger

	mu      sync.Mutex
	configs map[string]bus.StreamConfig
	subs    map[string]*nats.Subscription
}

type Option func(*Bus)

func WithLogger(l *zap.Logger) Option { return func(b *Bus) { b.logger = l } }

// Connect dials url and returns a bus that owns the connection.
func Connect(url string, opts ...Option) (*Bus, error) {
	nc, err := nats.Connect(url, nats.Name("enqworker"))
	if err != nil {
		return nil, classify("connect", err)
	}
	b, err := New(nc, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func New(nc *nats.Conn, opts ...Option) (*Bus, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, classify("jetstream", err)
	}
	b := &Bus{
		nc:      nc,
		js:      js,
		logger:  zap.NewNop(),
		configs: make(map[string]bus.StreamConfig),
		subs:    make(map[string]*nats.Subscription),
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

func (b *Bus) Ping(ctx context.Context) error {
	if st := b.nc.Status(); st != nats.CONNECTED {
		return fmt.Errorf("natsbus: ping: connection %s", st)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := b.js.AccountInfo(nats.Context(pctx))
	return classify("ping", err)
}

func (b *Bus) Close() error {
	b.mu.Lock()
	for key, sub := range b.subs {
		_ = sub.Unsubscribe()
		delete(b.subs, key)
	}
	b.mu.Unlock()
	b.nc.Close()
	return nil
}

// Name maps an arbitrary stream or group name onto the JetStream name
// alphabet.
func Name(s string) string {
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			return c
		default:
			return '_'
		}
	}, s)
}

func (b *Bus) EnsureStream(_ context.Context, name string, cfg bus.StreamConfig) error {
	b.mu.Lock()
	b.configs[name] = cfg
	b.mu.Unlock()

	sc := &nats.StreamConfig{
		Name:      Name(name),
		Subjects:  []string{Name(name)},
		MaxMsgs:   cfg.MaxLength,
		MaxAge:    cfg.Retention,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		Discard:   nats.DiscardOld,
	}
	if sc.MaxMsgs <= 0 {
		sc.MaxMsgs = -1
	}
	_, err := b.js.StreamInfo(sc.Name)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		_, err = b.js.AddStream(sc)
		return classify("add stream", err)
	case err != nil:
		return classify("stream info", err)
	}
	_, err = b.js.UpdateStream(sc)
	return classify("update stream", err)
}

func (b *Bus) streamConfig(name string) bus.StreamConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	cfg, ok := b.configs[name]
	if !ok {
		return bus.DefaultStreamConfig()
	}
	return cfg
}

func (b *Bus) EnsureGroup(_ context.Context, stream, group string, fromStart bool) error {
	if _, err := b.js.ConsumerInfo(Name(stream), Name(group)); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrConsumerNotFound) {
		return classify("consumer info", err)
	}

	cfg := b.streamConfig(stream)
	cc := &nats.ConsumerConfig{
		Durable:       Name(group),
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		DeliverPolicy: nats.DeliverNewPolicy,
		FilterSubject: Name(stream),
	}
	if cc.AckWait <= 0 {
		cc.AckWait = bus.DefaultAckWait
	}
	if cfg.MaxDeliver > 0 {
		cc.MaxDeliver = cfg.MaxDeliver
	}
	if fromStart {
		cc.DeliverPolicy = nats.DeliverAllPolicy
	}
	_, err := b.js.AddConsumer(Name(stream), cc)
	return classify("add consumer", err)
}

func (b *Bus) subscription(stream, group string) (*nats.Subscription, error) {
	key := stream + "/" + group
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[key]; ok {
		return sub, nil
	}
	sub, err := b.js.PullSubscribe(Name(stream), Name(group), nats.Bind(Name(stream), Name(group)))
	if err != nil {
		return nil, classify("subscribe", err)
	}
	b.subs[key] = sub
	return sub, nil
}

func (b *Bus) Append(ctx context.Context, stream string, payload []byte) (string, error) {
	ack, err := b.js.Publish(Name(stream), payload, nats.Context(ctx))
	if err != nil {
		return "", classify("append", err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

func (b *Bus) Fetch(ctx context.Context, stream, group, _ string, batch int, block *time.Duration) ([]bus.Message, error) {
	sub, err := b.subscription(stream, group)
	if err != nil {
		return nil, err
	}
	wait := minFetchWait
	if block != nil && *block > wait {
		wait = *block
	}
	fctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msgs, err := sub.Fetch(batch, nats.Context(fctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, classify("fetch", err)
	}
	out := make([]bus.Message, 0, len(msgs))
	for _, m := range msgs {
		if msg, ok := b.message(stream, group, m); ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (b *Bus) message(stream, group string, m *nats.Msg) (bus.Message, bool) {
	meta, err := m.Metadata()
	if err == nil {
		job, decErr := bus.DecodeJob(m.Data)
		if decErr == nil {
			return bus.Message{
				Job:            job,
				Raw:            m.Data,
				Delivery:       bus.Delivery{Stream: stream, Group: group, Ref: m.Reply},
				ID:             strconv.FormatUint(meta.Sequence.Stream, 10),
				StreamSequence: meta.Sequence.Stream,
				DeliveryCount:  meta.NumDelivered,
			}, true
		}
		err = decErr
	}
	b.logger.Warn("dropping undecodable message",
		zap.String("stream", stream),
		zap.String("subject", m.Subject),
		zap.Error(err),
	)
	if ackErr := m.Ack(); ackErr != nil {
		b.logger.Error("ack undecodable message", zap.Error(ackErr))
	}
	return bus.Message{}, false
}

func (b *Bus) Ack(_ context.Context, d bus.Delivery) error {
	return classify("ack", b.nc.Publish(d.Ref, ackPayload))
}

func (b *Bus) Term(_ context.Context, d bus.Delivery) error {
	return classify("term", b.nc.Publish(d.Ref, termPayload))
}

func (b *Bus) Nak(_ context.Context, d bus.Delivery, delay time.Duration) error {
	payload := []byte("-NAK")
	if delay > 0 {
		payload = fmt.Appendf(nil, `-NAK {"delay":%d}`, delay.Nanoseconds())
	}
	return classify("nak", b.nc.Publish(d.Ref, payload))
}

// Touch sends a progress ack, which restarts the delivery's AckWait. The
// server does not report whether the delivery is still outstanding.
func (b *Bus) Touch(_ context.Context, _ string, d bus.Delivery) error {
	return classify("touch", b.nc.Publish(d.Ref, progressPayload))
}

// Claim is a no-op: the server redelivers after AckWait.
func (b *Bus) Claim(context.Context, string, string, string, time.Duration, int) ([]bus.Message, error) {
	return nil, nil
}

func (b *Bus) PendingInfo(_ context.Context, stream, group string) (bus.PendingInfo, error) {
	ci, err := b.js.ConsumerInfo(Name(stream), Name(group))
	if err != nil {
		if errors.Is(err, nats.ErrConsumerNotFound) || errors.Is(err, nats.ErrStreamNotFound) {
			return bus.PendingInfo{}, fmt.Errorf("natsbus: pending info: %w", bus.ErrNotFound)
		}
		return bus.PendingInfo{}, classify("pending info", err)
	}
	info := bus.PendingInfo{Count: int64(ci.NumAckPending)}
	// JetStream keeps no per-delivery idle time. The time since the ack
	// floor last moved approximates how long the oldest pending delivery
	// has gone unacknowledged.
	if ci.NumAckPending > 0 && ci.AckFloor.Last != nil {
		info.OldestIdle = time.Since(*ci.AckFloor.Last)
	}
	return info, nil
}

func (b *Bus) streamState(stream string) (*nats.StreamState, error) {
	si, err := b.js.StreamInfo(Name(stream))
	if errors.Is(err, nats.ErrStreamNotFound) {
		return &nats.StreamState{}, nil
	}
	if err != nil {
		return nil, classify("stream info", err)
	}
	return &si.State, nil
}

func (b *Bus) Len(_ context.Context, stream string) (int64, error) {
	st, err := b.streamState(stream)
	if err != nil {
		return 0, err
	}
	return int64(st.Msgs), nil
}

func (b *Bus) Range(_ context.Context, stream, cursor string, count int) ([]bus.Record, error) {
	st, err := b.streamState(stream)
	if err != nil || st.Msgs == 0 {
		return nil, err
	}
	top := st.LastSeq
	if cursor != "" {
		seq, err := parseID(cursor)
		if err != nil {
			return nil, err
		}
		if seq == 0 {
			return nil, nil
		}
		top = min(top, seq-1)
	}
	var out []bus.Record
	for seq := top; seq >= st.FirstSeq && seq > 0 && len(out) < count; seq-- {
		rec, err := b.get(stream, seq)
		if errors.Is(err, bus.ErrNotFound) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (b *Bus) Get(_ context.Context, stream, id string) (*bus.Record, error) {
	seq, err := parseID(id)
	if err != nil {
		return nil, err
	}
	return b.get(stream, seq)
}

func (b *Bus) get(stream string, seq uint64) (*bus.Record, error) {
	raw, err := b.js.GetMsg(Name(stream), seq)
	if errors.Is(err, nats.ErrMsgNotFound) || errors.Is(err, nats.ErrStreamNotFound) {
		return nil, fmt.Errorf("natsbus: get %d: %w", seq, bus.ErrNotFound)
	}
	if err != nil {
		return nil, classify("get", err)
	}
	return &bus.Record{ID: strconv.FormatUint(raw.Sequence, 10), Sequence: raw.Sequence, Payload: raw.Data}, nil
}

func (b *Bus) Delete(_ context.Context, stream, id string) (bool, error) {
	seq, err := parseID(id)
	if err != nil {
		return false, err
	}
	err = b.js.DeleteMsg(Name(stream), seq)
	if errors.Is(err, nats.ErrMsgNotFound) || errors.Is(err, nats.ErrStreamNotFound) {
		return false, nil
	}
	if err != nil {
		return false, classify("delete", err)
	}
	return true, nil
}

func (b *Bus) Purge(_ context.Context, stream string) (int64, error) {
	st, err := b.streamState(stream)
	if err != nil || st.Msgs == 0 {
		return 0, err
	}
	if err := b.js.PurgeStream(Name(stream)); err != nil {
		return 0, classify("purge", err)
	}
	return int64(st.Msgs), nil
}

func (b *Bus) Bounds(ctx context.Context, stream string) (string, string, error) {
	newest, err := b.Range(ctx, stream, "", 1)
	if err != nil || len(newest) == 0 {
		return "", "", err
	}
	st, err := b.streamState(stream)
	if err != nil {
		return "", "", err
	}
	for seq := st.FirstSeq; seq <= newest[0].Sequence; seq++ {
		rec, err := b.get(stream, seq)
		if errors.Is(err, bus.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", "", err
		}
		return rec.ID, newest[0].ID, nil
	}
	return newest[0].ID, newest[0].ID, nil
}

func parseID(id string) (uint64, error) {
	seq, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("natsbus: invalid id %q: %w", id, bus.ErrNotFound)
	}
	return seq, nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, nats.ErrAuthorization),
		errors.Is(err, nats.ErrAuthExpired),
		errors.Is(err, nats.ErrJetStreamNotEnabled),
		errors.Is(err, nats.ErrJetStreamNotEnabledForAccount):
		return fmt.Errorf("natsbus: %s: %w", op, bus.Fatal(err))
	}
	return fmt.Errorf("natsbus: %s: %w", op, err)
}
