// Package bus defines the contract between the worker engine and a
// log-structured message bus with consumer groups. Backends live in
// subpackages (redisbus, natsbus, membus) and present identical semantics;
// the worker never branches on backend.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/SirClappington/enqworker/internal/domain"
)

// JobField is the single entry field that carries the job JSON.
const JobField = "job"

const (
	DefaultMaxLength    int64 = 100_000
	DefaultRetention          = 7 * 24 * time.Hour
	DefaultDLQRetention       = 30 * 24 * time.Hour
	DefaultAckWait            = 5 * time.Second
)

var (
	// ErrFatal marks errors that retrying cannot fix (auth, config).
	ErrFatal = errors.New("bus: fatal")
	// ErrNotFound is returned for missing records or streams.
	ErrNotFound = errors.New("bus: not found")
	// ErrStale is returned when settling or touching a delivery that was
	// claimed away or already settled. The backend state is unchanged.
	ErrStale = errors.New("bus: stale delivery")
)

// Fatal wraps err so that IsFatal reports true.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }

// StreamConfig bounds a stream. Backends translate it to their native
// options inside EnsureStream.
type StreamConfig struct {
	MaxLength int64
	Retention time.Duration
	// AckWait is how long a delivery may stay unacknowledged before another
	// group member can take it over.
	AckWait time.Duration
	// MaxDeliver limits server-side redeliveries. Zero leaves it unbounded;
	// the worker enforces its own budget.
	MaxDeliver int
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		MaxLength: DefaultMaxLength,
		Retention: DefaultRetention,
		AckWait:   DefaultAckWait,
	}
}

func DefaultDLQStreamConfig() StreamConfig {
	return StreamConfig{
		MaxLength: DefaultMaxLength,
		Retention: DefaultDLQRetention,
		AckWait:   DefaultAckWait,
	}
}

// Delivery is the opaque handle used to settle a message. Ref is backend
// specific (a stream entry id, a reply subject).
type Delivery struct {
	Stream string
	Group  string
	Ref    string
}

// Message is a job as observed by one consumer.
type Message struct {
	Job      *domain.Job
	Raw      []byte
	Delivery Delivery
	// ID is the backend's record id, as accepted by Inspector.Get.
	ID             string
	StreamSequence uint64
	// DeliveryCount starts at 1 and grows on each redelivery.
	DeliveryCount uint64
}

// PendingInfo summarises deliveries that have not been settled.
type PendingInfo struct {
	Count      int64
	OldestIdle time.Duration
}

// StreamInfo is the admin view of a stream and one of its groups.
type StreamInfo struct {
	Stream     string
	Group      string
	Length     int64
	Pending    int64
	OldestIdle time.Duration
}

func (s StreamInfo) MarshalJSON() ([]byte, error) {
	type wire struct {
		Stream       string `json:"stream"`
		Group        string `json:"group"`
		Length       int64  `json:"length"`
		Pending      int64  `json:"pending"`
		OldestIdleMS int64  `json:"oldest_idle_ms"`
	}
	return json.Marshal(wire{s.Stream, s.Group, s.Length, s.Pending, s.OldestIdle.Milliseconds()})
}

// Record is a raw stream entry read outside of a consumer group.
type Record struct {
	ID       string
	Sequence uint64
	Payload  []byte
}

// Producer appends to streams.
type Producer interface {
	// Append writes payload under JobField and returns the new record id.
	Append(ctx context.Context, stream string, payload []byte) (string, error)
}

// Consumer reads from a stream through a consumer group.
type Consumer interface {
	// EnsureStream creates the stream if missing. Idempotent.
	EnsureStream(ctx context.Context, name string, cfg StreamConfig) error
	// EnsureGroup creates the group if missing. New groups start at the
	// stream tail unless fromStart is set. Idempotent.
	EnsureGroup(ctx context.Context, stream, group string, fromStart bool) error
	// Fetch returns up to batch messages now owned by consumer. A nil or
	// non-positive block returns immediately. Entries that fail to decode
	// are acknowledged and dropped.
	Fetch(ctx context.Context, stream, group, consumer string, batch int, block *time.Duration) ([]Message, error)
	Ack(ctx context.Context, d Delivery) error
	// Nak asks for redelivery no earlier than delay.
	Nak(ctx context.Context, d Delivery, delay time.Duration) error
	// Term settles the delivery without redelivery.
	Term(ctx context.Context, d Delivery) error
	// Touch marks a delivery still owned by consumer as in progress so it
	// does not look idle to Claim.
	Touch(ctx context.Context, consumer string, d Delivery) error
	// Claim takes over deliveries idle for at least minIdle on any member
	// of the group.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, limit int) ([]Message, error)
	PendingInfo(ctx context.Context, stream, group string) (PendingInfo, error)
}

// Inspector reads and edits streams directly. Used for DLQ administration.
type Inspector interface {
	Len(ctx context.Context, stream string) (int64, error)
	// Range returns up to count records older than cursor, newest first.
	// An empty cursor starts at the newest record.
	Range(ctx context.Context, stream, cursor string, count int) ([]Record, error)
	Get(ctx context.Context, stream, id string) (*Record, error)
	Delete(ctx context.Context, stream, id string) (bool, error)
	// Purge removes every record and returns how many were removed.
	Purge(ctx context.Context, stream string) (int64, error)
	// Bounds returns the oldest and newest record ids, empty when the
	// stream is empty.
	Bounds(ctx context.Context, stream string) (oldest, newest string, err error)
}

// Backend is a complete bus implementation.
type Backend interface {
	Producer
	Consumer
	Inspector
	Ping(ctx context.Context) error
	Close() error
}

// DecodeJob parses a job entry payload.
func DecodeJob(raw []byte) (*domain.Job, error) {
	var j domain.Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// EncodeJob renders a job entry payload.
func EncodeJob(j *domain.Job) ([]byte, error) {
	return json.Marshal(j)
}
