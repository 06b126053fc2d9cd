package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	Succeeded    Status = "succeeded"
	Retrying     Status = "retrying"
	DeadLettered Status = "dead_lettered"
	Dropped      Status = "dropped"
)

// Reserved top-level keys of the job wire format. Payload fields with these
// names are overwritten on encode.
const (
	fieldID         = "id"
	fieldRetryCount = "retry_count"
	fieldCreatedAt  = "created_at"
)

var ErrPayloadNotObject = errors.New("domain: job payload must be a JSON object")

// Job is the unit of work carried on a stream. The payload is kept as raw
// JSON and flattened next to the envelope fields on the wire:
//
//	{"id":"...","retry_count":0,"created_at":"...","to":"a@b.c"}
type Job struct {
	ID         uuid.UUID
	RetryCount uint32
	CreatedAt  time.Time
	Payload    json.RawMessage
}

// NewJob builds a job with a fresh identity around payload, which must
// encode to a JSON object.
func NewJob(payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("domain: encode payload: %w", err)
	}
	if _, err := payloadFields(raw); err != nil {
		return nil, err
	}
	return &Job{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// WithRetry rebuilds the job under the same identity with RetryCount+1.
// Used by producers that reinject a job themselves.
func (j *Job) WithRetry() *Job {
	next := *j
	next.RetryCount++
	next.Payload = append(json.RawMessage(nil), j.Payload...)
	return &next
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(j.Payload, v)
}

func (j Job) MarshalJSON() ([]byte, error) {
	fields, err := payloadFields(j.Payload)
	if err != nil {
		return nil, err
	}
	if fields[fieldID], err = json.Marshal(j.ID); err != nil {
		return nil, err
	}
	if fields[fieldRetryCount], err = json.Marshal(j.RetryCount); err != nil {
		return nil, err
	}
	if fields[fieldCreatedAt], err = json.Marshal(j.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

func (j *Job) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return fmt.Errorf("domain: decode job: %w", err)
	}
	rawID, ok := fields[fieldID]
	if !ok {
		return errors.New("domain: decode job: missing id")
	}
	var out Job
	if err := json.Unmarshal(rawID, &out.ID); err != nil {
		return fmt.Errorf("domain: decode job id: %w", err)
	}
	if raw, ok := fields[fieldRetryCount]; ok {
		if err := json.Unmarshal(raw, &out.RetryCount); err != nil {
			return fmt.Errorf("domain: decode retry_count: %w", err)
		}
	}
	if raw, ok := fields[fieldCreatedAt]; ok {
		var ts string
		if err := json.Unmarshal(raw, &ts); err != nil {
			return fmt.Errorf("domain: decode created_at: %w", err)
		}
		created, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("domain: decode created_at: %w", err)
		}
		out.CreatedAt = created
	}
	delete(fields, fieldID)
	delete(fields, fieldRetryCount)
	delete(fields, fieldCreatedAt)

	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	out.Payload = payload
	*j = out
	return nil
}

func payloadFields(raw json.RawMessage) (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(raw) == 0 || string(raw) == "null" {
		return fields, nil
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, ErrPayloadNotObject
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	return fields, nil
}

// StreamDef binds a worker to a stream. Applications usually declare these
// as package-level values next to their processors.
type StreamDef struct {
	QueueName     string
	ConsumerGroup string
	DLQName       string
	MaxLength     int64
	PollInterval  time.Duration
	BatchSize     int
	ClaimTimeout  time.Duration
}
