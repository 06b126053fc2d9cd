package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestJob_MarshalFlattensPayload(t *testing.T) {
	id := uuid.MustParse("6f1c1c9e-4b8e-4a55-9f57-1f2b3c4d5e6f")
	j := Job{
		ID:         id,
		RetryCount: 2,
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Payload:    json.RawMessage(`{"to":"alice@example.com","n":3}`),
	}

	raw, err := json.Marshal(j)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if fields["id"] != id.String() {
		t.Errorf("id = %v, want %v", fields["id"], id)
	}
	if fields["retry_count"] != float64(2) {
		t.Errorf("retry_count = %v, want 2", fields["retry_count"])
	}
	if fields["created_at"] != "2026-01-02T03:04:05Z" {
		t.Errorf("created_at = %v", fields["created_at"])
	}
	if fields["to"] != "alice@example.com" {
		t.Errorf("to = %v, want payload field at top level", fields["to"])
	}
}

func TestJob_UnmarshalSplitsEnvelope(t *testing.T) {
	raw := []byte(`{"id":"6f1c1c9e-4b8e-4a55-9f57-1f2b3c4d5e6f","retry_count":1,"created_at":"2026-01-02T03:04:05Z","payload":"ok"}`)

	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if j.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", j.RetryCount)
	}
	if string(j.Payload) != `{"payload":"ok"}` {
		t.Errorf("Payload = %s", j.Payload)
	}

	var p struct {
		Payload string `json:"payload"`
	}
	if err := j.Decode(&p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Payload != "ok" {
		t.Errorf("decoded payload = %q", p.Payload)
	}
}

func TestJob_UnmarshalRejectsMissingID(t *testing.T) {
	var j Job
	if err := json.Unmarshal([]byte(`{"payload":"x"}`), &j); err == nil {
		t.Fatal("expected error for job without id")
	}
	if err := json.Unmarshal([]byte(`not json`), &j); err == nil {
		t.Fatal("expected error for malformed job")
	}
}

func TestNewJob_RequiresObjectPayload(t *testing.T) {
	if _, err := NewJob([]int{1, 2}); !errors.Is(err, ErrPayloadNotObject) {
		t.Fatalf("NewJob(array) err = %v, want ErrPayloadNotObject", err)
	}
	j, err := NewJob(map[string]string{"payload": "ok"})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if j.ID == uuid.Nil {
		t.Error("expected a fresh id")
	}
	if j.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestJob_WithRetryKeepsIdentity(t *testing.T) {
	j, _ := NewJob(map[string]string{"a": "b"})
	next := j.WithRetry()
	if next.ID != j.ID {
		t.Errorf("ID changed: %v -> %v", j.ID, next.ID)
	}
	if next.RetryCount != j.RetryCount+1 {
		t.Errorf("RetryCount = %d, want %d", next.RetryCount, j.RetryCount+1)
	}
}

func TestProcessingError_Messages(t *testing.T) {
	tests := []struct {
		err  error
		want string
		kind ErrorKind
	}{
		{Transient("net"), "transient error: net", KindTransient},
		{Permanent("invalid"), "permanent error: invalid", KindPermanent},
		{RateLimited("slow down", time.Second), "rate limited: slow down", KindRateLimited},
		{Serialization(errors.New("bad json")), "serialization error: bad json", KindPermanent},
		{Config("missing key"), "config error: missing key", KindPermanent},
		{errors.New("plain"), "plain", KindTransient},
		{fmt.Errorf("wrapped: %w", Permanent("x")), "wrapped: permanent error: x", KindPermanent},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
		if got := KindOf(tt.err); got != tt.kind {
			t.Errorf("KindOf(%q) = %v, want %v", tt.want, got, tt.kind)
		}
	}
}

func TestRetryAfterOf(t *testing.T) {
	if d, ok := RetryAfterOf(RateLimited("x", 200*time.Millisecond)); !ok || d != 200*time.Millisecond {
		t.Errorf("RetryAfterOf = %v, %v", d, ok)
	}
	if _, ok := RetryAfterOf(RateLimited("x", 0)); ok {
		t.Error("zero hint should not be reported")
	}
	if _, ok := RetryAfterOf(Transient("x")); ok {
		t.Error("transient errors carry no hint")
	}
}
