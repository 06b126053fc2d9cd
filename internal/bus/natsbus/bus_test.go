package natsbus

import (
	"errors"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/SirClappington/enqworker/internal/bus"
)

func TestName(t *testing.T) {
	tests := map[string]string{
		"email":          "email",
		"email:dlq":      "email_dlq",
		"orders.created": "orders_created",
		"a b*c>":         "a_b_c_",
		"Notify-1_x":     "Notify-1_x",
	}
	for in, want := range tests {
		if got := Name(in); got != want {
			t.Errorf("Name(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	if !bus.IsFatal(classify("ping", nats.ErrAuthorization)) {
		t.Error("authorization violation should be fatal")
	}
	if !bus.IsFatal(classify("ping", nats.ErrJetStreamNotEnabled)) {
		t.Error("jetstream disabled should be fatal")
	}
	err := classify("fetch", nats.ErrConnectionClosed)
	if bus.IsFatal(err) {
		t.Error("closed connection should be transient")
	}
	if !errors.Is(err, nats.ErrConnectionClosed) {
		t.Error("cause lost in wrapping")
	}
	if classify("x", nil) != nil {
		t.Error("nil classified")
	}
}

func TestParseID(t *testing.T) {
	if seq, err := parseID("42"); err != nil || seq != 42 {
		t.Errorf("parseID(42) = %d, %v", seq, err)
	}
	if _, err := parseID("1-0"); !errors.Is(err, bus.ErrNotFound) {
		t.Errorf("parseID(1-0) err = %v", err)
	}
}
