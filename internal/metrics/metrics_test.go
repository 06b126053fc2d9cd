package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/SirClappington/enqworker/internal/domain"
	"github.com/SirClappington/enqworker/internal/resilience"
	"github.com/SirClappington/enqworker/internal/worker"
)

var (
	_ worker.Recorder     = (*Metrics)(nil)
	_ resilience.Observer = (*Metrics)(nil)
)

func TestCounters(t *testing.T) {
	m := New()
	m.JobReceived("emails", "email")
	m.JobReceived("emails", "email")
	m.JobProcessed("emails", "email", 150*time.Millisecond)
	m.JobFailed("emails", "email", domain.KindRateLimited)
	m.JobRetried("emails", "email")
	m.JobDeadLettered("emails", "email")

	if got := testutil.ToFloat64(m.received.WithLabelValues("emails", "email")); got != 2 {
		t.Errorf("received = %v", got)
	}
	if got := testutil.ToFloat64(m.processed.WithLabelValues("emails", "email")); got != 1 {
		t.Errorf("processed = %v", got)
	}
	if got := testutil.ToFloat64(m.failed.WithLabelValues("emails", "email", "rate_limited")); got != 1 {
		t.Errorf("failed{rate_limited} = %v", got)
	}
	if got := testutil.ToFloat64(m.dlq.WithLabelValues("emails", "email")); got != 1 {
		t.Errorf("dlq = %v", got)
	}
	if n := testutil.CollectAndCount(m.duration, "job_duration_seconds"); n != 1 {
		t.Errorf("duration series = %d", n)
	}
}

func TestGuardGauges(t *testing.T) {
	m := New()
	m.ObserveBreaker("db", resilience.HalfOpen)
	m.ObserveLimiter("api", 2.5)

	if got := testutil.ToFloat64(m.breaker.WithLabelValues("db")); got != 2 {
		t.Errorf("breaker = %v", got)
	}
	if got := testutil.ToFloat64(m.tokens.WithLabelValues("api")); got != 2.5 {
		t.Errorf("tokens = %v", got)
	}
}

func TestHandlerExposesNames(t *testing.T) {
	m := New()
	m.JobReceived("s", "p")
	m.JobFailed("s", "p", domain.KindTransient)
	m.ObserveBreaker("b", resilience.Open)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	res, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)

	for _, want := range []string{
		`jobs_received_total{processor="p",stream="s"} 1`,
		`jobs_failed_total{kind="transient",processor="p",stream="s"} 1`,
		`circuit_breaker_state{name="b"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("missing %q", want)
		}
	}
}
