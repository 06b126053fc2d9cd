// Package metrics exports worker and guard activity as Prometheus
// collectors on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SirClappington/enqworker/internal/domain"
	"github.com/SirClappington/enqworker/internal/resilience"
)

// Metrics implements worker.Recorder and resilience.Observer.
type Metrics struct {
	reg *prometheus.Registry

	received  *prometheus.CounterVec
	processed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	retried   *prometheus.CounterVec
	dlq       *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	breaker   *prometheus.GaugeVec
	tokens    *prometheus.GaugeVec
}

func New() *Metrics {
	jobLabels := []string{"stream", "processor"}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_received_total",
			Help: "Jobs fetched from the stream.",
		}, jobLabels),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Jobs processed successfully.",
		}, jobLabels),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Failed processing attempts by error kind.",
		}, []string{"stream", "processor", "kind"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Jobs handed back to the stream for another attempt.",
		}, jobLabels),
		dlq: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_dlq_total",
			Help: "Jobs moved to the dead letter stream.",
		}, jobLabels),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Processing time of successful jobs.",
			Buckets: prometheus.DefBuckets,
		}, jobLabels),
		breaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"name"}),
		tokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rate_limiter_tokens",
			Help: "Tokens left in the rate limiter bucket.",
		}, []string{"name"}),
	}
	m.reg.MustRegister(
		m.received, m.processed, m.failed, m.retried, m.dlq,
		m.duration, m.breaker, m.tokens,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) JobReceived(stream, processor string) {
	m.received.WithLabelValues(stream, processor).Inc()
}

func (m *Metrics) JobProcessed(stream, processor string, elapsed time.Duration) {
	m.processed.WithLabelValues(stream, processor).Inc()
	m.duration.WithLabelValues(stream, processor).Observe(elapsed.Seconds())
}

func (m *Metrics) JobFailed(stream, processor string, kind domain.ErrorKind) {
	m.failed.WithLabelValues(stream, processor, kind.String()).Inc()
}

func (m *Metrics) JobRetried(stream, processor string) {
	m.retried.WithLabelValues(stream, processor).Inc()
}

func (m *Metrics) JobDeadLettered(stream, processor string) {
	m.dlq.WithLabelValues(stream, processor).Inc()
}

func (m *Metrics) ObserveBreaker(name string, state resilience.State) {
	m.breaker.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) ObserveLimiter(name string, tokens float64) {
	m.tokens.WithLabelValues(name).Set(tokens)
}
