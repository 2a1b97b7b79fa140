package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "llm_proxy"

// Metrics tracks pipeline activity.
//
// Metrics:
//   - llm_proxy_requests_total: requests by route, mode and outcome
//   - llm_proxy_request_duration_seconds: time until the response is complete
//   - llm_proxy_backend_attempts_total: backend calls by backend and outcome
//   - llm_proxy_stream_frames_total: data frames written by route
//   - llm_proxy_credential_fetches_total: credential acquisitions by backend and outcome
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	attempts    *prometheus.CounterVec
	frames      *prometheus.CounterVec
	credentials *prometheus.CounterVec
}

// NewMetrics creates and registers the pipeline metrics with registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of proxied requests",
			},
			[]string{"route", "mode", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"route", "mode"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_attempts_total",
				Help:      "Total number of backend calls",
			},
			[]string{"backend", "outcome"},
		),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_frames_total",
				Help:      "Total number of SSE data frames written",
			},
			[]string{"route"},
		),
		credentials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_fetches_total",
				Help:      "Total number of credential acquisitions",
			},
			[]string{"backend", "outcome"},
		),
	}

	registry.MustRegister(
		m.requests,
		m.duration,
		m.attempts,
		m.frames,
		m.credentials,
	)
	return m
}

func mode(stream bool) string {
	if stream {
		return "stream"
	}
	return "buffered"
}

func (m *Metrics) RecordRequest(route string, stream bool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, mode(stream), outcome).Inc()
	m.duration.WithLabelValues(route, mode(stream)).Observe(d.Seconds())
}

func (m *Metrics) RecordAttempt(backend, outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(backend, outcome).Inc()
}

func (m *Metrics) RecordFrames(route string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.frames.WithLabelValues(route).Add(float64(n))
}

func (m *Metrics) RecordCredential(backend string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.credentials.WithLabelValues(backend, outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
