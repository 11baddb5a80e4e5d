package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's collectors on a private registry. A nil
// *Metrics records nothing.
type Metrics struct {
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	inference *prometheus.HistogramVec
	invalid   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mnist_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mnist_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		inference: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mnist_inference_duration_seconds",
			Help:    "Forward pass latency by backend.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"backend"}),
		invalid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mnist_invalid_input_total",
			Help: "Rejected prediction requests by reason.",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(
		m.requests,
		m.latency,
		m.inference,
		m.invalid,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument records request count and latency for one route. The route
// label is fixed here rather than taken from the URL to bound cardinality.
// A handler that panics is counted as a 500 before the panic moves on to
// RecoveryMiddleware.
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		panicked := true
		defer func() {
			code := ww.statusCode
			if panicked {
				code = http.StatusInternalServerError
			}
			m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
			m.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}()
		next.ServeHTTP(ww, r)
		panicked = false
	})
}

func (m *Metrics) observeInference(backend string, d time.Duration) {
	if m == nil {
		return
	}
	m.inference.WithLabelValues(backend).Observe(d.Seconds())
}

func (m *Metrics) observeInvalid(reason string) {
	if m == nil {
		return
	}
	m.invalid.WithLabelValues(reason).Inc()
}
