package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hopwire/sshfwd/internal/events"
)

// Metrics holds every Prometheus collector the API server exposes.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	SessionsActive    prometheus.Gauge
	ForwardersActive  prometheus.Gauge
	ForwardersTotal   prometheus.Gauge
	ForwarderStarts   prometheus.Counter
	ForwarderStops    prometheus.Counter
	BytesSentTotal    prometheus.Counter
	BytesReceivedTotal prometheus.Counter
}

// NewMetrics registers every collector against the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sshfwd_http_requests_total",
			Help: "Total HTTP requests by method, path, and status.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name: "sshfwd_http_request_duration_seconds",
			Help: "HTTP request duration in seconds.",
		}, []string{"method", "path"}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sshfwd_sessions_active",
			Help: "Number of currently connected SSH sessions.",
		}),
		ForwardersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sshfwd_forwarders_active",
			Help: "Number of currently active forwarders.",
		}),
		ForwardersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sshfwd_forwarders_total",
			Help: "Number of registered forwarders, active or not.",
		}),
		ForwarderStarts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sshfwd_forwarder_starts_total",
			Help: "Total forwarder start operations.",
		}),
		ForwarderStops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sshfwd_forwarder_stops_total",
			Help: "Total forwarder stop operations.",
		}),
		BytesSentTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sshfwd_bytes_sent_total",
			Help: "Total bytes copied from local to remote across all forwarders.",
		}),
		BytesReceivedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sshfwd_bytes_received_total",
			Help: "Total bytes copied from remote to local across all forwarders.",
		}),
	}
}

// Middleware records request count and latency, labeled by the mux
// route template so path parameters don't explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}

		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.status)).Inc()
	})
}

// ObserveEvent updates the engine-level collectors from a bus event; the
// server subscribes it alongside the WebSocket hub.
func (m *Metrics) ObserveEvent(ev events.Event) {
	switch ev.Kind {
	case events.KindSessionState:
		if ev.Up {
			m.SessionsActive.Inc()
		} else {
			m.SessionsActive.Dec()
		}
	case events.KindForwarderState:
		if ev.Active {
			m.ForwardersActive.Inc()
		} else {
			m.ForwardersActive.Dec()
		}
	case events.KindTraffic:
		m.BytesSentTotal.Add(float64(ev.SentDelta))
		m.BytesReceivedTotal.Add(float64(ev.RecvDelta))
	}
}

// HandleMetrics serves the Prometheus scrape endpoint.
func (m *Metrics) HandleMetrics() http.Handler {
	return promhttp.Handler()
}
