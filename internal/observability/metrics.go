package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	rowsMerged       *prometheus.CounterVec
	priceChanges     prometheus.Counter
	anomaliesFlagged prometheus.Counter
	proposals        *prometheus.CounterVec
	uploadsReceived  *prometheus.CounterVec
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spp_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spp_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	rowsMerged := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spp_merge_rows_total",
		Help: "Staged rows processed by the merge engine, by outcome.",
	}, []string{"outcome"})
	priceChanges := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spp_price_changes_total",
		Help: "Price ledger versions appended.",
	})
	anomalies := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spp_price_anomalies_total",
		Help: "Price changes flagged as anomalous during merge.",
	})
	proposals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spp_category_proposals_total",
		Help: "AI category proposal activity, by status.",
	}, []string{"status"})
	uploads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spp_uploads_total",
		Help: "Pricelist uploads received, by file type.",
	}, []string{"file_type"})
	registry.MustRegister(requests, duration, rowsMerged, priceChanges, anomalies, proposals, uploads)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		rowsMerged:       rowsMerged,
		priceChanges:     priceChanges,
		anomaliesFlagged: anomalies,
		proposals:        proposals,
		uploadsReceived:  uploads,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveMergeRow counts one processed row with its outcome label.
func (m *Metrics) ObserveMergeRow(outcome string) {
	if m == nil {
		return
	}
	m.rowsMerged.WithLabelValues(outcome).Inc()
}

// ObservePriceChange counts an appended price version.
func (m *Metrics) ObservePriceChange() {
	if m == nil {
		return
	}
	m.priceChanges.Inc()
}

// ObserveAnomaly counts a flagged price anomaly.
func (m *Metrics) ObserveAnomaly() {
	if m == nil {
		return
	}
	m.anomaliesFlagged.Inc()
}

// ObserveProposal counts category proposal activity by status.
func (m *Metrics) ObserveProposal(status string) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(status).Inc()
}

// ObserveUpload counts a received upload by file type.
func (m *Metrics) ObserveUpload(fileType string) {
	if m == nil {
		return
	}
	m.uploadsReceived.WithLabelValues(fileType).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
