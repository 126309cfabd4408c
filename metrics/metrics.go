// Package metrics exposes Prometheus counters for ledger outcomes and HTTP
// request latency.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/banking-ledger/ledger"
)

// Recorder implements ledger.Recorder on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	movements   *prometheus.CounterVec
	paydowns    *prometheus.CounterVec
	failures    *prometheus.CounterVec
	httpLatency *prometheus.HistogramVec
}

var _ ledger.Recorder = (*Recorder)(nil)

// New creates a Recorder and registers its collectors, plus the Go and
// process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		movements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_movements_total",
				Help: "Movements applied, by kind and payment write profile.",
			},
			[]string{"kind", "profile"},
		),
		paydowns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_paydowns_total",
				Help: "Credit card paydowns applied, by whether the amount was adjusted.",
			},
			[]string{"adjusted"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_operation_failures_total",
				Help: "Rejected or failed ledger operations, by operation and error kind.",
			},
			[]string{"op", "kind"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_requests_latency_seconds",
				Help:    "Latency of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}
	r.registry.MustRegister(
		r.movements,
		r.paydowns,
		r.failures,
		r.httpLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) MovementApplied(kind ledger.Kind, profile ledger.WriteProfile) {
	r.movements.WithLabelValues(string(kind), profile.String()).Inc()
}

func (r *Recorder) PaydownApplied(adjusted bool) {
	r.paydowns.WithLabelValues(strconv.FormatBool(adjusted)).Inc()
}

func (r *Recorder) OperationFailed(op string, kind ledger.ErrorKind) {
	r.failures.WithLabelValues(op, string(kind)).Inc()
}

// Handler serves the registry for /metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// =============================================================================
// HTTP MIDDLEWARE
// =============================================================================

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// HTTP observes request latency labelled by chi route pattern.
func (r *Recorder) HTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, req)

		r.httpLatency.WithLabelValues(req.Method, routePattern(req), strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if patt := rc.RoutePattern(); patt != "" {
			return patt
		}
	}
	return "unmatched"
}
