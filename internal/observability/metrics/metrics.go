package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "caretaker"

// Run outcomes used as the runs_total label.
const (
	OutcomeSubmitted = "submitted"
	OutcomeSkipped   = "skipped"
	OutcomeDryRun    = "dry_run"
	OutcomeFailed    = "failed"
)

// Recorder owns the caretaker collectors and the registry they live in.
type Recorder struct {
	registry *prometheus.Registry

	runs         *prometheus.CounterVec
	failures     *prometheus.CounterVec
	owned        prometheus.Gauge
	eligible     prometheus.Gauge
	transactions prometheus.Counter
	runDuration  prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// New creates a Recorder backed by a fresh registry that also exposes the Go
// runtime and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed care runs by outcome",
		}, []string{"outcome"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_failures_total",
			Help:      "Failed care runs by error code",
		}, []string{"code", "stage"}),
		owned: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "assets_owned",
			Help:      "Assets owned by the wallet in the latest run",
		}),
		eligible: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "assets_eligible",
			Help:      "Assets past the cooldown in the latest run",
		}),
		transactions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_submitted_total",
			Help:      "Confirmed interact transactions",
		}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a care run",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by handler, method and status",
		}, []string{"handler", "method", "code"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"handler", "method"}),
	}
}

// ObserveAssets records the owned and eligible counts of a run.
func (r *Recorder) ObserveAssets(owned, eligible int) {
	if r == nil {
		return
	}
	r.owned.Set(float64(owned))
	r.eligible.Set(float64(eligible))
}

// ObserveRun records a finished run.
func (r *Recorder) ObserveRun(outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(outcome).Inc()
	r.runDuration.Observe(duration.Seconds())
	if outcome == OutcomeSubmitted {
		r.transactions.Inc()
	}
}

// ObserveFailure records a failed run with its error code and stage.
func (r *Recorder) ObserveFailure(code, stage string, duration time.Duration) {
	if r == nil {
		return
	}
	r.ObserveRun(OutcomeFailed, duration)
	r.failures.WithLabelValues(code, stage).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Recorder) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	r.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Registry exposes the underlying registry for tests and extra collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler returns an HTTP handler exposing the collected metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
