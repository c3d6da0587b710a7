// Package metrics exposes sandpit's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sandpit"

// Recorder owns a private registry so instances do not collide in tests.
type Recorder struct {
	registry *prometheus.Registry

	compiles         *prometheus.CounterVec
	compileDuration  *prometheus.HistogramVec
	provisions       *prometheus.CounterVec
	provisionSeconds prometheus.Histogram
	activeWorkspaces prometheus.Gauge
	formats          *prometheus.CounterVec
	rateLimited      prometheus.Counter
	sessions         prometheus.Gauge
}

// New registers every instrument plus the Go and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		// Labels: outcome (clean, diagnostic, cached, infrastructure)
		compiles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workspace",
			Name:      "compiles_total",
			Help:      "Compile requests by outcome",
		}, []string{"outcome"}),
		compileDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workspace",
			Name:      "compile_duration_seconds",
			Help:      "Compile request latency including provisioning",
			Buckets:   []float64{0.005, 0.05, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"outcome"}),
		provisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workspace",
			Name:      "provisions_total",
			Help:      "Sandbox provisioning attempts by result",
		}, []string{"result"}),
		provisionSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workspace",
			Name:      "provision_duration_seconds",
			Help:      "Time to provision a fresh sandbox",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		activeWorkspaces: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workspace",
			Name:      "active",
			Help:      "Registered workspaces",
		}),
		formats: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "format",
			Name:      "requests_total",
			Help:      "Format requests by result",
		}, []string{"result"}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "rate_limited_total",
			Help:      "Compile requests rejected by the per-user rate limit",
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "websocket_sessions",
			Help:      "Open websocket sessions",
		}),
	}
}

func (r *Recorder) ObserveCompile(outcome string, d time.Duration) {
	r.compiles.WithLabelValues(outcome).Inc()
	r.compileDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (r *Recorder) ObserveProvision(ok bool, d time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	r.provisions.WithLabelValues(result).Inc()
	r.provisionSeconds.Observe(d.Seconds())
}

func (r *Recorder) SetActiveWorkspaces(n int) {
	r.activeWorkspaces.Set(float64(n))
}

// ObserveFormat counts a format request; result is "ok" or "error".
func (r *Recorder) ObserveFormat(result string) {
	r.formats.WithLabelValues(result).Inc()
}

func (r *Recorder) RateLimited() {
	r.rateLimited.Inc()
}

// SessionOpened and SessionClosed track live websocket sessions.
func (r *Recorder) SessionOpened() { r.sessions.Inc() }
func (r *Recorder) SessionClosed() { r.sessions.Dec() }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
