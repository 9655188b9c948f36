package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/sidecar-health/internal/health"
	"github.com/keithlinneman/sidecar-health/internal/version"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	profilingActive prometheus.Gauge

	// probe metrics
	evaluationsTotal *prometheus.CounterVec

	// control plane sync metrics
	syncPollsTotal    prometheus.Counter
	syncErrorsTotal   *prometheus.CounterVec
	syncPollDuration  prometheus.Histogram
	syncLastSuccessTs prometheus.Gauge
	syncStale         prometheus.Gauge
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{16, 64, 256, 1024, 4096, 16384},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		evaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "health_evaluations_total",
			Help: "Total probe evaluations by verdict",
		}, []string{"verdict"}),
		syncPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_polls_total",
			Help: "Total number of control plane poll cycles",
		}),
		syncErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_errors_total",
			Help: "Total control plane poll errors by type",
		}, []string{"type"}),
		syncPollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "controlplane_poll_duration_seconds",
			Help:    "Time to complete a control plane poll",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		syncLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful control plane poll",
		}),
		syncStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_stale",
			Help: "Whether control plane contact is stale (1) or healthy (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.evaluationsTotal,
		m.syncPollsTotal,
		m.syncErrorsTotal,
		m.syncPollDuration,
		m.syncLastSuccessTs,
		m.syncStale,
	)

	// pre-create every verdict series so rate() works from the first scrape
	for _, v := range health.Verdicts {
		m.evaluationsTotal.WithLabelValues(v.Label())
	}

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *ServerMetrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolToFloat(active))
}

// ObserveVerdict counts one probe evaluation, suitable for healthhttp.WithOnVerdict.
func (m *ServerMetrics) ObserveVerdict(v health.Verdict) {
	m.evaluationsTotal.WithLabelValues(v.Label()).Inc()
}

// controlplane.SyncMetrics

func (m *ServerMetrics) IncSyncPolls() {
	m.syncPollsTotal.Inc()
}

func (m *ServerMetrics) IncSyncError(errType string) {
	m.syncErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) ObserveSyncPollDuration(seconds float64) {
	m.syncPollDuration.Observe(seconds)
}

func (m *ServerMetrics) SetSyncLastSuccess(t time.Time) {
	m.syncLastSuccessTs.Set(float64(t.Unix()))
}

func (m *ServerMetrics) SetSyncStale(stale bool) {
	m.syncStale.Set(boolToFloat(stale))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
