package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/version"
)

const namespace = "jsonserve"

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// raw TCP side
	connActive     prometheus.Gauge
	connTotal      prometheus.Counter
	responsesTotal *prometheus.CounterVec
	connDur        prometheus.Histogram
	respBytes      prometheus.Histogram
	connErrors     *prometheus.CounterVec
	panicTotal     prometheus.Counter
	throttledTotal prometheus.Counter

	// admin listener
	adminInflight prometheus.Gauge
	adminReqTotal *prometheus.CounterVec
	adminReqDur   *prometheus.HistogramVec

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	contentInfo            *prometheus.GaugeVec
	contentSize            prometheus.Gauge
	contentGeneration      prometheus.Gauge
	contentLoadedTimestamp prometheus.Gauge

	watcherEventsTotal  prometheus.Counter
	watcherReloadsTotal *prometheus.CounterVec
	watcherSwapsTotal   prometheus.Counter
	watcherErrorsTotal  *prometheus.CounterVec
	reloadDuration      prometheus.Histogram
}

// New returns a fresh registry with the Go and process collectors and every
// jsonserve metric registered.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		connActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently being served",
		}),
		connTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total accepted connections",
		}),
		responsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Connections by outcome (ok, not_found, internal_server_error, none)",
		}, []string{"status"}),
		connDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Time from accept to close",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1, 5},
		}),
		respBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_size_bytes",
			Help:      "Bytes written per response, headers included",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		}),
		connErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Connection errors by stage (accept, read, write)",
		}, []string{"stage"}),
		panicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_panics_total",
			Help:      "Recovered panics in connection handlers",
		}),
		throttledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_throttled_total",
			Help:      "Connections that waited on the per-IP rate limiter",
		}),
		adminInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "admin_http_inflight_requests",
			Help: "Current number of in-flight admin HTTP requests",
		}),
		adminReqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admin_http_requests_total",
			Help: "Total admin HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		adminReqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admin_http_request_duration_seconds",
			Help:    "Admin request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		contentInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "content_info",
			Help:      "Currently served document (labels carry identity, value is always 1)",
		}, []string{"sha256", "source"}),
		contentSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "content_size_bytes",
			Help:      "Size of the currently served document",
		}),
		contentGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "content_generation",
			Help:      "Number of times the cache has been published",
		}),
		contentLoadedTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "content_loaded_timestamp_seconds",
			Help:      "Unix timestamp of when the current document was loaded",
		}),
		watcherEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_events_total",
			Help:      "Filesystem events for the watched file",
		}),
		watcherReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_reloads_total",
			Help:      "Reload attempts by trigger (watch, resync)",
		}, []string{"source"}),
		watcherSwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_swaps_total",
			Help:      "Reloads that published new contents",
		}),
		watcherErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_errors_total",
			Help:      "Watcher errors by type",
		}, []string{"type"}),
		reloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "watcher_reload_duration_seconds",
			Help:      "Time to read, validate and publish the file",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
	reg.MustRegister(
		m.connActive,
		m.connTotal,
		m.responsesTotal,
		m.connDur,
		m.respBytes,
		m.connErrors,
		m.panicTotal,
		m.throttledTotal,
		m.adminInflight,
		m.adminReqTotal,
		m.adminReqDur,
		m.buildInfo,
		m.profilingActive,
		m.contentInfo,
		m.contentSize,
		m.contentGeneration,
		m.contentLoadedTimestamp,
		m.watcherEventsTotal,
		m.watcherReloadsTotal,
		m.watcherSwapsTotal,
		m.watcherErrorsTotal,
		m.reloadDuration,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
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
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// connection metrics

func (m *ServerMetrics) ConnOpened() {
	m.connTotal.Inc()
	m.connActive.Inc()
}

func (m *ServerMetrics) ConnClosed() {
	m.connActive.Dec()
}

// ObserveConnection records the outcome of one connection. status is "none"
// when nothing was written.
func (m *ServerMetrics) ObserveConnection(ctx context.Context, status string, bytes int64, seconds float64) {
	m.responsesTotal.WithLabelValues(status).Inc()
	observe(ctx, m.connDur, seconds)
	if bytes > 0 {
		m.respBytes.Observe(float64(bytes))
	}
}

func (m *ServerMetrics) IncConnError(stage string) {
	m.connErrors.WithLabelValues(stage).Inc()
}

func (m *ServerMetrics) IncPanic() {
	m.panicTotal.Inc()
}

func (m *ServerMetrics) IncThrottled() {
	m.throttledTotal.Inc()
}

// content metrics

func (m *ServerMetrics) SetContent(sha256, source string, size int64, generation uint64, loadedAt time.Time) {
	m.contentInfo.Reset()
	m.contentInfo.WithLabelValues(sha256, source).Set(1)
	m.contentSize.Set(float64(size))
	m.contentGeneration.Set(float64(generation))
	m.contentLoadedTimestamp.Set(float64(loadedAt.Unix()))
}

// watcher metrics

func (m *ServerMetrics) IncWatcherEvents() {
	m.watcherEventsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherReloads(source string) {
	m.watcherReloadsTotal.WithLabelValues(source).Inc()
}

func (m *ServerMetrics) IncWatcherSwaps() {
	m.watcherSwapsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherError(errType string) {
	m.watcherErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) ObserveReloadDuration(seconds float64) {
	m.reloadDuration.Observe(seconds)
}
