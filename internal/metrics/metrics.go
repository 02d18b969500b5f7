package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/iplimit/internal/version"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	errorsTotal            *prometheus.CounterVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter
	profilingActive        prometheus.Gauge

	// admission
	admissionsTotal  *prometheus.CounterVec
	deferredTotal    *prometheus.CounterVec
	pendingKicks     prometheus.Gauge
	trackedAddresses prometheus.Gauge
	effectErrors     *prometheus.CounterVec
	undelivered      *prometheus.CounterVec
	auditErrors      prometheus.Counter
	windowEntries    prometheus.Gauge
	windowPruned     prometheus.Counter
	overrides        prometheus.Gauge

	// effects stream
	effectSubscribers prometheus.Gauge
	effectPublished   *prometheus.CounterVec
	effectDropped     prometheus.Counter

	creationChecks *prometheus.CounterVec
	auditArchives  *prometheus.CounterVec

	// default-policy watcher
	watcherPollsTotal    prometheus.Counter
	watcherSwapsTotal    prometheus.Counter
	watcherErrorsTotal   *prometheus.CounterVec
	watcherLastSuccessTs prometheus.Gauge
	watcherStale         prometheus.Gauge
}

// New returns a fresh registry with the standard collectors, HTTP metrics
// and the admission metrics. HTTP labels are limited to method, route and
// status to keep cardinality bounded; addresses are never used as labels.
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
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		admissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iplimit_admissions_total",
			Help: "Login decisions by outcome",
		}, []string{"outcome"}),
		deferredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iplimit_deferred_disconnects_total",
			Help: "Deferred disconnect lifecycle events (scheduled, warned, fired, cancelled)",
		}, []string{"event"}),
		pendingKicks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iplimit_pending_disconnects",
			Help: "Sessions currently scheduled for a deferred disconnect",
		}),
		trackedAddresses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iplimit_tracked_addresses",
			Help: "Addresses with at least one counted session",
		}),
		effectErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iplimit_effect_errors_total",
			Help: "Host effects that failed by effect",
		}, []string{"effect"}),
		undelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iplimit_effects_undelivered_total",
			Help: "Host effects dropped because no host was connected, by effect",
		}, []string{"effect"}),
		auditErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iplimit_audit_errors_total",
			Help: "Audit rows that could not be written",
		}),
		windowEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iplimit_rate_window_addresses",
			Help: "Addresses with live entries in the distinct-identity window",
		}),
		windowPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iplimit_rate_window_pruned_total",
			Help: "Expired window entries removed by the background sweep",
		}),
		overrides: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iplimit_overrides",
			Help: "Address overrides currently cached",
		}),
		effectSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iplimit_effect_subscribers",
			Help: "Connected effect stream subscribers",
		}),
		effectPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iplimit_effect_commands_total",
			Help: "Effect commands published by type",
		}, []string{"type"}),
		effectDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iplimit_effect_commands_dropped_total",
			Help: "Effect commands dropped because a subscriber queue was full",
		}),
		creationChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iplimit_creation_checks_total",
			Help: "Account creation checks by result",
		}, []string{"result"}),
		auditArchives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iplimit_audit_archives_total",
			Help: "Rotated audit file uploads by result",
		}, []string{"result"}),
		watcherPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iplimit_policy_watcher_polls_total",
			Help: "Total number of default-policy watcher poll cycles",
		}),
		watcherSwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iplimit_policy_watcher_swaps_total",
			Help: "Total number of default policy changes applied",
		}),
		watcherErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iplimit_policy_watcher_errors_total",
			Help: "Total watcher errors by type",
		}, []string{"type"}),
		watcherLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iplimit_policy_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful SSM poll",
		}),
		watcherStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iplimit_policy_watcher_stale",
			Help: "Whether the default-policy watcher is stale (1) or healthy (0)",
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
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.profilingActive,
		m.admissionsTotal,
		m.deferredTotal,
		m.pendingKicks,
		m.trackedAddresses,
		m.effectErrors,
		m.undelivered,
		m.auditErrors,
		m.windowEntries,
		m.windowPruned,
		m.overrides,
		m.effectSubscribers,
		m.effectPublished,
		m.effectDropped,
		m.creationChecks,
		m.auditArchives,
		m.watcherPollsTotal,
		m.watcherSwapsTotal,
		m.watcherErrorsTotal,
		m.watcherLastSuccessTs,
		m.watcherStale,
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

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

// admission.Metrics

func (m *ServerMetrics) IncAdmission(outcome string) {
	m.admissionsTotal.WithLabelValues(outcome).Inc()
}

func (m *ServerMetrics) IncDeferred(event string) {
	m.deferredTotal.WithLabelValues(event).Inc()
}

func (m *ServerMetrics) SetPendingKicks(n int) {
	m.pendingKicks.Set(float64(n))
}

func (m *ServerMetrics) SetTrackedAddresses(n int) {
	m.trackedAddresses.Set(float64(n))
}

func (m *ServerMetrics) IncEffectError(effect string) {
	m.effectErrors.WithLabelValues(effect).Inc()
}

func (m *ServerMetrics) IncEffectUndelivered(effect string) {
	m.undelivered.WithLabelValues(effect).Inc()
}

func (m *ServerMetrics) IncAuditError() {
	m.auditErrors.Inc()
}

// ObserveWindowSweep matches the ratewindow sweep callback.
func (m *ServerMetrics) ObserveWindowSweep(removed, remaining int) {
	m.windowPruned.Add(float64(removed))
	m.windowEntries.Set(float64(remaining))
}

func (m *ServerMetrics) SetOverrides(n int) {
	m.overrides.Set(float64(n))
}

// effects.Metrics

func (m *ServerMetrics) SetEffectSubscribers(n int) {
	m.effectSubscribers.Set(float64(n))
}

func (m *ServerMetrics) IncEffectPublished(commandType string) {
	m.effectPublished.WithLabelValues(commandType).Inc()
}

func (m *ServerMetrics) IncEffectDropped() {
	m.effectDropped.Inc()
}

func (m *ServerMetrics) IncCreationCheck(result string) {
	m.creationChecks.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) IncAuditArchive(result string) {
	m.auditArchives.WithLabelValues(result).Inc()
}

// policy.WatcherMetrics

func (m *ServerMetrics) IncWatcherPolls() {
	m.watcherPollsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherSwaps() {
	m.watcherSwapsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherError(errType string) {
	m.watcherErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) SetWatcherLastSuccess(unixSeconds float64) {
	m.watcherLastSuccessTs.Set(unixSeconds)
}

func (m *ServerMetrics) SetWatcherStale(stale bool) {
	m.watcherStale.Set(boolGauge(stale))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
