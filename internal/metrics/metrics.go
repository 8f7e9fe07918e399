package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-affiliates/internal/affiliate"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	resolutionsTotal     *prometheus.CounterVec
	cookiesWrittenTotal  prometheus.Counter
	attributionAge       prometheus.Histogram
	creditDeniedTotal    prometheus.Counter
	creditCapacityTotal  prometheus.Counter
	upstreamErrorsTotal  *prometheus.CounterVec
	configOverlayApplied *prometheus.GaugeVec
}

// New returns a fresh registry with the Go/process collectors, HTTP metrics
// and the attribution metrics. Labels are bounded: method, route, status,
// outcome and error kind. Origins never become labels.
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
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216},
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
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		resolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "affiliate_resolutions_total",
			Help: "Requests by attribution outcome",
		}, []string{"outcome"}),
		cookiesWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "affiliate_cookies_written_total",
			Help: "Responses that carried fresh attribution cookies",
		}),
		attributionAge: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "affiliate_attribution_age_seconds",
			Help:    "Age of a cookie attribution when it is replaced or kept",
			Buckets: []float64{60, 3600, 6 * 3600, 86400, 3 * 86400, 7 * 86400, 14 * 86400, 30 * 86400},
		}),
		creditDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "affiliate_credit_denied_total",
			Help: "Credits refused by the per-visitor credit limiter",
		}),
		creditCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "affiliate_credit_limiter_capacity_total",
			Help: "Times the credit limiter reached its visitor capacity",
		}),
		upstreamErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_errors_total",
			Help: "Failed proxy round trips to the upstream application by kind",
		}, []string{"kind"}),
		configOverlayApplied: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "config_overlay_keys",
			Help: "Number of settings applied from each configuration source at startup",
		}, []string{"source"}),
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
		m.resolutionsTotal,
		m.cookiesWrittenTotal,
		m.attributionAge,
		m.creditDeniedTotal,
		m.creditCapacityTotal,
		m.upstreamErrorsTotal,
		m.configOverlayApplied,
	)

	// zero series exist from the first scrape so rate() works before traffic
	for _, o := range affiliate.Outcomes() {
		m.resolutionsTotal.WithLabelValues(string(o))
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

// Registry exposes the registry for callers that add their own collectors.
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
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// ObserveResolution records one filter decision. now is the request time,
// used to age a previous attribution.
func (m *ServerMetrics) ObserveResolution(ctx context.Context, res affiliate.Resolution, now time.Time) {
	m.resolutionsTotal.WithLabelValues(string(res.Outcome)).Inc()
	if res.WriteCookies {
		m.cookiesWrittenTotal.Inc()
	}

	switch res.Outcome {
	case affiliate.OutcomeKept, affiliate.OutcomeOverwritten:
	default:
		return
	}
	if res.Previous.IsZero() || res.Previous.Time <= 0 {
		return
	}
	age := now.Sub(res.Previous.CreditedAt()).Seconds()
	if age < 0 {
		return
	}
	observe(m.attributionAge, age, traceExemplar(ctx))
}

func (m *ServerMetrics) IncCreditDenied() {
	m.creditDeniedTotal.Inc()
}

func (m *ServerMetrics) IncCreditCapacity() {
	m.creditCapacityTotal.Inc()
}

// RegisterCreditLimiterVisitors exports the limiter's tracked-visitor count.
func (m *ServerMetrics) RegisterCreditLimiterVisitors(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "affiliate_credit_limiter_visitors",
		Help: "Visitors currently tracked by the credit limiter",
	}, func() float64 { return float64(fn()) }))
}

// IncUpstreamError counts a failed upstream round trip. kind is one of a
// small fixed set (timeout, canceled, body_too_large, transport).
func (m *ServerMetrics) IncUpstreamError(kind string) {
	m.upstreamErrorsTotal.WithLabelValues(kind).Inc()
}

// SetConfigOverlay records how many settings a source (env, ssm) supplied.
func (m *ServerMetrics) SetConfigOverlay(source string, n int) {
	m.configOverlayApplied.WithLabelValues(source).Set(float64(n))
}

func observe(h prometheus.Observer, v float64, ex prometheus.Labels) {
	if ex != nil {
		if eo, ok := h.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(v, ex)
			return
		}
	}
	h.Observe(v)
}

