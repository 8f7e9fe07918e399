package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/linnemanlabs-affiliates/internal/affiliate"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/version"
)

var t0 = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func gather(t *testing.T, m *ServerMetrics, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestNew_Scrape(t *testing.T) {
	m := New()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"http_inflight_requests",
		"http_panic_total",
		"profiling_active",
		"affiliate_cookies_written_total",
		"affiliate_credit_denied_total",
		"go_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("%s missing from scrape", name)
		}
	}
}

func TestNew_OutcomeSeriesPreinitialized(t *testing.T) {
	m := New()
	mf := gather(t, m, "affiliate_resolutions_total")
	if mf == nil {
		t.Fatal("affiliate_resolutions_total not registered")
	}
	if got, want := len(mf.GetMetric()), len(affiliate.Outcomes()); got != want {
		t.Fatalf("series = %d, want %d", got, want)
	}
	for _, s := range mf.GetMetric() {
		if s.GetCounter().GetValue() != 0 {
			t.Fatalf("series %v should start at 0", s.GetLabel())
		}
	}
}

func TestObserveResolution(t *testing.T) {
	prev := affiliate.Attribution{From: "https://old.example", Time: t0.Add(-2 * time.Hour).Unix()}
	tests := []struct {
		name        string
		res         affiliate.Resolution
		wantCookies float64
		wantAges    uint64
	}{
		{"none", affiliate.Resolution{Outcome: affiliate.OutcomeNone}, 0, 0},
		{"new", affiliate.Resolution{Outcome: affiliate.OutcomeNew, WriteCookies: true}, 1, 0},
		{"overwritten", affiliate.Resolution{Outcome: affiliate.OutcomeOverwritten, Previous: prev, WriteCookies: true}, 1, 1},
		{"kept", affiliate.Resolution{Outcome: affiliate.OutcomeKept, Previous: prev}, 0, 1},
		{"kept with unknown time", affiliate.Resolution{Outcome: affiliate.OutcomeKept, Previous: affiliate.Attribution{From: "x"}}, 0, 0},
		{"kept from the future", affiliate.Resolution{Outcome: affiliate.OutcomeKept, Previous: affiliate.Attribution{From: "x", Time: t0.Add(time.Hour).Unix()}}, 0, 0},
		{"throttled", affiliate.Resolution{Outcome: affiliate.OutcomeThrottled, Previous: prev}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			m.ObserveResolution(context.Background(), tt.res, t0)

			if got := testutil.ToFloat64(m.resolutionsTotal.WithLabelValues(string(tt.res.Outcome))); got != 1 {
				t.Fatalf("outcome %s = %v, want 1", tt.res.Outcome, got)
			}
			if got := testutil.ToFloat64(m.cookiesWrittenTotal); got != tt.wantCookies {
				t.Fatalf("cookies written = %v, want %v", got, tt.wantCookies)
			}
			mf := gather(t, m, "affiliate_attribution_age_seconds")
			if got := mf.GetMetric()[0].GetHistogram().GetSampleCount(); got != tt.wantAges {
				t.Fatalf("age samples = %d, want %d", got, tt.wantAges)
			}
		})
	}
}

func TestObserveResolution_AgeValue(t *testing.T) {
	m := New()
	prev := affiliate.Attribution{From: "https://old.example", Time: t0.Add(-90 * time.Minute).Unix()}
	m.ObserveResolution(context.Background(), affiliate.Resolution{Outcome: affiliate.OutcomeKept, Previous: prev}, t0)

	h := gather(t, m, "affiliate_attribution_age_seconds").GetMetric()[0].GetHistogram()
	if got := h.GetSampleSum(); got != 5400 {
		t.Fatalf("age sum = %v, want 5400", got)
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.IncHttpPanic()
	m.IncCreditDenied()
	m.IncCreditDenied()
	m.IncCreditCapacity()
	m.IncUpstreamError("timeout")
	m.IncUpstreamError("timeout")
	m.IncUpstreamError("transport")

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"panic", testutil.ToFloat64(m.httpPanicTotal), 1},
		{"credit denied", testutil.ToFloat64(m.creditDeniedTotal), 2},
		{"credit capacity", testutil.ToFloat64(m.creditCapacityTotal), 1},
		{"upstream timeout", testutil.ToFloat64(m.upstreamErrorsTotal.WithLabelValues("timeout")), 2},
		{"upstream transport", testutil.ToFloat64(m.upstreamErrorsTotal.WithLabelValues("transport")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestSetProfilingActive(t *testing.T) {
	m := New()
	m.SetProfilingActive(true)
	if got := testutil.ToFloat64(m.profilingActive); got != 1 {
		t.Fatalf("active = %v", got)
	}
	m.SetProfilingActive(false)
	if got := testutil.ToFloat64(m.profilingActive); got != 0 {
		t.Fatalf("inactive = %v", got)
	}
}

func TestSetConfigOverlay(t *testing.T) {
	m := New()
	m.SetConfigOverlay("ssm", 4)
	m.SetConfigOverlay("env", 2)
	if got := testutil.ToFloat64(m.configOverlayApplied.WithLabelValues("ssm")); got != 4 {
		t.Fatalf("ssm = %v", got)
	}
}

func TestRegisterCreditLimiterVisitors(t *testing.T) {
	m := New()
	n := 7
	m.RegisterCreditLimiterVisitors(func() int { return n })
	mf := gather(t, m, "affiliate_credit_limiter_visitors")
	if mf == nil || mf.GetMetric()[0].GetGauge().GetValue() != 7 {
		t.Fatalf("visitors gauge = %v", mf)
	}
}

func TestSetBuildInfoFromVersion(t *testing.T) {
	m := New()
	dirty := true
	m.SetBuildInfoFromVersion("linnemanlabs-affiliates", "server", &version.Info{
		Version:   "1.2.3",
		Commit:    "abc123",
		GoVersion: "go1.25",
		VCSDirty:  &dirty,
	})
	mf := gather(t, m, "build_info")
	if mf == nil {
		t.Fatal("build_info missing")
	}
	labels := map[string]string{}
	for _, lp := range mf.GetMetric()[0].GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	if labels["version"] != "1.2.3" || labels["vcs_dirty"] != "true" || labels["app"] != "linnemanlabs-affiliates" {
		t.Fatalf("labels = %v", labels)
	}
}

func TestSetBuildInfoFromVersion_UnknownDirty(t *testing.T) {
	m := New()
	m.SetBuildInfoFromVersion("a", "b", &version.Info{})
	for _, lp := range gather(t, m, "build_info").GetMetric()[0].GetLabel() {
		if lp.GetName() == "vcs_dirty" && lp.GetValue() != "unknown" {
			t.Fatalf("vcs_dirty = %q", lp.GetValue())
		}
	}
}
