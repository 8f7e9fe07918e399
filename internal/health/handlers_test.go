package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type ctxProbeKey struct{}

func TestProbeHandlers(t *testing.T) {
	tests := []struct {
		name     string
		h        http.HandlerFunc
		wantCode int
		wantBody string
	}{
		{"healthz ok", HealthzHandler(Fixed(true, "")), http.StatusOK, "ok"},
		{"healthz failing", HealthzHandler(Fixed(false, "broken")), http.StatusServiceUnavailable, "broken"},
		{"healthz nil probe", HealthzHandler(nil), http.StatusOK, "ok"},
		{"readyz ok", ReadyzHandler(Fixed(true, "")), http.StatusOK, "ready"},
		{"readyz failing", ReadyzHandler(Fixed(false, "upstream: dial refused")), http.StatusServiceUnavailable, "upstream: dial refused"},
		{"readyz nil probe", ReadyzHandler(nil), http.StatusOK, "ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if rec.Header().Get("Cache-Control") != "no-store" {
				t.Fatal("probe responses must not be cached")
			}
		})
	}
}

func TestReadyzHandler_PassesRequestContext(t *testing.T) {
	var saw any
	h := ReadyzHandler(CheckFunc(func(ctx context.Context) error {
		saw = ctx.Value(ctxProbeKey{})
		return nil
	}))
	req := httptest.NewRequest(http.MethodGet, "/-/ready", http.NoBody)
	req = req.WithContext(context.WithValue(req.Context(), ctxProbeKey{}, "marker"))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if saw != "marker" {
		t.Fatalf("probe saw %v, want request context value", saw)
	}
}
