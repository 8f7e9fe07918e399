package opshttp

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/keithlinneman/linnemanlabs-affiliates/internal/log"
)

func TestRequireNonPublicNetwork(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		want   int
	}{
		{"loopback", "127.0.0.1:12345", http.StatusOK},
		{"ipv6 loopback", "[::1]:12345", http.StatusOK},
		{"10/8", "10.0.0.1:8080", http.StatusOK},
		{"172.16/12", "172.16.0.1:8080", http.StatusOK},
		{"192.168/16", "192.168.1.1:8080", http.StatusOK},
		{"link local", "169.254.1.1:8080", http.StatusOK},
		{"mapped private", "[::ffff:10.0.0.1]:12345", http.StatusOK},
		{"public", "8.8.8.8:12345", http.StatusForbidden},
		{"documentation range", "203.0.113.1:80", http.StatusForbidden},
		{"mapped public", "[::ffff:8.8.8.8]:12345", http.StatusForbidden},
		{"malformed", "not-an-address", http.StatusForbidden},
		{"empty", "", http.StatusForbidden},
		{"invalid ip", "999.999.999.999:8080", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := requireNonPublicNetwork(log.Nop(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))
			req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
			req.RemoteAddr = tt.remote
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if called != (tt.want == http.StatusOK) {
				t.Fatalf("handler called = %v", called)
			}
		})
	}
}
