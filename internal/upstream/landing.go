package upstream

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/keithlinneman/linnemanlabs-affiliates/internal/affiliate"
)

type landingAttribution struct {
	From       string `json:"from"`
	Time       int64  `json:"time"`
	CreditedAt string `json:"credited_at"`
}

type landingBody struct {
	Service     string              `json:"service"`
	Path        string              `json:"path"`
	Attribution *landingAttribution `json:"attribution"`
}

// Landing answers every path with a JSON description of the request's
// attribution. It stands in for the application when no upstream is set.
func Landing(service string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := landingBody{Service: service, Path: r.URL.Path}
		if a, ok := affiliate.FromContext(r.Context()); ok {
			body.Attribution = &landingAttribution{
				From:       a.From,
				Time:       a.Time,
				CreditedAt: a.CreditedAt().Format(time.RFC3339),
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode(body)
	})
}
