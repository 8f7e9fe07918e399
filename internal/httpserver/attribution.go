package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/keithlinneman/linnemanlabs-affiliates/internal/affiliate"
)

type attributionView struct {
	Attributed bool   `json:"attributed"`
	From       string `json:"from,omitempty"`
	Time       int64  `json:"time,omitempty"`
	CreditedAt string `json:"credited_at,omitempty"`
}

// attributionHandler reports the attribution the filter resolved for this
// request, including one credited by this very request.
func attributionHandler(w http.ResponseWriter, r *http.Request) {
	var v attributionView
	if a, ok := affiliate.FromContext(r.Context()); ok {
		v = attributionView{
			Attributed: true,
			From:       a.From,
			Time:       a.Time,
			CreditedAt: a.CreditedAt().Format(time.RFC3339),
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(v)
}
