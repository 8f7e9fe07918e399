package httpserver

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-affiliates/internal/health"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe
	ClientIPOpts httpmw.ClientIPOptions

	// Filter is the affiliate attribution middleware. It wraps the router so
	// every route, proxied or not, sees the resolved attribution.
	Filter func(http.Handler) http.Handler

	// Downstream serves every path without a local route: the upstream
	// proxy, or the landing handler when no upstream is configured.
	Downstream http.Handler

	// MaxBodyBytes caps request bodies forwarded downstream; 0 disables it.
	MaxBodyBytes int64
}
