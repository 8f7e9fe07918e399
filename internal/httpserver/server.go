package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-affiliates/internal/health"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/log"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/xerrors"
)

const (
	probeHealthy = "/-/healthy"
	probeReady   = "/-/ready"
)

// NewHandler builds the public handler: local routes, the downstream
// catch-all and the middleware stack. main() owns *http.Server so it can do
// graceful shutdown.
func NewHandler(opts *Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}

	r := chi.NewRouter()

	r.Use(middleware.Compress(5,
		"text/html",
		"text/css",
		"text/plain",
		"application/javascript",
		"application/json",
		"image/svg+xml",
	))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())

	if opts.Health != nil {
		r.Get(probeHealthy, health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get(probeReady, health.ReadyzHandler(opts.Readiness))
	}
	r.With(httpmw.Scope("attribution")).Get("/-/attribution", attributionHandler)

	if opts.Downstream != nil {
		r.With(httpmw.Scope("downstream"), httpmw.MaxBody(opts.MaxBodyBytes)).Handle("/*", opts.Downstream)
	}

	// Middleware, outermost first. The affiliate filter sits inside the
	// request logger so its hooks log with request fields, and outside the
	// router so the access log sees the attribution.
	return httpmw.Chain(r,
		httpmw.SecurityHeaders,
		recoverMW(opts, logger),
		httpmw.RequestID("X-Request-Id"),
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		tracing,
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		opts.MetricsMW,
		httpmw.WithLogger(logger),
		bypassProbes(opts.Filter),
	)
}

// bypassProbes keeps load balancer probes out of attribution: they get no
// cookies and are not counted as resolutions.
func bypassProbes(filter func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if filter == nil {
		return nil
	}
	return func(next http.Handler) http.Handler {
		filtered := filter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case probeHealthy, probeReady:
				next.ServeHTTP(w, r)
			default:
				filtered.ServeHTTP(w, r)
			}
		})
	}
}

func recoverMW(opts *Options, logger log.Logger) func(http.Handler) http.Handler {
	if !opts.UseRecoverMW {
		return nil
	}
	return httpmw.Recover(logger, opts.OnPanic)
}

// tracing starts the server span. Probes are not traced.
func tracing(next http.Handler) http.Handler {
	return otelhttp.NewHandler(
		next,
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateHTTPRoute renames the span to the route pattern
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
}

// Server timeout defaults, shared with opshttp. The write timeout leaves
// room for the upstream response header timeout.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 30 * time.Second
	DefaultWriteTimeout      = 60 * time.Second
	DefaultIdleTimeout       = 90 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start listens on opts.Port (8080 when unset) and serves NewHandler(opts)
// in the background. It returns an idempotent stop(ctx) for graceful shutdown.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	srv := NewServer(addr, NewHandler(opts))

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.EnsureTrace(err)
	}

	go func() {
		logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 10*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
