package upstream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-affiliates/internal/affiliate"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/health"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/log"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/xerrors"
)

// Attribution request headers. From carries the origin query-escaped, the
// same encoding the cookie uses; Time carries epoch seconds.
const (
	HeaderFrom = "X-Affiliate-From"
	HeaderTime = "X-Affiliate-Time"
)

// Error kinds reported to Options.OnError.
const (
	ErrKindTimeout      = "timeout"
	ErrKindCanceled     = "canceled"
	ErrKindBodyTooLarge = "body_too_large"
	ErrKindTransport    = "transport"
	ErrKindLoop         = "loop"
	ErrKindBadPath      = "bad_path"
)

const (
	defaultViaName         = "linnemanlabs-affiliates"
	defaultHeaderTimeout   = 30 * time.Second
	defaultDialTimeout     = 5 * time.Second
	defaultProbeTimeout    = 2 * time.Second
	defaultIdleConns       = 100
	defaultIdleConnTimeout = 90 * time.Second
)

type Options struct {
	// Target is the upstream base URL; its path is joined with the request path.
	Target *url.URL

	// Transport overrides the instrumented default transport, mainly for tests.
	Transport http.RoundTripper

	// ResponseHeaderTimeout bounds the wait for upstream response headers.
	ResponseHeaderTimeout time.Duration

	// PreserveHost forwards the visitor's Host instead of the target's.
	PreserveHost bool

	// ViaName identifies this hop in the Via header and for loop detection.
	ViaName string

	Logger log.Logger

	// OnError is called once per failed round trip with one of the ErrKind values.
	OnError func(kind string)
}

// Proxy is an http.Handler that forwards to the upstream application.
type Proxy struct {
	target  *url.URL
	via     string
	rp      *httputil.ReverseProxy
	logger  log.Logger
	onError func(string)
}

// New validates opts and builds the proxy.
func New(opts Options) (*Proxy, error) {
	if opts.Target == nil {
		return nil, xerrors.New("upstream: target url is required")
	}
	if opts.Target.Scheme != "http" && opts.Target.Scheme != "https" {
		return nil, xerrors.Newf("upstream: unsupported scheme %q", opts.Target.Scheme)
	}
	if opts.Target.Host == "" {
		return nil, xerrors.New("upstream: target url has no host")
	}

	p := &Proxy{
		target:  opts.Target,
		via:     opts.ViaName,
		logger:  opts.Logger,
		onError: opts.OnError,
	}
	if p.via == "" {
		p.via = defaultViaName
	}
	if p.logger == nil {
		p.logger = log.Nop()
	}

	rt := opts.Transport
	if rt == nil {
		rt = otelhttp.NewTransport(newTransport(opts.ResponseHeaderTimeout))
	}

	preserveHost := opts.PreserveHost
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			// ClientIP middleware has already dropped forwarded headers
			// from untrusted peers, so what is left can be extended.
			if xff := pr.In.Header.Values("X-Forwarded-For"); len(xff) > 0 {
				pr.Out.Header["X-Forwarded-For"] = append([]string(nil), xff...)
			}
			pr.SetURL(p.target)
			pr.SetXForwarded()
			if preserveHost {
				pr.Out.Host = pr.In.Host
			}
			p.setVia(pr.Out)
			setAttributionHeaders(pr.Out)
		},
		Transport:    rt,
		ErrorHandler: p.handleError,
	}
	return p, nil
}

func newTransport(headerTimeout time.Duration) *http.Transport {
	if headerTimeout <= 0 {
		headerTimeout = defaultHeaderTimeout
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}).DialContext
	t.ResponseHeaderTimeout = headerTimeout
	t.MaxIdleConns = defaultIdleConns
	t.MaxIdleConnsPerHost = defaultIdleConns
	t.IdleConnTimeout = defaultIdleConnTimeout
	return t
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.looped(r) {
		p.fail(ErrKindLoop)
		log.FromContext(r.Context()).Warn(r.Context(), "upstream request loop detected", "via", r.Header.Get("Via"))
		http.Error(w, http.StatusText(http.StatusLoopDetected), http.StatusLoopDetected)
		return
	}
	// the upstream sees the path as sent, so traversal is refused here
	if !pathutil.Forwardable(r.URL.Path) {
		p.fail(ErrKindBadPath)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	p.rp.ServeHTTP(w, r)
}

// looped reports whether this hop already appears in the inbound Via chain.
func (p *Proxy) looped(r *http.Request) bool {
	for _, v := range r.Header.Values("Via") {
		for _, hop := range strings.Split(v, ",") {
			f := strings.Fields(hop)
			if len(f) >= 2 && f[1] == p.via {
				return true
			}
		}
	}
	return false
}

func (p *Proxy) setVia(out *http.Request) {
	hop := strconv.Itoa(out.ProtoMajor) + "." + strconv.Itoa(out.ProtoMinor) + " " + p.via
	if prev := strings.Join(out.Header.Values("Via"), ", "); prev != "" {
		hop = prev + ", " + hop
	}
	out.Header.Set("Via", hop)
}

// setAttributionHeaders replaces any client-supplied attribution headers
// with the value the filter resolved, or removes them when there is none.
func setAttributionHeaders(out *http.Request) {
	out.Header.Del(HeaderFrom)
	out.Header.Del(HeaderTime)
	a, ok := affiliate.FromContext(out.Context())
	if !ok {
		return
	}
	out.Header.Set(HeaderFrom, url.QueryEscape(a.From))
	out.Header.Set(HeaderTime, strconv.FormatInt(a.Time, 10))
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	kind := classify(ctx, err)
	p.fail(kind)

	L := log.FromContext(ctx)
	status := http.StatusBadGateway
	switch kind {
	case ErrKindCanceled:
		// visitor went away, the status only reaches logs and metrics
		L.Debug(ctx, "upstream request canceled", "upstream", p.target.Host)
	case ErrKindBodyTooLarge:
		status = http.StatusRequestEntityTooLarge
		L.Warn(ctx, "upstream request body too large", "upstream", p.target.Host)
	case ErrKindTimeout:
		status = http.StatusGatewayTimeout
		L.Error(ctx, xerrors.Wrap(err, "upstream timeout"), "upstream round trip failed", "upstream", p.target.Host, "kind", kind)
	default:
		L.Error(ctx, xerrors.Wrap(err, "upstream round trip"), "upstream round trip failed", "upstream", p.target.Host, "kind", kind)
	}
	http.Error(w, http.StatusText(status), status)
}

func (p *Proxy) fail(kind string) {
	if p.onError != nil {
		p.onError(kind)
	}
}

func classify(ctx context.Context, err error) string {
	var tooLarge *http.MaxBytesError
	var ne net.Error
	switch {
	case errors.As(err, &tooLarge):
		return ErrKindBodyTooLarge
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return ErrKindCanceled
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return ErrKindTimeout
	default:
		return ErrKindTransport
	}
}

// Probe checks that the upstream accepts TCP connections. It backs the
// readiness endpoint.
func (p *Proxy) Probe() health.CheckFunc {
	addr := hostPort(p.target)
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
		defer cancel()
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return xerrors.Wrapf(err, "upstream %s unreachable", addr)
		}
		_ = conn.Close()
		return nil
	}
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}
