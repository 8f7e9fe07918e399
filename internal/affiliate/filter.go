package affiliate

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Filter resolves affiliate attribution per request. Configuration is fixed
// at construction so a Filter is safe for concurrent use.
type Filter struct {
	ttl        time.Duration
	domain     string
	path       string
	secure     bool
	httpOnly   bool
	sameSite   http.SameSite
	overwrite  bool
	fromCookie string
	timeCookie string
	tagParam   string

	now       func() time.Time
	onResolve func(ctx context.Context, res Resolution)
	limiter   CreditLimiter
	creditKey func(*http.Request) string
}

// New returns a Filter with defaults applied before opts.
func New(opts ...Option) *Filter {
	f := &Filter{
		ttl:        DefaultTTL,
		path:       DefaultPath,
		httpOnly:   true,
		sameSite:   http.SameSiteLaxMode,
		overwrite:  true,
		fromCookie: DefaultFromCookie,
		timeCookie: DefaultTimeCookie,
		now:        time.Now,
		creditKey:  remoteHost,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// TTL returns the configured cookie lifetime.
func (f *Filter) TTL() time.Duration { return f.ttl }

// CookieNames returns the origin and timestamp cookie names.
func (f *Filter) CookieNames() (from, ts string) { return f.fromCookie, f.timeCookie }

// Middleware wraps next with attribution resolution.
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := f.now()
		res := f.resolve(r, now)

		ctx := r.Context()
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(attribute.String("affiliate.outcome", string(res.Outcome)))
			if !res.Attribution.IsZero() {
				span.SetAttributes(
					attribute.String(FieldFrom, res.Attribution.From),
					attribute.Int64(FieldTime, res.Attribution.Time),
				)
			}
		}

		if f.onResolve != nil {
			f.onResolve(ctx, res)
		}

		r = r.WithContext(WithAttribution(WithResolution(ctx, res), res.Attribution))

		if !res.WriteCookies {
			next.ServeHTTP(w, r)
			return
		}

		cw := &cookieWriter{
			ResponseWriter: w,
			cookies:        f.cookies(res.Attribution, now),
		}
		next.ServeHTTP(cw, r)
		// downstream may not have written anything, headers are still open
		cw.writeCookies()
	})
}

// resolve applies the attribution policy to r without side effects on the
// request or response. The credit limiter is the only external call.
func (f *Filter) resolve(r *http.Request, now time.Time) Resolution {
	referer := r.Header.Get("Referer")
	tag := f.tag(r)

	if tag == "" && f.isSelfReferral(referer, r.Host) {
		return Resolution{Outcome: OutcomeSelfReferral}
	}

	prev := f.readCookies(r)
	candidate := tag
	if candidate == "" {
		candidate = referer
	}

	res := Resolution{
		Outcome:     OutcomeNone,
		Attribution: prev,
		Previous:    prev,
	}
	if !prev.IsZero() {
		res.Outcome = OutcomeKept
	}

	if candidate == "" || candidate == prev.From {
		return res
	}
	if !prev.IsZero() && !f.overwrite {
		return res
	}
	if f.limiter != nil && !f.limiter.Allow(f.creditKey(r)) {
		res.Outcome = OutcomeThrottled
		return res
	}

	res.Attribution = Attribution{From: candidate, Time: now.Unix()}
	res.WriteCookies = true
	if prev.IsZero() {
		res.Outcome = OutcomeNew
	} else {
		res.Outcome = OutcomeOverwritten
	}
	return res
}

func (f *Filter) tag(r *http.Request) string {
	if f.tagParam == "" || r.URL == nil {
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get(f.tagParam))
}

// isSelfReferral reports whether referer contains this site's host. The
// configured cookie domain wins over the request Host.
func (f *Filter) isSelfReferral(referer, reqHost string) bool {
	if referer == "" {
		return false
	}
	host := strings.TrimPrefix(f.domain, ".")
	if host == "" {
		host = reqHost
	}
	if host == "" {
		return false
	}
	return strings.Contains(referer, host)
}

// readCookies returns the visitor's stored attribution. A missing or
// unparseable timestamp reads as 0; a missing origin means no attribution.
func (f *Filter) readCookies(r *http.Request) Attribution {
	c, err := r.Cookie(f.fromCookie)
	if err != nil {
		return Attribution{}
	}
	from := decodeValue(c.Value)
	if from == "" {
		return Attribution{}
	}
	a := Attribution{From: from}
	if tc, err := r.Cookie(f.timeCookie); err == nil {
		if ts, err := strconv.ParseInt(strings.TrimSpace(tc.Value), 10, 64); err == nil {
			a.Time = ts
		}
	}
	return a
}

func (f *Filter) cookies(a Attribution, now time.Time) []*http.Cookie {
	expires := now.Add(f.ttl)
	maxAge := int(f.ttl / time.Second)
	mk := func(name, value string) *http.Cookie {
		return &http.Cookie{
			Name:     name,
			Value:    value,
			Path:     f.path,
			Domain:   f.domain,
			Expires:  expires,
			MaxAge:   maxAge,
			Secure:   f.secure,
			HttpOnly: f.httpOnly,
			SameSite: f.sameSite,
		}
	}
	return []*http.Cookie{
		mk(f.fromCookie, encodeValue(a.From)),
		mk(f.timeCookie, strconv.FormatInt(a.Time, 10)),
	}
}

// Origins are full URLs or free-form tags, so they are query-escaped to
// stay inside the cookie-octet set.
func encodeValue(s string) string { return url.QueryEscape(s) }

func decodeValue(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return s
}
