package affiliate

import (
	"context"
	"net"
	"net/http"
	"time"
)

// Defaults for a Filter built without options.
const (
	DefaultTTL        = 30 * 24 * time.Hour
	DefaultFromCookie = "req_from"
	DefaultTimeCookie = "req_time"
	DefaultPath       = "/"
)

// CreditLimiter decides whether a visitor may be credited a new attribution.
// key is typically the resolved client IP.
type CreditLimiter interface {
	Allow(key string) bool
}

type Option func(*Filter)

// WithTTL sets the cookie lifetime. Non-positive values keep the default.
func WithTTL(d time.Duration) Option {
	return func(f *Filter) {
		if d > 0 {
			f.ttl = d
		}
	}
}

// WithDomain scopes the cookies to domain. It is also used as the site host
// for self-referral detection. Empty means host-only cookies.
func WithDomain(domain string) Option {
	return func(f *Filter) {
		f.domain = domain
	}
}

// WithOverwrite controls whether a later referral replaces an attribution
// already stored in the visitor's cookies. Default true.
func WithOverwrite(allow bool) Option {
	return func(f *Filter) {
		f.overwrite = allow
	}
}

// WithCookieNames overrides the origin and timestamp cookie names. Empty
// names keep the defaults.
func WithCookieNames(from, ts string) Option {
	return func(f *Filter) {
		if from != "" {
			f.fromCookie = from
		}
		if ts != "" {
			f.timeCookie = ts
		}
	}
}

// WithTagParam enables an explicit query parameter (e.g. "ref") whose value
// is credited in preference to the Referer header. Empty disables it.
func WithTagParam(name string) Option {
	return func(f *Filter) {
		f.tagParam = name
	}
}

// WithCookiePath sets the cookie Path attribute. Empty keeps "/".
func WithCookiePath(p string) Option {
	return func(f *Filter) {
		if p != "" {
			f.path = p
		}
	}
}

// WithSecure marks the cookies Secure.
func WithSecure(secure bool) Option {
	return func(f *Filter) {
		f.secure = secure
	}
}

// WithHTTPOnly controls the HttpOnly attribute. Default true.
func WithHTTPOnly(httpOnly bool) Option {
	return func(f *Filter) {
		f.httpOnly = httpOnly
	}
}

// WithSameSite sets the SameSite attribute. Default Lax.
func WithSameSite(s http.SameSite) Option {
	return func(f *Filter) {
		f.sameSite = s
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(f *Filter) {
		if now != nil {
			f.now = now
		}
	}
}

// WithOnResolve registers a callback invoked once per request after the
// attribution is resolved and before the downstream handler runs.
// Used for metrics and debug logging; it must not block.
func WithOnResolve(fn func(ctx context.Context, res Resolution)) Option {
	return func(f *Filter) {
		f.onResolve = fn
	}
}

// WithCreditLimiter consults l before crediting a new or replacing
// attribution. key extracts the limiter key from the request; nil uses the
// host part of RemoteAddr.
func WithCreditLimiter(l CreditLimiter, key func(*http.Request) string) Option {
	return func(f *Filter) {
		f.limiter = l
		if key != nil {
			f.creditKey = key
		}
	}
}

func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
