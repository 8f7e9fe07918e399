package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-affiliates/internal/log"
)

// EnvPrefix namespaces environment overrides: flag "foo-bar" reads
// AFFIL_FOO_BAR.
const EnvPrefix = "AFFIL_"

type App struct {
	LogJSON           bool
	LogLevel          string
	LogBackend        string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	TrustedProxyHops  int
	ConfigSSMParam    string

	// attribution
	AffiliateTTL       time.Duration
	AffiliateDomain    string
	AffiliateOverwrite bool
	FromCookie         string
	TimeCookie         string
	TagParam           string
	CookiePath         string
	CookieSecure       bool
	CookieHTTPOnly     bool
	CookieSameSite     string

	// credit limiter
	EnableCreditLimit    bool
	CreditPerMinute      float64
	CreditBurst          int
	CreditMaxVisitors    int
	CreditVisitorTimeout time.Duration

	// downstream
	UpstreamURL           string
	UpstreamPreserveHost  bool
	UpstreamHeaderTimeout time.Duration
	MaxBodyBytes          int64
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt/console (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.LogBackend, "log-backend", "slog", "slog|zap")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "reverse proxies in front of this service whose X-Forwarded-For is trusted (0..8)")
	fs.StringVar(&c.ConfigSSMParam, "config-ssm-param", "", "optional SSM parameter holding a JSON object of flag overrides")

	fs.DurationVar(&c.AffiliateTTL, "affiliate-ttl", 30*24*time.Hour, "attribution cookie lifetime")
	fs.StringVar(&c.AffiliateDomain, "affiliate-domain", "", "cookie domain, also the site host for self-referral detection (empty: request host)")
	fs.BoolVar(&c.AffiliateOverwrite, "affiliate-overwrite", true, "let a later referral replace an existing attribution")
	fs.StringVar(&c.FromCookie, "affiliate-from-cookie", "req_from", "origin cookie name")
	fs.StringVar(&c.TimeCookie, "affiliate-time-cookie", "req_time", "timestamp cookie name")
	fs.StringVar(&c.TagParam, "affiliate-tag-param", "", "query parameter credited ahead of the Referer (empty: disabled)")
	fs.StringVar(&c.CookiePath, "cookie-path", "/", "cookie Path attribute")
	fs.BoolVar(&c.CookieSecure, "cookie-secure", false, "mark attribution cookies Secure")
	fs.BoolVar(&c.CookieHTTPOnly, "cookie-httponly", true, "mark attribution cookies HttpOnly")
	fs.StringVar(&c.CookieSameSite, "cookie-samesite", "lax", "lax|strict|none|default")

	fs.BoolVar(&c.EnableCreditLimit, "enable-credit-limit", true, "rate limit new credits per visitor IP")
	fs.Float64Var(&c.CreditPerMinute, "credit-per-minute", 6, "new credits allowed per visitor per minute")
	fs.IntVar(&c.CreditBurst, "credit-burst", 3, "credit limiter burst")
	fs.IntVar(&c.CreditMaxVisitors, "credit-max-visitors", 100000, "visitors tracked by the credit limiter before new ones are denied")
	fs.DurationVar(&c.CreditVisitorTimeout, "credit-visitor-ttl", 30*time.Minute, "idle time before a visitor is forgotten by the credit limiter")

	fs.StringVar(&c.UpstreamURL, "upstream-url", "", "application to proxy to (empty: built-in landing handler)")
	fs.BoolVar(&c.UpstreamPreserveHost, "upstream-preserve-host", true, "forward the visitor's Host header upstream")
	fs.DurationVar(&c.UpstreamHeaderTimeout, "upstream-header-timeout", 30*time.Second, "wait for upstream response headers")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 10<<20, "request body limit for proxied requests (0: unlimited)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default. It returns the names of the
// flags it set.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) map[string]bool {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	applied := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
			return
		}
		applied[f.Name] = true
	})
	return applied
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Logging
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if _, err := log.ParseBackend(c.LogBackend); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_BACKEND %q: %w", c.LogBackend, err))
	}
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.TrustedProxyHops < 0 || c.TrustedProxyHops > 8 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be 0..8 (got %d)", c.TrustedProxyHops))
	}

	errs = append(errs, validateAffiliate(c)...)

	// Downstream
	if c.UpstreamURL != "" {
		if u, err := url.Parse(c.UpstreamURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("UPSTREAM_URL must be an http(s) URL (got %q)", c.UpstreamURL))
		}
		if c.UpstreamHeaderTimeout <= 0 {
			errs = append(errs, fmt.Errorf("UPSTREAM_HEADER_TIMEOUT must be positive (got %s)", c.UpstreamHeaderTimeout))
		}
	}
	if c.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must not be negative (got %d)", c.MaxBodyBytes))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateAffiliate(c App) []error {
	var errs []error
	if c.AffiliateTTL <= 0 {
		errs = append(errs, fmt.Errorf("AFFILIATE_TTL must be positive (got %s)", c.AffiliateTTL))
	}
	if strings.ContainsAny(c.AffiliateDomain, " /:;,") {
		errs = append(errs, fmt.Errorf("AFFILIATE_DOMAIN must be a bare host (got %q)", c.AffiliateDomain))
	}
	if c.FromCookie == "" || c.TimeCookie == "" {
		errs = append(errs, fmt.Errorf("AFFILIATE_FROM_COOKIE and AFFILIATE_TIME_COOKIE must be set"))
	} else if c.FromCookie == c.TimeCookie {
		errs = append(errs, fmt.Errorf("AFFILIATE_FROM_COOKIE and AFFILIATE_TIME_COOKIE must differ (both %q)", c.FromCookie))
	}
	for _, name := range []string{c.FromCookie, c.TimeCookie} {
		if name != "" && !validCookieName(name) {
			errs = append(errs, fmt.Errorf("invalid cookie name %q", name))
		}
	}
	if !strings.HasPrefix(c.CookiePath, "/") {
		errs = append(errs, fmt.Errorf("COOKIE_PATH must start with / (got %q)", c.CookiePath))
	}
	ss, err := ParseSameSite(c.CookieSameSite)
	if err != nil {
		errs = append(errs, err)
	} else if ss == http.SameSiteNoneMode && !c.CookieSecure {
		errs = append(errs, fmt.Errorf("COOKIE_SAMESITE=none requires COOKIE_SECURE=true"))
	}
	if c.EnableCreditLimit {
		if c.CreditPerMinute <= 0 {
			errs = append(errs, fmt.Errorf("CREDIT_PER_MINUTE must be positive (got %g)", c.CreditPerMinute))
		}
		if c.CreditBurst < 1 {
			errs = append(errs, fmt.Errorf("CREDIT_BURST must be at least 1 (got %d)", c.CreditBurst))
		}
		if c.CreditMaxVisitors < 1 {
			errs = append(errs, fmt.Errorf("CREDIT_MAX_VISITORS must be at least 1 (got %d)", c.CreditMaxVisitors))
		}
		if c.CreditVisitorTimeout <= 0 {
			errs = append(errs, fmt.Errorf("CREDIT_VISITOR_TTL must be positive (got %s)", c.CreditVisitorTimeout))
		}
	}
	return errs
}

// validCookieName accepts RFC 6265 token characters.
func validCookieName(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || strings.IndexByte(`()<>@,;:\"/[]?={}`, c) >= 0 {
			return false
		}
	}
	return true
}
