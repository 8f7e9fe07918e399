package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-affiliates/internal/affiliate"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/health"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/log"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/prof"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-affiliates/internal/upstream"
	v "github.com/keithlinneman/linnemanlabs-affiliates/internal/version"
)

const component = "server"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	envApplied := cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// optional SSM overlay, lowest precedence above defaults. flag.Set marks
	// env-applied flags as set, so Visit covers both cli and env.
	var ssmApplied map[string]bool
	if conf.ConfigSSMParam != "" {
		skip := make(map[string]bool)
		flag.CommandLine.Visit(func(f *flag.Flag) { skip[f.Name] = true })

		var err error
		ssmApplied, err = loadSSMOverlay(ctx, conf.ConfigSSMParam, skip)
		switch {
		case err != nil && ssmApplied == nil:
			// parameter unreadable: refuse to start on partial config
			fmt.Fprintln(os.Stderr, "config error:", err)
			os.Exit(1)
		case err != nil:
			fmt.Fprintln(os.Stderr, "config warning:", err)
		}
	}

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging; levels and backend were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	backend, _ := log.ParseBackend(conf.LogBackend)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.ShortCommit(),
		Backend:           backend,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// flushes zap buffers; no-op for slog
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"log_backend", conf.LogBackend,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"trace_sample", conf.TraceSample,
		"trusted_proxy_hops", conf.TrustedProxyHops,
		"config_ssm_param", conf.ConfigSSMParam,
		"affiliate_ttl", conf.AffiliateTTL.String(),
		"affiliate_domain", conf.AffiliateDomain,
		"affiliate_overwrite", conf.AffiliateOverwrite,
		"affiliate_tag_param", conf.TagParam,
		"enable_credit_limit", conf.EnableCreditLimit,
		"upstream_url", conf.UpstreamURL,
	)

	// Metrics first so profiling and overlay state can be recorded
	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetConfigOverlay("env", len(envApplied))
	m.SetConfigOverlay("ssm", len(ssmApplied))

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": component,
			"version":   vi.Version,
			"commit":    vi.ShortCommit(),
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Setup otel for tracing
	// Insecure is true because we only write to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Affiliate attribution filter
	filterOpts := conf.ToFilterOptions()
	filterOpts = append(filterOpts, affiliate.WithOnResolve(func(ctx context.Context, res affiliate.Resolution) {
		m.ObserveResolution(ctx, res, time.Now())
		if res.WriteCookies {
			log.FromContext(ctx).Debug(ctx, "affiliate credited",
				"affiliate.outcome", string(res.Outcome),
				affiliate.FieldFrom, res.Attribution.From,
				"affiliate.previous", res.Previous.From,
			)
		}
	}))

	if conf.EnableCreditLimit {
		limiter := ratelimit.New(ctx,
			ratelimit.WithRate(conf.CreditPerMinute, conf.CreditBurst),
			ratelimit.WithTTL(conf.CreditVisitorTimeout),
			ratelimit.WithMaxVisitors(conf.CreditMaxVisitors),
			ratelimit.WithOnDenied(func(string) {
				m.IncCreditDenied()
			}),
			// only log the first denial per visitor until it is evicted
			ratelimit.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "affiliate credit limit triggered", "ip", ip)
			}),
			ratelimit.WithOnCapacity(func() {
				m.IncCreditCapacity()
				L.Warn(ctx, "credit limiter capacity reached, new visitors keep their existing attribution until some are evicted")
			}),
		)
		m.RegisterCreditLimiterVisitors(limiter.Len)
		filterOpts = append(filterOpts, affiliate.WithCreditLimiter(limiter, func(r *http.Request) string {
			return httpmw.ClientIPFromContext(r.Context())
		}))
	}
	filter := affiliate.New(filterOpts...)

	// setup toggle for server shutdown
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())

	// Downstream: reverse proxy to the application, or the built-in
	// landing handler when no upstream is configured
	var downstream http.Handler
	if conf.UpstreamURL != "" {
		target, err := url.Parse(conf.UpstreamURL)
		if err != nil {
			L.Error(ctx, err, "invalid upstream url", "upstream_url", conf.UpstreamURL)
			os.Exit(1)
		}
		proxy, err := upstream.New(upstream.Options{
			Target:                target,
			ResponseHeaderTimeout: conf.UpstreamHeaderTimeout,
			PreserveHost:          conf.UpstreamPreserveHost,
			ViaName:               v.AppName,
			Logger:                L,
			OnError:               m.IncUpstreamError,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create upstream proxy")
			os.Exit(1)
		}
		downstream = proxy
		// not ready until the application accepts connections
		readiness = health.All(gate.Probe(), proxy.Probe())
	} else {
		L.Info(ctx, "no upstream configured, serving landing handler")
		downstream = upstream.Landing(v.AppName)
	}

	// start public http server
	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
		Filter:       filter.Middleware,
		Downstream:   downstream,
		MaxBodyBytes: conf.MaxBodyBytes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// admin/ops listener serves metrics, health checks, pprof and version.
	// It rejects public peers in middleware in case the security group is
	// ever misconfigured.
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		Version:      vi,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so the load balancer stops sending new visitors
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining", "drain", drainPeriod.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "app http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
}

// drainPeriod covers in-flight requests and load balancer health check
// intervals.
const drainPeriod = 30 * time.Second

// loadSSMOverlay applies the JSON flag overrides stored in param.
func loadSSMOverlay(ctx context.Context, param string, skip map[string]bool) (map[string]bool, error) {
	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	awsCfg, err := config.LoadDefaultConfig(loadCtx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return cfg.FillFromSSM(loadCtx, flag.CommandLine, ssm.NewFromConfig(awsCfg), param, skip)
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when started with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
