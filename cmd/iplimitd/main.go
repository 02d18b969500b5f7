package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/iplimit/internal/adminapi"
	"github.com/keithlinneman/iplimit/internal/admission"
	"github.com/keithlinneman/iplimit/internal/audit"
	"github.com/keithlinneman/iplimit/internal/cfg"
	"github.com/keithlinneman/iplimit/internal/conntrack"
	"github.com/keithlinneman/iplimit/internal/creation"
	"github.com/keithlinneman/iplimit/internal/deferred"
	"github.com/keithlinneman/iplimit/internal/effects"
	"github.com/keithlinneman/iplimit/internal/health"
	"github.com/keithlinneman/iplimit/internal/hostapi"
	"github.com/keithlinneman/iplimit/internal/httpmw"
	"github.com/keithlinneman/iplimit/internal/httpserver"
	"github.com/keithlinneman/iplimit/internal/log"
	"github.com/keithlinneman/iplimit/internal/metrics"
	"github.com/keithlinneman/iplimit/internal/opshttp"
	"github.com/keithlinneman/iplimit/internal/otelx"
	"github.com/keithlinneman/iplimit/internal/policy"
	"github.com/keithlinneman/iplimit/internal/prof"
	"github.com/keithlinneman/iplimit/internal/ratelimit"
	"github.com/keithlinneman/iplimit/internal/ratewindow"
	v "github.com/keithlinneman/iplimit/internal/version"
)

const (
	appName   = "iplimit"
	component = "iplimitd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool
	var issueToken, issueHostToken string
	var tokenTTL time.Duration

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.StringVar(&issueToken, "issue-admin-token", "", "Print an admin API bearer token for this subject and exit")
	flag.StringVar(&issueHostToken, "issue-host-token", "", "Print a host API bearer token for this subject and exit")
	flag.DurationVar(&tokenTTL, "admin-token-ttl", time.Hour, "lifetime of the token printed by -issue-admin-token or -issue-host-token")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s %s\n", appName, vi.String())
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if issueToken != "" {
		if err := printToken(adminapi.NewAuthenticator, conf.AdminJWTSecret, issueToken, tokenTTL); err != nil {
			fmt.Fprintln(os.Stderr, "issue token:", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	if issueHostToken != "" {
		if err := printToken(adminapi.NewHostAuthenticator, conf.HostJWTSecret, issueHostToken, tokenTTL); err != nil {
			fmt.Fprintln(os.Stderr, "issue host token:", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               appName,
		Version:           vi.Version,
		Commit:            vi.Commit,
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
	defer lg.Sync()
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"enabled", conf.Enabled,
		"announce", conf.Announce,
		"default_policy", conf.DefaultPolicy().String(),
		"allowlist_policy", conf.AllowListPolicy().String(),
		"kick_delay", conf.KickDelay,
		"warn_threshold", conf.WarnThreshold,
		"store", conf.Store,
		"seed_file", conf.SeedFile,
		"policy_ssm_param", conf.PolicySSMParam,
		"enable_audit", conf.EnableAudit,
		"audit_dir", conf.AuditDir,
		"audit_s3_bucket", conf.AuditS3Bucket,
		"enable_creation_limit", conf.EnableCreationLimit,
		"admin_api", conf.AdminJWTSecret != "",
		"host_api_auth", conf.HostJWTSecret != "",
		"trusted_proxy_hops", conf.TrustedProxyHops,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, component, &vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": component,
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Insecure is true because we only export to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// AWS is only needed for the ssm default-policy watcher and the audit archiver
	var awsCfg aws.Config
	if conf.PolicySSMParam != "" || conf.AuditS3Bucket != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
	}

	// setup persistence backends
	var (
		rdb             *redis.Client
		policyBackend   policy.Backend
		creationBackend creation.Backend
	)
	switch conf.Store {
	case cfg.StoreRedis:
		rdb = redis.NewClient(&redis.Options{
			Addr:     conf.RedisAddr,
			Password: conf.RedisPassword,
			DB:       conf.RedisDB,
		})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// the store retries its load and degrades to the default policy
			L.Warn(ctx, "redis ping failed at startup", "redis_addr", conf.RedisAddr, "error", err)
		}
		policyBackend = policy.NewRedisBackend(rdb, conf.RedisPrefix)
		creationBackend = creation.NewRedisBackend(rdb, conf.RedisPrefix, conf.CreationTimeframe)
	default:
		policyBackend = policy.NewMemoryBackend()
		creationBackend = creation.NewMemoryBackend(conf.CreationTimeframe)
	}

	store := policy.NewStore(policy.StoreOptions{
		Backend:  policyBackend,
		Default:  conf.DefaultPolicy(),
		Logger:   L.With("subsystem", "policy"),
		OnChange: m.SetOverrides,
	})

	creationLimiter := creation.New(creation.Options{
		Logger:        L.With("subsystem", "creation"),
		Backend:       creationBackend,
		Metrics:       m,
		Disabled:      !conf.EnableCreationLimit,
		Timeframe:     conf.CreationTimeframe,
		MaxPerAddress: uint32(conf.CreationMaxPerAddr),
	})

	// seed overrides and exemptions, localhost is always allow-listed
	seed := &policy.Seed{}
	if conf.SeedFile != "" {
		seed, err = policy.LoadSeedFile(conf.SeedFile)
		if err != nil {
			L.Error(ctx, err, "failed to load seed file", "seed_file", conf.SeedFile)
			os.Exit(1)
		}
	}
	seed = seed.WithLocalhost()
	if seed.Default != nil {
		store.SetDefault(*seed.Default)
	}
	if n, err := seed.Apply(ctx, policyBackend, conf.AllowListPolicy(), time.Now()); err != nil {
		L.Error(ctx, err, "failed to apply seed overrides")
	} else if n > 0 {
		L.Info(ctx, "seeded overrides", "inserted", n)
	}
	if n, err := creationLimiter.Seed(ctx, seed.Exemptions); err != nil {
		L.Error(ctx, err, "failed to apply seed exemptions")
	} else if n > 0 {
		L.Info(ctx, "seeded creation exemptions", "inserted", n)
	}

	// background workers are stopped after the listeners so the final
	// logouts still reach the audit trail
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	var workers sync.WaitGroup
	goWork := func(fn func()) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			fn()
		}()
	}

	if conf.PolicySSMParam != "" {
		watcher, err := policy.NewDefaultWatcher(policy.WatcherOptions{
			Logger:       L.With("subsystem", "policy_watcher"),
			Client:       ssm.NewFromConfig(awsCfg),
			Param:        conf.PolicySSMParam,
			Store:        store,
			PollInterval: conf.PolicyPollInterval,
			Metrics:      m,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create default policy watcher")
			os.Exit(1)
		}
		goWork(func() {
			if err := watcher.Run(workCtx); err != nil {
				L.Error(workCtx, err, "default policy watcher stopped")
			}
		})
	}

	// audit trail, rotated files are archived to s3 when a bucket is set
	var sink audit.Sink = audit.Nop()
	if conf.EnableAudit {
		var onRotate func(context.Context, string)
		if conf.AuditS3Bucket != "" {
			archiver, err := audit.NewArchiver(audit.ArchiverOptions{
				Logger:  L.With("subsystem", "audit_archive"),
				Client:  s3.NewFromConfig(awsCfg),
				Bucket:  conf.AuditS3Bucket,
				Prefix:  conf.AuditS3Prefix,
				Metrics: m,
			})
			if err != nil {
				L.Error(ctx, err, "failed to create audit archiver")
				os.Exit(1)
			}
			onRotate = archiver.Enqueue
			goWork(func() { archiver.Run(workCtx) })
		}
		csvSink, err := audit.NewCSVSink(audit.CSVOptions{
			Logger:   L.With("subsystem", "audit"),
			Dir:      conf.AuditDir,
			OnRotate: onRotate,
		})
		if err != nil {
			L.Error(ctx, err, "failed to open audit directory", "audit_dir", conf.AuditDir)
			os.Exit(1)
		}
		sink = csvSink
	}

	hub := effects.NewHub(effects.Options{
		Logger:  L.With("subsystem", "effects"),
		Metrics: m,
	})

	rateTracker := ratewindow.New()
	ctrl, err := admission.New(admission.Options{
		Logger:      L.With("subsystem", "admission"),
		Policies:    store,
		Effects:     hub,
		Audit:       sink,
		Metrics:     m,
		Concurrency: conntrack.New(),
		Rate:        rateTracker,
		Scheduler: deferred.New(deferred.Options{
			Delay:         conf.KickDelay,
			WarnThreshold: conf.WarnThreshold,
		}),
		Disabled: !conf.Enabled,
		Announce: conf.Announce,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create admission controller")
		os.Exit(1)
	}

	// loads overrides; a failed load is logged and admission degrades to the default policy
	if err := ctrl.OnProcessStartup(ctx); err != nil {
		L.Error(ctx, err, "admission startup degraded")
	}

	goWork(func() { ctrl.Run(workCtx, conf.SweepInterval) })
	goWork(func() {
		rateTracker.Run(workCtx, conf.SweepInterval, store.MaxWindow, m.ObserveWindowSweep)
	})

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	probes := []health.Probe{
		gate.Probe(),
		health.Named("policy", health.Func(store.Ready)),
	}
	if rdb != nil {
		probes = append(probes, health.Named("redis", health.WithTimeout(500*time.Millisecond,
			health.CheckFunc(func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			}),
		)))
	}
	readiness := health.All(probes...)

	// per client ip limiter in front of the host and admin APIs
	limiter := ratelimit.New(workCtx,
		ratelimit.WithRate(conf.APIRate, conf.APIBurst),
		ratelimit.WithOnDenied(func(string) {
			m.IncRateLimitDenied()
		}),
		// only log the first denial per visitor until it is swept
		ratelimit.WithOnFirstDenied(func(addr string) {
			L.Warn(ctx, "api rate limit triggered", "client_ip", addr)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "api rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	// without a host secret the host API only answers loopback and private peers
	var hostAuth func(http.Handler) http.Handler
	if conf.HostJWTSecret != "" {
		auth, err := adminapi.NewHostAuthenticator([]byte(conf.HostJWTSecret))
		if err != nil {
			L.Error(ctx, err, "invalid host jwt secret")
			os.Exit(1)
		}
		hostAuth = auth.Middleware
	}

	// the host API registers first so its static /v1 routes sit beside the
	// admin subrouter
	apis := []httpserver.RouteRegistrar{hostapi.NewAPI(hostapi.Options{
		Logger:     L.With("subsystem", "hostapi"),
		Controller: ctrl,
		Creation:   creationLimiter,
		Effects:    hub,
		Auth:       hostAuth,
	})}
	if conf.AdminJWTSecret != "" {
		auth, err := adminapi.NewAuthenticator([]byte(conf.AdminJWTSecret))
		if err != nil {
			L.Error(ctx, err, "invalid admin jwt secret")
			os.Exit(1)
		}
		apis = append(apis, adminapi.NewAPI(adminapi.Options{
			Logger:     L.With("subsystem", "adminapi"),
			Auth:       auth,
			Overrides:  store,
			Exemptions: creationLimiter,
			AllowList:  conf.AllowListPolicy(),
		}))
	} else {
		L.Info(ctx, "admin API disabled, no jwt secret configured")
	}

	apiStop, err := httpserver.Start(ctx, httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Routes:       apis,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		os.Exit(1)
	}
	defer func() { _ = apiStop(context.Background()) }()

	// ops listener serves metrics, health checks and pprof
	// public peers are rejected in middleware in case the port is ever exposed
	opsStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness so hosts and load balancers stop sending new work
	gate.Set("draining")
	L.Info(bg, "shutdown gate closed, draining", "drain_period", conf.DrainPeriod)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := apiStop(shutdownCtx); err != nil {
		L.Error(bg, err, "api http server shutdown")
	}

	// closes the audit sink, which hands the last file to the archiver
	if err := ctrl.OnProcessShutdown(shutdownCtx); err != nil {
		L.Error(bg, err, "admission shutdown")
	}

	cancelWork()
	workers.Wait()

	if err := opsStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}

	stopProf()

	L.Info(bg, "shutdown complete")
}

// printToken writes a signed bearer token to stdout using the authenticator
// built by newAuth.
func printToken(newAuth func([]byte) (*adminapi.Authenticator, error), secret, subject string, ttl time.Duration) error {
	auth, err := newAuth([]byte(secret))
	if err != nil {
		return err
	}
	tok, err := auth.Issue(subject, ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when the unit is Type=notify
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
