package cfg

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/iplimit/internal/log"
	"github.com/keithlinneman/iplimit/internal/policy"
)

// EnvPrefix is prepended to upper-cased flag names by FillFromEnv.
const EnvPrefix = "IPLIMIT_"

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

const minJWTSecretLen = 32

type App struct {
	LogJSON           bool
	LogLevel          string
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

	// admission
	Enabled                bool
	Announce               bool
	DefaultMaxSessions     uint
	DefaultMaxIdentities   uint
	DefaultWindowSeconds   uint
	AllowListMaxSessions   uint
	AllowListMaxIdentities uint
	AllowListWindowSeconds uint
	KickDelay              time.Duration
	WarnThreshold          time.Duration
	SweepInterval          time.Duration

	// persistence
	Store         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	SeedFile      string

	PolicySSMParam     string
	PolicyPollInterval time.Duration

	EnableAudit   bool
	AuditDir      string
	AuditS3Bucket string
	AuditS3Prefix string

	EnableCreationLimit bool
	CreationTimeframe   time.Duration
	CreationMaxPerAddr  uint

	AdminJWTSecret string
	HostJWTSecret  string
	APIRate        float64
	APIBurst       int
	DrainPeriod    time.Duration

	TrustedProxyHops int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "host API listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "ops listen TCP port for metrics, health and pprof (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on ops port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.BoolVar(&c.Enabled, "enable", true, "Enforce per-address limits (false admits every login)")
	fs.BoolVar(&c.Announce, "announce", false, "Send the module announcement to every session on login")
	fs.UintVar(&c.DefaultMaxSessions, "default-max-sessions", 1, "concurrent sessions per address without an override (0 = unlimited)")
	fs.UintVar(&c.DefaultMaxIdentities, "default-max-identities", 0, "distinct identities per window without an override (0 = off)")
	fs.UintVar(&c.DefaultWindowSeconds, "default-window-seconds", 60, "distinct-identity window in seconds for the default policy")
	fs.UintVar(&c.AllowListMaxSessions, "allowlist-max-sessions", 0, "concurrent sessions for overrides added without a policy (0 = unlimited)")
	fs.UintVar(&c.AllowListMaxIdentities, "allowlist-max-identities", 0, "distinct identities per window for overrides added without a policy (0 = off)")
	fs.UintVar(&c.AllowListWindowSeconds, "allowlist-window-seconds", 0, "distinct-identity window in seconds for overrides added without a policy")
	fs.DurationVar(&c.KickDelay, "kick-delay", 30*time.Second, "grace period before a deferred disconnect fires")
	fs.DurationVar(&c.WarnThreshold, "warn-threshold", 10*time.Second, "remaining time at which the final warning is sent")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", time.Second, "interval for sweeping pending disconnects and idle rate windows")

	fs.StringVar(&c.Store, "store", StoreMemory, "override and exemption store: memory|redis")
	fs.StringVar(&c.RedisAddr, "redis-addr", "localhost:6379", "redis host:port")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", "iplimit:", "redis key prefix")
	fs.StringVar(&c.SeedFile, "seed-file", "", "YAML file with overrides and exemptions inserted at startup when absent")

	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "", "ssm parameter holding the default policy as JSON (empty disables the watcher)")
	fs.DurationVar(&c.PolicyPollInterval, "policy-poll-interval", 60*time.Second, "default-policy ssm poll interval")

	fs.BoolVar(&c.EnableAudit, "enable-audit", true, "Write the login/logout CSV audit trail")
	fs.StringVar(&c.AuditDir, "audit-dir", "logs/iplimit", "directory for audit CSV files")
	fs.StringVar(&c.AuditS3Bucket, "audit-s3-bucket", "", "s3 bucket to archive rotated audit files to (empty disables)")
	fs.StringVar(&c.AuditS3Prefix, "audit-s3-prefix", "iplimit/audit", "s3 key prefix for archived audit files")

	fs.BoolVar(&c.EnableCreationLimit, "enable-creation-limit", true, "Enforce the per-address account creation limit")
	fs.DurationVar(&c.CreationTimeframe, "creation-timeframe", 24*time.Hour, "account creation look-back window")
	fs.UintVar(&c.CreationMaxPerAddr, "creation-max-per-address", 3, "accounts an address may create per timeframe (0 = unlimited)")

	fs.StringVar(&c.AdminJWTSecret, "admin-jwt-secret", "", "HS256 secret for admin API bearer tokens (empty disables the admin API)")
	fs.StringVar(&c.HostJWTSecret, "host-jwt-secret", "", "HS256 secret for host API bearer tokens (empty limits the host API to loopback and private peers)")
	fs.Float64Var(&c.APIRate, "api-rate", 200, "host API requests per second per client ip")
	fs.IntVar(&c.APIBurst, "api-burst", 400, "host API burst per client ip")
	fs.DurationVar(&c.DrainPeriod, "drain-period", 15*time.Second, "time to fail readiness before stopping listeners")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "reverse proxies in front of the host API whose X-Forwarded-For is trusted (0..5)")
}

// DefaultPolicy is the policy for addresses without an override.
func (c App) DefaultPolicy() policy.Policy {
	return policy.Policy{
		MaxConcurrentSessions: uint32(c.DefaultMaxSessions),
		MaxDistinctIdentities: uint32(c.DefaultMaxIdentities),
		WindowSeconds:         uint32(c.DefaultWindowSeconds),
	}
}

// AllowListPolicy is applied to overrides created without an explicit policy.
func (c App) AllowListPolicy() policy.Policy {
	return policy.Policy{
		MaxConcurrentSessions: uint32(c.AllowListMaxSessions),
		MaxDistinctIdentities: uint32(c.AllowListMaxIdentities),
		WindowSeconds:         uint32(c.AllowListWindowSeconds),
	}
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value overrides env %s", f.Name, key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

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

	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	// policies
	for name, v := range map[string]uint{
		"DEFAULT_MAX_SESSIONS":     c.DefaultMaxSessions,
		"DEFAULT_MAX_IDENTITIES":   c.DefaultMaxIdentities,
		"DEFAULT_WINDOW_SECONDS":   c.DefaultWindowSeconds,
		"ALLOWLIST_MAX_SESSIONS":   c.AllowListMaxSessions,
		"ALLOWLIST_MAX_IDENTITIES": c.AllowListMaxIdentities,
		"ALLOWLIST_WINDOW_SECONDS": c.AllowListWindowSeconds,
		"CREATION_MAX_PER_ADDRESS": c.CreationMaxPerAddr,
	} {
		if v > math.MaxUint32 {
			errs = append(errs, fmt.Errorf("%s %d exceeds %d", name, v, uint32(math.MaxUint32)))
		}
	}
	if c.DefaultMaxIdentities > 0 && c.DefaultWindowSeconds == 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_WINDOW_SECONDS required when DEFAULT_MAX_IDENTITIES is set"))
	}
	if c.AllowListMaxIdentities > 0 && c.AllowListWindowSeconds == 0 {
		errs = append(errs, fmt.Errorf("ALLOWLIST_WINDOW_SECONDS required when ALLOWLIST_MAX_IDENTITIES is set"))
	}

	if c.KickDelay <= 0 {
		errs = append(errs, fmt.Errorf("KICK_DELAY must be positive (got %s)", c.KickDelay))
	}
	if c.WarnThreshold < 0 || (c.KickDelay > 0 && c.WarnThreshold >= c.KickDelay) {
		errs = append(errs, fmt.Errorf("WARN_THRESHOLD must be in [0, KICK_DELAY) (got %s)", c.WarnThreshold))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be positive (got %s)", c.SweepInterval))
	}

	switch c.Store {
	case StoreMemory:
	case StoreRedis:
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err))
		}
		if c.RedisDB < 0 {
			errs = append(errs, fmt.Errorf("REDIS_DB must be >= 0 (got %d)", c.RedisDB))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE must be %s or %s (got %q)", StoreMemory, StoreRedis, c.Store))
	}

	if c.PolicySSMParam != "" && c.PolicyPollInterval < time.Second {
		errs = append(errs, fmt.Errorf("POLICY_POLL_INTERVAL must be at least 1s (got %s)", c.PolicyPollInterval))
	}

	if c.EnableAudit && c.AuditDir == "" {
		errs = append(errs, fmt.Errorf("AUDIT_DIR required when ENABLE_AUDIT=true"))
	}
	if c.AuditS3Bucket != "" && !c.EnableAudit {
		errs = append(errs, fmt.Errorf("AUDIT_S3_BUCKET set but ENABLE_AUDIT=false"))
	}

	if c.EnableCreationLimit && c.CreationTimeframe <= 0 {
		errs = append(errs, fmt.Errorf("CREATION_TIMEFRAME must be positive (got %s)", c.CreationTimeframe))
	}

	if c.AdminJWTSecret != "" && len(c.AdminJWTSecret) < minJWTSecretLen {
		errs = append(errs, fmt.Errorf("ADMIN_JWT_SECRET must be at least %d bytes", minJWTSecretLen))
	}
	if c.HostJWTSecret != "" && len(c.HostJWTSecret) < minJWTSecretLen {
		errs = append(errs, fmt.Errorf("HOST_JWT_SECRET must be at least %d bytes", minJWTSecretLen))
	}
	if c.HostJWTSecret != "" && c.HostJWTSecret == c.AdminJWTSecret {
		errs = append(errs, fmt.Errorf("HOST_JWT_SECRET must differ from ADMIN_JWT_SECRET"))
	}

	if c.APIRate <= 0 {
		errs = append(errs, fmt.Errorf("API_RATE must be positive (got %g)", c.APIRate))
	}
	if c.APIBurst < 1 {
		errs = append(errs, fmt.Errorf("API_BURST must be >= 1 (got %d)", c.APIBurst))
	}
	if c.DrainPeriod < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_PERIOD must be >= 0 (got %s)", c.DrainPeriod))
	}
	if c.TrustedProxyHops < 0 || c.TrustedProxyHops > 5 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be 0..5 (got %d)", c.TrustedProxyHops))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
