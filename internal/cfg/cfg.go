package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/sidecar-health/internal/log"
)

const (
	DefaultTokenFile = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	DefaultCAFile    = "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"
)

type App struct {
	LogJSON          bool
	LogLevel         string
	StacktraceLevel  string
	HealthPort       int
	HealthPath       string
	AdminPort        int
	EnableAdmin      bool
	EnablePprof      bool
	ContactThreshold time.Duration
	SyncInterval     time.Duration
	APIServerURL     string
	TokenFile        string
	CAFile           string
	EnableTracing    bool
	OTLPEndpoint     string
	TraceSample      float64
	EnablePyroscope  bool
	PyroServer       string
	PyroTenantID     string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.HealthPort, "health-port", 8080, "health probe listen TCP port (1..65535)")
	fs.StringVar(&c.HealthPath, "health-path", "/healthz", "health probe route")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port for metrics/pprof (1..65535)")
	fs.BoolVar(&c.EnableAdmin, "enable-admin", true, "Serve metrics, pprof and ops probes on admin-port")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", false, "Enable pprof profiling (on admin port only)")
	fs.DurationVar(&c.ContactThreshold, "contact-threshold", 60*time.Second, "tolerated control plane silence before reporting not live")
	fs.DurationVar(&c.SyncInterval, "sync-interval", 15*time.Second, "how often to contact the control plane")
	fs.StringVar(&c.APIServerURL, "apiserver-url", "", "control plane URL (default from KUBERNETES_SERVICE_HOST/PORT)")
	fs.StringVar(&c.TokenFile, "token-file", DefaultTokenFile, "bearer token file for the control plane (empty for none)")
	fs.StringVar(&c.CAFile, "ca-file", DefaultCAFile, "CA bundle for the control plane (empty for system roots)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
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
		}
	})
}

// ResolveAPIServer fills APIServerURL from the in-cluster service env vars
// when it was not configured explicitly.
func ResolveAPIServer(c *App, getenv func(string) string) {
	if c.APIServerURL != "" {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	host, port := getenv("KUBERNETES_SERVICE_HOST"), getenv("KUBERNETES_SERVICE_PORT")
	if host == "" {
		return
	}
	if port == "" {
		port = "443"
	}
	c.APIServerURL = "https://" + net.JoinHostPort(host, port)
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HealthPort < 1 || c.HealthPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HEALTH_PORT %d (must be 1..65535)", c.HealthPort))
	}
	if c.EnableAdmin {
		if c.AdminPort < 1 || c.AdminPort > 65535 {
			errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
		}
		if c.AdminPort == c.HealthPort {
			errs = append(errs, fmt.Errorf("ADMIN_PORT and HEALTH_PORT must differ (both %d)", c.HealthPort))
		}
	}

	if !strings.HasPrefix(c.HealthPath, "/") {
		errs = append(errs, fmt.Errorf("HEALTH_PATH must start with / (got %q)", c.HealthPath))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Control plane
	if c.ContactThreshold <= 0 {
		errs = append(errs, fmt.Errorf("CONTACT_THRESHOLD must be positive (got %s)", c.ContactThreshold))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_INTERVAL must be positive (got %s)", c.SyncInterval))
	} else if c.ContactThreshold > 0 && c.SyncInterval >= c.ContactThreshold {
		errs = append(errs, fmt.Errorf("SYNC_INTERVAL %s must be shorter than CONTACT_THRESHOLD %s", c.SyncInterval, c.ContactThreshold))
	}
	if c.APIServerURL == "" {
		errs = append(errs, fmt.Errorf("APISERVER_URL required outside a cluster (KUBERNETES_SERVICE_HOST not set)"))
	} else if u, err := url.Parse(c.APIServerURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("APISERVER_URL must be an http(s) URL (got %q)", c.APIServerURL))
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
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

	return errors.Join(errs...)
}
