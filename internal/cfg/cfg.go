package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/keithlinneman/linnemanlabs-jsonserve/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names by FillFromEnv.
const EnvPrefix = "JSONSERVE_"

// DefaultWatchDebounce is long enough to fold a truncate-then-write save into
// one reload, so the empty intermediate file is never published.
const DefaultWatchDebounce = 20 * time.Millisecond

type App struct {
	FilePath          string
	Port              int
	ConfigFile        string
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	WatchDebounce     time.Duration
	ResyncInterval    time.Duration
	ValidateJSON      bool
	ReadTimeout       time.Duration
	ConnRate          float64
	ConnBurst         int
	ConnTTL           time.Duration
	AdminPort         int
	EnablePprof       bool
	EnableTracing     bool
	OTLPEndpoint      string
	TraceSample       float64
	EnablePyroscope   bool
	PyroServer        string
	PyroTenantID      string
}

// aliases maps short flag names to the long flag they share a value with.
// Only the long name is looked up in the environment and config file.
var aliases = map[string]string{
	"f": "file-path",
	"p": "port",
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.FilePath, "file-path", "", "JSON file to serve (required)")
	fs.StringVar(&c.FilePath, "f", "", "shorthand for -file-path")
	fs.IntVar(&c.Port, "port", 7878, "listen TCP port on 127.0.0.1 (1..65535)")
	fs.IntVar(&c.Port, "p", 7878, "shorthand for -port")
	fs.StringVar(&c.ConfigFile, "config", "", "optional TOML file; keys are flag names")
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.DurationVar(&c.WatchDebounce, "watch-debounce", DefaultWatchDebounce, "coalesce change events arriving within this window (0 reloads on every event)")
	fs.DurationVar(&c.ResyncInterval, "resync-interval", 0, "re-read the file on this interval even without events (0 disables)")
	fs.BoolVar(&c.ValidateJSON, "validate-json", false, "reject re-reads that are not valid JSON and keep serving the previous contents")
	fs.DurationVar(&c.ReadTimeout, "read-timeout", 0, "deadline for a client to send its request line (0 waits forever)")
	fs.Float64Var(&c.ConnRate, "conn-rate", 0, "per-client-IP connections per second (0 disables pacing)")
	fs.IntVar(&c.ConnBurst, "conn-burst", 20, "per-client-IP connection burst")
	fs.DurationVar(&c.ConnTTL, "conn-ttl", 5*time.Minute, "forget a client IP's pacing state after this much idle time")
	fs.IntVar(&c.AdminPort, "admin-port", 0, "admin listen TCP port on 127.0.0.1 (0 disables)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", false, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
}

// explicitFlags returns the long names of every flag set so far, counting a
// set alias as its long flag.
func explicitFlags(fs *flag.FlagSet) map[string]bool {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
		if long, ok := aliases[f.Name]; ok {
			explicit[long] = true
		}
	})
	return explicit
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := explicitFlags(fs)

	fs.VisitAll(func(f *flag.Flag) {
		if _, isAlias := aliases[f.Name]; isAlias {
			return
		}
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

// FillFromFile sets flags that are still unset from a TOML file whose top-level
// keys are flag names. Durations are written as strings ("250ms"). Run it after
// FillFromEnv so both the CLI and the environment take precedence. Unknown keys
// and values the flag rejects are errors.
func FillFromFile(fs *flag.FlagSet, path string) error {
	if path == "" {
		return nil
	}
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	explicit := explicitFlags(fs)
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, name := range keys {
		if _, isAlias := aliases[name]; isAlias || fs.Lookup(name) == nil || name == "config" {
			errs = append(errs, fmt.Errorf("config file %s: unknown key %q", path, name))
			continue
		}
		if explicit[name] {
			continue
		}
		val, err := scalar(raw[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("config file %s: key %q: %w", path, name, err))
			continue
		}
		if err := fs.Set(name, val); err != nil {
			errs = append(errs, fmt.Errorf("config file %s: key %q: %w", path, name, err))
		}
	}
	return errors.Join(errs...)
}

func scalar(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case bool, int64, float64:
		return fmt.Sprint(v), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if strings.TrimSpace(c.FilePath) == "" {
		errs = append(errs, fmt.Errorf("FILE_PATH is required"))
	}

	// Ports
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT %d (must be 1..65535)", c.Port))
	}
	if c.AdminPort != 0 {
		if c.AdminPort < 1 || c.AdminPort > 65535 {
			errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535, or 0 to disable)", c.AdminPort))
		}
		if c.AdminPort == c.Port {
			errs = append(errs, fmt.Errorf("ADMIN_PORT and PORT must differ (both %d)", c.Port))
		}
	}
	if c.EnablePprof && c.AdminPort == 0 {
		errs = append(errs, fmt.Errorf("ENABLE_PPROF requires ADMIN_PORT"))
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
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Durations
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"WATCH_DEBOUNCE", c.WatchDebounce},
		{"RESYNC_INTERVAL", c.ResyncInterval},
		{"READ_TIMEOUT", c.ReadTimeout},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative (got %s)", d.name, d.v))
		}
	}

	// Connection pacing
	if c.ConnRate < 0 {
		errs = append(errs, fmt.Errorf("CONN_RATE must not be negative (got %g)", c.ConnRate))
	}
	if c.ConnRate > 0 && c.ConnBurst < 1 {
		errs = append(errs, fmt.Errorf("CONN_BURST must be >= 1 when CONN_RATE is set (got %d)", c.ConnBurst))
	}
	if c.ConnRate > 0 && c.ConnTTL <= 0 {
		errs = append(errs, fmt.Errorf("CONN_TTL must be > 0 when CONN_RATE is set (got %s)", c.ConnTTL))
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
