// Package config provides configuration loading for the memtrail runtime
// and the analyzer CLI. The runtime is configured entirely through
// environment variables so that it can be switched on in any process
// without code changes; the CLI and REST server additionally accept a YAML
// file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Runtime holds the capture-side configuration, populated from environment
// variables by FromEnv.
type Runtime struct {
	// OutputPathPattern is the capture file path with %p (pid), %t (epoch
	// seconds), %e (executable basename), and %% substitutions. Empty
	// disables file output.
	OutputPathPattern string

	// DisableByDefault starts the process with tracing off; SIGUSR1/SIGUSR2
	// or profiler.Enable toggle it later.
	DisableByDefault bool

	// PreciseTimestamps captures a timestamp at the hook site instead of
	// using the processing goroutine's coarse clock.
	PreciseTimestamps bool

	// GrabBacktracesOnFree captures a backtrace for free events.
	GrabBacktracesOnFree bool

	// ZeroMemory forces calloc-style zeroing on every allocation.
	ZeroMemory bool

	// WriteBinariesToOutput embeds every mapped ELF binary in the capture.
	WriteBinariesToOutput bool

	// EnableBroadcasts turns on the once-per-second UDP beacon.
	EnableBroadcasts bool

	// EnableServer turns on the TCP streaming server.
	EnableServer bool

	// ChownOutputTo is the uid to chown the output file to; -1 leaves it.
	ChownOutputTo int

	// CullTemporaryAllocations enables short-lived allocation culling.
	CullTemporaryAllocations bool

	// TemporaryAllocationLifetime is the culling window.
	TemporaryAllocationLifetime time.Duration

	// TemporaryAllocationPending caps the number of pending culling buckets
	// before the oldest is force-flushed.
	TemporaryAllocationPending int

	// BacktraceCacheSize is the capacity of the backtrace LRU cache.
	BacktraceCacheSize int

	// BaseServerPort is the first TCP port tried by the streaming server.
	BaseServerPort int

	// BaseBroadcastPort is the UDP beacon destination port.
	BaseBroadcastPort int

	// IncludeFileGlob embeds files matching the glob as File events at
	// startup.
	IncludeFileGlob string

	// Log configures diagnostic logging of the runtime itself.
	Log LogConfig
}

// LogConfig configures the runtime's own diagnostic logging.
type LogConfig struct {
	// Level is the minimum severity: "debug", "info", "warn", "error", or
	// "" to disable runtime logging entirely.
	Level string

	// File is the log destination path; empty logs to stderr.
	File string

	// RotateWhenBiggerThan rotates the log file once it exceeds this many
	// bytes; 0 disables rotation.
	RotateWhenBiggerThan int64
}

// Environment variable names understood by FromEnv.
const (
	EnvOutputPathPattern    = "MEMTRAIL_OUTPUT"
	EnvDisableByDefault     = "MEMTRAIL_DISABLED_BY_DEFAULT"
	EnvPreciseTimestamps    = "MEMTRAIL_PRECISE_TIMESTAMPS"
	EnvGrabBacktracesOnFree = "MEMTRAIL_GRAB_BACKTRACES_ON_FREE"
	EnvZeroMemory           = "MEMTRAIL_ZERO_MEMORY"
	EnvWriteBinaries        = "MEMTRAIL_WRITE_BINARIES_TO_OUTPUT"
	EnvEnableBroadcasts     = "MEMTRAIL_ENABLE_BROADCASTS"
	EnvEnableServer         = "MEMTRAIL_ENABLE_SERVER"
	EnvChownOutputTo        = "MEMTRAIL_CHOWN_OUTPUT_TO"
	EnvLog                  = "MEMTRAIL_LOG"
	EnvLogFile              = "MEMTRAIL_LOGFILE"
	EnvLogFileRotate        = "MEMTRAIL_LOGFILE_ROTATE_WHEN_BIGGER_THAN"
	EnvCullTemporary        = "MEMTRAIL_CULL_TEMPORARY_ALLOCATIONS"
	EnvTemporaryLifetime    = "MEMTRAIL_TEMPORARY_ALLOCATION_LIFETIME_THRESHOLD"
	EnvTemporaryPending     = "MEMTRAIL_TEMPORARY_ALLOCATION_PENDING_THRESHOLD"
	EnvBacktraceCacheSize   = "MEMTRAIL_BACKTRACE_CACHE_SIZE"
	EnvBaseServerPort       = "MEMTRAIL_BASE_SERVER_PORT"
	EnvBaseBroadcastPort    = "MEMTRAIL_BASE_BROADCAST_PORT"
	EnvIncludeFile          = "MEMTRAIL_INCLUDE_FILE"
)

// DefaultRuntime returns the runtime configuration used when no environment
// variables are set.
func DefaultRuntime() Runtime {
	return Runtime{
		OutputPathPattern:           "memory-profiling_%e_%t_%p.mtrail",
		ChownOutputTo:               -1,
		CullTemporaryAllocations:    true,
		TemporaryAllocationLifetime: 100 * time.Millisecond,
		TemporaryAllocationPending:  65536,
		BacktraceCacheSize:          32768,
		BaseServerPort:              8100,
		BaseBroadcastPort:           43512,
	}
}

// FromEnv builds a Runtime configuration from the process environment,
// starting from DefaultRuntime and overriding any variable that is set.
func FromEnv() (Runtime, error) {
	cfg := DefaultRuntime()
	var errs []error

	if v, ok := os.LookupEnv(EnvOutputPathPattern); ok {
		cfg.OutputPathPattern = v
	}
	boolVar(&cfg.DisableByDefault, EnvDisableByDefault, &errs)
	boolVar(&cfg.PreciseTimestamps, EnvPreciseTimestamps, &errs)
	boolVar(&cfg.GrabBacktracesOnFree, EnvGrabBacktracesOnFree, &errs)
	boolVar(&cfg.ZeroMemory, EnvZeroMemory, &errs)
	boolVar(&cfg.WriteBinariesToOutput, EnvWriteBinaries, &errs)
	boolVar(&cfg.EnableBroadcasts, EnvEnableBroadcasts, &errs)
	boolVar(&cfg.EnableServer, EnvEnableServer, &errs)
	boolVar(&cfg.CullTemporaryAllocations, EnvCullTemporary, &errs)
	intVar(&cfg.ChownOutputTo, EnvChownOutputTo, &errs)
	intVar(&cfg.TemporaryAllocationPending, EnvTemporaryPending, &errs)
	intVar(&cfg.BacktraceCacheSize, EnvBacktraceCacheSize, &errs)
	intVar(&cfg.BaseServerPort, EnvBaseServerPort, &errs)
	intVar(&cfg.BaseBroadcastPort, EnvBaseBroadcastPort, &errs)

	if v, ok := os.LookupEnv(EnvTemporaryLifetime); ok {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			errs = append(errs, fmt.Errorf("%s: %q is not a millisecond count", EnvTemporaryLifetime, v))
		} else {
			cfg.TemporaryAllocationLifetime = time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok := os.LookupEnv(EnvIncludeFile); ok {
		cfg.IncludeFileGlob = v
	}
	if v, ok := os.LookupEnv(EnvLog); ok {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv(EnvLogFile); ok {
		cfg.Log.File = v
	}
	if v, ok := os.LookupEnv(EnvLogFileRotate); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("%s: %q is not a byte count", EnvLogFileRotate, v))
		} else {
			cfg.Log.RotateWhenBiggerThan = n
		}
	}

	if err := validateRuntime(&cfg); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return cfg, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// validateRuntime checks field ranges after env overrides.
func validateRuntime(cfg *Runtime) error {
	var errs []error
	if cfg.TemporaryAllocationPending <= 0 {
		errs = append(errs, errors.New("temporary allocation pending threshold must be positive"))
	}
	if cfg.BacktraceCacheSize <= 0 {
		errs = append(errs, errors.New("backtrace cache size must be positive"))
	}
	if cfg.BaseServerPort <= 0 || cfg.BaseServerPort > 65535 {
		errs = append(errs, fmt.Errorf("base server port %d out of range", cfg.BaseServerPort))
	}
	if cfg.BaseBroadcastPort <= 0 || cfg.BaseBroadcastPort > 65535 {
		errs = append(errs, fmt.Errorf("base broadcast port %d out of range", cfg.BaseBroadcastPort))
	}
	if cfg.Log.Level != "" {
		switch cfg.Log.Level {
		case "debug", "info", "warn", "error":
		default:
			errs = append(errs, fmt.Errorf("log level %q must be one of: debug, info, warn, error", cfg.Log.Level))
		}
	}
	return errors.Join(errs...)
}

// boolVar parses name as a 0/1 or true/false boolean into dst when set.
func boolVar(dst *bool, name string, errs *[]error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		*errs = append(*errs, fmt.Errorf("%s: %q is not a boolean", name, v))
	}
}

// intVar parses name as a decimal integer into dst when set.
func intVar(dst *int, name string, errs *[]error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not an integer", name, v))
		return
	}
	*dst = n
}

// ExpandOutputPath substitutes %p (pid), %t (epoch seconds), %e (executable
// basename), and %% in pattern. An empty pattern returns "" (file output
// disabled).
func ExpandOutputPath(pattern string, pid int, epoch int64, executable string) string {
	if pattern == "" {
		return ""
	}
	var sb strings.Builder
	base := filepath.Base(executable)
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '%' || i+1 >= len(pattern) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch pattern[i] {
		case 'p':
			sb.WriteString(strconv.Itoa(pid))
		case 't':
			sb.WriteString(strconv.FormatInt(epoch, 10))
		case 'e':
			sb.WriteString(base)
		case '%':
			sb.WriteByte('%')
		default:
			sb.WriteByte('%')
			sb.WriteByte(pattern[i])
		}
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Analyzer / server configuration (YAML)
// ---------------------------------------------------------------------------

// Analyzer is the YAML-backed configuration for the memtrail CLI and REST
// server.
type Analyzer struct {
	// ListenAddr is the REST server bind address. Defaults to
	// "127.0.0.1:8242" when omitted.
	ListenAddr string `yaml:"listen_addr"`

	// JWTPublicKeyPath is the path to a PEM-encoded RSA public key used to
	// validate Bearer tokens on the REST API. Empty disables auth.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`

	// CatalogPath is the SQLite capture catalog location. Defaults to
	// "~/.memtrail/catalog.db" when omitted.
	CatalogPath string `yaml:"catalog_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`
}

// LoadAnalyzer reads the YAML file at path, applies defaults, and validates
// enumerated fields. A missing file is not an error: defaults are returned,
// so the CLI works with zero configuration.
func LoadAnalyzer(path string) (*Analyzer, error) {
	var cfg Analyzer
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	applyAnalyzerDefaults(&cfg)

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("config: log_level %q must be one of: debug, info, warn, error", cfg.LogLevel)
	}
	return &cfg, nil
}

func applyAnalyzerDefaults(cfg *Analyzer) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8242"
	}
	if cfg.CatalogPath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.CatalogPath = filepath.Join(home, ".memtrail", "catalog.db")
		} else {
			cfg.CatalogPath = "memtrail-catalog.db"
		}
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// NewLogger constructs a *slog.Logger writing JSON records to w at the
// requested minimum level. It is shared by the CLI and the runtime's
// diagnostic log. An unknown level falls back to info.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}
