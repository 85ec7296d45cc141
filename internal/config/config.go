// Package config loads server settings from defaults, an optional YAML file,
// the environment and command-line flags, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"vessel-telemetry/internal/correlation"
	"vessel-telemetry/internal/currents"
	"vessel-telemetry/internal/domain"
	"vessel-telemetry/internal/live"
	"vessel-telemetry/internal/resolution"
	"vessel-telemetry/internal/stream"
)

// Storage backends.
const (
	BackendMemory     = "memory"
	BackendClickHouse = "clickhouse"
)

// Target registries.
const (
	RegistryCatalog  = "catalog"
	RegistryPostgres = "postgres"
)

// Config is the complete server configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Resolution  ResolutionConfig  `yaml:"resolution"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Stream      StreamConfig      `yaml:"stream"`
	Live        LiveConfig        `yaml:"live"`
	Log         LogConfig         `yaml:"log"`

	// Targets is the feed catalog. It seeds the in-memory registry and,
	// through cmd/migrate, the PostgreSQL one.
	Targets []domain.Target `yaml:"targets"`
}

// ServerConfig holds the HTTP and WebSocket settings.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PongWait       time.Duration `yaml:"pong_wait"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	OutboxSize     int           `yaml:"outbox_size"`
	MaxPending     int           `yaml:"max_pending"`
	AllowAnyOrigin bool          `yaml:"allow_any_origin"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

// StorageConfig selects the telemetry store and the target registry.
type StorageConfig struct {
	Backend       string     `yaml:"backend"`
	Registry      string     `yaml:"registry"`
	ClickHouseDSN string     `yaml:"clickhouse_dsn"`
	PostgresDSN   string     `yaml:"postgres_dsn"`
	Demo          DemoConfig `yaml:"demo"`
}

// DemoConfig drives the synthetic voyage fed into the memory backend.
type DemoConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Backfill time.Duration `yaml:"backfill"`
	Step     time.Duration `yaml:"step"`
	Interval time.Duration `yaml:"interval"`
}

// ResolutionConfig tunes the bucket planner.
type ResolutionConfig struct {
	Policy       string        `yaml:"policy"`
	TargetPoints int           `yaml:"target_points"`
	MaxSpan      time.Duration `yaml:"max_span"`
	MaxRawSpan   time.Duration `yaml:"max_raw_span"`
	MaxBuckets   int64         `yaml:"max_buckets"`
}

// CorrelationConfig tunes geotagging.
type CorrelationConfig struct {
	Tolerance time.Duration `yaml:"tolerance"`
}

// StreamConfig tunes historical chunking.
type StreamConfig struct {
	ChunkSize       int           `yaml:"chunk_size"`
	InterChunkDelay time.Duration `yaml:"inter_chunk_delay"`
}

// LiveConfig tunes live polling.
type LiveConfig struct {
	Interval time.Duration `yaml:"interval"`
	Lookback time.Duration `yaml:"lookback"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8080",
			WriteTimeout:  10 * time.Second,
			PongWait:      60 * time.Second,
			PingInterval:  30 * time.Second,
			OutboxSize:    256,
			MaxPending:    8,
			ShutdownGrace: 30 * time.Second,
		},
		Storage: StorageConfig{
			Backend:  BackendMemory,
			Registry: RegistryCatalog,
			Demo: DemoConfig{
				Backfill: 24 * time.Hour,
				Step:     5 * time.Second,
				Interval: time.Second,
			},
		},
		Resolution: ResolutionConfig{
			Policy:       resolution.PolicyCardinality,
			TargetPoints: resolution.DefaultTargetPoints,
			MaxSpan:      resolution.DefaultMaxSpan,
			MaxRawSpan:   resolution.DefaultMaxRawSpan,
			MaxBuckets:   resolution.DefaultMaxBuckets,
		},
		Correlation: CorrelationConfig{
			Tolerance: correlation.DefaultTolerance,
		},
		Stream: StreamConfig{
			ChunkSize:       stream.DefaultChunkSize,
			InterChunkDelay: stream.DefaultInterChunkDelay,
		},
		Live: LiveConfig{
			Interval: live.DefaultInterval,
			Lookback: live.DefaultLookback,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFile merges a YAML file into c. Keys absent from the file keep their
// current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Load builds the configuration for a command: defaults, then the file named
// by --config (or TELEMETRY_CONFIG), then the .env file and environment, then
// any flags given explicitly. pflag.ErrHelp is returned unwrapped.
func Load(name string, args []string, output io.Writer) (*Config, error) {
	// First pass finds --config and --env-file and rejects unknown flags.
	scratch := Default()
	flagSet := newFlagSet(name, scratch, output)
	configPath := flagSet.String("config", os.Getenv("TELEMETRY_CONFIG"), "path to YAML config file")
	envPath := flagSet.String("env-file", ".env", "dotenv file loaded into the environment if present")
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}

	if err := LoadEnvFile(*envPath); err != nil {
		return nil, err
	}

	cfg := Default()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	// Second pass applies explicit flags over file and environment values.
	overrides := newFlagSet(name, cfg, io.Discard)
	overrides.String("config", "", "")
	overrides.String("env-file", "", "")
	if err := overrides.Parse(args); err != nil {
		return nil, err
	}

	return cfg, nil
}

func newFlagSet(name string, cfg *Config, output io.Writer) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.StringVar(&cfg.Server.Addr, "addr", cfg.Server.Addr, "HTTP listen address")
	flagSet.StringSliceVar(&cfg.Server.AllowedOrigins, "allowed-origins", cfg.Server.AllowedOrigins, "origins allowed to open WebSocket connections")
	flagSet.BoolVar(&cfg.Server.AllowAnyOrigin, "allow-any-origin", cfg.Server.AllowAnyOrigin, "accept WebSocket connections from any origin")
	flagSet.StringVar(&cfg.Storage.Backend, "storage", cfg.Storage.Backend, "telemetry store: memory or clickhouse")
	flagSet.BoolVar(&cfg.Storage.Demo.Enabled, "demo", cfg.Storage.Demo.Enabled, "feed a synthetic voyage into the memory backend")
	flagSet.StringVar(&cfg.Storage.Registry, "registry", cfg.Storage.Registry, "target registry: catalog or postgres")
	flagSet.StringVar(&cfg.Storage.ClickHouseDSN, "clickhouse-dsn", cfg.Storage.ClickHouseDSN, "ClickHouse connection string")
	flagSet.StringVar(&cfg.Storage.PostgresDSN, "postgres-dsn", cfg.Storage.PostgresDSN, "PostgreSQL connection string")
	flagSet.StringVar(&cfg.Resolution.Policy, "resolution-policy", cfg.Resolution.Policy, "bucket policy: cardinality or threshold")
	flagSet.IntVar(&cfg.Resolution.TargetPoints, "target-points", cfg.Resolution.TargetPoints, "points per target the cardinality policy aims for")
	flagSet.DurationVar(&cfg.Correlation.Tolerance, "tolerance", cfg.Correlation.Tolerance, "largest gap between a sample and its position fix")
	flagSet.IntVar(&cfg.Stream.ChunkSize, "chunk-size", cfg.Stream.ChunkSize, "points per historical chunk")
	flagSet.DurationVar(&cfg.Stream.InterChunkDelay, "chunk-delay", cfg.Stream.InterChunkDelay, "pause between historical chunks")
	flagSet.DurationVar(&cfg.Live.Interval, "live-interval", cfg.Live.Interval, "live polling interval")
	flagSet.DurationVar(&cfg.Live.Lookback, "live-lookback", cfg.Live.Lookback, "window searched for the newest live sample")
	flagSet.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level: debug, info, warn, error")
	flagSet.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "log format: text or json")
	return flagSet
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("TELEMETRY_ADDR", &c.Server.Addr)
	str("TELEMETRY_STORAGE", &c.Storage.Backend)
	str("TELEMETRY_REGISTRY", &c.Storage.Registry)
	str("CLICKHOUSE_DSN", &c.Storage.ClickHouseDSN)
	str("POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("TELEMETRY_RESOLUTION_POLICY", &c.Resolution.Policy)
	num("TELEMETRY_TARGET_POINTS", &c.Resolution.TargetPoints)
	dur("TELEMETRY_TOLERANCE", &c.Correlation.Tolerance)
	num("TELEMETRY_CHUNK_SIZE", &c.Stream.ChunkSize)
	dur("TELEMETRY_CHUNK_DELAY", &c.Stream.InterChunkDelay)
	dur("TELEMETRY_LIVE_INTERVAL", &c.Live.Interval)
	dur("TELEMETRY_LIVE_LOOKBACK", &c.Live.Lookback)
	str("TELEMETRY_LOG_LEVEL", &c.Log.Level)
	str("TELEMETRY_LOG_FORMAT", &c.Log.Format)
	if v, ok := lookup("TELEMETRY_ALLOWED_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}

	return errors.Join(errs...)
}

// LoadEnvFile loads KEY=VALUE lines into the environment. Variables that are
// already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read env file: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		if _, set := os.LookupEnv(key); !set {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("set %s: %w", key, err)
			}
		}
	}
	return nil
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Addr == "" {
		fail("server.addr is empty")
	}
	if c.Server.WriteTimeout <= 0 || c.Server.PongWait <= 0 || c.Server.PingInterval <= 0 {
		fail("server timeouts must be positive")
	}
	if c.Server.PingInterval >= c.Server.PongWait {
		fail("server.ping_interval must be shorter than server.pong_wait")
	}
	if c.Server.OutboxSize <= 0 || c.Server.MaxPending <= 0 {
		fail("server.outbox_size and server.max_pending must be positive")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendClickHouse:
		if c.Storage.ClickHouseDSN == "" {
			fail("storage.clickhouse_dsn is required for the clickhouse backend")
		}
	default:
		fail("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Storage.Demo.Enabled {
		if c.Storage.Backend != BackendMemory {
			fail("storage.demo requires the memory backend")
		}
		if c.Storage.Demo.Backfill <= 0 || c.Storage.Demo.Interval <= 0 || c.Storage.Demo.Step < time.Second {
			fail("storage.demo needs a positive backfill and interval and a step of at least 1s")
		}
	}
	switch c.Storage.Registry {
	case RegistryCatalog:
	case RegistryPostgres:
		if c.Storage.PostgresDSN == "" {
			fail("storage.postgres_dsn is required for the postgres registry")
		}
	default:
		fail("unknown storage.registry %q", c.Storage.Registry)
	}

	if c.Resolution.Policy != resolution.PolicyCardinality && c.Resolution.Policy != resolution.PolicyThreshold {
		fail("unknown resolution.policy %q", c.Resolution.Policy)
	}
	if c.Resolution.TargetPoints <= 0 {
		fail("resolution.target_points must be positive, got %d", c.Resolution.TargetPoints)
	}
	if c.Resolution.MaxSpan <= 0 {
		fail("resolution.max_span must be positive")
	}
	if c.Resolution.MaxRawSpan <= 0 {
		fail("resolution.max_raw_span must be positive")
	}
	if c.Resolution.MaxBuckets <= 0 {
		fail("resolution.max_buckets must be positive, got %d", c.Resolution.MaxBuckets)
	}
	if c.Correlation.Tolerance <= 0 {
		fail("correlation.tolerance must be positive, got %s", c.Correlation.Tolerance)
	}
	if c.Stream.ChunkSize <= 0 {
		fail("stream.chunk_size must be positive, got %d", c.Stream.ChunkSize)
	}
	if c.Stream.InterChunkDelay < 0 {
		fail("stream.inter_chunk_delay must not be negative")
	}
	if c.Live.Interval <= 0 || c.Live.Lookback <= 0 {
		fail("live.interval and live.lookback must be positive")
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		fail("unknown log.format %q", c.Log.Format)
	}

	seen := make(map[string]struct{}, len(c.Targets))
	for i := range c.Targets {
		t := &c.Targets[i]
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[t.ID]; dup {
			fail("target %s declared twice", t.ID)
		}
		seen[t.ID] = struct{}{}
		if t.Kind == domain.FeedCurrents {
			if t.Instrument != "" && !slices.Contains(currents.Instruments, t.Instrument) {
				fail("target %s: unknown instrument %q", t.ID, t.Instrument)
			}
			if _, err := currents.ParseDepthRange(t.DepthRange); err != nil {
				errs = append(errs, fmt.Errorf("target %s: %w", t.ID, err))
			}
		}
	}

	return errors.Join(errs...)
}

// NewLogger builds the process logger.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch l.Format {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", l.Format)
	}
	return slog.New(handler), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
