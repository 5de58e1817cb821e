// Package config loads, validates, and applies environment overrides to
// EdgeBot's configuration (spec.md §6.4), following the same
// precedence chain (defaults -> file -> env -> CLI flags) and
// DefaultConfig/LoadFromFile/ApplyEnvOverrides/Validate shape as
// agent/internal/config.Config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration.
type Config struct {
	Server     ServerConfig          `yaml:"server"`
	Inputs     map[string]InputConfig `yaml:"inputs"`
	Output     OutputConfig          `yaml:"output"`
	Batching   BatchingConfig        `yaml:"batching"`
	Buffer     BufferConfig          `yaml:"buffer"`
	Retry      RetryConfig           `yaml:"retry"`
	Breaker    BreakerConfig         `yaml:"breaker"`
	RateLimit  RateLimitConfig       `yaml:"rate_limit"`
	Supervisor SupervisorConfig      `yaml:"supervisor"`
	Log        LogConfig             `yaml:"log"`
	Secrets    SecretsConfig         `yaml:"secrets"`
}

// ServerConfig binds the health/metrics endpoint (spec.md §4.9).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// InputConfig is the generic per-listener toggle; protocol-specific
// options are out of this package's scope (spec.md §1).
type InputConfig struct {
	Enabled bool `yaml:"enabled"`
}

// OutputConfig wraps the single primary sink this deployment ships to.
type OutputConfig struct {
	Primary SinkConfig `yaml:"primary"`
}

// SinkConfig covers both the http and file sink option sets; only the
// fields relevant to Kind are meaningful.
type SinkConfig struct {
	Kind string `yaml:"kind"` // "http" or "file"

	URL           string    `yaml:"url"`
	AuthToken     string    `yaml:"auth_token"`
	TLS           TLSConfig `yaml:"tls"`
	Compression   bool      `yaml:"compression"`
	TimeoutMS     int       `yaml:"timeout_ms"`
}

// TLSConfig holds the HTTP sink's transport security options.
type TLSConfig struct {
	Verify     bool   `yaml:"verify"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
	CABundle   string `yaml:"ca_bundle"`
}

// BatchingConfig bounds a single outbound batch.
type BatchingConfig struct {
	MaxSize    int `yaml:"max_size"`
	MaxBytes   int64 `yaml:"max_bytes"`
	TimeoutMS  int `yaml:"timeout_ms"`
}

// BufferConfig controls the spool's capacity and durability mode.
type BufferConfig struct {
	MaxSize             int        `yaml:"max_size"`
	DiskBuffer          bool       `yaml:"disk_buffer"`
	DiskBufferPath      string     `yaml:"disk_buffer_path"`
	DiskBufferMaxSize   ByteSize   `yaml:"disk_buffer_max_size"`
}

// RetryConfig maps to internal/retry.Policy.
type RetryConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	InitialBackoffMS  int     `yaml:"initial_backoff_ms"`
	MaxBackoffMS      int     `yaml:"max_backoff_ms"`
	JitterFactor      float64 `yaml:"jitter_factor"`
}

// BreakerConfig maps to internal/breaker.Config.
type BreakerConfig struct {
	FailureThreshold     int `yaml:"failure_threshold"`
	OpenDurationSec      int `yaml:"open_duration_sec"`
	HalfOpenMaxInflight  int `yaml:"half_open_max_inflight"`
}

// RateLimitConfig maps to internal/ratelimit.Config.
type RateLimitConfig struct {
	Mode         string `yaml:"mode"` // "events" or "bytes"
	Capacity     int    `yaml:"capacity"`
	RefillPerSec int    `yaml:"refill_per_sec"`
}

// SupervisorConfig maps to internal/supervisor.RestartPolicy / shutdown grace.
type SupervisorConfig struct {
	ShutdownGraceSec    int `yaml:"shutdown_grace_sec"`
	MaxRestartAttempts  int `yaml:"max_restart_attempts"`
	RestartWindowSec    int `yaml:"restart_window_sec"`
}

// LogConfig controls log/slog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// SecretsConfig selects the backend internal/secrets resolves
// output.primary credentials from when they're left blank in the file.
type SecretsConfig struct {
	Backend          string `yaml:"backend"`
	OnePasswordVault string `yaml:"onepassword_vault"`
}

// DefaultConfig returns a Config with spec.md's suggested defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 9090},
		Inputs: make(map[string]InputConfig),
		Output: OutputConfig{
			Primary: SinkConfig{
				Kind:        "http",
				Compression: true,
				TimeoutMS:   30_000,
				TLS:         TLSConfig{Verify: true},
			},
		},
		Batching: BatchingConfig{
			MaxSize:   1000,
			MaxBytes:  5 << 20,
			TimeoutMS: 5_000,
		},
		Buffer: BufferConfig{
			MaxSize:           100_000,
			DiskBuffer:        true,
			DiskBufferPath:    "/var/lib/edgebot",
			DiskBufferMaxSize: ByteSize(100 << 20),
		},
		Retry: RetryConfig{
			MaxRetries:       8,
			InitialBackoffMS: 500,
			MaxBackoffMS:     60_000,
			JitterFactor:     0.2,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			OpenDurationSec:     30,
			HalfOpenMaxInflight: 1,
		},
		RateLimit: RateLimitConfig{
			Mode:         "events",
			Capacity:     1000,
			RefillPerSec: 500,
		},
		Supervisor: SupervisorConfig{
			ShutdownGraceSec:   30,
			MaxRestartAttempts: 10,
			RestartWindowSec:   300,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Secrets: SecretsConfig{
			Backend:          "auto",
			OnePasswordVault: "edgebot",
		},
	}
}

// LoadFromFile reads and parses a YAML config file over DefaultConfig,
// so unset fields keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.Output.Primary.Kind {
	case "http":
		if c.Output.Primary.URL == "" {
			return fmt.Errorf("output.primary.url is required for kind=http")
		}
	case "file":
		if c.Output.Primary.URL == "" {
			return fmt.Errorf("output.primary.url is required for kind=file")
		}
	default:
		return fmt.Errorf("output.primary.kind must be 'http' or 'file', got %q", c.Output.Primary.Kind)
	}

	switch c.RateLimit.Mode {
	case "events", "bytes":
	default:
		return fmt.Errorf("rate_limit.mode must be 'events' or 'bytes', got %q", c.RateLimit.Mode)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug/info/warn/error, got %q", c.Log.Level)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json', got %q", c.Log.Format)
	}

	if c.Batching.MaxSize <= 0 {
		return fmt.Errorf("batching.max_size must be positive")
	}
	if c.Buffer.MaxSize <= 0 {
		return fmt.Errorf("buffer.max_size must be positive")
	}

	return nil
}

// ApplyEnvOverrides applies EDGEBOT_<UPPER_SNAKE> environment
// variables, which win over the file but lose to CLI flags (spec.md
// §6.4).
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("EDGEBOT_MOTHERSHIP_URL"); v != "" {
		c.Output.Primary.URL = v
	}
	if v := os.Getenv("EDGEBOT_AUTH_TOKEN"); v != "" {
		c.Output.Primary.AuthToken = v
	}
	if v := os.Getenv("EDGEBOT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("EDGEBOT_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("EDGEBOT_SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("EDGEBOT_SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("EDGEBOT_BUFFER_DISK_BUFFER_PATH"); v != "" {
		c.Buffer.DiskBufferPath = v
	}
	if v := os.Getenv("EDGEBOT_TLS_CLIENT_CERT"); v != "" {
		c.Output.Primary.TLS.ClientCert = v
	}
	if v := os.Getenv("EDGEBOT_TLS_CLIENT_KEY"); v != "" {
		c.Output.Primary.TLS.ClientKey = v
	}
}

// ByteSize unmarshals YAML values like "100MB" or a raw byte count into
// an int64 number of bytes.
type ByteSize int64

var byteUnits = []struct {
	suffix string
	factor int64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

func (b *ByteSize) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err == nil {
		parsed, err := parseByteSize(raw)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}

	var n int64
	if err := unmarshal(&n); err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

func parseByteSize(raw string) (int64, error) {
	s := strings.TrimSpace(strings.ToUpper(raw))
	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			numPart := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			n, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				return 0, fmt.Errorf("config: invalid byte size %q: %w", raw, err)
			}
			return int64(n * float64(u.factor)), nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid byte size %q: %w", raw, err)
	}
	return n, nil
}

// Duration helpers translate config's *_ms/*_sec int fields into
// time.Duration for package Configs that want one.
func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// InitialBackoff and MaxBackoff return retry.initial_backoff_ms and
// retry.max_backoff_ms as durations.
func (r RetryConfig) InitialBackoff() time.Duration { return millis(r.InitialBackoffMS) }
func (r RetryConfig) MaxBackoff() time.Duration      { return millis(r.MaxBackoffMS) }

// OpenDuration returns breaker.open_duration_sec as a time.Duration.
func (b BreakerConfig) OpenDuration() time.Duration { return seconds(b.OpenDurationSec) }

// ShutdownGrace returns supervisor.shutdown_grace_sec as a time.Duration.
func (s SupervisorConfig) ShutdownGrace() time.Duration { return seconds(s.ShutdownGraceSec) }

// RestartWindow returns supervisor.restart_window_sec as a time.Duration.
func (s SupervisorConfig) RestartWindow() time.Duration { return seconds(s.RestartWindowSec) }

// Timeout returns batching.timeout_ms as a time.Duration.
func (b BatchingConfig) Timeout() time.Duration { return millis(b.TimeoutMS) }

// Timeout returns output.primary.timeout_ms as a time.Duration.
func (s SinkConfig) Timeout() time.Duration { return millis(s.TimeoutMS) }
