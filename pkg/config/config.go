// Package config loads hexaflow configuration and pipeline definitions from
// YAML (or JSON) files, applies HEXAFLOW_* environment overrides, and watches
// the file for changes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied before the file is parsed.
const (
	DefaultLockTTL        = 30 * time.Second
	DefaultMaxParallel    = 8
	DefaultActor          = "hexaflow"
	DefaultFunctionBudget = 30 * time.Second
)

// Config holds the global configuration and the declared pipelines.
type Config struct {
	Engine    EngineConfig    `yaml:"engine" json:"engine"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Pipelines []PipelineSpec  `yaml:"pipelines" json:"pipelines"`
}

// EngineConfig tunes the executor and its collaborators.
type EngineConfig struct {
	LockTTL     time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
	LockWait    time.Duration `yaml:"lock_wait" json:"lock_wait"`
	MaxParallel int           `yaml:"max_parallel" json:"max_parallel"`
	SQLitePath  string        `yaml:"sqlite_path" json:"sqlite_path"`
	PolicyFile  string        `yaml:"policy_file" json:"policy_file"`
	Actor       string        `yaml:"actor" json:"actor"`
	// FunctionBudget bounds function stages that declare no budget.
	FunctionBudget time.Duration `yaml:"function_budget" json:"function_budget"`
	// MaxFailures suspends a pipeline after that many consecutive failed
	// runs. Zero never suspends.
	MaxFailures int `yaml:"max_failures" json:"max_failures"`
}

// TelemetryConfig holds configuration for OpenTelemetry and Prometheus.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" json:"service_name"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Insecure       bool    `yaml:"insecure" json:"insecure"`
	SampleRatio    float64 `yaml:"sample_ratio" json:"sample_ratio"`
	MetricsAddress string  `yaml:"metrics_address" json:"metrics_address"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Pretty bool   `yaml:"pretty" json:"pretty"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			LockTTL:        DefaultLockTTL,
			MaxParallel:    DefaultMaxParallel,
			Actor:          DefaultActor,
			FunctionBudget: DefaultFunctionBudget,
		},
		Telemetry: TelemetryConfig{SampleRatio: 1},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
// An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		applyEnvOverrides(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
		return cfg, nil
	}

	// #nosec G304 -- config file path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, falling back to JSON, then applies overrides and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg = Default()
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("HEXAFLOW_LOCK_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Engine.LockTTL = d
		}
	}
	if val := os.Getenv("HEXAFLOW_LOCK_WAIT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Engine.LockWait = d
		}
	}
	if val := os.Getenv("HEXAFLOW_MAX_PARALLEL"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Engine.MaxParallel = n
		}
	}
	if val := os.Getenv("HEXAFLOW_SQLITE_PATH"); val != "" {
		cfg.Engine.SQLitePath = val
	}
	if val := os.Getenv("HEXAFLOW_POLICY_FILE"); val != "" {
		cfg.Engine.PolicyFile = val
	}
	if val := os.Getenv("HEXAFLOW_ACTOR"); val != "" {
		cfg.Engine.Actor = val
	}
	if val := os.Getenv("HEXAFLOW_FUNCTION_BUDGET"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Engine.FunctionBudget = d
		}
	}
	if val := os.Getenv("HEXAFLOW_MAX_FAILURES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Engine.MaxFailures = n
		}
	}

	if val := os.Getenv("HEXAFLOW_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("HEXAFLOW_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("HEXAFLOW_METRICS_ADDR"); val != "" {
		cfg.Telemetry.MetricsAddress = val
	}

	if val := os.Getenv("HEXAFLOW_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("HEXAFLOW_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
}

// Validate performs comprehensive validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if _, err := c.Definitions(); err != nil {
		return fmt.Errorf("pipelines: %w", err)
	}
	return nil
}

// Validate checks engine tuning and fills zero values with defaults.
func (c *EngineConfig) Validate() error {
	if c.LockTTL == 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.LockTTL < 0 {
		return fmt.Errorf("lock_ttl must be positive, got %s", c.LockTTL)
	}
	if c.LockWait < 0 {
		return fmt.Errorf("lock_wait must not be negative, got %s", c.LockWait)
	}
	if c.MaxParallel == 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must be positive, got %d", c.MaxParallel)
	}
	if strings.TrimSpace(c.Actor) == "" {
		c.Actor = DefaultActor
	}
	if c.FunctionBudget == 0 {
		c.FunctionBudget = DefaultFunctionBudget
	}
	if c.FunctionBudget < 0 {
		return fmt.Errorf("function_budget must be positive, got %s", c.FunctionBudget)
	}
	if c.MaxFailures < 0 {
		return fmt.Errorf("max_failures must not be negative, got %d", c.MaxFailures)
	}
	return nil
}

// Validate checks the sample ratio.
func (c *TelemetryConfig) Validate() error {
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample_ratio must be within [0, 1], got %v", c.SampleRatio)
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "":
		c.Format = "text"
	case "text", "json":
		c.Format = format
	default:
		return fmt.Errorf("invalid log format %q, supported formats: text, json", c.Format)
	}
	return nil
}
