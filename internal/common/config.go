package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Executor    ExecutorConfig  `toml:"executor"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path (the single job-record storage location)
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// ExecutorConfig controls job execution behavior
type ExecutorConfig struct {
	DefaultMaxParallel int    `toml:"default_max_parallel"` // Worker pool size for parallel jobs that omit max_parallel
	MaxRetries         int    `toml:"max_retries"`          // Default retry ceiling for retry requests that omit it
	DatagenRate        string `toml:"datagen_rate"`         // Minimum interval between generated rows, e.g. "1ms"
}

// DatagenInterval parses the configured data-generation pacing interval.
// Unparseable or empty values disable pacing.
func (c *ExecutorConfig) DatagenInterval() time.Duration {
	d, err := time.ParseDuration(c.DatagenRate)
	if err != nil {
		return 0
	}
	return d
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// WebSocketConfig contains configuration for WebSocket event streaming
type WebSocketConfig struct {
	MinLevel        string   `toml:"min_level"`        // Minimum log level to broadcast ("debug", "info", "warn", "error")
	ExcludePatterns []string `toml:"exclude_patterns"` // Log message patterns to exclude from broadcasting
	// Whitelist of event types to broadcast. Empty list allows all events.
	AllowedEvents []string `toml:"allowed_events"`
	// Throttle intervals for high-frequency events, keyed by event type.
	// Example: {"job_progress" = "500ms"}
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability; only
// user-facing settings should be exposed in curo.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:           "./data/jobs",
				ResetOnStartup: false,
			},
		},
		Executor: ExecutorConfig{
			DefaultMaxParallel: 4,
			MaxRetries:         3,
			DatagenRate:        "1ms",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
		WebSocket: WebSocketConfig{
			MinLevel: "info",
			ThrottleIntervals: map[string]string{
				"job_progress": "500ms",
			},
		},
	}
}

// LoadFromFiles loads configuration in priority order:
// defaults -> file1 -> file2 -> ... -> environment variables.
// Later files override earlier ones; env vars override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies CURO_* environment variables on top of file
// configuration.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("CURO_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("CURO_SERVER_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("CURO_STORAGE_PATH"); v != "" {
		config.Storage.Badger.Path = v
	}
	if v := os.Getenv("CURO_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("CURO_ENVIRONMENT"); v != "" {
		config.Environment = v
	}
}

// ApplyFlagOverrides applies command-line flag values (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks configuration invariants after all layers are applied
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Storage.Badger.Path == "" {
		return fmt.Errorf("storage.badger.path is required")
	}
	if c.Executor.DefaultMaxParallel < 1 {
		c.Executor.DefaultMaxParallel = 1
	}
	if c.Executor.MaxRetries < 0 {
		c.Executor.MaxRetries = 0
	}
	return nil
}
