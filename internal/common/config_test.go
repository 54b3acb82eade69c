package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	if config.Server.Port != 8080 || config.Server.Host != "localhost" {
		t.Errorf("Server defaults = %+v", config.Server)
	}
	if config.Executor.DefaultMaxParallel != 4 || config.Executor.MaxRetries != 3 {
		t.Errorf("Executor defaults = %+v", config.Executor)
	}
	if config.Storage.Badger.Path == "" {
		t.Error("Expected a default storage path")
	}
	if config.WebSocket.ThrottleIntervals["job_progress"] != "500ms" {
		t.Errorf("Throttle defaults = %v", config.WebSocket.ThrottleIntervals)
	}
}

func TestLoadFromFilesLayering(t *testing.T) {
	base := writeConfigFile(t, "base.toml", `
environment = "production"

[server]
port = 9000

[executor]
max_retries = 5
`)
	override := writeConfigFile(t, "override.toml", `
[server]
port = 9100
`)

	config, err := LoadFromFiles(base, override)
	if err != nil {
		t.Fatalf("LoadFromFiles failed: %v", err)
	}

	// Later files win; untouched values keep earlier layers
	if config.Server.Port != 9100 {
		t.Errorf("Port = %d, want 9100", config.Server.Port)
	}
	if config.Environment != "production" {
		t.Errorf("Environment = %s, want production", config.Environment)
	}
	if config.Executor.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", config.Executor.MaxRetries)
	}
	// Defaults survive where no file sets a value
	if config.Server.Host != "localhost" {
		t.Errorf("Host = %s, want localhost", config.Server.Host)
	}
}

func TestLoadFromFilesMissingFile(t *testing.T) {
	if _, err := LoadFromFiles("/nonexistent/curo.toml"); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CURO_SERVER_PORT", "7777")
	t.Setenv("CURO_LOG_LEVEL", "debug")
	t.Setenv("CURO_ENVIRONMENT", "production")

	config, err := LoadFromFiles()
	if err != nil {
		t.Fatalf("LoadFromFiles failed: %v", err)
	}

	if config.Server.Port != 7777 {
		t.Errorf("Port = %d, want 7777", config.Server.Port)
	}
	if config.Logging.Level != "debug" {
		t.Errorf("Level = %s, want debug", config.Logging.Level)
	}
	if config.Environment != "production" {
		t.Errorf("Environment = %s, want production", config.Environment)
	}
}

func TestFlagOverrides(t *testing.T) {
	config := NewDefaultConfig()

	ApplyFlagOverrides(config, 3000, "0.0.0.0")
	if config.Server.Port != 3000 || config.Server.Host != "0.0.0.0" {
		t.Errorf("Server = %+v", config.Server)
	}

	// Zero values leave the config untouched
	ApplyFlagOverrides(config, 0, "")
	if config.Server.Port != 3000 || config.Server.Host != "0.0.0.0" {
		t.Errorf("Server after no-op overrides = %+v", config.Server)
	}
}

func TestValidate(t *testing.T) {
	config := NewDefaultConfig()
	config.Server.Port = 0
	if err := config.Validate(); err == nil {
		t.Error("Expected error for port 0")
	}

	config = NewDefaultConfig()
	config.Storage.Badger.Path = ""
	if err := config.Validate(); err == nil {
		t.Error("Expected error for empty storage path")
	}

	// Out-of-range executor values are clamped, not rejected
	config = NewDefaultConfig()
	config.Executor.DefaultMaxParallel = 0
	config.Executor.MaxRetries = -1
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if config.Executor.DefaultMaxParallel != 1 || config.Executor.MaxRetries != 0 {
		t.Errorf("Clamped executor = %+v", config.Executor)
	}
}

func TestDatagenInterval(t *testing.T) {
	cases := []struct {
		rate string
		want time.Duration
	}{
		{"1ms", time.Millisecond},
		{"500us", 500 * time.Microsecond},
		{"", 0},
		{"garbage", 0},
	}
	for _, tc := range cases {
		c := ExecutorConfig{DatagenRate: tc.rate}
		if got := c.DatagenInterval(); got != tc.want {
			t.Errorf("DatagenInterval(%q) = %v, want %v", tc.rate, got, tc.want)
		}
	}
}
