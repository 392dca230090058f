package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable the assertions below depend on, so an
// operator's shell cannot leak into the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"TELEGRAM_BOT_TOKEN", "CHEBOT_STORAGE", "CHEBOT_DATA_DIR",
		"CHEBOT_MAX_HISTORY", "CHEBOT_CONTEXT_WINDOW", "CHEBOT_IDLE_TTL",
		"CHEBOT_PROVIDER", "CHEBOT_MODEL", "CHEBOT_LOG_LEVEL",
		"CHEBOT_SSH_HOST", "CHEBOT_SSH_PORT",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, StorageLocal, cfg.Storage)
	assert.Equal(t, 22, cfg.SSHPort)
	assert.Equal(t, 200, cfg.MaxHistory)
	assert.Equal(t, 10, cfg.ContextWindow)
	assert.Equal(t, 30*time.Minute, cfg.IdleTTL)
	assert.Equal(t, ProviderAnthropic, cfg.TranslateProvider)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.TranslateModel)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Defaults()
		cfg.TelegramToken = "tok"
		return cfg
	}

	t.Run("defaults with a token pass", func(t *testing.T) {
		cfg := valid()
		require.NoError(t, cfg.Validate())
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing token", func(c *Config) { c.TelegramToken = "" }, "token"},
		{"ssh without host and user", func(c *Config) { c.Storage = StorageSSH }, "ssh"},
		{"unknown storage", func(c *Config) { c.Storage = "tape" }, "storage"},
		{"zero max_history", func(c *Config) { c.MaxHistory = 0 }, "max_history"},
		{"zero context_window", func(c *Config) { c.ContextWindow = 0 }, "context_window"},
		{"zero sweep_interval", func(c *Config) { c.SweepInterval = 0 }, "sweep_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_FileOverlay(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
telegram_token: tok-from-file
storage: ssh
ssh:
  host: example.net
  user: che
session:
  max_history: 50
  idle_ttl: 10m
translate:
  provider: ollama
  model: llama3
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tok-from-file", cfg.TelegramToken)
	assert.Equal(t, StorageSSH, cfg.Storage)
	assert.Equal(t, "example.net", cfg.SSHHost)
	assert.Equal(t, "che", cfg.SSHUser)
	assert.Equal(t, 50, cfg.MaxHistory)
	assert.Equal(t, 10*time.Minute, cfg.IdleTTL)
	assert.Equal(t, ProviderOllama, cfg.TranslateProvider)
	assert.Equal(t, "llama3", cfg.TranslateModel)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)

	// Untouched settings keep their defaults.
	assert.Equal(t, 22, cfg.SSHPort)
	assert.Equal(t, 10, cfg.ContextWindow)
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
telegram_token: tok-from-file
session:
  max_history: 50
`)
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok-from-env")
	t.Setenv("CHEBOT_MAX_HISTORY", "75")
	t.Setenv("CHEBOT_IDLE_TTL", "1h")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tok-from-env", cfg.TelegramToken)
	assert.Equal(t, 75, cfg.MaxHistory)
	assert.Equal(t, time.Hour, cfg.IdleTTL)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeConfig(t, "telegram_token: [unclosed")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, "session:\n  idle_ttl: soon\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idle_ttl")
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"garbage", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseLogLevel(tt.in); got != tt.want {
				t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Info("session persisted", "user", "u1")

	assert.Contains(t, stderr.String(), "session persisted")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &entry))
	assert.Equal(t, "session persisted", entry["msg"])
	assert.Equal(t, "u1", entry["user"])
}
