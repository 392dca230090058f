// Package config carries runtime configuration: compiled-in defaults,
// overlaid by an optional YAML file, overlaid by environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider identifies a translation backend.
type Provider string

const (
	// ProviderAnthropic uses the Anthropic API.
	ProviderAnthropic Provider = "anthropic"

	// ProviderOpenAI uses the OpenAI API.
	ProviderOpenAI Provider = "openai"

	// ProviderOllama uses a local Ollama server.
	ProviderOllama Provider = "ollama"
)

// Storage backend names accepted by the storage setting.
const (
	StorageLocal  = "local"
	StorageSSH    = "ssh"
	StorageMemory = "memory"
)

// Config holds all configuration values.
type Config struct {
	// Telegram
	TelegramToken string

	// Storage
	Storage string
	DataDir string

	// SSH storage
	SSHHost       string
	SSHPort       int
	SSHUser       string
	SSHKeyFile    string
	SSHKnownHosts string
	SSHDir        string

	// Sessions
	MaxHistory    int
	ContextWindow int
	IdleTTL       time.Duration
	SweepInterval time.Duration

	// Translation
	TranslateProvider   Provider
	TranslateModel      string
	TranslatePromptFile string
	OllamaHost          string
	OpenAIAPIKey        string
	AnthropicAPIKey     string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Defaults returns the compiled-in configuration.
func Defaults() Config {
	return Config{
		Storage:       StorageLocal,
		DataDir:       defaultDataDir(),
		SSHPort:       22,
		SSHKeyFile:    homePath(".ssh", "id_ed25519"),
		SSHKnownHosts: homePath(".ssh", "known_hosts"),
		SSHDir:        ".chebot/sessions",

		MaxHistory:    200,
		ContextWindow: 10,
		IdleTTL:       30 * time.Minute,
		SweepInterval: 5 * time.Minute,

		TranslateProvider: ProviderAnthropic,
		TranslateModel:    "claude-haiku-4-5-20251001",
		OllamaHost:        "http://localhost:11434",

		LogFile:  "/tmp/chebot.log",
		LogLevel: slog.LevelInfo,
	}
}

// Load builds the configuration. path names a YAML file; when empty the
// default location is tried and may be absent, when set it must exist.
// Environment variables win over the file, the file over the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()

	required := path != ""
	if !required {
		path = homePath(".chebot", "config.yaml")
	}
	if path != "" {
		if err := cfg.applyFile(path, required); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// Validate checks the settings the daemon needs up front, so a
// misconfigured serve fails at startup rather than mid-run. One-shot
// commands skip it: they need no token.
func (c *Config) Validate() error {
	if c.TelegramToken == "" {
		return fmt.Errorf("telegram bot token required (set TELEGRAM_BOT_TOKEN)")
	}
	switch c.Storage {
	case StorageLocal, StorageMemory:
	case StorageSSH:
		if c.SSHHost == "" || c.SSHUser == "" {
			return fmt.Errorf("ssh storage requires host and user")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage)
	}
	if c.MaxHistory < 1 {
		return fmt.Errorf("max_history must be at least 1")
	}
	if c.ContextWindow < 1 {
		return fmt.Errorf("context_window must be at least 1")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	return nil
}

// fileConfig is the YAML shape. Secrets other than the Telegram token
// are deliberately absent: API keys come from the environment.
type fileConfig struct {
	TelegramToken string `yaml:"telegram_token"`
	Storage       string `yaml:"storage"`
	DataDir       string `yaml:"data_dir"`

	SSH struct {
		Host       string `yaml:"host"`
		Port       int    `yaml:"port"`
		User       string `yaml:"user"`
		KeyFile    string `yaml:"key_file"`
		KnownHosts string `yaml:"known_hosts"`
		Dir        string `yaml:"dir"`
	} `yaml:"ssh"`

	Session struct {
		MaxHistory    int    `yaml:"max_history"`
		ContextWindow int    `yaml:"context_window"`
		IdleTTL       string `yaml:"idle_ttl"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"session"`

	Translate struct {
		Provider   string `yaml:"provider"`
		Model      string `yaml:"model"`
		PromptFile string `yaml:"prompt_file"`
		OllamaHost string `yaml:"ollama_host"`
	} `yaml:"translate"`

	Log struct {
		File  string `yaml:"file"`
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func (c *Config) applyFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&c.TelegramToken, f.TelegramToken)
	setString(&c.Storage, f.Storage)
	setString(&c.DataDir, f.DataDir)

	setString(&c.SSHHost, f.SSH.Host)
	setInt(&c.SSHPort, f.SSH.Port)
	setString(&c.SSHUser, f.SSH.User)
	setString(&c.SSHKeyFile, f.SSH.KeyFile)
	setString(&c.SSHKnownHosts, f.SSH.KnownHosts)
	setString(&c.SSHDir, f.SSH.Dir)

	setInt(&c.MaxHistory, f.Session.MaxHistory)
	setInt(&c.ContextWindow, f.Session.ContextWindow)
	if err := setDuration(&c.IdleTTL, f.Session.IdleTTL); err != nil {
		return fmt.Errorf("parse config %s: idle_ttl: %w", path, err)
	}
	if err := setDuration(&c.SweepInterval, f.Session.SweepInterval); err != nil {
		return fmt.Errorf("parse config %s: sweep_interval: %w", path, err)
	}

	if f.Translate.Provider != "" {
		c.TranslateProvider = Provider(f.Translate.Provider)
	}
	setString(&c.TranslateModel, f.Translate.Model)
	setString(&c.TranslatePromptFile, f.Translate.PromptFile)
	setString(&c.OllamaHost, f.Translate.OllamaHost)

	setString(&c.LogFile, f.Log.File)
	if f.Log.Level != "" {
		c.LogLevel = parseLogLevel(f.Log.Level)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", c.TelegramToken)
	c.Storage = getEnv("CHEBOT_STORAGE", c.Storage)
	c.DataDir = getEnv("CHEBOT_DATA_DIR", c.DataDir)

	c.SSHHost = getEnv("CHEBOT_SSH_HOST", c.SSHHost)
	c.SSHPort = getEnvInt("CHEBOT_SSH_PORT", c.SSHPort)
	c.SSHUser = getEnv("CHEBOT_SSH_USER", c.SSHUser)
	c.SSHKeyFile = getEnv("CHEBOT_SSH_KEY_FILE", c.SSHKeyFile)
	c.SSHKnownHosts = getEnv("CHEBOT_SSH_KNOWN_HOSTS", c.SSHKnownHosts)
	c.SSHDir = getEnv("CHEBOT_SSH_DIR", c.SSHDir)

	c.MaxHistory = getEnvInt("CHEBOT_MAX_HISTORY", c.MaxHistory)
	c.ContextWindow = getEnvInt("CHEBOT_CONTEXT_WINDOW", c.ContextWindow)
	c.IdleTTL = getEnvDuration("CHEBOT_IDLE_TTL", c.IdleTTL)
	c.SweepInterval = getEnvDuration("CHEBOT_SWEEP_INTERVAL", c.SweepInterval)

	c.TranslateProvider = Provider(getEnv("CHEBOT_PROVIDER", string(c.TranslateProvider)))
	c.TranslateModel = getEnv("CHEBOT_MODEL", c.TranslateModel)
	c.TranslatePromptFile = getEnv("CHEBOT_PROMPT_FILE", c.TranslatePromptFile)
	c.OllamaHost = getEnv("OLLAMA_HOST", c.OllamaHost)
	c.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", c.AnthropicAPIKey)

	c.LogFile = getEnv("CHEBOT_LOG_FILE", c.LogFile)
	if val := os.Getenv("CHEBOT_LOG_LEVEL"); val != "" {
		c.LogLevel = parseLogLevel(val)
	}
}

func setString(dst *string, val string) {
	if val != "" {
		*dst = val
	}
}

func setInt(dst *int, val int) {
	if val > 0 {
		*dst = val
	}
}

func setDuration(dst *time.Duration, val string) error {
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultDataDir() string {
	if dir := homePath(".chebot", "sessions"); dir != "" {
		return dir
	}
	return "sessions"
}

// homePath joins elems under the home directory, empty when there is no
// resolvable home.
func homePath(elems ...string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(append([]string{home}, elems...)...)
}
