// Package config loads the dashboard settings from
// ~/.config/postfixerterm/config.yaml, creating it with defaults on first run.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvAPIURL      = "POSTFIXER_API_URL"
	EnvRealtimeURL = "POSTFIXER_REALTIME_URL"
	EnvAPIToken    = "POSTFIXER_API_TOKEN"
)

type Config struct {
	// APIBaseURL is the REST root, e.g. http://localhost:8000
	APIBaseURL string `yaml:"api_base_url"`
	// RealtimeURL is the Socket.IO server; usually the same host as the API.
	RealtimeURL string `yaml:"realtime_url"`
	APIToken    string `yaml:"api_token,omitempty"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	CachePath  string `yaml:"cache_path"`
	CacheLimit int    `yaml:"cache_limit"` // records kept locally

	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"` // debug, info, warn, error

	// CounterLimit is how many rate limit counters the limiter tab shows (1-50).
	CounterLimit int `yaml:"counter_limit"`
}

func DefaultConfig() Config {
	stateDir := filepath.Join(os.TempDir(), "postfixerterm")
	if dir, err := os.UserCacheDir(); err == nil {
		stateDir = filepath.Join(dir, "postfixerterm")
	}
	return Config{
		APIBaseURL:     "http://localhost:8000",
		RealtimeURL:    "http://localhost:8000",
		RequestTimeout: 10 * time.Second,
		ReconnectDelay: 2 * time.Second,
		CachePath:      filepath.Join(stateDir, "cache.db"),
		CacheLimit:     1000,
		LogFile:        filepath.Join(stateDir, "postfixerterm.log"),
		LogLevel:       "info",
		CounterLimit:   10,
	}
}

// DefaultPath returns ~/.config/postfixerterm/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".config", "postfixerterm", "config.yaml"), nil
}

// Load reads the config at path (DefaultPath when empty), writing the
// defaults there first if the file does not exist. Fields missing from the
// file keep their default values. Environment overrides are applied on top.
func Load(path string) (Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return Config{}, err
		}
		path = p
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return Config{}, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ApplyEnv overrides the URLs and token from the environment. Empty
// variables are ignored.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvAPIURL); v != "" {
		c.APIBaseURL = v
	}
	if v := getenv(EnvRealtimeURL); v != "" {
		c.RealtimeURL = v
	}
	if v := getenv(EnvAPIToken); v != "" {
		c.APIToken = v
	}
}

func (c Config) Validate() error {
	var errs []error
	for name, raw := range map[string]string{"api_base_url": c.APIBaseURL, "realtime_url": c.RealtimeURL} {
		if raw == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q is not an absolute URL", name, raw))
		}
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout))
	}
	if c.ReconnectDelay <= 0 {
		errs = append(errs, fmt.Errorf("reconnect_delay must be positive, got %s", c.ReconnectDelay))
	}
	if c.CacheLimit < 0 {
		errs = append(errs, fmt.Errorf("cache_limit must not be negative, got %d", c.CacheLimit))
	}
	if c.CounterLimit < 1 || c.CounterLimit > 50 {
		errs = append(errs, fmt.Errorf("counter_limit must be between 1 and 50, got %d", c.CounterLimit))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel. An empty level means info.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}
