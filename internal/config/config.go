// ABOUTME: Configuration loading and parsing for flowchat.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete flowchat configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Retry   RetryConfig   `yaml:"retry"`
	History HistoryConfig `yaml:"history"`
	State   StateConfig   `yaml:"state"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServiceConfig holds the remote workflow service endpoint configuration.
type ServiceConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	// ShortTimeout bounds a send with no workflow in progress; LongTimeout
	// applies once a workflow with nodes is underway.
	ShortTimeout time.Duration `yaml:"-"`
	LongTimeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ShortTimeoutRaw string `yaml:"short_timeout"`
	LongTimeoutRaw  string `yaml:"long_timeout"`
}

// RetryConfig holds the retry budget and backoff schedule.
type RetryConfig struct {
	Enabled     bool `yaml:"enabled"`
	MaxAttempts int  `yaml:"max_attempts"`

	BackoffBase time.Duration `yaml:"-"`
	BackoffCap  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	BackoffBaseRaw string `yaml:"backoff_base"`
	BackoffCapRaw  string `yaml:"backoff_cap"`
}

// HistoryConfig holds history synchronizer settings.
type HistoryConfig struct {
	// BaseURL overrides the service base URL for the history store.
	// Empty means same endpoint as the workflow service.
	BaseURL string `yaml:"base_url"`
}

// StateConfig holds local durable storage configuration.
type StateConfig struct {
	Path      string `yaml:"path"`
	UsagePath string `yaml:"usage_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Service.BaseURL == "" {
		return fmt.Errorf("service.base_url is required")
	}
	if c.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Service.ShortTimeoutRaw != "" {
		cfg.Service.ShortTimeout, err = time.ParseDuration(cfg.Service.ShortTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing short_timeout %q: %w", cfg.Service.ShortTimeoutRaw, err)
		}
	}

	if cfg.Service.LongTimeoutRaw != "" {
		cfg.Service.LongTimeout, err = time.ParseDuration(cfg.Service.LongTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing long_timeout %q: %w", cfg.Service.LongTimeoutRaw, err)
		}
	}

	if cfg.Retry.BackoffBaseRaw != "" {
		cfg.Retry.BackoffBase, err = time.ParseDuration(cfg.Retry.BackoffBaseRaw)
		if err != nil {
			return fmt.Errorf("parsing backoff_base %q: %w", cfg.Retry.BackoffBaseRaw, err)
		}
	}

	if cfg.Retry.BackoffCapRaw != "" {
		cfg.Retry.BackoffCap, err = time.ParseDuration(cfg.Retry.BackoffCapRaw)
		if err != nil {
			return fmt.Errorf("parsing backoff_cap %q: %w", cfg.Retry.BackoffCapRaw, err)
		}
	}

	return nil
}

// Default returns a configuration with sane defaults for an unconfigured run.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			BaseURL:      "http://localhost:8080/v1",
			ShortTimeout: 60 * time.Second,
			LongTimeout:  180 * time.Second,
		},
		Retry: RetryConfig{
			Enabled:     true,
			MaxAttempts: 3,
			BackoffBase: time.Second,
			BackoffCap:  10 * time.Second,
		},
		State: StateConfig{
			Path:      "flowchat.db",
			UsagePath: "flowchat-usage.db",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}
