// ABOUTME: Configuration loading and parsing for hearth
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete hearth configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Uploads  UploadsConfig  `yaml:"uploads"`
	Typing   TypingConfig   `yaml:"typing"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig holds attachment object storage configuration
type StorageConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// UploadsConfig holds attachment upload tuning
type UploadsConfig struct {
	Concurrency int `yaml:"concurrency"`
	MaxRetries  int `yaml:"max_retries"`

	BackoffBase time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	BackoffBaseRaw string `yaml:"backoff_base"`
}

// TypingConfig holds typing indicator tuning
type TypingConfig struct {
	Window time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	WindowRaw string `yaml:"window"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
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

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Storage.Endpoint == "" {
		return fmt.Errorf("storage.endpoint is required")
	}
	if c.Uploads.Concurrency < 0 {
		return fmt.Errorf("uploads.concurrency must not be negative")
	}
	if c.Uploads.MaxRetries < 0 {
		return fmt.Errorf("uploads.max_retries must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Uploads.BackoffBaseRaw != "" {
		cfg.Uploads.BackoffBase, err = time.ParseDuration(cfg.Uploads.BackoffBaseRaw)
		if err != nil {
			return fmt.Errorf("parsing uploads.backoff_base %q: %w", cfg.Uploads.BackoffBaseRaw, err)
		}
	}

	if cfg.Typing.WindowRaw != "" {
		cfg.Typing.Window, err = time.ParseDuration(cfg.Typing.WindowRaw)
		if err != nil {
			return fmt.Errorf("parsing typing.window %q: %w", cfg.Typing.WindowRaw, err)
		}
	}

	return nil
}
