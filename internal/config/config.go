package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines configuration for the dicomdl CLI.
type Config struct {
	Manifest    string      `yaml:"manifest"`
	Dest        string      `yaml:"dest"`
	Concurrency int         `yaml:"concurrency"`
	PerOrigin   int         `yaml:"per_origin"`
	Raw         bool        `yaml:"raw"`
	Progress    bool        `yaml:"progress"`
	Mirror      string      `yaml:"mirror"`
	Retry       RetryConfig `yaml:"retry"`
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	Limit      int           `yaml:"limit"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Dest:        "download",
		Concurrency: 4,
		PerOrigin:   4,
		Retry: RetryConfig{
			Limit:      5,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string durations.
type yamlConfig struct {
	Manifest    string          `yaml:"manifest"`
	Dest        string          `yaml:"dest"`
	Concurrency int             `yaml:"concurrency"`
	PerOrigin   int             `yaml:"per_origin"`
	Raw         bool            `yaml:"raw"`
	Progress    bool            `yaml:"progress"`
	Mirror      string          `yaml:"mirror"`
	Retry       yamlRetryConfig `yaml:"retry"`
}

type yamlRetryConfig struct {
	Limit      int    `yaml:"limit"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.Manifest != "" {
		cfg.Manifest = yc.Manifest
	}
	if yc.Dest != "" {
		cfg.Dest = yc.Dest
	}
	if yc.Concurrency != 0 {
		cfg.Concurrency = yc.Concurrency
	}
	if yc.PerOrigin != 0 {
		cfg.PerOrigin = yc.PerOrigin
	}
	cfg.Raw = yc.Raw
	cfg.Progress = yc.Progress
	if yc.Mirror != "" {
		cfg.Mirror = yc.Mirror
	}
	if yc.Retry.Limit != 0 {
		cfg.Retry.Limit = yc.Retry.Limit
	}
	if yc.Retry.Backoff != "" {
		d, err := time.ParseDuration(yc.Retry.Backoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.backoff: %w", err)
		}
		cfg.Retry.Backoff = d
	}
	if yc.Retry.MaxBackoff != "" {
		d, err := time.ParseDuration(yc.Retry.MaxBackoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.max_backoff: %w", err)
		}
		cfg.Retry.MaxBackoff = d
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the DICOMDL_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("DICOMDL_MANIFEST"); v != "" {
		c.Manifest = v
	}
	if v := os.Getenv("DICOMDL_DEST"); v != "" {
		c.Dest = v
	}
	if v := os.Getenv("DICOMDL_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse DICOMDL_CONCURRENCY: %w", err)
		}
		c.Concurrency = n
	}
	if v := os.Getenv("DICOMDL_PER_ORIGIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse DICOMDL_PER_ORIGIN: %w", err)
		}
		c.PerOrigin = n
	}
	if v := os.Getenv("DICOMDL_RAW"); v != "" {
		c.Raw = v == "true" || v == "1"
	}
	if v := os.Getenv("DICOMDL_PROGRESS"); v != "" {
		c.Progress = v == "true" || v == "1"
	}
	if v := os.Getenv("DICOMDL_MIRROR"); v != "" {
		c.Mirror = v
	}
	if v := os.Getenv("DICOMDL_RETRY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse DICOMDL_RETRY_LIMIT: %w", err)
		}
		c.Retry.Limit = n
	}
	if v := os.Getenv("DICOMDL_RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse DICOMDL_RETRY_BACKOFF: %w", err)
		}
		c.Retry.Backoff = d
	}
	if v := os.Getenv("DICOMDL_RETRY_MAX_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse DICOMDL_RETRY_MAX_BACKOFF: %w", err)
		}
		c.Retry.MaxBackoff = d
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Manifest == "" {
		return errors.New("config: manifest is required")
	}
	if c.Dest == "" {
		return errors.New("config: dest is required")
	}
	if c.Concurrency <= 0 {
		return errors.New("config: concurrency must be positive")
	}
	if c.PerOrigin <= 0 {
		return errors.New("config: per_origin must be positive")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.Manifest != "" {
		c.Manifest = override.Manifest
	}
	if override.Dest != "" {
		c.Dest = override.Dest
	}
	if override.Concurrency != 0 {
		c.Concurrency = override.Concurrency
	}
	if override.PerOrigin != 0 {
		c.PerOrigin = override.PerOrigin
	}
	if override.Raw {
		c.Raw = override.Raw
	}
	if override.Progress {
		c.Progress = override.Progress
	}
	if override.Mirror != "" {
		c.Mirror = override.Mirror
	}
	if override.Retry.Limit != 0 {
		c.Retry.Limit = override.Retry.Limit
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	return c
}
