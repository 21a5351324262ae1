// Package config loads CLI configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all stow configuration.
type Config struct {
	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Metrics listener; empty disables it
	MetricsAddr string `yaml:"metrics_addr"`

	// Transfer engine
	Workers  int  `yaml:"workers"`
	Checksum bool `yaml:"checksum"`

	// Backend calls
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`

	S3 S3Config `yaml:"s3"`
}

// S3Config holds settings shared by every s3:// URL.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:      "warn",
		LogFormat:     "console",
		Workers:       4,
		Checksum:      true,
		Timeout:       0,
		RetryAttempts: 3,
		S3: S3Config{
			Region: "us-east-1",
			UseSSL: true,
		},
	}
}

// Load reads STOW_CONFIG (when set) and then applies environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("STOW_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.LogLevel = envOr("STOW_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("STOW_LOG_FORMAT", cfg.LogFormat)
	cfg.MetricsAddr = envOr("STOW_METRICS_ADDR", cfg.MetricsAddr)
	cfg.Workers = envInt("STOW_WORKERS", cfg.Workers)
	cfg.Checksum = envBool("STOW_CHECKSUM", cfg.Checksum)
	cfg.Timeout = envDuration("STOW_TIMEOUT", cfg.Timeout)
	cfg.RetryAttempts = envInt("STOW_RETRY_ATTEMPTS", cfg.RetryAttempts)
	cfg.S3.Endpoint = envOr("S3_ENDPOINT", cfg.S3.Endpoint)
	cfg.S3.Region = envOr("S3_REGION", cfg.S3.Region)
	cfg.S3.AccessKey = envOr("S3_ACCESS_KEY", cfg.S3.AccessKey)
	cfg.S3.SecretKey = envOr("S3_SECRET_KEY", cfg.S3.SecretKey)
	cfg.S3.UseSSL = envBool("S3_USE_SSL", cfg.S3.UseSSL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1, got %d", c.RetryAttempts)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	return nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
