package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration.
type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Broker struct {
		BaseURL            string `yaml:"base_url"`
		APIKey             string `yaml:"api_key"`
		PollIntervalMS     int    `yaml:"poll_interval_ms"`
		ConfirmTimeoutSec  int    `yaml:"confirm_timeout_sec"`
		MaxConcurrentCalls int    `yaml:"max_concurrent_calls"`
	} `yaml:"broker"`

	Payments struct {
		WebhookSecret string `yaml:"webhook_secret"`
	} `yaml:"payments"`

	Feed struct {
		DefaultLimit int `yaml:"default_limit"`
		MaxLimit     int `yaml:"max_limit"`
	} `yaml:"feed"`
}

// Load reads the YAML config at path (optional) and applies environment
// overrides on top of built-in defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.Broker.PollIntervalMS = 500
	cfg.Broker.ConfirmTimeoutSec = 90
	cfg.Broker.MaxConcurrentCalls = 10
	cfg.Feed.DefaultLimit = 50
	cfg.Feed.MaxLimit = 200

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("BROKER_BASE_URL"); v != "" {
		cfg.Broker.BaseURL = v
	}
	if v := os.Getenv("BROKER_API_KEY"); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := os.Getenv("BROKER_CONFIRM_TIMEOUT_SEC"); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s > 0 {
			cfg.Broker.ConfirmTimeoutSec = s
		}
	}
	if v := os.Getenv("BROKER_MAX_CONCURRENT_CALLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Broker.MaxConcurrentCalls = n
		}
	}
	if v := os.Getenv("PAYMENT_WEBHOOK_SECRET"); v != "" {
		cfg.Payments.WebhookSecret = v
	}

	return cfg, nil
}

// PollInterval returns the execution-confirmation poll interval.
func (c *Config) PollInterval() time.Duration {
	if c.Broker.PollIntervalMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Broker.PollIntervalMS) * time.Millisecond
}

// ConfirmTimeout returns how long to wait for a confirmed execution price.
func (c *Config) ConfirmTimeout() time.Duration {
	if c.Broker.ConfirmTimeoutSec <= 0 {
		return 90 * time.Second
	}
	return time.Duration(c.Broker.ConfirmTimeoutSec) * time.Second
}
