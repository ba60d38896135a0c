// Package config loads the Metaname credential and solver configuration used
// by the command-line tool. Library consumers construct acmedns values
// directly and never touch this package.
package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config holds the Metaname account credentials and optional solver tuning.
type Config struct {
	AccountReference string `yaml:"account_reference"`
	APIKey           string `yaml:"api_key"`
	Endpoint         string `yaml:"endpoint"`
	TTL              int    `yaml:"ttl"`

	PropagationAttempts int    `yaml:"propagation_attempts"`
	PropagationInterval string `yaml:"propagation_interval"`
}

// Load reads the configuration from the path specified by the
// METANAME_CREDENTIALS_PATH environment variable, defaulting to
// "metaname.yaml".
func Load() (*Config, error) {
	path := os.Getenv("METANAME_CREDENTIALS_PATH")
	if path == "" {
		path = "metaname.yaml"
	}
	return LoadFromPath(path)
}

// LoadFromPath reads the configuration from the given file path.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}

	// Expand ${ENV_VAR} references, so secrets can live outside the file.
	cfg.AccountReference = os.ExpandEnv(cfg.AccountReference)
	cfg.APIKey = os.ExpandEnv(cfg.APIKey)
	cfg.Endpoint = os.ExpandEnv(cfg.Endpoint)

	if cfg.AccountReference == "" {
		return nil, fmt.Errorf("credentials file: missing required field 'account_reference'")
	}

	if cfg.PropagationAttempts > 0 && cfg.PropagationInterval == "" {
		return nil, fmt.Errorf("credentials file: 'propagation_interval' is required when 'propagation_attempts' is set")
	}

	return &cfg, nil
}

// Interval parses the configured propagation interval, defaulting to two
// seconds when unset.
func (c *Config) Interval() (time.Duration, error) {
	if c.PropagationInterval == "" {
		return 2 * time.Second, nil
	}
	d, err := time.ParseDuration(c.PropagationInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid propagation_interval %q: %w", c.PropagationInterval, err)
	}
	return d, nil
}
