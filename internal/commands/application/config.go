package application

import (
	"errors"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ClaimConfig tunes the lease claim engine.
type ClaimConfig struct {
	MaxClaimBatch       int           `yaml:"max_claim_batch"`
	MinLeaseSeconds     int           `yaml:"min_lease_seconds"`
	MaxLeaseSeconds     int           `yaml:"max_lease_seconds"`
	DefaultLeaseSeconds int           `yaml:"default_lease_seconds"`
	MaxWaitMs           int           `yaml:"max_wait_ms"`
	PollIntervalMs      int           `yaml:"poll_interval_ms"`
	PollInterval        time.Duration `yaml:"-"`
}

// DefaultClaimConfig returns the built-in claim engine bounds.
func DefaultClaimConfig() ClaimConfig {
	return ClaimConfig{
		MaxClaimBatch:       10,
		MinLeaseSeconds:     15,
		MaxLeaseSeconds:     300,
		DefaultLeaseSeconds: 60,
		MaxWaitMs:           25000,
		PollInterval:        500 * time.Millisecond,
	}
}

// LoadClaimConfig loads claim tuning from yaml or env. The yaml file wins
// over env; both fall back to defaults.
func LoadClaimConfig() (ClaimConfig, error) {
	cfg := DefaultClaimConfig()
	if value := os.Getenv("CLAIM_POLL_INTERVAL"); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			cfg.PollInterval = parsed
		}
	}
	if value := os.Getenv("CLAIM_DEFAULT_LEASE_SECONDS"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			cfg.DefaultLeaseSeconds = parsed
		}
	}

	if path := os.Getenv("DISPATCH_CLAIM_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	return cfg.withDefaults(), cfg.validate()
}

func (c ClaimConfig) withDefaults() ClaimConfig {
	defaults := DefaultClaimConfig()
	if c.MaxClaimBatch <= 0 {
		c.MaxClaimBatch = defaults.MaxClaimBatch
	}
	if c.MinLeaseSeconds <= 0 {
		c.MinLeaseSeconds = defaults.MinLeaseSeconds
	}
	if c.MaxLeaseSeconds <= 0 {
		c.MaxLeaseSeconds = defaults.MaxLeaseSeconds
	}
	if c.DefaultLeaseSeconds <= 0 {
		c.DefaultLeaseSeconds = defaults.DefaultLeaseSeconds
	}
	if c.MaxWaitMs <= 0 {
		c.MaxWaitMs = defaults.MaxWaitMs
	}
	if c.PollIntervalMs > 0 {
		c.PollInterval = time.Duration(c.PollIntervalMs) * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.PollInterval > time.Second {
		c.PollInterval = time.Second
	}
	return c
}

func (c ClaimConfig) validate() error {
	if c.MinLeaseSeconds > c.MaxLeaseSeconds {
		return errors.New("claims: min lease exceeds max lease")
	}
	if c.DefaultLeaseSeconds < c.MinLeaseSeconds || c.DefaultLeaseSeconds > c.MaxLeaseSeconds {
		return errors.New("claims: default lease outside bounds")
	}
	return nil
}
