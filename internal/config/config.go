// Package config holds the fabric's construction options. Everything is an
// explicit options struct; nothing reads configuration at use time.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all fabric configuration, loaded from environment variables
// (A2A_* keys) with optional YAML file overrides.
type Config struct {
	// Identity of the agent this process runs as.
	AgentID      string `yaml:"agent_id"`
	AgentVersion string `yaml:"agent_version"`
	Tenant       string `yaml:"tenant"`
	Project      string `yaml:"project"`

	// Backends
	TransportURL string `yaml:"transport_url"` // redis://...
	RegistryURL  string `yaml:"registry_url"`  // postgres://...

	// Policy engine
	PolicyURL      string        `yaml:"policy_url"`
	PolicyPath     string        `yaml:"policy_path"` // e.g. "a2a/wire_gates"
	PolicyDisabled bool          `yaml:"policy_disabled"`
	PolicyTimeout  time.Duration `yaml:"policy_timeout"`

	// Wire security
	SigningSecret    string        `yaml:"signing_secret"`
	SigningAlgorithm string        `yaml:"signing_algorithm"` // sha256 or sha512
	TokenSecret      string        `yaml:"token_secret"`      // HS256 bearer verification key
	BearerToken      string        `yaml:"bearer_token"`      // credential attached to outbound envelopes
	FreshnessWindow  time.Duration `yaml:"freshness_window"`
	ClockSkew        time.Duration `yaml:"clock_skew"`

	// Registry behaviour
	LeaseDuration time.Duration `yaml:"lease_duration"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Transport behaviour
	ValidateOnPublish   bool          `yaml:"validate_on_publish"`
	ValidateOnSubscribe bool          `yaml:"validate_on_subscribe"`
	MaxPending          int           `yaml:"max_pending"`
	MaxRedeliveries     int           `yaml:"max_redeliveries"`
	ReclaimMinIdle      time.Duration `yaml:"reclaim_min_idle"`

	// Idempotency store
	IdempotencyPath string        `yaml:"idempotency_path"`
	IdempotencyTTL  time.Duration `yaml:"idempotency_ttl"`

	// Operational surface
	MetricsAddr string `yaml:"metrics_addr"`
	LogJSON     bool   `yaml:"log_json"`
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		AgentID:             envStr("A2A_AGENT_ID", ""),
		AgentVersion:        envStr("A2A_AGENT_VERSION", "dev"),
		Tenant:              envStr("A2A_TENANT", ""),
		Project:             envStr("A2A_PROJECT", ""),
		TransportURL:        envStr("A2A_TRANSPORT_URL", "redis://localhost:6379/0"),
		RegistryURL:         envStr("A2A_REGISTRY_URL", "postgres://localhost:5432/a2a?sslmode=disable"),
		PolicyURL:           envStr("A2A_POLICY_URL", ""),
		PolicyPath:          envStr("A2A_POLICY_PATH", "a2a/wire_gates"),
		PolicyDisabled:      envBool("A2A_POLICY_DISABLED", false),
		PolicyTimeout:       envDuration("A2A_POLICY_TIMEOUT", 500*time.Millisecond),
		SigningSecret:       envStr("A2A_SIGNING_SECRET", ""),
		SigningAlgorithm:    envStr("A2A_SIGNING_ALGORITHM", "sha256"),
		TokenSecret:         envStr("A2A_TOKEN_SECRET", ""),
		BearerToken:         envStr("A2A_BEARER_TOKEN", ""),
		FreshnessWindow:     envDuration("A2A_FRESHNESS_WINDOW", 300*time.Second),
		ClockSkew:           envDuration("A2A_CLOCK_SKEW", 5*time.Second),
		LeaseDuration:       envDuration("A2A_LEASE_DURATION", 60*time.Second),
		SweepInterval:       envDuration("A2A_SWEEP_INTERVAL", 10*time.Second),
		ValidateOnPublish:   envBool("A2A_VALIDATE_ON_PUBLISH", true),
		ValidateOnSubscribe: envBool("A2A_VALIDATE_ON_SUBSCRIBE", true),
		MaxPending:          envInt("A2A_MAX_PENDING", 64),
		MaxRedeliveries:     envInt("A2A_MAX_REDELIVERIES", 5),
		ReclaimMinIdle:      envDuration("A2A_RECLAIM_MIN_IDLE", 5*time.Second),
		IdempotencyPath:     envStr("A2A_IDEMPOTENCY_PATH", "/data/a2a-idempotency.db"),
		IdempotencyTTL:      envDuration("A2A_IDEMPOTENCY_TTL", 600*time.Second),
		MetricsAddr:         envStr("A2A_METRICS_ADDR", ":9464"),
		LogJSON:             envBool("A2A_LOG_JSON", true),
	}
}

// LoadFile overlays YAML file values onto c. Keys absent from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.AgentID == "" {
		errs = append(errs, errors.New("A2A_AGENT_ID must be set"))
	}
	if c.Tenant == "" {
		errs = append(errs, errors.New("A2A_TENANT must be set"))
	}
	if c.Project == "" {
		errs = append(errs, errors.New("A2A_PROJECT must be set"))
	}
	switch c.SigningAlgorithm {
	case "sha256", "sha512":
		// valid
	default:
		errs = append(errs, fmt.Errorf("A2A_SIGNING_ALGORITHM must be sha256 or sha512, got %q", c.SigningAlgorithm))
	}
	if c.FreshnessWindow <= 0 {
		errs = append(errs, fmt.Errorf("A2A_FRESHNESS_WINDOW must be > 0, got %s", c.FreshnessWindow))
	}
	if c.LeaseDuration <= 0 {
		errs = append(errs, fmt.Errorf("A2A_LEASE_DURATION must be > 0, got %s", c.LeaseDuration))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("A2A_SWEEP_INTERVAL must be > 0, got %s", c.SweepInterval))
	}
	if c.MaxPending <= 0 {
		errs = append(errs, fmt.Errorf("A2A_MAX_PENDING must be > 0, got %d", c.MaxPending))
	}
	if c.MaxRedeliveries < 0 {
		errs = append(errs, fmt.Errorf("A2A_MAX_REDELIVERIES must be >= 0, got %d", c.MaxRedeliveries))
	}
	if c.PolicyURL == "" && !c.PolicyDisabled {
		errs = append(errs, errors.New("A2A_POLICY_URL must be set unless A2A_POLICY_DISABLED=true"))
	}
	if c.PolicyTimeout <= 0 || c.PolicyTimeout > 500*time.Millisecond {
		errs = append(errs, fmt.Errorf("A2A_POLICY_TIMEOUT must be in (0, 500ms], got %s", c.PolicyTimeout))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
