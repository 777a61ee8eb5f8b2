package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults and clamps for the recognized configuration surface.
const (
	DefaultSyncInterval     = 300 * time.Second
	MinSyncInterval         = 60 * time.Second
	MaxSyncInterval         = 300 * time.Second
	DefaultBatchSize        = 100
	DefaultMaxAttempts      = 5
	DefaultMergeTimeout     = 500 * time.Millisecond
	DefaultPruneThreshold   = 1000
	DefaultEMRTimeout       = 30 * time.Second
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
	DefaultRefreshMargin    = 300 * time.Second
	DefaultMaxBytes         = 1 << 30
	DefaultStaleness        = 15 * time.Minute
	DefaultBufferSize       = 2048
	DefaultOpsPerSecond     = 1000
)

// Sync holds orchestrator settings
type Sync struct {
	IntervalS    int `yaml:"interval"`
	BatchSize    int `yaml:"batch_size"`
	MaxAttempts  int `yaml:"max_attempts"`
	OpsPerSecond int `yaml:"ops_per_second"`
}

// Merge holds conflict-resolution settings
type Merge struct {
	Policy                    string `yaml:"policy"`
	TimeoutMs                 int    `yaml:"timeout_ms"`
	VectorClockPruneThreshold int    `yaml:"vector_clock_prune_threshold"`
}

// Circuit holds breaker settings applied per EMR endpoint
type Circuit struct {
	FailureThreshold int `yaml:"failure_threshold"`
	ResetTimeoutMs   int `yaml:"reset_timeout_ms"`
}

// EMR holds adapter settings
type EMR struct {
	System           string  `yaml:"system"`
	RequestTimeoutMs int     `yaml:"request_timeout_ms"`
	FHIRBaseURL      string  `yaml:"fhir_base_url"`
	HL7Address       string  `yaml:"hl7_address"`
	Circuit          Circuit `yaml:"circuit"`
	StalenessS       int     `yaml:"staleness_s"`
}

// Token holds OAuth2 token manager settings
type Token struct {
	RefreshMarginS int    `yaml:"refresh_margin_s"`
	Endpoint       string `yaml:"endpoint"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	Scope          string `yaml:"scope"`
	GrantType      string `yaml:"grant_type"`
	Audience       string `yaml:"audience"`
}

// Persistence holds local store settings
type Persistence struct {
	Path            string `yaml:"path"`
	MaxBytes        int64  `yaml:"max_bytes"`
	EncryptionKeyID string `yaml:"encryption_key_id"`
}

// Dispatch holds event bus consumer settings
type Dispatch struct {
	Brokers    []string `yaml:"brokers"`
	Group      string   `yaml:"group"`
	BufferSize int      `yaml:"buffer_size"`
}

// API holds sync endpoint settings
type API struct {
	Listen   string `yaml:"listen"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Log holds logging settings
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the top-level configuration
type Config struct {
	Sync        Sync        `yaml:"sync"`
	Merge       Merge       `yaml:"merge"`
	EMR         EMR         `yaml:"emr"`
	Token       Token       `yaml:"token"`
	Persistence Persistence `yaml:"persistence"`
	Dispatch    Dispatch    `yaml:"dispatch"`
	API         API         `yaml:"api"`
	Log         Log         `yaml:"log"`
}

// Default returns a configuration with all defaults applied
func Default() *Config {
	return &Config{
		Sync: Sync{
			IntervalS:    int(DefaultSyncInterval.Seconds()),
			BatchSize:    DefaultBatchSize,
			MaxAttempts:  DefaultMaxAttempts,
			OpsPerSecond: DefaultOpsPerSecond,
		},
		Merge: Merge{
			Policy:                    "lww",
			TimeoutMs:                 int(DefaultMergeTimeout.Milliseconds()),
			VectorClockPruneThreshold: DefaultPruneThreshold,
		},
		EMR: EMR{
			System:           "epic",
			RequestTimeoutMs: int(DefaultEMRTimeout.Milliseconds()),
			Circuit: Circuit{
				FailureThreshold: DefaultFailureThreshold,
				ResetTimeoutMs:   int(DefaultResetTimeout.Milliseconds()),
			},
			StalenessS: int(DefaultStaleness.Seconds()),
		},
		Token: Token{
			RefreshMarginS: int(DefaultRefreshMargin.Seconds()),
			GrantType:      "client_credentials",
		},
		Persistence: Persistence{
			Path:     "/var/lib/wardsync",
			MaxBytes: DefaultMaxBytes,
		},
		Dispatch: Dispatch{
			Group:      "wardsync",
			BufferSize: DefaultBufferSize,
		},
		API: API{
			Listen: ":8443",
		},
		Log: Log{
			Level: "info",
			JSON:  true,
		},
	}
}

// Load reads configuration from an optional YAML file, applies
// environment overrides, and validates the result. An empty path
// returns the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides settings that are commonly injected at deploy
// time. Secrets in particular never belong in the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("WARDSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("WARDSYNC_DATA_DIR"); v != "" {
		cfg.Persistence.Path = v
	}
	if v := os.Getenv("WARDSYNC_ENCRYPTION_KEY_ID"); v != "" {
		cfg.Persistence.EncryptionKeyID = v
	}
	if v := os.Getenv("WARDSYNC_TOKEN_CLIENT_SECRET"); v != "" {
		cfg.Token.ClientSecret = v
	}
	if v := os.Getenv("WARDSYNC_SYNC_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.IntervalS = n
		}
	}
	if v := os.Getenv("WARDSYNC_LISTEN"); v != "" {
		cfg.API.Listen = v
	}
}

// Validate checks invariants and clamps values into their allowed
// ranges.
func (c *Config) Validate() error {
	if c.Merge.Policy != "lww" {
		return fmt.Errorf("unknown merge policy %q", c.Merge.Policy)
	}

	// Interval is clamped, not rejected: an aggressive device config
	// must not hammer the backend.
	if c.Sync.IntervalS < int(MinSyncInterval.Seconds()) {
		c.Sync.IntervalS = int(MinSyncInterval.Seconds())
	}
	if c.Sync.IntervalS > int(MaxSyncInterval.Seconds()) {
		c.Sync.IntervalS = int(MaxSyncInterval.Seconds())
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = DefaultBatchSize
	}
	if c.Sync.MaxAttempts <= 0 {
		c.Sync.MaxAttempts = DefaultMaxAttempts
	}
	if c.Sync.OpsPerSecond <= 0 {
		c.Sync.OpsPerSecond = DefaultOpsPerSecond
	}
	if c.Merge.TimeoutMs <= 0 {
		c.Merge.TimeoutMs = int(DefaultMergeTimeout.Milliseconds())
	}
	if c.Merge.VectorClockPruneThreshold <= 0 {
		c.Merge.VectorClockPruneThreshold = DefaultPruneThreshold
	}
	if c.EMR.System == "" {
		c.EMR.System = "epic"
	}
	if c.EMR.RequestTimeoutMs <= 0 {
		c.EMR.RequestTimeoutMs = int(DefaultEMRTimeout.Milliseconds())
	}
	if c.EMR.Circuit.FailureThreshold <= 0 {
		c.EMR.Circuit.FailureThreshold = DefaultFailureThreshold
	}
	if c.EMR.Circuit.ResetTimeoutMs <= 0 {
		c.EMR.Circuit.ResetTimeoutMs = int(DefaultResetTimeout.Milliseconds())
	}
	if c.EMR.StalenessS <= 0 {
		c.EMR.StalenessS = int(DefaultStaleness.Seconds())
	}
	if c.Token.RefreshMarginS <= 0 {
		c.Token.RefreshMarginS = int(DefaultRefreshMargin.Seconds())
	}
	if c.Persistence.MaxBytes <= 0 {
		c.Persistence.MaxBytes = DefaultMaxBytes
	}
	if c.Dispatch.BufferSize <= 0 {
		c.Dispatch.BufferSize = DefaultBufferSize
	}
	return nil
}

// SyncInterval returns the base sync interval as a duration
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalS) * time.Second
}

// MergeTimeout returns the per-chunk merge deadline as a duration
func (c *Config) MergeTimeout() time.Duration {
	return time.Duration(c.Merge.TimeoutMs) * time.Millisecond
}

// EMRTimeout returns the per-call EMR deadline as a duration
func (c *Config) EMRTimeout() time.Duration {
	return time.Duration(c.EMR.RequestTimeoutMs) * time.Millisecond
}

// RefreshMargin returns the early token refresh window as a duration
func (c *Config) RefreshMargin() time.Duration {
	return time.Duration(c.Token.RefreshMarginS) * time.Second
}

// Staleness returns the verification staleness window as a duration
func (c *Config) Staleness() time.Duration {
	return time.Duration(c.EMR.StalenessS) * time.Second
}
