package sidecar

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"stakesidecar/registry"
	"stakesidecar/weights"
)

// Duration wraps time.Duration to accept "90s" style strings in YAML and TOML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for the sidecar daemon.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Environment   string          `yaml:"env" toml:"env"`
	NetworkID     uint16          `yaml:"network_id" toml:"network_id"`
	Tempo         uint64          `yaml:"tempo" toml:"tempo"`
	Sync          SyncConfig      `yaml:"sync" toml:"sync"`
	Chain         ChainConfig     `yaml:"chain" toml:"chain"`
	Wallet        WalletConfig    `yaml:"wallet" toml:"wallet"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Auth          AuthConfig      `yaml:"auth" toml:"auth"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// SyncConfig tunes the registry refresh loop.
type SyncConfig struct {
	Interval      Duration `yaml:"interval" toml:"interval"`
	RetryInterval Duration `yaml:"retry_interval" toml:"retry_interval"`
	FetchTimeout  Duration `yaml:"fetch_timeout" toml:"fetch_timeout"`
}

// ChainConfig locates the chain bridge.
type ChainConfig struct {
	Endpoint string   `yaml:"endpoint" toml:"endpoint"`
	Timeout  Duration `yaml:"timeout" toml:"timeout"`
	Retries  *uint64  `yaml:"retries" toml:"retries"`
}

// WalletConfig selects the signing identity: an encrypted keystore, or a raw
// hex key given inline, in a file or in an environment variable.
type WalletConfig struct {
	Keystore      string `yaml:"keystore" toml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`
	SignerKey     string `yaml:"signer_key" toml:"signer_key"`
	SignerKeyFile string `yaml:"signer_key_file" toml:"signer_key_file"`
	SignerKeyEnv  string `yaml:"signer_key_env" toml:"signer_key_env"`
}

// RateLimitConfig controls both inbound request limiting and the budgets the
// rate-limit endpoint reports.
type RateLimitConfig struct {
	Enabled            bool         `yaml:"enabled" toml:"enabled"`
	MinStake           float64      `yaml:"min_stake" toml:"min_stake"`
	Policy             string       `yaml:"policy" toml:"policy"`
	Base               int          `yaml:"base" toml:"base"`
	Pool               int          `yaml:"pool" toml:"pool"`
	Tiers              []TierConfig `yaml:"tiers" toml:"tiers"`
	AnonymousPerMinute int          `yaml:"anonymous_per_minute" toml:"anonymous_per_minute"`
	Header             string       `yaml:"header" toml:"header"`
}

// TierConfig is one step of the tiered rate policy.
type TierConfig struct {
	MinStake float64 `yaml:"min_stake" toml:"min_stake"`
	Budget   int     `yaml:"budget" toml:"budget"`
}

// AuthConfig enables bearer-token authentication on the API.
type AuthConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	HMACSecret    string `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretEnv string `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	Issuer        string `yaml:"issuer" toml:"issuer"`
	Audience      string `yaml:"audience" toml:"audience"`
}

// LoggingConfig controls the log level and optional rotating file.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig toggles the OTLP exporters.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// LoadConfig reads configuration from path. Files ending in .toml are parsed
// as TOML, anything else as YAML. Environment overrides are applied before
// defaults and validation.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	contents, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(contents), &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else if len(bytes.TrimSpace(contents)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(contents))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Wallet.normalise(); err != nil {
		return cfg, fmt.Errorf("wallet: %w", err)
	}
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("SIDECAR_ENV")); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("SIDECAR_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("SIDECAR_CHAIN_ENDPOINT")); v != "" {
		cfg.Chain.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("SIDECAR_NETUID")); v != "" {
		id, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("SIDECAR_NETUID: %w", err)
		}
		cfg.NetworkID = uint16(id)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":9100"
	}
	if cfg.Tempo == 0 {
		cfg.Tempo = weights.DefaultTempo
	}
	if cfg.Sync.Interval.Duration == 0 {
		cfg.Sync.Interval.Duration = registry.DefaultSyncInterval
	}
	if cfg.Sync.RetryInterval.Duration == 0 {
		cfg.Sync.RetryInterval.Duration = registry.DefaultRetryInterval
	}
	if cfg.Sync.FetchTimeout.Duration == 0 {
		cfg.Sync.FetchTimeout.Duration = registry.DefaultFetchTimeout
	}
	if cfg.Chain.Timeout.Duration == 0 {
		cfg.Chain.Timeout.Duration = 15 * time.Second
	}
	if cfg.Chain.Retries == nil {
		retries := uint64(3)
		cfg.Chain.Retries = &retries
	}
	if cfg.Wallet.PassphraseEnv == "" {
		cfg.Wallet.PassphraseEnv = "SIDECAR_KEYSTORE_PASSPHRASE"
	}
	if cfg.RateLimit.Policy == "" {
		cfg.RateLimit.Policy = "share"
	}
	if cfg.RateLimit.Policy == "share" && cfg.RateLimit.Base == 0 && cfg.RateLimit.Pool == 0 {
		cfg.RateLimit.Base = 1
		cfg.RateLimit.Pool = 1000
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 28
	}
	if cfg.Telemetry.Enabled && !cfg.Telemetry.Metrics && !cfg.Telemetry.Traces {
		cfg.Telemetry.Metrics = true
		cfg.Telemetry.Traces = true
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Chain.Endpoint) == "" {
		return fmt.Errorf("chain endpoint must be configured")
	}
	if cfg.Sync.RetryInterval.Duration > cfg.Sync.Interval.Duration {
		return fmt.Errorf("sync retry_interval %s exceeds interval %s", cfg.Sync.RetryInterval, cfg.Sync.Interval)
	}
	if cfg.RateLimit.MinStake < 0 {
		return fmt.Errorf("rate_limit min_stake must not be negative")
	}
	if cfg.RateLimit.AnonymousPerMinute < 0 {
		return fmt.Errorf("rate_limit anonymous_per_minute must not be negative")
	}
	if _, err := cfg.RateLimit.RatePolicy(); err != nil {
		return err
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth enabled but no hmac secret configured")
	}
	return nil
}

// RatePolicy builds the configured stake-to-budget policy.
func (c RateLimitConfig) RatePolicy() (registry.RatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(c.Policy)) {
	case "", "share":
		if c.Base < 0 || c.Pool < 0 {
			return nil, fmt.Errorf("rate_limit base and pool must not be negative")
		}
		return registry.ShareOfPool{Base: c.Base, Pool: c.Pool}, nil
	case "tiered":
		tiers := make([]registry.Tier, len(c.Tiers))
		for i, t := range c.Tiers {
			tiers[i] = registry.Tier{MinStake: t.MinStake, Budget: t.Budget}
		}
		policy, err := registry.NewTiered(tiers)
		if err != nil {
			return nil, fmt.Errorf("rate_limit tiers: %w", err)
		}
		return policy, nil
	default:
		return nil, fmt.Errorf("unknown rate_limit policy %q", c.Policy)
	}
}

func (w *WalletConfig) normalise() error {
	w.Keystore = strings.TrimSpace(w.Keystore)
	w.SignerKey = strings.TrimSpace(w.SignerKey)
	w.SignerKeyEnv = strings.TrimSpace(w.SignerKeyEnv)
	w.SignerKeyFile = strings.TrimSpace(w.SignerKeyFile)
	if w.Keystore != "" || w.SignerKey != "" {
		return nil
	}
	switch {
	case w.SignerKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(w.SignerKeyEnv))
		if value == "" {
			return fmt.Errorf("signer_key_env %s is empty", w.SignerKeyEnv)
		}
		w.SignerKey = value
	case w.SignerKeyFile != "":
		contents, err := os.ReadFile(w.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("read signer_key_file: %w", err)
		}
		w.SignerKey = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("keystore or signer_key is required")
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	a.HMACSecret = strings.TrimSpace(a.HMACSecret)
	if a.HMACSecret == "" && strings.TrimSpace(a.HMACSecretEnv) != "" {
		a.HMACSecret = strings.TrimSpace(os.Getenv(strings.TrimSpace(a.HMACSecretEnv)))
		if a.HMACSecret == "" && a.Enabled {
			return fmt.Errorf("hmac_secret_env %s is empty", a.HMACSecretEnv)
		}
	}
	return nil
}
