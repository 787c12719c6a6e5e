// Package grantd wires the grant ledger engines behind the public HTTP
// surface.
package grantd

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
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
	raw := value.Value
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

// Config captures the runtime configuration for grantd.
type Config struct {
	ListenAddress string            `yaml:"listen"`
	Environment   string            `yaml:"environment"`
	Storage       StorageConfig     `yaml:"storage"`
	Keys          KeysConfig        `yaml:"keys"`
	Attestation   AttestationConfig `yaml:"attestation"`
	Eligibility   EligibilityConfig `yaml:"eligibility"`
	Balance       BalanceConfig     `yaml:"balance"`
	Admin         AdminConfig       `yaml:"admin"`
	RateLimit     RateLimitConfig   `yaml:"rate_limit"`
	Telemetry     TelemetryConfig   `yaml:"telemetry"`
	// Products lists the client product identifiers accepted on the
	// captcha route. Empty disables the gate.
	Products []string `yaml:"products"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Backend is one of "memory", "bolt", or "postgres".
	Backend string `yaml:"backend"`
	// Path is the bolt database file.
	Path string `yaml:"path"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
}

// KeysConfig carries the base64 (std) encoded Ed25519 public keys used to
// verify externally signed material.
type KeysConfig struct {
	GrantPublicKey     string `yaml:"grant_public_key"`
	SafetynetPublicKey string `yaml:"safetynet_public_key"`
}

// AttestationConfig tunes challenge issuance.
type AttestationConfig struct {
	NonceTTL        Duration `yaml:"nonce_ttl"`
	CaptchaTTL      Duration `yaml:"captcha_ttl"`
	MaxAge          Duration `yaml:"max_age"`
	AllowedPackages []string `yaml:"allowed_packages"`
}

// EligibilityConfig tunes promotion resolution.
type EligibilityConfig struct {
	AdsCountries  []string `yaml:"ads_countries"`
	ClaimCooldown Duration `yaml:"claim_cooldown"`
}

// BalanceConfig tunes the balance ledger and its settlement upstream.
type BalanceConfig struct {
	CacheTTL   Duration         `yaml:"cache_ttl"`
	Settlement SettlementConfig `yaml:"settlement"`
}

// SettlementConfig points at the settlement provider. An empty endpoint
// disables the upstream and card balances stay zero.
type SettlementConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Timeout  Duration `yaml:"timeout"`
}

// AdminConfig secures the administrative routes.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
}

// RateLimitConfig bounds per-client request rates on public routes. Zero
// disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Metrics  bool   `yaml:"metrics"`
	Traces   bool   `yaml:"traces"`
}

// LoadConfig reads configuration from the supplied path, applies defaults
// and environment overrides, and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Attestation.MaxAge.Duration == 0 {
		cfg.Attestation.MaxAge.Duration = 5 * time.Minute
	}
	if cfg.Balance.CacheTTL.Duration == 0 {
		cfg.Balance.CacheTTL.Duration = 15 * time.Minute
	}
	if cfg.Balance.Settlement.Timeout.Duration == 0 {
		cfg.Balance.Settlement.Timeout.Duration = 10 * time.Second
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("GRANTD_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("GRANTD_ENV")); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("GRANTD_DB_DSN")); v != "" {
		cfg.Storage.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("GRANTD_ADMIN_TOKEN")); v != "" {
		cfg.Admin.BearerToken = v
	}
}

func (a *AdminConfig) normalise() error {
	if a.BearerToken != "" {
		return nil
	}
	if a.BearerTokenFile == "" {
		return nil
	}
	raw, err := os.ReadFile(a.BearerTokenFile)
	if err != nil {
		return fmt.Errorf("read bearer token file: %w", err)
	}
	a.BearerToken = strings.TrimSpace(string(raw))
	return nil
}

func validateConfig(cfg Config) error {
	switch cfg.Storage.Backend {
	case "memory":
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path required for bolt backend")
		}
	case "postgres":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn required for postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if cfg.Keys.GrantPublicKey == "" {
		return fmt.Errorf("keys.grant_public_key is required")
	}
	if _, err := cfg.Keys.GrantVerifyKey(); err != nil {
		return err
	}
	if cfg.Keys.SafetynetPublicKey != "" {
		if _, err := cfg.Keys.SafetynetVerifyKey(); err != nil {
			return err
		}
	}
	return nil
}

// GrantVerifyKey decodes the grant token verification key.
func (k KeysConfig) GrantVerifyKey() (ed25519.PublicKey, error) {
	return decodeKey("keys.grant_public_key", k.GrantPublicKey)
}

// SafetynetVerifyKey decodes the attestation verification key.
func (k KeysConfig) SafetynetVerifyKey() (ed25519.PublicKey, error) {
	return decodeKey("keys.safetynet_public_key", k.SafetynetPublicKey)
}

func decodeKey(field, raw string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: decode base64: %w", field, err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%s: expected %d bytes, got %d", field, ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}
