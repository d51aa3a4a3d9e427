// Package config handles configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level configuration.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Auth       AuthConfig       `json:"auth"`
	Storage    StorageConfig    `json:"storage"`
	Connection ConnectionConfig `json:"connection,omitempty"`
	Recovery   RecoveryConfig   `json:"recovery,omitempty"`
	Workflow   WorkflowConfig   `json:"workflow,omitempty"`
	Model      ModelConfig      `json:"model,omitempty"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
	RateLimit  RateLimitConfig  `json:"rate_limit,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider     string        `json:"provider,omitempty"` // "builtin" (default) or "oidc"
	OIDCIssuer   string        `json:"oidc_issuer,omitempty"`
	JWTSecret    string        `json:"jwt_secret"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "agentgate.db" or ":memory:"
}

// ConnectionConfig defines WebSocket connection behavior.
type ConnectionConfig struct {
	MaxPerUser      int      `json:"max_per_user,omitempty"`      // default 20
	BufferCapacity  int      `json:"buffer_capacity,omitempty"`   // pre-auth event buffer; default 50
	StaleThreshold  Duration `json:"stale_threshold,omitempty"`   // inactivity before sweep; default 5m
	SweepInterval   Duration `json:"sweep_interval,omitempty"`    // sweeper period; default 1m
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"` // max message from client; default 64KB
}

// RecoveryConfig defines delivery retry and circuit-breaker settings.
type RecoveryConfig struct {
	MaxAttempts      int      `json:"max_attempts,omitempty"`      // default 3
	InitialBackoff   Duration `json:"initial_backoff,omitempty"`   // default 100ms
	MaxBackoff       Duration `json:"max_backoff,omitempty"`       // default 2s
	BreakerThreshold int      `json:"breaker_threshold,omitempty"` // default 3
	BreakerCooldown  Duration `json:"breaker_cooldown,omitempty"`  // default 30s
}

// WorkflowConfig defines pipeline execution settings.
type WorkflowConfig struct {
	RunTimeout      Duration `json:"run_timeout,omitempty"`       // default 5m
	StepMaxAttempts int      `json:"step_max_attempts,omitempty"` // default 3
}

// ModelConfig defines the chat completion provider settings.
type ModelConfig struct {
	APIKey      string  `json:"api_key,omitempty"` // empty uses OPENAI_API_KEY
	BaseURL     string  `json:"base_url,omitempty"`
	Name        string  `json:"name,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int64   `json:"max_tokens,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.Provider == "oidc" && c.Auth.OIDCIssuer == "" {
		return fmt.Errorf("auth.oidc_issuer is required when provider is oidc")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "agentgate.db"
	}
	if c.Connection.MaxPerUser == 0 {
		c.Connection.MaxPerUser = 20
	}
	if c.Connection.BufferCapacity == 0 {
		c.Connection.BufferCapacity = 50
	}
	if c.Connection.StaleThreshold.Duration == 0 {
		c.Connection.StaleThreshold.Duration = 5 * time.Minute
	}
	if c.Connection.SweepInterval.Duration == 0 {
		c.Connection.SweepInterval.Duration = time.Minute
	}
	if c.Connection.MaxMessageBytes == 0 {
		c.Connection.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Recovery.MaxAttempts == 0 {
		c.Recovery.MaxAttempts = 3
	}
	if c.Recovery.InitialBackoff.Duration == 0 {
		c.Recovery.InitialBackoff.Duration = 100 * time.Millisecond
	}
	if c.Recovery.MaxBackoff.Duration == 0 {
		c.Recovery.MaxBackoff.Duration = 2 * time.Second
	}
	if c.Recovery.BreakerThreshold == 0 {
		c.Recovery.BreakerThreshold = 3
	}
	if c.Recovery.BreakerCooldown.Duration == 0 {
		c.Recovery.BreakerCooldown.Duration = 30 * time.Second
	}
	if c.Workflow.RunTimeout.Duration == 0 {
		c.Workflow.RunTimeout.Duration = 5 * time.Minute
	}
	if c.Workflow.StepMaxAttempts == 0 {
		c.Workflow.StepMaxAttempts = 3
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
}
