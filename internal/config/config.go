// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// DatabaseURL is the Postgres DSN. Required by every command.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// OpsConfidenceThreshold is the minimum intent-extraction confidence
	// required to act without asking a clarifying question (0..1).
	OpsConfidenceThreshold float64 `mapstructure:"OPS_CONFIDENCE_THRESHOLD"`
	// OpsMaxResultRows caps read result sets.
	OpsMaxResultRows int `mapstructure:"OPS_MAX_RESULT_ROWS"`
	// OpsHighRiskImpactThreshold is the affected-row count above which a
	// write is classified HIGH risk.
	OpsHighRiskImpactThreshold int `mapstructure:"OPS_HIGH_RISK_IMPACT_THRESHOLD"`

	// LLMAPIURL is the chat-completions endpoint of the intent oracle.
	// Empty disables the oracle; the keyword fallback parser handles all
	// extraction.
	LLMAPIURL string `mapstructure:"LLM_API_URL"`
	// LLMModel is the model identifier sent with each oracle request.
	LLMModel string `mapstructure:"LLM_MODEL"`
	// LLMAPIKeys is a comma-separated ordered key pool for the oracle.
	LLMAPIKeys string `mapstructure:"LLM_API_KEYS"`
	// LLMMaxRetries is the per-key attempt bound for oracle calls.
	LLMMaxRetries int `mapstructure:"LLM_MAX_RETRIES"`
	// LLMRetryDelay is the base backoff delay between oracle attempts
	// (e.g. "2s"); doubled per attempt.
	LLMRetryDelay string `mapstructure:"LLM_RETRY_DELAY"`
	// LLMTimeout bounds each oracle HTTP request (e.g. "30s").
	LLMTimeout string `mapstructure:"LLM_TIMEOUT"`

	// BcryptCost is the bcrypt cost factor (4-31) used when seeding demo
	// users; default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint (e.g.
	// "localhost:4317"). Empty disables telemetry export.
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	// OTLPServiceName overrides the reported service name.
	OTLPServiceName string `mapstructure:"OTLP_SERVICE_NAME"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("OPS_CONFIDENCE_THRESHOLD", 0.75)
	v.SetDefault("OPS_MAX_RESULT_ROWS", 50)
	v.SetDefault("OPS_HIGH_RISK_IMPACT_THRESHOLD", 50)
	v.SetDefault("LLM_API_URL", "")
	v.SetDefault("LLM_MODEL", "")
	v.SetDefault("LLM_API_KEYS", "")
	v.SetDefault("LLM_MAX_RETRIES", 3)
	v.SetDefault("LLM_RETRY_DELAY", "2s")
	v.SetDefault("LLM_TIMEOUT", "30s")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("OTLP_SERVICE_NAME", "campusiq-governance")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.OpsConfidenceThreshold <= 0 || cfg.OpsConfidenceThreshold >= 1 {
		return nil, errors.New("config: OPS_CONFIDENCE_THRESHOLD must be between 0 and 1")
	}
	if cfg.OpsMaxResultRows <= 0 {
		return nil, errors.New("config: OPS_MAX_RESULT_ROWS must be positive")
	}
	if cfg.OpsHighRiskImpactThreshold <= 0 {
		return nil, errors.New("config: OPS_HIGH_RISK_IMPACT_THRESHOLD must be positive")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	return &cfg, nil
}

// LLMAPIKeyList returns oracle API keys from the comma-separated config.
// Used to decide if the oracle is enabled (non-empty list) and to build the
// key pool.
func (c *Config) LLMAPIKeyList() []string {
	if c == nil || c.LLMAPIKeys == "" {
		return nil
	}
	parts := strings.Split(c.LLMAPIKeys, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// RetryDelay parses LLMRetryDelay as a time.Duration. Returns 2s if unset or invalid.
func (c *Config) RetryDelay() time.Duration {
	d, err := time.ParseDuration(c.LLMRetryDelay)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// Timeout parses LLMTimeout as a time.Duration. Returns 30s if unset or invalid.
func (c *Config) Timeout() time.Duration {
	d, err := time.ParseDuration(c.LLMTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
