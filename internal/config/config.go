package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the reference server settings.
type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir     string        `mapstructure:"MIGRATIONS_DIR"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience      string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey    string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	LedgerPath        string        `mapstructure:"LEDGER_PATH"`
	LedgerExplorerURL string        `mapstructure:"LEDGER_EXPLORER_URL"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MaxBodySize       string        `mapstructure:"MAX_BODY_SIZE"`
	// AlertWebhookURL receives integrity alarms when set.
	AlertWebhookURL    string   `mapstructure:"ALERT_WEBHOOK_URL"`
	AlertWebhookSecret string   `mapstructure:"ALERT_WEBHOOK_SECRET"`
	AlertWebhookEvents []string `mapstructure:"ALERT_WEBHOOK_EVENTS"`
}

// ClientConfig holds the settings used by the operator CLI when it talks to a
// running Clinical API.
type ClientConfig struct {
	Env               string        `mapstructure:"ENV"`
	ClinicalAPIURL    string        `mapstructure:"CLINICAL_API_URL"`
	APIToken          string        `mapstructure:"API_TOKEN"`
	ClientTimeout     time.Duration `mapstructure:"CLIENT_TIMEOUT"`
	LedgerExplorerURL string        `mapstructure:"LEDGER_EXPLORER_URL"`
	AuthSigningKey    string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience      string        `mapstructure:"AUTH_AUDIENCE"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("AUTH_ISSUER", "edflow")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("LEDGER_PATH", "data/ledger")
	v.SetDefault("LEDGER_EXPLORER_URL", "http://localhost:8000/ledger/tx")
	v.SetDefault("CLINICAL_API_URL", "http://localhost:8000/api/v1")
	v.SetDefault("CLIENT_TIMEOUT", "15s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("MAX_BODY_SIZE", "1M")
	v.SetDefault("ALERT_WEBHOOK_EVENTS", "integrity.tampering_detected,integrity.anchor_failed")

	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
		"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "LEDGER_PATH", "LEDGER_EXPLORER_URL",
		"CLINICAL_API_URL", "API_TOKEN", "CLIENT_TIMEOUT", "REQUEST_TIMEOUT", "MAX_BODY_SIZE",
		"ALERT_WEBHOOK_URL", "ALERT_WEBHOOK_SECRET", "ALERT_WEBHOOK_EVENTS",
	} {
		_ = v.BindEnv(key)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()
	return v
}

// Load reads the server configuration.
func Load() (*Config, error) {
	v := newViper()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil || (len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",")) {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if len(cfg.AlertWebhookEvents) <= 1 {
		if raw := v.GetString("ALERT_WEBHOOK_EVENTS"); raw != "" {
			cfg.AlertWebhookEvents = strings.Split(raw, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// LoadClient reads the CLI configuration.
func LoadClient() (*ClientConfig, error) {
	v := newViper()

	cfg := &ClientConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal client config: %w", err)
	}
	if cfg.ClinicalAPIURL == "" {
		return nil, fmt.Errorf("CLINICAL_API_URL is required")
	}
	cfg.ClinicalAPIURL = strings.TrimRight(cfg.ClinicalAPIURL, "/")
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a signing key is mandatory, since every transition is attributed to the
// staff member named in the bearer token.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters, got %d", len(c.AuthSigningKey))
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive, got %v", c.RateLimitRPS)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %v", c.RequestTimeout)
	}
	if c.LedgerPath == "" {
		return fmt.Errorf("LEDGER_PATH is required")
	}
	return nil
}
