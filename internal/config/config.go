package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/opsdesk/internal/domain/billing"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	APIBaseURL   string        `mapstructure:"API_BASE_URL"`
	APITimeout   time.Duration `mapstructure:"API_TIMEOUT"`
	ServiceToken string        `mapstructure:"SERVICE_TOKEN"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	DevToken       string `mapstructure:"DEV_TOKEN"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	TLSEnabled     bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string        `mapstructure:"TLS_KEY_FILE"`

	SearchDebounce          time.Duration `mapstructure:"SEARCH_DEBOUNCE"`
	HealthPollInterval      time.Duration `mapstructure:"HEALTH_POLL_INTERVAL"`
	AppointmentPollInterval time.Duration `mapstructure:"APPOINTMENT_POLL_INTERVAL"`
	FeedPollInterval        time.Duration `mapstructure:"FEED_POLL_INTERVAL"`
	UpcomingLimit           int           `mapstructure:"UPCOMING_LIMIT"`
	ReleaseRetryAttempts    int           `mapstructure:"RELEASE_RETRY_ATTEMPTS"`
	ReleaseRetryBackoff     time.Duration `mapstructure:"RELEASE_RETRY_BACKOFF"`
	PrivilegedAccounts      []string      `mapstructure:"PRIVILEGED_ACCOUNTS"`
	BedRates                string        `mapstructure:"BED_RATES"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"API_BASE_URL", "API_TIMEOUT", "SERVICE_TOKEN",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "DEV_TOKEN",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"SEARCH_DEBOUNCE", "HEALTH_POLL_INTERVAL", "APPOINTMENT_POLL_INTERVAL",
	"FEED_POLL_INTERVAL", "UPCOMING_LIMIT", "RELEASE_RETRY_ATTEMPTS",
	"RELEASE_RETRY_BACKOFF", "PRIVILEGED_ACCOUNTS", "BED_RATES",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("API_TIMEOUT", "15s")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("SEARCH_DEBOUNCE", "300ms")
	v.SetDefault("HEALTH_POLL_INTERVAL", "5s")
	v.SetDefault("APPOINTMENT_POLL_INTERVAL", "30s")
	v.SetDefault("FEED_POLL_INTERVAL", "30s")
	v.SetDefault("UPCOMING_LIMIT", 10)
	v.SetDefault("RELEASE_RETRY_ATTEMPTS", 3)
	v.SetDefault("RELEASE_RETRY_BACKOFF", "500ms")
	v.SetDefault("PRIVILEGED_ACCOUNTS", "admin")
	v.SetDefault("BED_RATES", "General=1200,ICU=1500,Private=2000,Emergency=500")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.PrivilegedAccounts = splitList(cfg.PrivilegedAccounts)

	if cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("API_BASE_URL is required")
	}

	if cfg.IsDev() && cfg.DevToken != "" {
		log.Println("WARNING: DEV_TOKEN is set; requests without a credential act as its subject.")
		log.Println("WARNING: Do NOT use this configuration in production.")
	}

	return cfg, nil
}

// splitList flattens comma-separated entries, which arrive as a single
// element when set from the environment.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Rates parses BED_RATES.
func (c *Config) Rates() (billing.Rates, error) {
	if strings.TrimSpace(c.BedRates) == "" {
		return billing.DefaultRates(), nil
	}
	return billing.ParseRates(c.BedRates)
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.APIBaseURL, "http://") && !strings.HasPrefix(c.APIBaseURL, "https://") {
		return fmt.Errorf("API_BASE_URL must be an http(s) URL, got %q", c.APIBaseURL)
	}
	if c.IsProduction() {
		if c.DevToken != "" {
			return fmt.Errorf("DEV_TOKEN must not be set in production")
		}
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is required in production")
		}
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	for name, d := range map[string]time.Duration{
		"API_TIMEOUT":               c.APITimeout,
		"SEARCH_DEBOUNCE":           c.SearchDebounce,
		"HEALTH_POLL_INTERVAL":      c.HealthPollInterval,
		"APPOINTMENT_POLL_INTERVAL": c.AppointmentPollInterval,
		"FEED_POLL_INTERVAL":        c.FeedPollInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.ReleaseRetryAttempts < 1 {
		return fmt.Errorf("RELEASE_RETRY_ATTEMPTS must be at least 1")
	}
	if _, err := c.Rates(); err != nil {
		return fmt.Errorf("BED_RATES: %w", err)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
