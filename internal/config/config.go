package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port                    string `yaml:"port"`
	AllowedOrigin           string `yaml:"allowed_origin"`
	DatabaseURL             string `yaml:"database_url"`
	RedisAddr               string `yaml:"redis_addr"`
	RedisPassword           string `yaml:"redis_password"`
	RedisDB                 int    `yaml:"redis_db"`
	AuthSecret              string `yaml:"auth_secret"`
	AccessTokenTTLMinutes   int    `yaml:"access_token_ttl_minutes"`
	ApprovalTokenTTLSeconds int    `yaml:"approval_token_ttl_seconds"`
	TaxRate                 string `yaml:"tax_rate"`
	InvoicePrefix           string `yaml:"invoice_prefix"`
	InvoiceMaxAttempts      int    `yaml:"invoice_max_attempts"`
	VarianceWarnPercent     string `yaml:"variance_warn_percent"`
	VarianceCriticalPercent string `yaml:"variance_critical_percent"`
	StoreTimeoutSeconds     int    `yaml:"store_timeout_seconds"`
	LogLevel                string `yaml:"log_level"`
	LogDevelopment          bool   `yaml:"log_development"`
	BootstrapAdminEmail     string `yaml:"bootstrap_admin_email"`
	BootstrapAdminPassword  string `yaml:"bootstrap_admin_password"`
	// CredentialApproval exposes the route where an admin types their
	// password at the cashier's terminal. Sites with an admin session on
	// the floor turn it off and approve from POST /approvals only.
	CredentialApproval      bool   `yaml:"credential_approval"`
}

// Load reads the environment, then overlays CONFIG_FILE when set. Values from
// the file win over the environment.
func Load() (Config, error) {
	cfg := Config{
		Port:                    getEnv("PORT", "8080"),
		AllowedOrigin:           getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 getEnvInt("REDIS_DB", 0, 0),
		AuthSecret:              strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:   getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		ApprovalTokenTTLSeconds: getEnvInt("APPROVAL_TOKEN_TTL_SECONDS", 120, 1),
		TaxRate:                 getEnv("TAX_RATE", "0.19"),
		InvoicePrefix:           getEnv("INVOICE_PREFIX", "FV"),
		InvoiceMaxAttempts:      getEnvInt("INVOICE_MAX_ATTEMPTS", 5, 1),
		VarianceWarnPercent:     getEnv("VARIANCE_WARN_PERCENT", "1"),
		VarianceCriticalPercent: getEnv("VARIANCE_CRITICAL_PERCENT", "5"),
		StoreTimeoutSeconds:     getEnvInt("STORE_TIMEOUT_SECONDS", 5, 1),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		LogDevelopment:          getEnv("LOG_DEVELOPMENT", "false") == "true",
		BootstrapAdminEmail:     strings.TrimSpace(os.Getenv("BOOTSTRAP_ADMIN_EMAIL")),
		BootstrapAdminPassword:  os.Getenv("BOOTSTRAP_ADMIN_PASSWORD"),
		CredentialApproval:      getEnv("APPROVAL_CREDENTIAL_VERIFY", "true") != "false",
	}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	if _, err := cfg.TaxRateDecimal(); err != nil {
		return cfg, err
	}
	if _, _, err := cfg.VarianceThresholds(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// TaxRateDecimal parses TaxRate as a fraction in [0, 1).
func (c Config) TaxRateDecimal() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.TaxRate))
	if err != nil {
		return decimal.Zero, fmt.Errorf("TAX_RATE %q is not a decimal: %w", c.TaxRate, err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("TAX_RATE must be in [0, 1), got %s", rate)
	}
	return rate, nil
}

// VarianceThresholds returns the warning and critical variance percentages.
func (c Config) VarianceThresholds() (decimal.Decimal, decimal.Decimal, error) {
	warn, err := decimal.NewFromString(strings.TrimSpace(c.VarianceWarnPercent))
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("VARIANCE_WARN_PERCENT: %w", err)
	}
	critical, err := decimal.NewFromString(strings.TrimSpace(c.VarianceCriticalPercent))
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("VARIANCE_CRITICAL_PERCENT: %w", err)
	}
	if warn.IsNegative() || critical.LessThan(warn) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("variance thresholds must satisfy 0 <= warn <= critical")
	}
	return warn, critical, nil
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) ApprovalTokenTTL() time.Duration {
	return time.Duration(c.ApprovalTokenTTLSeconds) * time.Second
}

func (c Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int, min int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < min {
		return fallback
	}
	return val
}
