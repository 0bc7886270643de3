// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/mbd888/affiliate/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Enables the distributed account lock and the event stream (optional)

	// Amounts
	AmountPrecision int32
	RoundingMode    string

	// Commission engine
	MaxReferralDepth    int
	SettlementMaxBatch  int
	HoldReleaseInterval time.Duration
	HoldReleaseBatch    int
	CalcWorkers         int
	CalcQueueSize       int
	CalcMaxAttempts     int
	CalcRetryBaseDelay  time.Duration
	AccountLockTimeout  time.Duration
	AgentLevelRates     map[string]decimal.Decimal

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret       string // Operator API bearer secret
	RateLimitRPM      int    // Operator API requests per minute per caller, 0 disables
	RateLimitBurst    int
	CORSAllowedOrigin []string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultAmountPrecision     = 2
	DefaultRoundingMode        = "half_up"
	DefaultMaxReferralDepth    = 10
	DefaultSettlementMaxBatch  = 100
	DefaultHoldReleaseInterval = time.Minute
	DefaultHoldReleaseBatch    = 500
	DefaultCalcWorkers         = 4
	DefaultCalcQueueSize       = 1024
	DefaultCalcMaxAttempts     = 5
	DefaultCalcRetryBaseDelay  = 200 * time.Millisecond
	DefaultAccountLockTimeout  = 5 * time.Second
	DefaultAgentLevelRates     = "bronze:10,silver:15,gold:20,diamond:25"
	DefaultRateLimitRPM        = 300
	DefaultRateLimitBurst      = 30
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	rates, err := ParseLevelRates(getEnv("AGENT_LEVEL_RATES", DefaultAgentLevelRates))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:            os.Getenv("REDIS_URL"),
		AmountPrecision:     int32(getEnvInt64("AMOUNT_PRECISION", DefaultAmountPrecision)),
		RoundingMode:        getEnv("ROUNDING_MODE", DefaultRoundingMode),
		MaxReferralDepth:    int(getEnvInt64("MAX_REFERRAL_DEPTH", DefaultMaxReferralDepth)),
		SettlementMaxBatch:  int(getEnvInt64("SETTLEMENT_MAX_BATCH", DefaultSettlementMaxBatch)),
		HoldReleaseInterval: getEnvDuration("HOLD_RELEASE_INTERVAL", DefaultHoldReleaseInterval),
		HoldReleaseBatch:    int(getEnvInt64("HOLD_RELEASE_BATCH", DefaultHoldReleaseBatch)),
		CalcWorkers:         int(getEnvInt64("CALC_WORKERS", DefaultCalcWorkers)),
		CalcQueueSize:       int(getEnvInt64("CALC_QUEUE_SIZE", DefaultCalcQueueSize)),
		CalcMaxAttempts:     int(getEnvInt64("CALC_MAX_ATTEMPTS", DefaultCalcMaxAttempts)),
		CalcRetryBaseDelay:  getEnvDuration("CALC_RETRY_BASE_DELAY", DefaultCalcRetryBaseDelay),
		AccountLockTimeout:  getEnvDuration("ACCOUNT_LOCK_TIMEOUT", DefaultAccountLockTimeout),
		AgentLevelRates:     rates,
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:      int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSAllowedOrigin:   splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.AmountPrecision < 0 || c.AmountPrecision > money.MaxPlaces {
		return fmt.Errorf("AMOUNT_PRECISION must be between 0 and %d", money.MaxPlaces)
	}
	switch c.RoundingMode {
	case "half_up", "half_even", "down":
	default:
		return fmt.Errorf("ROUNDING_MODE must be half_up, half_even or down, got %q", c.RoundingMode)
	}
	if c.MaxReferralDepth < 1 {
		return fmt.Errorf("MAX_REFERRAL_DEPTH must be at least 1")
	}
	if c.SettlementMaxBatch < 1 || c.SettlementMaxBatch > 100 {
		return fmt.Errorf("SETTLEMENT_MAX_BATCH must be between 1 and 100")
	}
	if c.HoldReleaseInterval <= 0 || c.HoldReleaseBatch < 1 {
		return fmt.Errorf("HOLD_RELEASE_INTERVAL and HOLD_RELEASE_BATCH must be positive")
	}
	if c.CalcWorkers < 1 || c.CalcQueueSize < 1 || c.CalcMaxAttempts < 1 {
		return fmt.Errorf("CALC_WORKERS, CALC_QUEUE_SIZE and CALC_MAX_ATTEMPTS must be positive")
	}
	if c.AccountLockTimeout <= 0 {
		return fmt.Errorf("ACCOUNT_LOCK_TIMEOUT must be positive")
	}
	if c.RateLimitRPM < 0 || (c.RateLimitRPM > 0 && c.RateLimitBurst < 1) {
		return fmt.Errorf("RATE_LIMIT_RPM must be non-negative and RATE_LIMIT_BURST at least 1 when limiting")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ParseLevelRates parses "name:percent,name:percent". Names are lowercased.
func ParseLevelRates(s string) (map[string]decimal.Decimal, error) {
	rates := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, pct, ok := strings.Cut(pair, ":")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || name == "" {
			return nil, fmt.Errorf("AGENT_LEVEL_RATES: malformed entry %q", pair)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(pct))
		if err != nil || rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
			return nil, fmt.Errorf("AGENT_LEVEL_RATES: rate for %q must be between 0 and 100", name)
		}
		if !money.FitsPlaces(rate, money.RatePlaces) {
			return nil, fmt.Errorf("AGENT_LEVEL_RATES: rate for %q has more than %d decimal places", name, money.RatePlaces)
		}
		rates[name] = rate
	}
	if len(rates) == 0 {
		return nil, fmt.Errorf("AGENT_LEVEL_RATES must name at least one level")
	}
	return rates, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
