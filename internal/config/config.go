package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/congo-pay/offlinepay/internal/risk"
)

const (
	defaultAppName         = "OfflinePay"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultCurrency        = "XAF"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultAuditTopic      = "offlinepay.audit"
	defaultSyncRatePerMin  = 30
	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
	configFileEnvVar       = "CONFIG_FILE"
)

// Config captures runtime configuration. Environment variables win over the
// optional YAML file named by CONFIG_FILE.
type Config struct {
	AppName             string
	AppEnv              string
	Port                string
	LogLevel            string
	DatabaseURL         string
	RedisURL            string
	ShutdownPeriod      time.Duration
	IdempotencyTTL      time.Duration
	KafkaBrokers        []string
	KafkaAuditTopic     string
	SyncRateLimitPerMin int
	LedgerAssert        bool
	DefaultCurrency     string
	Risk                risk.Policy
}

// Load reads configuration from the environment and the optional config file.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	def := risk.DefaultPolicy()
	v.SetDefault("APP_NAME", defaultAppName)
	v.SetDefault("APP_ENV", defaultAppEnv)
	v.SetDefault("PORT", defaultPort)
	v.SetDefault("LOG_LEVEL", defaultLogLevel)
	v.SetDefault("DEFAULT_CURRENCY", defaultCurrency)
	v.SetDefault("KAFKA_AUDIT_TOPIC", defaultAuditTopic)
	v.SetDefault("SYNC_RATE_LIMIT_PER_MINUTE", defaultSyncRatePerMin)
	v.SetDefault("LEDGER_ASSERT", false)
	v.SetDefault("RISK_MAX_PER_TX_CENTS", def.MaxPerTransactionCents)
	v.SetDefault("RISK_MAX_PER_DAY_PER_PAYER_CENTS", def.MaxPerDayPerPayerCents)
	v.SetDefault("RISK_MAX_UNSYNCED_PER_MERCHANT", def.MaxUnsyncedPerMerchant)
	v.SetDefault("RISK_MAX_SYNC_AGE_HOURS", def.MaxSyncAgeHours)
	v.SetDefault("RISK_MAX_CLOCK_SKEW_SECONDS", def.MaxClockSkewSeconds)

	if path := os.Getenv(configFileEnvVar); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	cfg := Config{
		AppName:             v.GetString("APP_NAME"),
		AppEnv:              v.GetString("APP_ENV"),
		Port:                v.GetString("PORT"),
		LogLevel:            strings.ToLower(v.GetString("LOG_LEVEL")),
		DatabaseURL:         v.GetString("DATABASE_URL"),
		RedisURL:            v.GetString("REDIS_URL"),
		KafkaBrokers:        splitList(v.GetString("KAFKA_BROKERS")),
		KafkaAuditTopic:     v.GetString("KAFKA_AUDIT_TOPIC"),
		SyncRateLimitPerMin: v.GetInt("SYNC_RATE_LIMIT_PER_MINUTE"),
		LedgerAssert:        v.GetBool("LEDGER_ASSERT"),
		DefaultCurrency:     strings.ToUpper(v.GetString("DEFAULT_CURRENCY")),
		Risk: risk.Policy{
			MaxPerTransactionCents: v.GetInt64("RISK_MAX_PER_TX_CENTS"),
			MaxPerDayPerPayerCents: v.GetInt64("RISK_MAX_PER_DAY_PER_PAYER_CENTS"),
			MaxUnsyncedPerMerchant: v.GetInt("RISK_MAX_UNSYNCED_PER_MERCHANT"),
			MaxSyncAgeHours:        v.GetInt("RISK_MAX_SYNC_AGE_HOURS"),
			MaxClockSkewSeconds:    v.GetInt("RISK_MAX_CLOCK_SKEW_SECONDS"),
		},
	}

	var err error
	if cfg.ShutdownPeriod, err = duration(v, shutdownSecondsEnvVar, shutdownDurationEnvVar, defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = duration(v, idemTTLSecondsEnvVar, idemTTLDurEnvVar, defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Development reports whether in-memory fallbacks are allowed.
func (c Config) Development() bool {
	return c.AppEnv == defaultAppEnv
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) validate() error {
	if !c.Development() {
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL must be set")
		}
		if c.RedisURL == "" {
			return errors.New("REDIS_URL must be set")
		}
	}
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("invalid DEFAULT_CURRENCY %q", c.DefaultCurrency)
	}
	p := c.Risk
	if p.MaxPerTransactionCents <= 0 || p.MaxPerDayPerPayerCents < p.MaxPerTransactionCents ||
		p.MaxUnsyncedPerMerchant <= 0 || p.MaxSyncAgeHours <= 0 || p.MaxClockSkewSeconds < 0 {
		return fmt.Errorf("invalid risk policy %+v", p)
	}
	return nil
}

// duration prefers the integer-seconds key, then the Go duration key.
func duration(v *viper.Viper, secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if s := v.GetString(secondsKey); s != "" {
		seconds, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if s := v.GetString(durationKey); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", durationKey, err)
		}
		return d, nil
	}
	return fallback, nil
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
