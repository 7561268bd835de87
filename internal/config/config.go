/**
 * @description
 * This package handles the configuration management for the ledger-service. It
 * uses the Viper library to read configuration from environment variables and an
 * optional .env file. Invalid values never abort startup: they are replaced by
 * their defaults and reported in `Config.Warnings`, which the caller logs once
 * the logger exists.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading.
 * - github.com/shopspring/decimal: fee policy values.
 */

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	TransportInProcess = "inprocess"
	TransportRabbitMQ  = "rabbitmq"

	NotifierLog     = "log"
	NotifierEmail   = "email"
	NotifierWebhook = "webhook"
)

// Config holds all the configuration variables for the ledger-service.
type Config struct {
	ServerPort            string `mapstructure:"SERVER_PORT"`
	RequestTimeoutSeconds int    `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	LogLevel              string `mapstructure:"LOG_LEVEL"`
	LogFormat             string `mapstructure:"LOG_FORMAT"`

	StoreDriver   string `mapstructure:"STORE_DRIVER"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	LockTimeoutMS int    `mapstructure:"LOCK_TIMEOUT_MS"`

	RedisURL                   string `mapstructure:"REDIS_URL"`
	IdempotencyCachePrefix     string `mapstructure:"IDEMPOTENCY_CACHE_PREFIX"`
	IdempotencyCacheTTLSeconds int    `mapstructure:"IDEMPOTENCY_CACHE_TTL_SECONDS"`

	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	EventsExchange        string `mapstructure:"EVENTS_EXCHANGE"`
	NotificationQueue     string `mapstructure:"NOTIFICATION_QUEUE"`
	NotificationTransport string `mapstructure:"NOTIFICATION_TRANSPORT"`

	FeeRateRaw             string `mapstructure:"FEE_RATE"`
	MinimumAmountForFeeRaw string `mapstructure:"MINIMUM_AMOUNT_FOR_FEE"`
	FeeWalletID            int64  `mapstructure:"FEE_WALLET_ID"`

	NotificationMaxRetries       int    `mapstructure:"NOTIFICATION_MAX_RETRIES"`
	NotificationRetryDelayMS     int    `mapstructure:"NOTIFICATION_RETRY_DELAY_MS"`
	NotificationWorkers          int    `mapstructure:"NOTIFICATION_WORKERS"`
	NotificationQueueSize        int    `mapstructure:"NOTIFICATION_QUEUE_SIZE"`
	Notifier                     string `mapstructure:"NOTIFIER"`
	SimulateNotificationFailures int    `mapstructure:"SIMULATE_NOTIFICATION_FAILURES"`

	SMTPHost        string `mapstructure:"SMTP_HOST"`
	SMTPPort        string `mapstructure:"SMTP_PORT"`
	SMTPUsername    string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword    string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom        string `mapstructure:"SMTP_FROM"`
	SMTPTo          string `mapstructure:"SMTP_TO"`
	SMTPImplicitTLS bool   `mapstructure:"SMTP_IMPLICIT_TLS"`

	WebhookURL    string `mapstructure:"WEBHOOK_URL"`
	WebhookAPIKey string `mapstructure:"WEBHOOK_API_KEY"`

	JWTSecret          string `mapstructure:"JWT_SECRET"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	AuditSchedule    string `mapstructure:"AUDIT_SCHEDULE"`
	AuditWindowHours int    `mapstructure:"AUDIT_WINDOW_HOURS"`

	// Parsed fee policy.
	FeeRate             decimal.Decimal `mapstructure:"-"`
	MinimumAmountForFee decimal.Decimal `mapstructure:"-"`

	// Warnings lists every value that was coerced back to its default.
	Warnings []string `mapstructure:"-"`
}

var defaults = map[string]interface{}{
	"SERVER_PORT":                    "8080",
	"REQUEST_TIMEOUT_SECONDS":        30,
	"LOG_LEVEL":                      "info",
	"LOG_FORMAT":                     "json",
	"STORE_DRIVER":                   "",
	"LOCK_TIMEOUT_MS":                5000,
	"IDEMPOTENCY_CACHE_PREFIX":       "ledger:idempotency",
	"IDEMPOTENCY_CACHE_TTL_SECONDS":  86400,
	"EVENTS_EXCHANGE":                "ledger.events",
	"NOTIFICATION_QUEUE":             "ledger_service.notifications",
	"NOTIFICATION_TRANSPORT":         TransportInProcess,
	"FEE_RATE":                       "0.1",
	"MINIMUM_AMOUNT_FOR_FEE":         "1000",
	"FEE_WALLET_ID":                  1,
	"NOTIFICATION_MAX_RETRIES":       3,
	"NOTIFICATION_RETRY_DELAY_MS":    3000,
	"NOTIFICATION_WORKERS":           4,
	"NOTIFICATION_QUEUE_SIZE":        1024,
	"NOTIFIER":                       NotifierLog,
	"SIMULATE_NOTIFICATION_FAILURES": 0,
	"SMTP_PORT":                      "465",
	"SMTP_IMPLICIT_TLS":              true,
	"CORS_ALLOWED_ORIGINS":           "*",
	"AUDIT_SCHEDULE":                 "@every 1h",
	"AUDIT_WINDOW_HOURS":             24,
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		viper.SetDefault(key, value)
		// Bind explicitly so Unmarshal sees env-only keys.
		_ = viper.BindEnv(key)
	}
	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "RABBITMQ_URL", "SMTP_HOST", "SMTP_USERNAME",
		"SMTP_PASSWORD", "SMTP_FROM", "SMTP_TO", "WEBHOOK_URL", "WEBHOOK_API_KEY", "JWT_SECRET"} {
		_ = viper.BindEnv(key)
	}

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			config.warnf("failed to read config file; using environment values: %v", err)
		}
		err = nil
	}

	warnings := config.Warnings
	if err = viper.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("unmarshal config: %w", err)
	}
	config.Warnings = warnings

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize()
	return config, nil
}

func (c *Config) warnf(format string, args ...interface{}) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

func (c *Config) normalize() {
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)

	c.FeeRate = c.parseDecimal("FEE_RATE", c.FeeRateRaw, func(d decimal.Decimal) bool {
		return !d.IsNegative() && d.LessThan(decimal.NewFromInt(1))
	})
	c.MinimumAmountForFee = c.parseDecimal("MINIMUM_AMOUNT_FOR_FEE", c.MinimumAmountForFeeRaw, func(d decimal.Decimal) bool {
		return !d.IsNegative()
	})

	if c.FeeWalletID <= 0 {
		c.warnf("invalid FEE_WALLET_ID %d; using 1", c.FeeWalletID)
		c.FeeWalletID = 1
	}
	c.LockTimeoutMS = c.positive("LOCK_TIMEOUT_MS", c.LockTimeoutMS)
	c.RequestTimeoutSeconds = c.positive("REQUEST_TIMEOUT_SECONDS", c.RequestTimeoutSeconds)
	c.IdempotencyCacheTTLSeconds = c.positive("IDEMPOTENCY_CACHE_TTL_SECONDS", c.IdempotencyCacheTTLSeconds)
	c.NotificationMaxRetries = c.positive("NOTIFICATION_MAX_RETRIES", c.NotificationMaxRetries)
	c.NotificationWorkers = c.positive("NOTIFICATION_WORKERS", c.NotificationWorkers)
	c.NotificationQueueSize = c.positive("NOTIFICATION_QUEUE_SIZE", c.NotificationQueueSize)
	c.AuditWindowHours = c.positive("AUDIT_WINDOW_HOURS", c.AuditWindowHours)
	if c.NotificationRetryDelayMS < 0 {
		c.warnf("invalid NOTIFICATION_RETRY_DELAY_MS %d; using %v", c.NotificationRetryDelayMS, defaults["NOTIFICATION_RETRY_DELAY_MS"])
		c.NotificationRetryDelayMS = defaults["NOTIFICATION_RETRY_DELAY_MS"].(int)
	}
	if c.SimulateNotificationFailures < 0 {
		c.warnf("invalid SIMULATE_NOTIFICATION_FAILURES %d; disabling", c.SimulateNotificationFailures)
		c.SimulateNotificationFailures = 0
	}

	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	case "":
		c.StoreDriver = StoreDriverMemory
		if c.DatabaseURL != "" {
			c.StoreDriver = StoreDriverPostgres
		}
	default:
		c.warnf("unknown STORE_DRIVER %q; using %s", c.StoreDriver, StoreDriverMemory)
		c.StoreDriver = StoreDriverMemory
	}
	if c.StoreDriver == StoreDriverPostgres && c.DatabaseURL == "" {
		c.warnf("STORE_DRIVER=postgres without DATABASE_URL; using %s", StoreDriverMemory)
		c.StoreDriver = StoreDriverMemory
	}

	c.NotificationTransport = c.oneOf("NOTIFICATION_TRANSPORT", c.NotificationTransport, TransportInProcess, TransportInProcess, TransportRabbitMQ)
	if c.NotificationTransport == TransportRabbitMQ && c.RabbitMQURL == "" {
		c.warnf("NOTIFICATION_TRANSPORT=rabbitmq without RABBITMQ_URL; using %s", TransportInProcess)
		c.NotificationTransport = TransportInProcess
	}
	c.Notifier = c.oneOf("NOTIFIER", c.Notifier, NotifierLog, NotifierLog, NotifierEmail, NotifierWebhook)
}

func (c *Config) parseDecimal(key, raw string, valid func(decimal.Decimal) bool) decimal.Decimal {
	fallback := decimal.RequireFromString(defaults[key].(string))
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || !valid(value) {
		c.warnf("invalid %s %q; using %s", key, raw, fallback)
		return fallback
	}
	return value
}

func (c *Config) positive(key string, value int) int {
	if value > 0 {
		return value
	}
	fallback := defaults[key].(int)
	c.warnf("invalid %s %d; using %d", key, value, fallback)
	return fallback
}

func (c *Config) oneOf(key, value, fallback string, allowed ...string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range allowed {
		if value == candidate {
			return value
		}
	}
	c.warnf("unknown %s %q; using %s", key, value, fallback)
	return fallback
}

// LockTimeout is the bound on waiting for a wallet lock.
func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

// NotificationRetryDelay is the fixed delay between notification attempts.
func (c Config) NotificationRetryDelay() time.Duration {
	return time.Duration(c.NotificationRetryDelayMS) * time.Millisecond
}

// SMTPRecipients splits SMTP_TO on commas.
func (c Config) SMTPRecipients() []string {
	return splitList(c.SMTPTo)
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	return splitList(c.CORSAllowedOrigins)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
