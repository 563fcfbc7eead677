/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the ledger-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`

	ProviderEventsExchange string `mapstructure:"PROVIDER_EVENTS_EXCHANGE"`
	ProviderEventQueue     string `mapstructure:"PROVIDER_EVENT_QUEUE"`
	PaymentEventsExchange  string `mapstructure:"PAYMENT_EVENTS_EXCHANGE"`

	GovPayBaseURL string `mapstructure:"GOVPAY_API_BASE_URL"`
	GovPayAPIKey  string `mapstructure:"GOVPAY_API_KEY"`

	IdamJWKSURL    string `mapstructure:"IDAM_JWKS_URL"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`

	DuplicateGroupWindowMinutes int `mapstructure:"DUPLICATE_GROUP_WINDOW_MINUTES"`

	RefundLagDaysCard        int `mapstructure:"REFUND_LAG_DAYS_CARD"`
	RefundLagDaysPBA         int `mapstructure:"REFUND_LAG_DAYS_PBA"`
	RefundLagDaysCash        int `mapstructure:"REFUND_LAG_DAYS_CASH"`
	RefundLagDaysCheque      int `mapstructure:"REFUND_LAG_DAYS_CHEQUE"`
	RefundLagDaysPostalOrder int `mapstructure:"REFUND_LAG_DAYS_POSTAL_ORDER"`

	CallbackRateLimitPerMinute int    `mapstructure:"CALLBACK_RATE_LIMIT_PER_MINUTE"`
	StaleSweepSchedule         string `mapstructure:"STALE_SWEEP_SCHEDULE"`
	StaleSweepMinAgeMinutes    int    `mapstructure:"STALE_SWEEP_MIN_AGE_MINUTES"`
}

// DuplicateWindow is the recency window inside which an equivalent
// group-creation request re-uses the existing group.
func (c Config) DuplicateWindow() time.Duration {
	return time.Duration(c.DuplicateGroupWindowMinutes) * time.Minute
}

// StaleSweepMinAge is how old a non-terminal card payment must be before the
// reconciliation sweep polls the gateway for it.
func (c Config) StaleSweepMinAge() time.Duration {
	return time.Duration(c.StaleSweepMinAgeMinutes) * time.Minute
}

// RefundLagDays maps each payment method to its minimum clearance days before a
// refund may be requested.
func (c Config) RefundLagDays() map[string]int {
	return map[string]int{
		"card":               c.RefundLagDaysCard,
		"payment_by_account": c.RefundLagDaysPBA,
		"cash":               c.RefundLagDaysCash,
		"cheque":             c.RefundLagDaysCheque,
		"postal_order":       c.RefundLagDaysPostalOrder,
	}
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "ledger:rate_limit")
	viper.SetDefault("PROVIDER_EVENTS_EXCHANGE", "provider_events")
	viper.SetDefault("PROVIDER_EVENT_QUEUE", "ledger_service.provider_updates")
	viper.SetDefault("PAYMENT_EVENTS_EXCHANGE", "payment_events")
	viper.SetDefault("DUPLICATE_GROUP_WINDOW_MINUTES", 2)
	// Cheque and postal-order clearance is much slower than electronic methods.
	viper.SetDefault("REFUND_LAG_DAYS_CARD", 5)
	viper.SetDefault("REFUND_LAG_DAYS_PBA", 4)
	viper.SetDefault("REFUND_LAG_DAYS_CASH", 5)
	viper.SetDefault("REFUND_LAG_DAYS_CHEQUE", 21)
	viper.SetDefault("REFUND_LAG_DAYS_POSTAL_ORDER", 21)
	viper.SetDefault("CALLBACK_RATE_LIMIT_PER_MINUTE", 120)
	viper.SetDefault("STALE_SWEEP_SCHEDULE", "@every 30m")
	viper.SetDefault("STALE_SWEEP_MIN_AGE_MINUTES", 90)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PROVIDER_EVENTS_EXCHANGE")
	_ = viper.BindEnv("PROVIDER_EVENT_QUEUE")
	_ = viper.BindEnv("PAYMENT_EVENTS_EXCHANGE")
	_ = viper.BindEnv("GOVPAY_API_BASE_URL")
	_ = viper.BindEnv("GOVPAY_API_KEY")
	_ = viper.BindEnv("IDAM_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LEDGER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("DUPLICATE_GROUP_WINDOW_MINUTES")
	_ = viper.BindEnv("REFUND_LAG_DAYS_CARD")
	_ = viper.BindEnv("REFUND_LAG_DAYS_PBA")
	_ = viper.BindEnv("REFUND_LAG_DAYS_CASH")
	_ = viper.BindEnv("REFUND_LAG_DAYS_CHEQUE")
	_ = viper.BindEnv("REFUND_LAG_DAYS_POSTAL_ORDER")
	_ = viper.BindEnv("CALLBACK_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("STALE_SWEEP_SCHEDULE")
	_ = viper.BindEnv("STALE_SWEEP_MIN_AGE_MINUTES")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("LEDGER_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "ledger:rate_limit"
	}

	if config.DuplicateGroupWindowMinutes <= 0 {
		config.DuplicateGroupWindowMinutes = 2
	}
	if config.RefundLagDaysCard <= 0 {
		config.RefundLagDaysCard = 5
	}
	if config.RefundLagDaysPBA <= 0 {
		config.RefundLagDaysPBA = 4
	}
	if config.RefundLagDaysCash <= 0 {
		config.RefundLagDaysCash = 5
	}
	if config.RefundLagDaysCheque <= 0 {
		config.RefundLagDaysCheque = 21
	}
	if config.RefundLagDaysPostalOrder <= 0 {
		config.RefundLagDaysPostalOrder = 21
	}
	if config.CallbackRateLimitPerMinute <= 0 {
		config.CallbackRateLimitPerMinute = 120
	}
	if strings.TrimSpace(config.StaleSweepSchedule) == "" {
		config.StaleSweepSchedule = "@every 30m"
	}
	if config.StaleSweepMinAgeMinutes <= 0 {
		config.StaleSweepMinAgeMinutes = 90
	}

	return
}
