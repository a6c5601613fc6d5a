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
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the print-service.
// These values are loaded from environment variables. Money values are in
// paise (minor units).
type Config struct {
	ServerPort                  string `mapstructure:"SERVER_PORT"`
	DatabaseURL                 string `mapstructure:"DATABASE_URL"`
	RedisURL                    string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix        string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                 string `mapstructure:"RABBITMQ_URL"`
	SessionSigningKey           string `mapstructure:"SESSION_SIGNING_KEY"`
	SessionTTLMinutes           int    `mapstructure:"SESSION_TTL_MINUTES"`
	RatePerPagePaise            int64  `mapstructure:"RATE_PER_PAGE_PAISE"`
	MaxDocumentBytes            int64  `mapstructure:"MAX_DOCUMENT_BYTES"`
	SubmitRateLimitPerMinute    int    `mapstructure:"SUBMIT_RATE_LIMIT_PER_MINUTE"`
	RechargeIdempotencyTTLMin   int    `mapstructure:"RECHARGE_IDEMPOTENCY_TTL_MINUTES"`
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
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "campusprint:rate_limit")
	viper.SetDefault("SESSION_TTL_MINUTES", 720)
	viper.SetDefault("RATE_PER_PAGE_PAISE", 200) // 2.00 per page
	viper.SetDefault("MAX_DOCUMENT_BYTES", 20<<20)
	viper.SetDefault("SUBMIT_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("RECHARGE_IDEMPOTENCY_TTL_MINUTES", 1440)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PRINT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SESSION_SIGNING_KEY")
	_ = viper.BindEnv("SESSION_TTL_MINUTES")
	_ = viper.BindEnv("RATE_PER_PAGE_PAISE")
	_ = viper.BindEnv("RATE_PER_PAGE")
	_ = viper.BindEnv("MAX_DOCUMENT_BYTES")
	_ = viper.BindEnv("SUBMIT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RECHARGE_IDEMPOTENCY_TTL_MINUTES")

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
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "campusprint:rate_limit"
	}

	// Allow specifying the rate in whole currency units via RATE_PER_PAGE.
	if viper.IsSet("RATE_PER_PAGE") {
		rateStr := strings.TrimSpace(viper.GetString("RATE_PER_PAGE"))
		if rateStr != "" {
			rateValue, parseErr := strconv.ParseFloat(rateStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid RATE_PER_PAGE\" value=%q err=%v", rateStr, parseErr)
			} else {
				config.RatePerPagePaise = int64(math.Round(rateValue * 100))
			}
		}
	}

	if config.RatePerPagePaise <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive page rate configured; using default\" rate_paise=%d", config.RatePerPagePaise)
		config.RatePerPagePaise = 200
	}
	if config.MaxDocumentBytes <= 0 {
		config.MaxDocumentBytes = 20 << 20
	}
	if config.SubmitRateLimitPerMinute <= 0 {
		config.SubmitRateLimitPerMinute = 30
	}
	if config.SessionTTLMinutes <= 0 {
		config.SessionTTLMinutes = 720
	}
	if config.RechargeIdempotencyTTLMin <= 0 {
		config.RechargeIdempotencyTTLMin = 1440
	}

	return
}
