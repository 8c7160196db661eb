/**
 * @description
 * This package handles the configuration management for the escrow-service. It uses
 * the Viper library to read configuration from environment variables and an
 * optional `.env` file.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all the configuration variables for the escrow-service.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	StoreDriver               string `mapstructure:"STORE_DRIVER"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix      string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	ReleaseRateLimitPerMinute int    `mapstructure:"RELEASE_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	EventExchange             string `mapstructure:"EVENT_EXCHANGE"`
	MaintenanceEventExchange  string `mapstructure:"MAINTENANCE_EVENT_EXCHANGE"`
	MaintenanceEventQueue     string `mapstructure:"MAINTENANCE_EVENT_QUEUE"`
	GatewayAPIBaseURL         string `mapstructure:"GATEWAY_API_BASE_URL"`
	GatewayAPIKey             string `mapstructure:"GATEWAY_API_KEY"`
	JWKSURL                   string `mapstructure:"JWKS_URL"`
	InternalAPIKey            string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins        string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	AutoReleaseSchedule       string `mapstructure:"AUTO_RELEASE_SCHEDULE"`
	AutoReleaseBatchSize      int    `mapstructure:"AUTO_RELEASE_BATCH_SIZE"`
	ConflictRetryMaxAttempts  int    `mapstructure:"CONFLICT_RETRY_MAX_ATTEMPTS"`
	DepositIdempotencyTTLMin  int    `mapstructure:"DEPOSIT_IDEMPOTENCY_TTL_MINUTES"`
	RunMigrations             bool   `mapstructure:"RUN_MIGRATIONS"`
}

// LoadConfig reads configuration from environment variables from the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "escrow:rate_limit")
	viper.SetDefault("RELEASE_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("EVENT_EXCHANGE", "escrow_events")
	viper.SetDefault("MAINTENANCE_EVENT_EXCHANGE", "maintenance_events")
	viper.SetDefault("MAINTENANCE_EVENT_QUEUE", "escrow_service.maintenance_completed")
	viper.SetDefault("AUTO_RELEASE_SCHEDULE", "@every 1h")
	viper.SetDefault("AUTO_RELEASE_BATCH_SIZE", 100)
	viper.SetDefault("CONFLICT_RETRY_MAX_ATTEMPTS", 5)
	viper.SetDefault("DEPOSIT_IDEMPOTENCY_TTL_MINUTES", 1440)
	viper.SetDefault("RUN_MIGRATIONS", true)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "ESCROW_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RELEASE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("MAINTENANCE_EVENT_EXCHANGE")
	_ = viper.BindEnv("MAINTENANCE_EVENT_QUEUE")
	_ = viper.BindEnv("GATEWAY_API_BASE_URL")
	_ = viper.BindEnv("GATEWAY_API_KEY", "GATEWAY_API_KEY", "GATEWAY_SECRET_KEY")
	_ = viper.BindEnv("JWKS_URL", "JWKS_URL", "CLERK_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "ESCROW_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("AUTO_RELEASE_SCHEDULE")
	_ = viper.BindEnv("AUTO_RELEASE_BATCH_SIZE")
	_ = viper.BindEnv("CONFLICT_RETRY_MAX_ATTEMPTS")
	_ = viper.BindEnv("DEPOSIT_IDEMPOTENCY_TTL_MINUTES")
	_ = viper.BindEnv("RUN_MIGRATIONS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	switch config.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		log.Printf("level=warn component=config msg=\"unknown STORE_DRIVER; using postgres\" value=%q", config.StoreDriver)
		config.StoreDriver = StoreDriverPostgres
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "escrow:rate_limit"
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)

	if config.ReleaseRateLimitPerMinute <= 0 {
		config.ReleaseRateLimitPerMinute = 20
	}
	if config.AutoReleaseBatchSize <= 0 {
		config.AutoReleaseBatchSize = 100
	}
	if config.ConflictRetryMaxAttempts <= 0 {
		config.ConflictRetryMaxAttempts = 5
	}
	if config.DepositIdempotencyTTLMin <= 0 {
		config.DepositIdempotencyTTLMin = 1440
	}

	return
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas, defaulting to "*".
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
