package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"hookvault/internal/constants"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "45s")

	viper.SetDefault("database.driver", constants.DriverPostgres)
	viper.SetDefault("database.postgres.sslmode", "disable")
	viper.SetDefault("database.postgres.max_open_conns", 25)
	viper.SetDefault("database.postgres.max_idle_conns", 5)
	viper.SetDefault("database.postgres.conn_max_lifetime", 30*time.Minute)
	viper.SetDefault("database.mongodb.database", constants.DefaultMongoDBName)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("webhooks.signature_tolerance", constants.DefaultSignatureTolerance)
	viper.SetDefault("webhooks.max_body_bytes", constants.DefaultMaxBodyBytes)
	viper.SetDefault("webhooks.rate_limit.rps", 50.0)
	viper.SetDefault("webhooks.rate_limit.burst", 100)
	viper.SetDefault("webhooks.rate_limit.cleanup_interval", 300)
	viper.SetDefault("webhooks.rate_limit.max_age", 600)

	viper.SetDefault("processing.mode", constants.ProcessingModeSync)
	viper.SetDefault("processing.timeout", constants.DefaultProcessingTimeout)
	viper.SetDefault("processing.lease_grace", constants.DefaultLeaseGrace)
	viper.SetDefault("processing.max_attempts", constants.DefaultMaxAttempts)

	viper.SetDefault("retry.tick_interval", constants.DefaultTickInterval)
	viper.SetDefault("retry.base_backoff", constants.DefaultBaseBackoff)
	viper.SetDefault("retry.max_backoff", constants.DefaultMaxBackoff)
	viper.SetDefault("retry.batch_size", constants.DefaultBatchSize)
	viper.SetDefault("retry.concurrency", constants.DefaultConcurrency)
	viper.SetDefault("retry.queue_size", constants.DefaultQueueSize)

	viper.SetDefault("idempotency.backend", constants.IdempotencyBackendStore)
	viper.SetDefault("idempotency.ttl", constants.DefaultIdempotencyTTL)

	viper.SetDefault("query.default_page_size", constants.DefaultPageSize)
	viper.SetDefault("query.max_page_size", constants.MaxPageSize)

	viper.SetDefault("notify.topic", constants.DefaultNotifyTopic)

	viper.SetDefault("broker.kafka.retry.max_attempts", 3)
	viper.SetDefault("broker.kafka.retry.initial_interval", "200ms")
	viper.SetDefault("broker.kafka.retry.max_interval", "5s")
	viper.SetDefault("broker.kafka.retry.multiplier", 2.0)
}

func bindEnvVariables() {
	viper.BindEnv("broker.type", "BROKER_TYPE")
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")

	viper.BindEnv("database.driver", "DATABASE_DRIVER")
	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("server.port", "SERVER_PORT")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")

	viper.BindEnv("webhooks.providers.stripe.secret", "WEBHOOKS_STRIPE_SECRET")
	viper.BindEnv("webhooks.providers.github.secret", "WEBHOOKS_GITHUB_SECRET")
	viper.BindEnv("webhooks.providers.patreon.secret", "WEBHOOKS_PATREON_SECRET")
	viper.BindEnv("webhooks.providers.generic.secret", "WEBHOOKS_GENERIC_SECRET")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	// viper lowercases map keys, provider tags are lowercase already
	for name, p := range cfg.Webhooks.Providers {
		p.Secret = strings.TrimSpace(p.Secret)
		cfg.Webhooks.Providers[name] = p
	}

	return nil
}
