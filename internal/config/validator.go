package config

import (
	"fmt"
	"strings"

	"hookvault/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	validators := []func() error{
		func() error { return validateServer(cfg.Server) },
		func() error { return validateDatabase(cfg.Database, cfg.Idempotency) },
		func() error { return validateBroker(cfg.Broker) },
		func() error { return validateWebhooks(cfg.Webhooks) },
		func() error { return validateProcessing(cfg.Processing) },
		func() error { return validateRetry(cfg.Retry) },
		func() error { return validateQuery(cfg.Query) },
	}

	for _, validate := range validators {
		if err := validate(); err != nil {
			errors = append(errors, err)
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeout <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeout <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig, idem IdempotencyConfig) error {
	switch cfg.Driver {
	case constants.DriverPostgres:
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	case constants.DriverMongoDB:
		if err := validateMongoDB(cfg.MongoDB); err != nil {
			return err
		}
	case constants.DriverMemory:
	default:
		return &ValidationError{
			Field:   "database.driver",
			Message: fmt.Sprintf("unknown driver: %s (supported: postgres, mongodb, memory)", cfg.Driver),
		}
	}

	switch idem.Backend {
	case constants.IdempotencyBackendStore:
	case constants.IdempotencyBackendRedis:
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	default:
		return &ValidationError{
			Field:   "idempotency.backend",
			Message: fmt.Sprintf("unknown backend: %s (supported: store, redis)", idem.Backend),
		}
	}

	if idem.TTL < 0 {
		return &ValidationError{
			Field:   "idempotency.ttl",
			Message: "ttl must be non-negative",
		}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	switch cfg.Type {
	case "":
		return nil
	case constants.BrokerKafka:
		return validateKafka(cfg.Kafka)
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: kafka)", cfg.Type),
		}
	}
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if cfg.Retry.MaxAttempts < 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.Retry.MaxInterval > 0 && cfg.Retry.InitialInterval > 0 && cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		return &ValidationError{
			Field:   "broker.kafka.retry.max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Retry.Multiplier <= 0 {
		return &ValidationError{
			Field:   "broker.kafka.retry.multiplier",
			Message: "multiplier must be positive",
		}
	}

	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.postgres.host",
			Message: "PostgreSQL host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.User == "" {
		return &ValidationError{
			Field:   "database.postgres.user",
			Message: "PostgreSQL user is required",
		}
	}

	if cfg.DBName == "" {
		return &ValidationError{
			Field:   "database.postgres.dbname",
			Message: "PostgreSQL database name is required",
		}
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s", cfg.SSLMode),
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.redis.host",
			Message: "Redis host is required for the redis idempotency backend",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if cfg.URI == "" {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI is required",
		}
	}

	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
		}
	}

	if cfg.Database == "" {
		return &ValidationError{
			Field:   "database.mongodb.database",
			Message: "MongoDB database name is required",
		}
	}

	return nil
}

func validateWebhooks(cfg WebhooksConfig) error {
	if cfg.MaxBodyBytes <= 0 {
		return &ValidationError{
			Field:   "webhooks.max_body_bytes",
			Message: "max_body_bytes must be positive",
		}
	}

	if cfg.SignatureTolerance < 0 {
		return &ValidationError{
			Field:   "webhooks.signature_tolerance",
			Message: "signature_tolerance must be non-negative",
		}
	}

	if cfg.RateLimit.Enabled && (cfg.RateLimit.RPS <= 0 || cfg.RateLimit.Burst <= 0) {
		return &ValidationError{
			Field:   "webhooks.rate_limit",
			Message: "rps and burst must be positive when rate limiting is enabled",
		}
	}

	return nil
}

func validateProcessing(cfg ProcessingConfig) error {
	if cfg.Mode != constants.ProcessingModeSync && cfg.Mode != constants.ProcessingModeAsync {
		return &ValidationError{
			Field:   "processing.mode",
			Message: fmt.Sprintf("unknown mode: %s (supported: sync, async)", cfg.Mode),
		}
	}

	if cfg.Timeout <= 0 {
		return &ValidationError{
			Field:   "processing.timeout",
			Message: "timeout must be positive",
		}
	}

	if cfg.LeaseGrace < 0 {
		return &ValidationError{
			Field:   "processing.lease_grace",
			Message: "lease_grace must be non-negative",
		}
	}

	if cfg.MaxAttempts < 1 {
		return &ValidationError{
			Field:   "processing.max_attempts",
			Message: "max_attempts must be at least 1",
		}
	}

	for i, f := range cfg.Filters {
		if f.Name == "" || f.Expression == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("processing.filters[%d]", i),
				Message: "filter name and expression are required",
			}
		}
	}

	return nil
}

func validateRetry(cfg RetryConfig) error {
	if cfg.TickInterval <= 0 {
		return &ValidationError{
			Field:   "retry.tick_interval",
			Message: "tick_interval must be positive",
		}
	}

	if cfg.BaseBackoff <= 0 {
		return &ValidationError{
			Field:   "retry.base_backoff",
			Message: "base_backoff must be positive",
		}
	}

	if cfg.MaxBackoff < cfg.BaseBackoff {
		return &ValidationError{
			Field:   "retry.max_backoff",
			Message: "max_backoff must be greater than or equal to base_backoff",
		}
	}

	if cfg.BatchSize < 1 {
		return &ValidationError{
			Field:   "retry.batch_size",
			Message: "batch_size must be at least 1",
		}
	}

	if cfg.Concurrency < 1 {
		return &ValidationError{
			Field:   "retry.concurrency",
			Message: "concurrency must be at least 1",
		}
	}

	if cfg.QueueSize < 0 {
		return &ValidationError{
			Field:   "retry.queue_size",
			Message: "queue_size must be non-negative",
		}
	}

	return nil
}

func validateQuery(cfg QueryConfig) error {
	if cfg.MaxPageSize < 1 {
		return &ValidationError{
			Field:   "query.max_page_size",
			Message: "max_page_size must be at least 1",
		}
	}

	if cfg.DefaultPageSize < 1 || cfg.DefaultPageSize > cfg.MaxPageSize {
		return &ValidationError{
			Field:   "query.default_page_size",
			Message: fmt.Sprintf("default_page_size must be between 1 and %d", cfg.MaxPageSize),
		}
	}

	return nil
}
