package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Webhooks       WebhooksConfig       `mapstructure:"webhooks"`
	Processing     ProcessingConfig     `mapstructure:"processing"`
	Retry          RetryConfig          `mapstructure:"retry"`
	Idempotency    IdempotencyConfig    `mapstructure:"idempotency"`
	Query          QueryConfig          `mapstructure:"query"`
	Notify         NotifyConfig         `mapstructure:"notify"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	// Driver selects the event store backend: postgres, mongodb or memory.
	Driver        string         `mapstructure:"driver"`
	Postgres      PostgresConfig `mapstructure:"postgres"`
	Redis         RedisConfig    `mapstructure:"redis"`
	MongoDB       MongoDBConfig  `mapstructure:"mongodb"`
	RunMigrations bool           `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers []string      `mapstructure:"brokers"`
	Retry   BackoffConfig `mapstructure:"retry"`
}

// BackoffConfig drives in-process publish retries.
type BackoffConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type WebhooksConfig struct {
	Providers          map[string]ProviderConfig `mapstructure:"providers"`
	SignatureTolerance time.Duration             `mapstructure:"signature_tolerance"`
	MaxBodyBytes       int64                     `mapstructure:"max_body_bytes"`
	RateLimit          RateLimitConfig           `mapstructure:"rate_limit"`
}

type ProviderConfig struct {
	Secret string `mapstructure:"secret"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type ProcessingConfig struct {
	Mode        string         `mapstructure:"mode"` // "sync" or "async"
	Timeout     time.Duration  `mapstructure:"timeout"`
	LeaseGrace  time.Duration  `mapstructure:"lease_grace"`
	MaxAttempts int            `mapstructure:"max_attempts"`
	Filters     []FilterConfig `mapstructure:"filters"`
}

// FilterConfig is a CEL expression; events it matches are acknowledged without a handler.
type FilterConfig struct {
	Name       string `mapstructure:"name"`
	Expression string `mapstructure:"expression"`
}

type RetryConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	BaseBackoff  time.Duration `mapstructure:"base_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	BatchSize    int           `mapstructure:"batch_size"`
	Concurrency  int           `mapstructure:"concurrency"`
	QueueSize    int           `mapstructure:"queue_size"`
}

type IdempotencyConfig struct {
	Backend string        `mapstructure:"backend"` // "store" or "redis"
	TTL     time.Duration `mapstructure:"ttl"`
}

type QueryConfig struct {
	DefaultPageSize int `mapstructure:"default_page_size"`
	MaxPageSize     int `mapstructure:"max_page_size"`
}

type NotifyConfig struct {
	Topic string `mapstructure:"topic"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

// Secret returns the shared secret configured for provider, or "".
func (c WebhooksConfig) Secret(provider string) string {
	if c.Providers == nil {
		return ""
	}
	return c.Providers[provider].Secret
}

// Lease is how long a processing attempt may hold an event before another worker may take it over.
func (c ProcessingConfig) Lease() time.Duration {
	return c.Timeout + c.LeaseGrace
}
