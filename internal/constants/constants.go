package constants

import "time"

const (
	ServiceName = "hookvault"
)

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DriverPostgres = "postgres"
	DriverMongoDB  = "mongodb"
	DriverMemory   = "memory"
)

const (
	BrokerKafka = "kafka"
)

const (
	ProcessingModeSync  = "sync"
	ProcessingModeAsync = "async"
)

const (
	IdempotencyBackendStore = "store"
	IdempotencyBackendRedis = "redis"
)

const (
	CacheKeyPrefixIdempotency = "idem:"
)

const (
	DefaultMongoDBName        = "hookvault"
	CollectionWebhookEvents   = "webhook_events"
	CollectionIdempotencyKeys = "webhook_idempotency_keys"
	DefaultNotifyTopic        = "webhook_notifications"
	DefaultMaxBodyBytes       = 1 << 20
	DefaultSignatureTolerance = 5 * time.Minute
	DefaultProcessingTimeout  = 30 * time.Second
	DefaultLeaseGrace         = 10 * time.Second
	DefaultMaxAttempts        = 5
	DefaultTickInterval       = 10 * time.Second
	DefaultBaseBackoff        = 30 * time.Second
	DefaultMaxBackoff         = time.Hour
	DefaultBatchSize          = 50
	DefaultConcurrency        = 8
	DefaultQueueSize          = 1024
	DefaultIdempotencyTTL     = 7 * 24 * time.Hour
	DefaultPageSize           = 20
	MaxPageSize               = 100
	DefaultCircuitBreakerName = "event-store"
	IdempotencyCircuitBreaker = "redis-idempotency"
)
