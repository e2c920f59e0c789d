package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhooksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_received_total",
			Help: "Total number of inbound webhook deliveries by outcome (count)",
		},
		[]string{"provider", "status"},
	)

	SignatureFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_signature_failures_total",
			Help: "Total number of deliveries rejected by signature verification (count)",
		},
		[]string{"provider"},
	)

	PayloadMismatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_payload_mismatch_total",
			Help: "Duplicate deliveries whose payload hash differs from the stored event (count)",
		},
		[]string{"provider"},
	)

	ReceiveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_receive_duration_ms",
			Help:    "Time spent handling an inbound delivery in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"provider", "status"},
	)

	ProcessingAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_processing_attempts_total",
			Help: "Total number of processing attempts by outcome (count)",
		},
		[]string{"provider", "outcome"},
	)

	ProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_processing_duration_ms",
			Help:    "Handler execution time per attempt in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"provider", "outcome"},
	)

	EventsGivenUpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_given_up_total",
			Help: "Events that exhausted their retry budget (count)",
		},
		[]string{"provider"},
	)

	IdempotencySkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_idempotency_skips_total",
			Help: "Events whose side effects were skipped because an idempotency key was already claimed (count)",
		},
		[]string{"provider"},
	)

	StaleAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_stale_attempt_results_total",
			Help: "Attempt results rejected because the lease was superseded (count)",
		},
	)

	SchedulerDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_dispatched_total",
			Help: "Events handed to the processor by the scheduler (count)",
		},
		[]string{"source"},
	)

	SchedulerQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_queue_size",
			Help: "Events waiting in the in-memory hand-off queue (count)",
		},
	)

	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_tick_duration_ms",
			Help:    "Duration of one scheduler tick in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
		},
	)

	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "event_store_operation_duration_ms",
			Help:    "Duration of event store operations in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"backend", "operation", "status"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Outbound notify calls by kind and status (count)",
		},
		[]string{"kind", "status"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"topic"},
	)

	KafkaWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_write_duration_ms",
			Help:    "Duration of writing messages to Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"topic"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of in-process retry attempts (count)",
		},
		[]string{"operation"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of inbound webhook requests checked against the per-client rate limit (count)",
		},
		[]string{"provider", "status"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			WebhooksReceivedTotal,
			SignatureFailuresTotal,
			PayloadMismatchTotal,
			ReceiveDuration,
			ProcessingAttemptsTotal,
			ProcessingDuration,
			EventsGivenUpTotal,
			IdempotencySkipsTotal,
			StaleAttemptsTotal,
			SchedulerDispatchedTotal,
			SchedulerQueueSize,
			SchedulerTickDuration,
			StoreOperationDuration,
			NotificationsTotal,
			KafkaMessagesWrittenTotal,
			KafkaWriteDuration,
			RetryAttemptsTotal,
			CircuitBreakerState,
			CircuitBreakerRequests,
			CircuitBreakerFailures,
			RateLimitRequestsTotal,
		)
	})
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func ObserveReceive(provider, status string, duration time.Duration) {
	WebhooksReceivedTotal.WithLabelValues(provider, status).Inc()
	ReceiveDuration.WithLabelValues(provider, status).Observe(ms(duration))
}

func ObserveProcessing(provider, outcome string, duration time.Duration) {
	ProcessingAttemptsTotal.WithLabelValues(provider, outcome).Inc()
	ProcessingDuration.WithLabelValues(provider, outcome).Observe(ms(duration))
}

func ObserveStoreOperation(backend, operation string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StoreOperationDuration.WithLabelValues(backend, operation, status).Observe(ms(duration))
}

func ObserveKafkaWrite(topic string, duration time.Duration) {
	KafkaMessagesWrittenTotal.WithLabelValues(topic).Inc()
	KafkaWriteDuration.WithLabelValues(topic).Observe(ms(duration))
}

func SetSchedulerQueueSize(size int) {
	SchedulerQueueSize.Set(float64(size))
}
