package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"hookvault/internal/config"
	"hookvault/internal/constants"
	"hookvault/internal/logger"
	"hookvault/pkg/metrics"
	"hookvault/pkg/models"
	"hookvault/pkg/retry"
	"hookvault/pkg/tracing"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer messageWriter
	policy retry.Policy
	logger logger.Logger
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}
	return &KafkaProducer{writer: w, policy: policyFrom(cfg.Retry), logger: log}
}

func policyFrom(cfg config.BackoffConfig) retry.Policy {
	policy := retry.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialInterval > 0 {
		policy.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		policy.MaxInterval = cfg.MaxInterval
	}
	if cfg.Multiplier > 0 {
		policy.Multiplier = cfg.Multiplier
	}
	if cfg.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = cfg.MaxElapsedTime
	}
	return policy
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return retry.NewFatalError(fmt.Errorf("failed to marshal message: %w", err))
	}

	headers := tracing.InjectTraceContext(ctx, []kafka.Header{
		{Key: "kind", Value: []byte(msg.Kind)},
	})
	m := kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.ID),
		Value:   body,
		Headers: headers,
		Time:    msg.Timestamp,
	}

	err = retry.RetryWithCallback(ctx, p.policy, func() error {
		start := time.Now()
		if err := p.writer.WriteMessages(ctx, m); err != nil {
			return err
		}
		metrics.ObserveKafkaWrite(topic, time.Since(start))
		return nil
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues("kafka_publish").Inc()
		p.logger.WarnwCtx(ctx, "Retrying kafka publish",
			"attempt", attempt,
			"max_attempts", p.policy.MaxAttempts,
			"next_delay", nextDelay,
			"topic", topic,
			"error", err,
		)
	})
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
