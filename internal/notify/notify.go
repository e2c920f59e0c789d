// Package notify is the outbound side-effect capability handed to business handlers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hookvault/internal/broker"
	"hookvault/internal/constants"
	"hookvault/internal/logger"
	"hookvault/pkg/logging"
	"hookvault/pkg/metrics"
	"hookvault/pkg/models"
	"hookvault/pkg/retry"
)

type Kind string

const (
	KindEmail          Kind = "email"
	KindReferralCredit Kind = "referral_credit"
	KindPMFSurvey      Kind = "pmf_survey"
)

var ErrInvalidNotification = errors.New("invalid notification")

// Notification is delivered at least once; IdempotencyKey lets the receiving service
// collapse redeliveries.
type Notification struct {
	Kind           Kind
	IdempotencyKey string
	Recipient      string
	Data           map[string]interface{}

	EventID   string
	Provider  string
	EventType string
}

func (n Notification) validate() error {
	if n.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidNotification)
	}
	if n.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidNotification)
	}
	return nil
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// KafkaNotifier publishes notifications as message envelopes keyed by idempotency key.
type KafkaNotifier struct {
	producer broker.Producer
	topic    string
	logger   logger.Logger
}

func NewKafkaNotifier(producer broker.Producer, topic string, log logger.Logger) *KafkaNotifier {
	if topic == "" {
		topic = constants.DefaultNotifyTopic
	}
	return &KafkaNotifier{producer: producer, topic: topic, logger: log}
}

// Notify returns a retryable error when the broker stays unavailable after the
// producer's own retries, and a fatal one for a malformed notification.
func (k *KafkaNotifier) Notify(ctx context.Context, n Notification) error {
	if err := n.validate(); err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "invalid").Inc()
		return retry.NewFatalError(err)
	}

	msg := models.NewMessageEnvelopeBuilder().
		WithID(n.IdempotencyKey).
		WithKind(string(n.Kind)).
		WithSource(constants.ServiceName).
		WithPayload(payloadOf(n)).
		WithEvent(n.EventID, n.Provider, n.EventType).
		WithTraceID(logging.GetTraceID(ctx)).
		WithTimestamp(time.Now().UTC()).
		Build()

	if err := k.producer.Publish(ctx, k.topic, msg); err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "error").Inc()
		if retry.Classify(err) == retry.ClassFatal {
			return err
		}
		return retry.NewRetryableError(fmt.Errorf("publish %s notification: %w", n.Kind, err))
	}

	metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "sent").Inc()
	k.logger.InfowCtx(ctx, "Notification published",
		"kind", n.Kind,
		"idempotency_key", n.IdempotencyKey,
		"topic", k.topic,
	)
	return nil
}

func payloadOf(n Notification) map[string]interface{} {
	out := make(map[string]interface{}, len(n.Data)+1)
	for k, v := range n.Data {
		out[k] = v
	}
	if n.Recipient != "" {
		out["recipient"] = n.Recipient
	}
	return out
}

// LogNotifier only logs; it stands in when no broker is configured.
type LogNotifier struct {
	logger logger.Logger
}

func NewLogNotifier(log logger.Logger) *LogNotifier {
	return &LogNotifier{logger: log}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	if err := n.validate(); err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "invalid").Inc()
		return retry.NewFatalError(err)
	}
	metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "logged").Inc()
	l.logger.InfowCtx(ctx, "Notification",
		"kind", n.Kind,
		"idempotency_key", n.IdempotencyKey,
		"recipient", n.Recipient,
		"provider_event_id", n.EventID,
	)
	return nil
}
