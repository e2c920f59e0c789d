package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookvault/internal/logger"
	"hookvault/pkg/logging"
	"hookvault/pkg/models"
	"hookvault/pkg/retry"
)

type fakeProducer struct {
	mu   sync.Mutex
	sent []models.MessageEnvelope
	err  error
}

func (p *fakeProducer) Publish(_ context.Context, topic string, msg models.MessageEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func TestKafkaNotifier_PublishesEnvelope(t *testing.T) {
	prod := &fakeProducer{}
	n := NewKafkaNotifier(prod, "", logger.NopLogger())

	ctx := logging.WithTraceID(context.Background(), "trace-1")
	err := n.Notify(ctx, Notification{
		Kind:           KindEmail,
		IdempotencyKey: "email:evt_1",
		Recipient:      "a@example.com",
		Data:           map[string]interface{}{"template": "receipt"},
		EventID:        "evt_1",
		Provider:       "stripe",
		EventType:      "payment.succeeded",
	})
	require.NoError(t, err)

	require.Len(t, prod.sent, 1)
	msg := prod.sent[0]
	assert.Equal(t, "email:evt_1", msg.ID)
	assert.Equal(t, "email", msg.Kind)
	assert.Equal(t, "hookvault", msg.Source)
	assert.Equal(t, "a@example.com", msg.Payload["recipient"])
	assert.Equal(t, "receipt", msg.Payload["template"])
	assert.Equal(t, "evt_1", msg.Metadata.EventID)
	assert.Equal(t, "trace-1", msg.Metadata.TraceID)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestKafkaNotifier_BrokerFailureIsRetryable(t *testing.T) {
	n := NewKafkaNotifier(&fakeProducer{err: errors.New("leader not available")}, "t", logger.NopLogger())
	err := n.Notify(context.Background(), Notification{Kind: KindReferralCredit, IdempotencyKey: "k"})
	require.Error(t, err)
	assert.Equal(t, retry.ClassRetryable, retry.Classify(err))
}

func TestNotify_InvalidNotificationIsFatal(t *testing.T) {
	for name, n := range map[string]Notifier{
		"kafka": NewKafkaNotifier(&fakeProducer{}, "t", logger.NopLogger()),
		"log":   NewLogNotifier(logger.NopLogger()),
	} {
		t.Run(name, func(t *testing.T) {
			err := n.Notify(context.Background(), Notification{Kind: KindEmail})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidNotification)
			assert.Equal(t, retry.ClassFatal, retry.Classify(err))
		})
	}
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, NewLogNotifier(logger.NopLogger()).Notify(context.Background(),
		Notification{Kind: KindPMFSurvey, IdempotencyKey: "pmf:1"}))
}
