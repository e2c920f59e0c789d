package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookvault/internal/config"
	"hookvault/internal/logger"
	"hookvault/pkg/models"
	"hookvault/pkg/retry"
)

type flakyWriter struct {
	failures int
	calls    int
	written  []kafka.Message
}

func (w *flakyWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.calls++
	if w.calls <= w.failures {
		return kafka.LeaderNotAvailable
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *flakyWriter) Close() error { return nil }

func testProducer(w messageWriter, attempts int) *KafkaProducer {
	return &KafkaProducer{
		writer: w,
		policy: policyFrom(config.BackoffConfig{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}),
		logger: logger.NopLogger(),
	}
}

func envelope() models.MessageEnvelope {
	return models.NewMessageEnvelopeBuilder().WithID("email:evt_1").WithKind("email").Build()
}

func TestPublish_RetriesUntilWritten(t *testing.T) {
	w := &flakyWriter{failures: 2}
	require.NoError(t, testProducer(w, 3).Publish(context.Background(), "notifications", envelope()))

	assert.Equal(t, 3, w.calls)
	require.Len(t, w.written, 1)
	assert.Equal(t, "email:evt_1", string(w.written[0].Key))
	assert.Equal(t, "notifications", w.written[0].Topic)
}

func TestPublish_GivesUpAfterPolicy(t *testing.T) {
	w := &flakyWriter{failures: 10}
	err := testProducer(w, 2).Publish(context.Background(), "notifications", envelope())
	require.Error(t, err)
	assert.True(t, errors.Is(err, kafka.LeaderNotAvailable))
	assert.Equal(t, 2, w.calls)
}

func TestPublish_UnencodablePayloadIsFatal(t *testing.T) {
	w := &flakyWriter{}
	msg := envelope()
	msg.Payload["ch"] = make(chan int)

	err := testProducer(w, 3).Publish(context.Background(), "notifications", msg)
	require.Error(t, err)
	assert.Equal(t, retry.ClassFatal, retry.Classify(err))
	assert.Zero(t, w.calls)
}

func TestPolicyFrom_Defaults(t *testing.T) {
	assert.Equal(t, retry.DefaultPolicy(), policyFrom(config.BackoffConfig{}))
}
