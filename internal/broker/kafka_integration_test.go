//go:build integration

package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookvault/internal/config"
	"hookvault/internal/logger"
	"hookvault/internal/testinfra"
	"hookvault/pkg/models"
)

func TestKafkaProducer_Integration(t *testing.T) {
	brokers := testinfra.Kafka(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	p := NewKafkaProducer(config.KafkaConfig{Brokers: brokers}, logger.NopLogger())
	defer p.Close()

	msg := models.NewMessageEnvelopeBuilder().
		WithID("email:evt_1").
		WithKind("email").
		WithEvent("evt_1", "stripe", "payment.succeeded").
		Build()
	require.NoError(t, p.Publish(ctx, "webhook_notifications", msg))

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: "webhook_notifications", Partition: 0})
	defer r.Close()

	m, err := r.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "email:evt_1", string(m.Key))

	var got models.MessageEnvelope
	require.NoError(t, json.Unmarshal(m.Value, &got))
	assert.Equal(t, "evt_1", got.Metadata.EventID)
	assert.Equal(t, "email", got.Kind)
}
