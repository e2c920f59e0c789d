package broker

import (
	"context"

	"hookvault/pkg/models"
)

type Producer interface {
	// Publish writes msg keyed by msg.ID. It retries transient broker errors itself.
	Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error
	Close() error
}
