package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"hookvault/internal/constants"
)

// EnsureMongoCollections creates the indexes the event store relies on.
// The unique (provider, event_id) index is what makes inserts idempotent.
func EnsureMongoCollections(ctx context.Context, db *mongo.Database) error {
	events := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "provider", Value: 1}, {Key: "event_id", Value: 1}},
			Options: options.Index().SetName("uq_webhook_events_provider_event").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "received_at", Value: -1}, {Key: "_id", Value: -1}},
			Options: options.Index().SetName("idx_webhook_events_received_at"),
		},
		{
			Keys:    bson.D{{Key: "result", Value: 1}, {Key: "received_at", Value: -1}},
			Options: options.Index().SetName("idx_webhook_events_result"),
		},
		{
			Keys:    bson.D{{Key: "given_up", Value: 1}, {Key: "result", Value: 1}, {Key: "last_transition_at", Value: 1}},
			Options: options.Index().SetName("idx_webhook_events_due"),
		},
	}
	if err := createIndexes(ctx, db.Collection(constants.CollectionWebhookEvents), events); err != nil {
		return err
	}

	keys := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "event_id", Value: 1}},
			Options: options.Index().SetName("idx_idempotency_keys_event"),
		},
	}
	return createIndexes(ctx, db.Collection(constants.CollectionIdempotencyKeys), keys)
}

func createIndexes(ctx context.Context, coll *mongo.Collection, models []mongo.IndexModel) error {
	_, err := coll.Indexes().CreateMany(ctx, models)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create indexes on %s: %w", coll.Name(), err)
	}
	return nil
}
