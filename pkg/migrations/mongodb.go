package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var mongoIndexes = map[string][]mongo.IndexModel{
	"users": {
		{
			Keys:    bson.D{{Key: "source", Value: 1}},
			Options: options.Index().SetName("idx_users_source"),
		},
	},
	"events": {
		{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetName("idx_events_timestamp"),
		},
		{
			Keys:    bson.D{{Key: "source", Value: 1}, {Key: "timestamp", Value: 1}},
			Options: options.Index().SetName("idx_events_source_timestamp"),
		},
		{
			Keys:    bson.D{{Key: "event_type", Value: 1}},
			Options: options.Index().SetName("idx_events_event_type"),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetName("idx_events_user_id"),
		},
	},
}

// EnsureMongoIndexes creates the collector's indexes on the users and
// events collections. Collections themselves are created on first insert.
func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	for collection, indexes := range mongoIndexes {
		_, err := db.Collection(collection).Indexes().CreateMany(ctx, indexes)
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create %s indexes: %w", collection, err)
		}
	}
	return nil
}
