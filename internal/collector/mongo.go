package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	UsersCollection  = "users"
	EventsCollection = "events"
)

type MongoSink struct {
	db *mongo.Database
}

func NewMongoSink(db *mongo.Database) *MongoSink {
	return &MongoSink{db: db}
}

func (s *MongoSink) Name() string {
	return "mongodb"
}

func (s *MongoSink) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Write bulk-upserts users then events. Event documents are only set on
// insert, so a redelivered event leaves the stored one untouched.
func (s *MongoSink) Write(ctx context.Context, rows Rowset) error {
	opts := options.BulkWrite().SetOrdered(false)

	if len(rows.Users) > 0 {
		if _, err := s.db.Collection(UsersCollection).BulkWrite(ctx, userModels(rows.Users), opts); err != nil {
			return fmt.Errorf("failed to upsert %d users: %w", len(rows.Users), err)
		}
	}

	if len(rows.Events) > 0 {
		models, err := eventModels(rows.Events)
		if err != nil {
			return err
		}
		if _, err := s.db.Collection(EventsCollection).BulkWrite(ctx, models, opts); err != nil {
			return fmt.Errorf("failed to insert %d events: %w", len(rows.Events), err)
		}
	}
	return nil
}

func userModels(users []User) []mongo.WriteModel {
	now := time.Now().UTC()
	models := make([]mongo.WriteModel, 0, len(users))
	for _, u := range users {
		set := bson.M{
			"user_id":    u.UserID,
			"source":     u.Source,
			"updated_at": now,
		}
		setIfPresent(set, "name", u.Name)
		setIfPresent(set, "gender", u.Gender)
		setIfPresent(set, "country", u.Country)
		setIfPresent(set, "city", u.City)
		setIfPresent(set, "username", u.Username)
		if u.Age != nil {
			set["age"] = *u.Age
		}
		if u.Followers != nil {
			set["followers"] = *u.Followers
		}

		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": u.ID}).
			SetUpdate(bson.M{"$set": set, "$setOnInsert": bson.M{"created_at": now}}).
			SetUpsert(true))
	}
	return models
}

func eventModels(rows []Event) ([]mongo.WriteModel, error) {
	now := time.Now().UTC()
	models := make([]mongo.WriteModel, 0, len(rows))
	for _, e := range rows {
		var data bson.M
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return nil, fmt.Errorf("event %s: failed to decode data: %w", e.EventID, err)
		}

		doc := bson.M{
			"user_id":      e.UserID,
			"source":       e.Source,
			"funnel_stage": e.FunnelStage,
			"event_type":   e.EventType,
			"timestamp":    e.Timestamp,
			"data":         data,
			"created_at":   now,
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": e.EventID}).
			SetUpdate(bson.M{"$setOnInsert": doc}).
			SetUpsert(true))
	}
	return models, nil
}

func setIfPresent(doc bson.M, key string, value *string) {
	if value != nil {
		doc[key] = *value
	}
}
