//go:build integration

package collector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"eventgate/internal/consumer"
	"eventgate/internal/logger"
	"eventgate/internal/testinfra"
)

func integrationBatch(t *testing.T) []consumer.Item {
	return []consumer.Item{
		item(t, facebookCheckout("evt-1", "u1")),
		item(t, facebookCheckout("evt-2", "u1")),
		item(t, tiktokView("evt-3", "t1")),
	}
}

func TestPostgresSink_Integration(t *testing.T) {
	db := testinfra.Postgres(t)
	sink := NewPostgresSink(db)
	c := New(sink, logger.NopLogger(), nil)
	ctx := context.Background()

	require.NoError(t, sink.Ping(ctx))
	require.NoError(t, c.HandleBatch(ctx, integrationBatch(t)))

	count := func(table string) int {
		var n int
		require.NoError(t, db.QueryRow("SELECT count(*) FROM "+table).Scan(&n))
		return n
	}
	assert.Equal(t, 2, count("users"))
	assert.Equal(t, 3, count("events"))

	// a redelivered batch changes nothing
	require.NoError(t, c.HandleBatch(ctx, integrationBatch(t)))
	assert.Equal(t, 2, count("users"))
	assert.Equal(t, 3, count("events"))

	var age int64
	var city string
	require.NoError(t, db.QueryRow(`SELECT age, city FROM users WHERE id = 'facebook:u1'`).Scan(&age, &city))
	assert.Equal(t, int64(31), age)
	assert.Equal(t, "Krakow", city)

	var amount string
	require.NoError(t, db.QueryRow(`SELECT data->>'purchaseAmount' FROM events WHERE event_id = 'evt-1'`).Scan(&amount))
	assert.Equal(t, "19.99", amount)
}

func TestMongoSink_Integration(t *testing.T) {
	db := testinfra.MongoDB(t)
	sink := NewMongoSink(db)
	c := New(sink, logger.NopLogger(), nil)
	ctx := context.Background()

	require.NoError(t, sink.Ping(ctx))
	require.NoError(t, c.HandleBatch(ctx, integrationBatch(t)))
	require.NoError(t, c.HandleBatch(ctx, integrationBatch(t)))

	users, err := db.Collection(UsersCollection).CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), users)

	evs, err := db.Collection(EventsCollection).CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), evs)

	var user bson.M
	require.NoError(t, db.Collection(UsersCollection).FindOne(ctx, bson.M{"_id": "tiktok:t1"}).Decode(&user))
	assert.Equal(t, "dancer", user["username"])
	assert.EqualValues(t, 1200, user["followers"])

	var ev bson.M
	require.NoError(t, db.Collection(EventsCollection).FindOne(ctx, bson.M{"_id": "evt-1"}).Decode(&ev))
	assert.Equal(t, "checkout.complete", ev["event_type"])
	assert.Equal(t, "facebook:u1", ev["user_id"])
}
