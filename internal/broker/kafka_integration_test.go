//go:build integration

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventgate/internal/config"
	"eventgate/internal/constants"
	"eventgate/internal/logger"
	"eventgate/internal/testinfra"
)

func fetchOne(t *testing.T, sub Subscription) Message {
	t.Helper()
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := sub.Fetch(context.Background(), 1, 5*time.Second)
		require.NoError(t, err)
		if len(msgs) > 0 {
			return msgs[0]
		}
	}
	t.Fatal("no message received")
	return Message{}
}

func TestKafkaBroker_Integration(t *testing.T) {
	cfg := config.KafkaConfig{
		Brokers: testinfra.Kafka(t),
		GroupID: "collector-test",
		Topics:  []string{"facebook"},
	}
	b := NewKafkaBroker(cfg, logger.NopLogger(), nil)
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	require.NoError(t, b.EnsureTopology(ctx))
	require.NoError(t, b.EnsureTopology(ctx))
	assert.True(t, b.IsConnected())

	headers := map[string]string{constants.HeaderMsgID: "evt-1"}
	require.NoError(t, b.Publish(ctx, "facebook.ad.view", []byte(`{"eventId":"evt-1"}`), headers))

	sub, err := b.Subscribe(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	msg := fetchOne(t, sub)
	assert.Equal(t, "facebook.ad.view", msg.Subject)
	assert.Equal(t, "evt-1", msg.Headers[constants.HeaderMsgID])

	// nak republishes, so the same payload comes around again
	require.NoError(t, msg.Nak())
	again := fetchOne(t, sub)
	assert.Equal(t, msg.Data, again.Data)
	assert.Equal(t, "facebook.ad.view", again.Subject)
	require.NoError(t, again.Ack())
}
