//go:build integration

package collector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventgate/internal/logger"
	"eventgate/internal/testinfra"
)

func TestDeduplicator_Redis(t *testing.T) {
	client := testinfra.Redis(t)
	d := NewDeduplicator(NewRepository(client), time.Minute, "deny", logger.NopLogger(), nil)
	ctx := context.Background()

	rows := []Event{
		{EventID: "evt-1", Source: "facebook"},
		{EventID: "evt-2", Source: "facebook"},
		{EventID: "evt-1", Source: "tiktok"},
	}

	unseen, err := d.Unseen(ctx, rows)
	require.NoError(t, err)
	assert.Len(t, unseen, 3)

	d.MarkSeen(ctx, rows[:2])

	unseen, err = d.Unseen(ctx, rows)
	require.NoError(t, err)
	require.Len(t, unseen, 1)
	assert.Equal(t, "tiktok", unseen[0].Source)

	ttl, err := client.TTL(ctx, dedupKey(rows[0])).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}
