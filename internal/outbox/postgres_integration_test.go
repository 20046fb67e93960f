//go:build integration

package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventgate/internal/constants"
	"eventgate/internal/testinfra"
)

func seed(t *testing.T, store *PostgresStore, ids ...string) {
	t.Helper()
	records := make([]NewRecord, len(ids))
	for i, id := range ids {
		records[i] = NewRecord{EventID: id, Payload: []byte(facebookEvent(id)), RequestID: "req-1"}
	}
	n, err := store.InsertBatch(context.Background(), records)
	require.NoError(t, err)
	require.Equal(t, len(ids), n)
}

func statusOf(t *testing.T, db *sql.DB, eventID string) (Status, int) {
	t.Helper()
	var status string
	var retries int
	err := db.QueryRow(`SELECT status, retry_count FROM outbox_events WHERE event_id = $1`, eventID).Scan(&status, &retries)
	require.NoError(t, err)
	return Status(status), retries
}

func countRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM outbox_events`).Scan(&n))
	return n
}

func TestPostgresStore_Integration(t *testing.T) {
	db := testinfra.Postgres(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	reset := func(t *testing.T) {
		_, err := db.Exec(`TRUNCATE outbox_events RESTART IDENTITY`)
		require.NoError(t, err)
	}

	t.Run("insert skips duplicate event ids", func(t *testing.T) {
		reset(t)
		seed(t, store, "evt-1")

		n, err := store.InsertBatch(ctx, []NewRecord{
			{EventID: "evt-1", Payload: []byte(facebookEvent("evt-1"))},
			{EventID: "evt-2", Payload: []byte(facebookEvent("evt-2"))},
			{EventID: "evt-2", Payload: []byte(facebookEvent("evt-2"))},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, 2, countRows(t, db))
	})

	t.Run("rejected records keep a null event id", func(t *testing.T) {
		reset(t)
		n, err := store.InsertBatch(ctx, []NewRecord{
			{Payload: []byte(`{"data":{}}`), Status: StatusFailed, LastError: "VALIDATION_ERROR: eventId is required"},
			{Payload: []byte(`{"data":{}}`), Status: StatusFailed, LastError: "VALIDATION_ERROR: eventId is required"},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		failed, err := store.ListFailed(ctx, 10)
		require.NoError(t, err)
		require.Len(t, failed, 2)
		assert.Empty(t, failed[0].EventID)

		pending, err := store.PendingCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, pending)
	})

	t.Run("payload is stored byte for byte", func(t *testing.T) {
		reset(t)
		nul := `{"eventId":"bad","name":"A\u0000nn"}`
		n, err := store.InsertBatch(ctx, []NewRecord{
			{EventID: "evt-1", Payload: []byte(facebookEvent("evt-1"))},
			{Payload: []byte(nul), Status: StatusFailed, LastError: "VALIDATION_ERROR: contains a \\u0000 escape"},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		var payload string
		require.NoError(t, db.QueryRow(`SELECT payload FROM outbox_events WHERE event_id IS NULL`).Scan(&payload))
		assert.Equal(t, nul, payload)
		require.NoError(t, db.QueryRow(`SELECT payload FROM outbox_events WHERE event_id = 'evt-1'`).Scan(&payload))
		assert.Equal(t, facebookEvent("evt-1"), payload)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx))
	})

	for _, strategy := range []string{constants.ClaimStrategySkipLocked, constants.ClaimStrategyStatus} {
		t.Run(strategy+" claims in order and reconciles", func(t *testing.T) {
			reset(t)
			seed(t, store, "evt-1", "evt-2", "evt-3")

			claimer, err := NewClaimer(db, ClaimOptions{Strategy: strategy})
			require.NoError(t, err)

			batch, err := claimer.Claim(ctx, 2)
			require.NoError(t, err)
			records := batch.Records()
			require.Len(t, records, 2)
			assert.Equal(t, "evt-1", records[0].EventID)
			assert.Equal(t, "evt-2", records[1].EventID)

			require.NoError(t, batch.Reconcile(ctx, Reconciliation{
				Succeeded: []int64{records[0].ID},
				Failed:    []Failure{{ID: records[1].ID, RetryCount: 1, LastError: "publish timeout"}},
			}))

			assert.Equal(t, 2, countRows(t, db))
			status, retries := statusOf(t, db, "evt-2")
			assert.Equal(t, StatusPending, status)
			assert.Equal(t, 1, retries)

			pending, err := store.PendingCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(2), pending)
		})

		t.Run(strategy+" concurrent claims are disjoint", func(t *testing.T) {
			reset(t)
			seed(t, store, "evt-1", "evt-2", "evt-3", "evt-4")

			a, err := NewClaimer(db, ClaimOptions{Strategy: strategy})
			require.NoError(t, err)
			b, err := NewClaimer(db, ClaimOptions{Strategy: strategy})
			require.NoError(t, err)

			first, err := a.Claim(ctx, 2)
			require.NoError(t, err)
			second, err := b.Claim(ctx, 10)
			require.NoError(t, err)

			seen := map[int64]bool{}
			for _, r := range append(first.Records(), second.Records()...) {
				assert.False(t, seen[r.ID], "record %d claimed twice", r.ID)
				seen[r.ID] = true
			}
			assert.Len(t, seen, 4)

			require.NoError(t, first.Release(ctx))
			require.NoError(t, second.Release(ctx))

			pending, err := store.PendingCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(4), pending)
		})

		t.Run(strategy+" dead records leave the queue", func(t *testing.T) {
			reset(t)
			seed(t, store, "evt-1")

			claimer, err := NewClaimer(db, ClaimOptions{Strategy: strategy, OnSuccess: constants.OnSuccessMarkSent})
			require.NoError(t, err)

			batch, err := claimer.Claim(ctx, 10)
			require.NoError(t, err)
			require.Len(t, batch.Records(), 1)
			require.NoError(t, batch.Reconcile(ctx, Reconciliation{
				Failed: []Failure{{ID: batch.Records()[0].ID, RetryCount: 5, LastError: "exhausted", Dead: true}},
			}))

			status, _ := statusOf(t, db, "evt-1")
			assert.Equal(t, StatusFailed, status)

			empty, err := claimer.Claim(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, empty.Records())
			require.NoError(t, empty.Release(ctx))

			n, err := store.RequeueFailed(ctx, nil)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
			status, retries := statusOf(t, db, "evt-1")
			assert.Equal(t, StatusPending, status)
			assert.Zero(t, retries)
		})
	}

	t.Run("mark sent keeps the row", func(t *testing.T) {
		reset(t)
		seed(t, store, "evt-1")

		claimer, err := NewClaimer(db, ClaimOptions{Strategy: constants.ClaimStrategySkipLocked, OnSuccess: constants.OnSuccessMarkSent})
		require.NoError(t, err)
		batch, err := claimer.Claim(ctx, 10)
		require.NoError(t, err)
		require.NoError(t, batch.Reconcile(ctx, Reconciliation{Succeeded: []int64{batch.Records()[0].ID}}))

		status, _ := statusOf(t, db, "evt-1")
		assert.Equal(t, StatusSent, status)
	})

	t.Run("status claims past their lease are reclaimed", func(t *testing.T) {
		reset(t)
		seed(t, store, "evt-1")

		claimer, err := NewClaimer(db, ClaimOptions{Strategy: constants.ClaimStrategyStatus, Lease: time.Minute})
		require.NoError(t, err)

		abandoned, err := claimer.Claim(ctx, 10)
		require.NoError(t, err)
		require.Len(t, abandoned.Records(), 1)

		again, err := claimer.Claim(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, again.Records())
		require.NoError(t, again.Release(ctx))

		_, err = db.Exec(`UPDATE outbox_events SET claimed_at = now() - interval '2 minutes'`)
		require.NoError(t, err)

		reclaimed, err := claimer.Claim(ctx, 10)
		require.NoError(t, err)
		require.Len(t, reclaimed.Records(), 1)
		assert.Equal(t, "evt-1", reclaimed.Records()[0].EventID)
		require.NoError(t, reclaimed.Reconcile(ctx, Reconciliation{Succeeded: []int64{reclaimed.Records()[0].ID}}))
		assert.Zero(t, countRows(t, db))
	})

	t.Run("dispatcher drains the table", func(t *testing.T) {
		reset(t)
		ids := make([]string, 25)
		for i := range ids {
			ids[i] = fmt.Sprintf("evt-%02d", i)
		}
		seed(t, store, ids...)

		claimer, err := NewClaimer(db, ClaimOptions{Strategy: constants.ClaimStrategySkipLocked})
		require.NoError(t, err)
		pub := &fakePublisher{}
		d, _ := newTestDispatcher(t, claimer, pub, DispatcherConfig{BatchSize: 10})

		for i := 0; i < 3; i++ {
			_, err := d.ProcessBatch(ctx)
			require.NoError(t, err)
		}
		assert.Len(t, pub.published(), 25)
		assert.Zero(t, countRows(t, db))
	})
}
