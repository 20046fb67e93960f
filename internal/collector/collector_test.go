package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventgate/internal/broker"
	"eventgate/internal/constants"
	"eventgate/internal/consumer"
	"eventgate/internal/events"
	"eventgate/internal/logger"
	"eventgate/pkg/cel"
	"eventgate/pkg/circuitbreaker"
	"eventgate/pkg/metrics"
)

func facebookCheckout(id, userID string) string {
	return fmt.Sprintf(`{"eventId":%q,"timestamp":"2025-03-01T10:00:00Z","source":"facebook","funnelStage":"bottom",
		"eventType":"checkout.complete","data":{
		"user":{"userId":%q,"name":"Ann","age":31.4,"gender":"non-binary","location":{"country":"PL","city":"Krakow"}},
		"engagement":{"adId":"ad1","campaignId":"c1","clickPosition":"center","device":"mobile","browser":"Safari","purchaseAmount":"19.99"}}}`,
		id, userID)
}

func tiktokView(id, userID string) string {
	return fmt.Sprintf(`{"eventId":%q,"timestamp":"2025-03-01T11:00:00Z","source":"tiktok","funnelStage":"top",
		"eventType":"video.view","data":{
		"user":{"userId":%q,"username":"dancer","followers":1200},
		"engagement":{"watchTime":12.5,"percentageWatched":80,"device":"iOS","country":"US","videoId":"v1"}}}`,
		id, userID)
}

func item(t *testing.T, raw string) consumer.Item {
	t.Helper()
	ev, err := events.Validate([]byte(raw))
	require.NoError(t, err)
	return consumer.Item{Event: ev, Message: broker.NewMessage(ev.Subject(), []byte(raw), nil, nil, nil)}
}

type fakeSink struct {
	mu     sync.Mutex
	writes []Rowset
	err    error
}

func (s *fakeSink) Name() string                 { return "fake" }
func (s *fakeSink) Ping(context.Context) error   { return nil }
func (s *fakeSink) Write(_ context.Context, rows Rowset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes = append(s.writes, rows)
	return nil
}

func TestRows_MapsVariants(t *testing.T) {
	fb := item(t, facebookCheckout("evt-1", "u1")).Event
	user, row, err := Rows(fb)
	require.NoError(t, err)

	assert.Equal(t, "facebook:u1", user.ID)
	assert.Equal(t, "u1", user.UserID)
	require.NotNil(t, user.Age)
	assert.Equal(t, int64(31), *user.Age)
	assert.Equal(t, "non-binary", *user.Gender)
	assert.Equal(t, "Krakow", *user.City)
	assert.Nil(t, user.Followers)

	assert.Equal(t, "facebook:u1", row.UserID)
	assert.Equal(t, "checkout.complete", row.EventType)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), row.Timestamp)
	assert.JSONEq(t, `{"adId":"ad1","campaignId":"c1","clickPosition":"center","device":"mobile","browser":"Safari","purchaseAmount":"19.99"}`, string(row.Data))

	tt := item(t, tiktokView("evt-2", "t1")).Event
	user, _, err = Rows(tt)
	require.NoError(t, err)
	assert.Equal(t, "tiktok:t1", user.ID)
	assert.Equal(t, int64(1200), *user.Followers)
	assert.Nil(t, user.Age)
}

func TestBuildRowset_SortsAndCollapsesKeys(t *testing.T) {
	evs := []events.Event{
		item(t, tiktokView("c", "t2")).Event,
		item(t, facebookCheckout("a", "u1")).Event,
		item(t, facebookCheckout("b", "u1")).Event,
		item(t, facebookCheckout("a", "u1")).Event,
	}

	rows, err := buildRowset(evs)
	require.NoError(t, err)

	require.Len(t, rows.Users, 2)
	assert.Equal(t, "facebook:u1", rows.Users[0].ID)
	assert.Equal(t, "tiktok:t2", rows.Users[1].ID)

	ids := make([]string, len(rows.Events))
	for i, e := range rows.Events {
		ids[i] = e.EventID
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestCollector_WritesBatch(t *testing.T) {
	sink := &fakeSink{}
	reg := prometheus.NewRegistry()
	m := metrics.NewSinkMetrics(reg)
	c := New(sink, logger.NopLogger(), m)

	batch := []consumer.Item{
		item(t, facebookCheckout("evt-1", "u1")),
		item(t, tiktokView("evt-2", "t1")),
	}
	require.NoError(t, c.HandleBatch(context.Background(), batch))

	require.Len(t, sink.writes, 1)
	assert.Len(t, sink.writes[0].Events, 2)
	assert.Len(t, sink.writes[0].Users, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Rows.WithLabelValues("fake", "events")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Writes.WithLabelValues("fake", "success")))
}

func TestCollector_SinkErrorFailsBatch(t *testing.T) {
	sink := &fakeSink{err: errors.New("deadlock detected")}
	c := New(sink, logger.NopLogger(), nil)

	err := c.HandleBatch(context.Background(), []consumer.Item{item(t, facebookCheckout("evt-1", "u1"))})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fake sink")
}

func TestCollector_FilterSelectsEvents(t *testing.T) {
	eval, err := cel.NewEvaluator()
	require.NoError(t, err)
	filter, err := eval.CompileFilter(`source == "tiktok" && user.followers > 1000.0`)
	require.NoError(t, err)

	sink := &fakeSink{}
	c := New(sink, logger.NopLogger(), nil, WithFilter(filter))

	batch := []consumer.Item{
		item(t, facebookCheckout("evt-1", "u1")),
		item(t, tiktokView("evt-2", "t1")),
	}
	require.NoError(t, c.HandleBatch(context.Background(), batch))

	require.Len(t, sink.writes, 1)
	require.Len(t, sink.writes[0].Events, 1)
	assert.Equal(t, "evt-2", sink.writes[0].Events[0].EventID)
	require.Len(t, sink.writes[0].Users, 1)
	assert.Equal(t, "tiktok:t1", sink.writes[0].Users[0].ID)
}

func TestCollector_EmptyAfterFilterSkipsSink(t *testing.T) {
	eval, err := cel.NewEvaluator()
	require.NoError(t, err)
	filter, err := eval.CompileFilter(`eventType == "purchase"`)
	require.NoError(t, err)

	sink := &fakeSink{}
	c := New(sink, logger.NopLogger(), nil, WithFilter(filter))

	require.NoError(t, c.HandleBatch(context.Background(), []consumer.Item{item(t, tiktokView("evt-2", "t1"))}))
	assert.Empty(t, sink.writes)
}

func newRedisDedup(t *testing.T, onError string) (*Deduplicator, *miniredis.Miniredis, *metrics.DedupMetrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.NewDedupMetrics(reg)
	return NewDeduplicator(NewRepository(client), time.Hour, onError, logger.NopLogger(), m), mr, m
}

func TestCollector_DeduplicatesAcrossBatches(t *testing.T) {
	dedup, mr, m := newRedisDedup(t, constants.FallbackDeny)
	sink := &fakeSink{}
	c := New(sink, logger.NopLogger(), nil, WithDeduplicator(dedup))

	first := []consumer.Item{item(t, facebookCheckout("evt-1", "u1"))}
	require.NoError(t, c.HandleBatch(context.Background(), first))
	assert.True(t, mr.Exists(constants.CacheKeyPrefixDedup+"facebook:evt-1"))
	assert.True(t, mr.TTL(constants.CacheKeyPrefixDedup+"facebook:evt-1") > 0)

	second := []consumer.Item{
		item(t, facebookCheckout("evt-1", "u1")),
		item(t, tiktokView("evt-2", "t1")),
	}
	require.NoError(t, c.HandleBatch(context.Background(), second))

	require.Len(t, sink.writes, 2)
	require.Len(t, sink.writes[1].Events, 1)
	assert.Equal(t, "evt-2", sink.writes[1].Events[0].EventID)
	require.Len(t, sink.writes[1].Users, 1, "users of skipped events are not rewritten")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues("duplicate")))
}

func TestCollector_FailedWriteIsNotMarkedSeen(t *testing.T) {
	dedup, mr, _ := newRedisDedup(t, constants.FallbackDeny)
	sink := &fakeSink{err: errors.New("connection refused")}
	c := New(sink, logger.NopLogger(), nil, WithDeduplicator(dedup))

	require.Error(t, c.HandleBatch(context.Background(), []consumer.Item{item(t, facebookCheckout("evt-1", "u1"))}))
	assert.False(t, mr.Exists(constants.CacheKeyPrefixDedup+"facebook:evt-1"))
}

func TestDeduplicator_RedisErrorFallback(t *testing.T) {
	rows := []Event{{EventID: "evt-1", Source: "facebook"}}

	t.Run("allow", func(t *testing.T) {
		dedup, mr, m := newRedisDedup(t, constants.FallbackAllow)
		mr.Close()

		out, err := dedup.Unseen(context.Background(), rows)
		require.NoError(t, err)
		assert.Equal(t, rows, out)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.Fallback.WithLabelValues("allow_on_error")))
	})

	t.Run("deny", func(t *testing.T) {
		dedup, mr, _ := newRedisDedup(t, constants.FallbackDeny)
		mr.Close()

		_, err := dedup.Unseen(context.Background(), rows)
		assert.Error(t, err)
	})
}

func TestCircuitBreakerRepository_OpensOnRepeatedFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	repo := NewCircuitBreakerRepository(NewRepository(client), circuitbreaker.NewWrapper(circuitbreaker.DefaultConfig("redis-dedup")))

	for i := 0; i < 3; i++ {
		_, err := repo.Exists(context.Background(), []string{"k"})
		require.Error(t, err)
	}
	assert.Equal(t, "open", repo.State())

	_, err := repo.Exists(context.Background(), []string{"k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open for redis-dedup")
}
