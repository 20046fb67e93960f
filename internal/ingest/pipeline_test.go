package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventgate/internal/logger"
	"eventgate/internal/outbox"
	apperrors "eventgate/pkg/errors"
	"eventgate/pkg/metrics"
)

type fakeStore struct {
	mu       sync.Mutex
	batches  [][]outbox.NewRecord
	seen     map[string]bool
	inFlight atomic.Int32
	overlap  atomic.Bool
	delay    time.Duration
	err      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{seen: make(map[string]bool)}
}

func (s *fakeStore) InsertBatch(_ context.Context, records []outbox.NewRecord) (int, error) {
	if s.inFlight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.inFlight.Add(-1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return 0, s.err
	}
	for _, r := range records {
		if !utf8.Valid(r.Payload) {
			return 0, errors.New("invalid byte sequence for encoding \"UTF8\"")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, r := range records {
		if r.EventID != "" && s.seen[r.EventID] {
			continue
		}
		if r.EventID != "" {
			s.seen[r.EventID] = true
		}
		inserted++
	}
	s.batches = append(s.batches, records)
	return inserted, nil
}

func (s *fakeStore) Ping(context.Context) error                 { return nil }
func (s *fakeStore) PendingCount(context.Context) (int64, error) { return 0, nil }

func (s *fakeStore) all() []outbox.NewRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.NewRecord
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func (s *fakeStore) batchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sizes := make([]int, len(s.batches))
	for i, b := range s.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func validEvent(id string) string {
	return fmt.Sprintf(`{"eventId":%q,"timestamp":"2025-03-01T10:00:00Z","source":"tiktok","funnelStage":"top","eventType":"like",
		"data":{"user":{"userId":"t1","username":"dancer","followers":10},
		"engagement":{"watchTime":3,"percentageWatched":50,"device":"Android","country":"US","videoId":"v1"}}}`, id)
}

const invalidEvent = `{"eventId":"bad","timestamp":"2025-03-01T10:00:00Z","source":"tiktok","funnelStage":"top","eventType":"purchase","data":{}}`

func eventArray(n int, prefix string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = validEvent(fmt.Sprintf("%s-%d", prefix, i))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

type testMetrics struct {
	outbox *metrics.OutboxMetrics
	ingest *metrics.IngestMetrics
}

func newTestPipeline(store outbox.Store, cfg Config) (*Pipeline, testMetrics) {
	reg := prometheus.NewRegistry()
	m := testMetrics{
		outbox: metrics.NewOutboxMetrics(reg, "gateway"),
		ingest: metrics.NewIngestMetrics(reg),
	}
	return NewPipeline(store, cfg, logger.NopLogger(), m.outbox, m.ingest), m
}

func TestProcess_FlushesInArrivalOrderWithoutOverlap(t *testing.T) {
	store := newFakeStore()
	store.delay = 5 * time.Millisecond
	p, m := newTestPipeline(store, Config{BatchSize: 500, Workers: 4})

	summary, err := p.Process(context.Background(), strings.NewReader(eventArray(1200, "e")), "req-1")
	require.NoError(t, err)

	assert.Equal(t, 1200, summary.Received)
	assert.Equal(t, 1200, summary.Accepted)
	assert.Equal(t, 3, summary.Batches)
	assert.Equal(t, []int{500, 500, 200}, store.batchSizes())
	assert.False(t, store.overlap.Load(), "a flush started before the previous one finished")

	all := store.all()
	for i, r := range all {
		assert.Equal(t, fmt.Sprintf("e-%d", i), r.EventID)
		assert.Equal(t, "req-1", r.RequestID)
		assert.Equal(t, outbox.StatusPending, r.Status)
	}

	assert.Equal(t, 1200.0, testutil.ToFloat64(m.outbox.Accepted))
	assert.Equal(t, 1200.0, testutil.ToFloat64(m.outbox.Processed))
}

func TestProcess_InvalidEventsAreRecordedAsFailed(t *testing.T) {
	store := newFakeStore()
	p, m := newTestPipeline(store, Config{})

	body := "[" + validEvent("ok-1") + "," + invalidEvent + "," + validEvent("ok-2") + "]"
	summary, err := p.Process(context.Background(), strings.NewReader(body), "req-2")
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Received)
	assert.Equal(t, 2, summary.Accepted)
	assert.Equal(t, 1, summary.Rejected)

	all := store.all()
	require.Len(t, all, 3)
	assert.Equal(t, outbox.StatusPending, all[0].Status)
	assert.Equal(t, outbox.StatusFailed, all[1].Status)
	assert.Empty(t, all[1].EventID)
	assert.Contains(t, all[1].LastError, "VALIDATION_ERROR")
	assert.Equal(t, outbox.StatusPending, all[2].Status)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.outbox.Accepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outbox.Failed))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.outbox.Processed))
}

func TestProcess_UnstorableTextIsRejectedNotFatal(t *testing.T) {
	store := newFakeStore()
	p, _ := newTestPipeline(store, Config{})

	nul := strings.Replace(validEvent("nul"), `"videoId":"v1"`, `"videoId":"v\u0000"`, 1)
	badUTF8 := strings.Replace(validEvent("utf"), `"videoId":"v1"`, "\"videoId\":\"v\xff\"", 1)
	require.NotEqual(t, validEvent("nul"), nul)
	require.NotEqual(t, validEvent("utf"), badUTF8)

	body := "[" + validEvent("ok-1") + "," + nul + "," + badUTF8 + "," + validEvent("ok-2") + "]"
	summary, err := p.Process(context.Background(), strings.NewReader(body), "req-3")
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Accepted)
	assert.Equal(t, 2, summary.Rejected)

	all := store.all()
	require.Len(t, all, 4)
	assert.Equal(t, "ok-1", all[0].EventID)
	assert.Equal(t, outbox.StatusFailed, all[1].Status)
	assert.Contains(t, string(all[1].Payload), `\u0000`)
	assert.Equal(t, outbox.StatusFailed, all[2].Status)
	assert.True(t, utf8.Valid(all[2].Payload))
	assert.Equal(t, "ok-2", all[3].EventID)
}

func TestProcess_CountsDuplicates(t *testing.T) {
	store := newFakeStore()
	p, _ := newTestPipeline(store, Config{})

	body := "[" + validEvent("dup") + "," + validEvent("dup") + "]"
	summary, err := p.Process(context.Background(), strings.NewReader(body), "req")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Duplicates)
}

func TestProcess_EmptyArray(t *testing.T) {
	store := newFakeStore()
	p, _ := newTestPipeline(store, Config{})

	summary, err := p.Process(context.Background(), strings.NewReader(" [ ] "), "req")
	require.NoError(t, err)
	assert.Zero(t, summary.Received)
	assert.Empty(t, store.batchSizes())
}

func TestProcess_StreamErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not an array", body: `{"eventId":"x"}`},
		{name: "empty body", body: ``},
		{name: "truncated element", body: `[` + validEvent("a") + `, {"eventId": `},
		{name: "missing closing bracket", body: `[` + validEvent("a")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPipeline(newFakeStore(), Config{})
			_, err := p.Process(context.Background(), strings.NewReader(tt.body), "req")
			require.Error(t, err)
			assert.True(t, apperrors.IsSerialization(err))
		})
	}
}

func TestProcess_ParseErrorKeepsFlushedBatches(t *testing.T) {
	store := newFakeStore()
	p, _ := newTestPipeline(store, Config{BatchSize: 500})

	full := eventArray(600, "p")
	body := full[:len(full)-1] + `, {"broken"`

	_, err := p.Process(context.Background(), strings.NewReader(body), "req")
	require.Error(t, err)
	assert.Equal(t, []int{500}, store.batchSizes())
}

func TestProcess_StoreFailure(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("connection reset by peer")
	p, m := newTestPipeline(store, Config{})

	_, err := p.Process(context.Background(), strings.NewReader(eventArray(3, "s")), "req")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.outbox.Failed))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.outbox.Accepted))
}

func TestConfig_BatchSizeDefaults(t *testing.T) {
	assert.Equal(t, 8000, Config{}.withDefaults().BatchSize)
	assert.Equal(t, 8000, Config{BatchSize: -1}.withDefaults().BatchSize)
	assert.Equal(t, 10, Config{BatchSize: 10}.withDefaults().BatchSize)
	assert.Equal(t, 100000, Config{BatchSize: 100000}.withDefaults().BatchSize)
}

func TestProcess_HonoursAnyPositiveBatchSize(t *testing.T) {
	tests := []struct {
		name      string
		batchSize int
		events    int
		want      []int
	}{
		{name: "small batches", batchSize: 2, events: 5, want: []int{2, 2, 1}},
		{name: "single event batches", batchSize: 1, events: 3, want: []int{1, 1, 1}},
		{name: "larger than the request", batchSize: 10000, events: 9001, want: []int{9001}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			p, _ := newTestPipeline(store, Config{BatchSize: tt.batchSize, Workers: 2})

			summary, err := p.Process(context.Background(), strings.NewReader(eventArray(tt.events, "b")), "req")
			require.NoError(t, err)
			assert.Equal(t, tt.events, summary.Accepted)
			assert.Equal(t, len(tt.want), summary.Batches)
			assert.Equal(t, tt.want, store.batchSizes())
		})
	}
}

func TestDrain_WaitsForInFlightAndRejectsNew(t *testing.T) {
	p, _ := newTestPipeline(newFakeStore(), Config{})

	release, err := p.Begin()
	require.NoError(t, err)

	drained := make(chan error, 1)
	go func() { drained <- p.Drain(context.Background()) }()

	require.Eventually(t, p.Draining, time.Second, time.Millisecond)
	_, err = p.Begin()
	assert.ErrorIs(t, err, ErrShuttingDown)

	select {
	case <-drained:
		t.Fatal("drain returned while a request was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	release()
	release()
	require.NoError(t, <-drained)
}

func TestDrain_BoundedByContext(t *testing.T) {
	p, _ := newTestPipeline(newFakeStore(), Config{})
	_, err := p.Begin()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Drain(ctx), context.DeadlineExceeded)
}
