package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Claimer with the locking semantics of the
// skip-locked strategy.
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*Record
	locked  map[int64]bool
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[int64]*Record),
		locked:  make(map[int64]bool),
	}
}

func (s *memStore) add(payload, requestID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.records[s.nextID] = &Record{
		ID:        s.nextID,
		Payload:   []byte(payload),
		Status:    StatusPending,
		RequestID: requestID,
		CreatedAt: time.Now(),
	}
	return s.nextID
}

func (s *memStore) get(id int64) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

func (s *memStore) Claim(_ context.Context, limit int) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.records))
	for id, r := range s.records {
		if r.Status == StatusPending && !s.locked[id] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}

	records := make([]Record, len(ids))
	for i, id := range ids {
		s.locked[id] = true
		records[i] = *s.records[id]
	}
	return &memBatch{store: s, records: records}, nil
}

func (s *memStore) PendingCount(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.records {
		if r.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

type memBatch struct {
	store   *memStore
	records []Record
}

func (b *memBatch) Records() []Record { return b.records }

func (b *memBatch) Reconcile(_ context.Context, r Reconciliation) error {
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range r.Succeeded {
		delete(s.records, id)
	}
	for _, f := range r.Failed {
		rec := s.records[f.ID]
		rec.RetryCount = f.RetryCount
		rec.LastError = f.LastError
		rec.Status = f.status()
	}
	b.unlock()
	return nil
}

func (b *memBatch) Release(context.Context) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	b.unlock()
	return nil
}

func (b *memBatch) unlock() {
	for _, r := range b.records {
		delete(b.store.locked, r.ID)
	}
}

type publishCall struct {
	subject string
	data    []byte
	headers map[string]string
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
	fn    func(ctx context.Context, subject string) error
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	if p.fn != nil {
		if err := p.fn(ctx, subject); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{subject: subject, data: data, headers: headers})
	return nil
}

func (p *fakePublisher) published() []publishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishCall, len(p.calls))
	copy(out, p.calls)
	return out
}
