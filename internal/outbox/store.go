package outbox

import (
	"context"
)

// Store is the write side of the outbox used at accept time, plus the
// probes and maintenance queries the services expose.
type Store interface {
	// InsertBatch writes all records atomically. Records whose EventID is
	// already present are skipped; the number of rows written is returned.
	InsertBatch(ctx context.Context, records []NewRecord) (int, error)
	Ping(ctx context.Context) error
	PendingCount(ctx context.Context) (int64, error)
}

// Claimer hands out batches of dispatchable records. Two claimers running
// concurrently never hand out the same record.
type Claimer interface {
	Claim(ctx context.Context, limit int) (Batch, error)
}

// Batch is a claimed set of records. Exactly one of Reconcile or Release
// must be called.
type Batch interface {
	Records() []Record
	// Reconcile applies the outcome of a cycle in one transaction.
	Reconcile(ctx context.Context, r Reconciliation) error
	// Release gives the claim back without changing any record.
	Release(ctx context.Context) error
}
