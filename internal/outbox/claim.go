package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"eventgate/internal/constants"
)

// ClaimOptions select and tune a claim strategy.
type ClaimOptions struct {
	Strategy  string
	Lease     time.Duration
	OnSuccess string
}

// NewClaimer returns the claim strategy named by opts.Strategy.
func NewClaimer(db *sql.DB, opts ClaimOptions) (Claimer, error) {
	if opts.OnSuccess == "" {
		opts.OnSuccess = constants.OnSuccessDelete
	}

	switch opts.Strategy {
	case constants.ClaimStrategySkipLocked, "":
		return &lockingClaimer{db: db, onSuccess: opts.OnSuccess}, nil
	case constants.ClaimStrategyStatus:
		lease := opts.Lease
		if lease <= 0 {
			lease = constants.DefaultClaimLease
		}
		return &statusClaimer{db: db, onSuccess: opts.OnSuccess, lease: lease}, nil
	default:
		return nil, fmt.Errorf("unknown claim strategy %q", opts.Strategy)
	}
}

// lockingClaimer holds row locks in an open transaction for the whole cycle.
type lockingClaimer struct {
	db        *sql.DB
	onSuccess string
}

func (c *lockingClaimer) Claim(ctx context.Context, limit int) (Batch, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM outbox_events
		WHERE status = 'PENDING'
		ORDER BY created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to claim outbox records: %w", err)
	}

	records, err := scanRecords(rows)
	rows.Close()
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	return &lockedBatch{tx: tx, records: records, onSuccess: c.onSuccess}, nil
}

type lockedBatch struct {
	tx        *sql.Tx
	records   []Record
	onSuccess string
}

func (b *lockedBatch) Records() []Record {
	return b.records
}

func (b *lockedBatch) Reconcile(ctx context.Context, r Reconciliation) error {
	if err := applyReconciliation(ctx, b.tx, b.onSuccess, StatusPending, r); err != nil {
		return errors.Join(err, b.rollback())
	}
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit outbox reconciliation: %w", err)
	}
	return nil
}

func (b *lockedBatch) Release(context.Context) error {
	return b.rollback()
}

func (b *lockedBatch) rollback() error {
	err := b.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// statusClaimer marks rows PROCESSING in a short transaction. Rows left in
// PROCESSING past the lease are claimable again.
type statusClaimer struct {
	db        *sql.DB
	onSuccess string
	lease     time.Duration
}

func (c *statusClaimer) Claim(ctx context.Context, limit int) (Batch, error) {
	rows, err := c.db.QueryContext(ctx, `
		UPDATE outbox_events
		SET status = 'PROCESSING', claimed_at = now()
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = 'PENDING'
				OR (status = 'PROCESSING' AND claimed_at < now() - make_interval(secs => $2))
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+recordColumns,
		limit, c.lease.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox records: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subquery order.
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	return &statusBatch{db: c.db, records: records, onSuccess: c.onSuccess}, nil
}

type statusBatch struct {
	db        *sql.DB
	records   []Record
	onSuccess string
}

func (b *statusBatch) Records() []Record {
	return b.records
}

func (b *statusBatch) Reconcile(ctx context.Context, r Reconciliation) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reconciliation transaction: %w", err)
	}

	if err := applyReconciliation(ctx, tx, b.onSuccess, StatusProcessing, r); err != nil {
		_ = tx.Rollback()
		return err
	}

	if leftover := b.unreconciled(r); len(leftover) > 0 {
		if err := resetToPending(ctx, tx, leftover); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit outbox reconciliation: %w", err)
	}
	return nil
}

func (b *statusBatch) Release(ctx context.Context) error {
	if len(b.records) == 0 {
		return nil
	}
	ids := make([]int64, len(b.records))
	for i, rec := range b.records {
		ids[i] = rec.ID
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin release transaction: %w", err)
	}
	if err := resetToPending(ctx, tx, ids); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (b *statusBatch) unreconciled(r Reconciliation) []int64 {
	seen := make(map[int64]struct{}, len(r.Succeeded)+len(r.Failed))
	for _, id := range r.Succeeded {
		seen[id] = struct{}{}
	}
	for _, f := range r.Failed {
		seen[f.ID] = struct{}{}
	}

	var out []int64
	for _, rec := range b.records {
		if _, ok := seen[rec.ID]; !ok {
			out = append(out, rec.ID)
		}
	}
	return out
}

func resetToPending(ctx context.Context, tx *sql.Tx, ids []int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE outbox_events SET status = 'PENDING', claimed_at = NULL WHERE id = ANY($1) AND status = 'PROCESSING'`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("failed to release outbox claims: %w", err)
	}
	return nil
}
