package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"eventgate/internal/constants"
)

const recordColumns = `id, event_id, payload, status, retry_count, last_error, request_id, created_at, claimed_at, sent_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InsertBatch(ctx context.Context, records []NewRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	eventIDs := make([]string, len(records))
	payloads := make([]string, len(records))
	statuses := make([]string, len(records))
	lastErrors := make([]string, len(records))
	requestIDs := make([]string, len(records))

	for i, r := range records {
		status := r.Status
		if status == "" {
			status = StatusPending
		}
		eventIDs[i] = r.EventID
		payloads[i] = string(r.Payload)
		statuses[i] = string(status)
		lastErrors[i] = truncateError(r.LastError, constants.MaxLastErrorLength)
		requestIDs[i] = r.RequestID
	}

	query := `
		INSERT INTO outbox_events (event_id, payload, status, last_error, request_id)
		SELECT NULLIF(e.event_id, ''), e.payload, e.status, NULLIF(e.last_error, ''), NULLIF(e.request_id, '')
		FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[])
			AS e(event_id, payload, status, last_error, request_id)
		ON CONFLICT (event_id) DO NOTHING
	`

	res, err := s.db.ExecContext(ctx, query,
		pq.Array(eventIDs),
		pq.Array(payloads),
		pq.Array(statuses),
		pq.Array(lastErrors),
		pq.Array(requestIDs),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert outbox batch: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted row count: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("outbox store ping failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM outbox_events WHERE status IN ('PENDING', 'PROCESSING')`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending outbox records: %w", err)
	}
	return n, nil
}

// ListFailed returns dead-lettered records, newest first.
func (s *PostgresStore) ListFailed(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM outbox_events WHERE status = 'FAILED' ORDER BY created_at DESC, id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed outbox records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// RequeueFailed moves dead-lettered records back to PENDING with a fresh
// retry budget. An empty id set requeues every FAILED record.
func (s *PostgresStore) RequeueFailed(ctx context.Context, ids []int64) (int64, error) {
	query := `UPDATE outbox_events SET status = 'PENDING', retry_count = 0, claimed_at = NULL WHERE status = 'FAILED'`
	args := []interface{}{}
	if len(ids) > 0 {
		query += ` AND id = ANY($1)`
		args = append(args, pq.Array(ids))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue failed outbox records: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanRecords(rows rowScanner) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var (
			r         Record
			eventID   sql.NullString
			lastError sql.NullString
			requestID sql.NullString
			status    string
			claimedAt sql.NullTime
			sentAt    sql.NullTime
		)
		if err := rows.Scan(&r.ID, &eventID, &r.Payload, &status, &r.RetryCount,
			&lastError, &requestID, &r.CreatedAt, &claimedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox record: %w", err)
		}
		r.EventID = eventID.String
		r.LastError = lastError.String
		r.RequestID = requestID.String
		r.Status = Status(status)
		if claimedAt.Valid {
			t := claimedAt.Time
			r.ClaimedAt = &t
		}
		if sentAt.Valid {
			t := sentAt.Time
			r.SentAt = &t
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox records: %w", err)
	}
	return records, nil
}

// applyReconciliation writes one cycle's outcome inside tx. The guard
// restricts updates to rows still held by this claim.
func applyReconciliation(ctx context.Context, tx *sql.Tx, onSuccess string, guard Status, r Reconciliation) error {
	if len(r.Succeeded) > 0 {
		var err error
		switch onSuccess {
		case constants.OnSuccessMarkSent:
			_, err = tx.ExecContext(ctx,
				`UPDATE outbox_events SET status = 'SENT', sent_at = $2, claimed_at = NULL WHERE id = ANY($1) AND status = $3`,
				pq.Array(r.Succeeded), time.Now().UTC(), string(guard))
		default:
			_, err = tx.ExecContext(ctx,
				`DELETE FROM outbox_events WHERE id = ANY($1) AND status = $2`,
				pq.Array(r.Succeeded), string(guard))
		}
		if err != nil {
			return fmt.Errorf("failed to finalize sent outbox records: %w", err)
		}
	}

	if len(r.Failed) > 0 {
		ids := make([]int64, len(r.Failed))
		retries := make([]int64, len(r.Failed))
		statuses := make([]string, len(r.Failed))
		lastErrors := make([]string, len(r.Failed))
		for i, f := range r.Failed {
			ids[i] = f.ID
			retries[i] = int64(f.RetryCount)
			statuses[i] = string(f.status())
			lastErrors[i] = truncateError(f.LastError, constants.MaxLastErrorLength)
		}

		query := `
			UPDATE outbox_events AS o
			SET status = f.status, retry_count = f.retry_count, last_error = f.last_error, claimed_at = NULL
			FROM unnest($1::bigint[], $2::int[], $3::text[], $4::text[]) AS f(id, retry_count, status, last_error)
			WHERE o.id = f.id AND o.status = $5
		`
		if _, err := tx.ExecContext(ctx, query,
			pq.Array(ids), pq.Array(retries), pq.Array(statuses), pq.Array(lastErrors), string(guard),
		); err != nil {
			return fmt.Errorf("failed to record outbox failures: %w", err)
		}
	}

	return nil
}
