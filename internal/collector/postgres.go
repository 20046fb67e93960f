package collector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Sink stores a rowset. Writing the same rowset twice must leave the store
// unchanged.
type Sink interface {
	Name() string
	Write(ctx context.Context, rows Rowset) error
	Ping(ctx context.Context) error
}

type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Name() string {
	return "postgres"
}

func (s *PostgresSink) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const upsertUsersQuery = `
	INSERT INTO users (id, user_id, source, name, age, gender, country, city, username, followers)
	SELECT * FROM unnest(
		$1::text[], $2::text[], $3::text[], $4::text[], $5::bigint[],
		$6::text[], $7::text[], $8::text[], $9::text[], $10::bigint[]
	)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		age = EXCLUDED.age,
		gender = EXCLUDED.gender,
		country = EXCLUDED.country,
		city = EXCLUDED.city,
		username = EXCLUDED.username,
		followers = EXCLUDED.followers,
		updated_at = now()`

const insertEventsQuery = `
	INSERT INTO events (event_id, user_id, source, funnel_stage, event_type, "timestamp", data)
	SELECT e.event_id, e.user_id, e.source, e.funnel_stage, e.event_type, e.ts::timestamptz, e.data::jsonb
	FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[], $7::text[])
		AS e(event_id, user_id, source, funnel_stage, event_type, ts, data)
	ON CONFLICT (event_id) DO NOTHING`

// Write upserts users then inserts events in one transaction.
func (s *PostgresSink) Write(ctx context.Context, rows Rowset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertUsers(ctx, tx, rows.Users); err != nil {
		return err
	}
	if err := insertEvents(ctx, tx, rows.Events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit collector batch: %w", err)
	}
	return nil
}

func upsertUsers(ctx context.Context, tx *sql.Tx, users []User) error {
	if len(users) == 0 {
		return nil
	}

	n := len(users)
	ids, userIDs, sources := make([]string, n), make([]string, n), make([]string, n)
	names, genders, countries, cities, usernames := make([]sql.NullString, n), make([]sql.NullString, n),
		make([]sql.NullString, n), make([]sql.NullString, n), make([]sql.NullString, n)
	ages, followers := make([]sql.NullInt64, n), make([]sql.NullInt64, n)

	for i, u := range users {
		ids[i], userIDs[i], sources[i] = u.ID, u.UserID, u.Source
		names[i] = nullString(u.Name)
		genders[i] = nullString(u.Gender)
		countries[i] = nullString(u.Country)
		cities[i] = nullString(u.City)
		usernames[i] = nullString(u.Username)
		ages[i] = nullInt(u.Age)
		followers[i] = nullInt(u.Followers)
	}

	_, err := tx.ExecContext(ctx, upsertUsersQuery,
		pq.Array(ids), pq.Array(userIDs), pq.Array(sources), pq.Array(names), pq.Array(ages),
		pq.Array(genders), pq.Array(countries), pq.Array(cities), pq.Array(usernames), pq.Array(followers),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %d users: %w", n, err)
	}
	return nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, rows []Event) error {
	if len(rows) == 0 {
		return nil
	}

	n := len(rows)
	ids, userIDs, sources, stages, types, timestamps, data := make([]string, n), make([]string, n),
		make([]string, n), make([]string, n), make([]string, n), make([]string, n), make([]string, n)

	for i, e := range rows {
		ids[i], userIDs[i], sources[i] = e.EventID, e.UserID, e.Source
		stages[i], types[i] = e.FunnelStage, e.EventType
		timestamps[i] = e.Timestamp.Format(time.RFC3339Nano)
		data[i] = string(e.Data)
	}

	_, err := tx.ExecContext(ctx, insertEventsQuery,
		pq.Array(ids), pq.Array(userIDs), pq.Array(sources), pq.Array(stages),
		pq.Array(types), pq.Array(timestamps), pq.Array(data),
	)
	if err != nil {
		return fmt.Errorf("failed to insert %d events: %w", n, err)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
