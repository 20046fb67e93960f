package reports

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"eventgate/internal/events"
)

type Repository interface {
	Events(ctx context.Context, f EventsFilter) (EventsReport, error)
	Revenue(ctx context.Context, f RangeFilter) (RevenueReport, error)
	FacebookDemographics(ctx context.Context, f RangeFilter) (DemographicsReport, error)
	TiktokDemographics(ctx context.Context, f RangeFilter) (DemographicsReport, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// where accumulates AND-ed predicates with positional arguments.
type where struct {
	clauses []string
	args    []interface{}
}

func (w *where) add(clause string, arg interface{}) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(w.args))))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func eventsWhere(f EventsFilter) *where {
	w := &where{}
	if f.Source != "" {
		w.add("source = ?", f.Source)
	}
	if f.FunnelStage != "" {
		w.add("funnel_stage = ?", f.FunnelStage)
	}
	if f.EventType != "" {
		w.add("event_type = ?", f.EventType)
	}
	if f.From != nil {
		w.add(`"timestamp" >= ?`, *f.From)
	}
	if f.To != nil {
		w.add(`"timestamp" <= ?`, *f.To)
	}
	return w
}

func (r *PostgresRepository) Events(ctx context.Context, f EventsFilter) (EventsReport, error) {
	w := eventsWhere(f)
	report := EventsReport{}

	if err := r.db.QueryRowContext(ctx, "SELECT count(*) FROM events"+w.String(), w.args...).Scan(&report.TotalEvents); err != nil {
		return EventsReport{}, fmt.Errorf("failed to count events: %w", err)
	}

	var err error
	report.ByEventType, err = r.countBy(ctx, "SELECT event_type, count(*) FROM events"+w.String()+" GROUP BY event_type", w.args)
	if err != nil {
		return EventsReport{}, fmt.Errorf("failed to group events by type: %w", err)
	}
	report.BySource, err = r.countBy(ctx, "SELECT source, count(*) FROM events"+w.String()+" GROUP BY source", w.args)
	if err != nil {
		return EventsReport{}, fmt.Errorf("failed to group events by source: %w", err)
	}
	return report, nil
}

// Revenue sums purchaseAmount over revenue events. Amounts that are not
// plain decimals are ignored.
func (r *PostgresRepository) Revenue(ctx context.Context, f RangeFilter) (RevenueReport, error) {
	const query = `
		SELECT COALESCE(SUM((data->>'purchaseAmount')::numeric), 0)::float8
		FROM events
		WHERE event_type = ANY($1)
			AND "timestamp" BETWEEN $2 AND $3
			AND source = $4
			AND data->>'purchaseAmount' ~ '^[0-9]+(\.[0-9]+)?$'`

	var report RevenueReport
	err := r.db.QueryRowContext(ctx, query, pq.Array(events.PurchaseEventTypes), f.From, f.To, string(f.Source)).
		Scan(&report.TotalRevenue)
	if err != nil {
		return RevenueReport{}, fmt.Errorf("failed to sum revenue: %w", err)
	}
	return report, nil
}

// activeUsers selects users of a source with at least one event in range.
const activeUsers = `
	FROM users u
	WHERE u.source = $1
		AND EXISTS (
			SELECT 1 FROM events e
			WHERE e.user_id = u.id AND e."timestamp" BETWEEN $2 AND $3
		)`

func (r *PostgresRepository) FacebookDemographics(ctx context.Context, f RangeFilter) (DemographicsReport, error) {
	args := []interface{}{string(f.Source), f.From, f.To}
	report := DemographicsReport{Source: string(f.Source)}

	if err := r.db.QueryRowContext(ctx, "SELECT count(*)"+activeUsers, args...).Scan(&report.TotalUsers); err != nil {
		return DemographicsReport{}, fmt.Errorf("failed to count users: %w", err)
	}

	groups := []struct {
		column string
		dst    *map[string]int64
	}{
		{"gender", &report.ByGender},
		{"age", &report.ByAge},
		{"country", &report.ByCountry},
		{"city", &report.ByCity},
	}
	for _, g := range groups {
		query := fmt.Sprintf("SELECT COALESCE(u.%[1]s::text, 'unknown'), count(*)%[2]s GROUP BY u.%[1]s", g.column, activeUsers)
		counts, err := r.countBy(ctx, query, args)
		if err != nil {
			return DemographicsReport{}, fmt.Errorf("failed to group users by %s: %w", g.column, err)
		}
		*g.dst = counts
	}
	return report, nil
}

func (r *PostgresRepository) TiktokDemographics(ctx context.Context, f RangeFilter) (DemographicsReport, error) {
	report := DemographicsReport{Source: string(f.Source)}
	var avg, minF, maxF float64

	err := r.db.QueryRowContext(ctx, `
		SELECT count(*),
			COALESCE(avg(u.followers), 0)::float8,
			COALESCE(min(u.followers), 0)::float8,
			COALESCE(max(u.followers), 0)::float8`+activeUsers,
		string(f.Source), f.From, f.To,
	).Scan(&report.TotalUsers, &avg, &minF, &maxF)
	if err != nil {
		return DemographicsReport{}, fmt.Errorf("failed to aggregate followers: %w", err)
	}

	report.AvgFollowers, report.MinFollowers, report.MaxFollowers = &avg, &minF, &maxF
	return report, nil
}

func (r *PostgresRepository) countBy(ctx context.Context, query string, args []interface{}) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			key   string
			count int64
		)
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		counts[key] = count
	}
	return counts, rows.Err()
}
