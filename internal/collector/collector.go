package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"eventgate/internal/consumer"
	"eventgate/internal/events"
	"eventgate/internal/logger"
	"eventgate/pkg/cel"
	"eventgate/pkg/metrics"
	"eventgate/pkg/tracing"
)

// Collector is the consumer handler that writes batches to a sink. The
// filter and the deduplicator are optional.
type Collector struct {
	sink    Sink
	filter  *cel.Filter
	dedup   *Deduplicator
	logger  logger.Logger
	metrics *metrics.SinkMetrics
}

type Option func(*Collector)

func WithFilter(f *cel.Filter) Option {
	return func(c *Collector) { c.filter = f }
}

func WithDeduplicator(d *Deduplicator) Option {
	return func(c *Collector) { c.dedup = d }
}

func New(sink Sink, log logger.Logger, m *metrics.SinkMetrics, opts ...Option) *Collector {
	c := &Collector{sink: sink, logger: log, metrics: m}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Collector) HandleBatch(ctx context.Context, batch []consumer.Item) error {
	ctx, span := tracing.StartSpan(ctx, "collector.handle_batch")
	defer span.End()

	evs := c.selected(ctx, batch)

	rows, err := buildRowset(evs)
	if err != nil {
		return err
	}

	if c.dedup != nil {
		unseen, err := c.dedup.Unseen(ctx, rows.Events)
		if err != nil {
			return err
		}
		rows = rows.withEvents(unseen)
	}

	if rows.Empty() {
		c.logger.DebugwCtx(ctx, "Nothing to persist", "batch_size", len(batch))
		return nil
	}

	start := time.Now()
	if err := c.sink.Write(ctx, rows); err != nil {
		c.observe("error", time.Since(start))
		span.RecordError(err)
		return fmt.Errorf("%s sink: %w", c.sink.Name(), err)
	}
	c.observe("success", time.Since(start))
	if c.metrics != nil {
		c.metrics.Rows.WithLabelValues(c.sink.Name(), "users").Add(float64(len(rows.Users)))
		c.metrics.Rows.WithLabelValues(c.sink.Name(), "events").Add(float64(len(rows.Events)))
	}

	if c.dedup != nil {
		c.dedup.MarkSeen(ctx, rows.Events)
	}

	c.logger.InfowCtx(ctx, "Batch persisted",
		"sink", c.sink.Name(),
		"batch_size", len(batch),
		"events", len(rows.Events),
		"users", len(rows.Users),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// selected returns the events passing the filter. An event the expression
// cannot be evaluated against is skipped.
func (c *Collector) selected(ctx context.Context, batch []consumer.Item) []events.Event {
	out := make([]events.Event, 0, len(batch))
	for _, item := range batch {
		if c.filter == nil {
			out = append(out, item.Event)
			continue
		}

		ok, err := c.filter.Match(ctx, filterInput(item))
		if err != nil {
			c.logger.DebugwCtx(ctx, "Filter evaluation failed, skipping event",
				"event_id", item.Event.EventID,
				"error", err,
			)
			continue
		}
		if ok {
			out = append(out, item.Event)
		}
	}
	return out
}

func filterInput(item consumer.Item) cel.Input {
	in := cel.Input{
		EventID:     item.Event.EventID,
		Source:      string(item.Event.Source),
		FunnelStage: string(item.Event.FunnelStage),
		EventType:   item.Event.EventType,
		Timestamp:   item.Event.Timestamp,
	}
	if raw, err := events.Parse(item.Message.Data); err == nil && raw.Data != nil {
		_ = json.Unmarshal(raw.Data.User, &in.User)
		_ = json.Unmarshal(raw.Data.Engagement, &in.Engagement)
	}
	return in
}

func (c *Collector) observe(status string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.ObserveWrite(c.sink.Name(), status, d)
	}
}

// withEvents narrows the rowset to rows and the users they reference.
func (r Rowset) withEvents(rows []Event) Rowset {
	referenced := make(map[string]bool, len(rows))
	for _, e := range rows {
		referenced[e.UserID] = true
	}
	users := make([]User, 0, len(referenced))
	for _, u := range r.Users {
		if referenced[u.ID] {
			users = append(users, u)
		}
	}
	return Rowset{Users: users, Events: rows}
}
