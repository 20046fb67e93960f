package outbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"eventgate/internal/constants"
	"eventgate/internal/events"
	"eventgate/internal/logger"
	apperrors "eventgate/pkg/errors"
	"eventgate/pkg/logging"
	"eventgate/pkg/metrics"
	"eventgate/pkg/tracing"
)

var ErrDispatcherRunning = errors.New("outbox: dispatcher already running")

// Publisher delivers one message to the broker. It must honor ctx.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
}

// PendingCounter is implemented by stores that can report their backlog.
type PendingCounter interface {
	PendingCount(ctx context.Context) (int64, error)
}

type DispatcherConfig struct {
	BatchSize          int
	MaxRetries         int
	PollInterval       time.Duration
	PublishTimeout     time.Duration
	PublishConcurrency int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = constants.DefaultOutboxBatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = constants.DefaultOutboxMaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = constants.DefaultOutboxPollInterval
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = constants.DefaultPublishTimeout
	}
	if c.PublishConcurrency <= 0 {
		c.PublishConcurrency = c.BatchSize
	}
	return c
}

// CycleResult summarizes one claim-publish-reconcile cycle.
type CycleResult struct {
	Claimed      int
	Succeeded    int
	Failed       int
	DeadLettered int
}

// Dispatcher relays claimed outbox records to the broker.
type Dispatcher struct {
	claimer   Claimer
	publisher Publisher
	pending   PendingCounter
	cfg       DispatcherConfig
	logger    logger.Logger
	metrics   *metrics.OutboxMetrics

	running  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewDispatcher wires a dispatcher. pending may be nil.
func NewDispatcher(
	claimer Claimer,
	publisher Publisher,
	pending PendingCounter,
	cfg DispatcherConfig,
	log logger.Logger,
	m *metrics.OutboxMetrics,
) *Dispatcher {
	return &Dispatcher{
		claimer:   claimer,
		publisher: publisher,
		pending:   pending,
		cfg:       cfg.withDefaults(),
		logger:    log,
		metrics:   m,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run processes batches until ctx is done or Stop is called. A cycle that
// has started always runs to completion.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrDispatcherRunning
	}
	defer close(d.done)

	d.logger.Infow("Outbox dispatcher started",
		"batch_size", d.cfg.BatchSize,
		"max_retries", d.cfg.MaxRetries,
		"poll_interval", d.cfg.PollInterval,
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.running.Store(false)
			d.logger.Infow("Outbox dispatcher stopped", "reason", ctx.Err())
			return nil
		case <-d.stop:
			d.logger.Infow("Outbox dispatcher stopped", "reason", "stop requested")
			return nil
		case <-timer.C:
		}

		if !d.running.Load() {
			return nil
		}

		if _, err := d.ProcessBatch(context.WithoutCancel(ctx)); err != nil {
			d.logger.Errorw("Outbox cycle failed", "error", err)
		}
		d.refreshPending(ctx)

		timer.Reset(d.cfg.PollInterval)
	}
}

// Stop asks Run to exit after the current cycle and waits for it, bounded by
// ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.running.Store(false)
		close(d.stop)
	})

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("outbox dispatcher did not stop in time: %w", ctx.Err())
	}
}

// ProcessBatch runs a single cycle.
func (d *Dispatcher) ProcessBatch(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	var result CycleResult

	ctx, span := tracing.StartSpan(ctx, "outbox.dispatch")
	defer span.End()

	batch, err := d.claimer.Claim(ctx, d.cfg.BatchSize)
	if err != nil {
		d.metrics.ObserveCycle(time.Since(start), "claim_error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return result, err
	}

	records := batch.Records()
	result.Claimed = len(records)
	span.SetAttributes(attribute.Int("outbox.claimed", len(records)))

	if len(records) == 0 {
		if err := batch.Release(ctx); err != nil {
			d.logger.Warnw("Failed to release empty outbox claim", "error", err)
		}
		d.metrics.ObserveCycle(time.Since(start), "empty")
		return result, nil
	}

	outcomes := d.publishAll(ctx, records)
	rec := reconciliationFor(records, outcomes)

	if err := batch.Reconcile(ctx, rec); err != nil {
		d.metrics.ObserveCycle(time.Since(start), "reconcile_error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
		if releaseErr := batch.Release(ctx); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
		return result, fmt.Errorf("failed to reconcile outbox batch: %w", err)
	}

	result.Succeeded = len(rec.Succeeded)
	result.Failed = len(rec.Failed)
	for _, f := range rec.Failed {
		if f.Dead {
			result.DeadLettered++
		}
	}

	d.metrics.Processed.Add(float64(result.Claimed))
	d.metrics.Accepted.Add(float64(result.Succeeded))
	d.metrics.Failed.Add(float64(result.Failed))
	d.metrics.DeadLettered.Add(float64(result.DeadLettered))
	d.metrics.ObserveCycle(time.Since(start), "ok")

	d.logger.Infow("Outbox batch dispatched",
		"claimed", result.Claimed,
		"sent", result.Succeeded,
		"failed", result.Failed,
		"dead_lettered", result.DeadLettered,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return result, nil
}

func (d *Dispatcher) publishAll(ctx context.Context, records []Record) []Outcome {
	outcomes := make([]Outcome, len(records))

	g := new(errgroup.Group)
	g.SetLimit(d.cfg.PublishConcurrency)

	for i := range records {
		g.Go(func() error {
			var outcome Outcome
			if err := apperrors.Go(func() error {
				outcome = d.dispatch(ctx, records[i])
				return nil
			}); err != nil {
				outcome = d.failure(ctx, records[i], err)
			}
			outcomes[i] = outcome
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (d *Dispatcher) dispatch(ctx context.Context, rec Record) Outcome {
	ctx = logging.WithRecordID(ctx, rec.ID)
	if rec.RequestID != "" {
		ctx = logging.WithRequestID(ctx, rec.RequestID)
	}

	ev, err := events.Validate(rec.Payload)
	if err != nil {
		return d.failure(ctx, rec, err)
	}

	ctx, span := tracing.StartSpan(ctx, "outbox.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.Int64("outbox.record_id", rec.ID),
		attribute.String("messaging.destination", ev.Subject()),
	)

	headers := map[string]string{
		constants.HeaderRecordID: strconv.FormatInt(rec.ID, 10),
		constants.HeaderMsgID:    ev.EventID,
	}
	if rec.RequestID != "" {
		headers[constants.HeaderRequestID] = rec.RequestID
	}
	headers = tracing.InjectHeaders(ctx, headers)

	pubCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	defer cancel()

	if err := d.publisher.Publish(pubCtx, ev.Subject(), rec.Payload, headers); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = apperrors.ErrTimeout.
				WithMessage(fmt.Sprintf("publish timed out after %s", d.cfg.PublishTimeout)).
				WithCause(err).
				AsRetryable()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return d.failure(ctx, rec, err)
	}

	d.logger.DebugwCtx(ctx, "Outbox record published", "subject", ev.Subject(), "event_id", ev.EventID)
	return Outcome{RecordID: rec.ID, Success: true}
}

// failure classifies a failed attempt. Permanent errors are dead-lettered at
// once; others until the retry budget is spent.
func (d *Dispatcher) failure(ctx context.Context, rec Record, err error) Outcome {
	next := rec.RetryCount + 1
	dead := next >= d.cfg.MaxRetries || !apperrors.IsRetryable(err)

	if dead {
		d.logger.ErrorwCtx(ctx, "Outbox record dead-lettered",
			"retry_count", next,
			"max_retries", d.cfg.MaxRetries,
			"error", err,
		)
	} else {
		d.logger.WarnwCtx(ctx, "Outbox record publish failed, will retry",
			"retry_count", next,
			"error", err,
		)
	}

	return Outcome{
		RecordID:       rec.ID,
		Err:            err,
		NextRetryCount: next,
		Dead:           dead,
	}
}

func reconciliationFor(records []Record, outcomes []Outcome) Reconciliation {
	var rec Reconciliation
	for i, o := range outcomes {
		if o.Success {
			rec.Succeeded = append(rec.Succeeded, records[i].ID)
			continue
		}
		msg := "unknown error"
		if o.Err != nil {
			msg = o.Err.Error()
		}
		rec.Failed = append(rec.Failed, Failure{
			ID:         records[i].ID,
			RetryCount: o.NextRetryCount,
			LastError:  msg,
			Dead:       o.Dead,
		})
	}
	return rec
}

func (d *Dispatcher) refreshPending(ctx context.Context) {
	if d.pending == nil || ctx.Err() != nil {
		return
	}
	n, err := d.pending.PendingCount(ctx)
	if err != nil {
		d.logger.Warnw("Failed to count pending outbox records", "error", err)
		return
	}
	d.metrics.Pending.Set(float64(n))
}
