// Package consumer pulls events from a durable broker subscription and
// hands them to handlers in batches. A batch is acknowledged only when every
// handler succeeds; otherwise every message in it is redelivered.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"eventgate/internal/broker"
	"eventgate/internal/constants"
	"eventgate/internal/events"
	"eventgate/internal/logger"
	apperrors "eventgate/pkg/errors"
	"eventgate/pkg/metrics"
	"eventgate/pkg/tracing"
)

var ErrBatcherRunning = errors.New("batcher is already running")

// fetchRetryDelay is the pause after a failed fetch.
const fetchRetryDelay = time.Second

// Item is one decoded delivery.
type Item struct {
	Event   events.Event
	Message broker.Message
}

// Handler processes a whole batch. Handlers must be idempotent: a failed
// batch is redelivered in full.
type Handler interface {
	HandleBatch(ctx context.Context, batch []Item) error
}

type HandlerFunc func(ctx context.Context, batch []Item) error

func (f HandlerFunc) HandleBatch(ctx context.Context, batch []Item) error {
	return f(ctx, batch)
}

type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
	Concurrency  int
	FetchSize    int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = constants.DefaultConsumerBatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = constants.DefaultConsumerBatchTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = constants.DefaultConsumerConcurrency
	}
	if c.FetchSize <= 0 || c.FetchSize > c.BatchSize {
		c.FetchSize = c.BatchSize
	}
	return c
}

type Batcher struct {
	sub      broker.Subscription
	handlers []Handler
	cfg      Config
	logger   logger.Logger
	metrics  *metrics.ConsumerMetrics

	running atomic.Bool

	// owned by the receive loop
	buffer      []Item
	bufferSince time.Time
}

func NewBatcher(sub broker.Subscription, cfg Config, log logger.Logger, m *metrics.ConsumerMetrics, handlers ...Handler) *Batcher {
	return &Batcher{
		sub:      sub,
		handlers: handlers,
		cfg:      cfg.withDefaults(),
		logger:   log,
		metrics:  m,
	}
}

// Run receives until ctx is cancelled. On the way out it stops fetching,
// lets the workers finish the batches already handed off, processes what is
// left in the buffer and closes the subscription.
func (b *Batcher) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrBatcherRunning
	}
	defer b.running.Store(false)

	work := context.WithoutCancel(ctx)
	batches := make(chan []Item, b.cfg.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < b.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range batches {
				b.setQueueDepth(len(batches))
				b.process(work, batch)
			}
		}()
	}

	b.logger.Infow("Consumer started",
		"batch_size", b.cfg.BatchSize,
		"batch_timeout", b.cfg.BatchTimeout,
		"concurrency", b.cfg.Concurrency,
	)

	b.receive(ctx, batches)

	close(batches)
	wg.Wait()

	if len(b.buffer) > 0 {
		b.logger.Infow("Processing remaining buffer", "size", len(b.buffer))
		batch := b.buffer
		b.buffer = nil
		b.process(work, batch)
	}

	if err := b.sub.Close(); err != nil {
		b.logger.Warnw("Failed to close subscription", "error", err)
	}
	b.logger.Infow("Consumer stopped")
	return nil
}

func (b *Batcher) receive(ctx context.Context, batches chan<- []Item) {
	for ctx.Err() == nil {
		wait := b.cfg.BatchTimeout
		if len(b.buffer) > 0 {
			wait = time.Until(b.bufferSince.Add(b.cfg.BatchTimeout))
			if wait <= 0 {
				if !b.handOff(ctx, batches) {
					return
				}
				continue
			}
		}

		limit := min(b.cfg.BatchSize-len(b.buffer), b.cfg.FetchSize)

		msgs, err := b.sub.Fetch(ctx, limit, wait)
		for _, msg := range msgs {
			b.accept(ctx, msg)
		}
		if err != nil && ctx.Err() == nil {
			b.logger.Errorw("Fetch failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(fetchRetryDelay):
			}
		}

		if len(b.buffer) >= b.cfg.BatchSize {
			if !b.handOff(ctx, batches) {
				return
			}
		}
	}
}

// accept decodes msg into the buffer. Bytes that are not JSON are nak'ed.
// JSON that fails validation is terminated, since redelivery cannot fix it.
// Neither reaches a handler.
func (b *Batcher) accept(ctx context.Context, msg broker.Message) {
	event, err := events.Validate(msg.Data)
	if err != nil && apperrors.IsValidation(err) {
		b.count("invalid", 1)
		b.logger.WarnwCtx(ctx, "Terminating invalid message",
			"subject", msg.Subject,
			"error", err,
		)
		if termErr := msg.Term(); termErr != nil {
			b.logger.Errorw("Failed to terminate message", "error", termErr)
		}
		return
	}
	if err != nil {
		b.count("malformed", 1)
		b.logger.WarnwCtx(ctx, "Dropping malformed message",
			"subject", msg.Subject,
			"error", err,
		)
		if nakErr := msg.Nak(); nakErr != nil {
			b.logger.Errorw("Failed to nak message", "error", nakErr)
		}
		return
	}

	if len(b.buffer) == 0 {
		b.bufferSince = time.Now()
	}
	b.buffer = append(b.buffer, Item{Event: event, Message: msg})
}

// handOff passes the buffer to a worker. It returns false when ctx ended
// first, leaving the buffer in place.
func (b *Batcher) handOff(ctx context.Context, batches chan<- []Item) bool {
	select {
	case batches <- b.buffer:
		b.buffer = nil
		b.setQueueDepth(len(batches))
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Batcher) process(ctx context.Context, batch []Item) {
	ctx, span := tracing.StartConsumerSpan(ctx, "consumer.batch", batch[0].Message.Headers)
	defer span.End()

	start := time.Now()
	err := apperrors.Go(func() error {
		for _, h := range b.handlers {
			if err := h.HandleBatch(ctx, batch); err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		span.RecordError(err)
		b.settle(batch, broker.Message.Nak, "nak")
		b.observe(len(batch), time.Since(start), "failed")
		b.logger.ErrorwCtx(ctx, "Batch failed, redelivering", "size", len(batch), "error", err)
		return
	}

	b.settle(batch, broker.Message.Ack, "ack")
	b.observe(len(batch), time.Since(start), "success")
	b.logger.DebugwCtx(ctx, "Batch processed", "size", len(batch), "duration", time.Since(start))
}

func (b *Batcher) settle(batch []Item, fn func(broker.Message) error, status string) {
	var failed int
	for _, item := range batch {
		if err := fn(item.Message); err != nil {
			failed++
			b.logger.Warnw(fmt.Sprintf("Failed to %s message", status),
				"subject", item.Message.Subject,
				"event_id", item.Event.EventID,
				"error", err,
			)
		}
	}
	b.count(status, len(batch)-failed)
	b.count(status+"_error", failed)
}

func (b *Batcher) count(status string, n int) {
	if b.metrics != nil && n > 0 {
		b.metrics.Messages.WithLabelValues(status).Add(float64(n))
	}
}

func (b *Batcher) observe(size int, d time.Duration, status string) {
	if b.metrics != nil {
		b.metrics.ObserveBatch(size, d, status)
	}
}

func (b *Batcher) setQueueDepth(n int) {
	if b.metrics != nil {
		b.metrics.QueueDepth.Set(float64(n))
	}
}
