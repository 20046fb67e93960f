// Package ingest terminates streamed JSON-array requests and writes every
// event to the outbox before the request is acknowledged.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"eventgate/internal/constants"
	"eventgate/internal/events"
	"eventgate/internal/logger"
	"eventgate/internal/outbox"
	apperrors "eventgate/pkg/errors"
	"eventgate/pkg/metrics"
)

var ErrShuttingDown = apperrors.ErrServiceUnavailable.WithMessage("Service is shutting down")

type Config struct {
	BatchSize int
	Workers   int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = constants.DefaultIngestBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = 2 * runtime.GOMAXPROCS(0)
	}
	return c
}

// Summary describes one fully processed request.
type Summary struct {
	RequestID  string
	Received   int
	Accepted   int
	Rejected   int
	Duplicates int
	Batches    int
}

type Pipeline struct {
	store   outbox.Store
	cfg     Config
	logger  logger.Logger
	outbox  *metrics.OutboxMetrics
	metrics *metrics.IngestMetrics

	mu       sync.Mutex
	draining bool
	tasks    sync.WaitGroup
}

func NewPipeline(store outbox.Store, cfg Config, log logger.Logger, om *metrics.OutboxMetrics, im *metrics.IngestMetrics) *Pipeline {
	return &Pipeline{
		store:   store,
		cfg:     cfg.withDefaults(),
		logger:  log,
		outbox:  om,
		metrics: im,
	}
}

// Begin registers an in-flight request. The returned func must be called
// when the request is finished.
func (p *Pipeline) Begin() (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		return nil, ErrShuttingDown
	}
	p.tasks.Add(1)
	p.metrics.InFlight.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.metrics.InFlight.Dec()
			p.tasks.Done()
		})
	}, nil
}

// Drain rejects new requests and waits for in-flight ones, bounded by ctx.
func (p *Pipeline) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()

	p.logger.Infow("Draining ingest pipeline, waiting for in-flight requests")

	done := make(chan struct{})
	go func() {
		p.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Infow("All ingest requests completed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ingest drain interrupted: %w", ctx.Err())
	}
}

func (p *Pipeline) Draining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

// Process reads a JSON array from body, flushing every BatchSize elements.
// Reading stops while a flush runs, so at most one batch is buffered.
func (p *Pipeline) Process(ctx context.Context, body io.Reader, requestID string) (Summary, error) {
	start := time.Now()
	summary := Summary{RequestID: requestID}

	dec := json.NewDecoder(body)
	tok, err := dec.Token()
	if err != nil {
		return summary, streamError(err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return summary, apperrors.ErrSerialization.WithMessage("request body must be a JSON array")
	}

	buffer := make([]json.RawMessage, 0, p.bufferCap())
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return summary, streamError(err)
		}
		buffer = append(buffer, raw)
		summary.Received++

		if len(buffer) >= p.cfg.BatchSize {
			if err := p.flush(ctx, buffer, requestID, &summary); err != nil {
				return summary, err
			}
			buffer = make([]json.RawMessage, 0, p.bufferCap())
		}
	}

	if _, err := dec.Token(); err != nil {
		return summary, streamError(err)
	}

	if err := p.flush(ctx, buffer, requestID, &summary); err != nil {
		return summary, err
	}

	p.logger.Infow("Finished processing stream",
		"request_id", requestID,
		"total", summary.Received,
		"accepted", summary.Accepted,
		"rejected", summary.Rejected,
		"duplicates", summary.Duplicates,
		"batches", summary.Batches,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return summary, nil
}

// bufferCap bounds the up-front allocation for very large batch sizes.
func (p *Pipeline) bufferCap() int {
	return min(p.cfg.BatchSize, constants.DefaultIngestBatchSize)
}

func (p *Pipeline) flush(ctx context.Context, raws []json.RawMessage, requestID string, summary *Summary) error {
	if len(raws) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { p.metrics.ObserveFlush(time.Since(start)) }()

	records, valid := p.prepare(raws, requestID)
	invalid := len(records) - valid

	inserted, err := p.store.InsertBatch(ctx, records)
	p.outbox.Processed.Add(float64(len(records)))
	if err != nil {
		p.outbox.Failed.Add(float64(len(records)))
		p.metrics.Events.WithLabelValues("store_error").Add(float64(len(records)))
		return fmt.Errorf("failed to write outbox batch: %w", err)
	}

	p.outbox.Accepted.Add(float64(valid))
	p.outbox.Failed.Add(float64(invalid))
	p.metrics.Events.WithLabelValues("accepted").Add(float64(valid))
	p.metrics.Events.WithLabelValues("rejected").Add(float64(invalid))

	summary.Batches++
	summary.Accepted += valid
	summary.Rejected += invalid
	if skipped := len(records) - inserted; skipped > 0 {
		summary.Duplicates += skipped
		p.logger.Debugw("Skipped duplicate events", "request_id", requestID, "count", skipped)
	}
	return nil
}

// prepare validates and compacts raws on the worker pool. Output order
// matches input order.
func (p *Pipeline) prepare(raws []json.RawMessage, requestID string) ([]outbox.NewRecord, int) {
	records := make([]outbox.NewRecord, len(raws))
	validFlags := make([]bool, len(raws))

	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Workers)
	for i := range raws {
		g.Go(func() error {
			return apperrors.Go(func() error {
				records[i], validFlags[i] = toRecord(raws[i], requestID)
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		p.logger.Errorw("Event preparation panicked", "request_id", requestID, "error", err)
		for i := range records {
			if records[i].Payload == nil {
				records[i] = rejected(raws[i], requestID, err)
			}
		}
	}

	valid := 0
	for _, ok := range validFlags {
		if ok {
			valid++
		}
	}
	return records, valid
}

func toRecord(raw json.RawMessage, requestID string) (outbox.NewRecord, bool) {
	ev, err := events.Validate(raw)
	if err != nil {
		return rejected(raw, requestID, err), false
	}
	return outbox.NewRecord{
		EventID:   ev.EventID,
		Payload:   compact(raw),
		RequestID: requestID,
		Status:    outbox.StatusPending,
	}, true
}

// rejected keeps an invalid event as a FAILED row without an event id so it
// never blocks a corrected resend. Invalid UTF-8 is replaced so the row can
// always be stored.
func rejected(raw json.RawMessage, requestID string, err error) outbox.NewRecord {
	return outbox.NewRecord{
		Payload:   bytes.ToValidUTF8(compact(raw), []byte("\uFFFD")),
		RequestID: requestID,
		Status:    outbox.StatusFailed,
		LastError: err.Error(),
	}
}

func compact(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

func streamError(err error) error {
	return apperrors.ErrSerialization.
		WithMessage("Invalid JSON stream: " + err.Error()).
		WithCause(err)
}
