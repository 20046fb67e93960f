package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors. Every service owns one and passes it to its components.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// OutboxMetrics counts records moving through a durable outbox. The same set
// is used on the accept side (gateway) and on the dispatch side (relay), with
// the service name as metric prefix.
type OutboxMetrics struct {
	Accepted      prometheus.Counter
	Processed     prometheus.Counter
	Failed        prometheus.Counter
	DeadLettered  prometheus.Counter
	Pending       prometheus.Gauge
	CycleDuration *prometheus.HistogramVec
}

func NewOutboxMetrics(reg prometheus.Registerer, prefix string) *OutboxMetrics {
	m := &OutboxMetrics{
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_outbox_events_accepted_total",
			Help: "Total number of outbox events accepted (count)",
		}),
		Processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_outbox_events_processed_total",
			Help: "Total number of outbox events processed (count)",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_outbox_events_failed_total",
			Help: "Total number of outbox events that failed (count)",
		}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_outbox_events_dead_lettered_total",
			Help: "Total number of outbox events moved to FAILED (count)",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_outbox_pending_records",
			Help: "Number of outbox records waiting for dispatch (count)",
		}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_outbox_cycle_duration_ms",
			Help:    "Duration of one outbox batch in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"status"}),
	}
	reg.MustRegister(m.Accepted, m.Processed, m.Failed, m.DeadLettered, m.Pending, m.CycleDuration)
	return m
}

func (m *OutboxMetrics) ObserveCycle(duration time.Duration, status string) {
	m.CycleDuration.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

// IngestMetrics covers the HTTP ingest path.
type IngestMetrics struct {
	Requests      *prometheus.CounterVec
	Events        *prometheus.CounterVec
	FlushDuration prometheus.Histogram
	InFlight      prometheus.Gauge
}

func NewIngestMetrics(reg prometheus.Registerer) *IngestMetrics {
	m := &IngestMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_requests_total",
			Help: "Total number of ingest requests (count)",
		}, []string{"status"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_events_total",
			Help: "Total number of events read from ingest requests (count)",
		}, []string{"result"}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_flush_duration_ms",
			Help:    "Duration of one ingest batch flush in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_requests_in_flight",
			Help: "Number of ingest requests being processed (count)",
		}),
	}
	reg.MustRegister(m.Requests, m.Events, m.FlushDuration, m.InFlight)
	return m
}

func (m *IngestMetrics) ObserveFlush(duration time.Duration) {
	m.FlushDuration.Observe(float64(duration.Milliseconds()))
}

// ConsumerMetrics covers the batching consumer.
type ConsumerMetrics struct {
	Messages      *prometheus.CounterVec
	Batches       *prometheus.CounterVec
	BatchSize     prometheus.Histogram
	BatchDuration *prometheus.HistogramVec
	QueueDepth    prometheus.Gauge
}

func NewConsumerMetrics(reg prometheus.Registerer) *ConsumerMetrics {
	m := &ConsumerMetrics{
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consumer_messages_total",
			Help: "Total number of broker messages handled by the consumer (count)",
		}, []string{"status"}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consumer_batches_total",
			Help: "Total number of consumer batches (count)",
		}, []string{"status"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "consumer_batch_size",
			Help:    "Number of messages per consumer batch (count)",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consumer_batch_duration_ms",
			Help:    "Duration of consumer batch processing in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"status"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consumer_queue_depth",
			Help: "Number of batches waiting for a worker (count)",
		}),
	}
	reg.MustRegister(m.Messages, m.Batches, m.BatchSize, m.BatchDuration, m.QueueDepth)
	return m
}

func (m *ConsumerMetrics) ObserveBatch(size int, duration time.Duration, status string) {
	m.Batches.WithLabelValues(status).Inc()
	m.BatchSize.Observe(float64(size))
	m.BatchDuration.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

// BrokerMetrics counts publish traffic.
type BrokerMetrics struct {
	Published       *prometheus.CounterVec
	PublishDuration prometheus.Histogram
	MessageSize     *prometheus.HistogramVec
}

func NewBrokerMetrics(reg prometheus.Registerer) *BrokerMetrics {
	m := &BrokerMetrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_messages_published_total",
			Help: "Total number of messages published to the broker (count)",
		}, []string{"source", "status"}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "broker_publish_duration_ms",
			Help:    "Duration of broker publishes in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}),
		MessageSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_message_size_bytes",
			Help:    "Size of broker messages in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000},
		}, []string{"direction"}),
	}
	reg.MustRegister(m.Published, m.PublishDuration, m.MessageSize)
	return m
}

func (m *BrokerMetrics) ObservePublish(source, status string, size int, duration time.Duration) {
	m.Published.WithLabelValues(source, status).Inc()
	m.PublishDuration.Observe(float64(duration.Milliseconds()))
	m.MessageSize.WithLabelValues("out").Observe(float64(size))
}

type CircuitBreakerMetrics struct {
	State    *prometheus.GaugeVec
	Requests *prometheus.CounterVec
	Failures *prometheus.CounterVec
}

func NewCircuitBreakerMetrics(reg prometheus.Registerer) *CircuitBreakerMetrics {
	m := &CircuitBreakerMetrics{
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		}, []string{"name"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		}, []string{"name", "state"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		}, []string{"name"}),
	}
	reg.MustRegister(m.State, m.Requests, m.Failures)
	return m
}

type DedupMetrics struct {
	Messages *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Fallback *prometheus.CounterVec
}

func NewDedupMetrics(reg prometheus.Registerer) *DedupMetrics {
	m := &DedupMetrics{
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dedup_events_total",
			Help: "Total number of events checked for duplicates (count)",
		}, []string{"status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dedup_check_duration_ms",
			Help:    "Duration of duplicate checks in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"operation"}),
		Fallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dedup_fallback_total",
			Help: "Total number of times the dedup fallback strategy was used (count)",
		}, []string{"strategy"}),
	}
	reg.MustRegister(m.Messages, m.Duration, m.Fallback)
	return m
}

func (m *DedupMetrics) ObserveDuration(operation string, duration time.Duration) {
	m.Duration.WithLabelValues(operation).Observe(float64(duration.Milliseconds()))
}

type SinkMetrics struct {
	Writes        *prometheus.CounterVec
	Rows          *prometheus.CounterVec
	WriteDuration *prometheus.HistogramVec
}

func NewSinkMetrics(reg prometheus.Registerer) *SinkMetrics {
	m := &SinkMetrics{
		Writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_sink_writes_total",
			Help: "Total number of batch writes to a sink (count)",
		}, []string{"sink", "status"}),
		Rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_sink_rows_total",
			Help: "Total number of rows written to a sink (count)",
		}, []string{"sink", "kind"}),
		WriteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collector_sink_write_duration_ms",
			Help:    "Duration of sink batch writes in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"sink"}),
	}
	reg.MustRegister(m.Writes, m.Rows, m.WriteDuration)
	return m
}

func (m *SinkMetrics) ObserveWrite(sink, status string, duration time.Duration) {
	m.Writes.WithLabelValues(sink, status).Inc()
	m.WriteDuration.WithLabelValues(sink).Observe(float64(duration.Milliseconds()))
}

// ReportMetrics mirrors the reporter's per-report latency histogram.
type ReportMetrics struct {
	Latency  *prometheus.HistogramVec
	Requests *prometheus.CounterVec
}

func NewReportMetrics(reg prometheus.Registerer) *ReportMetrics {
	m := &ReportMetrics{
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reporter_report_latency_seconds",
			Help:    "Report generation latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		}, []string{"report"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reporter_requests_total",
			Help: "Total number of report requests (count)",
		}, []string{"report", "status"}),
	}
	reg.MustRegister(m.Latency, m.Requests)
	return m
}

type RateLimitMetrics struct {
	Requests *prometheus.CounterVec
}

func NewRateLimitMetrics(reg prometheus.Registerer) *RateLimitMetrics {
	m := &RateLimitMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		}, []string{"status"}),
	}
	reg.MustRegister(m.Requests)
	return m
}
