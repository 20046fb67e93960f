package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"eventgate/internal/config"
	"eventgate/internal/logger"
	"eventgate/pkg/metrics"
)

type NATSBroker struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	cfg     config.NATSConfig
	logger  logger.Logger
	metrics *metrics.BrokerMetrics
}

func NewNATSBroker(cfg config.NATSConfig, log logger.Logger, m *metrics.BrokerMetrics) (*NATSBroker, error) {
	name := cfg.Name
	if name == "" {
		name = "eventgate"
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWaitSeconds) * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infow("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Infow("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	log.Infow("Connected to NATS", "url", conn.ConnectedUrl())

	return &NATSBroker{conn: conn, js: js, cfg: cfg, logger: log, metrics: m}, nil
}

func (b *NATSBroker) EnsureTopology(ctx context.Context) error {
	for _, s := range b.cfg.Streams {
		_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       s.Name,
			Subjects:   s.Subjects,
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			Duplicates: time.Duration(b.cfg.DuplicateWindowSecs) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("failed to create/update stream %s: %w", s.Name, err)
		}
		b.logger.Infow("Stream ready", "stream", s.Name, "subjects", s.Subjects)
	}

	if b.cfg.Stream == "" || b.cfg.Consumer == "" {
		return nil
	}

	_, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.Stream, jetstream.ConsumerConfig{
		Name:          b.cfg.Consumer,
		Durable:       b.cfg.Consumer,
		FilterSubject: b.cfg.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       time.Duration(b.cfg.AckWaitSeconds) * time.Second,
		MaxDeliver:    b.cfg.MaxDeliver,
		MaxAckPending: b.cfg.MaxAckPending,
	})
	if err != nil {
		return fmt.Errorf("failed to create/update consumer %s on %s: %w", b.cfg.Consumer, b.cfg.Stream, err)
	}
	b.logger.Infow("Consumer ready", "stream", b.cfg.Stream, "consumer", b.cfg.Consumer)

	return nil
}

func (b *NATSBroker) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	start := time.Now()

	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	_, err := b.js.PublishMsg(ctx, msg)
	status := "success"
	if err != nil {
		status = "error"
	}
	if b.metrics != nil {
		b.metrics.ObservePublish(subjectSource(subject), status, len(data), time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBroker) Subscribe(ctx context.Context) (Subscription, error) {
	consumer, err := b.js.Consumer(ctx, b.cfg.Stream, b.cfg.Consumer)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer %s on %s: %w", b.cfg.Consumer, b.cfg.Stream, err)
	}
	return &natsSubscription{consumer: consumer, metrics: b.metrics}, nil
}

func (b *NATSBroker) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close drains pending publishes before closing the connection.
func (b *NATSBroker) Close() error {
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

type natsSubscription struct {
	consumer jetstream.Consumer
	metrics  *metrics.BrokerMetrics
}

func (s *natsSubscription) Fetch(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch, err := s.consumer.Fetch(max, jetstream.FetchMaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	var out []Message
	for msg := range batch.Messages() {
		out = append(out, fromJetStream(msg))
		if s.metrics != nil {
			s.metrics.MessageSize.WithLabelValues("in").Observe(float64(len(msg.Data())))
		}
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return out, fmt.Errorf("fetch ended with error: %w", err)
	}
	return out, nil
}

// Close is a no-op; the durable consumer outlives the subscription.
func (s *natsSubscription) Close() error {
	return nil
}

func fromJetStream(msg jetstream.Msg) Message {
	var headers map[string]string
	if h := msg.Headers(); len(h) > 0 {
		headers = make(map[string]string, len(h))
		for k := range h {
			headers[k] = h.Get(k)
		}
	}
	return NewMessage(msg.Subject(), msg.Data(), headers, msg.Ack, msg.Nak).WithTerm(msg.Term)
}
