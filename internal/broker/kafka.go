package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"eventgate/internal/config"
	"eventgate/internal/constants"
	"eventgate/internal/logger"
	"eventgate/pkg/metrics"
)

const subjectHeader = "Subject"

// KafkaBroker maps subjects to one topic per source: facebook.ad.view goes
// to <prefix>facebook with the full subject in a header.
type KafkaBroker struct {
	cfg     config.KafkaConfig
	writer  *kafka.Writer
	logger  logger.Logger
	metrics *metrics.BrokerMetrics
}

func NewKafkaBroker(cfg config.KafkaConfig, log logger.Logger, m *metrics.BrokerMetrics) *KafkaBroker {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaBroker{cfg: cfg, writer: w, logger: log, metrics: m}
}

func (b *KafkaBroker) topicFor(subject string) string {
	return b.cfg.TopicPrefix + subjectSource(subject)
}

func (b *KafkaBroker) EnsureTopology(ctx context.Context) error {
	topics := b.cfg.Topics
	if len(topics) == 0 {
		return nil
	}
	if len(b.cfg.Brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}

	conn, err := kafka.DialContext(ctx, "tcp", b.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to find kafka controller: %w", err)
	}
	ctrlConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to dial kafka controller: %w", err)
	}
	defer ctrlConn.Close()

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, t := range topics {
		configs = append(configs, kafka.TopicConfig{Topic: t, NumPartitions: 1, ReplicationFactor: 1})
	}
	if err := ctrlConn.CreateTopics(configs...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create kafka topics: %w", err)
	}
	b.logger.Infow("Kafka topics ready", "topics", topics)
	return nil
}

func (b *KafkaBroker) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	start := time.Now()

	msg := kafka.Message{
		Topic:   b.topicFor(subject),
		Value:   data,
		Headers: toKafkaHeaders(subject, headers),
		Time:    start,
	}
	if id := headers[constants.HeaderMsgID]; id != "" {
		msg.Key = []byte(id)
	}

	err := b.writer.WriteMessages(ctx, msg)
	status := "success"
	if err != nil {
		status = "error"
	}
	if b.metrics != nil {
		b.metrics.ObservePublish(subjectSource(subject), status, len(data), time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

func (b *KafkaBroker) Subscribe(context.Context) (Subscription, error) {
	if b.cfg.GroupID == "" || len(b.cfg.Topics) == 0 {
		return nil, errors.New("kafka subscription needs group_id and topics")
	}
	b.logger.Infow("Creating Kafka reader", "topics", b.cfg.Topics, "group_id", b.cfg.GroupID)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.cfg.Brokers,
		GroupID:     b.cfg.GroupID,
		GroupTopics: b.cfg.Topics,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return &kafkaSubscription{reader: reader, broker: b}, nil
}

// IsConnected dials the first broker.
func (b *KafkaBroker) IsConnected() bool {
	if len(b.cfg.Brokers) == 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := kafka.DialContext(ctx, "tcp", b.cfg.Brokers[0])
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (b *KafkaBroker) Close() error {
	return b.writer.Close()
}

type kafkaSubscription struct {
	reader *kafka.Reader
	broker *KafkaBroker
}

func (s *kafkaSubscription) Fetch(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	var out []Message
	for len(out) < max {
		m, err := s.reader.FetchMessage(fetchCtx)
		if err != nil {
			if fetchCtx.Err() != nil && ctx.Err() == nil {
				return out, nil
			}
			return out, fmt.Errorf("failed to fetch kafka message: %w", err)
		}
		out = append(out, s.toMessage(m))
	}
	return out, nil
}

func (s *kafkaSubscription) Close() error {
	return s.reader.Close()
}

// Kafka has no per-message negative ack. Nak republishes the message to its
// topic and then commits the original offset. Term only commits.
func (s *kafkaSubscription) toMessage(m kafka.Message) Message {
	subject, headers := fromKafkaHeaders(m)

	ack := func() error {
		return s.reader.CommitMessages(context.Background(), m)
	}
	nak := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), constants.KafkaWriteTimeout)
		defer cancel()
		if err := s.broker.Publish(ctx, subject, m.Value, headers); err != nil {
			return fmt.Errorf("failed to requeue kafka message: %w", err)
		}
		return s.reader.CommitMessages(ctx, m)
	}
	return NewMessage(subject, m.Value, headers, ack, nak).WithTerm(ack)
}

func toKafkaHeaders(subject string, headers map[string]string) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers)+1)
	out = append(out, kafka.Header{Key: subjectHeader, Value: []byte(subject)})
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromKafkaHeaders(m kafka.Message) (string, map[string]string) {
	subject := m.Topic
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		if h.Key == subjectHeader {
			subject = string(h.Value)
			continue
		}
		headers[h.Key] = string(h.Value)
	}
	return subject, headers
}
