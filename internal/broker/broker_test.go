package broker

import (
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventgate/internal/config"
	"eventgate/internal/logger"
)

func TestSubjectSource(t *testing.T) {
	tests := []struct {
		subject string
		want    string
	}{
		{"facebook.ad.view", "facebook"},
		{"tiktok.purchase", "tiktok"},
		{"plain", "plain"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			assert.Equal(t, tt.want, subjectSource(tt.subject))
		})
	}
}

func TestMessage_Settlement(t *testing.T) {
	var acked, naked int
	msg := NewMessage("facebook.ad.view", []byte("{}"), nil,
		func() error { acked++; return nil },
		func() error { naked++; return errors.New("nak failed") },
	)

	require.NoError(t, msg.Ack())
	assert.EqualError(t, msg.Nak(), "nak failed")
	assert.Equal(t, 1, acked)
	assert.Equal(t, 1, naked)

	var zero Message
	assert.NoError(t, zero.Ack())
	assert.NoError(t, zero.Nak())
	assert.NoError(t, zero.Term())
}

func TestMessage_Term(t *testing.T) {
	var acked, termed int
	ack := func() error { acked++; return nil }

	plain := NewMessage("tiktok.like", []byte("{}"), nil, ack, nil)
	require.NoError(t, plain.Term())
	assert.Equal(t, 1, acked, "term falls back to ack")

	withTerm := plain.WithTerm(func() error { termed++; return nil })
	require.NoError(t, withTerm.Term())
	assert.Equal(t, 1, termed)
	assert.Equal(t, 1, acked)

	require.NoError(t, plain.Term())
	assert.Equal(t, 2, acked, "WithTerm does not modify the original")
}

func TestKafkaHeaders_RoundTripSubject(t *testing.T) {
	headers := map[string]string{"Outbox-Record-Id": "42", "Nats-Msg-Id": "evt-1"}
	m := kafka.Message{Topic: "events.facebook", Headers: toKafkaHeaders("facebook.ad.view", headers)}

	subject, got := fromKafkaHeaders(m)
	assert.Equal(t, "facebook.ad.view", subject)
	assert.Equal(t, headers, got)
}

func TestKafkaHeaders_FallsBackToTopic(t *testing.T) {
	subject, got := fromKafkaHeaders(kafka.Message{Topic: "events.tiktok"})
	assert.Equal(t, "events.tiktok", subject)
	assert.Empty(t, got)
}

func TestKafkaBroker_TopicFor(t *testing.T) {
	b := NewKafkaBroker(config.KafkaConfig{TopicPrefix: "events."}, logger.NopLogger(), nil)
	defer b.Close()
	assert.Equal(t, "events.facebook", b.topicFor("facebook.checkout.complete"))
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(config.BrokerConfig{Type: "rabbitmq"}, logger.NopLogger(), nil)
	assert.Error(t, err)
}
