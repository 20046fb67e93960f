package broker

import (
	"context"
	"strings"
	"time"
)

type Publisher interface {
	// Publish delivers data to subject and returns once the broker has
	// persisted it or ctx expires.
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
}

type Subscriber interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription pulls messages for one durable consumer.
type Subscription interface {
	// Fetch returns up to max messages, waiting at most wait for the first
	// one. An empty slice with a nil error means nothing was available.
	Fetch(ctx context.Context, max int, wait time.Duration) ([]Message, error)
	Close() error
}

type Broker interface {
	Publisher
	Subscriber
	// EnsureTopology creates streams and consumers. Existing ones are
	// updated in place.
	EnsureTopology(ctx context.Context) error
	IsConnected() bool
	Close() error
}

// Message is one delivery. Exactly one of Ack, Nak or Term should be called.
type Message struct {
	Subject string
	Data    []byte
	Headers map[string]string

	ack  func() error
	nak  func() error
	term func() error
}

// NewMessage builds a Message with custom settlement callbacks.
func NewMessage(subject string, data []byte, headers map[string]string, ack, nak func() error) Message {
	return Message{Subject: subject, Data: data, Headers: headers, ack: ack, nak: nak}
}

func (m Message) Ack() error {
	if m.ack == nil {
		return nil
	}
	return m.ack()
}

// Nak asks the broker to redeliver the message.
func (m Message) Nak() error {
	if m.nak == nil {
		return nil
	}
	return m.nak()
}

// WithTerm returns a copy of m that settles Term with term.
func (m Message) WithTerm(term func() error) Message {
	m.term = term
	return m
}

// Term tells the broker never to redeliver the message. Without a term
// callback the message is acked instead.
func (m Message) Term() error {
	if m.term == nil {
		return m.Ack()
	}
	return m.term()
}

func subjectSource(subject string) string {
	source, _, _ := strings.Cut(subject, ".")
	if source == "" {
		return "unknown"
	}
	return source
}
