package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"flowex/internal/engine"
)

// Envelope is the wire form of one engine event on the outbound topic.
// Type carries the dotted event name so consumers can dispatch without
// probing the payload shape.
type Envelope struct {
	Type      string       `json:"type"`
	Symbol    string       `json:"symbol"`
	Timestamp time.Time    `json:"timestamp"`
	Data      engine.Event `json:"data"`
}

// Publisher writes engine events to a Kafka topic. Messages are keyed by
// symbol so each instrument's events land on one partition in order.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher connects a publisher to the given brokers and topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Publish sends one event. It blocks until the brokers acknowledge the
// write or ctx expires.
func (p *Publisher) Publish(ctx context.Context, ev engine.Event) error {
	key, value, err := encode(ev, time.Now())
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
	})
}

// Close flushes buffered messages and releases the connection.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func encode(ev engine.Event, now time.Time) (key, value []byte, err error) {
	env := Envelope{
		Type:      engine.EventName(ev),
		Symbol:    engine.EventSymbol(ev),
		Timestamp: now,
		Data:      ev,
	}
	value, err = json.Marshal(env)
	if err != nil {
		return nil, nil, err
	}
	return []byte(env.Symbol), value, nil
}
