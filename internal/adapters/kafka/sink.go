// Package kafka publishes outbox events to Kafka and consumes strategy signals from it.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"

	kafkago "github.com/segmentio/kafka-go"
)

// Config holds broker addresses and topics.
type Config struct {
	Brokers      []string
	EventsTopic  string
	SignalsTopic string
	GroupID      string
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Sink implements ports.EventSink. Messages are keyed by correlation id so the events of one
// order or account stay ordered within a partition.
type Sink struct {
	writer messageWriter
	topic  string
	logger ports.Logger
}

// NewSink creates a Kafka event sink.
func NewSink(cfg Config, logger ports.Logger) (*Sink, error) {
	if len(cfg.Brokers) == 0 || cfg.EventsTopic == "" {
		return nil, fmt.Errorf("%w: kafka brokers and events topic are required", ports.ErrConfigurationError)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.EventsTopic,
		Balancer:     &kafkago.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		MaxAttempts:  1, // the outbox owns retries
		RequiredAcks: kafkago.RequireAll,
	}
	s := newSink(w, cfg.EventsTopic, logger)
	s.logger.Info(context.Background(), "Kafka sink configured", map[string]interface{}{"brokers": cfg.Brokers, "topic": cfg.EventsTopic})
	return s, nil
}

func newSink(w messageWriter, topic string, logger ports.Logger) *Sink {
	if logger == nil {
		logger = ports.NopLogger{}
	}
	return &Sink{writer: w, topic: topic, logger: logger}
}

// Publish writes one envelope.
func (s *Sink) Publish(ctx context.Context, env domain.Envelope) error {
	op := "KafkaPublish"
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrInvalidRequest, err)
	}
	msg := kafkago.Message{
		Key:   []byte(env.CorrelationID),
		Value: value,
		Time:  env.OccurredAt,
		Headers: []kafkago.Header{
			{Key: "eventId", Value: []byte(env.EventID)},
			{Key: "eventType", Value: []byte(env.EventType)},
			{Key: "schemaVersion", Value: []byte(strconv.Itoa(env.SchemaVersion))},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrConnectionFailed, err)
	}
	s.logger.Debug(ctx, "Event published", map[string]interface{}{"eventId": env.EventID, "eventType": env.EventType, "topic": s.topic})
	return nil
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}
