package outbox

import (
	"context"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"
)

// LogSink writes envelopes to the logger. Used in paper mode when no broker is configured.
type LogSink struct {
	logger ports.Logger
}

func NewLogSink(logger ports.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, env domain.Envelope) error {
	s.logger.Info(ctx, "Event", map[string]interface{}{
		"eventID":       env.EventID,
		"eventType":     env.EventType,
		"correlationID": env.CorrelationID,
		"payload":       string(env.Payload),
	})
	return nil
}

func (s *LogSink) Close() error { return nil }
