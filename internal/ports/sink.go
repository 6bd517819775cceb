package ports

import (
	"context"

	"tradeEngine/internal/domain"
)

// EventSink delivers outbox envelopes to external consumers.
// Delivery is at least once; consumers dedupe on EventID.
type EventSink interface {
	Publish(ctx context.Context, env domain.Envelope) error
	Close() error
}

// SignalSource feeds strategy signals into the engine.
type SignalSource interface {
	// Run delivers signals to handler until ctx is done.
	Run(ctx context.Context, handler func(ctx context.Context, sig domain.Signal) error) error
	Close() error
}

// EventRecorder stages an event in the caller's transaction.
type EventRecorder interface {
	Record(ctx context.Context, tx Tx, typ domain.EventType, correlationID string, payload interface{}) (*domain.OutboxEvent, error)
}
