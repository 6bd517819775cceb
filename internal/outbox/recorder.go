// Package outbox stages domain events in the business transaction and publishes them
// to an external sink with retry and dead-lettering.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"

	"github.com/google/uuid"
)

// Recorder enqueues events inside the caller's transaction.
type Recorder struct {
	environment string
	now         func() time.Time
}

// NewRecorder creates a recorder stamping events with environment.
func NewRecorder(environment string) *Recorder {
	return &Recorder{environment: environment, now: time.Now}
}

// WithClock overrides the time source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record marshals payload and enqueues a new event in tx. The event becomes visible
// to the publisher only when tx commits.
func (r *Recorder) Record(ctx context.Context, tx ports.Tx, typ domain.EventType, correlationID string, payload interface{}) (*domain.OutboxEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	now := r.now().UTC()
	event := &domain.OutboxEvent{
		EventID:       uuid.NewString(),
		Type:          typ,
		OccurredAt:    now,
		CorrelationID: correlationID,
		Environment:   r.environment,
		Payload:       data,
		NextAttemptAt: now,
	}
	if err := tx.Outbox().Enqueue(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}
