package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"
)

type outboxRepo struct {
	tx     *sql.Tx
	logger ports.Logger
}

const outboxColumns = `sequence, event_id, event_type, occurred_at, correlation_id, environment, payload,
	published_at, retry_count, next_attempt_at, last_error`

func (r *outboxRepo) Enqueue(ctx context.Context, e *domain.OutboxEvent) error {
	const query = `
	INSERT INTO outbox_events (event_id, event_type, occurred_at, correlation_id, environment, payload, next_attempt_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	next := e.NextAttemptAt
	if next.IsZero() {
		next = e.OccurredAt
	}
	result, err := r.tx.ExecContext(ctx, query, e.EventID, e.Type, toNanos(e.OccurredAt), e.CorrelationID,
		e.Environment, string(e.Payload), toNanos(next))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event %s: %w", e.EventID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to enqueue %s event: %w: %w", e.Type, ports.ErrQueryFailed, err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get sequence for event %s: %w", e.EventID, err)
	}
	e.Sequence = seq
	e.NextAttemptAt = next
	return nil
}

func (r *outboxRepo) Due(ctx context.Context, now time.Time, limit int) ([]*domain.OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_events
	WHERE published_at IS NULL AND next_attempt_at <= ?
	ORDER BY sequence LIMIT ?`
	return r.list(ctx, query, toNanos(now), limit)
}

func (r *outboxRepo) ListByCorrelation(ctx context.Context, correlationID string) ([]*domain.OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_events WHERE correlation_id = ? ORDER BY sequence`
	return r.list(ctx, query, correlationID)
}

func (r *outboxRepo) list(ctx context.Context, query string, args ...interface{}) ([]*domain.OutboxEvent, error) {
	rows, err := r.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	events := make([]*domain.OutboxEvent, 0)
	for rows.Next() {
		e, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox rows: %w", err)
	}
	return events, nil
}

func (r *outboxRepo) MarkPublished(ctx context.Context, sequence int64, at time.Time) error {
	result, err := r.tx.ExecContext(ctx,
		`UPDATE outbox_events SET published_at = ?, last_error = '' WHERE sequence = ?`, toNanos(at), sequence)
	if err != nil {
		return fmt.Errorf("failed to mark event %d published: %w: %w", sequence, ports.ErrUpdateFailed, err)
	}
	return requireAffected(result, fmt.Sprintf("outbox event %d", sequence))
}

func (r *outboxRepo) MarkFailed(ctx context.Context, sequence int64, retryCount int, nextAttempt time.Time, lastErr string) error {
	result, err := r.tx.ExecContext(ctx,
		`UPDATE outbox_events SET retry_count = ?, next_attempt_at = ?, last_error = ? WHERE sequence = ?`,
		retryCount, toNanos(nextAttempt), lastErr, sequence)
	if err != nil {
		return fmt.Errorf("failed to mark event %d failed: %w: %w", sequence, ports.ErrUpdateFailed, err)
	}
	return requireAffected(result, fmt.Sprintf("outbox event %d", sequence))
}

func (r *outboxRepo) DeadLetter(ctx context.Context, e *domain.OutboxEvent, reason string, at time.Time) error {
	const insert = `
	INSERT INTO dead_letters (event_id, sequence, event_type, occurred_at, correlation_id, environment, payload,
	                          retry_count, last_error, reason, dead_lettered_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := r.tx.ExecContext(ctx, insert, e.EventID, e.Sequence, e.Type, toNanos(e.OccurredAt), e.CorrelationID,
		e.Environment, string(e.Payload), e.RetryCount, e.LastError, reason, toNanos(at)); err != nil {
		return fmt.Errorf("failed to dead-letter event %s: %w: %w", e.EventID, ports.ErrQueryFailed, err)
	}
	result, err := r.tx.ExecContext(ctx, `DELETE FROM outbox_events WHERE sequence = ?`, e.Sequence)
	if err != nil {
		return fmt.Errorf("failed to remove dead-lettered event %s: %w: %w", e.EventID, ports.ErrDeleteFailed, err)
	}
	if err := requireAffected(result, "outbox event "+e.EventID); err != nil {
		return err
	}
	r.logger.Warn(ctx, "Event dead-lettered", map[string]interface{}{"eventID": e.EventID, "type": e.Type, "reason": reason})
	return nil
}

func (r *outboxRepo) ListDeadLetters(ctx context.Context, limit int) ([]*domain.DeadLetter, error) {
	const query = `
	SELECT event_id, sequence, event_type, occurred_at, correlation_id, environment, payload,
	       retry_count, last_error, reason, dead_lettered_at
	FROM dead_letters ORDER BY dead_lettered_at LIMIT ?`

	rows, err := r.tx.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	letters := make([]*domain.DeadLetter, 0)
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		letters = append(letters, dl)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letter rows: %w", err)
	}
	return letters, nil
}

// Requeue moves a dead letter to the back of the queue under its original event id.
func (r *outboxRepo) Requeue(ctx context.Context, eventID string, now time.Time) error {
	const query = `
	SELECT event_id, sequence, event_type, occurred_at, correlation_id, environment, payload,
	       retry_count, last_error, reason, dead_lettered_at
	FROM dead_letters WHERE event_id = ?`

	dl, err := scanDeadLetter(r.tx.QueryRowContext(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("dead letter %s: %w", eventID, ports.ErrNotFound)
		}
		return fmt.Errorf("failed to load dead letter %s: %w: %w", eventID, ports.ErrQueryFailed, err)
	}

	event := dl.OutboxEvent
	event.NextAttemptAt = now
	if err := r.Enqueue(ctx, &event); err != nil {
		return err
	}
	if _, err := r.tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("failed to delete dead letter %s: %w: %w", eventID, ports.ErrDeleteFailed, err)
	}
	r.logger.Info(ctx, "Dead letter requeued", map[string]interface{}{"eventID": eventID, "sequence": event.Sequence})
	return nil
}

func (r *outboxRepo) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := r.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_events WHERE published_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w: %w", ports.ErrQueryFailed, err)
	}
	return n, nil
}

func scanOutboxEvent(s scanner) (*domain.OutboxEvent, error) {
	e := &domain.OutboxEvent{}
	var (
		typ, payload            string
		occurredAt, nextAttempt int64
		publishedAt             sql.NullInt64
	)
	err := s.Scan(&e.Sequence, &e.EventID, &typ, &occurredAt, &e.CorrelationID, &e.Environment, &payload,
		&publishedAt, &e.RetryCount, &nextAttempt, &e.LastError)
	if err != nil {
		return nil, err
	}
	e.Type = domain.EventType(typ)
	e.OccurredAt = fromNanos(occurredAt)
	e.NextAttemptAt = fromNanos(nextAttempt)
	e.Payload = []byte(payload)
	if publishedAt.Valid {
		t := fromNanos(publishedAt.Int64)
		e.PublishedAt = &t
	}
	return e, nil
}

func scanDeadLetter(s scanner) (*domain.DeadLetter, error) {
	dl := &domain.DeadLetter{}
	var (
		typ, payload         string
		occurredAt, lettered int64
	)
	err := s.Scan(&dl.EventID, &dl.Sequence, &typ, &occurredAt, &dl.CorrelationID, &dl.Environment, &payload,
		&dl.RetryCount, &dl.LastError, &dl.Reason, &lettered)
	if err != nil {
		return nil, err
	}
	dl.Type = domain.EventType(typ)
	dl.OccurredAt = fromNanos(occurredAt)
	dl.Payload = []byte(payload)
	dl.DeadLetteredAt = fromNanos(lettered)
	return dl, nil
}
