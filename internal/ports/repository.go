package ports

import (
	"context"
	"time"

	"tradeEngine/internal/domain"
)

// Store is the durable state of the engine. All read-modify-write sequences run in WithinTx.
type Store interface {
	// WithinTx runs fn in a single transaction, committing when fn returns nil.
	// Repositories obtained from tx must not be used after fn returns.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}

// Tx exposes the repositories bound to one transaction.
type Tx interface {
	Orders() OrderRepository
	Fills() FillRepository
	Positions() PositionRepository
	Ledger() LedgerRepository
	Risk() RiskRepository
	Outbox() OutboxRepository
}

// OrderRepository stores orders and their status history.
// Find methods return nil, nil when nothing matches.
type OrderRepository interface {
	// Create inserts a new order. Returns ErrDuplicateEntry if the idempotency key exists.
	Create(ctx context.Context, order *domain.Order) error
	Update(ctx context.Context, order *domain.Order) error
	FindByID(ctx context.Context, id string) (*domain.Order, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error)
	FindByBrokerRef(ctx context.Context, brokerRef string) (*domain.Order, error)
	// ListOpen returns SENT, ACCEPTED and PART_FILLED orders, optionally for one account.
	ListOpen(ctx context.Context, accountID string) ([]*domain.Order, error)
	AppendHistory(ctx context.Context, change *domain.OrderStatusChange) error
	History(ctx context.Context, orderID string) ([]*domain.OrderStatusChange, error)
}

// FillRepository stores executions.
type FillRepository interface {
	// Insert stores the fill unless a fill with the same dedup key exists.
	// Returns false when the fill was a duplicate.
	Insert(ctx context.Context, fill *domain.Fill) (bool, error)
	ListByOrder(ctx context.Context, orderID string) ([]*domain.Fill, error)
}

// PositionRepository stores one row per (account, symbol).
type PositionRepository interface {
	Get(ctx context.Context, accountID, symbol string) (*domain.Position, error)
	Upsert(ctx context.Context, pos *domain.Position) error
	ListByAccount(ctx context.Context, accountID string) ([]*domain.Position, error)
	ListAccounts(ctx context.Context) ([]string, error)
}

// LedgerRepository stores realized P&L movements.
type LedgerRepository interface {
	Append(ctx context.Context, entry *domain.LedgerEntry) error
	ListByAccount(ctx context.Context, accountID string, since time.Time) ([]*domain.LedgerEntry, error)
}

// RiskRepository stores risk rules and per-scope risk state.
type RiskRepository interface {
	Rules(ctx context.Context) ([]domain.RiskRule, error)
	// SaveRule inserts or replaces the rule keyed by (scope, account, symbol).
	SaveRule(ctx context.Context, rule *domain.RiskRule) error
	// GetState returns nil, nil when no state exists yet.
	GetState(ctx context.Context, scope domain.RiskScope, accountID string) (*domain.RiskState, error)
	SaveState(ctx context.Context, state *domain.RiskState) error
	ListStates(ctx context.Context) ([]*domain.RiskState, error)
}

// OutboxRepository stores pending events and dead letters.
type OutboxRepository interface {
	Enqueue(ctx context.Context, event *domain.OutboxEvent) error
	// Due returns unpublished events whose next attempt is at or before now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]*domain.OutboxEvent, error)
	MarkPublished(ctx context.Context, sequence int64, at time.Time) error
	MarkFailed(ctx context.Context, sequence int64, retryCount int, nextAttempt time.Time, lastErr string) error
	// DeadLetter copies the event to the dead-letter store and removes it from the queue.
	DeadLetter(ctx context.Context, event *domain.OutboxEvent, reason string, at time.Time) error
	ListDeadLetters(ctx context.Context, limit int) ([]*domain.DeadLetter, error)
	// Requeue moves a dead letter back to the queue with a fresh retry budget.
	Requeue(ctx context.Context, eventID string, now time.Time) error
	PendingCount(ctx context.Context) (int, error)
	ListByCorrelation(ctx context.Context, correlationID string) ([]*domain.OutboxEvent, error)
}
