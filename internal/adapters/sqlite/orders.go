package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"
)

type orderRepo struct {
	tx     *sql.Tx
	logger ports.Logger
}

const orderColumns = `id, account_id, symbol, side, type, quantity, price, filled_quantity, status,
	idempotency_key, broker_ref, reject_code, reject_message, correlation_id, created_at, updated_at`

// Create inserts a new order. A second order with the same idempotency key yields ErrDuplicateEntry.
func (r *orderRepo) Create(ctx context.Context, o *domain.Order) error {
	const query = `INSERT INTO orders (` + orderColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.tx.ExecContext(ctx, query,
		o.ID, o.AccountID, o.Symbol, o.Side, o.Type, o.Quantity, o.Price, o.FilledQuantity, o.Status,
		o.IdempotencyKey, o.BrokerRef, o.RejectCode, o.RejectMessage, o.CorrelationID,
		toNanos(o.CreatedAt), toNanos(o.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order with idempotency key %s: %w", o.IdempotencyKey, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to insert order %s: %w: %w", o.ID, ports.ErrQueryFailed, err)
	}
	r.logger.Debug(ctx, "Order created", map[string]interface{}{"orderID": o.ID, "status": o.Status})
	return nil
}

// Update persists the mutable fields of an order.
func (r *orderRepo) Update(ctx context.Context, o *domain.Order) error {
	const query = `
	UPDATE orders
	SET quantity = ?, price = ?, filled_quantity = ?, status = ?, broker_ref = ?,
	    reject_code = ?, reject_message = ?, updated_at = ?
	WHERE id = ?`

	result, err := r.tx.ExecContext(ctx, query,
		o.Quantity, o.Price, o.FilledQuantity, o.Status, o.BrokerRef,
		o.RejectCode, o.RejectMessage, toNanos(o.UpdatedAt), o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w: %w", o.ID, ports.ErrUpdateFailed, err)
	}
	return requireAffected(result, "order "+o.ID)
}

func (r *orderRepo) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	return r.findOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
}

func (r *orderRepo) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	return r.findOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = ?`, key)
}

func (r *orderRepo) FindByBrokerRef(ctx context.Context, brokerRef string) (*domain.Order, error) {
	if brokerRef == "" {
		return nil, nil
	}
	return r.findOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE broker_ref = ? ORDER BY created_at DESC LIMIT 1`, brokerRef)
}

func (r *orderRepo) findOne(ctx context.Context, query string, arg interface{}) (*domain.Order, error) {
	o, err := scanOrder(r.tx.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query order %v: %w: %w", arg, ports.ErrQueryFailed, err)
	}
	return o, nil
}

// ListOpen returns working orders, oldest first. An empty accountID lists every account.
func (r *orderRepo) ListOpen(ctx context.Context, accountID string) ([]*domain.Order, error) {
	const query = `SELECT ` + orderColumns + ` FROM orders
	WHERE status IN (?, ?, ?) AND (? = '' OR account_id = ?)
	ORDER BY created_at`

	rows, err := r.tx.QueryContext(ctx, query,
		domain.StatusSent, domain.StatusAccepted, domain.StatusPartFilled, accountID, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	orders := make([]*domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order during ListOpen: %w", err)
		}
		orders = append(orders, o)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order rows: %w", err)
	}
	return orders, nil
}

// AppendHistory records a status transition.
func (r *orderRepo) AppendHistory(ctx context.Context, c *domain.OrderStatusChange) error {
	const query = `
	INSERT INTO order_status_history (order_id, prev_status, new_status, reason, at)
	VALUES (?, ?, ?, ?, ?)`

	result, err := r.tx.ExecContext(ctx, query, c.OrderID, c.PrevStatus, c.NewStatus, c.Reason, toNanos(c.At))
	if err != nil {
		return fmt.Errorf("failed to append history for order %s: %w: %w", c.OrderID, ports.ErrQueryFailed, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID for order history %s: %w", c.OrderID, err)
	}
	c.ID = id
	return nil
}

// History returns the transitions of an order in the order they happened.
func (r *orderRepo) History(ctx context.Context, orderID string) ([]*domain.OrderStatusChange, error) {
	const query = `
	SELECT id, order_id, prev_status, new_status, reason, at
	FROM order_status_history WHERE order_id = ? ORDER BY id`

	rows, err := r.tx.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for order %s: %w: %w", orderID, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	changes := make([]*domain.OrderStatusChange, 0)
	for rows.Next() {
		c := &domain.OrderStatusChange{}
		var prev, next string
		var at int64
		if err := rows.Scan(&c.ID, &c.OrderID, &prev, &next, &c.Reason, &at); err != nil {
			return nil, fmt.Errorf("failed to scan order history: %w", err)
		}
		c.PrevStatus = domain.OrderStatus(prev)
		c.NewStatus = domain.OrderStatus(next)
		c.At = fromNanos(at)
		changes = append(changes, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order history rows: %w", err)
	}
	return changes, nil
}

func scanOrder(s scanner) (*domain.Order, error) {
	o := &domain.Order{}
	var side, typ, status string
	var createdAt, updatedAt int64
	err := s.Scan(
		&o.ID, &o.AccountID, &o.Symbol, &side, &typ, &o.Quantity, &o.Price, &o.FilledQuantity, &status,
		&o.IdempotencyKey, &o.BrokerRef, &o.RejectCode, &o.RejectMessage, &o.CorrelationID,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = fromNanos(createdAt)
	o.UpdatedAt = fromNanos(updatedAt)
	return o, nil
}
