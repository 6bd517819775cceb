package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"
)

type fillRepo struct {
	tx     *sql.Tx
	logger ports.Logger
}

// Insert stores the fill, ignoring it when the dedup key is already present.
func (r *fillRepo) Insert(ctx context.Context, f *domain.Fill) (bool, error) {
	const query = `
	INSERT INTO fills (id, order_id, account_id, symbol, side, price, quantity, fee, tax, filled_at, broker_ref, dedup_key)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (dedup_key) DO NOTHING`

	result, err := r.tx.ExecContext(ctx, query,
		f.ID, f.OrderID, f.AccountID, f.Symbol, f.Side, f.Price, f.Quantity, f.Fee, f.Tax,
		toNanos(f.FilledAt), f.BrokerRef, f.DedupKey())
	if err != nil {
		return false, fmt.Errorf("failed to insert fill for order %s: %w: %w", f.OrderID, ports.ErrQueryFailed, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected for fill %s: %w", f.ID, err)
	}
	if n == 0 {
		r.logger.Debug(ctx, "Duplicate fill ignored", map[string]interface{}{"orderID": f.OrderID, "dedupKey": f.DedupKey()})
		return false, nil
	}
	return true, nil
}

// ListByOrder returns the fills of an order in execution order.
func (r *fillRepo) ListByOrder(ctx context.Context, orderID string) ([]*domain.Fill, error) {
	const query = `
	SELECT id, order_id, account_id, symbol, side, price, quantity, fee, tax, filled_at, broker_ref
	FROM fills WHERE order_id = ? ORDER BY filled_at, rowid`

	rows, err := r.tx.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills for order %s: %w: %w", orderID, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	fills := make([]*domain.Fill, 0)
	for rows.Next() {
		f := &domain.Fill{}
		var side string
		var filledAt int64
		if err := rows.Scan(&f.ID, &f.OrderID, &f.AccountID, &f.Symbol, &side, &f.Price, &f.Quantity,
			&f.Fee, &f.Tax, &filledAt, &f.BrokerRef); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		f.Side = domain.OrderSide(side)
		f.FilledAt = fromNanos(filledAt)
		fills = append(fills, f)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fill rows: %w", err)
	}
	return fills, nil
}

type ledgerRepo struct {
	tx *sql.Tx
}

func (r *ledgerRepo) Append(ctx context.Context, e *domain.LedgerEntry) error {
	const query = `
	INSERT INTO pnl_ledger (account_id, symbol, fill_id, type, amount, at)
	VALUES (?, ?, ?, ?, ?, ?)`

	result, err := r.tx.ExecContext(ctx, query, e.AccountID, e.Symbol, e.FillID, e.Type, e.Amount, toNanos(e.At))
	if err != nil {
		return fmt.Errorf("failed to append ledger entry for fill %s: %w: %w", e.FillID, ports.ErrQueryFailed, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID for ledger entry: %w", err)
	}
	e.ID = id
	return nil
}

// ListByAccount returns ledger rows at or after since, oldest first.
func (r *ledgerRepo) ListByAccount(ctx context.Context, accountID string, since time.Time) ([]*domain.LedgerEntry, error) {
	const query = `
	SELECT id, account_id, symbol, fill_id, type, amount, at
	FROM pnl_ledger WHERE account_id = ? AND at >= ? ORDER BY id`

	rows, err := r.tx.QueryContext(ctx, query, accountID, toNanos(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger for account %s: %w: %w", accountID, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	entries := make([]*domain.LedgerEntry, 0)
	for rows.Next() {
		e := &domain.LedgerEntry{}
		var typ string
		var at int64
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Symbol, &e.FillID, &typ, &e.Amount, &at); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Type = domain.LedgerType(typ)
		e.At = fromNanos(at)
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger rows: %w", err)
	}
	return entries, nil
}
