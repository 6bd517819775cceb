package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"
)

type positionRepo struct {
	tx *sql.Tx
}

func (r *positionRepo) Get(ctx context.Context, accountID, symbol string) (*domain.Position, error) {
	const query = `
	SELECT account_id, symbol, quantity, avg_cost, realized_pnl, updated_at
	FROM positions WHERE account_id = ? AND symbol = ?`

	p, err := scanPosition(r.tx.QueryRowContext(ctx, query, accountID, symbol))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query position %s/%s: %w: %w", accountID, symbol, ports.ErrQueryFailed, err)
	}
	return p, nil
}

func (r *positionRepo) Upsert(ctx context.Context, p *domain.Position) error {
	const query = `
	INSERT INTO positions (account_id, symbol, quantity, avg_cost, realized_pnl, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (account_id, symbol) DO UPDATE SET
		quantity = excluded.quantity,
		avg_cost = excluded.avg_cost,
		realized_pnl = excluded.realized_pnl,
		updated_at = excluded.updated_at`

	_, err := r.tx.ExecContext(ctx, query, p.AccountID, p.Symbol, p.Quantity, p.AvgCost, p.RealizedPnL, toNanos(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert position %s/%s: %w: %w", p.AccountID, p.Symbol, ports.ErrUpdateFailed, err)
	}
	return nil
}

func (r *positionRepo) ListByAccount(ctx context.Context, accountID string) ([]*domain.Position, error) {
	const query = `
	SELECT account_id, symbol, quantity, avg_cost, realized_pnl, updated_at
	FROM positions WHERE account_id = ? ORDER BY symbol`

	rows, err := r.tx.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions for account %s: %w: %w", accountID, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

func (r *positionRepo) ListAccounts(ctx context.Context) ([]string, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT DISTINCT account_id FROM positions ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query position accounts: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		accounts = append(accounts, id)
	}
	return accounts, rows.Err()
}

func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var updatedAt int64
	if err := s.Scan(&p.AccountID, &p.Symbol, &p.Quantity, &p.AvgCost, &p.RealizedPnL, &updatedAt); err != nil {
		return nil, err
	}
	p.UpdatedAt = fromNanos(updatedAt)
	return p, nil
}
