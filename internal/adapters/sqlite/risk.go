package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"
)

type riskRepo struct {
	tx *sql.Tx
}

func (r *riskRepo) Rules(ctx context.Context) ([]domain.RiskRule, error) {
	const query = `
	SELECT id, scope, account_id, symbol, max_position_value, max_open_orders,
	       max_orders_per_minute, daily_loss_limit, max_consecutive_failures
	FROM risk_rules ORDER BY id`

	rows, err := r.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk rules: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	var rules []domain.RiskRule
	for rows.Next() {
		var (
			rule                     domain.RiskRule
			scope                    string
			maxOpen, perMin, maxFail sql.NullInt64
		)
		if err := rows.Scan(&rule.ID, &scope, &rule.AccountID, &rule.Symbol, &rule.MaxPositionValue,
			&maxOpen, &perMin, &rule.DailyLossLimit, &maxFail); err != nil {
			return nil, fmt.Errorf("failed to scan risk rule: %w", err)
		}
		rule.Scope = domain.RiskScope(scope)
		rule.MaxOpenOrders = intFromNull(maxOpen)
		rule.MaxOrdersPerMinute = intFromNull(perMin)
		rule.MaxConsecutiveFailures = intFromNull(maxFail)
		rules = append(rules, rule)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating risk rule rows: %w", err)
	}
	return rules, nil
}

func (r *riskRepo) SaveRule(ctx context.Context, rule *domain.RiskRule) error {
	const query = `
	INSERT INTO risk_rules (scope, account_id, symbol, max_position_value, max_open_orders,
	                        max_orders_per_minute, daily_loss_limit, max_consecutive_failures)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (scope, account_id, symbol) DO UPDATE SET
		max_position_value = excluded.max_position_value,
		max_open_orders = excluded.max_open_orders,
		max_orders_per_minute = excluded.max_orders_per_minute,
		daily_loss_limit = excluded.daily_loss_limit,
		max_consecutive_failures = excluded.max_consecutive_failures
	RETURNING id`

	err := r.tx.QueryRowContext(ctx, query, rule.Scope, rule.AccountID, rule.Symbol, rule.MaxPositionValue,
		nullFromInt(rule.MaxOpenOrders), nullFromInt(rule.MaxOrdersPerMinute), rule.DailyLossLimit,
		nullFromInt(rule.MaxConsecutiveFailures)).Scan(&rule.ID)
	if err != nil {
		return fmt.Errorf("failed to save %s risk rule: %w: %w", rule.Scope, ports.ErrUpdateFailed, err)
	}
	return nil
}

const riskStateColumns = `scope, account_id, trading_day, daily_pnl, exposure, consecutive_failures,
	open_orders, order_timestamps, kill_switch, kill_switch_reason, updated_at`

func (r *riskRepo) GetState(ctx context.Context, scope domain.RiskScope, accountID string) (*domain.RiskState, error) {
	query := `SELECT ` + riskStateColumns + ` FROM risk_state WHERE scope = ? AND account_id = ?`

	st, err := scanRiskState(r.tx.QueryRowContext(ctx, query, scope, accountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query risk state %s/%s: %w: %w", scope, accountID, ports.ErrQueryFailed, err)
	}
	return st, nil
}

func (r *riskRepo) SaveState(ctx context.Context, st *domain.RiskState) error {
	query := `INSERT INTO risk_state (` + riskStateColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (scope, account_id) DO UPDATE SET
		trading_day = excluded.trading_day,
		daily_pnl = excluded.daily_pnl,
		exposure = excluded.exposure,
		consecutive_failures = excluded.consecutive_failures,
		open_orders = excluded.open_orders,
		order_timestamps = excluded.order_timestamps,
		kill_switch = excluded.kill_switch,
		kill_switch_reason = excluded.kill_switch_reason,
		updated_at = excluded.updated_at`

	stamps := make([]int64, 0, len(st.OrderTimestamps))
	for _, ts := range st.OrderTimestamps {
		stamps = append(stamps, toNanos(ts))
	}
	encoded, err := json.Marshal(stamps)
	if err != nil {
		return fmt.Errorf("failed to encode order timestamps: %w", err)
	}

	_, err = r.tx.ExecContext(ctx, query, st.Scope, st.AccountID, st.TradingDay, st.DailyPnL, st.Exposure,
		st.ConsecutiveFailures, st.OpenOrders, string(encoded), st.KillSwitch, st.KillSwitchReason, toNanos(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save risk state %s/%s: %w: %w", st.Scope, st.AccountID, ports.ErrUpdateFailed, err)
	}
	return nil
}

func (r *riskRepo) ListStates(ctx context.Context) ([]*domain.RiskState, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT `+riskStateColumns+` FROM risk_state ORDER BY scope, account_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk states: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	states := make([]*domain.RiskState, 0)
	for rows.Next() {
		st, err := scanRiskState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan risk state: %w", err)
		}
		states = append(states, st)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating risk state rows: %w", err)
	}
	return states, nil
}

func scanRiskState(s scanner) (*domain.RiskState, error) {
	st := &domain.RiskState{}
	var scope, killSwitch, stamps string
	var updatedAt int64
	err := s.Scan(&scope, &st.AccountID, &st.TradingDay, &st.DailyPnL, &st.Exposure, &st.ConsecutiveFailures,
		&st.OpenOrders, &stamps, &killSwitch, &st.KillSwitchReason, &updatedAt)
	if err != nil {
		return nil, err
	}
	st.Scope = domain.RiskScope(scope)
	st.KillSwitch = domain.KillSwitchStatus(killSwitch)
	st.UpdatedAt = fromNanos(updatedAt)

	var nanos []int64
	if err := json.Unmarshal([]byte(stamps), &nanos); err != nil {
		return nil, fmt.Errorf("failed to decode order timestamps: %w", err)
	}
	for _, n := range nanos {
		st.OrderTimestamps = append(st.OrderTimestamps, fromNanos(n))
	}
	return st, nil
}

func intFromNull(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullFromInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
