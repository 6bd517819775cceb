package reconcile

import (
	"context"
	"fmt"
	"sort"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"

	"github.com/shopspring/decimal"
)

// Mismatch is a difference between the local and the broker position quantity.
type Mismatch struct {
	AccountID      string
	Symbol         string
	LocalQuantity  decimal.Decimal
	BrokerQuantity decimal.Decimal
}

// ReconcilePositions compares local positions of every known account, plus extraAccounts, with the broker.
// Each mismatch is logged and recorded as a WARNING alert; local state is never overwritten.
func (e *Engine) ReconcilePositions(ctx context.Context, source PositionSource, extraAccounts ...string) ([]Mismatch, error) {
	op := "ReconcilePositions"

	local := make(map[string]map[string]decimal.Decimal)
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		accounts, err := tx.Positions().ListAccounts(ctx)
		if err != nil {
			return err
		}
		for _, acc := range append(accounts, extraAccounts...) {
			if _, seen := local[acc]; seen || acc == "" {
				continue
			}
			positions, err := tx.Positions().ListByAccount(ctx, acc)
			if err != nil {
				return err
			}
			local[acc] = make(map[string]decimal.Decimal, len(positions))
			for _, p := range positions {
				local[acc][p.Symbol] = p.Quantity
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	accounts := make([]string, 0, len(local))
	for acc := range local {
		accounts = append(accounts, acc)
	}
	sort.Strings(accounts)

	var mismatches []Mismatch
	for _, acc := range accounts {
		remote, err := source.Positions(ctx, acc)
		if err != nil {
			e.logger.Error(ctx, err, op+": broker positions unavailable", map[string]interface{}{"account": acc})
			continue
		}
		mismatches = append(mismatches, diff(acc, local[acc], remote)...)
	}

	if len(mismatches) == 0 {
		e.logger.Debug(ctx, "Positions reconciled", map[string]interface{}{"accounts": len(accounts)})
		return nil, nil
	}

	err = e.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		for _, m := range mismatches {
			e.logger.Warn(ctx, "Position mismatch with broker", map[string]interface{}{
				"account": m.AccountID, "symbol": m.Symbol,
				"local": m.LocalQuantity.String(), "broker": m.BrokerQuantity.String(),
			})
			alert := domain.AlertPayload{
				Severity: domain.SeverityWarning,
				Source:   "reconcile",
				Message:  fmt.Sprintf("position mismatch for %s/%s", m.AccountID, m.Symbol),
				Details: map[string]interface{}{
					"local": m.LocalQuantity.String(), "broker": m.BrokerQuantity.String(),
				},
			}
			if _, err := e.recorder.Record(ctx, tx, domain.EventAlertDispatched, "reconcile:"+m.AccountID, alert); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return mismatches, fmt.Errorf("%s failed: %w", op, err)
	}
	return mismatches, nil
}

func diff(accountID string, local map[string]decimal.Decimal, remote []ports.BrokerPosition) []Mismatch {
	symbols := make(map[string]struct{}, len(local)+len(remote))
	broker := make(map[string]decimal.Decimal, len(remote))
	for _, p := range remote {
		broker[p.Symbol] = broker[p.Symbol].Add(p.Quantity)
		symbols[p.Symbol] = struct{}{}
	}
	for s := range local {
		symbols[s] = struct{}{}
	}

	sorted := make([]string, 0, len(symbols))
	for s := range symbols {
		sorted = append(sorted, s)
	}
	sort.Strings(sorted)

	var out []Mismatch
	for _, s := range sorted {
		if !local[s].Equal(broker[s]) {
			out = append(out, Mismatch{AccountID: accountID, Symbol: s, LocalQuantity: local[s], BrokerQuantity: broker[s]})
		}
	}
	return out
}
