// Package risk implements pre-trade checks, post-fill containment and the kill switch.
package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"

	"github.com/shopspring/decimal"
)

// FrequencyWindow is the sliding window for the orders-per-minute limit.
const FrequencyWindow = time.Minute

// Manager evaluates risk against persisted rules and state. It holds no risk state of its own;
// every call names its scope and account.
type Manager struct {
	store    ports.Store
	recorder ports.EventRecorder
	logger   ports.Logger
	metrics  ports.Metrics
	now      func() time.Time
}

// NewManager creates a risk manager.
func NewManager(store ports.Store, recorder ports.EventRecorder, logger ports.Logger, metrics ports.Metrics) *Manager {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Manager{store: store, recorder: recorder, logger: logger, metrics: metrics, now: time.Now}
}

// WithClock overrides the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Evaluate runs the pre-trade check in its own transaction.
func (m *Manager) Evaluate(ctx context.Context, accountID, symbol string, side domain.OrderSide, intendedValue decimal.Decimal) (domain.Decision, error) {
	var decision domain.Decision
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		decision, err = m.EvaluateTx(ctx, tx, accountID, symbol, side, intendedValue)
		return err
	})
	return decision, err
}

// EvaluateTx checks, in order: global kill switch, account kill switch, open orders,
// order frequency and position value. The first breach denies.
func (m *Manager) EvaluateTx(ctx context.Context, tx ports.Tx, accountID, symbol string, side domain.OrderSide, intendedValue decimal.Decimal) (domain.Decision, error) {
	now := m.now().UTC()

	global, err := m.loadState(ctx, tx, domain.ScopeGlobal, "", now)
	if err != nil {
		return domain.Decision{}, err
	}
	account, err := m.loadState(ctx, tx, domain.ScopePerAccount, accountID, now)
	if err != nil {
		return domain.Decision{}, err
	}
	pos, err := tx.Positions().Get(ctx, accountID, symbol)
	if err != nil {
		return domain.Decision{}, err
	}
	if pos == nil {
		pos = domain.NewPosition(accountID, symbol)
	}
	increasing := pos.IncreasesExposure(side)

	decision, err := m.check(ctx, tx, global, account, pos, side, intendedValue, increasing, now)
	if err != nil {
		return domain.Decision{}, err
	}
	if !decision.Approved {
		m.metrics.RiskDenied(decision.Reason)
		m.logger.Warn(ctx, "Order denied by risk", map[string]interface{}{
			"account": accountID, "symbol": symbol, "reason": decision.Reason, "message": decision.Message,
		})
	}
	return decision, nil
}

func (m *Manager) check(ctx context.Context, tx ports.Tx, global, account *domain.RiskState, pos *domain.Position,
	side domain.OrderSide, intendedValue decimal.Decimal, increasing bool, now time.Time) (domain.Decision, error) {

	for _, st := range []*domain.RiskState{global, account} {
		switch st.KillSwitch {
		case domain.KillSwitchOn:
			return domain.Deny(domain.ReasonKillSwitchOn, "%s kill switch is ON: %s", scopeLabel(st), st.KillSwitchReason), nil
		case domain.KillSwitchArmed:
			if increasing {
				return domain.Deny(domain.ReasonKillSwitchArmed, "%s kill switch is ARMED, only reducing orders allowed", scopeLabel(st)), nil
			}
		}
	}

	rules, err := tx.Risk().Rules(ctx)
	if err != nil {
		return domain.Decision{}, err
	}
	limits := domain.ResolveLimits(rules, account.AccountID, pos.Symbol)

	if limits.MaxOpenOrders != nil && account.OpenOrders >= *limits.MaxOpenOrders {
		return domain.Deny(domain.ReasonMaxOpenOrders, "%d open orders, limit %d", account.OpenOrders, *limits.MaxOpenOrders), nil
	}

	account.PruneTimestamps(now, FrequencyWindow)
	if limits.MaxOrdersPerMinute != nil && len(account.OrderTimestamps) >= *limits.MaxOrdersPerMinute {
		return domain.Deny(domain.ReasonOrderFrequency, "%d orders in the last minute, limit %d",
			len(account.OrderTimestamps), *limits.MaxOrdersPerMinute), nil
	}

	if limits.MaxPositionValue.Valid {
		if !intendedValue.IsPositive() {
			return domain.Deny(domain.ReasonNoPrice, "no reference price to value the %s order against limit %s",
				pos.Symbol, limits.MaxPositionValue.Decimal.String()), nil
		}
		projected := pos.SignedCostValue().Add(side.Signed(intendedValue)).Abs()
		if projected.GreaterThan(limits.MaxPositionValue.Decimal) {
			return domain.Deny(domain.ReasonPositionLimit, "projected %s position value %s exceeds limit %s",
				pos.Symbol, projected.StringFixed(2), limits.MaxPositionValue.Decimal.String()), nil
		}
	}
	return domain.Approve(), nil
}

// OnOrderApproved reserves an open-order slot and a frequency entry for an order that passed
// EvaluateTx. Call it in the same transaction so concurrent placements see the reservation.
// The slot is released by OnOrderClosed; the frequency entry ages out of the window.
func (m *Manager) OnOrderApproved(ctx context.Context, tx ports.Tx, accountID string) error {
	now := m.now().UTC()
	st, err := m.loadState(ctx, tx, domain.ScopePerAccount, accountID, now)
	if err != nil {
		return err
	}
	st.OpenOrders++
	st.PruneTimestamps(now, FrequencyWindow)
	st.OrderTimestamps = append(st.OrderTimestamps, now)
	st.UpdatedAt = now
	return tx.Risk().SaveState(ctx, st)
}

// OnOrderSubmitted records a broker acknowledgement and clears the failure streak.
func (m *Manager) OnOrderSubmitted(ctx context.Context, tx ports.Tx, accountID string) error {
	now := m.now().UTC()
	st, err := m.loadState(ctx, tx, domain.ScopePerAccount, accountID, now)
	if err != nil {
		return err
	}
	if st.ConsecutiveFailures == 0 {
		return nil
	}
	st.ConsecutiveFailures = 0
	st.UpdatedAt = now
	return tx.Risk().SaveState(ctx, st)
}

// OnOrderClosed releases the slot of an approved order that reached a terminal status.
func (m *Manager) OnOrderClosed(ctx context.Context, tx ports.Tx, accountID string) error {
	now := m.now().UTC()
	st, err := m.loadState(ctx, tx, domain.ScopePerAccount, accountID, now)
	if err != nil {
		return err
	}
	if st.OpenOrders > 0 {
		st.OpenOrders--
	}
	st.UpdatedAt = now
	return tx.Risk().SaveState(ctx, st)
}

// OnOrderFailed counts a broker failure and may trip the account kill switch.
func (m *Manager) OnOrderFailed(ctx context.Context, tx ports.Tx, accountID string) (*domain.RiskState, error) {
	now := m.now().UTC()
	st, err := m.loadState(ctx, tx, domain.ScopePerAccount, accountID, now)
	if err != nil {
		return nil, err
	}
	st.ConsecutiveFailures++
	st.UpdatedAt = now
	if err := m.checkTrip(ctx, tx, st); err != nil {
		return nil, err
	}
	return st, tx.Risk().SaveState(ctx, st)
}

// OnFillApplied accumulates realized P&L into the account's daily P&L, refreshes exposure
// and trips the kill switch when a containment threshold is breached.
func (m *Manager) OnFillApplied(ctx context.Context, tx ports.Tx, accountID string, realizedPnlDelta decimal.Decimal) (*domain.RiskState, error) {
	now := m.now().UTC()
	st, err := m.loadState(ctx, tx, domain.ScopePerAccount, accountID, now)
	if err != nil {
		return nil, err
	}
	st.DailyPnL = st.DailyPnL.Add(realizedPnlDelta)

	positions, err := tx.Positions().ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	exposure := decimal.Zero
	for _, p := range positions {
		exposure = exposure.Add(p.CostValue())
	}
	st.Exposure = exposure
	st.UpdatedAt = now

	if err := m.checkTrip(ctx, tx, st); err != nil {
		return nil, err
	}
	return st, tx.Risk().SaveState(ctx, st)
}

// checkTrip turns the switch ON when daily loss or the failure streak breaches its limit.
// An ON switch is left untouched and nothing is recorded.
func (m *Manager) checkTrip(ctx context.Context, tx ports.Tx, st *domain.RiskState) error {
	if st.KillSwitch == domain.KillSwitchOn {
		return nil
	}
	rules, err := tx.Risk().Rules(ctx)
	if err != nil {
		return err
	}
	limits := domain.ResolveLimits(rules, st.AccountID, "")

	var reason string
	var code domain.RiskReason
	switch {
	case limits.DailyLossLimit.Valid && st.DailyPnL.LessThan(limits.DailyLossLimit.Decimal.Neg()):
		code = domain.ReasonDailyLoss
		over := st.DailyPnL.Neg().Sub(limits.DailyLossLimit.Decimal)
		reason = fmt.Sprintf("%s: daily P&L %s breached limit -%s by %s",
			code, st.DailyPnL.String(), limits.DailyLossLimit.Decimal.String(), over.String())
	case limits.MaxConsecutiveFailures != nil && *limits.MaxConsecutiveFailures > 0 &&
		st.ConsecutiveFailures >= *limits.MaxConsecutiveFailures:
		code = domain.ReasonFailureStreak
		reason = fmt.Sprintf("%s: %d consecutive order failures reached limit %d",
			code, st.ConsecutiveFailures, *limits.MaxConsecutiveFailures)
	default:
		return nil
	}

	return m.transition(ctx, tx, st, domain.KillSwitchOn, reason, false)
}

func (m *Manager) transition(ctx context.Context, tx ports.Tx, st *domain.RiskState, to domain.KillSwitchStatus, reason string, manual bool) error {
	from := st.KillSwitch
	st.KillSwitch = to
	st.KillSwitchReason = reason
	st.UpdatedAt = m.now().UTC()

	correlation := "risk:" + string(st.Scope) + ":" + st.AccountID
	payload := domain.KillSwitchChangedPayload{
		Scope: st.Scope, AccountID: st.AccountID, From: from, To: to, Reason: reason, Manual: manual,
	}
	if _, err := m.recorder.Record(ctx, tx, domain.EventKillSwitchChanged, correlation, payload); err != nil {
		return err
	}
	if to == domain.KillSwitchOn && !manual {
		alert := domain.AlertPayload{
			Severity: domain.SeverityCritical,
			Source:   "risk",
			Message:  "kill switch tripped for " + scopeLabel(st),
			Details:  map[string]interface{}{"reason": reason},
		}
		if _, err := m.recorder.Record(ctx, tx, domain.EventAlertDispatched, correlation, alert); err != nil {
			return err
		}
	}

	m.metrics.KillSwitch(st.Scope, st.AccountID, to)
	m.logger.Warn(ctx, "Kill switch changed", map[string]interface{}{
		"scope": st.Scope, "account": st.AccountID, "from": from, "to": to, "reason": reason, "manual": manual,
	})
	return nil
}

// SetKillSwitch is the manual override. It is the only way to turn a switch OFF.
func (m *Manager) SetKillSwitch(ctx context.Context, scope domain.RiskScope, accountID string, status domain.KillSwitchStatus, reason string) (*domain.RiskState, error) {
	op := "SetKillSwitch"
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%s failed: %w", op, domain.ErrKillSwitchReason)
	}
	if _, err := domain.ParseKillSwitchStatus(string(status)); err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	if err := validateScope(scope, accountID); err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	var state *domain.RiskState
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		st, err := m.loadState(ctx, tx, scope, accountID, m.now().UTC())
		if err != nil {
			return err
		}
		if st.KillSwitch != status {
			if err := m.transition(ctx, tx, st, status, reason, true); err != nil {
				return err
			}
		}
		state = st
		return tx.Risk().SaveState(ctx, st)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// State returns the current risk state for a scope. A scope never written to reads as a fresh OFF state.
func (m *Manager) State(ctx context.Context, scope domain.RiskScope, accountID string) (*domain.RiskState, error) {
	if err := validateScope(scope, accountID); err != nil {
		return nil, err
	}
	var state *domain.RiskState
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		state, err = m.loadState(ctx, tx, scope, accountID, m.now().UTC())
		return err
	})
	return state, err
}

// States lists every persisted risk state.
func (m *Manager) States(ctx context.Context) ([]*domain.RiskState, error) {
	var states []*domain.RiskState
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		states, err = tx.Risk().ListStates(ctx)
		return err
	})
	return states, err
}

// ResetDaily rolls every risk state to day. Kill-switch status is kept.
func (m *Manager) ResetDaily(ctx context.Context, day string) error {
	return m.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		states, err := tx.Risk().ListStates(ctx)
		if err != nil {
			return err
		}
		for _, st := range states {
			st.ResetDaily(day)
			st.UpdatedAt = m.now().UTC()
			if err := tx.Risk().SaveState(ctx, st); err != nil {
				return err
			}
		}
		m.logger.Info(ctx, "Risk daily reset", map[string]interface{}{"day": day, "states": len(states)})
		return nil
	})
}

// SaveRule stores or replaces a rule.
func (m *Manager) SaveRule(ctx context.Context, rule *domain.RiskRule) error {
	switch rule.Scope {
	case domain.ScopeGlobal, domain.ScopePerAccount, domain.ScopePerSymbol:
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnsupportedScope, rule.Scope)
	}
	return m.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		return tx.Risk().SaveRule(ctx, rule)
	})
}

// loadState returns the persisted state or a fresh one, rolled to the current trading day.
func (m *Manager) loadState(ctx context.Context, tx ports.Tx, scope domain.RiskScope, accountID string, now time.Time) (*domain.RiskState, error) {
	st, err := tx.Risk().GetState(ctx, scope, accountID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return domain.NewRiskState(scope, accountID, now), nil
	}
	if st.RollIfStale(now) {
		m.logger.Debug(ctx, "Risk state rolled to new trading day", map[string]interface{}{
			"scope": scope, "account": accountID, "day": st.TradingDay,
		})
	}
	return st, nil
}

func validateScope(scope domain.RiskScope, accountID string) error {
	switch {
	case scope == domain.ScopeGlobal && accountID == "":
		return nil
	case scope == domain.ScopePerAccount && accountID != "":
		return nil
	default:
		return fmt.Errorf("%w: %s with account %q", domain.ErrUnsupportedScope, scope, accountID)
	}
}

func scopeLabel(st *domain.RiskState) string {
	if st.Scope == domain.ScopeGlobal {
		return "global"
	}
	return "account " + st.AccountID
}
