// Package reconcile applies broker executions to positions, the P&L ledger and risk state,
// and checks local positions against the broker's view.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderProgress advances an order's filled quantity inside a transaction.
type OrderProgress interface {
	ApplyExecution(ctx context.Context, tx ports.Tx, orderID string, qty decimal.Decimal) (*domain.Order, error)
}

// RiskHook receives realized P&L inside the fill transaction.
type RiskHook interface {
	OnFillApplied(ctx context.Context, tx ports.Tx, accountID string, realizedPnlDelta decimal.Decimal) (*domain.RiskState, error)
}

// PositionSource reports the broker's positions.
type PositionSource interface {
	Positions(ctx context.Context, accountID string) ([]ports.BrokerPosition, error)
}

// Result is the outcome of applying one fill.
type Result struct {
	IsDuplicate      bool
	Position         *domain.Position
	Order            *domain.Order
	RealizedPnlDelta decimal.Decimal // before fee and tax
	RiskState        *domain.RiskState
}

// Engine applies fills exactly once.
type Engine struct {
	store    ports.Store
	orders   OrderProgress
	risk     RiskHook
	recorder ports.EventRecorder
	logger   ports.Logger
	metrics  ports.Metrics
	now      func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewEngine creates a reconciliation engine.
func NewEngine(store ports.Store, orders OrderProgress, risk RiskHook, recorder ports.EventRecorder,
	logger ports.Logger, metrics ports.Metrics) *Engine {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Engine{
		store:    store,
		orders:   orders,
		risk:     risk,
		recorder: recorder,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) lock(accountID, symbol string) func() {
	key := accountID + "|" + symbol
	e.locksMu.Lock()
	mu, ok := e.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[key] = mu
	}
	e.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// ApplyFill records the fill, updates the position and ledger, advances the order and feeds risk,
// all in one transaction. A fill seen before returns the current position with a zero delta.
func (e *Engine) ApplyFill(ctx context.Context, fill domain.Fill) (*Result, error) {
	op := "ApplyFill"
	if err := fill.Validate(); err != nil {
		return nil, err
	}
	if fill.ID == "" {
		fill.ID = uuid.NewString()
	}
	fill.FilledAt = fill.FilledAt.UTC()

	unlock := e.lock(fill.AccountID, fill.Symbol)
	defer unlock()

	var res *Result
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		res, err = e.apply(ctx, tx, &fill)
		return err
	})
	if err != nil {
		e.logger.Error(ctx, err, op+" failed", map[string]interface{}{
			"orderID": fill.OrderID, "account": fill.AccountID, "symbol": fill.Symbol,
		})
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	e.metrics.FillApplied(fill.Symbol, res.IsDuplicate)
	if res.IsDuplicate {
		e.logger.Info(ctx, "Duplicate fill ignored", map[string]interface{}{
			"orderID": fill.OrderID, "dedupKey": fill.DedupKey(),
		})
		return res, nil
	}
	e.logger.Info(ctx, "Fill applied", map[string]interface{}{
		"fillID": fill.ID, "orderID": fill.OrderID, "account": fill.AccountID, "symbol": fill.Symbol,
		"side": fill.Side, "qty": fill.Quantity.String(), "price": fill.Price.String(),
		"position": res.Position.Quantity.String(), "realized": res.RealizedPnlDelta.String(),
	})
	return res, nil
}

func (e *Engine) apply(ctx context.Context, tx ports.Tx, fill *domain.Fill) (*Result, error) {
	pos, err := tx.Positions().Get(ctx, fill.AccountID, fill.Symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = domain.NewPosition(fill.AccountID, fill.Symbol)
	}

	inserted, err := tx.Fills().Insert(ctx, fill)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return &Result{IsDuplicate: true, Position: pos, RealizedPnlDelta: decimal.Zero}, nil
	}

	delta := pos.ApplyFill(fill.Side, fill.Quantity, fill.Price, fill.FilledAt)
	if err := tx.Positions().Upsert(ctx, pos); err != nil {
		return nil, err
	}

	order, err := e.orders.ApplyExecution(ctx, tx, fill.OrderID, fill.Quantity)
	if err != nil {
		return nil, err
	}

	for _, entry := range ledgerEntries(fill, delta) {
		if err := tx.Ledger().Append(ctx, entry); err != nil {
			return nil, err
		}
	}

	net := delta.Sub(fill.Fee).Sub(fill.Tax)
	st, err := e.risk.OnFillApplied(ctx, tx, fill.AccountID, net)
	if err != nil {
		return nil, err
	}

	if err := e.recordEvents(ctx, tx, fill, order.CorrelationID, pos, delta, st); err != nil {
		return nil, err
	}
	return &Result{Position: pos, Order: order, RealizedPnlDelta: delta, RiskState: st}, nil
}

func ledgerEntries(fill *domain.Fill, delta decimal.Decimal) []*domain.LedgerEntry {
	var entries []*domain.LedgerEntry
	add := func(typ domain.LedgerType, amount decimal.Decimal) {
		entries = append(entries, &domain.LedgerEntry{
			AccountID: fill.AccountID, Symbol: fill.Symbol, FillID: fill.ID, Type: typ, Amount: amount, At: fill.FilledAt,
		})
	}
	if !delta.IsZero() {
		add(domain.LedgerFill, delta)
	}
	if fill.Fee.IsPositive() {
		add(domain.LedgerFee, fill.Fee.Neg())
	}
	if fill.Tax.IsPositive() {
		add(domain.LedgerTax, fill.Tax.Neg())
	}
	return entries
}

func (e *Engine) recordEvents(ctx context.Context, tx ports.Tx, fill *domain.Fill, correlationID string,
	pos *domain.Position, delta decimal.Decimal, st *domain.RiskState) error {
	if correlationID == "" {
		correlationID = fill.OrderID
	}
	type event struct {
		typ     domain.EventType
		payload interface{}
	}
	events := []event{
		{domain.EventFillReceived, domain.FillReceivedPayload{
			FillID: fill.ID, OrderID: fill.OrderID, AccountID: fill.AccountID, Symbol: fill.Symbol, Side: fill.Side,
			Price: fill.Price, Quantity: fill.Quantity, Fee: fill.Fee, Tax: fill.Tax, FilledAt: fill.FilledAt,
		}},
		{domain.EventPositionUpdated, domain.PositionUpdatedPayload{
			AccountID: pos.AccountID, Symbol: pos.Symbol, Quantity: pos.Quantity, AvgCost: pos.AvgCost, RealizedPnL: pos.RealizedPnL,
		}},
	}
	if !delta.IsZero() {
		events = append(events, event{domain.EventPnlUpdated, domain.PnlUpdatedPayload{
			AccountID: pos.AccountID, Symbol: pos.Symbol, FillID: fill.ID, Delta: delta,
			RealizedPnL: pos.RealizedPnL, DailyPnL: st.DailyPnL,
		}})
	}

	for _, ev := range events {
		if _, err := e.recorder.Record(ctx, tx, ev.typ, correlationID, ev.payload); err != nil {
			return err
		}
	}
	return nil
}
