// Package order owns the order lifecycle: idempotent placement, broker submission
// and every status transition.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
)

// RiskChecker is the part of the risk engine the order manager drives.
type RiskChecker interface {
	EvaluateTx(ctx context.Context, tx ports.Tx, accountID, symbol string, side domain.OrderSide, intendedValue decimal.Decimal) (domain.Decision, error)
	OnOrderApproved(ctx context.Context, tx ports.Tx, accountID string) error
	OnOrderSubmitted(ctx context.Context, tx ports.Tx, accountID string) error
	OnOrderFailed(ctx context.Context, tx ports.Tx, accountID string) (*domain.RiskState, error)
	OnOrderClosed(ctx context.Context, tx ports.Tx, accountID string) error
}

// PriceSource supplies a valuation price for market orders that carry none.
type PriceSource interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// Config bounds broker calls.
type Config struct {
	SubmitTimeout  time.Duration
	SubmitAttempts int
	RetryBase      time.Duration
	RetryMax       time.Duration
}

// Manager places orders and applies every status change.
type Manager struct {
	store    ports.Store
	broker   ports.Broker
	risk     RiskChecker
	recorder ports.EventRecorder
	prices   PriceSource
	logger   ports.Logger
	metrics  ports.Metrics
	cfg      Config
	backoff  *backoff.Backoff
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewManager creates an order manager.
func NewManager(store ports.Store, broker ports.Broker, risk RiskChecker, recorder ports.EventRecorder,
	logger ports.Logger, metrics ports.Metrics, cfg Config) *Manager {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	if cfg.SubmitAttempts <= 0 {
		cfg.SubmitAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 2 * time.Second
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Manager{
		store:    store,
		broker:   broker,
		risk:     risk,
		recorder: recorder,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		backoff:  &backoff.Backoff{Min: cfg.RetryBase, Max: cfg.RetryMax, Factor: 2, Jitter: false},
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// WithClock overrides the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithPriceSource sets the valuation source for market orders.
func (m *Manager) WithPriceSource(p PriceSource) *Manager {
	m.prices = p
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PlaceOrder creates the order for req.IdempotencyKey, or returns the existing one untouched.
// Broker failures never surface as errors; they are recorded on the returned order's status.
func (m *Manager) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	op := "PlaceOrder"
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !req.Price.Valid && req.RefPrice.IsZero() && m.prices != nil {
		if px, ok := m.prices.LastPrice(req.Symbol); ok {
			req.RefPrice = px
		}
	}

	var (
		order  *domain.Order
		submit bool
	)
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		existing, err := tx.Orders().FindByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			order = existing
			return nil
		}

		if err := m.valueAtCost(ctx, tx, &req); err != nil {
			return err
		}
		decision, err := m.risk.EvaluateTx(ctx, tx, req.AccountID, req.Symbol, req.Side, req.NotionalValue())
		if err != nil {
			return err
		}
		if decision.Approved {
			if err := m.risk.OnOrderApproved(ctx, tx, req.AccountID); err != nil {
				return err
			}
		}
		order, err = m.create(ctx, tx, req, decision)
		submit = decision.Approved
		return err
	})
	if errors.Is(err, ports.ErrDuplicateEntry) {
		// Lost the race on the idempotency key; the winner's order is authoritative.
		return m.findByKey(ctx, req.IdempotencyKey)
	}
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	if !submit {
		return order, nil
	}

	m.submit(ctx, order)
	return order, nil
}

// valueAtCost prices an unpriced market order at the position's average cost.
func (m *Manager) valueAtCost(ctx context.Context, tx ports.Tx, req *domain.OrderRequest) error {
	if req.Price.Valid || req.RefPrice.IsPositive() {
		return nil
	}
	pos, err := tx.Positions().Get(ctx, req.AccountID, req.Symbol)
	if err != nil {
		return err
	}
	if pos != nil && pos.AvgCost.IsPositive() {
		req.RefPrice = pos.AvgCost
	}
	return nil
}

func (m *Manager) create(ctx context.Context, tx ports.Tx, req domain.OrderRequest, decision domain.Decision) (*domain.Order, error) {
	now := m.now().UTC()
	o := &domain.Order{
		ID:             uuid.NewString(),
		AccountID:      req.AccountID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Quantity:       req.Quantity,
		Price:          req.Price,
		FilledQuantity: decimal.Zero,
		Status:         domain.StatusNew,
		IdempotencyKey: req.IdempotencyKey,
		CorrelationID:  req.CorrelationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if o.CorrelationID == "" {
		o.CorrelationID = o.ID
	}
	if err := tx.Orders().Create(ctx, o); err != nil {
		return nil, err
	}

	evaluated := domain.RiskEvaluatedPayload{
		AccountID: req.AccountID, Symbol: req.Symbol, Side: req.Side, IntendedValue: req.NotionalValue(),
		Approved: decision.Approved, Reason: decision.Reason, Message: decision.Message,
	}
	if _, err := m.recorder.Record(ctx, tx, domain.EventRiskEvaluated, o.CorrelationID, evaluated); err != nil {
		return nil, err
	}

	if !decision.Approved {
		o.RejectCode = string(decision.Reason)
		o.RejectMessage = decision.Message
		// A denied order never held a slot.
		if err := m.move(ctx, tx, o, domain.StatusRejected, "risk: "+decision.Message); err != nil {
			return nil, err
		}
	}

	placed := domain.OrderPlacedPayload{
		OrderID: o.ID, AccountID: o.AccountID, Symbol: o.Symbol, Side: o.Side, Type: o.Type,
		Quantity: o.Quantity, Price: o.Price, Status: o.Status, IdempotencyKey: o.IdempotencyKey,
	}
	if _, err := m.recorder.Record(ctx, tx, domain.EventOrderPlaced, o.CorrelationID, placed); err != nil {
		return nil, err
	}

	m.logger.Info(ctx, "Order created", map[string]interface{}{
		"orderID": o.ID, "account": o.AccountID, "symbol": o.Symbol, "side": o.Side, "status": o.Status,
	})
	return o, nil
}

// submit sends the order to the broker and records the outcome. No transaction is open during the call.
func (m *Manager) submit(ctx context.Context, o *domain.Order) {
	ack, sendErr := m.submitWithRetry(ctx, o)

	err := m.store.WithinTx(context.WithoutCancel(ctx), func(ctx context.Context, tx ports.Tx) error {
		cur, err := tx.Orders().FindByID(ctx, o.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("order %s: %w", o.ID, ports.ErrOrderNotFound)
		}
		defer func() { *o = *cur }()

		if cur.Status != domain.StatusNew {
			// The stream already moved the order on.
			if sendErr == nil && ack.Success && cur.BrokerRef == "" {
				cur.BrokerRef = ack.BrokerOrderNo
				cur.UpdatedAt = m.now().UTC()
				return tx.Orders().Update(ctx, cur)
			}
			return nil
		}

		switch {
		case sendErr == nil && ack.Success:
			cur.BrokerRef = ack.BrokerOrderNo
			return m.markSent(ctx, tx, cur, "acknowledged by broker")
		case sendErr == nil:
			cur.RejectCode = ports.RejectByBroker
			cur.RejectMessage = ack.RejectReason
			if err := m.transition(ctx, tx, cur, domain.StatusRejected, "broker: "+ack.RejectReason); err != nil {
				return err
			}
		default:
			cur.RejectCode = ports.RejectCode(sendErr)
			cur.RejectMessage = sendErr.Error()
			if err := m.transition(ctx, tx, cur, domain.StatusError, "submit failed: "+cur.RejectCode); err != nil {
				return err
			}
		}
		_, err = m.risk.OnOrderFailed(ctx, tx, cur.AccountID)
		return err
	})
	if err != nil {
		m.logger.Error(ctx, err, "Failed to record broker submission outcome", map[string]interface{}{"orderID": o.ID})
	}
}

func (m *Manager) submitWithRetry(ctx context.Context, o *domain.Order) (*ports.OrderAck, error) {
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.SubmitTimeout)
		ack, err := m.broker.PlaceOrder(callCtx, o)
		if err == nil && ack == nil {
			err = fmt.Errorf("%w: empty broker ack", ports.ErrUnknown)
		}
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err == nil {
			return ack, nil
		}
		if timedOut && !errors.Is(err, ports.ErrTimeout) {
			err = fmt.Errorf("%w: %w", ports.ErrTimeout, err)
		}
		if !ports.IsRetryable(err) || attempt+1 >= m.cfg.SubmitAttempts {
			m.logger.Error(ctx, err, "Broker submission failed", map[string]interface{}{"orderID": o.ID, "attempt": attempt + 1})
			return nil, err
		}

		delay := m.backoff.ForAttempt(float64(attempt))
		m.logger.Warn(ctx, "Broker submission failed, retrying", map[string]interface{}{
			"orderID": o.ID, "attempt": attempt + 1, "delay": delay.String(), "error": err.Error(),
		})
		if sleepErr := m.sleep(ctx, delay); sleepErr != nil {
			return nil, fmt.Errorf("%w: %w", ports.ErrContextCanceled, err)
		}
	}
}

// CancelOrder asks the broker to cancel and marks the order CANCELLED once the broker accepts.
func (m *Manager) CancelOrder(ctx context.Context, orderID, reason string) (*domain.Order, error) {
	op := "CancelOrder"
	o, err := m.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Status.IsCancellable() {
		return nil, &domain.OrderStateError{Op: "cancel", OrderID: o.ID, Status: o.Status}
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.SubmitTimeout)
	err = m.broker.CancelOrder(callCtx, o)
	cancel()
	if err != nil {
		m.logger.Error(ctx, err, op+" failed at broker", map[string]interface{}{"orderID": o.ID})
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	if reason == "" {
		reason = "cancel requested"
	}
	err = m.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		cur, err := m.mustFind(ctx, tx, orderID)
		if err != nil {
			return err
		}
		o = cur
		if !cur.Status.IsCancellable() {
			// Filled or rejected while the cancel was in flight.
			return nil
		}
		return m.transition(ctx, tx, cur, domain.StatusCancelled, reason)
	})
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	return o, nil
}

// ModifyOrder amends a working order's quantity and/or price.
func (m *Manager) ModifyOrder(ctx context.Context, orderID string, req domain.ModifyRequest) (*domain.Order, error) {
	op := "ModifyOrder"
	o, err := m.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Status.IsModifiable() {
		return nil, &domain.OrderStateError{Op: "modify", OrderID: o.ID, Status: o.Status}
	}
	if err := req.Validate(o); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.SubmitTimeout)
	ack, err := m.broker.ModifyOrder(callCtx, o, req)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	if !ack.Success {
		return nil, fmt.Errorf("%s failed: %w: %s", op, ports.ErrOrderRejected, ack.RejectReason)
	}

	err = m.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		cur, err := m.mustFind(ctx, tx, orderID)
		if err != nil {
			return err
		}
		o = cur
		if !cur.Status.IsModifiable() {
			return &domain.OrderStateError{Op: "modify", OrderID: cur.ID, Status: cur.Status}
		}

		var changes []string
		if !req.Quantity.IsZero() {
			changes = append(changes, fmt.Sprintf("quantity %s->%s", cur.Quantity, req.Quantity))
			cur.Quantity = req.Quantity
		}
		if req.Price.Valid {
			changes = append(changes, fmt.Sprintf("price %s->%s", cur.Price.Decimal, req.Price.Decimal))
			cur.Price = req.Price
		}
		if ack.BrokerOrderNo != "" {
			cur.BrokerRef = ack.BrokerOrderNo
		}
		reason := "modified: " + strings.Join(changes, ", ")
		if req.Reason != "" {
			reason += " (" + req.Reason + ")"
		}
		return m.amend(ctx, tx, cur, reason)
	})
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	return o, nil
}

// ApplyBrokerUpdate applies an ACCEPTED, CANCELLED or REJECTED order update from the stream.
// Updates that arrive after the order has moved past them are ignored.
func (m *Manager) ApplyBrokerUpdate(ctx context.Context, brokerRef string, status domain.OrderStatus, reason string) (*domain.Order, error) {
	var o *domain.Order
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		cur, err := tx.Orders().FindByBrokerRef(ctx, brokerRef)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("broker ref %s: %w", brokerRef, ports.ErrOrderNotFound)
		}
		o = cur
		return m.ApplyBrokerUpdateTx(ctx, tx, cur, status, reason)
	})
	return o, err
}

// ApplyBrokerUpdateTx is ApplyBrokerUpdate for an order already loaded in tx.
func (m *Manager) ApplyBrokerUpdateTx(ctx context.Context, tx ports.Tx, o *domain.Order, status domain.OrderStatus, reason string) error {
	switch status {
	case domain.StatusAccepted, domain.StatusCancelled, domain.StatusRejected:
	default:
		return fmt.Errorf("%w: unsupported broker update status %s", domain.ErrValidation, status)
	}
	if o.Status == status {
		return nil
	}
	if o.Status == domain.StatusNew {
		if err := m.markSent(ctx, tx, o, "broker update before ack"); err != nil {
			return err
		}
	}
	if !o.Status.CanTransition(status) {
		m.logger.Debug(ctx, "Stale broker update ignored", map[string]interface{}{
			"orderID": o.ID, "status": o.Status, "update": status,
		})
		return nil
	}
	if status == domain.StatusRejected {
		o.RejectCode = ports.RejectByBroker
		o.RejectMessage = reason
	}
	if reason == "" {
		reason = "broker update"
	}
	return m.transition(ctx, tx, o, status, reason)
}

// ApplyExecution advances the filled quantity by qty inside the caller's transaction.
// Executions against a terminal order only update the filled quantity.
func (m *Manager) ApplyExecution(ctx context.Context, tx ports.Tx, orderID string, qty decimal.Decimal) (*domain.Order, error) {
	o, err := m.mustFind(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status == domain.StatusNew {
		if err := m.markSent(ctx, tx, o, "execution before ack"); err != nil {
			return nil, err
		}
	}

	o.FilledQuantity = o.FilledQuantity.Add(qty)
	if o.Status.IsTerminal() {
		o.UpdatedAt = m.now().UTC()
		m.logger.Warn(ctx, "Execution on terminal order", map[string]interface{}{
			"orderID": o.ID, "status": o.Status, "filled": o.FilledQuantity.String(),
		})
		return o, tx.Orders().Update(ctx, o)
	}

	next := domain.StatusPartFilled
	if o.FilledQuantity.GreaterThanOrEqual(o.Quantity) {
		next = domain.StatusFilled
	}
	reason := fmt.Sprintf("filled %s of %s", o.FilledQuantity, o.Quantity)
	return o, m.transition(ctx, tx, o, next, reason)
}

// Lookup finds the order a broker report refers to: by broker reference, then by client order id,
// which is the order id or its idempotency key. Returns nil, nil when nothing matches.
func (m *Manager) Lookup(ctx context.Context, tx ports.Tx, brokerRef, clientOrderID string) (*domain.Order, error) {
	if brokerRef != "" {
		o, err := tx.Orders().FindByBrokerRef(ctx, brokerRef)
		if err != nil || o != nil {
			return o, err
		}
	}
	if clientOrderID == "" {
		return nil, nil
	}
	o, err := tx.Orders().FindByID(ctx, clientOrderID)
	if err != nil || o != nil {
		return o, err
	}
	return tx.Orders().FindByIdempotencyKey(ctx, clientOrderID)
}

// Get loads an order by id.
func (m *Manager) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	var o *domain.Order
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		o, err = m.mustFind(ctx, tx, orderID)
		return err
	})
	return o, err
}

// History returns the audit trail of an order.
func (m *Manager) History(ctx context.Context, orderID string) ([]*domain.OrderStatusChange, error) {
	var h []*domain.OrderStatusChange
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		h, err = tx.Orders().History(ctx, orderID)
		return err
	})
	return h, err
}

func (m *Manager) findByKey(ctx context.Context, key string) (*domain.Order, error) {
	var o *domain.Order
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		o, err = tx.Orders().FindByIdempotencyKey(ctx, key)
		if err == nil && o == nil {
			err = fmt.Errorf("idempotency key %s: %w", key, ports.ErrOrderNotFound)
		}
		return err
	})
	return o, err
}

func (m *Manager) mustFind(ctx context.Context, tx ports.Tx, orderID string) (*domain.Order, error) {
	o, err := tx.Orders().FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, ports.ErrOrderNotFound)
	}
	return o, nil
}

func (m *Manager) markSent(ctx context.Context, tx ports.Tx, o *domain.Order, reason string) error {
	if err := m.transition(ctx, tx, o, domain.StatusSent, reason); err != nil {
		return err
	}
	return m.risk.OnOrderSubmitted(ctx, tx, o.AccountID)
}

// transition moves an approved order to next and releases its open-order slot when it
// reaches a terminal status. Approved orders hold the slot from NEW onwards.
func (m *Manager) transition(ctx context.Context, tx ports.Tx, o *domain.Order, next domain.OrderStatus, reason string) error {
	prev := o.Status
	if err := m.move(ctx, tx, o, next, reason); err != nil {
		return err
	}
	if (prev == domain.StatusNew || prev.IsOpen()) && next.IsTerminal() {
		return m.risk.OnOrderClosed(ctx, tx, o.AccountID)
	}
	return nil
}

// move persists o at next with a history row and an OrderStatusChanged event.
func (m *Manager) move(ctx context.Context, tx ports.Tx, o *domain.Order, next domain.OrderStatus, reason string) error {
	change, err := o.Transition(next, reason, m.now().UTC())
	if err != nil {
		return err
	}
	if err := m.persist(ctx, tx, o, change); err != nil {
		return err
	}
	m.metrics.OrderStatus(next)
	m.logger.Info(ctx, "Order status changed", map[string]interface{}{
		"orderID": o.ID, "from": change.PrevStatus, "to": next, "reason": reason,
	})
	return nil
}

// amend persists an in-place change that keeps the status, such as a modification.
func (m *Manager) amend(ctx context.Context, tx ports.Tx, o *domain.Order, reason string) error {
	now := m.now().UTC()
	o.UpdatedAt = now
	change := &domain.OrderStatusChange{OrderID: o.ID, PrevStatus: o.Status, NewStatus: o.Status, Reason: reason, At: now}
	return m.persist(ctx, tx, o, change)
}

func (m *Manager) persist(ctx context.Context, tx ports.Tx, o *domain.Order, change *domain.OrderStatusChange) error {
	if err := tx.Orders().Update(ctx, o); err != nil {
		return err
	}
	if err := tx.Orders().AppendHistory(ctx, change); err != nil {
		return err
	}
	payload := domain.OrderStatusChangedPayload{
		OrderID: o.ID, AccountID: o.AccountID, Symbol: o.Symbol, PrevStatus: change.PrevStatus, NewStatus: change.NewStatus,
		Reason: change.Reason, BrokerRef: o.BrokerRef, FilledQuantity: o.FilledQuantity, RejectCode: o.RejectCode,
	}
	_, err := m.recorder.Record(ctx, tx, domain.EventOrderStatusChanged, o.CorrelationID, payload)
	return err
}
