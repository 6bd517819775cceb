// Package simbroker is an in-process broker and stream transport for paper trading and tests.
package simbroker

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

// Config controls the simulated venue.
type Config struct {
	// AutoFill fills every order in full on placement, at its limit price or the last tick.
	AutoFill      bool
	CredentialTTL time.Duration
	Logger        ports.Logger
}

type simOrder struct {
	order  domain.Order
	ref    string
	filled decimal.Decimal
	status domain.OrderStatus
}

// Broker implements ports.Broker and ports.StreamTransport in memory.
type Broker struct {
	cfg    Config
	logger ports.Logger
	now    func() time.Time

	mu         sync.Mutex
	seq        int64
	trades     int64
	orders     map[string]*simOrder
	positions  map[string]map[string]*domain.Position
	prices     map[string]decimal.Decimal
	sessions   map[*session]struct{}
	placeErrs  []error
	connectErr error
}

// New creates a simulated broker.
func New(cfg Config) *Broker {
	if cfg.CredentialTTL <= 0 {
		cfg.CredentialTTL = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = ports.NopLogger{}
	}
	return &Broker{
		cfg:       cfg,
		logger:    cfg.Logger,
		now:       time.Now,
		orders:    make(map[string]*simOrder),
		positions: make(map[string]map[string]*domain.Position),
		prices:    make(map[string]decimal.Decimal),
		sessions:  make(map[*session]struct{}),
	}
}

// WithClock overrides the time source.
func (b *Broker) WithClock(now func() time.Time) *Broker {
	b.now = now
	return b
}

// FailPlace makes the next placements return errs, one per call.
func (b *Broker) FailPlace(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeErrs = append(b.placeErrs, errs...)
}

// FailConnect makes Connect return err until called again with nil.
func (b *Broker) FailConnect(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErr = err
}

// PlaceOrder acknowledges the order and reports it ACCEPTED, then FILLED when AutoFill is set.
func (b *Broker) PlaceOrder(ctx context.Context, o *domain.Order) (*ports.OrderAck, error) {
	b.mu.Lock()
	if len(b.placeErrs) > 0 {
		err := b.placeErrs[0]
		b.placeErrs = b.placeErrs[1:]
		b.mu.Unlock()
		return nil, fmt.Errorf("PlaceOrder failed: %w", err)
	}
	b.seq++
	so := &simOrder{order: *o, ref: fmt.Sprintf("SIM-%d", b.seq), filled: decimal.Zero, status: domain.StatusAccepted}
	b.orders[so.ref] = so

	price, havePrice := b.prices[o.Symbol]
	if o.Price.Valid {
		price, havePrice = o.Price.Decimal, true
	}
	reports := []ports.ExecutionReport{b.report(so, "NEW")}
	if b.cfg.AutoFill && havePrice {
		reports = append(reports, b.fillLocked(so, o.Quantity, price))
	}
	b.mu.Unlock()

	b.logger.Info(ctx, "Simulated order accepted", map[string]interface{}{"orderID": o.ID, "brokerRef": so.ref})
	for _, r := range reports {
		b.emitFill(r)
	}
	return &ports.OrderAck{Success: true, BrokerOrderNo: so.ref}, nil
}

// CancelOrder cancels a working simulated order.
func (b *Broker) CancelOrder(ctx context.Context, o *domain.Order) error {
	b.mu.Lock()
	so, ok := b.orders[o.BrokerRef]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("CancelOrder failed: %w: %s", ports.ErrOrderNotFound, o.BrokerRef)
	}
	if so.status == domain.StatusFilled || so.status == domain.StatusCancelled {
		b.mu.Unlock()
		return fmt.Errorf("CancelOrder failed: %w: order is %s", ports.ErrOrderCancelFailed, so.status)
	}
	so.status = domain.StatusCancelled
	r := b.report(so, "CANCELED")
	b.mu.Unlock()

	b.emitFill(r)
	return nil
}

// ModifyOrder amends a working simulated order.
func (b *Broker) ModifyOrder(ctx context.Context, o *domain.Order, req domain.ModifyRequest) (*ports.OrderAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	so, ok := b.orders[o.BrokerRef]
	if !ok {
		return nil, fmt.Errorf("ModifyOrder failed: %w: %s", ports.ErrOrderNotFound, o.BrokerRef)
	}
	if so.status == domain.StatusFilled || so.status == domain.StatusCancelled {
		return &ports.OrderAck{Success: false, RejectReason: "order is " + string(so.status)}, nil
	}
	if !req.Quantity.IsZero() {
		so.order.Quantity = req.Quantity
	}
	if req.Price.Valid {
		so.order.Price = req.Price
	}
	return &ports.OrderAck{Success: true, BrokerOrderNo: so.ref}, nil
}

// Positions returns the simulated venue's non-flat positions for the account.
func (b *Broker) Positions(ctx context.Context, accountID string) ([]ports.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ports.BrokerPosition, 0, len(b.positions[accountID]))
	for _, p := range b.positions[accountID] {
		if !p.IsFlat() {
			out = append(out, ports.BrokerPosition{AccountID: accountID, Symbol: p.Symbol, Quantity: p.Quantity, AvgCost: p.AvgCost})
		}
	}
	return out, nil
}

// Fill executes qty of a working order at price and reports it on the stream.
func (b *Broker) Fill(brokerRef string, qty, price decimal.Decimal) error {
	b.mu.Lock()
	so, ok := b.orders[brokerRef]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ports.ErrOrderNotFound, brokerRef)
	}
	r := b.fillLocked(so, qty, price)
	b.mu.Unlock()

	b.emitFill(r)
	return nil
}

// PushFill delivers an arbitrary execution report, e.g. a duplicate, to fill subscribers.
func (b *Broker) PushFill(r ports.ExecutionReport) {
	b.emitFill(r)
}

// PushTick records the price and delivers the tick to subscribers of its symbol.
func (b *Broker) PushTick(t ports.Tick) {
	b.mu.Lock()
	b.prices[t.Symbol] = t.Price
	b.mu.Unlock()
	for _, s := range b.liveSessions() {
		s.deliverTick(t)
	}
}

// LastPrice returns the last tick price of symbol.
func (b *Broker) LastPrice(symbol string) (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.prices[symbol]
	return p, ok
}

// Drop ends every open session with err, as a network failure would.
func (b *Broker) Drop(err error) {
	for _, s := range b.liveSessions() {
		s.end(err)
	}
}

func (b *Broker) fillLocked(so *simOrder, qty, price decimal.Decimal) ports.ExecutionReport {
	so.filled = so.filled.Add(qty)
	so.status = domain.StatusPartFilled
	if so.filled.GreaterThanOrEqual(so.order.Quantity) {
		so.status = domain.StatusFilled
	}
	b.trades++

	now := b.now().UTC()
	accounts, ok := b.positions[so.order.AccountID]
	if !ok {
		accounts = make(map[string]*domain.Position)
		b.positions[so.order.AccountID] = accounts
	}
	pos, ok := accounts[so.order.Symbol]
	if !ok {
		pos = domain.NewPosition(so.order.AccountID, so.order.Symbol)
		accounts[so.order.Symbol] = pos
	}
	pos.ApplyFill(so.order.Side, qty, price, now)

	r := b.report(so, "TRADE")
	r.TradeID = fmt.Sprintf("T-%d", b.trades)
	r.LastQuantity = qty
	r.LastPrice = price
	r.At = now
	return r
}

func (b *Broker) report(so *simOrder, execType string) ports.ExecutionReport {
	return ports.ExecutionReport{
		AccountID:     so.order.AccountID,
		Symbol:        so.order.Symbol,
		ClientOrderID: so.order.ID,
		BrokerRef:     so.ref,
		Side:          so.order.Side,
		Status:        so.status,
		Reason:        execType,
		At:            b.now().UTC(),
	}
}

func (b *Broker) emitFill(r ports.ExecutionReport) {
	for _, s := range b.liveSessions() {
		s.deliverFill(r)
	}
}

func (b *Broker) liveSessions() []*session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		out = append(out, s)
	}
	return out
}

// Authenticate issues a random token valid for CredentialTTL.
func (b *Broker) Authenticate(ctx context.Context) (ports.Credential, error) {
	return ports.Credential{Token: uuid.NewString(), ExpiresAt: b.now().Add(b.cfg.CredentialTTL)}, nil
}

// Connect opens a session. Expired credentials are refused.
func (b *Broker) Connect(ctx context.Context, cred ports.Credential) (ports.StreamSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		return nil, fmt.Errorf("Connect failed: %w", b.connectErr)
	}
	if !cred.ValidAt(b.now(), 0) {
		return nil, fmt.Errorf("Connect failed: %w: credential expired", ports.ErrAuthenticationFailed)
	}
	s := newSession(b)
	b.sessions[s] = struct{}{}
	return s, nil
}

func (b *Broker) forget(s *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, s)
}
