package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradeEngine/config"
	"tradeEngine/internal/domain"
	"tradeEngine/internal/order"
	"tradeEngine/internal/outbox"
	"tradeEngine/internal/ports"
	"tradeEngine/internal/reconcile"
	"tradeEngine/internal/risk"
	"tradeEngine/internal/stream"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Deps are the adapters the engine runs on.
type Deps struct {
	Store     ports.Store
	Broker    ports.Broker
	Transport ports.StreamTransport
	Sink      ports.EventSink
	Signals   ports.SignalSource // optional
	Metrics   ports.Metrics      // optional
	Logger    ports.Logger
}

// metricsServer is implemented by metrics backends that expose an HTTP endpoint.
type metricsServer interface {
	Serve(ctx context.Context, addr string) error
}

// Engine wires the order, risk, fill, outbox and stream components and runs their workers.
type Engine struct {
	cfg     *config.Config
	logger  ports.Logger
	store   ports.Store
	broker  ports.Broker
	sink    ports.EventSink
	signals ports.SignalSource
	metrics ports.Metrics

	recorder  *outbox.Recorder
	publisher *outbox.Publisher
	risk      *risk.Manager
	orders    *order.Manager
	fills     *reconcile.Engine
	stream    *stream.Manager
	prices    *priceCache
	now       func() time.Time
}

// NewEngine creates the engine. Nothing runs until Start.
func NewEngine(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil || deps.Store == nil || deps.Broker == nil || deps.Transport == nil || deps.Sink == nil || deps.Logger == nil {
		return nil, fmt.Errorf("%w: missing required dependencies for Engine", ports.ErrConfigurationError)
	}
	if cfg.Broker.AccountID == "" {
		return nil, fmt.Errorf("%w: broker account id is required", ports.ErrConfigurationError)
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	e := &Engine{
		cfg:      cfg,
		logger:   deps.Logger,
		store:    deps.Store,
		broker:   deps.Broker,
		sink:     deps.Sink,
		signals:  deps.Signals,
		metrics:  metrics,
		recorder: outbox.NewRecorder(cfg.Environment),
		prices:   newPriceCache(),
		now:      time.Now,
	}
	e.risk = risk.NewManager(deps.Store, e.recorder, deps.Logger, metrics)
	e.orders = order.NewManager(deps.Store, deps.Broker, e.risk, e.recorder, deps.Logger, metrics, order.Config{
		SubmitTimeout:  cfg.Order.SubmitTimeout,
		SubmitAttempts: cfg.Order.SubmitAttempts,
		RetryBase:      cfg.Order.RetryBase,
		RetryMax:       cfg.Order.RetryMax,
	}).WithPriceSource(e.prices)
	e.fills = reconcile.NewEngine(deps.Store, e.orders, e.risk, e.recorder, deps.Logger, metrics)
	e.publisher = outbox.NewPublisher(deps.Store, deps.Sink, deps.Logger, metrics, outbox.Config{
		PollInterval:   cfg.Outbox.PollInterval,
		BatchSize:      cfg.Outbox.BatchSize,
		MaxRetries:     cfg.Outbox.MaxRetries,
		RetryBase:      cfg.Outbox.RetryBase,
		RetryMax:       cfg.Outbox.RetryMax,
		PublishTimeout: cfg.Outbox.PublishTimeout,
	})
	e.stream = stream.NewManager(deps.Transport, deps.Logger, metrics, stream.Config{
		HealthInterval:  cfg.Stream.HealthInterval,
		ReconnectBase:   cfg.Stream.ReconnectBase,
		ReconnectMax:    cfg.Stream.ReconnectMax,
		MaxAttempts:     cfg.Stream.MaxAttempts,
		CredentialSlack: cfg.Stream.CredentialSlack,
	}).OnFatal(e.onStreamFatal)
	return e, nil
}

// Orders returns the order lifecycle manager.
func (e *Engine) Orders() *order.Manager { return e.orders }

// Risk returns the risk manager.
func (e *Engine) Risk() *risk.Manager { return e.risk }

// Fills returns the fill reconciliation engine.
func (e *Engine) Fills() *reconcile.Engine { return e.fills }

// Outbox returns the outbox publisher.
func (e *Engine) Outbox() *outbox.Publisher { return e.publisher }

// Stream returns the stream connection manager.
func (e *Engine) Stream() *stream.Manager { return e.stream }

// LastPrice returns the last traded price seen on the tick stream.
func (e *Engine) LastPrice(symbol string) (decimal.Decimal, bool) { return e.prices.LastPrice(symbol) }

// Start seeds the global risk rule, registers the stream subscriptions and runs every worker
// until ctx is cancelled or one of them fails.
func (e *Engine) Start(ctx context.Context) error {
	op := "EngineStart"
	e.logger.Info(ctx, "Starting trade engine...", map[string]interface{}{
		"environment": e.cfg.Environment, "account": e.cfg.Broker.AccountID, "symbols": e.cfg.Stream.Symbols,
	})

	if err := e.seedRules(ctx); err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	if len(e.cfg.Stream.Symbols) > 0 {
		if _, err := e.stream.SubscribeTicks(ctx, e.cfg.Stream.Symbols, e.onTick); err != nil {
			return fmt.Errorf("%s failed: %w", op, err)
		}
	}
	if _, err := e.stream.SubscribeFills(ctx, e.cfg.Broker.AccountID, e.onExecution); err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	sched, err := e.schedule(gctx)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}

	g.Go(func() error { return e.stream.Run(gctx) })
	g.Go(func() error { return e.publisher.Run(gctx) })
	if e.signals != nil {
		g.Go(func() error {
			return e.signals.Run(gctx, func(ctx context.Context, sig domain.Signal) error {
				_, err := e.SubmitSignal(ctx, sig)
				return err
			})
		})
	}
	if srv, ok := e.metrics.(metricsServer); ok && e.cfg.Metrics.Addr != "" {
		g.Go(func() error { return srv.Serve(gctx, e.cfg.Metrics.Addr) })
	}
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		<-sched.Stop().Done()
		return nil
	})

	err = g.Wait()
	e.shutdown(context.WithoutCancel(ctx))
	if err != nil {
		e.logger.Error(ctx, err, "Trade engine stopped with error")
		return fmt.Errorf("%s failed: %w", op, err)
	}
	e.logger.Info(context.WithoutCancel(ctx), "Trade engine stopped")
	return nil
}

func (e *Engine) shutdown(ctx context.Context) {
	// Queued execution reports are applied before the final flush.
	e.stream.Close()
	if e.signals != nil {
		if err := e.signals.Close(); err != nil {
			e.logger.Error(ctx, err, "Failed to close signal source")
		}
	}
	// Flush whatever committed before the workers stopped.
	flushCtx, cancel := context.WithTimeout(ctx, e.cfg.Outbox.PublishTimeout)
	defer cancel()
	if _, err := e.publisher.PublishPending(flushCtx); err != nil {
		e.logger.Warn(ctx, "Final outbox flush incomplete", map[string]interface{}{"error": err.Error()})
	}
	if err := e.sink.Close(); err != nil {
		e.logger.Error(ctx, err, "Failed to close event sink")
	}
}

// SubmitSignal records the signal and places the order it sizes to. A signal that already
// produced an order returns that order without recording anything.
func (e *Engine) SubmitSignal(ctx context.Context, sig domain.Signal) (*domain.Order, error) {
	op := "SubmitSignal"
	refPrice, _ := e.prices.LastPrice(sig.Symbol)
	req, convErr := order.FromSignal(sig, e.cfg.Sizing, refPrice, e.now())

	var existing *domain.Order
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		if convErr == nil {
			o, err := tx.Orders().FindByIdempotencyKey(ctx, req.IdempotencyKey)
			if err != nil || o != nil {
				existing = o
				return err
			}
		}
		if sig.ID == "" {
			return nil
		}
		_, err := e.recorder.Record(ctx, tx, domain.EventSignalGenerated, sig.ID, domain.SignalGeneratedPayload{Signal: sig})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	if existing != nil {
		e.logger.Debug(ctx, "Signal already placed", map[string]interface{}{"signalID": sig.ID, "orderID": existing.ID})
		return existing, nil
	}
	if convErr != nil {
		e.logger.Warn(ctx, "Signal not tradable", map[string]interface{}{"signalID": sig.ID, "error": convErr.Error()})
		return nil, fmt.Errorf("%s failed: %w", op, convErr)
	}
	return e.orders.PlaceOrder(ctx, req)
}

// ReconcilePositions compares local positions with the broker's for every known account.
func (e *Engine) ReconcilePositions(ctx context.Context) ([]reconcile.Mismatch, error) {
	return e.fills.ReconcilePositions(ctx, e.broker, e.cfg.Broker.AccountID)
}

// seedRules stores the GLOBAL rule from configuration, replacing any previous one.
func (e *Engine) seedRules(ctx context.Context) error {
	rule := &domain.RiskRule{
		Scope:                  domain.ScopeGlobal,
		MaxPositionValue:       e.cfg.Risk.MaxPositionValue,
		MaxOpenOrders:          limit(e.cfg.Risk.MaxOpenOrders),
		MaxOrdersPerMinute:     limit(e.cfg.Risk.MaxOrdersPerMinute),
		DailyLossLimit:         e.cfg.Risk.DailyLossLimit,
		MaxConsecutiveFailures: limit(e.cfg.Risk.MaxConsecutiveFailures),
	}
	return e.risk.SaveRule(ctx, rule)
}

// limit maps a configured count to a rule threshold; zero means unlimited.
func limit(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}

// schedule registers the daily risk reset and the position reconciliation jobs.
func (e *Engine) schedule(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(e.cfg.Risk.DailyResetSchedule, func() { e.resetDaily(ctx) }); err != nil {
		return nil, fmt.Errorf("%w: daily reset schedule %q: %w", ports.ErrConfigurationError, e.cfg.Risk.DailyResetSchedule, err)
	}
	if e.cfg.Risk.ReconcileSchedule != "" {
		job := func() {
			if _, err := e.ReconcilePositions(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error(ctx, err, "Scheduled position reconciliation failed")
			}
		}
		if _, err := c.AddFunc(e.cfg.Risk.ReconcileSchedule, job); err != nil {
			return nil, fmt.Errorf("%w: reconcile schedule %q: %w", ports.ErrConfigurationError, e.cfg.Risk.ReconcileSchedule, err)
		}
	}
	return c, nil
}

func (e *Engine) resetDaily(ctx context.Context) {
	day := domain.TradingDay(e.now())
	if err := e.risk.ResetDaily(ctx, day); err != nil && ctx.Err() == nil {
		e.logger.Error(ctx, err, "Daily risk reset failed", map[string]interface{}{"day": day})
	}
}

// onTick keeps the last price per symbol for sizing and market order valuation.
func (e *Engine) onTick(ctx context.Context, t ports.Tick) error {
	if t.Price.IsPositive() {
		e.prices.set(t.Symbol, t.Price)
	}
	return nil
}

// onExecution routes a broker report: trades become fills, status-only reports become order updates.
func (e *Engine) onExecution(ctx context.Context, r ports.ExecutionReport) error {
	var o *domain.Order
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		o, err = e.orders.Lookup(ctx, tx, r.BrokerRef, r.ClientOrderID)
		if err != nil || o == nil || r.IsTrade() {
			return err
		}
		switch r.Status {
		case domain.StatusAccepted, domain.StatusCancelled, domain.StatusRejected:
			return e.orders.ApplyBrokerUpdateTx(ctx, tx, o, r.Status, r.Reason)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("execution report %s/%s: %w", r.BrokerRef, r.ClientOrderID, err)
	}
	if o == nil {
		e.logger.Warn(ctx, "Execution report for unknown order", map[string]interface{}{
			"brokerRef": r.BrokerRef, "clientOrderID": r.ClientOrderID, "status": r.Status,
		})
		return nil
	}
	if !r.IsTrade() {
		return nil
	}

	at := r.At
	if at.IsZero() {
		at = e.now()
	}
	_, err = e.fills.ApplyFill(ctx, domain.Fill{
		OrderID:   o.ID,
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Price:     r.LastPrice,
		Quantity:  r.LastQuantity,
		Fee:       r.Fee,
		Tax:       r.Tax,
		FilledAt:  at,
		BrokerRef: r.TradeID,
	})
	return err
}

// onStreamFatal raises a CRITICAL alert once the stream gives up reconnecting.
func (e *Engine) onStreamFatal(ctx context.Context, cause error) {
	alert := domain.AlertPayload{
		Severity: domain.SeverityCritical,
		Source:   "stream",
		Message:  "stream reconnect attempts exhausted",
		Details:  map[string]interface{}{"error": cause.Error()},
	}
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		_, err := e.recorder.Record(ctx, tx, domain.EventAlertDispatched, "stream:fatal", alert)
		return err
	})
	if err != nil {
		e.logger.Error(ctx, errors.Join(cause, err), "Failed to record stream alert")
	}
}

// priceCache is the order manager's price source, fed by the tick stream.
type priceCache struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

func newPriceCache() *priceCache {
	return &priceCache{prices: make(map[string]decimal.Decimal)}
}

func (p *priceCache) set(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

func (p *priceCache) LastPrice(symbol string) (decimal.Decimal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[symbol]
	return price, ok
}
