package binanceclient

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

const keepaliveInterval = 30 * time.Minute

// Authenticate opens a user data stream. The listen key is the credential.
func (c *Client) Authenticate(ctx context.Context) (ports.Credential, error) {
	op := "Authenticate"
	key, err := c.futuresClient.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return ports.Credential{}, c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return ports.Credential{Token: key, ExpiresAt: c.now().Add(listenKeyTTL)}, nil
}

// Connect checks REST connectivity and returns a session that opens websockets per subscription.
func (c *Client) Connect(ctx context.Context, cred ports.Credential) (ports.StreamSession, error) {
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	s := &session{
		client:    c,
		listenKey: cred.Token,
		conns:     make(map[string][]*wsConn),
		done:      make(chan struct{}),
	}
	go s.keepalive()
	return s, nil
}

type wsConn struct {
	doneC   chan struct{}
	stopC   chan struct{}
	stopped bool
}

type session struct {
	client    *Client
	listenKey string

	mu     sync.Mutex
	conns  map[string][]*wsConn
	done   chan struct{}
	err    error
	closed bool
}

func (s *session) SubscribeTicks(ctx context.Context, id string, symbols []string, handler func(ports.Tick)) error {
	op := "SubscribeTicks"
	onEvent := func(event *futures.WsAggTradeEvent) {
		tick, err := translateAggTrade(event)
		if err != nil {
			s.client.logger.Error(ctx, err, op+": Failed to translate trade event")
			return
		}
		handler(tick)
	}

	conns := make([]*wsConn, 0, len(symbols))
	for _, symbol := range symbols {
		doneC, stopC, err := futures.WsAggTradeServe(symbol, onEvent, s.errHandler(op))
		if err != nil {
			for _, c := range conns {
				s.stop(c)
			}
			return s.client.handleError(ctx, err, op)
		}
		conns = append(conns, &wsConn{doneC: doneC, stopC: stopC})
	}
	s.register(id, conns)
	return nil
}

func (s *session) SubscribeFills(ctx context.Context, id string, accountID string, handler func(ports.ExecutionReport)) error {
	op := "SubscribeFills"
	if accountID != s.client.accountID {
		return fmt.Errorf("%s failed: %w: account %s is not served by this API key", op, ports.ErrInvalidRequest, accountID)
	}
	onEvent := func(event *futures.WsUserDataEvent) {
		if event == nil || event.Event != futures.UserDataEventTypeOrderTradeUpdate {
			return
		}
		report, err := translateOrderUpdate(accountID, event.OrderTradeUpdate)
		if err != nil {
			s.client.logger.Error(ctx, err, op+": Failed to translate order update")
			return
		}
		handler(report)
	}

	doneC, stopC, err := futures.WsUserDataServe(s.listenKey, onEvent, s.errHandler(op))
	if err != nil {
		return s.client.handleError(ctx, err, op)
	}
	s.register(id, []*wsConn{{doneC: doneC, stopC: stopC}})
	return nil
}

func (s *session) Unsubscribe(ctx context.Context, id string) error {
	s.mu.Lock()
	conns := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	for _, c := range conns {
		s.stop(c)
	}
	return nil
}

func (s *session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) Close() error {
	s.fail(nil)
	return nil
}

// register replaces the websockets of id and fails the session when any of them drops.
func (s *session) register(id string, conns []*wsConn) {
	s.mu.Lock()
	old := s.conns[id]
	s.conns[id] = conns
	s.mu.Unlock()
	for _, c := range old {
		s.stop(c)
	}
	for _, c := range conns {
		go s.watch(id, c)
	}
}

func (s *session) watch(id string, c *wsConn) {
	select {
	case <-s.done:
	case <-c.doneC:
		s.mu.Lock()
		stopped := c.stopped
		s.mu.Unlock()
		if !stopped {
			s.fail(fmt.Errorf("websocket %s closed: %w", id, ports.ErrConnectionFailed))
		}
	}
}

func (s *session) stop(c *wsConn) {
	s.mu.Lock()
	if c.stopped {
		s.mu.Unlock()
		return
	}
	c.stopped = true
	s.mu.Unlock()
	close(c.stopC)
}

// fail ends the session once, stopping every websocket.
func (s *session) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	var all []*wsConn
	for _, conns := range s.conns {
		all = append(all, conns...)
	}
	s.conns = make(map[string][]*wsConn)
	s.mu.Unlock()

	for _, c := range all {
		s.stop(c)
	}
	close(s.done)
}

func (s *session) errHandler(op string) futures.ErrHandler {
	return func(err error) {
		s.client.logger.Warn(context.Background(), op+": WebSocket error reported", map[string]interface{}{"error": err.Error()})
	}
}

// keepalive extends the listen key until the session ends.
func (s *session) keepalive() {
	op := "KeepaliveUserStream"
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := s.client.futuresClient.NewKeepaliveUserStreamService().ListenKey(s.listenKey).Do(ctx)
			cancel()
			if err != nil {
				s.fail(s.client.handleError(context.Background(), err, op))
				return
			}
		}
	}
}

// --- Translation Helpers ---

func translateAggTrade(event *futures.WsAggTradeEvent) (ports.Tick, error) {
	if event == nil {
		return ports.Tick{}, fmt.Errorf("received nil trade event")
	}
	price, err := decimal.NewFromString(event.Price)
	if err != nil {
		return ports.Tick{}, fmt.Errorf("parsing price '%s': %w", event.Price, err)
	}
	qty, err := decimal.NewFromString(event.Quantity)
	if err != nil {
		return ports.Tick{}, fmt.Errorf("parsing quantity '%s': %w", event.Quantity, err)
	}
	return ports.Tick{Symbol: event.Symbol, Price: price, Quantity: qty, At: time.UnixMilli(event.TradeTime).UTC()}, nil
}

func translateOrderUpdate(accountID string, u futures.WsOrderTradeUpdate) (ports.ExecutionReport, error) {
	report := ports.ExecutionReport{
		AccountID:     accountID,
		Symbol:        u.Symbol,
		ClientOrderID: u.ClientOrderID,
		BrokerRef:     strconv.FormatInt(u.ID, 10),
		Side:          fromSide(u.Side),
		Status:        translateStatus(u.Status),
		Reason:        string(u.ExecutionType),
		At:            time.UnixMilli(u.TradeTime).UTC(),
	}
	if string(u.ExecutionType) != "TRADE" {
		return report, nil
	}

	var err error
	if report.LastQuantity, err = decimal.NewFromString(u.LastFilledQty); err != nil {
		return report, fmt.Errorf("parsing last filled quantity '%s': %w", u.LastFilledQty, err)
	}
	if report.LastPrice, err = decimal.NewFromString(u.LastFilledPrice); err != nil {
		return report, fmt.Errorf("parsing last filled price '%s': %w", u.LastFilledPrice, err)
	}
	if u.Commission != "" {
		if report.Fee, err = decimal.NewFromString(u.Commission); err != nil {
			return report, fmt.Errorf("parsing commission '%s': %w", u.Commission, err)
		}
		report.Fee = report.Fee.Abs()
	}
	report.TradeID = strconv.FormatInt(u.TradeID, 10)
	return report, nil
}

func translateStatus(s futures.OrderStatusType) domain.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew:
		return domain.StatusAccepted
	case futures.OrderStatusTypePartiallyFilled:
		return domain.StatusPartFilled
	case futures.OrderStatusTypeFilled:
		return domain.StatusFilled
	case futures.OrderStatusTypeRejected:
		return domain.StatusRejected
	default: // CANCELED, EXPIRED
		return domain.StatusCancelled
	}
}
