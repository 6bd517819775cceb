package ports

import (
	"context"
	"time"

	"tradeEngine/internal/domain"

	"github.com/shopspring/decimal"
)

// OrderAck is the broker's synchronous answer to an order submission.
type OrderAck struct {
	Success       bool
	BrokerOrderNo string
	RejectReason  string
}

// BrokerPosition is the broker's view of a holding, used for reconciliation.
type BrokerPosition struct {
	AccountID string
	Symbol    string
	Quantity  decimal.Decimal // signed
	AvgCost   decimal.Decimal
}

// Broker places and manages orders at the execution venue.
// Implementations map transport failures to the sentinel errors in this package.
type Broker interface {
	// PlaceOrder submits the order. The order's IdempotencyKey is sent as the client order id.
	PlaceOrder(ctx context.Context, order *domain.Order) (*OrderAck, error)
	// CancelOrder requests cancellation of a working order.
	CancelOrder(ctx context.Context, order *domain.Order) error
	// ModifyOrder amends quantity and/or price of a working order.
	ModifyOrder(ctx context.Context, order *domain.Order, req domain.ModifyRequest) (*OrderAck, error)
	// Positions returns the broker's positions for an account.
	Positions(ctx context.Context, accountID string) ([]BrokerPosition, error)
}

// Tick is a market trade print.
type Tick struct {
	Symbol   string
	Price    decimal.Decimal
	Quantity decimal.Decimal
	At       time.Time
}

// ExecutionReport is a broker order update delivered over the stream.
// LastQuantity is positive when the report carries a trade.
type ExecutionReport struct {
	AccountID     string
	Symbol        string
	ClientOrderID string
	BrokerRef     string
	Side          domain.OrderSide
	Status        domain.OrderStatus
	Reason        string
	TradeID       string
	LastQuantity  decimal.Decimal
	LastPrice     decimal.Decimal
	Fee           decimal.Decimal
	Tax           decimal.Decimal
	At            time.Time
}

// IsTrade reports whether the report carries an execution.
func (r ExecutionReport) IsTrade() bool {
	return r.LastQuantity.IsPositive()
}

// Credential is a time-bounded stream approval token.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// ValidAt reports whether the credential can still be used at now with the given margin.
func (c Credential) ValidAt(now time.Time, margin time.Duration) bool {
	if c.Token == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Add(margin).Before(c.ExpiresAt)
}

// StreamTransport opens real-time sessions. Simulated and live brokers both implement it.
type StreamTransport interface {
	// Authenticate issues a fresh credential.
	Authenticate(ctx context.Context) (Credential, error)
	// Connect opens a session. The session lives until Close or a transport failure.
	Connect(ctx context.Context, cred Credential) (StreamSession, error)
}

// StreamSession is a single live connection. Handlers are invoked on the session's
// read goroutine and must not block. Subscribing an id that is already active replaces it.
type StreamSession interface {
	SubscribeTicks(ctx context.Context, id string, symbols []string, handler func(Tick)) error
	SubscribeFills(ctx context.Context, id string, accountID string, handler func(ExecutionReport)) error
	Unsubscribe(ctx context.Context, id string) error
	IsConnected() bool
	// Done is closed when the session ends for any reason.
	Done() <-chan struct{}
	// Err returns the reason the session ended, if any.
	Err() error
	Close() error
}
