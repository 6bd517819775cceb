package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle status of an order.
type OrderStatus string

const (
	StatusNew        OrderStatus = "NEW"
	StatusSent       OrderStatus = "SENT"
	StatusAccepted   OrderStatus = "ACCEPTED"
	StatusPartFilled OrderStatus = "PART_FILLED"
	StatusFilled     OrderStatus = "FILLED"
	StatusCancelled  OrderStatus = "CANCELLED"
	StatusRejected   OrderStatus = "REJECTED"
	StatusError      OrderStatus = "ERROR"
)

// AllOrderStatuses lists every status in lifecycle order.
var AllOrderStatuses = []OrderStatus{
	StatusNew, StatusSent, StatusAccepted, StatusPartFilled,
	StatusFilled, StatusCancelled, StatusRejected, StatusError,
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	StatusNew:        {StatusSent, StatusRejected, StatusError},
	StatusSent:       {StatusAccepted, StatusPartFilled, StatusFilled, StatusCancelled, StatusRejected, StatusError},
	StatusAccepted:   {StatusPartFilled, StatusFilled, StatusCancelled, StatusRejected, StatusError},
	StatusPartFilled: {StatusPartFilled, StatusFilled, StatusCancelled},
}

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusError:
		return true
	default:
		return false
	}
}

// IsOpen reports whether the order is working at the broker.
func (s OrderStatus) IsOpen() bool {
	switch s {
	case StatusSent, StatusAccepted, StatusPartFilled:
		return true
	default:
		return false
	}
}

// IsCancellable reports whether a cancel request may be issued.
func (s OrderStatus) IsCancellable() bool { return s.IsOpen() }

// IsModifiable reports whether a modify request may be issued.
func (s OrderStatus) IsModifiable() bool { return s.IsOpen() }

// CanTransition reports whether moving from s to next is allowed.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Order is a single logical order intent and its broker-side lifecycle.
type Order struct {
	ID             string
	AccountID      string
	Symbol         string
	Side           OrderSide
	Type           OrderType
	Quantity       decimal.Decimal
	Price          decimal.NullDecimal // Invalid for market orders
	FilledQuantity decimal.Decimal
	Status         OrderStatus
	IdempotencyKey string
	BrokerRef      string
	RejectCode     string
	RejectMessage  string
	CorrelationID  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RemainingQuantity returns the unfilled quantity.
func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// OrderStatusChange is an immutable audit record of a status transition.
type OrderStatusChange struct {
	ID         int64
	OrderID    string
	PrevStatus OrderStatus
	NewStatus  OrderStatus
	Reason     string
	At         time.Time
}

// Transition moves the order to next and returns the history record to persist.
func (o *Order) Transition(next OrderStatus, reason string, at time.Time) (*OrderStatusChange, error) {
	if !o.Status.CanTransition(next) {
		return nil, &OrderStateError{Op: "transition to " + string(next), OrderID: o.ID, Status: o.Status}
	}
	change := &OrderStatusChange{
		OrderID:    o.ID,
		PrevStatus: o.Status,
		NewStatus:  next,
		Reason:     reason,
		At:         at,
	}
	o.Status = next
	o.UpdatedAt = at
	return change, nil
}

// OrderRequest is the caller's intent to place an order.
type OrderRequest struct {
	AccountID      string
	Symbol         string
	Side           OrderSide
	Type           OrderType
	Quantity       decimal.Decimal
	Price          decimal.NullDecimal
	IdempotencyKey string
	CorrelationID  string
	RefPrice       decimal.Decimal // valuation price for market orders, not persisted
}

// Validate checks the request shape. It never touches state.
func (r OrderRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.IdempotencyKey) == "":
		return validationErr("idempotency key is required")
	case strings.TrimSpace(r.AccountID) == "":
		return validationErr("account is required")
	case strings.TrimSpace(r.Symbol) == "":
		return validationErr("symbol is required")
	case !r.Side.Valid():
		return validationErr("invalid side %q", r.Side)
	case !r.Type.Valid():
		return validationErr("invalid order type %q", r.Type)
	case !r.Quantity.IsPositive():
		return validationErr("quantity must be positive, got %s", r.Quantity)
	}
	if r.Type == Limit && (!r.Price.Valid || !r.Price.Decimal.IsPositive()) {
		return validationErr("limit order requires a positive price")
	}
	if r.Type == Market && r.Price.Valid {
		return validationErr("market order must not carry a price")
	}
	return nil
}

// NotionalValue values the request at its limit price, or at RefPrice for market orders.
func (r OrderRequest) NotionalValue() decimal.Decimal {
	if r.Price.Valid {
		return r.Quantity.Mul(r.Price.Decimal)
	}
	return r.Quantity.Mul(r.RefPrice)
}

// ModifyRequest carries the fields a modification may change. Zero values keep the current value.
type ModifyRequest struct {
	Quantity decimal.Decimal
	Price    decimal.NullDecimal
	Reason   string
}

// Validate checks the request against the order it targets.
func (r ModifyRequest) Validate(o *Order) error {
	if r.Quantity.IsZero() && !r.Price.Valid {
		return validationErr("modification changes nothing")
	}
	if !r.Quantity.IsZero() && r.Quantity.LessThanOrEqual(o.FilledQuantity) {
		return validationErr("quantity %s must exceed filled quantity %s", r.Quantity, o.FilledQuantity)
	}
	if r.Price.Valid {
		if o.Type == Market {
			return validationErr("market order has no price to modify")
		}
		if !r.Price.Decimal.IsPositive() {
			return validationErr("price must be positive")
		}
	}
	return nil
}
