package domain

import "github.com/shopspring/decimal"

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Valid reports whether the side is one of the known values.
func (s OrderSide) Valid() bool {
	return s == Buy || s == Sell
}

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Signed returns qty with the sign of the side: positive for BUY, negative for SELL.
func (s OrderSide) Signed(qty decimal.Decimal) decimal.Decimal {
	if s == Sell {
		return qty.Neg()
	}
	return qty
}

// OrderType represents the execution type of an order.
type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// Valid reports whether the type is one of the known values.
func (t OrderType) Valid() bool {
	return t == Limit || t == Market
}
