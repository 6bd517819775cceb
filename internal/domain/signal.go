package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TargetType says how a signal's target value is interpreted.
type TargetType string

const (
	TargetQuantity TargetType = "QTY"    // absolute quantity
	TargetWeight   TargetType = "WEIGHT" // fraction of account equity
)

// Signal is a strategy's request to trade, produced outside the engine.
type Signal struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"accountId"`
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	TargetType  TargetType      `json:"targetType"`
	TargetValue decimal.Decimal `json:"targetValue"`
	TTLSeconds  int             `json:"ttlSeconds"`
	GeneratedAt time.Time       `json:"generatedAt"`
	RefPrice    decimal.Decimal `json:"refPrice"`
}

// ExpiresAt returns the instant after which the signal must not be traded.
// A zero TTL never expires.
func (s Signal) ExpiresAt() time.Time {
	if s.TTLSeconds <= 0 {
		return time.Time{}
	}
	return s.GeneratedAt.Add(time.Duration(s.TTLSeconds) * time.Second)
}

// Expired reports whether the signal is past its TTL at now.
func (s Signal) Expired(now time.Time) bool {
	exp := s.ExpiresAt()
	return !exp.IsZero() && now.After(exp)
}
