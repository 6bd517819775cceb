package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Fill is an execution reported by the broker. Immutable once persisted.
type Fill struct {
	ID        string
	OrderID   string
	AccountID string
	Symbol    string
	Side      OrderSide
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Fee       decimal.Decimal
	Tax       decimal.Decimal
	FilledAt  time.Time
	BrokerRef string
}

// DedupKey identifies a fill for duplicate detection: same order, timestamp, price and quantity.
func (f *Fill) DedupKey() string {
	return fmt.Sprintf("%s|%d|%s|%s", f.OrderID, f.FilledAt.UTC().UnixNano(), f.Price.String(), f.Quantity.String())
}

// Validate checks the fill shape.
func (f *Fill) Validate() error {
	switch {
	case strings.TrimSpace(f.OrderID) == "":
		return validationErr("fill must reference an order")
	case strings.TrimSpace(f.AccountID) == "" || strings.TrimSpace(f.Symbol) == "":
		return validationErr("fill must carry account and symbol")
	case !f.Side.Valid():
		return validationErr("invalid fill side %q", f.Side)
	case !f.Quantity.IsPositive():
		return validationErr("fill quantity must be positive")
	case !f.Price.IsPositive():
		return validationErr("fill price must be positive")
	case f.Fee.IsNegative() || f.Tax.IsNegative():
		return validationErr("fee and tax cannot be negative")
	case f.FilledAt.IsZero():
		return validationErr("fill timestamp is required")
	}
	return nil
}

// LedgerType classifies a P&L ledger row.
type LedgerType string

const (
	LedgerFill LedgerType = "FILL"
	LedgerFee  LedgerType = "FEE"
	LedgerTax  LedgerType = "TAX"
)

// LedgerEntry is one realized P&L movement. Fees and taxes are recorded as negative amounts.
type LedgerEntry struct {
	ID        int64
	AccountID string
	Symbol    string
	FillID    string
	Type      LedgerType
	Amount    decimal.Decimal
	At        time.Time
}
