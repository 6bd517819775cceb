package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the net holding of one account in one symbol.
type Position struct {
	AccountID   string
	Symbol      string
	Quantity    decimal.Decimal // positive long, negative short
	AvgCost     decimal.Decimal
	RealizedPnL decimal.Decimal
	UpdatedAt   time.Time
}

// NewPosition returns an empty position for the key.
func NewPosition(accountID, symbol string) *Position {
	return &Position{AccountID: accountID, Symbol: symbol}
}

// IsFlat reports whether no quantity is held.
func (p *Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// CostValue is the absolute cost basis of the held quantity.
func (p *Position) CostValue() decimal.Decimal {
	return p.Quantity.Abs().Mul(p.AvgCost)
}

// SignedCostValue is CostValue carrying the sign of the position.
func (p *Position) SignedCostValue() decimal.Decimal {
	return p.Quantity.Mul(p.AvgCost)
}

// ApplyFill updates quantity and average cost and returns the realized P&L of the fill.
//
// Adding in the held direction re-averages the cost. Trading against the position
// realizes P&L on the closed part; the average cost is kept while a remainder is held,
// reset when flat, and set to the fill price when the fill reverses the position.
func (p *Position) ApplyFill(side OrderSide, qty, price decimal.Decimal, at time.Time) decimal.Decimal {
	signed := side.Signed(qty)
	realized := decimal.Zero

	if p.Quantity.IsZero() || p.Quantity.Sign() == signed.Sign() {
		held := p.Quantity.Abs()
		total := held.Add(qty)
		p.AvgCost = held.Mul(p.AvgCost).Add(qty.Mul(price)).Div(total)
		p.Quantity = p.Quantity.Add(signed)
	} else {
		held := p.Quantity.Abs()
		closed := decimal.Min(held, qty)
		realized = closed.Mul(price.Sub(p.AvgCost))
		if p.Quantity.IsNegative() {
			realized = realized.Neg()
		}
		p.Quantity = p.Quantity.Add(signed)
		switch {
		case p.Quantity.IsZero():
			p.AvgCost = decimal.Zero
		case qty.GreaterThan(held):
			p.AvgCost = price
		}
	}

	p.RealizedPnL = p.RealizedPnL.Add(realized)
	p.UpdatedAt = at
	return realized
}

// IncreasesExposure reports whether an order on side would grow the absolute position.
func (p *Position) IncreasesExposure(side OrderSide) bool {
	return p.IsFlat() || p.Quantity.IsPositive() == (side == Buy)
}
