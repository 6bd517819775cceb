package order

import (
	"fmt"
	"strings"
	"time"

	"tradeEngine/config"
	"tradeEngine/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FromSignal converts a strategy signal into an order request. The idempotency key is derived from the
// signal identity, so replaying a signal can never produce a second order.
func FromSignal(sig domain.Signal, sizing config.SizingConfig, refPrice decimal.Decimal, now time.Time) (domain.OrderRequest, error) {
	if strings.TrimSpace(sig.ID) == "" {
		return domain.OrderRequest{}, fmt.Errorf("%w: signal id is required", domain.ErrValidation)
	}
	if sig.Expired(now) {
		return domain.OrderRequest{}, fmt.Errorf("signal %s expired at %s: %w",
			sig.ID, sig.ExpiresAt().UTC().Format(time.RFC3339), domain.ErrSignalExpired)
	}
	if !sig.TargetValue.IsPositive() {
		return domain.OrderRequest{}, fmt.Errorf("%w: signal %s target must be positive", domain.ErrValidation, sig.ID)
	}
	if !refPrice.IsPositive() {
		refPrice = sig.RefPrice
	}

	var qty decimal.Decimal
	switch sig.TargetType {
	case domain.TargetQuantity:
		qty = sig.TargetValue
	case domain.TargetWeight:
		if !sizing.Equity.IsPositive() || !refPrice.IsPositive() {
			return domain.OrderRequest{}, fmt.Errorf("%w: weight signal %s needs equity and a reference price", domain.ErrValidation, sig.ID)
		}
		qty = sizing.Equity.Mul(sig.TargetValue).Div(refPrice)
	default:
		return domain.OrderRequest{}, fmt.Errorf("%w: unknown target type %q", domain.ErrValidation, sig.TargetType)
	}
	qty = qty.Truncate(sizing.QuantityPrecision)
	if !qty.IsPositive() {
		return domain.OrderRequest{}, fmt.Errorf("%w: signal %s sizes to zero quantity", domain.ErrValidation, sig.ID)
	}

	req := domain.OrderRequest{
		AccountID:      sig.AccountID,
		Symbol:         sig.Symbol,
		Side:           sig.Side,
		Type:           domain.Market,
		Quantity:       qty,
		IdempotencyKey: SignalKey(sig),
		CorrelationID:  sig.ID,
		RefPrice:       refPrice,
	}
	if sizing.UseLimitOrders && refPrice.IsPositive() {
		req.Type = domain.Limit
		req.Price = decimal.NewNullDecimal(refPrice)
	}
	return req, req.Validate()
}

// SignalKey returns the deterministic idempotency key of a signal.
func SignalKey(sig domain.Signal) string {
	name := strings.Join([]string{"signal", sig.ID, sig.AccountID, sig.Symbol, string(sig.Side)}, "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}
