package order

import (
	"testing"
	"time"

	"tradeEngine/config"
	"tradeEngine/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSignal(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	base := domain.Signal{
		ID:          "sig-1",
		AccountID:   "acc-1",
		Symbol:      "BTCUSDT",
		Side:        domain.Buy,
		TargetType:  domain.TargetQuantity,
		TargetValue: d("0.5"),
		TTLSeconds:  30,
		GeneratedAt: now.Add(-10 * time.Second),
	}
	sizing := config.SizingConfig{Equity: d("100000"), QuantityPrecision: 3}

	tests := []struct {
		name      string
		mutate    func(s *domain.Signal)
		sizing    config.SizingConfig
		refPrice  decimal.Decimal
		wantErr   error
		wantQty   string
		wantType  domain.OrderType
		wantPrice string
	}{
		{name: "quantity target", sizing: sizing, refPrice: d("70000"), wantQty: "0.5", wantType: domain.Market},
		{
			name:     "weight target truncates",
			mutate:   func(s *domain.Signal) { s.TargetType = domain.TargetWeight; s.TargetValue = d("0.1") },
			sizing:   sizing,
			refPrice: d("30000"),
			wantQty:  "0.333",
			wantType: domain.Market,
		},
		{
			name:      "limit orders at reference price",
			sizing:    config.SizingConfig{QuantityPrecision: 3, UseLimitOrders: true},
			refPrice:  d("70000"),
			wantQty:   "0.5",
			wantType:  domain.Limit,
			wantPrice: "70000",
		},
		{
			name: "falls back to signal reference price",
			mutate: func(s *domain.Signal) {
				s.TargetType = domain.TargetWeight
				s.TargetValue = d("0.7")
				s.RefPrice = d("70000")
			},
			sizing:   sizing,
			wantQty:  "1",
			wantType: domain.Market,
		},
		{name: "expired", mutate: func(s *domain.Signal) { s.GeneratedAt = now.Add(-time.Minute) }, sizing: sizing, wantErr: domain.ErrSignalExpired},
		{name: "zero ttl never expires", mutate: func(s *domain.Signal) { s.TTLSeconds = 0; s.GeneratedAt = now.Add(-time.Hour) }, sizing: sizing, wantQty: "0.5", wantType: domain.Market},
		{name: "weight without price", mutate: func(s *domain.Signal) { s.TargetType = domain.TargetWeight }, sizing: sizing, wantErr: domain.ErrValidation},
		{name: "sizes to zero", mutate: func(s *domain.Signal) { s.TargetValue = d("0.0001") }, sizing: sizing, wantErr: domain.ErrValidation},
		{name: "missing id", mutate: func(s *domain.Signal) { s.ID = "" }, sizing: sizing, wantErr: domain.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := base
			if tt.mutate != nil {
				tt.mutate(&sig)
			}
			req, err := FromSignal(sig, tt.sizing, tt.refPrice, now)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, d(tt.wantQty).Equal(req.Quantity), "quantity %s", req.Quantity)
			assert.Equal(t, tt.wantType, req.Type)
			if tt.wantPrice != "" {
				assert.True(t, d(tt.wantPrice).Equal(req.Price.Decimal))
			} else {
				assert.False(t, req.Price.Valid)
			}
			assert.Equal(t, SignalKey(sig), req.IdempotencyKey)
			assert.Equal(t, sig.ID, req.CorrelationID)
		})
	}
}

func TestSignalKey_Deterministic(t *testing.T) {
	sig := domain.Signal{ID: "sig-1", AccountID: "acc-1", Symbol: "BTCUSDT", Side: domain.Buy}
	assert.Equal(t, SignalKey(sig), SignalKey(sig))

	other := sig
	other.Side = domain.Sell
	assert.NotEqual(t, SignalKey(sig), SignalKey(other))
}
