package binanceclient

import (
	"context"
	"errors"
	"testing"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func TestNew(t *testing.T) {
	_, err := New(Config{AccountID: "acc-1"})
	assert.Error(t, err)

	_, err = New(Config{Logger: &mockLogger{}})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	c, err := New(Config{Logger: &mockLogger{}, AccountID: "acc-1", UseTestnet: true})
	require.NoError(t, err)
	assert.Equal(t, baseURLTestnet, c.futuresClient.BaseURL)
}

func TestHandleError(t *testing.T) {
	c := &Client{logger: &mockLogger{}}
	tests := []struct {
		name      string
		err       error
		want      error
		retryable bool
	}{
		{name: "rate limited", err: &common.APIError{Code: -1003, Message: "too many"}, want: ports.ErrRateLimited, retryable: true},
		{name: "bad signature", err: &common.APIError{Code: -1022}, want: ports.ErrAuthenticationFailed},
		{name: "insufficient margin", err: &common.APIError{Code: -2019}, want: ports.ErrInsufficientFunds},
		{name: "order rejected", err: &common.APIError{Code: -2010}, want: ports.ErrOrderRejected},
		{name: "unknown api code", err: &common.APIError{Code: -9999}, want: ports.ErrUnknown},
		{name: "deadline", err: context.DeadlineExceeded, want: ports.ErrTimeout, retryable: true},
		{name: "connection reset", err: errors.New("read: connection reset by peer"), want: ports.ErrConnectionFailed, retryable: true},
		{name: "other", err: errors.New("boom"), want: ports.ErrUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.handleError(context.Background(), tt.err, "Op")
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.err)
			assert.Equal(t, tt.retryable, ports.IsRetryable(got))
		})
	}
	assert.NoError(t, c.handleError(context.Background(), nil, "Op"))
}

func TestRejection(t *testing.T) {
	reason, ok := rejection(&common.APIError{Code: -2010, Message: "Order would immediately trigger."})
	assert.True(t, ok)
	assert.Contains(t, reason, "would immediately trigger")

	_, ok = rejection(&common.APIError{Code: -1003})
	assert.False(t, ok)
}

func TestTranslateOrderUpdate(t *testing.T) {
	trade := futures.WsOrderTradeUpdate{
		Symbol:          "BTCUSDT",
		ClientOrderID:   "order-1",
		Side:            futures.SideTypeSell,
		ExecutionType:   "TRADE",
		Status:          futures.OrderStatusTypePartiallyFilled,
		ID:              42,
		LastFilledQty:   "0.010",
		LastFilledPrice: "70000.5",
		Commission:      "0.28",
		TradeTime:       1709287200000,
		TradeID:         7,
	}
	r, err := translateOrderUpdate("acc-1", trade)
	require.NoError(t, err)
	assert.True(t, r.IsTrade())
	assert.Equal(t, "42", r.BrokerRef)
	assert.Equal(t, "7", r.TradeID)
	assert.Equal(t, domain.Sell, r.Side)
	assert.Equal(t, domain.StatusPartFilled, r.Status)
	assert.True(t, decimal.RequireFromString("0.01").Equal(r.LastQuantity))
	assert.True(t, decimal.RequireFromString("0.28").Equal(r.Fee))

	update := trade
	update.ExecutionType = "CANCELED"
	update.Status = futures.OrderStatusTypeCanceled
	r, err = translateOrderUpdate("acc-1", update)
	require.NoError(t, err)
	assert.False(t, r.IsTrade())
	assert.Equal(t, domain.StatusCancelled, r.Status)

	bad := trade
	bad.LastFilledPrice = "n/a"
	_, err = translateOrderUpdate("acc-1", bad)
	assert.Error(t, err)
}

func TestTranslatePositionRisk(t *testing.T) {
	pos, ok, err := translatePositionRisk("acc-1", &futures.PositionRisk{Symbol: "ETHUSDT", PositionAmt: "-1.5", EntryPrice: "3000"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("-1.5").Equal(pos.Quantity))

	_, ok, err = translatePositionRisk("acc-1", &futures.PositionRisk{Symbol: "ETHUSDT", PositionAmt: "0", EntryPrice: "0"})
	require.NoError(t, err)
	assert.False(t, ok)
}
