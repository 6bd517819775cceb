package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"tradeEngine/internal/domain"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func TestPrometheus_Counters(t *testing.T) {
	p := New(&mockLogger{})

	p.OrderStatus(domain.StatusSent)
	p.OrderStatus(domain.StatusSent)
	p.OrderStatus(domain.StatusFilled)
	p.RiskDenied(domain.ReasonDailyLoss)
	p.FillApplied("BTCUSDT", false)
	p.FillApplied("BTCUSDT", true)
	p.OutboxPublished()
	p.OutboxFailed()
	p.OutboxDeadLettered()
	p.OutboxPending(7)
	p.StreamReconnect()

	assert.Equal(t, 2.0, testutil.ToFloat64(p.orderStatus.WithLabelValues("SENT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.orderStatus.WithLabelValues("FILLED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.riskDenied.WithLabelValues("DAILY_LOSS_LIMIT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.fills.WithLabelValues("BTCUSDT", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.outbox.WithLabelValues("dead_lettered")))
	assert.Equal(t, 7.0, testutil.ToFloat64(p.outboxPending))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.streamReconnect))
}

func TestPrometheus_StateGauges(t *testing.T) {
	p := New(&mockLogger{})

	p.StreamState("CONNECTING")
	p.StreamState("CONNECTED")
	assert.Equal(t, 1.0, testutil.ToFloat64(p.streamState.WithLabelValues("CONNECTED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.streamState.WithLabelValues("CONNECTING")))

	p.KillSwitch(domain.ScopePerAccount, "acc-1", domain.KillSwitchOn)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.killSwitch.WithLabelValues("PER_ACCOUNT", "acc-1", "ON")))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.killSwitch.WithLabelValues("PER_ACCOUNT", "acc-1", "OFF")))
}

func TestPrometheus_Handler(t *testing.T) {
	p := New(&mockLogger{})
	p.OrderStatus(domain.StatusAccepted)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `trade_engine_order_status_transitions_total{status="ACCEPTED"} 1`))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
