package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tradeEngine/config"
	"tradeEngine/internal/adapters/simbroker"
	"tradeEngine/internal/adapters/sqlite"
	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"

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

// mockSink captures delivered envelopes.
type mockSink struct {
	mu     sync.Mutex
	events []domain.Envelope
	closed bool
}

func (s *mockSink) Publish(ctx context.Context, env domain.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, env)
	return nil
}

func (s *mockSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *mockSink) types(correlationID string) []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EventType
	for _, e := range s.events {
		if correlationID == "" || e.CorrelationID == correlationID {
			out = append(out, e.EventType)
		}
	}
	return out
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Broker:      config.BrokerConfig{Mode: config.ModeSim, AccountID: "acc-1", SimFill: true},
		Risk: config.RiskConfig{
			MaxOpenOrders:          20,
			MaxOrdersPerMinute:     100,
			DailyLossLimit:         decimal.NewNullDecimal(d("1000000")),
			MaxConsecutiveFailures: 5,
			DailyResetSchedule:     "0 0 * * *",
		},
		Order: config.OrderConfig{SubmitTimeout: time.Second, SubmitAttempts: 2, RetryBase: time.Millisecond, RetryMax: time.Millisecond},
		Outbox: config.OutboxConfig{
			PollInterval: 10 * time.Millisecond, BatchSize: 100, MaxRetries: 3,
			RetryBase: time.Millisecond, RetryMax: 10 * time.Millisecond, PublishTimeout: time.Second,
		},
		Stream: config.StreamConfig{
			Symbols: []string{"BTCUSDT"}, HealthInterval: 50 * time.Millisecond,
			ReconnectBase: time.Millisecond, ReconnectMax: 5 * time.Millisecond, MaxAttempts: 3,
			CredentialSlack: time.Minute,
		},
		Sizing: config.SizingConfig{Equity: d("1000000"), QuantityPrecision: 3},
	}
}

type fixture struct {
	engine *Engine
	broker *simbroker.Broker
	store  *sqlite.Store
	sink   *mockSink
}

func setup(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	store, err := sqlite.NewStore(sqlite.Config{DBPath: filepath.Join(t.TempDir(), "engine.db"), Logger: &mockLogger{}})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := simbroker.New(simbroker.Config{AutoFill: cfg.Broker.SimFill, Logger: &mockLogger{}})
	sink := &mockSink{}
	engine, err := NewEngine(cfg, Deps{Store: store, Broker: broker, Transport: broker, Sink: sink, Logger: &mockLogger{}})
	require.NoError(t, err)
	return &fixture{engine: engine, broker: broker, store: store, sink: sink}
}

// start runs the engine and returns a stop function that waits for Start to return.
func (f *fixture) start(t *testing.T) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Start(ctx) }()
	require.Eventually(t, f.engine.Stream().IsConnected, 2*time.Second, 5*time.Millisecond)
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("engine did not stop")
			return nil
		}
	}
}

func (f *fixture) position(t *testing.T, symbol string) *domain.Position {
	t.Helper()
	var pos *domain.Position
	require.NoError(t, f.store.WithinTx(context.Background(), func(ctx context.Context, tx ports.Tx) error {
		var err error
		pos, err = tx.Positions().Get(ctx, "acc-1", symbol)
		return err
	}))
	return pos
}

func TestNewEngine_MissingDependencies(t *testing.T) {
	_, err := NewEngine(testConfig(), Deps{})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	cfg := testConfig()
	cfg.Broker.AccountID = ""
	broker := simbroker.New(simbroker.Config{Logger: &mockLogger{}})
	_, err = NewEngine(cfg, Deps{Store: &sqlite.Store{}, Broker: broker, Transport: broker, Sink: &mockSink{}, Logger: &mockLogger{}})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestEngine_SignalToPosition(t *testing.T) {
	f := setup(t, testConfig())
	stop := f.start(t)
	ctx := context.Background()

	f.broker.PushTick(ports.Tick{Symbol: "BTCUSDT", Price: d("70000"), Quantity: d("1"), At: time.Now()})
	require.Eventually(t, func() bool {
		_, ok := f.engine.LastPrice("BTCUSDT")
		return ok
	}, time.Second, 5*time.Millisecond)

	sig := domain.Signal{
		ID: "sig-1", AccountID: "acc-1", Symbol: "BTCUSDT", Side: domain.Buy,
		TargetType: domain.TargetQuantity, TargetValue: d("2"), TTLSeconds: 60, GeneratedAt: time.Now(),
	}
	o, err := f.engine.SubmitSignal(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, "sig-1", o.CorrelationID)

	require.Eventually(t, func() bool {
		cur, err := f.engine.Orders().Get(ctx, o.ID)
		return err == nil && cur.Status == domain.StatusFilled
	}, 2*time.Second, 5*time.Millisecond)

	pos := f.position(t, "BTCUSDT")
	require.NotNil(t, pos)
	assert.True(t, d("2").Equal(pos.Quantity))
	assert.True(t, d("70000").Equal(pos.AvgCost))

	again, err := f.engine.SubmitSignal(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, o.ID, again.ID, "replayed signal returns the original order")

	require.Eventually(t, func() bool {
		types := f.sink.types("sig-1")
		return contains(types, domain.EventFillReceived) && contains(types, domain.EventPositionUpdated)
	}, 2*time.Second, 10*time.Millisecond)
	types := f.sink.types("sig-1")
	assert.Equal(t, domain.EventSignalGenerated, types[0])
	assert.Equal(t, 1, count(types, domain.EventSignalGenerated))
	assert.Equal(t, 1, count(types, domain.EventOrderPlaced))

	require.NoError(t, stop())
	assert.True(t, f.sink.closed)
}

func TestEngine_ExpiredSignal(t *testing.T) {
	f := setup(t, testConfig())
	sig := domain.Signal{
		ID: "sig-old", AccountID: "acc-1", Symbol: "BTCUSDT", Side: domain.Buy,
		TargetType: domain.TargetQuantity, TargetValue: d("1"), TTLSeconds: 5,
		GeneratedAt: time.Now().Add(-time.Minute),
	}
	_, err := f.engine.SubmitSignal(context.Background(), sig)
	assert.ErrorIs(t, err, ports.ErrSignalExpired)

	var events []*domain.OutboxEvent
	require.NoError(t, f.store.WithinTx(context.Background(), func(ctx context.Context, tx ports.Tx) error {
		var err error
		events, err = tx.Outbox().ListByCorrelation(ctx, "sig-old")
		return err
	}))
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventSignalGenerated, events[0].Type)
}

func TestEngine_BrokerCancelUpdate(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.SimFill = false
	f := setup(t, cfg)
	stop := f.start(t)
	ctx := context.Background()

	o, err := f.engine.Orders().PlaceOrder(ctx, domain.OrderRequest{
		AccountID: "acc-1", Symbol: "BTCUSDT", Side: domain.Buy, Type: domain.Limit,
		Quantity: d("1"), Price: decimal.NewNullDecimal(d("65000")), IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		cur, err := f.engine.Orders().Get(ctx, o.ID)
		return err == nil && cur.Status == domain.StatusAccepted
	}, 2*time.Second, 5*time.Millisecond)

	cur, err := f.engine.Orders().Get(ctx, o.ID)
	require.NoError(t, err)
	f.broker.PushFill(ports.ExecutionReport{
		AccountID: "acc-1", Symbol: "BTCUSDT", BrokerRef: cur.BrokerRef, ClientOrderID: o.ID,
		Side: domain.Buy, Status: domain.StatusCancelled, Reason: "expired", At: time.Now(),
	})
	require.Eventually(t, func() bool {
		cur, err := f.engine.Orders().Get(ctx, o.ID)
		return err == nil && cur.Status == domain.StatusCancelled
	}, 2*time.Second, 5*time.Millisecond)

	// Reports for orders the engine never placed are ignored.
	f.broker.PushFill(ports.ExecutionReport{AccountID: "acc-1", BrokerRef: "SIM-999", Status: domain.StatusAccepted})

	require.NoError(t, stop())
}

func TestEngine_StreamFatalAlert(t *testing.T) {
	f := setup(t, testConfig())
	f.broker.FailConnect(errors.New("network unreachable"))

	err := f.engine.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrReconnectExhausted)

	var events []*domain.OutboxEvent
	require.NoError(t, f.store.WithinTx(context.Background(), func(ctx context.Context, tx ports.Tx) error {
		var err error
		events, err = tx.Outbox().ListByCorrelation(ctx, "stream:fatal")
		return err
	}))
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventAlertDispatched, events[0].Type)
	assert.Contains(t, string(events[0].Payload), `"severity":"CRITICAL"`)
}

func TestEngine_SeedsGlobalRule(t *testing.T) {
	f := setup(t, testConfig())
	require.NoError(t, f.engine.seedRules(context.Background()))

	var rules []domain.RiskRule
	require.NoError(t, f.store.WithinTx(context.Background(), func(ctx context.Context, tx ports.Tx) error {
		var err error
		rules, err = tx.Risk().Rules(ctx)
		return err
	}))
	require.Len(t, rules, 1)
	assert.Equal(t, domain.ScopeGlobal, rules[0].Scope)
	require.NotNil(t, rules[0].MaxOpenOrders)
	assert.Equal(t, 20, *rules[0].MaxOpenOrders)
	assert.True(t, d("1000000").Equal(rules[0].DailyLossLimit.Decimal))
	assert.Nil(t, limit(0))
}

func contains(types []domain.EventType, want domain.EventType) bool {
	return count(types, want) > 0
}

func count(types []domain.EventType, want domain.EventType) int {
	n := 0
	for _, typ := range types {
		if typ == want {
			n++
		}
	}
	return n
}
