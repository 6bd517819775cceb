package risk

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tradeEngine/internal/adapters/sqlite"
	"tradeEngine/internal/domain"
	"tradeEngine/internal/outbox"
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

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }
func intPtr(v int) *int          { return &v }

type fixture struct {
	store *sqlite.Store
	mgr   *Manager
	now   time.Time
}

func setup(t *testing.T, rules ...domain.RiskRule) *fixture {
	t.Helper()
	store, err := sqlite.NewStore(sqlite.Config{DBPath: filepath.Join(t.TempDir(), "risk.db"), Logger: &mockLogger{}})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{store: store, now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.mgr = NewManager(store, outbox.NewRecorder("test").WithClock(clock), &mockLogger{}, nil).WithClock(clock)

	for i := range rules {
		require.NoError(t, f.mgr.SaveRule(context.Background(), &rules[i]))
	}
	return f
}

func (f *fixture) tx(t *testing.T, fn func(ctx context.Context, tx ports.Tx) error) {
	t.Helper()
	require.NoError(t, f.store.WithinTx(context.Background(), fn))
}

func (f *fixture) events(t *testing.T, correlation string, typ domain.EventType) []*domain.OutboxEvent {
	t.Helper()
	var out []*domain.OutboxEvent
	f.tx(t, func(ctx context.Context, tx ports.Tx) error {
		all, err := tx.Outbox().ListByCorrelation(ctx, correlation)
		for _, e := range all {
			if e.Type == typ {
				out = append(out, e)
			}
		}
		return err
	})
	return out
}

func TestKillSwitch_TripsOnceOnDailyLoss(t *testing.T) {
	f := setup(t, domain.RiskRule{Scope: domain.ScopeGlobal, DailyLossLimit: decimal.NewNullDecimal(d("1000000"))})

	var states []*domain.RiskState
	for _, delta := range []string{"-600000", "-900000", "-250000"} {
		f.tx(t, func(ctx context.Context, tx ports.Tx) error {
			st, err := f.mgr.OnFillApplied(ctx, tx, "acc-1", d(delta))
			states = append(states, st)
			return err
		})
	}

	assert.Equal(t, domain.KillSwitchOff, states[0].KillSwitch)
	assert.Equal(t, domain.KillSwitchOn, states[1].KillSwitch)
	assert.Contains(t, states[1].KillSwitchReason, "DAILY_LOSS_LIMIT")
	assert.Contains(t, states[1].KillSwitchReason, "by 500000")
	assert.Equal(t, domain.KillSwitchOn, states[2].KillSwitch)
	assert.True(t, d("-1750000").Equal(states[2].DailyPnL))

	changes := f.events(t, "risk:PER_ACCOUNT:acc-1", domain.EventKillSwitchChanged)
	require.Len(t, changes, 1)
	assert.JSONEq(t, `{"scope":"PER_ACCOUNT","accountId":"acc-1","from":"OFF","to":"ON","reason":"`+states[1].KillSwitchReason+`","manual":false}`,
		string(changes[0].Payload))
	assert.Len(t, f.events(t, "risk:PER_ACCOUNT:acc-1", domain.EventAlertDispatched), 1)

	decision, err := f.mgr.Evaluate(context.Background(), "acc-1", "BTCUSDT", domain.Sell, d("10"))
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Equal(t, domain.ReasonKillSwitchOn, decision.Reason)

	// Other accounts keep trading.
	decision, err = f.mgr.Evaluate(context.Background(), "acc-2", "BTCUSDT", domain.Buy, d("10"))
	require.NoError(t, err)
	assert.True(t, decision.Approved)
}

func TestKillSwitch_TripsOnFailureStreak(t *testing.T) {
	f := setup(t, domain.RiskRule{Scope: domain.ScopePerAccount, AccountID: "acc-1", MaxConsecutiveFailures: intPtr(3)})

	for i := 0; i < 2; i++ {
		f.tx(t, func(ctx context.Context, tx ports.Tx) error {
			st, err := f.mgr.OnOrderFailed(ctx, tx, "acc-1")
			assert.Equal(t, domain.KillSwitchOff, st.KillSwitch)
			return err
		})
	}
	// A success resets the streak.
	f.tx(t, func(ctx context.Context, tx ports.Tx) error { return f.mgr.OnOrderSubmitted(ctx, tx, "acc-1") })
	for i := 0; i < 3; i++ {
		f.tx(t, func(ctx context.Context, tx ports.Tx) error {
			_, err := f.mgr.OnOrderFailed(ctx, tx, "acc-1")
			return err
		})
	}

	st, err := f.mgr.State(context.Background(), domain.ScopePerAccount, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.KillSwitchOn, st.KillSwitch)
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Contains(t, st.KillSwitchReason, "CONSECUTIVE_FAILURES")
	assert.Len(t, f.events(t, "risk:PER_ACCOUNT:acc-1", domain.EventKillSwitchChanged), 1)
}

func TestEvaluate_Checks(t *testing.T) {
	tests := []struct {
		name    string
		rules   []domain.RiskRule
		prepare func(t *testing.T, f *fixture)
		side    domain.OrderSide
		value   string
		want    domain.RiskReason
	}{
		{
			name:  "approved without rules",
			side:  domain.Buy,
			value: "1000",
		},
		{
			name: "global kill switch on",
			prepare: func(t *testing.T, f *fixture) {
				_, err := f.mgr.SetKillSwitch(context.Background(), domain.ScopeGlobal, "", domain.KillSwitchOn, "exchange incident")
				require.NoError(t, err)
			},
			side: domain.Sell, value: "1", want: domain.ReasonKillSwitchOn,
		},
		{
			name: "armed denies opening",
			prepare: func(t *testing.T, f *fixture) {
				_, err := f.mgr.SetKillSwitch(context.Background(), domain.ScopePerAccount, "acc-1", domain.KillSwitchArmed, "reduce only")
				require.NoError(t, err)
			},
			side: domain.Buy, value: "1", want: domain.ReasonKillSwitchArmed,
		},
		{
			name: "armed allows reducing",
			prepare: func(t *testing.T, f *fixture) {
				f.tx(t, func(ctx context.Context, tx ports.Tx) error {
					p := domain.NewPosition("acc-1", "BTCUSDT")
					p.ApplyFill(domain.Buy, d("1"), d("100"), f.now)
					return tx.Positions().Upsert(ctx, p)
				})
				_, err := f.mgr.SetKillSwitch(context.Background(), domain.ScopePerAccount, "acc-1", domain.KillSwitchArmed, "reduce only")
				require.NoError(t, err)
			},
			side: domain.Sell, value: "100",
		},
		{
			name:  "max open orders",
			rules: []domain.RiskRule{{Scope: domain.ScopeGlobal, MaxOpenOrders: intPtr(2)}},
			prepare: func(t *testing.T, f *fixture) {
				for i := 0; i < 2; i++ {
					f.tx(t, func(ctx context.Context, tx ports.Tx) error { return f.mgr.OnOrderApproved(ctx, tx, "acc-1") })
				}
			},
			side: domain.Buy, value: "1", want: domain.ReasonMaxOpenOrders,
		},
		{
			name:  "open orders freed by close",
			rules: []domain.RiskRule{{Scope: domain.ScopeGlobal, MaxOpenOrders: intPtr(1)}},
			prepare: func(t *testing.T, f *fixture) {
				f.tx(t, func(ctx context.Context, tx ports.Tx) error { return f.mgr.OnOrderApproved(ctx, tx, "acc-1") })
				f.tx(t, func(ctx context.Context, tx ports.Tx) error { return f.mgr.OnOrderClosed(ctx, tx, "acc-1") })
			},
			side: domain.Buy, value: "1",
		},
		{
			name:  "frequency within window",
			rules: []domain.RiskRule{{Scope: domain.ScopePerAccount, AccountID: "acc-1", MaxOrdersPerMinute: intPtr(2)}},
			prepare: func(t *testing.T, f *fixture) {
				for i := 0; i < 2; i++ {
					f.tx(t, func(ctx context.Context, tx ports.Tx) error { return f.mgr.OnOrderApproved(ctx, tx, "acc-1") })
					f.now = f.now.Add(20 * time.Second)
				}
			},
			side: domain.Buy, value: "1", want: domain.ReasonOrderFrequency,
		},
		{
			name:  "frequency window slides",
			rules: []domain.RiskRule{{Scope: domain.ScopePerAccount, AccountID: "acc-1", MaxOrdersPerMinute: intPtr(2)}},
			prepare: func(t *testing.T, f *fixture) {
				for i := 0; i < 2; i++ {
					f.tx(t, func(ctx context.Context, tx ports.Tx) error { return f.mgr.OnOrderApproved(ctx, tx, "acc-1") })
					f.now = f.now.Add(40 * time.Second)
				}
			},
			side: domain.Buy, value: "1",
		},
		{
			name:  "position value limit",
			rules: []domain.RiskRule{{Scope: domain.ScopePerSymbol, Symbol: "BTCUSDT", MaxPositionValue: decimal.NewNullDecimal(d("100000"))}},
			prepare: func(t *testing.T, f *fixture) {
				f.tx(t, func(ctx context.Context, tx ports.Tx) error {
					p := domain.NewPosition("acc-1", "BTCUSDT")
					p.ApplyFill(domain.Buy, d("1"), d("70000"), f.now)
					return tx.Positions().Upsert(ctx, p)
				})
			},
			side: domain.Buy, value: "40000", want: domain.ReasonPositionLimit,
		},
		{
			name:  "position value limit needs a price",
			rules: []domain.RiskRule{{Scope: domain.ScopePerSymbol, Symbol: "BTCUSDT", MaxPositionValue: decimal.NewNullDecimal(d("100000"))}},
			side:  domain.Buy, value: "0", want: domain.ReasonNoPrice,
		},
		{
			name: "unpriced order without value limit",
			side: domain.Buy, value: "0",
		},
		{
			name:  "position value limit allows reduction",
			rules: []domain.RiskRule{{Scope: domain.ScopePerSymbol, Symbol: "BTCUSDT", MaxPositionValue: decimal.NewNullDecimal(d("100000"))}},
			prepare: func(t *testing.T, f *fixture) {
				f.tx(t, func(ctx context.Context, tx ports.Tx) error {
					p := domain.NewPosition("acc-1", "BTCUSDT")
					p.ApplyFill(domain.Buy, d("1"), d("70000"), f.now)
					return tx.Positions().Upsert(ctx, p)
				})
			},
			side: domain.Sell, value: "150000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, tt.rules...)
			if tt.prepare != nil {
				tt.prepare(t, f)
			}
			decision, err := f.mgr.Evaluate(context.Background(), "acc-1", "BTCUSDT", tt.side, d(tt.value))
			require.NoError(t, err)
			assert.Equal(t, tt.want == domain.ReasonNone, decision.Approved, decision.Message)
			assert.Equal(t, tt.want, decision.Reason)
		})
	}
}

func TestSetKillSwitch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.mgr.SetKillSwitch(ctx, domain.ScopeGlobal, "", domain.KillSwitchOn, "  ")
	assert.ErrorIs(t, err, domain.ErrKillSwitchReason)

	_, err = f.mgr.SetKillSwitch(ctx, domain.ScopeGlobal, "acc-1", domain.KillSwitchOn, "x")
	assert.ErrorIs(t, err, domain.ErrUnsupportedScope)

	_, err = f.mgr.SetKillSwitch(ctx, domain.ScopeGlobal, "", "PAUSED", "x")
	assert.ErrorIs(t, err, domain.ErrUnknownKillSwitch)

	st, err := f.mgr.SetKillSwitch(ctx, domain.ScopeGlobal, "", domain.KillSwitchOn, "venue outage")
	require.NoError(t, err)
	assert.Equal(t, domain.KillSwitchOn, st.KillSwitch)

	_, err = f.mgr.SetKillSwitch(ctx, domain.ScopeGlobal, "", domain.KillSwitchOn, "still down")
	require.NoError(t, err)

	st, err = f.mgr.SetKillSwitch(ctx, domain.ScopeGlobal, "", domain.KillSwitchOff, "venue recovered")
	require.NoError(t, err)
	assert.Equal(t, domain.KillSwitchOff, st.KillSwitch)
	assert.Equal(t, "venue recovered", st.KillSwitchReason)

	changes := f.events(t, "risk:GLOBAL:", domain.EventKillSwitchChanged)
	assert.Len(t, changes, 2, "unchanged status records nothing")
	assert.Empty(t, f.events(t, "risk:GLOBAL:", domain.EventAlertDispatched))
}

func TestResetDaily_KeepsKillSwitch(t *testing.T) {
	f := setup(t, domain.RiskRule{Scope: domain.ScopeGlobal, DailyLossLimit: decimal.NewNullDecimal(d("100"))})
	ctx := context.Background()

	f.tx(t, func(ctx context.Context, tx ports.Tx) error {
		_, err := f.mgr.OnFillApplied(ctx, tx, "acc-1", d("-150"))
		return err
	})
	f.tx(t, func(ctx context.Context, tx ports.Tx) error { return f.mgr.OnOrderApproved(ctx, tx, "acc-1") })

	require.NoError(t, f.mgr.ResetDaily(ctx, "2024-03-02"))

	st, err := f.mgr.State(ctx, domain.ScopePerAccount, "acc-1")
	require.NoError(t, err)
	assert.True(t, st.DailyPnL.IsZero())
	assert.Empty(t, st.OrderTimestamps)
	assert.Equal(t, 1, st.OpenOrders)
	assert.Equal(t, domain.KillSwitchOn, st.KillSwitch)
}

func TestState_LazyDayRoll(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.tx(t, func(ctx context.Context, tx ports.Tx) error {
		_, err := f.mgr.OnFillApplied(ctx, tx, "acc-1", d("-42"))
		return err
	})
	st, err := f.mgr.State(ctx, domain.ScopePerAccount, "acc-1")
	require.NoError(t, err)
	assert.True(t, d("-42").Equal(st.DailyPnL))

	f.now = f.now.Add(24 * time.Hour)
	st, err = f.mgr.State(ctx, domain.ScopePerAccount, "acc-1")
	require.NoError(t, err)
	assert.True(t, st.DailyPnL.IsZero())
	assert.Equal(t, "2024-03-02", st.TradingDay)
}

func TestOnFillApplied_RecomputesExposure(t *testing.T) {
	f := setup(t)
	f.tx(t, func(ctx context.Context, tx ports.Tx) error {
		for _, p := range []struct{ sym, qty, px string }{{"BTCUSDT", "1", "70000"}, {"ETHUSDT", "-2", "3000"}} {
			pos := domain.NewPosition("acc-1", p.sym)
			side := domain.Buy
			if d(p.qty).IsNegative() {
				side = domain.Sell
			}
			pos.ApplyFill(side, d(p.qty).Abs(), d(p.px), f.now)
			if err := tx.Positions().Upsert(ctx, pos); err != nil {
				return err
			}
		}
		st, err := f.mgr.OnFillApplied(ctx, tx, "acc-1", decimal.Zero)
		require.NoError(t, err)
		assert.True(t, d("76000").Equal(st.Exposure), "got %s", st.Exposure)
		return nil
	})
}
