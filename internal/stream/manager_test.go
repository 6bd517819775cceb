package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

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

type fakeSession struct {
	mu        sync.Mutex
	connected atomic.Bool
	done      chan struct{}
	err       error
	ticks     map[string]func(ports.Tick)
	fills     map[string]func(ports.ExecutionReport)
}

func newFakeSession() *fakeSession {
	s := &fakeSession{
		done:  make(chan struct{}),
		ticks: make(map[string]func(ports.Tick)),
		fills: make(map[string]func(ports.ExecutionReport)),
	}
	s.connected.Store(true)
	return s
}

func (s *fakeSession) SubscribeTicks(ctx context.Context, id string, symbols []string, h func(ports.Tick)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks[id] = h
	return nil
}

func (s *fakeSession) SubscribeFills(ctx context.Context, id string, accountID string, h func(ports.ExecutionReport)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills[id] = h
	return nil
}

func (s *fakeSession) Unsubscribe(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ticks, id)
	delete(s.fills, id)
	return nil
}

func (s *fakeSession) IsConnected() bool     { return s.connected.Load() }
func (s *fakeSession) Done() <-chan struct{} { return s.done }
func (s *fakeSession) Err() error            { return s.err }
func (s *fakeSession) Close() error {
	s.drop(nil)
	return nil
}

func (s *fakeSession) drop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected.Store(false)
	select {
	case <-s.done:
	default:
		s.err = err
		close(s.done)
	}
}

func (s *fakeSession) subIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.ticks {
		ids = append(ids, id)
	}
	for id := range s.fills {
		ids = append(ids, id)
	}
	return ids
}

func (s *fakeSession) tick(id string, t ports.Tick) {
	s.mu.Lock()
	h := s.ticks[id]
	s.mu.Unlock()
	h(t)
}

func (s *fakeSession) fill(id string, r ports.ExecutionReport) {
	s.mu.Lock()
	h := s.fills[id]
	s.mu.Unlock()
	h(r)
}

type fakeTransport struct {
	mu         sync.Mutex
	connectErr error
	dropAfter  bool // sessions are lost as soon as they are opened
	expiresIn  time.Duration
	auths      int
	sessions   []*fakeSession
}

func (t *fakeTransport) Authenticate(ctx context.Context) (ports.Credential, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.auths++
	var exp time.Time
	if t.expiresIn > 0 {
		exp = time.Now().Add(t.expiresIn)
	}
	return ports.Credential{Token: "token", ExpiresAt: exp}, nil
}

func (t *fakeTransport) Connect(ctx context.Context, cred ports.Credential) (ports.StreamSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	s := newFakeSession()
	if t.dropAfter {
		s.drop(errors.New("connection reset by peer"))
	}
	t.sessions = append(t.sessions, s)
	return s, nil
}

func (t *fakeTransport) session(i int) *fakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.sessions) {
		return nil
	}
	return t.sessions[i]
}

func (t *fakeTransport) count() (auths, sessions int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.auths, len(t.sessions)
}

func run(t *testing.T, m *Manager) (cancel func(), result <-chan error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		stop()
		m.Close()
	})
	return stop, done
}

func TestRun_ReconnectDelaysDoubleToCapThenGiveUp(t *testing.T) {
	transport := &fakeTransport{connectErr: ports.ErrConnectionFailed}
	m := NewManager(transport, &mockLogger{}, nil, Config{
		ReconnectBase: time.Second, ReconnectMax: 8 * time.Second, MaxAttempts: 6,
	})
	defer m.Close()

	var sleeps []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	var fatal []error
	m.OnFatal(func(ctx context.Context, err error) { fatal = append(fatal, err) })

	err := m.Run(context.Background())
	require.ErrorIs(t, err, ports.ErrReconnectExhausted)
	assert.ErrorIs(t, err, ports.ErrConnectionFailed)
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second,
	}, sleeps)
	assert.Len(t, fatal, 1)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestRun_FlappingSessionBacksOffAndGivesUp(t *testing.T) {
	transport := &fakeTransport{dropAfter: true}
	m := NewManager(transport, &mockLogger{}, nil, Config{
		HealthInterval: 10 * time.Second, ReconnectBase: time.Second, ReconnectMax: 8 * time.Second, MaxAttempts: 3,
	})
	defer m.Close()

	var sleeps []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	var fatal []error
	m.OnFatal(func(ctx context.Context, err error) { fatal = append(fatal, err) })

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()
	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept reconnecting a flapping session")
	}

	require.ErrorIs(t, err, ports.ErrReconnectExhausted)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps)
	assert.Len(t, fatal, 1)
	_, sessions := transport.count()
	assert.Equal(t, 3, sessions)
}

func TestRun_HealthySessionResetsAttempts(t *testing.T) {
	transport := &fakeTransport{dropAfter: true}
	m := NewManager(transport, &mockLogger{}, nil, Config{
		HealthInterval: time.Minute, ReconnectBase: time.Second, ReconnectMax: 8 * time.Second, MaxAttempts: 2,
	})
	defer m.Close()

	// Every session appears to have lived for an hour.
	var mu sync.Mutex
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(30 * time.Minute)
		return clock
	}
	ctx, cancel := context.WithCancel(context.Background())
	var sleeps []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		if len(sleeps) == 4 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	require.NoError(t, m.Run(ctx))
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second, time.Second}, sleeps)
}

func TestRun_StopsOnCancelWhileWaiting(t *testing.T) {
	transport := &fakeTransport{connectErr: ports.ErrExchangeUnavailable}
	m := NewManager(transport, &mockLogger{}, nil, Config{ReconnectBase: time.Hour, ReconnectMax: time.Hour})
	cancel, done := run(t, m)

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRun_ReplaysSubscriptionsAfterDrop(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(transport, &mockLogger{}, nil, Config{HealthInterval: time.Hour, ReconnectBase: time.Millisecond, ReconnectMax: time.Millisecond})
	ctx := context.Background()

	var mu sync.Mutex
	var prices []string
	tickID, err := m.SubscribeTicks(ctx, []string{"btcusdt", "ETHUSDT"}, func(ctx context.Context, tk ports.Tick) error {
		mu.Lock()
		defer mu.Unlock()
		prices = append(prices, tk.Price.String())
		return nil
	})
	require.NoError(t, err)
	fillID, err := m.SubscribeFills(ctx, "acc-1", func(ctx context.Context, r ports.ExecutionReport) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "ticks:BTCUSDT,ETHUSDT", tickID)
	assert.Equal(t, "fills:acc-1", fillID)

	run(t, m)
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)
	first := transport.session(0)
	assert.ElementsMatch(t, []string{tickID, fillID}, first.subIDs())
	first.tick(tickID, ports.Tick{Symbol: "BTCUSDT", Price: decimal.NewFromInt(70000)})

	first.drop(errors.New("connection reset"))
	require.Eventually(t, func() bool {
		s := transport.session(1)
		return s != nil && m.IsConnected()
	}, time.Second, 5*time.Millisecond)
	second := transport.session(1)
	assert.ElementsMatch(t, []string{tickID, fillID}, second.subIDs())
	second.tick(tickID, ports.Tick{Symbol: "BTCUSDT", Price: decimal.NewFromInt(70100)})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(prices) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"70000", "70100"}, prices)

	auths, _ := transport.count()
	assert.Equal(t, 1, auths, "credential without expiry is reused")
}

func TestRun_RefreshesExpiringCredential(t *testing.T) {
	transport := &fakeTransport{expiresIn: time.Second}
	m := NewManager(transport, &mockLogger{}, nil, Config{
		HealthInterval: time.Hour, CredentialSlack: time.Minute, ReconnectBase: time.Millisecond, ReconnectMax: time.Millisecond,
	})

	run(t, m)
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)
	transport.session(0).drop(nil)
	require.Eventually(t, func() bool {
		_, n := transport.count()
		return n == 2 && m.IsConnected()
	}, time.Second, 5*time.Millisecond)

	auths, _ := transport.count()
	assert.Equal(t, 2, auths)
}

func TestRun_HealthCheckDetectsSilentDisconnect(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(transport, &mockLogger{}, nil, Config{HealthInterval: 10 * time.Millisecond, ReconnectBase: time.Millisecond, ReconnectMax: time.Millisecond})

	run(t, m)
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)
	transport.session(0).connected.Store(false)

	require.Eventually(t, func() bool {
		_, n := transport.count()
		return n == 2 && m.IsConnected()
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribe_LiveAndIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(transport, &mockLogger{}, nil, Config{HealthInterval: time.Hour})
	ctx := context.Background()
	run(t, m)
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)

	id1, err := m.SubscribeTicks(ctx, []string{"ETHUSDT", "BTCUSDT"}, func(context.Context, ports.Tick) error { return nil })
	require.NoError(t, err)
	id2, err := m.SubscribeTicks(ctx, []string{"btcusdt", "ethusdt", "BTCUSDT"}, func(context.Context, ports.Tick) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, []string{id1}, m.Subscriptions())
	assert.Equal(t, []string{id1}, transport.session(0).subIDs())

	require.NoError(t, m.Unsubscribe(ctx, id1))
	require.NoError(t, m.Unsubscribe(ctx, id1))
	require.NoError(t, m.Unsubscribe(ctx, "unknown"))
	assert.Empty(t, m.Subscriptions())
	assert.Empty(t, transport.session(0).subIDs())

	_, err = m.SubscribeTicks(ctx, nil, nil)
	assert.ErrorIs(t, err, ports.ErrValidation)
	_, err = m.SubscribeFills(ctx, " ", nil)
	assert.ErrorIs(t, err, ports.ErrValidation)
}

func TestDispatch_OrderedAndSurvivesHandlerFailures(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(transport, &mockLogger{}, nil, Config{HealthInterval: time.Hour})
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	id, err := m.SubscribeFills(ctx, "acc-1", func(ctx context.Context, r ports.ExecutionReport) error {
		switch r.TradeID {
		case "panic":
			panic("boom")
		case "fail":
			return errors.New("handler failed")
		}
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r.TradeID)
		return nil
	})
	require.NoError(t, err)

	run(t, m)
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)
	session := transport.session(0)
	for _, tradeID := range []string{"t1", "panic", "t2", "fail", "t3", "t4"} {
		session.fill(id, ports.ExecutionReport{TradeID: tradeID})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"t1", "t2", "t3", "t4"}, seen)
}

func TestClose_DrainsQueuedReportsWithLiveContext(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(transport, &mockLogger{}, nil, Config{HealthInterval: time.Hour})
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var mu sync.Mutex
	var handled []string
	var cancelled int
	id, err := m.SubscribeFills(ctx, "acc-1", func(ctx context.Context, r ports.ExecutionReport) error {
		if r.TradeID == "t1" {
			started <- struct{}{}
			<-release
		}
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, r.TradeID)
		if ctx.Err() != nil {
			cancelled++
		}
		return nil
	})
	require.NoError(t, err)

	stop, done := run(t, m)
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)
	session := transport.session(0)
	m.mu.Lock()
	d := m.subs[id].dispatch
	m.mu.Unlock()

	for _, tradeID := range []string{"t1", "t2", "t3", "t4", "t5"} {
		session.fill(id, ports.ExecutionReport{TradeID: tradeID})
	}
	<-started
	require.Eventually(t, func() bool { return d.pending() == 4 }, time.Second, 5*time.Millisecond)

	stop()
	require.NoError(t, <-done)
	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	close(release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}

	session.fill(id, ports.ExecutionReport{TradeID: "late"})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"t1", "t2", "t3", "t4", "t5"}, handled)
	assert.Zero(t, cancelled)
	assert.Zero(t, d.pending())
}
