// Package stream keeps a broker stream session alive and replays subscriptions across reconnects.
// It works with any ports.StreamTransport.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tradeEngine/internal/ports"

	"github.com/jpillora/backoff"
)

// State is the connection state of the manager.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
)

// Config controls reconnects and health checks.
type Config struct {
	HealthInterval  time.Duration
	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
	MaxAttempts     int           // consecutive failed connects before giving up, 0 retries forever
	CredentialSlack time.Duration // refresh the credential this long before it expires
}

type subKind int

const (
	tickSub subKind = iota
	fillSub
)

type subscription struct {
	id        string
	kind      subKind
	symbols   []string
	accountID string
	onTick    func(ctx context.Context, t ports.Tick) error
	onFill    func(ctx context.Context, r ports.ExecutionReport) error
	dispatch  *dispatcher
}

// Manager owns the stream session lifecycle.
type Manager struct {
	transport ports.StreamTransport
	logger    ports.Logger
	metrics   ports.Metrics
	cfg       Config
	backoff   *backoff.Backoff
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	onFatal   func(ctx context.Context, err error)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	session ports.StreamSession
	cred    *ports.Credential
	subs    map[string]*subscription
}

// NewManager creates a stream manager. Call Close to stop the dispatchers.
func NewManager(transport ports.StreamTransport, logger ports.Logger, metrics ports.Metrics, cfg Config) *Manager {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 10 * time.Second
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		cfg.ReconnectMax = 30 * time.Second
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		transport: transport,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
		backoff:   &backoff.Backoff{Min: cfg.ReconnectBase, Max: cfg.ReconnectMax, Factor: 2, Jitter: false},
		now:       time.Now,
		sleep:     sleepCtx,
		onFatal:   func(context.Context, error) {},
		ctx:       ctx,
		cancel:    cancel,
		state:     StateDisconnected,
		subs:      make(map[string]*subscription),
	}
}

// OnFatal registers the callback invoked once reconnect attempts are exhausted.
func (m *Manager) OnFatal(fn func(ctx context.Context, err error)) *Manager {
	m.onFatal = fn
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether a live session exists.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.session != nil && m.session.IsConnected()
}

func (m *Manager) setState(ctx context.Context, s State, session ports.StreamSession) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.session = session
	m.mu.Unlock()

	if prev != s {
		m.metrics.StreamState(string(s))
		m.logger.Info(ctx, "Stream state changed", map[string]interface{}{"from": prev, "to": s})
	}
}

// Run connects and keeps the session alive until ctx is cancelled or reconnects are exhausted.
// It returns nil on cancellation and an ErrReconnectExhausted error when it gives up.
// A failed connect and a session lost within one HealthInterval both count as a failed attempt;
// a session that stayed up longer resets the count.
func (m *Manager) Run(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			m.setState(ctx, StateDisconnected, nil)
			return nil
		}

		m.setState(ctx, StateConnecting, nil)
		session, attached, err := m.connect(ctx)
		if err == nil {
			connectedAt := m.now()
			m.setState(ctx, StateConnected, session)
			err = m.catchUp(ctx, session, attached)
			if err == nil {
				err = m.serve(ctx, session)
			}
			_ = session.Close()
			if m.now().Sub(connectedAt) >= m.cfg.HealthInterval {
				failures = 0
			}
			if ctx.Err() == nil {
				m.logger.Warn(ctx, "Stream session lost", map[string]interface{}{
					"error": errString(err), "uptime": m.now().Sub(connectedAt).String(),
				})
			}
		}
		if ctx.Err() != nil {
			m.setState(ctx, StateDisconnected, nil)
			return nil
		}
		if err == nil {
			err = ports.ErrNotConnected
		}

		failures++
		m.metrics.StreamReconnect()
		if m.cfg.MaxAttempts > 0 && failures >= m.cfg.MaxAttempts {
			m.setState(ctx, StateDisconnected, nil)
			fatal := fmt.Errorf("gave up after %d attempts: %w: %w", failures, ports.ErrReconnectExhausted, err)
			m.logger.Error(ctx, fatal, "Stream reconnect exhausted")
			m.onFatal(context.WithoutCancel(ctx), fatal)
			return fatal
		}

		delay := m.backoff.ForAttempt(float64(failures - 1))
		m.logger.Warn(ctx, "Stream reconnecting", map[string]interface{}{
			"attempt": failures, "delay": delay.String(), "error": err.Error(),
		})
		m.setState(ctx, StateDisconnected, nil)
		if err := m.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// connect authenticates, opens a session and replays every subscription on it.
func (m *Manager) connect(ctx context.Context) (ports.StreamSession, map[string]bool, error) {
	cred, err := m.credential(ctx)
	if err != nil {
		return nil, nil, err
	}
	session, err := m.transport.Connect(ctx, cred)
	if err != nil {
		if errors.Is(err, ports.ErrAuthenticationFailed) {
			m.mu.Lock()
			m.cred = nil
			m.mu.Unlock()
		}
		return nil, nil, err
	}

	attached := make(map[string]bool)
	for _, sub := range m.snapshot() {
		if err := m.attach(ctx, session, sub); err != nil {
			_ = session.Close()
			return nil, nil, fmt.Errorf("replay subscription %s: %w", sub.id, err)
		}
		attached[sub.id] = true
	}
	return session, attached, nil
}

// catchUp attaches subscriptions registered while the session was being replayed.
func (m *Manager) catchUp(ctx context.Context, session ports.StreamSession, attached map[string]bool) error {
	for _, sub := range m.snapshot() {
		if attached[sub.id] {
			continue
		}
		if err := m.attach(ctx, session, sub); err != nil {
			return fmt.Errorf("replay subscription %s: %w", sub.id, err)
		}
	}
	return nil
}

// credential returns the cached credential, or issues a new one when it is about to expire.
func (m *Manager) credential(ctx context.Context) (ports.Credential, error) {
	m.mu.Lock()
	cached := m.cred
	m.mu.Unlock()
	if cached != nil && cached.ValidAt(m.now(), m.cfg.CredentialSlack) {
		return *cached, nil
	}

	cred, err := m.transport.Authenticate(ctx)
	if err != nil {
		return ports.Credential{}, fmt.Errorf("authenticate: %w", err)
	}
	m.mu.Lock()
	m.cred = &cred
	m.mu.Unlock()
	m.logger.Debug(ctx, "Stream credential issued", map[string]interface{}{"expiresAt": cred.ExpiresAt})
	return cred, nil
}

// serve blocks until the session ends, a health check fails or ctx is cancelled.
func (m *Manager) serve(ctx context.Context, session ports.StreamSession) error {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-session.Done():
			if err := session.Err(); err != nil {
				return err
			}
			return ports.ErrNotConnected
		case <-ticker.C:
			if !session.IsConnected() {
				return fmt.Errorf("health check: %w", ports.ErrNotConnected)
			}
		}
	}
}

// SubscribeTicks registers a tick handler for symbols and returns its subscription id.
// Subscribing the same symbol set again replaces the handler and returns the same id.
func (m *Manager) SubscribeTicks(ctx context.Context, symbols []string, handler func(ctx context.Context, t ports.Tick) error) (string, error) {
	if len(symbols) == 0 {
		return "", fmt.Errorf("%w: at least one symbol is required", ports.ErrValidation)
	}
	norm := normalize(symbols)
	sub := &subscription{id: "ticks:" + strings.Join(norm, ","), kind: tickSub, symbols: norm, onTick: handler}
	return m.subscribe(ctx, sub)
}

// SubscribeFills registers an execution report handler for an account.
// Subscribing the same account again replaces the handler and returns the same id.
func (m *Manager) SubscribeFills(ctx context.Context, accountID string, handler func(ctx context.Context, r ports.ExecutionReport) error) (string, error) {
	if strings.TrimSpace(accountID) == "" {
		return "", fmt.Errorf("%w: account is required", ports.ErrValidation)
	}
	sub := &subscription{id: "fills:" + accountID, kind: fillSub, accountID: accountID, onFill: handler}
	return m.subscribe(ctx, sub)
}

func (m *Manager) subscribe(ctx context.Context, sub *subscription) (string, error) {
	m.mu.Lock()
	if existing, ok := m.subs[sub.id]; ok {
		existing.onTick = sub.onTick
		existing.onFill = sub.onFill
		m.mu.Unlock()
		return sub.id, nil
	}
	sub.dispatch = newDispatcher(sub.id, m.logger)
	go sub.dispatch.run(m.ctx)
	m.subs[sub.id] = sub
	session := m.session
	m.mu.Unlock()

	if session != nil {
		if err := m.attach(ctx, session, sub); err != nil {
			// Kept as intent; the next connect replays it.
			m.logger.Warn(ctx, "Subscribe on live session failed", map[string]interface{}{"subscription": sub.id, "error": err.Error()})
		}
	}
	m.logger.Info(ctx, "Subscribed", map[string]interface{}{"subscription": sub.id, "live": session != nil})
	return sub.id, nil
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (m *Manager) Unsubscribe(ctx context.Context, id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	delete(m.subs, id)
	session := m.session
	m.mu.Unlock()
	if !ok {
		return nil
	}

	sub.dispatch.close()
	if session != nil {
		if err := session.Unsubscribe(ctx, id); err != nil {
			m.logger.Warn(ctx, "Unsubscribe on live session failed", map[string]interface{}{"subscription": id, "error": err.Error()})
		}
	}
	return nil
}

// Subscriptions returns the registered subscription ids, sorted.
func (m *Manager) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops every dispatcher. Messages already queued are delivered with a live context
// before Close returns; messages arriving afterwards are dropped.
func (m *Manager) Close() {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	for _, s := range subs {
		s.dispatch.close()
	}
	m.cancel()
}

func (m *Manager) snapshot() []*subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	return subs
}

// attach subscribes sub on session. Handlers are looked up at delivery time so a replaced handler takes effect.
func (m *Manager) attach(ctx context.Context, session ports.StreamSession, sub *subscription) error {
	switch sub.kind {
	case tickSub:
		return session.SubscribeTicks(ctx, sub.id, sub.symbols, func(t ports.Tick) {
			if !sub.dispatch.push(func(ctx context.Context) error {
				return m.handlerOf(sub).onTick(ctx, t)
			}) {
				m.logger.Debug(m.ctx, "Tick dropped after close", map[string]interface{}{"subscription": sub.id})
			}
		})
	default:
		return session.SubscribeFills(ctx, sub.id, sub.accountID, func(r ports.ExecutionReport) {
			if !sub.dispatch.push(func(ctx context.Context) error {
				return m.handlerOf(sub).onFill(ctx, r)
			}) {
				m.logger.Warn(m.ctx, "Execution report dropped after close", map[string]interface{}{
					"subscription": sub.id, "tradeId": r.TradeID,
				})
			}
		})
	}
}

func (m *Manager) handlerOf(sub *subscription) subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *sub
}

func normalize(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
