package simbroker

import (
	"context"
	"sync"

	"tradeEngine/internal/ports"
)

type tickSub struct {
	symbols map[string]struct{}
	handler func(ports.Tick)
}

type fillSub struct {
	accountID string
	handler   func(ports.ExecutionReport)
}

type session struct {
	broker *Broker

	mu     sync.Mutex
	ticks  map[string]tickSub
	fills  map[string]fillSub
	done   chan struct{}
	err    error
	closed bool
}

func newSession(b *Broker) *session {
	return &session{
		broker: b,
		ticks:  make(map[string]tickSub),
		fills:  make(map[string]fillSub),
		done:   make(chan struct{}),
	}
}

func (s *session) SubscribeTicks(ctx context.Context, id string, symbols []string, handler func(ports.Tick)) error {
	set := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		set[sym] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ports.ErrNotConnected
	}
	s.ticks[id] = tickSub{symbols: set, handler: handler}
	return nil
}

func (s *session) SubscribeFills(ctx context.Context, id string, accountID string, handler func(ports.ExecutionReport)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ports.ErrNotConnected
	}
	s.fills[id] = fillSub{accountID: accountID, handler: handler}
	return nil
}

func (s *session) Unsubscribe(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ticks, id)
	delete(s.fills, id)
	return nil
}

func (s *session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) Close() error {
	s.end(nil)
	return nil
}

func (s *session) end(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
	s.mu.Unlock()
	s.broker.forget(s)
}

func (s *session) deliverTick(t ports.Tick) {
	s.mu.Lock()
	var handlers []func(ports.Tick)
	for _, sub := range s.ticks {
		if _, ok := sub.symbols[t.Symbol]; ok {
			handlers = append(handlers, sub.handler)
		}
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(t)
	}
}

func (s *session) deliverFill(r ports.ExecutionReport) {
	s.mu.Lock()
	var handlers []func(ports.ExecutionReport)
	for _, sub := range s.fills {
		if sub.accountID == r.AccountID {
			handlers = append(handlers, sub.handler)
		}
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(r)
	}
}
