package stream

import (
	"context"
	"fmt"
	"sync"

	"tradeEngine/internal/ports"
)

// dispatcher delivers messages of one subscription to its handler in arrival order,
// off the session's read goroutine. push never blocks.
type dispatcher struct {
	id     string
	logger ports.Logger

	mu     sync.Mutex
	closed bool
	queue  []func(ctx context.Context) error
	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

func newDispatcher(id string, logger ports.Logger) *dispatcher {
	return &dispatcher{
		id:     id,
		logger: logger,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// push queues fn and reports whether it was accepted. A closed dispatcher drops it.
func (d *dispatcher) push(fn func(ctx context.Context) error) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
	return true
}

// run delivers queued messages until ctx is cancelled or close is called.
// On close the messages already queued are delivered before run returns.
func (d *dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			d.drain(ctx)
			return
		case <-d.notify:
		}
		d.drain(ctx)
	}
}

func (d *dispatcher) drain(ctx context.Context) {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.deliver(ctx, fn)
	}
}

func (d *dispatcher) deliver(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(ctx, fmt.Errorf("panic: %v", r), "Stream handler panicked", map[string]interface{}{"subscription": d.id})
		}
	}()
	if err := fn(ctx); err != nil {
		d.logger.Error(ctx, err, "Stream handler failed", map[string]interface{}{"subscription": d.id})
	}
}

// close stops accepting messages, waits for the queue to drain and stops run.
func (d *dispatcher) close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.stop)
	}
	d.mu.Unlock()
	<-d.done
}

// pending returns the number of queued messages.
func (d *dispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}
