package outbox

import (
	"context"
	"fmt"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"

	"github.com/jpillora/backoff"
)

// Config tunes the Publisher.
type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxRetries     int // an event is dead-lettered once its retry count exceeds this
	RetryBase      time.Duration
	RetryMax       time.Duration
	PublishTimeout time.Duration
}

// Publisher delivers due outbox events to a sink, oldest first.
type Publisher struct {
	store   ports.Store
	sink    ports.EventSink
	logger  ports.Logger
	metrics ports.Metrics
	cfg     Config
	backoff *backoff.Backoff
	now     func() time.Time
}

// NewPublisher creates a publisher. Zero config values fall back to defaults.
func NewPublisher(store ports.Store, sink ports.EventSink, logger ports.Logger, metrics ports.Metrics, cfg Config) *Publisher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Minute
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Publisher{
		store:   store,
		sink:    sink,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
		backoff: &backoff.Backoff{Min: cfg.RetryBase, Max: cfg.RetryMax, Factor: 2, Jitter: false},
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (p *Publisher) WithClock(now func() time.Time) *Publisher {
	p.now = now
	return p
}

// Run publishes pending events every poll interval until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info(ctx, "Outbox publisher started", map[string]interface{}{"interval": p.cfg.PollInterval.String()})
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.PublishPending(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error(ctx, err, "Outbox publish cycle failed")
		}
		select {
		case <-ctx.Done():
			p.logger.Info(context.Background(), "Outbox publisher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PublishPending delivers one batch of due events and returns how many were published.
// An item already handed to the sink is finished even if ctx is cancelled meanwhile;
// no further item is started after cancellation.
func (p *Publisher) PublishPending(ctx context.Context) (int, error) {
	op := "PublishPending"
	var due []*domain.OutboxEvent
	err := p.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		due, err = tx.Outbox().Due(ctx, p.now().UTC(), p.cfg.BatchSize)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%s failed: %w", op, err)
	}

	published := 0
	for _, event := range due {
		if ctx.Err() != nil {
			break
		}
		ok, err := p.publishOne(ctx, event)
		if err != nil {
			return published, fmt.Errorf("%s failed: %w", op, err)
		}
		if ok {
			published++
		}
	}

	p.reportPending(ctx)
	return published, nil
}

func (p *Publisher) publishOne(ctx context.Context, event *domain.OutboxEvent) (bool, error) {
	workCtx := context.WithoutCancel(ctx)
	sendCtx, cancel := context.WithTimeout(workCtx, p.cfg.PublishTimeout)
	sendErr := p.sink.Publish(sendCtx, event.Envelope())
	cancel()

	now := p.now().UTC()
	fields := map[string]interface{}{"eventID": event.EventID, "type": event.Type, "sequence": event.Sequence}

	if sendErr == nil {
		err := p.store.WithinTx(workCtx, func(ctx context.Context, tx ports.Tx) error {
			return tx.Outbox().MarkPublished(ctx, event.Sequence, now)
		})
		if err != nil {
			return false, err
		}
		p.metrics.OutboxPublished()
		p.logger.Debug(ctx, "Event published", fields)
		return true, nil
	}

	retries := event.RetryCount + 1
	fields["retryCount"] = retries
	p.metrics.OutboxFailed()

	if retries > p.cfg.MaxRetries {
		event.RetryCount = retries
		event.LastError = sendErr.Error()
		reason := fmt.Sprintf("retry ceiling %d exceeded: %v", p.cfg.MaxRetries, sendErr)
		err := p.store.WithinTx(workCtx, func(ctx context.Context, tx ports.Tx) error {
			return tx.Outbox().DeadLetter(ctx, event, reason, now)
		})
		if err != nil {
			return false, err
		}
		p.metrics.OutboxDeadLettered()
		p.logger.Error(ctx, sendErr, "Event dead-lettered", fields)
		return false, nil
	}

	next := now.Add(p.backoff.ForAttempt(float64(retries - 1)))
	fields["nextAttemptAt"] = next
	err := p.store.WithinTx(workCtx, func(ctx context.Context, tx ports.Tx) error {
		return tx.Outbox().MarkFailed(ctx, event.Sequence, retries, next, sendErr.Error())
	})
	if err != nil {
		return false, err
	}
	p.logger.Warn(ctx, "Event publish failed, will retry", fields)
	return false, nil
}

func (p *Publisher) reportPending(ctx context.Context) {
	var n int
	err := p.store.WithinTx(context.WithoutCancel(ctx), func(ctx context.Context, tx ports.Tx) error {
		var err error
		n, err = tx.Outbox().PendingCount(ctx)
		return err
	})
	if err != nil {
		p.logger.Warn(ctx, "Failed to count pending events", map[string]interface{}{"error": err.Error()})
		return
	}
	p.metrics.OutboxPending(n)
}

// DeadLetters lists dead-lettered events, oldest first.
func (p *Publisher) DeadLetters(ctx context.Context, limit int) ([]*domain.DeadLetter, error) {
	var letters []*domain.DeadLetter
	err := p.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		letters, err = tx.Outbox().ListDeadLetters(ctx, limit)
		return err
	})
	return letters, err
}

// Requeue returns a dead letter to the queue with a fresh retry budget and the same event id.
func (p *Publisher) Requeue(ctx context.Context, eventID string) error {
	return p.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		return tx.Outbox().Requeue(ctx, eventID, p.now().UTC())
	})
}
