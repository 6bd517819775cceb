package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"

	"github.com/jpillora/backoff"
	kafkago "github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// SignalConsumer implements ports.SignalSource over a consumer group.
type SignalConsumer struct {
	reader  messageReader
	logger  ports.Logger
	backoff *backoff.Backoff
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewSignalConsumer creates a consumer for the signals topic.
func NewSignalConsumer(cfg Config, logger ports.Logger) (*SignalConsumer, error) {
	if len(cfg.Brokers) == 0 || cfg.SignalsTopic == "" || cfg.GroupID == "" {
		return nil, fmt.Errorf("%w: kafka brokers, signals topic and group id are required", ports.ErrConfigurationError)
	}
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.SignalsTopic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	return newSignalConsumer(r, logger), nil
}

func newSignalConsumer(r messageReader, logger ports.Logger) *SignalConsumer {
	if logger == nil {
		logger = ports.NopLogger{}
	}
	return &SignalConsumer{
		reader:  r,
		logger:  logger,
		backoff: &backoff.Backoff{Min: 200 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: false},
		sleep:   sleepCtx,
	}
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

// Run feeds decoded signals to handler until ctx is cancelled. Undecodable messages and signals
// the handler rejects as invalid or expired are committed and skipped. Any other handler error
// retries the same message with backoff, so later offsets are never committed past it; on
// cancellation it stays uncommitted and is redelivered after a restart.
func (c *SignalConsumer) Run(ctx context.Context, handler func(ctx context.Context, sig domain.Signal) error) error {
	fetchFailures := 0
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := c.backoff.ForAttempt(float64(fetchFailures))
			fetchFailures++
			c.logger.Error(ctx, err, "Failed to fetch signal message", map[string]interface{}{
				"attempt": fetchFailures, "delay": delay.String(),
			})
			if c.sleep(ctx, delay) != nil {
				return nil
			}
			continue
		}
		fetchFailures = 0

		var sig domain.Signal
		if err := json.Unmarshal(m.Value, &sig); err != nil {
			c.logger.Error(ctx, err, "Dropping undecodable signal", map[string]interface{}{"offset": m.Offset, "partition": m.Partition})
			c.commit(ctx, m)
			continue
		}

		if !c.handle(ctx, m, sig, handler) {
			return nil
		}
		c.commit(ctx, m)
	}
}

// handle runs handler until it succeeds or fails permanently. It returns false when ctx ends first.
func (c *SignalConsumer) handle(ctx context.Context, m kafkago.Message, sig domain.Signal, handler func(ctx context.Context, sig domain.Signal) error) bool {
	for attempt := 0; ; attempt++ {
		err := handler(ctx, sig)
		switch {
		case err == nil:
			return true
		case errors.Is(err, ports.ErrValidation), errors.Is(err, ports.ErrSignalExpired):
			c.logger.Warn(ctx, "Signal rejected", map[string]interface{}{"signalID": sig.ID, "error": err.Error()})
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		delay := c.backoff.ForAttempt(float64(attempt))
		c.logger.Error(ctx, err, "Signal handler failed, retrying", map[string]interface{}{
			"signalID": sig.ID, "offset": m.Offset, "attempt": attempt + 1, "delay": delay.String(),
		})
		if c.sleep(ctx, delay) != nil {
			return false
		}
	}
}

func (c *SignalConsumer) commit(ctx context.Context, m kafkago.Message) {
	if err := c.reader.CommitMessages(context.WithoutCancel(ctx), m); err != nil {
		c.logger.Error(ctx, err, "Failed to commit signal offset", map[string]interface{}{"offset": m.Offset})
	}
}

// Close closes the reader.
func (c *SignalConsumer) Close() error {
	return c.reader.Close()
}
