package pubsub

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/drawparty/syncclient/internal/backoff"
	"github.com/drawparty/syncclient/internal/event"
	"github.com/drawparty/syncclient/pkg/wire"
)

// Publish broadcasts an event on its game topic, retrying with exponential
// backoff behind the circuit breaker. Broadcast is best-effort: on an open
// breaker or exhausted retries it fails with ErrBroadcastFailed, which
// callers must treat as non-fatal — the backend write that preceded the
// broadcast is what actually happened.
func (c *Client) Publish(ctx context.Context, env event.Envelope) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("%w: %w", ErrBroadcastFailed, ErrBreakerOpen)
	}

	bo := &backoff.Backoff{
		Base:        c.cfg.PublishBaseDelay,
		Max:         c.cfg.ReconnectMax,
		MaxAttempts: c.cfg.PublishAttempts,
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.PublishAttempts; attempt++ {
		lastErr = c.publishOnce(ctx, env)
		if lastErr == nil {
			c.breaker.RecordSuccess()
			return nil
		}
		c.log.Debug("publish attempt failed",
			zap.String("type", string(env.Type)),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt < c.cfg.PublishAttempts {
			if err := c.sleep(ctx, bo.Next()); err != nil {
				lastErr = err
				break
			}
		}
	}

	c.breaker.RecordFailure()
	return fmt.Errorf("%w: %w", ErrBroadcastFailed, lastErr)
}

func (c *Client) publishOnce(ctx context.Context, env event.Envelope) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return ErrNotConnected
	}
	topic := event.GameTopic(env.GameID)
	if env.Type == event.TypeMatchFound {
		topic = event.UserTopic(env.UserID)
	}
	return writeFrame(ctx, sock, wire.Frame{Op: wire.OpPublish, Topic: topic, Event: &env})
}
