// Package changefeed subscribes to row-level update notifications for
// single game rows and keeps those subscriptions alive through transient
// network loss, falling back to periodic polling when it cannot. Push
// delivery is an optimization; the fallback poll is the liveness
// guarantee.
package changefeed

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drawparty/syncclient/internal/game"
	"github.com/drawparty/syncclient/internal/mux"
)

// RowChange carries the before/after row images of one UPDATE.
type RowChange struct {
	Old *game.Snapshot
	New *game.Snapshot
}

// Listener is one live underlying change-feed subscription.
type Listener interface {
	Close() error
}

// ListenerFactory opens the underlying subscription for one game id.
// deliver is called per notification; onError reports a dead listener.
type ListenerFactory interface {
	Listen(ctx context.Context, gameID string, deliver func(RowChange), onError func(error)) (Listener, error)
}

// RowFetcher re-fetches the authoritative row, used by fallback polling.
type RowFetcher interface {
	GetGame(ctx context.Context, id string) (*game.Snapshot, error)
}

type Config struct {
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectBudget   int
}

func (c *Config) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.ReconnectBudget == 0 {
		c.ReconnectBudget = 5
	}
}

// Feed multiplexes change-feed subscriptions per game id and monitors
// their health. Subscribe never fails synchronously: connection trouble is
// routed into the reconnection scheduler instead.
type Feed struct {
	cfg     Config
	factory ListenerFactory
	fetch   RowFetcher
	log     *zap.Logger

	m *mux.Mux[RowChange]

	mu      sync.Mutex
	topics  map[string]*feedChannel
	health  Health
	polling bool
	ctx     context.Context
	cancel  context.CancelFunc

	// injectable for tests
	newTicker func(d time.Duration) (<-chan time.Time, func())
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewFeed(cfg Config, factory ListenerFactory, fetch RowFetcher, log *zap.Logger) *Feed {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		cfg:     cfg,
		factory: factory,
		fetch:   fetch,
		log:     log,
		topics:  make(map[string]*feedChannel),
		health:  Health{Status: HealthDisconnected},
		ctx:     ctx,
		cancel:  cancel,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	f.m = mux.New[RowChange](mux.OpenerFunc[RowChange](f.open), log.Named("mux"))
	go f.heartbeatLoop()
	go f.pollLoop()
	return f
}

// Subscribe registers handler for row updates of one game. Many
// subscribers to the same game share one underlying listener. No-op row
// updates (nothing meaningful changed) are filtered out here.
func (f *Feed) Subscribe(gameID, subscriberID string, handler func(old, new *game.Snapshot)) {
	err := f.m.Subscribe(gameID, subscriberID, func(rc RowChange) {
		if !meaningfulChange(rc.Old, rc.New) {
			return
		}
		handler(rc.Old, rc.New)
	})
	if err != nil {
		// Never surfaced to the caller; open already scheduled recovery.
		f.log.Warn("change-feed subscribe deferred to reconnect", zap.String("game", gameID), zap.Error(err))
	}
}

// Unsubscribe removes one subscriber; the last one out closes the
// underlying listener.
func (f *Feed) Unsubscribe(gameID, subscriberID string) {
	f.m.Unsubscribe(gameID, subscriberID)
}

// Diagnostics exposes the multiplexer counters.
func (f *Feed) Diagnostics() mux.Diagnostics {
	return f.m.Diagnostics()
}

// Close shuts the feed down: all listeners, timers and reconnect loops.
func (f *Feed) Close() {
	f.cancel()
	f.m.ForceCleanup()
}

func meaningfulChange(old, new *game.Snapshot) bool {
	if new == nil {
		return false
	}
	if old == nil {
		return true
	}
	if old.Status != new.Status {
		return true
	}
	if old.CurrentPlayers != new.CurrentPlayers {
		return true
	}
	return !old.UpdatedAt.Equal(new.UpdatedAt)
}

// open is the mux opener: one feedChannel per game id. A failed initial
// connect still returns a live channel with the reconnect scheduler
// already running, which is how errors stay off the Subscribe path.
func (f *Feed) open(gameID string, deliver func(RowChange)) (mux.Channel, error) {
	fc := &feedChannel{f: f, gameID: gameID, deliver: deliver}
	f.mu.Lock()
	f.topics[gameID] = fc
	// A fresh subscription request ends a permanent-poll regime.
	f.polling = false
	f.mu.Unlock()

	if err := fc.connect(f.ctx); err != nil {
		f.log.Warn("change-feed connect failed, scheduling reconnect",
			zap.String("game", gameID), zap.Error(err))
		go fc.reconnectLoop(f.ctx, false)
	} else {
		f.markConnected()
	}
	return fc, nil
}
