package changefeed

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drawparty/syncclient/internal/backoff"
)

// HealthStatus mirrors the connection lifecycle the UI can display.
type HealthStatus string

const (
	HealthConnected    HealthStatus = "connected"
	HealthConnecting   HealthStatus = "connecting"
	HealthReconnecting HealthStatus = "reconnecting"
	HealthDisconnected HealthStatus = "disconnected"
	HealthError        HealthStatus = "error"
)

// Health is mutated only by the monitor; everyone else reads it.
type Health struct {
	Status            HealthStatus
	LastConnectedAt   time.Time
	ReconnectAttempts int
	IsHealthy         bool
}

func (f *Feed) Health() Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

// PollingActive reports whether fallback polling has taken over delivery.
func (f *Feed) PollingActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polling
}

// ForceReconnect resets the attempt budget and retries every channel
// immediately, ignoring any backoff schedule in progress.
func (f *Feed) ForceReconnect() {
	f.mu.Lock()
	f.polling = false
	f.health.ReconnectAttempts = 0
	channels := make([]*feedChannel, 0, len(f.topics))
	for _, fc := range f.topics {
		channels = append(channels, fc)
	}
	f.mu.Unlock()

	for _, fc := range channels {
		fc.forceRetry(f.ctx)
	}
}

func (f *Feed) markConnected() {
	f.mu.Lock()
	f.health.Status = HealthConnected
	f.health.LastConnectedAt = time.Now()
	f.health.ReconnectAttempts = 0
	f.health.IsHealthy = true
	f.mu.Unlock()
}

func (f *Feed) markReconnecting(attempt int) {
	f.mu.Lock()
	f.health.Status = HealthReconnecting
	f.health.ReconnectAttempts = attempt
	f.health.IsHealthy = false
	f.mu.Unlock()
}

func (f *Feed) markFailed() {
	f.mu.Lock()
	f.health.Status = HealthError
	f.health.IsHealthy = false
	f.polling = true
	f.mu.Unlock()
	f.log.Warn("change-feed reconnect budget exhausted, falling back to polling")
}

// heartbeatLoop approximates liveness: if nothing is connected while
// topics exist, health degrades to disconnected. The real correctness
// backstop is the fallback poll, not heartbeat accuracy.
func (f *Feed) heartbeatLoop() {
	tick, stop := f.newTicker(f.cfg.HeartbeatInterval)
	defer stop()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-tick:
			f.mu.Lock()
			anyLive := false
			for _, fc := range f.topics {
				if fc.live() {
					anyLive = true
					break
				}
			}
			if !anyLive && len(f.topics) > 0 && f.health.Status == HealthConnected {
				f.health.Status = HealthDisconnected
				f.health.IsHealthy = false
			}
			f.mu.Unlock()
		}
	}
}

// pollLoop is the liveness guarantee under sustained realtime outage:
// while polling is active, every subscribed row is re-fetched and fed
// through the exact same handler path a push would take.
func (f *Feed) pollLoop() {
	tick, stop := f.newTicker(f.cfg.PollInterval)
	defer stop()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-tick:
			f.mu.Lock()
			active := f.polling
			channels := make([]*feedChannel, 0, len(f.topics))
			for _, fc := range f.topics {
				channels = append(channels, fc)
			}
			f.mu.Unlock()
			if !active {
				continue
			}
			for _, fc := range channels {
				fc.poll(f.ctx)
			}
		}
	}
}

// feedChannel is the mux-owned underlying channel for one game id. It owns
// the listener, its reconnection schedule, and the last row seen (for
// building {old, new} pairs out of polled fetches).
type feedChannel struct {
	f       *Feed
	gameID  string
	deliver func(RowChange)

	mu     sync.Mutex
	lst    Listener
	last   RowChange
	closed bool
}

func (fc *feedChannel) live() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.lst != nil
}

func (fc *feedChannel) connect(ctx context.Context) error {
	lst, err := fc.f.factory.Listen(ctx, fc.gameID,
		func(rc RowChange) { fc.handle(rc) },
		func(err error) { fc.onError(ctx, err) },
	)
	if err != nil {
		return err
	}
	fc.mu.Lock()
	if fc.closed {
		fc.mu.Unlock()
		_ = lst.Close()
		return nil
	}
	fc.lst = lst
	fc.mu.Unlock()
	return nil
}

func (fc *feedChannel) handle(rc RowChange) {
	fc.mu.Lock()
	if fc.closed {
		fc.mu.Unlock()
		return
	}
	fc.last = rc
	fc.mu.Unlock()
	fc.deliver(rc)
}

func (fc *feedChannel) onError(ctx context.Context, err error) {
	fc.mu.Lock()
	if fc.closed {
		fc.mu.Unlock()
		return
	}
	if fc.lst != nil {
		_ = fc.lst.Close()
		fc.lst = nil
	}
	fc.mu.Unlock()
	fc.f.log.Warn("change-feed listener error", zap.String("game", fc.gameID), zap.Error(err))
	go fc.reconnectLoop(ctx, false)
}

// reconnectLoop retries with exponential backoff. On budget exhaustion the
// feed flips to permanent fallback polling; only ForceReconnect or a new
// subscription ends that regime.
func (fc *feedChannel) reconnectLoop(ctx context.Context, immediate bool) {
	bo := &backoff.Backoff{
		Base:        fc.f.cfg.ReconnectBase,
		Max:         fc.f.cfg.ReconnectMax,
		MaxAttempts: fc.f.cfg.ReconnectBudget,
	}
	for !bo.Exhausted() {
		delay := bo.Next()
		if immediate {
			delay = 0
			immediate = false
		}
		fc.f.markReconnecting(bo.Attempt())
		if delay > 0 {
			if err := fc.f.sleep(ctx, delay); err != nil {
				return
			}
		}
		fc.mu.Lock()
		closed := fc.closed
		fc.mu.Unlock()
		if closed {
			return
		}
		if err := fc.connect(ctx); err != nil {
			fc.f.log.Debug("reconnect attempt failed",
				zap.String("game", fc.gameID),
				zap.Int("attempt", bo.Attempt()),
				zap.Error(err))
			continue
		}
		fc.f.markConnected()
		return
	}
	fc.f.markFailed()
}

func (fc *feedChannel) forceRetry(ctx context.Context) {
	fc.mu.Lock()
	alive := fc.lst != nil
	closed := fc.closed
	fc.mu.Unlock()
	if closed || alive {
		return
	}
	go fc.reconnectLoop(ctx, true)
}

// poll re-fetches the row and pushes it through the same delivery path.
func (fc *feedChannel) poll(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	row, err := fc.f.fetch.GetGame(fetchCtx, fc.gameID)
	if err != nil {
		fc.f.log.Debug("fallback poll failed", zap.String("game", fc.gameID), zap.Error(err))
		return
	}
	fc.mu.Lock()
	old := fc.last.New
	fc.mu.Unlock()
	fc.handle(RowChange{Old: old, New: row})
}

// Close implements mux.Channel.
func (fc *feedChannel) Close() error {
	fc.mu.Lock()
	fc.closed = true
	lst := fc.lst
	fc.lst = nil
	fc.mu.Unlock()

	fc.f.mu.Lock()
	delete(fc.f.topics, fc.gameID)
	fc.f.mu.Unlock()

	if lst != nil {
		return lst.Close()
	}
	return nil
}
