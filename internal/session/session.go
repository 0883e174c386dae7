// Package session owns one canonical game snapshot per active session and
// reconciles it against every inbound signal: application events from the
// pub/sub channel, row images from the change feed, and authoritative
// re-fetches. All three converge on one idempotent reducer running in a
// single actor goroutine, so ordering hazards between the redundant
// transports collapse into message ordering on one inbox.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drawparty/syncclient/internal/event"
	"github.com/drawparty/syncclient/internal/game"
)

var ErrSessionClosed = errors.New("session closed")
var ErrFetchExhausted = errors.New("authoritative fetch retries exhausted")

// State is the lifecycle of the owning session, not of the game.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateReloading     State = "reloading"
	StateError         State = "error"
)

// Fetcher performs the authoritative row fetch.
type Fetcher interface {
	GetGame(ctx context.Context, id string) (*game.Snapshot, error)
}

// EventBus is the multiplexed pub/sub surface the session subscribes to.
type EventBus interface {
	Subscribe(topic, subscriberID string, handler func(event.Envelope)) error
	Unsubscribe(topic, subscriberID string)
}

// ChangeFeed is the multiplexed row-update surface.
type ChangeFeed interface {
	Subscribe(gameID, subscriberID string, handler func(old, new *game.Snapshot))
	Unsubscribe(gameID, subscriberID string)
}

// Navigator performs the one-shot route change on a phase transition.
type Navigator interface {
	Navigate(route game.Route, gameID string)
}

type Config struct {
	AutoNavigate      bool
	FetchRetries      int           // not-found retries after the first attempt
	FetchRetryDelay   time.Duration // fixed delay between not-found retries
	FetchTimeout      time.Duration // per-attempt deadline
	ReconcileThrottle time.Duration // min spacing between event-triggered fetches
	NavigationGuard   time.Duration // window during which a second navigation is suppressed
	DedupeWindow      int           // recently seen message ids retained
}

func (c *Config) defaults() {
	if c.FetchRetries == 0 {
		c.FetchRetries = 3
	}
	if c.FetchRetryDelay == 0 {
		c.FetchRetryDelay = time.Second
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.ReconcileThrottle == 0 {
		c.ReconcileThrottle = 3 * time.Second
	}
	if c.NavigationGuard == 0 {
		c.NavigationGuard = time.Second
	}
	if c.DedupeWindow == 0 {
		c.DedupeWindow = 128
	}
}

// View is a read-only copy of the session state handed to observers.
type View struct {
	State    State
	Snapshot *game.Snapshot
	Err      error
}

type sessionMsg interface{ isSessionMsg() }

type envelopeMsg struct{ env event.Envelope }
type rowMsg struct{ old, new *game.Snapshot }
type fetchDoneMsg struct {
	snap    *game.Snapshot
	err     error
	initial bool
}
type refetchDueMsg struct{}
type refreshMsg struct{}
type navDoneMsg struct{}
type getViewMsg struct{ reply chan View }

func (envelopeMsg) isSessionMsg()  {}
func (rowMsg) isSessionMsg()       {}
func (fetchDoneMsg) isSessionMsg() {}
func (refetchDueMsg) isSessionMsg() {}
func (refreshMsg) isSessionMsg()   {}
func (navDoneMsg) isSessionMsg()   {}
func (getViewMsg) isSessionMsg()   {}

type Session struct {
	gameID       string
	subscriberID string
	cfg          Config
	log          *zap.Logger

	fetch  Fetcher
	events EventBus
	feed   ChangeFeed
	nav    Navigator

	inbox   chan sessionMsg
	updates chan View
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// owned by the actor goroutine
	state        State
	snap         *game.Snapshot
	err          error
	lastFetch    time.Time
	fetchPending bool
	refetchTimer *time.Timer
	navTimer     *time.Timer
	navInFlight  bool
	seen         *seenRing

	closeOnce sync.Once
	now       func() time.Time
}

func New(gameID string, cfg Config, fetch Fetcher, events EventBus, feed ChangeFeed, nav Navigator, log *zap.Logger) *Session {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		gameID:       gameID,
		subscriberID: "session-" + uuid.NewString(),
		cfg:          cfg,
		log:          log.With(zap.String("game", gameID)),
		fetch:        fetch,
		events:       events,
		feed:         feed,
		nav:          nav,
		inbox:        make(chan sessionMsg, 64),
		updates:      make(chan View, 16),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		state:        StateUninitialized,
		seen:         newSeenRing(cfg.DedupeWindow),
		now:          time.Now,
	}
}

// Start kicks off the initial authoritative fetch and subscribes both
// transports. Transport subscription failures are logged, never fatal:
// the session degrades to fetch-only operation.
func (s *Session) Start() {
	s.state = StateLoading
	go s.loop()
	go s.initialFetch()

	if err := s.events.Subscribe(event.GameTopic(s.gameID), s.subscriberID, s.onEnvelope); err != nil {
		s.log.Warn("event channel subscription failed, running fetch-only", zap.Error(err))
	}
	s.feed.Subscribe(s.gameID, s.subscriberID, s.onRowChange)
}

// Close synchronously unregisters both transport handlers and stops the
// actor. Stale events arriving afterwards reach nobody.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.events.Unsubscribe(event.GameTopic(s.gameID), s.subscriberID)
		s.feed.Unsubscribe(s.gameID, s.subscriberID)
		s.cancel()
		<-s.done
	})
}

// Updates delivers a View after every applied change. Slow consumers drop
// updates; View carries full state so any later update supersedes a
// missed one.
func (s *Session) Updates() <-chan View { return s.updates }

// View snapshots the current session state via the actor, so it is never
// torn between fields.
func (s *Session) View() View {
	reply := make(chan View, 1)
	select {
	case s.inbox <- getViewMsg{reply: reply}:
	case <-s.ctx.Done():
		return View{State: StateError, Err: ErrSessionClosed}
	}
	select {
	case v := <-reply:
		return v
	case <-s.ctx.Done():
		return View{State: StateError, Err: ErrSessionClosed}
	}
}

// Refresh re-fetches the snapshot immediately, bypassing the reconcile
// throttle and without touching the not-found retry budget.
func (s *Session) Refresh() {
	select {
	case s.inbox <- refreshMsg{}:
	case <-s.ctx.Done():
	}
}

func (s *Session) onEnvelope(env event.Envelope) {
	select {
	case s.inbox <- envelopeMsg{env: env}:
	case <-s.ctx.Done():
	}
}

func (s *Session) onRowChange(old, new *game.Snapshot) {
	select {
	case s.inbox <- rowMsg{old: old, new: new}:
	case <-s.ctx.Done():
	}
}

// initialFetch implements the read-after-write grace: a game row may not
// be visible yet right after creation, so not-found is retried a bounded
// number of times before it becomes a terminal session error.
func (s *Session) initialFetch() {
	attempts := 1 + s.cfg.FetchRetries
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(s.cfg.FetchRetryDelay):
			case <-s.ctx.Done():
				return
			}
		}
		snap, err := s.fetchOnce()
		if err == nil {
			s.deliver(fetchDoneMsg{snap: snap, initial: true})
			return
		}
		lastErr = err
		if !errors.Is(err, game.ErrNotFound) {
			break
		}
	}
	s.deliver(fetchDoneMsg{err: fmt.Errorf("%w: %w", ErrFetchExhausted, lastErr), initial: true})
}

func (s *Session) fetchOnce() (*game.Snapshot, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.FetchTimeout)
	defer cancel()
	return s.fetch.GetGame(ctx, s.gameID)
}

func (s *Session) deliver(m sessionMsg) {
	select {
	case s.inbox <- m:
	case <-s.ctx.Done():
	}
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.releaseTimers()
			return
		case m := <-s.inbox:
			switch msg := m.(type) {
			case fetchDoneMsg:
				s.handleFetchDone(msg)
			case envelopeMsg:
				s.handleEnvelope(msg.env)
			case rowMsg:
				s.handleRowChange(msg.old, msg.new)
			case refetchDueMsg:
				s.fetchPending = false
				s.startRefetch()
			case refreshMsg:
				s.startRefetch()
			case navDoneMsg:
				s.navInFlight = false
			case getViewMsg:
				msg.reply <- View{State: s.state, Snapshot: s.snap, Err: s.err}
			}
		}
	}
}

func (s *Session) releaseTimers() {
	if s.refetchTimer != nil {
		s.refetchTimer.Stop()
	}
	if s.navTimer != nil {
		s.navTimer.Stop()
	}
}

func (s *Session) handleFetchDone(m fetchDoneMsg) {
	if m.err != nil {
		if m.initial {
			// Retries exhausted: terminal. No further automatic attempts.
			s.state = StateError
			s.err = m.err
			s.log.Error("session failed to load", zap.Error(m.err))
			s.publish()
			return
		}
		// Background refetch failures are absorbed; push transports or
		// the next refetch will catch us up.
		s.log.Warn("refetch failed", zap.Error(m.err))
		if s.state == StateReloading {
			s.state = StateReady
		}
		return
	}
	s.lastFetch = s.now()
	s.applySnapshot(m.snap, "fetch")
}

func (s *Session) handleEnvelope(env event.Envelope) {
	if env.MessageID != "" && s.seen.contains(env.MessageID) {
		s.log.Debug("duplicate event dropped", zap.String("message", env.MessageID))
		return
	}
	s.seen.add(env.MessageID)

	payload, err := env.Decode()
	if err != nil {
		s.log.Warn("undecodable event", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}

	switch p := payload.(type) {
	case event.PhaseChanged:
		if p.Game != nil {
			// The broadcast carried the full row; no extra fetch needed.
			s.applySnapshot(p.Game, "event")
			return
		}
		s.throttledRefetch()
	case event.MatchFound:
		// Belongs to the per-user channel; nothing to reconcile here.
	default:
		// Every other kind means the row changed somehow; re-fetch for
		// the authoritative view rather than patching locally.
		s.throttledRefetch()
	}
}

func (s *Session) handleRowChange(old, new *game.Snapshot) {
	if new == nil {
		return
	}
	// The full row is already in hand, so apply it directly; no re-fetch.
	// applySnapshot only navigates on a status change, so row churn with
	// an unchanged status updates quietly.
	s.applySnapshot(new, "changefeed")
}

// throttledRefetch spaces event-triggered fetches at least one throttle
// window apart, trailing edge: a burst of events yields one fetch now and
// at most one more when the window closes. This breaks the feedback loop
// where a fetch result looks like a change and triggers another fetch.
func (s *Session) throttledRefetch() {
	elapsed := s.now().Sub(s.lastFetch)
	if elapsed >= s.cfg.ReconcileThrottle {
		s.startRefetch()
		return
	}
	if s.fetchPending {
		return
	}
	s.fetchPending = true
	remaining := s.cfg.ReconcileThrottle - elapsed
	s.refetchTimer = time.AfterFunc(remaining, func() {
		s.deliver(refetchDueMsg{})
	})
}

func (s *Session) startRefetch() {
	if s.state == StateReady {
		s.state = StateReloading
	}
	s.lastFetch = s.now()
	go func() {
		snap, err := s.fetchOnce()
		s.deliver(fetchDoneMsg{snap: snap, err: err})
	}()
}

// applySnapshot is the idempotent reducer every signal path funnels into.
func (s *Session) applySnapshot(snap *game.Snapshot, source string) {
	if snap == nil || snap.ID != s.gameID {
		return
	}
	if s.snap != nil && !snap.NewerThan(s.snap) {
		s.log.Debug("stale snapshot ignored", zap.String("source", source))
		return
	}

	statusChanged := s.snap == nil || s.snap.Status != snap.Status
	s.snap = snap
	s.err = nil
	s.state = StateReady

	if statusChanged {
		s.log.Info("status applied",
			zap.String("status", string(snap.Status)),
			zap.String("source", source))
		s.maybeNavigate(snap.Status)
	}
	s.publish()
}

// maybeNavigate performs at most one navigation per guard window, so two
// near-simultaneous triggers for the same transition cannot double-fire.
func (s *Session) maybeNavigate(status game.Status) {
	if !s.cfg.AutoNavigate || s.nav == nil || s.navInFlight {
		return
	}
	s.navInFlight = true
	s.nav.Navigate(game.RouteFor(status), s.gameID)
	s.navTimer = time.AfterFunc(s.cfg.NavigationGuard, func() {
		s.deliver(navDoneMsg{})
	})
}

func (s *Session) publish() {
	v := View{State: s.state, Snapshot: s.snap, Err: s.err}
	select {
	case s.updates <- v:
	default:
		// Slow consumer: drop. The next update carries full state anyway.
	}
}

// seenRing is a fixed-capacity set of recent message ids.
type seenRing struct {
	order []string
	set   map[string]struct{}
	next  int
}

func newSeenRing(capacity int) *seenRing {
	return &seenRing{
		order: make([]string, capacity),
		set:   make(map[string]struct{}, capacity),
	}
}

func (r *seenRing) contains(id string) bool {
	_, ok := r.set[id]
	return ok
}

func (r *seenRing) add(id string) {
	if id == "" {
		return
	}
	if old := r.order[r.next]; old != "" {
		delete(r.set, old)
	}
	r.order[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.order)
}
