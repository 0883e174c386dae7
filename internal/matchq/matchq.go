// Package matchq pairs queued players into new games. The queue store is
// explicit and injected rather than package-level state; this process owns
// it alone, so the queue does not survive a restart.
package matchq

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/drawparty/syncclient/internal/event"
	"github.com/drawparty/syncclient/internal/game"
)

var ErrAlreadyQueued = errors.New("user already queued")
var ErrNotQueued = errors.New("user not queued")

// GameCreator provisions the game row once a match forms.
type GameCreator interface {
	CreateGame(ctx context.Context, prompt string, maxPlayers, roundDuration, votingDuration int, players []game.Participant) (*game.Snapshot, error)
}

// Publisher delivers the match_found notification. Each matched player is
// notified on their own per-user topic, since none of them has joined the
// game topic yet.
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

type Config struct {
	PlayersPerGame int
	Prompt         string
	RoundSeconds   int
	VotingSeconds  int
}

func (c *Config) defaults() {
	if c.PlayersPerGame == 0 {
		c.PlayersPerGame = 4
	}
	if c.Prompt == "" {
		c.Prompt = "draw something"
	}
	if c.RoundSeconds == 0 {
		c.RoundSeconds = 90
	}
	if c.VotingSeconds == 0 {
		c.VotingSeconds = 30
	}
}

type qMsg interface{ isQueueMsg() }

type enqueueMsg struct {
	player game.Participant
	reply  chan error
}
type dequeueMsg struct {
	userID string
	reply  chan error
}
type lenMsg struct{ reply chan int }

func (enqueueMsg) isQueueMsg() {}
func (dequeueMsg) isQueueMsg() {}
func (lenMsg) isQueueMsg()     {}

// Queue is a FIFO matchmaking queue running as a single actor goroutine.
type Queue struct {
	cfg    Config
	store  GameCreator
	pub    Publisher
	log    *zap.Logger
	inbox  chan qMsg
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// owned by the loop
	waiting []game.Participant
}

func New(parent context.Context, cfg Config, store GameCreator, pub Publisher, log *zap.Logger) *Queue {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	q := &Queue{
		cfg:    cfg,
		store:  store,
		pub:    pub,
		log:    log,
		inbox:  make(chan qMsg, 64),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.loop()
	return q
}

// Enqueue adds a player to the back of the queue. When enough players are
// waiting, a game is created immediately and everyone in the match is
// notified.
func (q *Queue) Enqueue(ctx context.Context, p game.Participant) error {
	reply := make(chan error, 1)
	select {
	case q.inbox <- enqueueMsg{player: p, reply: reply}:
	case <-q.ctx.Done():
		return q.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue removes a player who gave up waiting.
func (q *Queue) Dequeue(ctx context.Context, userID string) error {
	reply := make(chan error, 1)
	select {
	case q.inbox <- dequeueMsg{userID: userID, reply: reply}:
	case <-q.ctx.Done():
		return q.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports how many players are waiting.
func (q *Queue) Len() int {
	reply := make(chan int, 1)
	select {
	case q.inbox <- lenMsg{reply: reply}:
	case <-q.ctx.Done():
		return 0
	}
	return <-reply
}

func (q *Queue) Close() {
	q.cancel()
	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case m := <-q.inbox:
			switch msg := m.(type) {
			case enqueueMsg:
				msg.reply <- q.handleEnqueue(msg.player)
			case dequeueMsg:
				msg.reply <- q.handleDequeue(msg.userID)
			case lenMsg:
				msg.reply <- len(q.waiting)
			}
		}
	}
}

func (q *Queue) handleEnqueue(p game.Participant) error {
	for _, w := range q.waiting {
		if w.UserID == p.UserID {
			return ErrAlreadyQueued
		}
	}
	q.waiting = append(q.waiting, p)
	q.log.Debug("player queued", zap.String("user", p.UserID), zap.Int("waiting", len(q.waiting)))

	if len(q.waiting) < q.cfg.PlayersPerGame {
		return nil
	}

	matched := q.waiting[:q.cfg.PlayersPerGame]
	rest := append([]game.Participant(nil), q.waiting[q.cfg.PlayersPerGame:]...)
	if err := q.formMatch(matched); err != nil {
		// Leave everyone queued; the next enqueue retries match formation.
		q.log.Error("match formation failed", zap.Error(err))
		return nil
	}
	q.waiting = rest
	return nil
}

func (q *Queue) handleDequeue(userID string) error {
	for i, w := range q.waiting {
		if w.UserID == userID {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return nil
		}
	}
	return ErrNotQueued
}

func (q *Queue) formMatch(players []game.Participant) error {
	ctx, cancel := context.WithTimeout(q.ctx, 10*time.Second)
	defer cancel()

	snap, err := q.store.CreateGame(ctx, q.cfg.Prompt, q.cfg.PlayersPerGame,
		q.cfg.RoundSeconds, q.cfg.VotingSeconds, players)
	if err != nil {
		return err
	}

	q.log.Info("match formed", zap.String("game", snap.ID), zap.Int("players", len(players)))
	for _, p := range players {
		env, err := event.New(snap.ID, p.UserID, event.MatchFound{GameID: snap.ID})
		if err != nil {
			q.log.Warn("match_found encode failed", zap.String("user", p.UserID), zap.Error(err))
			continue
		}
		// Notification is best-effort: the game row exists either way and
		// the client's fallback fetch will find it.
		if err := q.pub.Publish(ctx, env); err != nil {
			q.log.Warn("match_found publish failed", zap.String("user", p.UserID), zap.Error(err))
		}
	}
	return nil
}
