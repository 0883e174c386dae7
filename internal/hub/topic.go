package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/drawparty/syncclient/internal/event"
	"github.com/drawparty/syncclient/pkg/wire"
)

type Msg interface{ isTopicMsg() }

// Join registers a client's outbox on the topic. One user may hold several
// connections; presence counts users, not connections.
type Join struct {
	ClientID string
	UserID   string
	Outbox   chan wire.Frame
}

type Leave struct{ ClientID string }

// Publish fans an envelope out to every subscriber.
type Publish struct {
	Env event.Envelope
}

// Presence asks for the distinct user ids currently subscribed.
type Presence struct {
	Reply chan []string
}

type Shutdown struct{}

// GetState is test-only: reflect internal state without data races.
type GetState struct {
	Reply chan View
}

func (Join) isTopicMsg()     {}
func (Leave) isTopicMsg()    {}
func (Publish) isTopicMsg()  {}
func (Presence) isTopicMsg() {}
func (Shutdown) isTopicMsg() {}
func (GetState) isTopicMsg() {}

type subscriber struct {
	userID string
	outbox chan wire.Frame
}

type View struct {
	Name       string
	NumClients int
	Users      []string
}

type Topic struct {
	name    string
	inbox   chan Msg
	clients map[string]subscriber
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func newTopic(parent context.Context, name string, log *zap.Logger) *Topic {
	ctx, cancel := context.WithCancel(parent)
	t := &Topic{
		name:    name,
		inbox:   make(chan Msg, 64),
		clients: make(map[string]subscriber),
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	go t.loop()
	return t
}

func (t *Topic) Inbox() chan<- Msg { return t.inbox }

func (t *Topic) Name() string { return t.name }

func (t *Topic) loop() {
	for {
		select {
		case <-t.ctx.Done():
			t.shutdown()
			return

		case m := <-t.inbox:
			switch msg := m.(type) {
			case Join:
				t.clients[msg.ClientID] = subscriber{userID: msg.UserID, outbox: msg.Outbox}

			case Leave:
				delete(t.clients, msg.ClientID)

			case Publish:
				env := msg.Env
				t.broadcast(wire.Frame{Op: wire.OpEvent, Topic: t.name, Event: &env})

			case Presence:
				msg.Reply <- t.users()

			case GetState:
				msg.Reply <- View{
					Name:       t.name,
					NumClients: len(t.clients),
					Users:      t.users(),
				}

			case Shutdown:
				t.shutdown()
				return
			}
		}
	}
}

func (t *Topic) users() []string {
	seen := make(map[string]struct{}, len(t.clients))
	users := make([]string, 0, len(t.clients))
	for _, sub := range t.clients {
		if _, dup := seen[sub.userID]; dup {
			continue
		}
		seen[sub.userID] = struct{}{}
		users = append(users, sub.userID)
	}
	return users
}

func (t *Topic) broadcast(f wire.Frame) {
	for id, sub := range t.clients {
		select {
		case sub.outbox <- f:
			// ok
		default:
			// Client is slow/full - drop them. The outbox is shared with
			// the client's other topics, so it is never closed here; the
			// connection owns its lifetime.
			delete(t.clients, id)
			t.log.Warn("dropping slow subscriber",
				zap.String("topic", t.name), zap.String("client", id))
		}
	}
}

func (t *Topic) shutdown() {
	clear(t.clients)
	t.cancel()
}
