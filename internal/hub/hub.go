// Package hub is the channel server's topic registry: one actor owning the
// topic table, one actor per topic owning its subscribers. The sync client
// is the real deliverable; this hub exists so the whole stack can run
// end-to-end without the production backend.
package hub

import (
	"context"

	"go.uber.org/zap"
)

type HubMsg interface{ isHubMsg() }

// EnsureTopic returns the named topic, creating it on first use.
type EnsureTopic struct {
	Name  string
	Reply chan *Topic
}

// GetTopic returns the named topic or nil.
type GetTopic struct {
	Name  string
	Reply chan *Topic
}

type RemoveTopic struct {
	Name string
}

type ShutdownHub struct{}

func (EnsureTopic) isHubMsg() {}
func (GetTopic) isHubMsg()    {}
func (RemoveTopic) isHubMsg() {}
func (ShutdownHub) isHubMsg() {}

type Hub struct {
	inbox  chan HubMsg
	topics map[string]*Topic
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(parent context.Context, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:  make(chan HubMsg, 64),
		topics: make(map[string]*Topic),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Ensure is the convenience wrapper around EnsureTopic for callers outside
// the message-passing style.
func (h *Hub) Ensure(name string) *Topic {
	reply := make(chan *Topic, 1)
	select {
	case h.inbox <- EnsureTopic{Name: name, Reply: reply}:
		return <-reply
	case <-h.ctx.Done():
		return nil
	}
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case EnsureTopic:
				tp := h.topics[msg.Name]
				if tp == nil {
					tp = newTopic(h.ctx, msg.Name, h.log)
					h.topics[msg.Name] = tp
					h.log.Debug("topic created", zap.String("topic", msg.Name))
				}
				msg.Reply <- tp

			case GetTopic:
				msg.Reply <- h.topics[msg.Name] // may be nil

			case RemoveTopic:
				if tp := h.topics[msg.Name]; tp != nil {
					tp.Inbox() <- Shutdown{}
					delete(h.topics, msg.Name)
				}

			case ShutdownHub:
				h.shutdown()
				h.cancel()
				return
			}
		}
	}
}

func (h *Hub) shutdown() {
	for name, tp := range h.topics {
		tp.Inbox() <- Shutdown{}
		delete(h.topics, name)
	}
}
