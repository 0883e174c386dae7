// Package ws is the channel server's websocket endpoint. It speaks the
// frame protocol the sync client's transport dials: identify, then
// join/leave/publish/presence against hub topics. Publishes run through
// the event validator before fan-out, so a misbehaving client cannot push
// stale or malformed events to everyone else.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drawparty/syncclient/internal/event"
	"github.com/drawparty/syncclient/internal/hub"
	"github.com/drawparty/syncclient/pkg/wire"
)

const (
	readIdle     = 5 * time.Minute
	writeTimeout = 3 * time.Second
	outboxDepth  = 32
)

func Handler(h *hub.Hub, validator *event.Validator, log *zap.Logger) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// Dev harness: the production channel server enforces origins.
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		c := &client{
			id:        uuid.NewString(),
			conn:      conn,
			hub:       h,
			validator: validator,
			log:       log,
			outbox:    make(chan wire.Frame, outboxDepth),
			joined:    make(map[string]*hub.Topic),
		}
		c.run(r.Context())
	}
}

type client struct {
	id        string
	userID    string
	conn      *websocket.Conn
	hub       *hub.Hub
	validator *event.Validator
	log       *zap.Logger
	outbox    chan wire.Frame
	joined    map[string]*hub.Topic
}

func (c *client) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	defer func() {
		for _, tp := range c.joined {
			tp.Inbox() <- hub.Leave{ClientID: c.id}
		}
	}()

	// Writer goroutine: the single place frames leave on this connection.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-c.outbox:
				payload, err := json.Marshal(f)
				if err != nil {
					continue
				}
				wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
				err = c.conn.Write(wctx, websocket.MessageText, payload)
				wcancel()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		rctx, rcancel := context.WithTimeout(ctx, readIdle)
		_, data, err := c.conn.Read(rctx)
		rcancel()
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			return
		}

		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.send(wire.Frame{Op: wire.OpError, Error: "bad json"})
			continue
		}
		c.handle(ctx, f)
	}
}

func (c *client) handle(ctx context.Context, f wire.Frame) {
	if f.Op == wire.OpIdentify {
		if f.UserID == "" {
			c.send(wire.Frame{Op: wire.OpError, Error: "identify: missing userId"})
			return
		}
		c.userID = f.UserID
		return
	}
	if c.userID == "" {
		c.send(wire.Frame{Op: wire.OpError, Error: "identify first"})
		return
	}

	switch f.Op {
	case wire.OpJoin:
		if f.Topic == "" {
			c.send(wire.Frame{Op: wire.OpError, Error: "join: missing topic"})
			return
		}
		if _, ok := c.joined[f.Topic]; ok {
			return
		}
		tp := c.hub.Ensure(f.Topic)
		if tp == nil {
			return // hub shutting down
		}
		tp.Inbox() <- hub.Join{ClientID: c.id, UserID: c.userID, Outbox: c.outbox}
		c.joined[f.Topic] = tp

	case wire.OpLeave:
		if tp, ok := c.joined[f.Topic]; ok {
			tp.Inbox() <- hub.Leave{ClientID: c.id}
			delete(c.joined, f.Topic)
		}

	case wire.OpPublish:
		c.publish(ctx, f)

	case wire.OpPresence:
		c.presence(ctx, f)

	default:
		c.send(wire.Frame{Op: wire.OpError, Error: "unknown op"})
	}
}

func (c *client) publish(ctx context.Context, f wire.Frame) {
	if f.Event == nil {
		c.send(wire.Frame{Op: wire.OpError, Error: "publish: missing event"})
		return
	}
	env := *f.Event
	if c.validator != nil {
		if err := c.validator.Validate(ctx, env); err != nil {
			detail := err.Error()
			if code, ok := event.RejectionCode(err); ok {
				detail = string(code)
			}
			c.log.Debug("publish rejected",
				zap.String("user", c.userID),
				zap.String("type", string(env.Type)),
				zap.String("reason", detail))
			c.send(wire.Frame{Op: wire.OpError, RequestID: f.RequestID, Error: detail})
			return
		}
	}

	topic := f.Topic
	if topic == "" {
		topic = event.GameTopic(env.GameID)
		if env.Type == event.TypeMatchFound {
			topic = event.UserTopic(env.UserID)
		}
	}
	tp := c.hub.Ensure(topic)
	if tp == nil {
		return
	}
	tp.Inbox() <- hub.Publish{Env: env}
}

func (c *client) presence(ctx context.Context, f wire.Frame) {
	tp, ok := c.joined[f.Topic]
	if !ok {
		c.send(wire.Frame{Op: wire.OpPresence, Topic: f.Topic, RequestID: f.RequestID, Members: []string{}})
		return
	}
	reply := make(chan []string, 1)
	tp.Inbox() <- hub.Presence{Reply: reply}
	select {
	case members := <-reply:
		if members == nil {
			members = []string{}
		}
		c.send(wire.Frame{Op: wire.OpPresence, Topic: f.Topic, RequestID: f.RequestID, Members: members})
	case <-ctx.Done():
	}
}

func (c *client) send(f wire.Frame) {
	select {
	case c.outbox <- f:
	default:
		// Writer is saturated; the connection is on its way out anyway.
	}
}
