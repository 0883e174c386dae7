// Package pubsub is the messaging transport adapter: a thin wrapper over a
// WebSocket publish/subscribe connection providing per-user identity,
// per-game channel join/leave, publish with retry behind a circuit
// breaker, and presence snapshot queries. It never caches game state; the
// backend write that precedes a broadcast is the source of truth.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drawparty/syncclient/internal/backoff"
	"github.com/drawparty/syncclient/internal/event"
	"github.com/drawparty/syncclient/internal/mux"
	"github.com/drawparty/syncclient/pkg/wire"
)

var ErrNotConnected = errors.New("pubsub: not connected")
var ErrBroadcastFailed = errors.New("pubsub: broadcast failed")

// Status is the connection state reported to status callbacks.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusConnecting   Status = "connecting"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Socket is the minimal connection surface the client needs; the real
// implementation is a WebSocket, tests swap in a fake.
type Socket interface {
	Write(ctx context.Context, data []byte) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a Socket against the transport URL.
type Dialer func(ctx context.Context, url string) (Socket, error)

type wsSocket struct{ conn *websocket.Conn }

func (s *wsSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

func (s *wsSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "bye")
}

// DialWebsocket is the production Dialer.
func DialWebsocket(ctx context.Context, url string) (Socket, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsSocket{conn: conn}, nil
}

type Config struct {
	URL              string
	PublishAttempts  int
	PublishBaseDelay time.Duration
	BreakerThreshold int
	BreakerWindow    time.Duration
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	ReconnectBudget  int
	PresenceTimeout  time.Duration
}

func (c *Config) defaults() {
	if c.PublishAttempts == 0 {
		c.PublishAttempts = 3
	}
	if c.PublishBaseDelay == 0 {
		c.PublishBaseDelay = time.Second
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerWindow == 0 {
		c.BreakerWindow = 60 * time.Second
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.ReconnectBudget == 0 {
		c.ReconnectBudget = 10
	}
	if c.PresenceTimeout == 0 {
		c.PresenceTimeout = 5 * time.Second
	}
}

type Client struct {
	cfg  Config
	dial Dialer
	log  *zap.Logger

	mu              sync.Mutex
	sock            Socket
	userID          string
	status          Status
	joined          map[string]bool
	handlers        map[string]func(event.Envelope)
	pendingPresence map[string]chan []string
	statusCbs       []func(Status)
	readCancel      context.CancelFunc
	closing         bool

	breaker *breaker
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg Config, dial Dialer, log *zap.Logger) *Client {
	cfg.defaults()
	if dial == nil {
		dial = DialWebsocket
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:             cfg,
		dial:            dial,
		log:             log,
		status:          StatusDisconnected,
		joined:          make(map[string]bool),
		handlers:        make(map[string]func(event.Envelope)),
		pendingPresence: make(map[string]chan []string),
		breaker:         newBreaker(cfg.BreakerThreshold, cfg.BreakerWindow),
		sleep:           sleepCtx,
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

// OnStatusChange registers a callback for connection state transitions.
func (c *Client) OnStatusChange(cb func(Status)) {
	c.mu.Lock()
	c.statusCbs = append(c.statusCbs, cb)
	c.mu.Unlock()
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	cbs := append([]func(Status){}, c.statusCbs...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(s)
	}
}

// Initialize establishes network identity. Calling it again with the same
// user id is a no-op; a different user id tears down all prior state first
// so no event from the old identity leaks into the new one.
func (c *Client) Initialize(ctx context.Context, userID string) error {
	c.mu.Lock()
	if c.userID == userID && c.sock != nil {
		c.mu.Unlock()
		return nil
	}
	if c.sock != nil {
		c.teardownLocked()
	}
	c.userID = userID
	c.mu.Unlock()

	c.setStatus(StatusConnecting)
	sock, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		c.setStatus(StatusError)
		return fmt.Errorf("initialize: %w", err)
	}
	if err := writeFrame(ctx, sock, wire.Frame{Op: wire.OpIdentify, UserID: userID}); err != nil {
		_ = sock.Close()
		c.setStatus(StatusError)
		return fmt.Errorf("identify: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.sock = sock
	c.readCancel = cancel
	c.closing = false
	c.mu.Unlock()
	c.setStatus(StatusConnected)

	go c.readLoop(readCtx, sock)
	return nil
}

// Close tears the connection down for good. Safe to call twice.
func (c *Client) Close() error {
	c.mu.Lock()
	c.teardownLocked()
	c.mu.Unlock()
	c.setStatus(StatusDisconnected)
	return nil
}

func (c *Client) teardownLocked() {
	c.closing = true
	if c.readCancel != nil {
		c.readCancel()
		c.readCancel = nil
	}
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
	clear(c.joined)
	clear(c.handlers)
	for id, ch := range c.pendingPresence {
		close(ch)
		delete(c.pendingPresence, id)
	}
}

// JoinChannel subscribes to a topic; joining twice is a no-op. deliver
// receives every event published on the topic, including our own.
func (c *Client) JoinChannel(ctx context.Context, topic string, deliver func(event.Envelope)) error {
	c.mu.Lock()
	sock := c.sock
	already := c.joined[topic]
	c.joined[topic] = true
	if deliver != nil {
		c.handlers[topic] = deliver
	}
	c.mu.Unlock()

	if sock == nil {
		return ErrNotConnected
	}
	if already {
		return nil
	}
	if err := writeFrame(ctx, sock, wire.Frame{Op: wire.OpJoin, Topic: topic}); err != nil {
		return fmt.Errorf("join %s: %w", topic, err)
	}
	return nil
}

// LeaveChannel unsubscribes from a topic. Leaving a never-joined topic is a
// no-op.
func (c *Client) LeaveChannel(ctx context.Context, topic string) error {
	c.mu.Lock()
	sock := c.sock
	joined := c.joined[topic]
	delete(c.joined, topic)
	delete(c.handlers, topic)
	c.mu.Unlock()

	if sock == nil || !joined {
		return nil
	}
	if err := writeFrame(ctx, sock, wire.Frame{Op: wire.OpLeave, Topic: topic}); err != nil {
		return fmt.Errorf("leave %s: %w", topic, err)
	}
	return nil
}

// Presence returns the user ids currently present on a topic. Presence is
// advisory: any transport error yields an empty set, never an error.
func (c *Client) Presence(ctx context.Context, topic string) []string {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return []string{}
	}

	reqID := uuid.NewString()
	ch := make(chan []string, 1)
	c.mu.Lock()
	c.pendingPresence[reqID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pendingPresence, reqID)
		c.mu.Unlock()
	}()

	if err := writeFrame(ctx, sock, wire.Frame{Op: wire.OpPresence, Topic: topic, RequestID: reqID}); err != nil {
		c.log.Debug("presence query failed", zap.String("topic", topic), zap.Error(err))
		return []string{}
	}

	timer := time.NewTimer(c.cfg.PresenceTimeout)
	defer timer.Stop()
	select {
	case members, ok := <-ch:
		if !ok || members == nil {
			return []string{}
		}
		return members
	case <-timer.C:
		return []string{}
	case <-ctx.Done():
		return []string{}
	}
}

// Opener adapts the client to the connection multiplexer, so many
// consumers of one game topic share a single join.
func (c *Client) Opener() mux.Opener[event.Envelope] {
	return mux.OpenerFunc[event.Envelope](func(topic string, deliver func(event.Envelope)) (mux.Channel, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.JoinChannel(ctx, topic, deliver); err != nil {
			return nil, err
		}
		return channelCloser{c: c, topic: topic}, nil
	})
}

type channelCloser struct {
	c     *Client
	topic string
}

func (cc channelCloser) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cc.c.LeaveChannel(ctx, cc.topic)
}

func (c *Client) readLoop(ctx context.Context, sock Socket) {
	for {
		data, err := sock.Read(ctx)
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			current := c.sock == sock
			c.mu.Unlock()
			if closing || !current || ctx.Err() != nil {
				return
			}
			c.log.Warn("pubsub read failed", zap.Error(err))
			c.setStatus(StatusDisconnected)
			go c.reconnect(ctx)
			return
		}

		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		c.handleFrame(f)
	}
}

func (c *Client) handleFrame(f wire.Frame) {
	switch f.Op {
	case wire.OpEvent:
		if f.Event == nil {
			return
		}
		c.mu.Lock()
		deliver := c.handlers[f.Topic]
		c.mu.Unlock()
		if deliver != nil {
			deliver(*f.Event)
		}
	case wire.OpPresence:
		c.mu.Lock()
		ch := c.pendingPresence[f.RequestID]
		delete(c.pendingPresence, f.RequestID)
		c.mu.Unlock()
		if ch != nil {
			members := f.Members
			if members == nil {
				members = []string{}
			}
			ch <- members
		}
	case wire.OpError:
		c.log.Warn("server error frame", zap.String("error", f.Error))
	}
}

// reconnect redials with exponential backoff, re-identifies and rejoins
// every previously joined topic. Handlers stay registered throughout so
// consumers never observe the gap beyond missed messages.
func (c *Client) reconnect(ctx context.Context) {
	bo := &backoff.Backoff{
		Base:        c.cfg.ReconnectBase,
		Max:         c.cfg.ReconnectMax,
		MaxAttempts: c.cfg.ReconnectBudget,
	}
	for !bo.Exhausted() {
		c.setStatus(StatusReconnecting)
		if err := c.sleep(ctx, bo.Next()); err != nil {
			return
		}
		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		userID := c.userID
		topics := make([]string, 0, len(c.joined))
		for t := range c.joined {
			topics = append(topics, t)
		}
		c.mu.Unlock()

		sock, err := c.dial(ctx, c.cfg.URL)
		if err != nil {
			c.log.Warn("reconnect dial failed", zap.Int("attempt", bo.Attempt()), zap.Error(err))
			continue
		}
		if err := writeFrame(ctx, sock, wire.Frame{Op: wire.OpIdentify, UserID: userID}); err != nil {
			_ = sock.Close()
			continue
		}
		ok := true
		for _, t := range topics {
			if err := writeFrame(ctx, sock, wire.Frame{Op: wire.OpJoin, Topic: t}); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			_ = sock.Close()
			continue
		}

		readCtx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.sock = sock
		c.readCancel = cancel
		c.mu.Unlock()
		c.setStatus(StatusConnected)
		c.log.Info("pubsub reconnected", zap.Int("attempts", bo.Attempt()))
		go c.readLoop(readCtx, sock)
		return
	}
	c.setStatus(StatusError)
}

func writeFrame(ctx context.Context, sock Socket, f wire.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return sock.Write(ctx, data)
}
