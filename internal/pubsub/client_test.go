package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drawparty/syncclient/internal/event"
	"github.com/drawparty/syncclient/internal/game"
	"github.com/drawparty/syncclient/pkg/wire"
)

type fakeSock struct {
	mu       sync.Mutex
	written  []wire.Frame
	inbound  chan []byte
	done     chan struct{}
	closed   bool
	writeErr error
}

func newFakeSock() *fakeSock {
	return &fakeSock{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (s *fakeSock) Write(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	var f wire.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	s.written = append(s.written, f)
	return nil
}

func (s *fakeSock) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.inbound:
		return data, nil
	case <-s.done:
		return nil, errors.New("socket closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSock) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

func (s *fakeSock) frames(op string) []wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.Frame
	for _, f := range s.written {
		if f.Op == op {
			out = append(out, f)
		}
	}
	return out
}

func (s *fakeSock) push(t *testing.T, f wire.Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	s.inbound <- data
}

// newTestClient wires a client to fake sockets. Each dial hands out the
// next socket from the list; running out fails the dial.
func newTestClient(t *testing.T, socks ...*fakeSock) (*Client, *int) {
	t.Helper()
	dials := 0
	dial := func(_ context.Context, _ string) (Socket, error) {
		if dials >= len(socks) {
			return nil, errors.New("no more sockets")
		}
		s := socks[dials]
		dials++
		return s, nil
	}
	c := NewClient(Config{URL: "ws://test"}, dial, nil)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c, &dials
}

func TestInitialize_IdempotentSameUser(t *testing.T) {
	sock := newFakeSock()
	c, dials := newTestClient(t, sock)
	defer c.Close()

	require.NoError(t, c.Initialize(context.Background(), "u1"))
	require.NoError(t, c.Initialize(context.Background(), "u1"))

	assert.Equal(t, 1, *dials)
	assert.Len(t, sock.frames(wire.OpIdentify), 1)
	assert.Equal(t, StatusConnected, c.Status())
}

func TestInitialize_UserSwitchTearsDown(t *testing.T) {
	sock1 := newFakeSock()
	sock2 := newFakeSock()
	c, dials := newTestClient(t, sock1, sock2)
	defer c.Close()

	require.NoError(t, c.Initialize(context.Background(), "u1"))
	require.NoError(t, c.JoinChannel(context.Background(), "game-g1", func(event.Envelope) {}))

	require.NoError(t, c.Initialize(context.Background(), "u2"))

	assert.Equal(t, 2, *dials)
	sock1.mu.Lock()
	closed := sock1.closed
	sock1.mu.Unlock()
	assert.True(t, closed, "old identity's socket must be closed")

	// Old joins must not carry over to the new identity.
	assert.Empty(t, sock2.frames(wire.OpJoin))
	idents := sock2.frames(wire.OpIdentify)
	require.Len(t, idents, 1)
	assert.Equal(t, "u2", idents[0].UserID)
}

func TestJoinChannel_Idempotent(t *testing.T) {
	sock := newFakeSock()
	c, _ := newTestClient(t, sock)
	defer c.Close()
	require.NoError(t, c.Initialize(context.Background(), "u1"))

	require.NoError(t, c.JoinChannel(context.Background(), "game-g1", func(event.Envelope) {}))
	require.NoError(t, c.JoinChannel(context.Background(), "game-g1", func(event.Envelope) {}))

	assert.Len(t, sock.frames(wire.OpJoin), 1)
}

func TestLeaveChannel_NeverJoinedIsNoop(t *testing.T) {
	sock := newFakeSock()
	c, _ := newTestClient(t, sock)
	defer c.Close()
	require.NoError(t, c.Initialize(context.Background(), "u1"))

	require.NoError(t, c.LeaveChannel(context.Background(), "game-unjoined"))
	assert.Empty(t, sock.frames(wire.OpLeave))
}

func TestInboundEventDispatch(t *testing.T) {
	sock := newFakeSock()
	c, _ := newTestClient(t, sock)
	defer c.Close()
	require.NoError(t, c.Initialize(context.Background(), "u1"))

	got := make(chan event.Envelope, 1)
	require.NoError(t, c.JoinChannel(context.Background(), "game-g1", func(env event.Envelope) {
		got <- env
	}))

	env, err := event.New("g1", "u2", event.PlayerJoined{UserID: "u2", Username: "bob"})
	require.NoError(t, err)
	sock.push(t, wire.Frame{Op: wire.OpEvent, Topic: "game-g1", Event: &env})

	select {
	case received := <-got:
		assert.Equal(t, env.MessageID, received.MessageID)
	case <-time.After(time.Second):
		t.Fatal("event never dispatched")
	}
}

func TestPresence_RoundTrip(t *testing.T) {
	sock := newFakeSock()
	c, _ := newTestClient(t, sock)
	defer c.Close()
	require.NoError(t, c.Initialize(context.Background(), "u1"))

	done := make(chan []string, 1)
	go func() { done <- c.Presence(context.Background(), "game-g1") }()

	// Wait for the query frame, then answer it.
	var reqID string
	require.Eventually(t, func() bool {
		qs := sock.frames(wire.OpPresence)
		if len(qs) == 0 {
			return false
		}
		reqID = qs[0].RequestID
		return true
	}, time.Second, 5*time.Millisecond)

	sock.push(t, wire.Frame{Op: wire.OpPresence, RequestID: reqID, Members: []string{"u1", "u2"}})

	select {
	case members := <-done:
		assert.Equal(t, []string{"u1", "u2"}, members)
	case <-time.After(time.Second):
		t.Fatal("presence never resolved")
	}
}

func TestPresence_ErrorYieldsEmptySet(t *testing.T) {
	sock := newFakeSock()
	c, _ := newTestClient(t, sock)
	defer c.Close()
	require.NoError(t, c.Initialize(context.Background(), "u1"))

	sock.mu.Lock()
	sock.writeErr = errors.New("broken pipe")
	sock.mu.Unlock()

	members := c.Presence(context.Background(), "game-g1")
	assert.NotNil(t, members)
	assert.Empty(t, members)
}

func TestPresence_NotConnectedYieldsEmptySet(t *testing.T) {
	c, _ := newTestClient(t)
	members := c.Presence(context.Background(), "game-g1")
	assert.NotNil(t, members)
	assert.Empty(t, members)
}

func TestPublish_RetriesThenGivesUp(t *testing.T) {
	sock := newFakeSock()
	c, _ := newTestClient(t, sock)
	defer c.Close()
	require.NoError(t, c.Initialize(context.Background(), "u1"))

	sock.mu.Lock()
	sock.writeErr = errors.New("network down")
	sock.mu.Unlock()

	env, err := event.New("g1", "u1", event.VoteCast{SubmissionID: "s1", VoterID: "u1"})
	require.NoError(t, err)

	err = c.Publish(context.Background(), env)
	assert.ErrorIs(t, err, ErrBroadcastFailed)
}

func TestPublish_BreakerFailsFastWithoutNetworkIO(t *testing.T) {
	sock := newFakeSock()
	c, _ := newTestClient(t, sock)
	defer c.Close()
	require.NoError(t, c.Initialize(context.Background(), "u1"))

	sock.mu.Lock()
	sock.writeErr = errors.New("network down")
	sock.mu.Unlock()

	env, err := event.New("g1", "u1", event.TimerExpired{Phase: game.StatusDrawing})
	require.NoError(t, err)

	// 5 failed publishes open the breaker.
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, c.Publish(context.Background(), env), ErrBroadcastFailed)
	}

	// Restore the socket; an open breaker must fail fast anyway.
	sock.mu.Lock()
	sock.writeErr = nil
	before := len(sock.written)
	sock.mu.Unlock()

	err = c.Publish(context.Background(), env)
	assert.ErrorIs(t, err, ErrBreakerOpen)

	sock.mu.Lock()
	after := len(sock.written)
	sock.mu.Unlock()
	assert.Equal(t, before, after, "open breaker must not touch the network")
}

func TestPublish_RoutesMatchFoundToUserTopic(t *testing.T) {
	sock := newFakeSock()
	c, _ := newTestClient(t, sock)
	defer c.Close()
	require.NoError(t, c.Initialize(context.Background(), "u1"))

	env, err := event.New("", "u7", event.MatchFound{GameID: "g9"})
	require.NoError(t, err)
	require.NoError(t, c.Publish(context.Background(), env))

	pubs := sock.frames(wire.OpPublish)
	require.Len(t, pubs, 1)
	assert.Equal(t, "user-u7", pubs[0].Topic)
}

func TestReconnect_RejoinsTopics(t *testing.T) {
	sock1 := newFakeSock()
	sock2 := newFakeSock()
	c, _ := newTestClient(t, sock1, sock2)
	defer c.Close()

	statuses := make(chan Status, 16)
	c.OnStatusChange(func(s Status) { statuses <- s })

	require.NoError(t, c.Initialize(context.Background(), "u1"))
	require.NoError(t, c.JoinChannel(context.Background(), "game-g1", func(event.Envelope) {}))

	// Kill the socket out from under the read loop.
	sock1.Close()

	require.Eventually(t, func() bool { return c.Status() == StatusConnected }, 2*time.Second, 5*time.Millisecond)

	joins := sock2.frames(wire.OpJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, "game-g1", joins[0].Topic)

	seen := map[Status]bool{}
	for len(statuses) > 0 {
		seen[<-statuses] = true
	}
	assert.True(t, seen[StatusDisconnected], "disconnect must be reported")
	assert.True(t, seen[StatusReconnecting], "reconnecting must be reported")
	assert.True(t, seen[StatusConnected])
}
