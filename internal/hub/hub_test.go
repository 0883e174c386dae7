package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drawparty/syncclient/internal/event"
	"github.com/drawparty/syncclient/pkg/wire"
)

func TestHub_Ensure_Get_SamePointer(t *testing.T) {
	h := NewHub(context.Background(), nil)
	defer func() { h.Inbox() <- ShutdownHub{} }()

	tp1 := h.Ensure("game-g1")
	require.NotNil(t, tp1)

	reply := make(chan *Topic, 1)
	h.Inbox() <- GetTopic{Name: "game-g1", Reply: reply}
	tp2 := <-reply

	assert.Same(t, tp1, tp2)

	h.Inbox() <- GetTopic{Name: "game-other", Reply: reply}
	assert.Nil(t, <-reply)
}

func TestTopic_BroadcastReachesEverySubscriber(t *testing.T) {
	h := NewHub(context.Background(), nil)
	defer func() { h.Inbox() <- ShutdownHub{} }()
	tp := h.Ensure("game-g1")

	out1 := make(chan wire.Frame, 8)
	out2 := make(chan wire.Frame, 8)
	tp.Inbox() <- Join{ClientID: "c1", UserID: "u1", Outbox: out1}
	tp.Inbox() <- Join{ClientID: "c2", UserID: "u2", Outbox: out2}

	env, err := event.New("g1", "u1", event.PlayerReady{UserID: "u1", IsReady: true})
	require.NoError(t, err)
	tp.Inbox() <- Publish{Env: env}

	for _, out := range []chan wire.Frame{out1, out2} {
		select {
		case f := <-out:
			assert.Equal(t, wire.OpEvent, f.Op)
			assert.Equal(t, "game-g1", f.Topic)
			require.NotNil(t, f.Event)
			assert.Equal(t, env.MessageID, f.Event.MessageID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the broadcast")
		}
	}
}

func TestTopic_LeaveStopsDelivery(t *testing.T) {
	h := NewHub(context.Background(), nil)
	defer func() { h.Inbox() <- ShutdownHub{} }()
	tp := h.Ensure("game-g1")

	out := make(chan wire.Frame, 8)
	tp.Inbox() <- Join{ClientID: "c1", UserID: "u1", Outbox: out}
	tp.Inbox() <- Leave{ClientID: "c1"}

	env, err := event.New("g1", "u1", event.PlayerLeft{UserID: "u1"})
	require.NoError(t, err)
	tp.Inbox() <- Publish{Env: env}

	state := make(chan View, 1)
	tp.Inbox() <- GetState{Reply: state}
	v := <-state
	assert.Equal(t, 0, v.NumClients)
	assert.Empty(t, out)
}

func TestTopic_PresenceCountsDistinctUsers(t *testing.T) {
	h := NewHub(context.Background(), nil)
	defer func() { h.Inbox() <- ShutdownHub{} }()
	tp := h.Ensure("game-g1")

	// u1 holds two connections; presence reports each user once.
	tp.Inbox() <- Join{ClientID: "c1", UserID: "u1", Outbox: make(chan wire.Frame, 1)}
	tp.Inbox() <- Join{ClientID: "c2", UserID: "u1", Outbox: make(chan wire.Frame, 1)}
	tp.Inbox() <- Join{ClientID: "c3", UserID: "u2", Outbox: make(chan wire.Frame, 1)}

	reply := make(chan []string, 1)
	tp.Inbox() <- Presence{Reply: reply}
	assert.ElementsMatch(t, []string{"u1", "u2"}, <-reply)
}

func TestTopic_SlowSubscriberDropped(t *testing.T) {
	h := NewHub(context.Background(), nil)
	defer func() { h.Inbox() <- ShutdownHub{} }()
	tp := h.Ensure("game-g1")

	full := make(chan wire.Frame) // unbuffered and never drained
	tp.Inbox() <- Join{ClientID: "c1", UserID: "u1", Outbox: full}

	env, err := event.New("g1", "u1", event.PlayerLeft{UserID: "u1"})
	require.NoError(t, err)
	tp.Inbox() <- Publish{Env: env}

	state := make(chan View, 1)
	tp.Inbox() <- GetState{Reply: state}
	assert.Equal(t, 0, (<-state).NumClients)
}
