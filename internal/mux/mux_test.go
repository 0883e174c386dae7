package mux

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOpener records every open/close so tests can assert on the single
// underlying channel per topic.
type fakeOpener struct {
	mu       sync.Mutex
	opens    int
	closes   int
	deliver  map[string]func(string)
	openErr  error
}

type fakeChannel struct {
	o     *fakeOpener
	topic string
}

func (c *fakeChannel) Close() error {
	c.o.mu.Lock()
	defer c.o.mu.Unlock()
	c.o.closes++
	delete(c.o.deliver, c.topic)
	return nil
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{deliver: make(map[string]func(string))}
}

func (o *fakeOpener) Open(topic string, deliver func(string)) (Channel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.openErr != nil {
		return nil, o.openErr
	}
	o.opens++
	o.deliver[topic] = deliver
	return &fakeChannel{o: o, topic: topic}, nil
}

func (o *fakeOpener) push(topic, msg string) {
	o.mu.Lock()
	deliver := o.deliver[topic]
	o.mu.Unlock()
	if deliver != nil {
		deliver(msg)
	}
}

func TestMux_OneChannelPerTopic(t *testing.T) {
	opener := newFakeOpener()
	m := New[string](opener, nil)

	var got1, got2, got3 []string
	require.NoError(t, m.Subscribe("game-abc", "sub1", func(msg string) { got1 = append(got1, msg) }))
	require.NoError(t, m.Subscribe("game-abc", "sub2", func(msg string) { got2 = append(got2, msg) }))
	require.NoError(t, m.Subscribe("game-abc", "sub3", func(msg string) { got3 = append(got3, msg) }))

	d := m.Diagnostics()
	assert.Equal(t, 1, d.Channels)
	assert.Equal(t, 3, d.Subscribers)
	assert.Equal(t, 1, opener.opens)

	opener.push("game-abc", "hello")
	assert.Equal(t, []string{"hello"}, got1)
	assert.Equal(t, []string{"hello"}, got2)
	assert.Equal(t, []string{"hello"}, got3)

	m.Unsubscribe("game-abc", "sub1")
	m.Unsubscribe("game-abc", "sub2")
	d = m.Diagnostics()
	assert.Equal(t, 1, d.Channels, "channel stays open while a subscriber remains")
	assert.Equal(t, 1, d.Subscribers)
	assert.Equal(t, 0, opener.closes)

	m.Unsubscribe("game-abc", "sub3")
	d = m.Diagnostics()
	assert.Equal(t, 0, d.Channels)
	assert.Equal(t, 0, d.Subscribers)
	assert.Equal(t, 1, opener.closes)
}

func TestMux_DistinctTopicsDistinctChannels(t *testing.T) {
	opener := newFakeOpener()
	m := New[string](opener, nil)

	require.NoError(t, m.Subscribe("game-a", "s1", func(string) {}))
	require.NoError(t, m.Subscribe("game-b", "s1", func(string) {}))

	d := m.Diagnostics()
	assert.Equal(t, 2, d.Channels)
	assert.Equal(t, 2, opener.opens)
}

func TestMux_StaleEventAfterUnsubscribe(t *testing.T) {
	opener := newFakeOpener()
	m := New[string](opener, nil)

	calls := 0
	require.NoError(t, m.Subscribe("game-xyz", "hook", func(string) { calls++ }))
	m.Unsubscribe("game-xyz", "hook")

	// A message straggling in after teardown must reach nobody.
	opener.push("game-xyz", "stale")
	assert.Equal(t, 0, calls)

	d := m.Diagnostics()
	assert.Equal(t, 0, d.Channels)
	assert.Equal(t, 0, d.Subscribers)
}

func TestMux_UnsubscribeUnknownIsNoop(t *testing.T) {
	m := New[string](newFakeOpener(), nil)
	m.Unsubscribe("never-subscribed", "nobody") // must not panic
	m.Unsubscribe("never-subscribed", "nobody")
}

func TestMux_OpenFailureLeavesNoEntry(t *testing.T) {
	opener := newFakeOpener()
	opener.openErr = errors.New("dial refused")
	m := New[string](opener, nil)

	err := m.Subscribe("game-a", "s1", func(string) {})
	require.Error(t, err)
	assert.Equal(t, 0, m.Diagnostics().Channels)

	// A later attempt after the transport recovers starts clean.
	opener.openErr = nil
	require.NoError(t, m.Subscribe("game-a", "s1", func(string) {}))
	assert.Equal(t, 1, m.Diagnostics().Channels)
}

func TestMux_ForceCleanup(t *testing.T) {
	opener := newFakeOpener()
	m := New[string](opener, nil)

	require.NoError(t, m.Subscribe("game-a", "s1", func(string) {}))
	require.NoError(t, m.Subscribe("game-b", "s2", func(string) {}))

	m.ForceCleanup()
	d := m.Diagnostics()
	assert.Equal(t, 0, d.Channels)
	assert.Equal(t, 0, d.Subscribers)
	assert.Equal(t, 2, opener.closes)

	m.ForceCleanup() // idempotent
	assert.Equal(t, 2, opener.closes)
}

func TestMux_HandlerMayUnsubscribeDuringDispatch(t *testing.T) {
	opener := newFakeOpener()
	m := New[string](opener, nil)

	require.NoError(t, m.Subscribe("game-a", "s1", func(string) {
		m.Unsubscribe("game-a", "s1")
	}))
	require.NoError(t, m.Subscribe("game-a", "s2", func(string) {}))

	// Must not deadlock or skip s2.
	opener.push("game-a", "tick")
	assert.Equal(t, 1, m.Diagnostics().Subscribers)
}
