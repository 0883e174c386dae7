package changefeed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drawparty/syncclient/internal/game"
)

type fakeListener struct {
	factory *fakeFactory
	gameID  string
	deliver func(RowChange)
	onError func(error)
	closed  bool
}

func (l *fakeListener) Close() error {
	l.factory.mu.Lock()
	defer l.factory.mu.Unlock()
	l.closed = true
	if l.factory.active[l.gameID] == l {
		delete(l.factory.active, l.gameID)
	}
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	listens int
	failing bool
	active  map[string]*fakeListener
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{active: make(map[string]*fakeListener)}
}

func (f *fakeFactory) Listen(_ context.Context, gameID string, deliver func(RowChange), onError func(error)) (Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listens++
	if f.failing {
		return nil, errors.New("CHANNEL_ERROR")
	}
	l := &fakeListener{factory: f, gameID: gameID, deliver: deliver, onError: onError}
	f.active[gameID] = l
	return l, nil
}

func (f *fakeFactory) push(t *testing.T, gameID string, rc RowChange) {
	t.Helper()
	f.mu.Lock()
	l := f.active[gameID]
	f.mu.Unlock()
	require.NotNil(t, l, "no active listener for %s", gameID)
	l.deliver(rc)
}

func (f *fakeFactory) kill(t *testing.T, gameID string) {
	t.Helper()
	f.mu.Lock()
	l := f.active[gameID]
	f.mu.Unlock()
	require.NotNil(t, l, "no active listener for %s", gameID)
	l.onError(errors.New("CHANNEL_ERROR"))
}

type fakeFetcher struct {
	mu  sync.Mutex
	row *game.Snapshot
	err error
}

func (f *fakeFetcher) GetGame(context.Context, string) (*game.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.row, f.err
}

func (f *fakeFetcher) set(row *game.Snapshot) {
	f.mu.Lock()
	f.row = row
	f.mu.Unlock()
}

func fastConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		ReconnectBase:     time.Millisecond,
		ReconnectMax:      2 * time.Millisecond,
		ReconnectBudget:   5,
	}
}

func snap(id string, status game.Status, at time.Time) *game.Snapshot {
	return &game.Snapshot{ID: id, Status: status, UpdatedAt: at}
}

func TestFeed_DeliversStatusChange(t *testing.T) {
	factory := newFakeFactory()
	f := NewFeed(fastConfig(), factory, &fakeFetcher{}, nil)
	defer f.Close()

	got := make(chan RowChange, 1)
	f.Subscribe("g1", "sub1", func(old, new *game.Snapshot) {
		got <- RowChange{Old: old, New: new}
	})

	now := time.Now()
	factory.push(t, "g1", RowChange{
		Old: snap("g1", game.StatusBriefing, now.Add(-time.Second)),
		New: snap("g1", game.StatusDrawing, now),
	})

	select {
	case rc := <-got:
		assert.Equal(t, game.StatusDrawing, rc.New.Status)
		assert.Equal(t, game.StatusBriefing, rc.Old.Status)
	case <-time.After(time.Second):
		t.Fatal("row change never delivered")
	}
}

func TestFeed_FiltersNoopUpdates(t *testing.T) {
	factory := newFakeFactory()
	f := NewFeed(fastConfig(), factory, &fakeFetcher{}, nil)
	defer f.Close()

	calls := 0
	f.Subscribe("g1", "sub1", func(old, new *game.Snapshot) { calls++ })

	now := time.Now()
	same := snap("g1", game.StatusDrawing, now)
	factory.push(t, "g1", RowChange{Old: same, New: snap("g1", game.StatusDrawing, now)})
	assert.Equal(t, 0, calls, "identical row images must not reconcile")
}

func TestFeed_SharesOneListenerAcrossSubscribers(t *testing.T) {
	factory := newFakeFactory()
	f := NewFeed(fastConfig(), factory, &fakeFetcher{}, nil)
	defer f.Close()

	f.Subscribe("g1", "a", func(old, new *game.Snapshot) {})
	f.Subscribe("g1", "b", func(old, new *game.Snapshot) {})

	factory.mu.Lock()
	listens := factory.listens
	factory.mu.Unlock()
	assert.Equal(t, 1, listens)

	d := f.Diagnostics()
	assert.Equal(t, 1, d.Channels)
	assert.Equal(t, 2, d.Subscribers)
}

func TestFeed_UnsubscribeLastClosesListener(t *testing.T) {
	factory := newFakeFactory()
	f := NewFeed(fastConfig(), factory, &fakeFetcher{}, nil)
	defer f.Close()

	f.Subscribe("g1", "a", func(old, new *game.Snapshot) {})
	f.Unsubscribe("g1", "a")

	factory.mu.Lock()
	_, alive := factory.active["g1"]
	factory.mu.Unlock()
	assert.False(t, alive, "listener must be closed with the last subscriber gone")
	assert.Equal(t, 0, f.Diagnostics().Channels)
}

func TestFeed_ReconnectsAfterListenerError(t *testing.T) {
	factory := newFakeFactory()
	f := NewFeed(fastConfig(), factory, &fakeFetcher{}, nil)
	defer f.Close()

	got := make(chan RowChange, 1)
	f.Subscribe("g1", "sub1", func(old, new *game.Snapshot) {
		got <- RowChange{Old: old, New: new}
	})

	factory.kill(t, "g1")

	// A replacement listener appears and still delivers.
	require.Eventually(t, func() bool {
		factory.mu.Lock()
		defer factory.mu.Unlock()
		return factory.active["g1"] != nil
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return f.Health().Status == HealthConnected }, time.Second, time.Millisecond)

	factory.push(t, "g1", RowChange{New: snap("g1", game.StatusVoting, time.Now())})
	select {
	case rc := <-got:
		assert.Equal(t, game.StatusVoting, rc.New.Status)
	case <-time.After(time.Second):
		t.Fatal("no delivery after reconnect")
	}
}

func TestFeed_ExhaustedReconnectStartsPolling(t *testing.T) {
	factory := newFakeFactory()
	fetcher := &fakeFetcher{}
	f := NewFeed(fastConfig(), factory, fetcher, nil)
	defer f.Close()

	got := make(chan RowChange, 4)
	f.Subscribe("g1", "sub1", func(old, new *game.Snapshot) {
		got <- RowChange{Old: old, New: new}
	})

	factory.mu.Lock()
	factory.failing = true
	factory.mu.Unlock()
	factory.kill(t, "g1")

	require.Eventually(t, func() bool { return f.Health().Status == HealthError }, time.Second, time.Millisecond)
	assert.True(t, f.PollingActive())

	// A row change now surfaces via the poll path instead.
	fetcher.set(snap("g1", game.StatusResults, time.Now()))
	select {
	case rc := <-got:
		assert.Equal(t, game.StatusResults, rc.New.Status)
	case <-time.After(time.Second):
		t.Fatal("polling never delivered the row")
	}
}

func TestFeed_ForceReconnectEndsPolling(t *testing.T) {
	factory := newFakeFactory()
	f := NewFeed(fastConfig(), factory, &fakeFetcher{}, nil)
	defer f.Close()

	f.Subscribe("g1", "sub1", func(old, new *game.Snapshot) {})

	factory.mu.Lock()
	factory.failing = true
	factory.mu.Unlock()
	factory.kill(t, "g1")
	require.Eventually(t, func() bool { return f.Health().Status == HealthError }, time.Second, time.Millisecond)

	factory.mu.Lock()
	factory.failing = false
	factory.mu.Unlock()

	f.ForceReconnect()
	require.Eventually(t, func() bool { return f.Health().Status == HealthConnected }, time.Second, time.Millisecond)
	assert.False(t, f.PollingActive())
	assert.Equal(t, 0, f.Health().ReconnectAttempts)
}

func TestFeed_SubscribeNeverFailsSynchronously(t *testing.T) {
	factory := newFakeFactory()
	factory.failing = true
	f := NewFeed(fastConfig(), factory, &fakeFetcher{}, nil)
	defer f.Close()

	// Must not panic or surface the connect error.
	f.Subscribe("g1", "sub1", func(old, new *game.Snapshot) {})
	assert.Equal(t, 1, f.Diagnostics().Channels, "topic registered despite connect failure")
}
