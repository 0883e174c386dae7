// Package mux deduplicates realtime subscriptions per logical topic. Any
// number of independent consumers may ask for the same topic; exactly one
// underlying channel is opened, and it is closed only when the last
// consumer unsubscribes.
package mux

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Channel is an open underlying subscription owned by the mux.
type Channel interface {
	Close() error
}

// Opener creates the single underlying channel for a topic. Implementations
// call deliver for every inbound message; the mux fans it out.
type Opener[T any] interface {
	Open(topic string, deliver func(T)) (Channel, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc[T any] func(topic string, deliver func(T)) (Channel, error)

func (f OpenerFunc[T]) Open(topic string, deliver func(T)) (Channel, error) {
	return f(topic, deliver)
}

type topicState[T any] struct {
	channel     Channel
	subscribers map[string]func(T)
}

// Mux is the process-wide topic registry. It is constructed explicitly at
// the composition root and injected, never a package-level singleton, so
// tests get a fresh instance each.
type Mux[T any] struct {
	mu     sync.Mutex
	opener Opener[T]
	topics map[string]*topicState[T]
	log    *zap.Logger
}

func New[T any](opener Opener[T], log *zap.Logger) *Mux[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mux[T]{
		opener: opener,
		topics: make(map[string]*topicState[T]),
		log:    log,
	}
}

// Subscribe registers handler under subscriberID for topic. The first
// subscriber on a topic opens the underlying channel; later ones piggyback
// on it with no new network call. Re-subscribing the same subscriberID
// replaces its handler.
func (m *Mux[T]) Subscribe(topic, subscriberID string, handler func(T)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.topics[topic]; ok {
		st.subscribers[subscriberID] = handler
		m.log.Debug("subscriber joined existing channel",
			zap.String("topic", topic),
			zap.String("subscriber", subscriberID),
			zap.Int("subscribers", len(st.subscribers)))
		return nil
	}

	st := &topicState[T]{subscribers: map[string]func(T){subscriberID: handler}}
	m.topics[topic] = st

	ch, err := m.opener.Open(topic, func(msg T) { m.dispatch(topic, msg) })
	if err != nil {
		delete(m.topics, topic)
		return fmt.Errorf("open channel for %s: %w", topic, err)
	}
	st.channel = ch
	m.log.Debug("opened channel", zap.String("topic", topic), zap.String("subscriber", subscriberID))
	return nil
}

// Unsubscribe removes subscriberID from topic. When the last subscriber
// leaves, the underlying channel is closed and the topic forgotten.
// Unknown topics or subscriber ids are a no-op.
func (m *Mux[T]) Unsubscribe(topic, subscriberID string) {
	m.mu.Lock()
	st, ok := m.topics[topic]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(st.subscribers, subscriberID)
	var toClose Channel
	if len(st.subscribers) == 0 {
		toClose = st.channel
		delete(m.topics, topic)
	}
	m.mu.Unlock()

	if toClose != nil {
		if err := toClose.Close(); err != nil {
			m.log.Warn("closing channel", zap.String("topic", topic), zap.Error(err))
		}
		m.log.Debug("closed channel", zap.String("topic", topic))
	}
}

func (m *Mux[T]) dispatch(topic string, msg T) {
	// Copy before iterating: a handler may subscribe or unsubscribe while
	// we fan out, and it must not see a half-mutated set.
	m.mu.Lock()
	st, ok := m.topics[topic]
	if !ok {
		m.mu.Unlock()
		return
	}
	handlers := make([]func(T), 0, len(st.subscribers))
	for _, h := range st.subscribers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

// Diagnostics reports registry counters for invariant checks in tests.
type Diagnostics struct {
	Channels    int
	Subscribers int
	Topics      []string
}

func (m *Mux[T]) Diagnostics() Diagnostics {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := Diagnostics{Channels: len(m.topics)}
	for topic, st := range m.topics {
		d.Subscribers += len(st.subscribers)
		d.Topics = append(d.Topics, topic)
	}
	return d
}

// ForceCleanup closes every channel unconditionally. Shutdown and test
// reset path; double cleanup is a no-op.
func (m *Mux[T]) ForceCleanup() {
	m.mu.Lock()
	channels := make([]Channel, 0, len(m.topics))
	for topic, st := range m.topics {
		if st.channel != nil {
			channels = append(channels, st.channel)
		}
		delete(m.topics, topic)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
}
