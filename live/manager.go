package live

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"dotracing/apperr"
	"dotracing/store"
)

var ErrManagerClosed = errors.New("subscription manager closed")

// CollectionEvent is the push event for a collection listener.
func CollectionEvent(collection, listenerID string) string {
	return collection + ":changes:" + listenerID
}

// RecordEvent is the push event for a record watch.
func RecordEvent(collection, id string) string {
	return collection + ":record:changes:" + id
}

// Manager owns every subscription of one connection.
type Manager struct {
	source Source
	emit   Emitter

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

func NewManager(source Source, emit Emitter) *Manager {
	return &Manager{
		source: source,
		emit:   emit,
		subs:   make(map[string]*Subscription),
	}
}

// WatchCollection starts listener listenerID over a collection window. Any
// previous subscription under the same listener id is closed first.
func (m *Manager) WatchCollection(ctx context.Context, collection, listenerID string, filter map[string]any, limit int) (*Subscription, error) {
	if listenerID == "" {
		return nil, apperr.Validation("listenerId is required")
	}
	w := store.Watch{Collection: collection, Filter: filter, Limit: limit}
	return m.open(ctx, CollectionEvent(collection, listenerID), w)
}

// WatchRecord starts a single-record watch keyed by the record id.
func (m *Manager) WatchRecord(ctx context.Context, collection, id string) (*Subscription, error) {
	if id == "" {
		return nil, apperr.Validation("id is required")
	}
	return m.open(ctx, RecordEvent(collection, id), store.Watch{Collection: collection, ID: id})
}

func (m *Manager) open(ctx context.Context, event string, w store.Watch) (*Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	prev := m.subs[event]
	delete(m.subs, event)
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	sub := newSubscription(event, w)
	cursor, err := m.source.Watch(ctx, w)
	if err != nil {
		sub.Close()
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cursor.Close()
		sub.Close()
		return nil, ErrManagerClosed
	}
	if raced := m.subs[event]; raced != nil {
		defer raced.Close()
	}
	m.subs[event] = sub
	sub.start(cursor, m.emit)
	m.mu.Unlock()

	slog.Debug("subscription opened", "event", event)
	return sub, nil
}

// Stop closes the subscription for event. Unknown events are ignored.
func (m *Manager) Stop(event string) {
	m.mu.Lock()
	sub := m.subs[event]
	delete(m.subs, event)
	m.mu.Unlock()

	if sub != nil {
		sub.Close()
		slog.Debug("subscription stopped", "event", event)
	}
}

func (m *Manager) StopCollection(collection, listenerID string) {
	m.Stop(CollectionEvent(collection, listenerID))
}

func (m *Manager) StopRecord(collection, id string) {
	m.Stop(RecordEvent(collection, id))
}

// CloseAll closes every subscription and refuses new ones. Called on disconnect.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	subs := m.subs
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// Len reports the number of active subscriptions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
