package live

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"dotracing/store"
)

type State int32

const (
	StateIdle State = iota
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Emitter pushes an event to the owning connection.
type Emitter interface {
	Emit(event string, data any)
}

// Subscription forwards one cursor to one connection under one event name.
type Subscription struct {
	Event string
	Watch store.Watch

	state  atomic.Int32
	cursor Cursor
	once   sync.Once
	done   chan struct{}
	exited chan struct{}
}

func newSubscription(event string, w store.Watch) *Subscription {
	return &Subscription{
		Event:  event,
		Watch:  w,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

func (s *Subscription) State() State {
	return State(s.state.Load())
}

// start attaches the cursor and begins forwarding.
func (s *Subscription) start(c Cursor, emit Emitter) {
	s.cursor = c
	s.state.Store(int32(StateSubscribed))
	go s.pump(emit)
}

func (s *Subscription) pump(emit Emitter) {
	defer close(s.exited)

	changes, errs := s.cursor.Changes(), s.cursor.Errors()
	for {
		select {
		case <-s.done:
			return
		case err := <-errs:
			slog.Warn("change feed error", "event", s.Event, "collection", s.Watch.Collection, "err", err)
		case ch, ok := <-changes:
			if !ok {
				return
			}
			select {
			case <-s.done:
				return
			default:
			}
			emit.Emit(s.Event, ch)
		}
	}
}

// Close releases the cursor and waits for forwarding to end. It is idempotent;
// no change is emitted after it returns.
func (s *Subscription) Close() {
	s.once.Do(func() {
		prev := s.State()
		s.state.Store(int32(StateClosed))
		close(s.done)
		if prev != StateSubscribed {
			return
		}
		if err := s.cursor.Close(); err != nil {
			slog.Warn("failed to close cursor", "event", s.Event, "err", err)
		}
		<-s.exited
	})
}
