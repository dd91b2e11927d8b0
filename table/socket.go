package table

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dotracing/ws"
)

const writeWait = 10 * time.Second

var ErrSocketClosed = errors.New("socket closed")

// Socket is a websocket client of the race server.
type Socket struct {
	url    string
	header http.Header

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	closed  bool

	nextAck     int
	pending     map[int]chan ws.Frame
	nextHandler int
	handlers    map[string]map[int]func(json.RawMessage)
	reconnects  map[int]func()
}

var _ Conn = (*Socket)(nil)

// Dial connects to a server websocket endpoint such as ws://host/socket.
func Dial(ctx context.Context, url string, header http.Header) (*Socket, error) {
	s := &Socket{
		url:        url,
		header:     header,
		pending:    make(map[int]chan ws.Frame),
		handlers:   make(map[string]map[int]func(json.RawMessage)),
		reconnects: make(map[int]func()),
	}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Socket) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.done = done
	s.mu.Unlock()

	go s.readLoop(conn, done)
	return nil
}

// Reconnect drops the current connection, dials again and runs the
// reconnect handlers.
func (s *Socket) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	old, done := s.conn, s.done
	s.mu.Unlock()

	old.Close()
	<-done

	if err := s.connect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	fns := make([]func(), 0, len(s.reconnects))
	for _, fn := range s.reconnects {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return nil
}

func (s *Socket) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		for id, ch := range s.pending {
			close(ch)
			delete(s.pending, id)
		}
		s.mu.Unlock()
		close(done)
	}()

	for {
		var f ws.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("socket read ended", "err", err)
			}
			return
		}

		if f.Event == ws.EventAck {
			s.mu.Lock()
			ch, ok := s.pending[f.Ack]
			delete(s.pending, f.Ack)
			s.mu.Unlock()
			if ok {
				ch <- f
			}
			continue
		}

		s.mu.Lock()
		fns := make([]func(json.RawMessage), 0, len(s.handlers[f.Event]))
		for _, fn := range s.handlers[f.Event] {
			fns = append(fns, fn)
		}
		s.mu.Unlock()
		for _, fn := range fns {
			fn(f.Data)
		}
	}
}

func (s *Socket) write(in ws.Inbound) error {
	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()
	if closed {
		return ErrSocketClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(in)
}

func encode(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	return json.Marshal(data)
}

func (s *Socket) Request(ctx context.Context, event string, data any, reply any) error {
	raw, err := encode(data)
	if err != nil {
		return err
	}

	ch := make(chan ws.Frame, 1)
	s.mu.Lock()
	s.nextAck++
	id := s.nextAck
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.write(ws.Inbound{Event: event, Ack: id, Data: raw}); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return err
	}

	select {
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return ctx.Err()
	case f, ok := <-ch:
		if !ok {
			return ErrSocketClosed
		}
		if f.Error != nil {
			return f.Error.Err()
		}
		if reply != nil && len(f.Data) > 0 {
			return json.Unmarshal(f.Data, reply)
		}
		return nil
	}
}

func (s *Socket) Send(event string, data any) error {
	raw, err := encode(data)
	if err != nil {
		return err
	}
	return s.write(ws.Inbound{Event: event, Data: raw})
}

func (s *Socket) On(event string, fn func(json.RawMessage)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandler++
	id := s.nextHandler
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[int]func(json.RawMessage))
	}
	s.handlers[event][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers[event], id)
		if len(s.handlers[event]) == 0 {
			delete(s.handlers, event)
		}
	}
}

func (s *Socket) OnReconnect(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandler++
	id := s.nextHandler
	s.reconnects[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.reconnects, id)
	}
}

// Close sends a close frame and waits for the read loop to end.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn, done := s.conn, s.done
	s.mu.Unlock()

	s.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	s.writeMu.Unlock()

	err := conn.Close()
	<-done
	return err
}
