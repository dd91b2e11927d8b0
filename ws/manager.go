package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"dotracing/apperr"
	"dotracing/auth"
	"dotracing/game"
	"dotracing/live"
	"dotracing/race"
)

const defaultForceInterval = 60 * time.Millisecond

type Options struct {
	// ForceInterval is the minimum spacing of relayed force samples per connection.
	ForceInterval time.Duration
	Now           func() time.Time
}

type handler func(ctx context.Context, c *Client, data json.RawMessage) (any, error)

// Manager serves the event channel of every connection.
type Manager struct {
	hub      *Hub
	lobby    *game.Lobby
	source   live.Source
	verifier *auth.Verifier
	races    *race.Manager
	opts     Options
	handlers map[string]handler

	// hosts maps a game id to the connection that opened its race.
	hostsMu sync.Mutex
	hosts   map[string]*Client
}

func NewManager(hub *Hub, lobby *game.Lobby, source live.Source, verifier *auth.Verifier, races *race.Manager, opts Options) *Manager {
	if opts.ForceInterval <= 0 {
		opts.ForceInterval = defaultForceInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		hub:      hub,
		lobby:    lobby,
		source:   source,
		verifier: verifier,
		races:    races,
		opts:     opts,
		hosts:    make(map[string]*Client),
	}
	m.handlers = m.routes()
	return m
}

func (m *Manager) Hub() *Hub { return m.hub }

// HandleConnection runs a connection until it closes.
func (m *Manager) HandleConnection(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		id:      uuid.NewString(),
		manager: m,
		conn:    conn,
		force:   rate.NewLimiter(rate.Every(m.opts.ForceInterval), 1),
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan []byte, sendBuffer),
	}
	client.subs = live.NewManager(m.source, client)
	slog.Debug("client connected", "client", client.id)

	go client.writePump()
	go client.readPump()
}

func (m *Manager) disconnect(c *Client) {
	for _, id := range m.releaseHost(c) {
		m.races.Close(id)
	}
	c.subs.CloseAll()
	c.cancel()
	m.hub.LeaveAll(c)
	c.close()
	slog.Debug("client disconnected", "client", c.id)
}

func (m *Manager) dispatch(c *Client, in *Inbound) {
	h, ok := m.handlers[in.Event]
	if !ok {
		slog.Debug("unknown event", "client", c.id, "event", in.Event)
		if in.Ack > 0 {
			c.write(ack(in.Ack, nil, apperr.Validation("unknown event "+in.Event)))
		}
		return
	}

	data, err := h(c.ctx, c, in.Data)
	if in.Ack > 0 {
		c.write(ack(in.Ack, data, err))
		return
	}
	if err != nil {
		slog.Warn("event failed", "client", c.id, "event", in.Event, "err", err)
	}
}

// decode unmarshals a request payload, reporting malformed input as a
// validation error.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return apperr.Validation("missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Validation("malformed payload")
	}
	return nil
}

func decodeID(data json.RawMessage) (string, error) {
	var id string
	if err := decode(data, &id); err != nil {
		return "", err
	}
	if id == "" {
		return "", apperr.Validation("id is required")
	}
	return id, nil
}

func (m *Manager) setHost(gameID string, c *Client) {
	m.hostsMu.Lock()
	defer m.hostsMu.Unlock()
	m.hosts[gameID] = c
}

func (m *Manager) isHost(gameID string, c *Client) bool {
	m.hostsMu.Lock()
	defer m.hostsMu.Unlock()
	return m.hosts[gameID] == c
}

func (m *Manager) dropHost(gameID string) {
	m.hostsMu.Lock()
	defer m.hostsMu.Unlock()
	delete(m.hosts, gameID)
}

// releaseHost forgets every race c hosts and returns their game ids.
func (m *Manager) releaseHost(c *Client) []string {
	m.hostsMu.Lock()
	defer m.hostsMu.Unlock()
	var ids []string
	for id, host := range m.hosts {
		if host == c {
			ids = append(ids, id)
			delete(m.hosts, id)
		}
	}
	return ids
}
