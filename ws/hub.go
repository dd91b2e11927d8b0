package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Room is the multicast group of one game.
type Room struct {
	id      string
	clients map[*Client]bool
}

// Hub holds the rooms and the in-process listeners of room events. It
// implements the race engine's relay.
type Hub struct {
	mu        sync.RWMutex
	rooms     map[string]*Room
	listeners map[string]map[int]func(json.RawMessage)
	nextID    int
}

func NewHub() *Hub {
	return &Hub{
		rooms:     make(map[string]*Room),
		listeners: make(map[string]map[int]func(json.RawMessage)),
	}
}

func listenerKey(room, event string) string {
	return room + "|" + event
}

// Join adds c to room. Joining twice is a no-op.
func (h *Hub) Join(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[room]
	if !ok {
		r = &Room{id: room, clients: make(map[*Client]bool)}
		h.rooms[room] = r
	}
	r.clients[c] = true
}

// Leave removes c from room. Leaving a room c is not in is a no-op.
func (h *Hub) Leave(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(room, c)
}

func (h *Hub) leave(room string, c *Client) {
	r, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(r.clients, c)
	if len(r.clients) == 0 {
		delete(h.rooms, room)
	}
}

// LeaveAll removes c from every room.
func (h *Hub) LeaveAll(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.rooms {
		h.leave(id, c)
	}
}

func (h *Hub) InRoom(room string, c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[room]
	return ok && r.clients[c]
}

func (h *Hub) ClientCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.rooms[room]; ok {
		return len(r.clients)
	}
	return 0
}

// Subscribe registers an in-process listener for event in room.
func (h *Hub) Subscribe(room, event string, fn func(json.RawMessage)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := listenerKey(room, event)
	if h.listeners[key] == nil {
		h.listeners[key] = make(map[int]func(json.RawMessage))
	}
	h.nextID++
	id := h.nextID
	h.listeners[key][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.listeners[key], id)
			if len(h.listeners[key]) == 0 {
				delete(h.listeners, key)
			}
		})
	}
}

// Broadcast sends event to every member of room and to its listeners.
func (h *Hub) Broadcast(room, event string, data any) {
	h.broadcast(room, nil, event, data)
}

// BroadcastFrom is Broadcast without delivery back to the originator.
func (h *Hub) BroadcastFrom(room string, from *Client, event string, data any) {
	h.broadcast(room, from, event, data)
}

func (h *Hub) broadcast(room string, from *Client, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		slog.Error("failed to marshal broadcast", "room", room, "event", event, "err", err)
		return
	}
	frame, err := json.Marshal(Outbound{Event: event, Data: json.RawMessage(raw)})
	if err != nil {
		slog.Error("failed to marshal broadcast", "room", room, "event", event, "err", err)
		return
	}

	h.mu.RLock()
	var targets []*Client
	if r, ok := h.rooms[room]; ok {
		targets = make([]*Client, 0, len(r.clients))
		for c := range r.clients {
			if c != from {
				targets = append(targets, c)
			}
		}
	}
	var fns []func(json.RawMessage)
	for _, fn := range h.listeners[listenerKey(room, event)] {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.deliver(frame)
	}
	for _, fn := range fns {
		fn(raw)
	}
}
