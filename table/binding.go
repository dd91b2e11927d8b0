package table

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"time"
)

// listenerWrap is the listener counter value after which ids start over.
const listenerWrap = 10000

const defaultBindLimit = 10

// restartTimeout bounds the re-issued start request after a reconnect.
var restartTimeout = 10 * time.Second

// Conn is the message channel a Binding talks over.
type Conn interface {
	// Request sends event and waits for its acknowledgement, decoding the
	// ack data into reply when reply is non-nil.
	Request(ctx context.Context, event string, data any, reply any) error
	// Send is fire-and-forget.
	Send(event string, data any) error
	// On registers a push handler and returns its removal func.
	On(event string, fn func(json.RawMessage)) (off func())
	// OnReconnect registers a handler run after the channel reconnects.
	OnReconnect(fn func()) (off func())
}

// Client creates bindings over one connection and hands out listener ids.
type Client struct {
	conn Conn

	mu      sync.Mutex
	counter int
}

func NewClient(conn Conn) *Client {
	return &Client{conn: conn}
}

func (c *Client) nextListenerID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counter > listenerWrap {
		c.counter = 0
	}
	c.counter++
	return c.counter
}

// Options overrides the defaults derived from the collection name.
type Options struct {
	PK     string
	SortBy string
}

// Binding is a Table of one collection bound to the server.
type Binding struct {
	*Table

	conn       Conn
	name       string
	listenerID int

	mu   sync.Mutex
	row  Record
	offs []func()
	stop []stopEvent
}

type stopEvent struct {
	event string
	data  any
}

// Bind creates a binding for collection name with a fresh listener id.
func (c *Client) Bind(name string, opts Options) *Binding {
	return &Binding{
		Table:      New(opts.PK, opts.SortBy),
		conn:       c.conn,
		name:       name,
		listenerID: c.nextListenerID(),
		row:        Record{},
	}
}

func (b *Binding) ListenerID() string { return strconv.Itoa(b.listenerID) }

func (b *Binding) event(suffix string) string { return b.name + ":" + suffix }

// Add inserts record remotely and upserts the stored result locally.
func (b *Binding) Add(ctx context.Context, r Record) (Record, error) {
	var out Record
	if err := b.conn.Request(ctx, b.event("add"), r, &out); err != nil {
		return nil, err
	}
	if out != nil {
		b.Upsert(out)
	}
	return out, nil
}

func (b *Binding) Update(ctx context.Context, r Record) error {
	if err := b.conn.Request(ctx, b.event("update"), r, nil); err != nil {
		return err
	}
	b.Upsert(r)
	return nil
}

func (b *Binding) Remove(ctx context.Context, r Record) error {
	id := r[b.pk]
	if err := b.conn.Request(ctx, b.event("delete"), id, nil); err != nil {
		return err
	}
	b.Table.Delete(id)
	return nil
}

// Save updates records that carry a primary key and adds the rest.
func (b *Binding) Save(ctx context.Context, r Record) (Record, error) {
	if id, ok := r[b.pk]; ok && id != nil && id != "" {
		return r, b.Update(ctx, r)
	}
	return b.Add(ctx, r)
}

func (b *Binding) FindByID(ctx context.Context, id string) (Record, error) {
	var out Record
	if err := b.conn.Request(ctx, b.event("findById"), id, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BindQuery is the start request of a collection listener.
type BindQuery struct {
	ListenerID string         `json:"listenerId"`
	Filter     map[string]any `json:"filter"`
	Limit      int            `json:"limit"`
	Offset     int            `json:"offset"`
}

// Watch subscribes the table to the collection window selected by filter.
// The request is re-issued after every reconnect.
func (b *Binding) Watch(ctx context.Context, filter map[string]any, limit int) error {
	if limit <= 0 {
		limit = defaultBindLimit
	}
	if filter == nil {
		filter = map[string]any{}
	}
	q := BindQuery{ListenerID: b.ListenerID(), Filter: filter, Limit: limit}
	start := b.event("changes:start")

	off := b.conn.On(b.event("changes:"+q.ListenerID), func(raw json.RawMessage) {
		var ch Change
		if err := json.Unmarshal(raw, &ch); err != nil {
			slog.Warn("bad change notification", "table", b.name, "err", err)
			return
		}
		b.ApplyChange(ch)
	})
	offReconnect := b.conn.OnReconnect(func() {
		ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
		defer cancel()
		if err := b.conn.Request(ctx, start, q, nil); err != nil {
			slog.Warn("failed to restart changes", "table", b.name, "err", err)
		}
	})
	b.track(stopEvent{b.event("changes:stop"), map[string]string{"listenerId": q.ListenerID}}, off, offReconnect)

	if err := b.conn.Request(ctx, start, q, nil); err != nil {
		return fmt.Errorf("start %s changes: %w", b.name, err)
	}
	return nil
}

// WatchRecord keeps Row in sync with one document: updates merge into it and
// a delete clears it.
func (b *Binding) WatchRecord(id string) error {
	start := b.event("record:changes:start")

	off := b.conn.On(b.event("record:changes:"+id), func(raw json.RawMessage) {
		var ch Change
		if err := json.Unmarshal(raw, &ch); err != nil {
			slog.Warn("bad record notification", "table", b.name, "err", err)
			return
		}
		b.mu.Lock()
		if ch.New == nil {
			b.row = Record{}
		} else {
			maps.Copy(b.row, ch.New)
		}
		b.mu.Unlock()
	})
	offReconnect := b.conn.OnReconnect(func() {
		if err := b.conn.Send(start, id); err != nil {
			slog.Warn("failed to restart record changes", "table", b.name, "err", err)
		}
	})
	b.track(stopEvent{b.event("record:changes:stop"), id}, off, offReconnect)

	return b.conn.Send(start, id)
}

func (b *Binding) track(stop stopEvent, offs ...func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stop = append(b.stop, stop)
	b.offs = append(b.offs, offs...)
}

// Row returns a copy of the record kept by WatchRecord.
func (b *Binding) Row() Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.row)
}

// Unbind stops every server listener of this binding and detaches its handlers.
func (b *Binding) Unbind() {
	b.mu.Lock()
	stops, offs := b.stop, b.offs
	b.stop, b.offs = nil, nil
	b.mu.Unlock()

	for _, s := range stops {
		if err := b.conn.Send(s.event, s.data); err != nil {
			slog.Debug("failed to send stop", "event", s.event, "err", err)
		}
	}
	for _, off := range offs {
		off()
	}
}
