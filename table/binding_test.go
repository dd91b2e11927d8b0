package table

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	event string
	data  any
}

// fakeConn acknowledges requests from a reply table and lets tests push events.
type fakeConn struct {
	mu         sync.Mutex
	requests   []sent
	sends      []sent
	replies    map[string]any
	fail       map[string]error
	hang       map[string]bool
	handlers   map[string]map[int]func(json.RawMessage)
	reconnects map[int]func()
	next       int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		replies:    map[string]any{},
		fail:       map[string]error{},
		hang:       map[string]bool{},
		handlers:   map[string]map[int]func(json.RawMessage){},
		reconnects: map[int]func(){},
	}
}

func (c *fakeConn) Request(ctx context.Context, event string, data any, reply any) error {
	c.mu.Lock()
	c.requests = append(c.requests, sent{event, data})
	err, out, hang := c.fail[event], c.replies[event], c.hang[event]
	c.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	if reply != nil && out != nil {
		raw, _ := json.Marshal(out)
		return json.Unmarshal(raw, reply)
	}
	return nil
}

func (c *fakeConn) Send(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = append(c.sends, sent{event, data})
	return nil
}

func (c *fakeConn) On(event string, fn func(json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := c.next
	if c.handlers[event] == nil {
		c.handlers[event] = map[int]func(json.RawMessage){}
	}
	c.handlers[event][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

func (c *fakeConn) OnReconnect(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := c.next
	c.reconnects[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.reconnects, id)
	}
}

func (c *fakeConn) push(t *testing.T, event string, payload string) {
	t.Helper()
	c.mu.Lock()
	var fns []func(json.RawMessage)
	for _, fn := range c.handlers[event] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(json.RawMessage(payload))
	}
}

func (c *fakeConn) reconnect() {
	c.mu.Lock()
	var fns []func()
	for _, fn := range c.reconnects {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *fakeConn) handlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.reconnects)
	for _, hs := range c.handlers {
		n += len(hs)
	}
	return n
}

func TestClient_ListenerIDsWrap(t *testing.T) {
	c := NewClient(newFakeConn())
	c.counter = listenerWrap

	assert.Equal(t, "10001", c.Bind("game", Options{}).ListenerID())
	assert.Equal(t, "1", c.Bind("game", Options{}).ListenerID())
	assert.Equal(t, "2", c.Bind("game", Options{}).ListenerID())
}

func TestBinding_WatchAppliesChanges(t *testing.T) {
	conn := newFakeConn()
	b := NewClient(conn).Bind("score", Options{SortBy: "finish"})

	require.NoError(t, b.Watch(context.Background(), map[string]any{"game.id": "g1"}, 0))

	require.Len(t, conn.requests, 1)
	assert.Equal(t, "score:changes:start", conn.requests[0].event)
	q := conn.requests[0].data.(BindQuery)
	assert.Equal(t, "1", q.ListenerID)
	assert.Equal(t, 10, q.Limit)

	conn.push(t, "score:changes:1", `{"old":null,"new":{"id":"s1","finish":30}}`)
	conn.push(t, "score:changes:1", `{"old":null,"new":{"id":"s2","finish":20}}`)
	assert.Equal(t, []any{"s2", "s1"}, ids(b.Rows()))

	conn.push(t, "score:changes:1", `{"old":{"id":"s2"},"new":null}`)
	assert.Equal(t, []any{"s1"}, ids(b.Rows()))

	conn.push(t, "score:changes:1", `not json`)
	assert.Equal(t, 1, b.Len())
}

func TestBinding_ReconnectReissuesStart(t *testing.T) {
	conn := newFakeConn()
	b := NewClient(conn).Bind("game", Options{})
	require.NoError(t, b.Watch(context.Background(), nil, 5))
	require.NoError(t, b.WatchRecord("g1"))

	conn.reconnect()

	var starts int
	for _, r := range conn.requests {
		if r.event == "game:changes:start" {
			starts++
		}
	}
	assert.Equal(t, 2, starts)
	assert.Len(t, conn.sends, 2)
	assert.Equal(t, "game:record:changes:start", conn.sends[1].event)
}

func TestBinding_WatchRecordMergesAndClears(t *testing.T) {
	conn := newFakeConn()
	b := NewClient(conn).Bind("game", Options{})
	require.NoError(t, b.WatchRecord("g1"))

	conn.push(t, "game:record:changes:g1", `{"old":null,"new":{"id":"g1","name":"Sprint","started":false}}`)
	conn.push(t, "game:record:changes:g1", `{"old":{"id":"g1"},"new":{"id":"g1","started":true}}`)

	row := b.Row()
	assert.Equal(t, "Sprint", row["name"])
	assert.Equal(t, true, row["started"])

	conn.push(t, "game:record:changes:g1", `{"old":{"id":"g1"},"new":null}`)
	assert.Empty(t, b.Row())
}

func TestBinding_UnbindDetachesEverything(t *testing.T) {
	conn := newFakeConn()
	b := NewClient(conn).Bind("game", Options{})
	require.NoError(t, b.Watch(context.Background(), nil, 0))
	require.NoError(t, b.WatchRecord("g1"))
	assert.Equal(t, 4, conn.handlerCount())

	b.Unbind()
	b.Unbind()

	assert.Zero(t, conn.handlerCount())
	var stops []string
	for _, s := range conn.sends {
		stops = append(stops, s.event)
	}
	assert.Contains(t, stops, "game:changes:stop")
	assert.Contains(t, stops, "game:record:changes:stop")

	conn.push(t, "game:changes:1", `{"new":{"id":"x"}}`)
	assert.Zero(t, b.Len())
}

func TestBinding_MutationsApplyOnAck(t *testing.T) {
	conn := newFakeConn()
	conn.replies["game:add"] = map[string]any{"id": "g1", "name": "Sprint"}
	b := NewClient(conn).Bind("game", Options{})

	out, err := b.Save(context.Background(), Record{"name": "Sprint"})
	require.NoError(t, err)
	assert.Equal(t, "g1", out["id"])
	assert.Equal(t, []any{"g1"}, ids(b.Rows()))

	_, err = b.Save(context.Background(), Record{"id": "g1", "name": "Renamed"})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", b.Rows()[0]["name"])
	assert.Equal(t, "game:update", conn.requests[1].event)

	require.NoError(t, b.Remove(context.Background(), Record{"id": "g1"}))
	assert.Zero(t, b.Len())
}

func TestBinding_FailedMutationLeavesCache(t *testing.T) {
	conn := newFakeConn()
	conn.fail["game:update"] = errors.New("nope")
	b := NewClient(conn).Bind("game", Options{})
	b.Upsert(Record{"id": "g1", "name": "Sprint"})

	err := b.Update(context.Background(), Record{"id": "g1", "name": "Renamed"})
	require.Error(t, err)
	assert.Equal(t, "Sprint", b.Rows()[0]["name"])
}

func TestBinding_RestartAfterReconnectGivesUp(t *testing.T) {
	prev := restartTimeout
	restartTimeout = 20 * time.Millisecond
	t.Cleanup(func() { restartTimeout = prev })

	conn := newFakeConn()
	b := NewClient(conn).Bind("game", Options{})
	require.NoError(t, b.Watch(context.Background(), nil, 0))

	conn.mu.Lock()
	conn.hang["game:changes:start"] = true
	conn.mu.Unlock()

	done := make(chan struct{})
	go func() {
		conn.reconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconnect handler still waiting for an ack")
	}
}
