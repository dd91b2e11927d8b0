package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"dotracing/apperr"
)

const cursorBuffer = 256

// ErrCursorOverflow is reported on a cursor's error stream when a change had
// to be dropped because the consumer fell behind.
var ErrCursorOverflow = errors.New("cursor buffer full, change dropped")

// Change is a before/after pair. New == nil means the document left the
// watched set (deleted, no longer matching, or evicted from the window).
type Change struct {
	Old json.RawMessage `json:"old"`
	New json.RawMessage `json:"new"`
}

type commit struct {
	collection string
	id         string
	old        json.RawMessage
	new        json.RawMessage
}

// Cursor is an open change feed. Changes is closed after Close; Close is
// idempotent.
type Cursor struct {
	store *Store
	watch Watch

	changes chan Change
	errs    chan error

	// window holds the ordered members of a collection watch. Guarded by store.mu.
	window []entry

	once   sync.Once
	closed chan struct{}
}

func (c *Cursor) Changes() <-chan Change { return c.changes }

// Errors carries non-fatal stream failures. Delivery continues after each.
func (c *Cursor) Errors() <-chan error { return c.errs }

func (c *Cursor) Close() error {
	c.once.Do(func() {
		s := c.store
		s.mu.Lock()
		if set, ok := s.cursors[c.watch.Collection]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(s.cursors, c.watch.Collection)
			}
		}
		close(c.changes)
		s.mu.Unlock()
		close(c.closed)
	})
	return nil
}

// Watch opens a cursor over a collection window or a single record. The
// initial state is delivered first as (nil, doc) pairs. The cursor is closed
// when ctx is done.
func (s *Store) Watch(ctx context.Context, w Watch) (*Cursor, error) {
	table, err := tableFor(w.Collection)
	if err != nil {
		return nil, err
	}
	buffer := cursorBuffer
	if w.ID == "" {
		w = w.normalized()
		buffer += w.Limit
	}

	c := &Cursor{
		store:   s,
		watch:   w,
		changes: make(chan Change, buffer),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}

	s.mu.Lock()
	if w.ID != "" {
		err = s.loadRecord(ctx, table, c)
	} else {
		err = s.loadWindow(ctx, table, c)
	}
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.cursors[w.Collection] == nil {
		s.cursors[w.Collection] = make(map[*Cursor]bool)
	}
	s.cursors[w.Collection][c] = true
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closed:
		}
	}()
	return c, nil
}

func tableFor(collection string) (string, error) {
	switch collection {
	case CollectionGame, CollectionScore:
		return collection, nil
	}
	return "", apperr.Validation(fmt.Sprintf("unknown collection %q", collection))
}

func (s *Store) loadRecord(ctx context.Context, table string, c *Cursor) error {
	var doc string
	err := s.db.QueryRowContext(ctx, "SELECT doc FROM "+table+" WHERE id = ?", c.watch.ID).Scan(&doc)
	if err == nil {
		c.changes <- Change{New: json.RawMessage(doc)}
		return nil
	}
	if isNoRows(err) {
		return nil
	}
	return apperr.Store("failed to load record", err)
}

func (s *Store) loadWindow(ctx context.Context, table string, c *Cursor) error {
	rows, err := s.db.QueryContext(ctx, "SELECT id, doc FROM "+table)
	if err != nil {
		return apperr.Store("failed to load window", err)
	}
	defer rows.Close()

	var entries []entry
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return apperr.Store("failed to scan window", err)
		}
		raw := json.RawMessage(doc)
		fields, err := decodeDoc(raw)
		if err != nil {
			return apperr.Store("failed to decode document", err)
		}
		if !c.watch.matches(fields) {
			continue
		}
		entries = append(entries, entry{id: id, key: fields[c.watch.Sort.Field], raw: raw})
	}
	if err := rows.Err(); err != nil {
		return apperr.Store("failed to load window", err)
	}

	c.watch.sortEntries(entries)
	if len(entries) > c.watch.Limit {
		entries = entries[:c.watch.Limit]
	}
	c.window = entries
	for _, e := range entries {
		c.changes <- Change{New: e.raw}
	}
	return nil
}

// publish fans a commit out to the cursors of its collection. Caller holds s.mu.
func (s *Store) publish(cm commit) {
	for c := range s.cursors[cm.collection] {
		for _, ch := range c.apply(cm) {
			c.deliver(ch)
		}
	}
}

func (c *Cursor) deliver(ch Change) {
	select {
	case c.changes <- ch:
	default:
		select {
		case c.errs <- ErrCursorOverflow:
		default:
		}
	}
}

// apply turns a commit into the changes this cursor should see.
func (c *Cursor) apply(cm commit) []Change {
	w := c.watch
	if w.ID != "" {
		if cm.id != w.ID {
			return nil
		}
		return []Change{{Old: cm.old, New: cm.new}}
	}

	var e entry
	matches := false
	if cm.new != nil {
		fields, err := decodeDoc(cm.new)
		if err != nil {
			select {
			case c.errs <- fmt.Errorf("decode %s/%s: %w", cm.collection, cm.id, err):
			default:
			}
			return nil
		}
		matches = w.matches(fields)
		e = entry{id: cm.id, key: fields[w.Sort.Field], raw: cm.new}
	}

	if i := c.indexOf(cm.id); i >= 0 {
		prev := c.window[i]
		c.window = append(c.window[:i], c.window[i+1:]...)
		if !matches {
			return []Change{{Old: prev.raw}}
		}
		c.insert(e)
		return []Change{{Old: prev.raw, New: e.raw}}
	}

	if !matches {
		return nil
	}
	pos := c.insert(e)
	if len(c.window) <= w.Limit {
		return []Change{{New: e.raw}}
	}
	if pos >= w.Limit {
		c.window = c.window[:w.Limit]
		return nil
	}
	evicted := c.window[w.Limit]
	c.window = c.window[:w.Limit]
	return []Change{{New: e.raw}, {Old: evicted.raw}}
}

func (c *Cursor) indexOf(id string) int {
	for i, e := range c.window {
		if e.id == id {
			return i
		}
	}
	return -1
}

func (c *Cursor) insert(e entry) int {
	pos := len(c.window)
	for i, cur := range c.window {
		if c.watch.less(e, cur) {
			pos = i
			break
		}
	}
	c.window = append(c.window, entry{})
	copy(c.window[pos+1:], c.window[pos:])
	c.window[pos] = e
	return pos
}
