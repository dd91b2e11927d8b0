// Package table keeps a client-side ordered copy of a watched collection,
// fed by optimistic writes and by the server's change notifications.
package table

import (
	"reflect"
	"sync"
	"time"
)

// Record is one document as the client sees it.
type Record map[string]any

// Change is a pushed before/after pair. New == nil means delete.
type Change struct {
	Old Record `json:"old"`
	New Record `json:"new"`
}

// Table is an ordered cache keyed by a primary key field.
type Table struct {
	pk     string
	sortBy string

	mu   sync.RWMutex
	rows []Record
}

// New returns an empty table. Empty pk and sortBy default to "id" and "createdAt".
func New(pk, sortBy string) *Table {
	if pk == "" {
		pk = "id"
	}
	if sortBy == "" {
		sortBy = "createdAt"
	}
	return &Table{pk: pk, sortBy: sortBy}
}

// Upsert replaces a present record in place, without re-deriving its
// position. A new record goes before the first row whose sort key is >= its
// own, or at the end.
func (t *Table) Upsert(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.upsert(r)
}

func (t *Table) upsert(r Record) {
	id := r[t.pk]
	for i, row := range t.rows {
		if sameKey(row[t.pk], id) {
			t.rows[i] = r
			return
		}
	}

	for i, row := range t.rows {
		if greaterOrEqual(row[t.sortBy], r[t.sortBy]) {
			t.rows = append(t.rows, nil)
			copy(t.rows[i+1:], t.rows[i:])
			t.rows[i] = r
			return
		}
	}
	t.rows = append(t.rows, r)
}

// Delete removes every row with the given id.
func (t *Table) Delete(id any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delete(id)
}

func (t *Table) delete(id any) {
	kept := t.rows[:0]
	for _, row := range t.rows {
		if !sameKey(row[t.pk], id) {
			kept = append(kept, row)
		}
	}
	clear(t.rows[len(kept):])
	t.rows = kept
}

func (t *Table) ApplyChange(ch Change) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch.New == nil {
		if ch.Old != nil {
			t.delete(ch.Old[t.pk])
		}
		return
	}
	t.upsert(ch.New)
}

// Rows returns a copy of the current ordering.
func (t *Table) Rows() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Record(nil), t.rows...)
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

func sameKey(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// greaterOrEqual compares sort keys of the same JSON type; RFC 3339 strings
// compare as instants. Missing or mixed keys never compare, so such records
// append.
func greaterOrEqual(a, b any) bool {
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		return ok && x >= y
	case string:
		y, ok := b.(string)
		if !ok {
			return false
		}
		if tx, err := time.Parse(time.RFC3339Nano, x); err == nil {
			if ty, err := time.Parse(time.RFC3339Nano, y); err == nil {
				return !tx.Before(ty)
			}
		}
		return x >= y
	case bool:
		y, ok := b.(bool)
		return ok && (x == y || x)
	}
	return false
}
