package store

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"time"
)

// DefaultLimit caps collection watches that do not name a limit; MaxLimit
// caps the ones that do.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// SortKey orders a collection watch by one top-level document field.
type SortKey struct {
	Field string
	Desc  bool
}

// Watch describes a change-feed query. A non-empty ID scopes the watch to a
// single record; otherwise Filter, Sort and Limit describe an ordered,
// capped window over the collection.
type Watch struct {
	Collection string
	ID         string
	Filter     map[string]any
	Limit      int
	Sort       SortKey
}

// DefaultSort is the order a collection is watched in when the caller does
// not choose one.
func DefaultSort(collection string) SortKey {
	if collection == CollectionScore {
		return SortKey{Field: "finish"}
	}
	return SortKey{Field: "createdAt", Desc: true}
}

func (w Watch) normalized() Watch {
	switch {
	case w.Limit <= 0:
		w.Limit = DefaultLimit
	case w.Limit > MaxLimit:
		w.Limit = MaxLimit
	}
	if w.Sort.Field == "" {
		w.Sort = DefaultSort(w.Collection)
	}
	return w
}

// matches reports whether doc has every filter field with an equal value.
func (w Watch) matches(doc map[string]any) bool {
	for k, want := range w.Filter {
		got, ok := doc[k]
		if !ok || !equalValues(got, want) {
			return false
		}
	}
	return true
}

type entry struct {
	id  string
	key any
	raw json.RawMessage
}

// less orders entries by the sort key, then by id so ties are stable.
func (w Watch) less(a, b entry) bool {
	c := compareValues(a.key, b.key)
	if c == 0 {
		return a.id < b.id
	}
	if w.Sort.Desc {
		return c > 0
	}
	return c < 0
}

func (w Watch) sortEntries(entries []entry) {
	sort.SliceStable(entries, func(i, j int) bool { return w.less(entries[i], entries[j]) })
}

func decodeDoc(raw json.RawMessage) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func equalValues(a, b any) bool {
	if isScalar(a) && isScalar(b) {
		return compareValues(a, b) == 0 && sameKind(a, b)
	}
	return reflect.DeepEqual(a, b)
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, bool, float64, string, json.Number, int, int64:
		return true
	}
	return false
}

func sameKind(a, b any) bool {
	return rank(a) == rank(b)
}

// rank orders values of different JSON kinds: null < bool < number < string.
func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64, json.Number, int, int64:
		return 2
	case string:
		return 3
	}
	return 4
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

// compareValues compares two decoded JSON values. Strings that both parse
// as RFC 3339 timestamps compare as instants.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case string:
		y := b.(string)
		if tx, err := time.Parse(time.RFC3339Nano, x); err == nil {
			if ty, err := time.Parse(time.RFC3339Nano, y); err == nil {
				return tx.Compare(ty)
			}
		}
		return strings.Compare(x, y)
	case nil:
		return 0
	}

	if ra == 2 {
		fx, fy := toFloat(a), toFloat(b)
		switch {
		case fx < fy:
			return -1
		case fx > fy:
			return 1
		}
	}
	return 0
}
