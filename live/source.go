package live

import (
	"context"

	"dotracing/store"
)

// Cursor is an open change feed.
type Cursor interface {
	Changes() <-chan store.Change
	Errors() <-chan error
	Close() error
}

// Source opens change feeds.
type Source interface {
	Watch(ctx context.Context, w store.Watch) (Cursor, error)
}

type storeSource struct {
	s *store.Store
}

// FromStore adapts the sqlite store to a Source.
func FromStore(s *store.Store) Source {
	return storeSource{s: s}
}

func (src storeSource) Watch(ctx context.Context, w store.Watch) (Cursor, error) {
	c, err := src.s.Watch(ctx, w)
	if err != nil {
		return nil, err
	}
	return c, nil
}
