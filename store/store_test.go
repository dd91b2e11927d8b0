package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dotracing/apperr"
	"dotracing/game"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertGame(t *testing.T, s *Store, name, status string, createdAt time.Time) string {
	t.Helper()
	id, err := s.InsertGame(context.Background(), &game.Game{
		Name:      name,
		Status:    status,
		CreatedAt: createdAt,
	})
	require.NoError(t, err)
	return id
}

func next(t *testing.T, c *Cursor) Change {
	t.Helper()
	select {
	case ch, ok := <-c.Changes():
		require.True(t, ok, "cursor closed")
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}
	return Change{}
}

func noChange(t *testing.T, c *Cursor) {
	t.Helper()
	select {
	case ch := <-c.Changes():
		t.Fatalf("unexpected change %s -> %s", ch.Old, ch.New)
	case <-time.After(50 * time.Millisecond):
	}
}

func nameOf(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var g game.Game
	require.NoError(t, json.Unmarshal(raw, &g))
	return g.Name
}

func TestGetGame_NotFound(t *testing.T) {
	s := openStore(t)

	_, err := s.GetGame(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestInsertAndGetGame(t *testing.T) {
	s := openStore(t)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	id := insertGame(t, s, "first", game.StatusNew, created)
	g, err := s.GetGame(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, id, g.ID)
	assert.Equal(t, "first", g.Name)
	assert.True(t, created.Equal(g.CreatedAt))
	assert.NotNil(t, g.Players)
}

func TestUpdateGame_GuardFailureIsUnchanged(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	id := insertGame(t, s, "g", game.StatusNew, time.Now())

	res, err := s.UpdateGame(ctx, id, func(g *game.Game) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 0, res.Replaced)
	assert.Equal(t, 1, res.Unchanged)

	res, err = s.UpdateGame(ctx, id, func(g *game.Game) bool {
		g.Started = true
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replaced)
	assert.True(t, res.Game.Started)

	_, err = s.UpdateGame(ctx, "missing", func(g *game.Game) bool { return true })
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestConcurrentJoins_OnlyFourFit(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	lobby := game.NewLobby(s)
	g, err := lobby.Create(ctx, game.GameInput{Name: "race"})
	require.NoError(t, err)

	const joiners = 5
	errs := make([]error, joiners)
	var wg sync.WaitGroup
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", i)
			_, errs[i] = lobby.Join(ctx, g.ID, game.Profile{ID: id, UserID: id, Nickname: id})
		}(i)
	}
	wg.Wait()

	full := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, apperr.ErrCapacity)
			full++
		}
	}
	assert.Equal(t, 1, full)

	stored, err := s.GetGame(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Players, game.MaxPlayers)
}

func TestWatch_CollectionWindow(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	insertGame(t, s, "old", game.StatusNew, base)
	insertGame(t, s, "mid", game.StatusNew, base.Add(time.Minute))
	insertGame(t, s, "running", game.StatusRunning, base.Add(2*time.Minute))

	c, err := s.Watch(ctx, Watch{
		Collection: CollectionGame,
		Filter:     map[string]any{"status": "new"},
		Limit:      2,
	})
	require.NoError(t, err)
	defer c.Close()

	// initial window, newest first
	assert.Equal(t, "mid", nameOf(t, next(t, c).New))
	assert.Equal(t, "old", nameOf(t, next(t, c).New))

	// a newer game enters and evicts the oldest member
	insertGame(t, s, "newest", game.StatusNew, base.Add(3*time.Minute))
	ch := next(t, c)
	assert.Nil(t, ch.Old)
	assert.Equal(t, "newest", nameOf(t, ch.New))
	ch = next(t, c)
	assert.Equal(t, "old", nameOf(t, ch.Old))
	assert.Nil(t, ch.New)

	// an older game than the whole full window is not delivered
	insertGame(t, s, "ancient", game.StatusNew, base.Add(-time.Hour))
	noChange(t, c)

	// non matching inserts are not delivered
	insertGame(t, s, "other", game.StatusRunning, base.Add(4*time.Minute))
	noChange(t, c)
}

func TestWatch_UpdateLeavingFilterIsDelete(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	id := insertGame(t, s, "g", game.StatusNew, time.Now())

	c, err := s.Watch(ctx, Watch{Collection: CollectionGame, Filter: map[string]any{"status": "new"}})
	require.NoError(t, err)
	defer c.Close()
	next(t, c)

	_, err = s.UpdateGame(ctx, id, func(g *game.Game) bool {
		g.Name = "renamed"
		return true
	})
	require.NoError(t, err)
	ch := next(t, c)
	assert.Equal(t, "g", nameOf(t, ch.Old))
	assert.Equal(t, "renamed", nameOf(t, ch.New))

	require.NoError(t, game.NewLobby(s).MarkStarted(ctx, id))
	ch = next(t, c)
	assert.Equal(t, "renamed", nameOf(t, ch.Old))
	assert.Nil(t, ch.New)
}

func TestWatch_Record(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	id := insertGame(t, s, "g", game.StatusNew, time.Now())
	other := insertGame(t, s, "other", game.StatusNew, time.Now())

	c, err := s.Watch(ctx, Watch{Collection: CollectionGame, ID: id})
	require.NoError(t, err)
	defer c.Close()

	initial := next(t, c)
	assert.Nil(t, initial.Old)
	assert.Equal(t, "g", nameOf(t, initial.New))

	_, err = s.UpdateGame(ctx, other, func(g *game.Game) bool {
		g.Name = "x"
		return true
	})
	require.NoError(t, err)
	_, err = s.UpdateGame(ctx, id, func(g *game.Game) bool {
		g.Name = "y"
		return true
	})
	require.NoError(t, err)

	ch := next(t, c)
	assert.Equal(t, "g", nameOf(t, ch.Old))
	assert.Equal(t, "y", nameOf(t, ch.New))
}

func TestWatch_ScoresSortedByFinish(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	for _, finish := range []float64{30, 10, 20} {
		_, err := s.InsertScore(ctx, &game.Score{Game: game.ScoreGame{ID: "g"}, Finish: finish, Place: 1})
		require.NoError(t, err)
	}

	c, err := s.Watch(ctx, Watch{Collection: CollectionScore, Limit: 10})
	require.NoError(t, err)
	defer c.Close()

	var finishes []float64
	for i := 0; i < 3; i++ {
		var sc game.Score
		require.NoError(t, json.Unmarshal(next(t, c).New, &sc))
		finishes = append(finishes, sc.Finish)
	}
	assert.Equal(t, []float64{10, 20, 30}, finishes)

	scores, err := s.ListScores(ctx, "g")
	require.NoError(t, err)
	assert.Len(t, scores, 3)
}

func TestCursor_CloseIsIdempotent(t *testing.T) {
	s := openStore(t)

	c, err := s.Watch(context.Background(), Watch{Collection: CollectionGame})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, ok := <-c.Changes()
	assert.False(t, ok)

	// commits after close must not panic on the closed channel
	insertGame(t, s, "after", game.StatusNew, time.Now())
}

func TestCursor_ClosedWithContext(t *testing.T) {
	s := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	c, err := s.Watch(ctx, Watch{Collection: CollectionGame})
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-c.Changes():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("cursor not closed after context cancel")
	}
}

func TestWatch_UnknownCollection(t *testing.T) {
	s := openStore(t)

	_, err := s.Watch(context.Background(), Watch{Collection: "players"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestWatch_LimitIsCapped(t *testing.T) {
	s := openStore(t)

	for _, limit := range []int{math.MaxInt, 1_000_000_000, MaxLimit + 1} {
		var c *Cursor
		require.NotPanics(t, func() {
			var err error
			c, err = s.Watch(context.Background(), Watch{Collection: CollectionGame, Limit: limit})
			require.NoError(t, err)
		})
		assert.Equal(t, MaxLimit, c.watch.Limit)
		assert.Equal(t, cursorBuffer+MaxLimit, cap(c.changes))
		require.NoError(t, c.Close())
	}

	c, err := s.Watch(context.Background(), Watch{Collection: CollectionGame, ID: "g1", Limit: math.MaxInt})
	require.NoError(t, err)
	assert.Equal(t, cursorBuffer, cap(c.changes))
	require.NoError(t, c.Close())
}
