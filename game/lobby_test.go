package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dotracing/apperr"
)

// memStore serialises patches the way the document store does.
type memStore struct {
	mu       sync.Mutex
	games    map[string]*Game
	scores   []*Score
	nextID   int
	scoreErr error
}

func newMemStore() *memStore {
	return &memStore{games: make(map[string]*Game)}
}

func clone(g *Game) *Game {
	b, _ := json.Marshal(g)
	var out Game
	_ = json.Unmarshal(b, &out)
	return &out
}

func (m *memStore) GetGame(_ context.Context, id string) (*Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		return nil, ErrGameNotFound
	}
	return clone(g), nil
}

func (m *memStore) InsertGame(_ context.Context, g *Game) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("g%d", m.nextID)
	stored := clone(g)
	stored.ID = id
	m.games[id] = stored
	return id, nil
}

func (m *memStore) UpdateGame(_ context.Context, id string, patch Patch) (UpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		return UpdateResult{}, ErrGameNotFound
	}
	next := clone(g)
	if !patch(next) {
		return UpdateResult{Unchanged: 1, Game: clone(g)}, nil
	}
	m.games[id] = next
	return UpdateResult{Replaced: 1, Game: clone(next)}, nil
}

func (m *memStore) InsertScore(_ context.Context, s *Score) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scoreErr != nil {
		return "", m.scoreErr
	}
	m.scores = append(m.scores, s)
	return fmt.Sprintf("s%d", len(m.scores)), nil
}

func newGame(t *testing.T, l *Lobby) *Game {
	t.Helper()
	g, err := l.Create(context.Background(), GameInput{Name: "Night race", Description: "four laps"})
	require.NoError(t, err)
	return g
}

func profile(id string) Profile {
	return Profile{ID: id, UserID: id, Nickname: "nick-" + id}
}

func TestCreate_AllowListsAndDefaults(t *testing.T) {
	l := NewLobby(newMemStore())

	g, err := l.Create(context.Background(), GameInput{Name: "<b>Fast</b> lane ", Description: "hi"})
	require.NoError(t, err)

	assert.NotEmpty(t, g.ID)
	assert.Equal(t, "Fast lane", g.Name)
	assert.Equal(t, StatusNew, g.Status)
	assert.False(t, g.Started)
	assert.NotNil(t, g.Players)
	assert.Empty(t, g.Players)
	assert.False(t, g.CreatedAt.IsZero())
}

func TestJoin_CapacityScenario(t *testing.T) {
	ctx := context.Background()
	l := NewLobby(newMemStore())
	g := newGame(t, l)

	for _, id := range []string{"A", "B", "C", "D"} {
		res, err := l.Join(ctx, g.ID, profile(id))
		require.NoError(t, err, "join %s", id)
		assert.True(t, res.Added)
	}

	_, err := l.Join(ctx, g.ID, profile("E"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrCapacity)
	assert.Equal(t, "Game Already Full, Sorry!", err.Error())

	got, err := l.FindByID(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, got.Players, MaxPlayers)
}

func TestJoin_RejoinIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l := NewLobby(store)
	g := newGame(t, l)

	first, err := l.Join(ctx, g.ID, profile("A"))
	require.NoError(t, err)

	again, err := l.Join(ctx, g.ID, profile("A"))
	require.NoError(t, err)

	assert.False(t, again.Added)
	assert.False(t, again.AlreadyStarted)
	assert.Equal(t, first.Game.Players, again.Game.Players)
}

func TestJoin_RejoinStartedGameSignalsStarted(t *testing.T) {
	ctx := context.Background()
	l := NewLobby(newMemStore())
	g := newGame(t, l)

	_, err := l.Join(ctx, g.ID, profile("A"))
	require.NoError(t, err)
	require.NoError(t, l.MarkStarted(ctx, g.ID))

	res, err := l.Join(ctx, g.ID, profile("A"))
	require.NoError(t, err)
	assert.True(t, res.AlreadyStarted)
	assert.Equal(t, StatusRunning, res.Game.Status)
}

func TestJoin_ConcurrentJoinsNeverOverfill(t *testing.T) {
	ctx := context.Background()
	l := NewLobby(newMemStore())
	g := newGame(t, l)

	const joiners = 5
	errs := make([]error, joiners)
	var wg sync.WaitGroup
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Join(ctx, g.ID, profile(fmt.Sprintf("p%d", i)))
		}(i)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, apperr.ErrCapacity)
			failed++
		}
	}
	assert.Equal(t, 1, failed)

	got, err := l.FindByID(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, got.Players, MaxPlayers)
}

func TestJoin_MissingGame(t *testing.T) {
	l := NewLobby(newMemStore())

	_, err := l.Join(context.Background(), "nope", profile("A"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSetColor(t *testing.T) {
	ctx := context.Background()
	l := NewLobby(newMemStore())
	g := newGame(t, l)
	_, err := l.Join(ctx, g.ID, profile("A"))
	require.NoError(t, err)

	require.NoError(t, l.SetColor(ctx, ColorInfo{GameID: g.ID, PlayerID: "A", Color: "#FF0000"}))
	require.NoError(t, l.SetColor(ctx, ColorInfo{GameID: g.ID, PlayerID: "ghost", Color: "#FF0000"}))

	got, err := l.FindByID(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "#FF0000", got.Player("A").Color)
}

func TestRecordFinish_CreatesOneScore(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l := NewLobby(store)
	g := newGame(t, l)
	_, err := l.Join(ctx, g.ID, profile("A"))
	require.NoError(t, err)

	info := FinishInfo{GameID: g.ID, PlayerID: "A", Lap: 4, LapTime: 9.5, RaceTime: 31.25, Place: 1}
	recorded, err := l.RecordFinish(ctx, info)
	require.NoError(t, err)
	assert.True(t, recorded)

	info.Place = 2
	recorded, err = l.RecordFinish(ctx, info)
	require.NoError(t, err)
	assert.False(t, recorded)

	require.Len(t, store.scores, 1)
	assert.Equal(t, 1, store.scores[0].Place)
	assert.Equal(t, 31.25, store.scores[0].Finish)
	assert.Equal(t, "nick-A", store.scores[0].Player.Nickname)
	assert.Equal(t, "Night race", store.scores[0].Game.Name)

	got, err := l.FindByID(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Player("A").Place)
	assert.Equal(t, 4, got.Player("A").Lap)
}

func TestRecordFinish_ScoreFailureKeepsPlace(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l := NewLobby(store)
	g := newGame(t, l)
	_, err := l.Join(ctx, g.ID, profile("A"))
	require.NoError(t, err)

	store.scoreErr = errors.New("score table gone")
	recorded, err := l.RecordFinish(ctx, FinishInfo{GameID: g.ID, PlayerID: "A", RaceTime: 10, Place: 1})
	require.Error(t, err)
	assert.True(t, recorded)

	got, err := l.FindByID(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Player("A").Place)
	assert.Empty(t, store.scores)
}

func TestRecordLap(t *testing.T) {
	ctx := context.Background()
	l := NewLobby(newMemStore())
	g := newGame(t, l)
	_, err := l.Join(ctx, g.ID, profile("A"))
	require.NoError(t, err)

	require.NoError(t, l.RecordLap(ctx, LapInfo{GameID: g.ID, PlayerID: "A", Lap: 2, LapTime: 7.5}))

	got, err := l.FindByID(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Player("A").Lap)
	assert.Equal(t, 7.5, got.Player("A").LapTime)
}

func TestSanitizeProfile(t *testing.T) {
	p := sanitizeProfile(Profile{Nickname: "  <b>Ann</b> ", Picture: "javascript:alert(1)"})
	assert.Equal(t, "Ann", p.Nickname)
	assert.Empty(t, p.Picture)

	p = sanitizeProfile(Profile{Picture: " https://cdn.example.com/a.png "})
	assert.Equal(t, "https://cdn.example.com/a.png", p.Picture)

	p = sanitizeProfile(Profile{Picture: "/local/a.png"})
	assert.Empty(t, p.Picture)
}
