package game

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dotracing/apperr"
)

var (
	ErrGameFull     = apperr.Capacity("Game Already Full, Sorry!")
	ErrGameNotFound = apperr.NotFound("game not found")
	ErrNotLoggedIn  = apperr.Auth("Must be logged in to join game!", nil)
)

// Patch mutates a Game in place and reports whether it changed anything.
// Returning false leaves the stored document untouched (guard failed).
type Patch func(g *Game) bool

// UpdateResult mirrors the replaced/unchanged counters of the document store.
// Game is the document as committed (or as read when unchanged).
type UpdateResult struct {
	Replaced  int
	Unchanged int
	Game      *Game
}

// Store is the slice of the document store the lobby needs.
type Store interface {
	GetGame(ctx context.Context, id string) (*Game, error)
	InsertGame(ctx context.Context, g *Game) (string, error)
	UpdateGame(ctx context.Context, id string, patch Patch) (UpdateResult, error)
	InsertScore(ctx context.Context, s *Score) (string, error)
}

// Lobby implements the game level operations: create, join, and the
// player level writes issued by race hosts.
type Lobby struct {
	store Store
	now   func() time.Time
}

func NewLobby(store Store) *Lobby {
	return &Lobby{store: store, now: time.Now}
}

// JoinResult describes the outcome of a successful join.
type JoinResult struct {
	Game *Game
	// Added is true when this call appended the player; false on re-join.
	Added bool
	// AlreadyStarted is set when a returning player rejoins a running game.
	AlreadyStarted bool
	Player         Player
}

func (l *Lobby) Create(ctx context.Context, input GameInput) (*Game, error) {
	g := &Game{
		Name:        SanitizeString(input.Name),
		Description: SanitizeString(input.Description),
		CreatedAt:   l.now().UTC(),
		Status:      StatusNew,
		Players:     []Player{},
	}

	id, err := l.store.InsertGame(ctx, g)
	if err != nil {
		return nil, err
	}
	g.ID = id
	return g, nil
}

func (l *Lobby) FindByID(ctx context.Context, id string) (*Game, error) {
	if id == "" {
		return nil, ErrGameNotFound
	}
	return l.store.GetGame(ctx, id)
}

// Join adds profile to the game unless it is already there. The capacity
// check on the snapshot is only an early exit; the append itself is guarded
// again at commit time so concurrent joins cannot overfill the game.
func (l *Lobby) Join(ctx context.Context, gameID string, profile Profile) (*JoinResult, error) {
	g, err := l.FindByID(ctx, gameID)
	if err != nil {
		return nil, err
	}

	if p := g.Player(profile.ID); p != nil {
		return &JoinResult{Game: g, AlreadyStarted: g.Started, Player: *p}, nil
	}
	if len(g.Players) >= MaxPlayers {
		return nil, ErrGameFull
	}

	profile = sanitizeProfile(profile)
	player := Player{ID: profile.ID, Nickname: profile.Nickname, Picture: profile.Picture}

	rejoined := false
	res, err := l.store.UpdateGame(ctx, gameID, func(cur *Game) bool {
		if cur.HasPlayer(player.ID) {
			rejoined = true
			return false
		}
		if len(cur.Players) >= MaxPlayers {
			return false
		}
		cur.Players = append(cur.Players, player)
		return true
	})
	if err != nil {
		return nil, err
	}

	switch {
	case res.Replaced > 0:
		slog.Debug("player joined", "game", gameID, "player", player.ID, "players", len(res.Game.Players))
		return &JoinResult{Game: res.Game, Added: true, Player: player}, nil
	case rejoined:
		return &JoinResult{Game: res.Game, AlreadyStarted: res.Game.Started, Player: *res.Game.Player(player.ID)}, nil
	default:
		return nil, ErrGameFull
	}
}

// MarkStarted flags the game as running.
func (l *Lobby) MarkStarted(ctx context.Context, gameID string) error {
	_, err := l.store.UpdateGame(ctx, gameID, func(g *Game) bool {
		if g.Started && g.Status == StatusRunning {
			return false
		}
		g.Started = true
		g.Status = StatusRunning
		return true
	})
	return err
}

func (l *Lobby) SetColor(ctx context.Context, info ColorInfo) error {
	_, err := l.store.UpdateGame(ctx, info.GameID, func(g *Game) bool {
		p := g.Player(info.PlayerID)
		if p == nil || p.Color == info.Color {
			return false
		}
		p.Color = info.Color
		return true
	})
	return err
}

func (l *Lobby) RecordLap(ctx context.Context, info LapInfo) error {
	_, err := l.store.UpdateGame(ctx, info.GameID, func(g *Game) bool {
		p := g.Player(info.PlayerID)
		if p == nil {
			return false
		}
		p.Lap = info.Lap
		p.LapTime = info.LapTime
		return true
	})
	return err
}

// RecordFinish sets the player's place and times, then inserts the matching
// Score. Place is set once: a second finish for the same player is reported
// as not recorded and creates no Score. The Score insert is not part of the
// game update; if it fails the game keeps the place without a Score row.
func (l *Lobby) RecordFinish(ctx context.Context, info FinishInfo) (bool, error) {
	res, err := l.store.UpdateGame(ctx, info.GameID, func(g *Game) bool {
		p := g.Player(info.PlayerID)
		if p == nil || p.Place != 0 {
			return false
		}
		p.Place = info.Place
		p.LapTime = info.LapTime
		p.RaceTime = info.RaceTime
		if info.Lap > 0 {
			p.Lap = info.Lap
		}
		return true
	})
	if err != nil {
		return false, err
	}
	if res.Replaced == 0 {
		return false, nil
	}

	p := res.Game.Player(info.PlayerID)
	score := &Score{
		Game:   ScoreGame{ID: res.Game.ID, Name: res.Game.Name},
		Player: ScorePlayer{ID: p.ID, Nickname: p.Nickname, Picture: p.Picture},
		Finish: info.RaceTime,
		Place:  info.Place,
	}
	if _, err := l.store.InsertScore(ctx, score); err != nil {
		return true, fmt.Errorf("failed to insert score: %w", err)
	}
	return true, nil
}
