// Package store persists game and score documents in SQLite and feeds
// committed changes to live cursors.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"dotracing/apperr"
	"dotracing/game"
)

const (
	CollectionGame  = "game"
	CollectionScore = "score"
)

// Store is a JSON document store over SQLite with conditional updates and
// an in-process change feed. All writes and change publication happen under
// mu, which keeps per-record commit order intact for every cursor.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	cursors map[string]map[*Cursor]bool
}

var _ game.Store = (*Store)(nil)

func NewSQLiteStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite has a single writer; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:      db,
		cursors: make(map[string]map[*Cursor]bool),
	}, nil
}

func (s *Store) GetGame(ctx context.Context, id string) (*game.Game, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, "SELECT doc FROM game WHERE id = ?", id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, game.ErrGameNotFound
	}
	if err != nil {
		return nil, apperr.Store("failed to get game", err)
	}

	var g game.Game
	if err := json.Unmarshal([]byte(doc), &g); err != nil {
		return nil, apperr.Store("failed to decode game", err)
	}
	return &g, nil
}

func (s *Store) InsertGame(ctx context.Context, g *game.Game) (string, error) {
	doc := *g
	doc.ID = uuid.NewString()
	if doc.Players == nil {
		doc.Players = []game.Player{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", apperr.Store("failed to encode game", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO game (id, doc, created_at) VALUES (?, ?, ?)",
		doc.ID, string(raw), doc.CreatedAt,
	); err != nil {
		return "", apperr.Store("failed to insert game", err)
	}

	s.publish(commit{collection: CollectionGame, id: doc.ID, new: raw})
	return doc.ID, nil
}

// UpdateGame applies patch to the current document inside one transaction.
// A patch returning false is reported as Unchanged and nothing is written,
// which is how guarded updates such as the capacity-checked append work.
func (s *Store) UpdateGame(ctx context.Context, id string, patch game.Patch) (game.UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return game.UpdateResult{}, apperr.Store("failed to begin transaction", err)
	}
	defer tx.Rollback()

	var doc string
	err = tx.QueryRowContext(ctx, "SELECT doc FROM game WHERE id = ?", id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return game.UpdateResult{}, game.ErrGameNotFound
	}
	if err != nil {
		return game.UpdateResult{}, apperr.Store("failed to read game", err)
	}

	var cur game.Game
	if err := json.Unmarshal([]byte(doc), &cur); err != nil {
		return game.UpdateResult{}, apperr.Store("failed to decode game", err)
	}

	if !patch(&cur) {
		return game.UpdateResult{Unchanged: 1, Game: &cur}, nil
	}
	cur.ID = id

	raw, err := json.Marshal(cur)
	if err != nil {
		return game.UpdateResult{}, apperr.Store("failed to encode game", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE game SET doc = ? WHERE id = ?", string(raw), id); err != nil {
		return game.UpdateResult{}, apperr.Store("failed to update game", err)
	}
	if err := tx.Commit(); err != nil {
		return game.UpdateResult{}, apperr.Store("failed to commit transaction", err)
	}

	s.publish(commit{collection: CollectionGame, id: id, old: json.RawMessage(doc), new: raw})
	return game.UpdateResult{Replaced: 1, Game: &cur}, nil
}

func (s *Store) InsertScore(ctx context.Context, sc *game.Score) (string, error) {
	doc := *sc
	doc.ID = uuid.NewString()
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", apperr.Store("failed to encode score", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO score (id, game_id, player_id, doc, finish) VALUES (?, ?, ?, ?, ?)",
		doc.ID, doc.Game.ID, doc.Player.ID, string(raw), doc.Finish,
	); err != nil {
		return "", apperr.Store("failed to insert score", err)
	}

	s.publish(commit{collection: CollectionScore, id: doc.ID, new: raw})
	return doc.ID, nil
}

// ListScores returns the scores recorded for a game, best finish first.
func (s *Store) ListScores(ctx context.Context, gameID string) ([]*game.Score, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT doc FROM score WHERE game_id = ? ORDER BY finish ASC, id ASC", gameID)
	if err != nil {
		return nil, apperr.Store("failed to list scores", err)
	}
	defer rows.Close()

	var scores []*game.Score
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, apperr.Store("failed to scan score", err)
		}
		var sc game.Score
		if err := json.Unmarshal([]byte(doc), &sc); err != nil {
			return nil, apperr.Store("failed to decode score", err)
		}
		scores = append(scores, &sc)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("failed to list scores", err)
	}
	return scores, nil
}

// Close closes every open cursor and then the database.
func (s *Store) Close() error {
	s.mu.Lock()
	var open []*Cursor
	for _, set := range s.cursors {
		for c := range set {
			open = append(open, c)
		}
	}
	s.mu.Unlock()

	for _, c := range open {
		c.Close()
	}
	return s.db.Close()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
