package race

import (
	"log/slog"
	"sync"

	"dotracing/game"
)

// Manager hosts at most one engine per game.
type Manager struct {
	relay Relay
	rec   Recorder
	cfg   Config

	mu      sync.Mutex
	engines map[string]*Engine
}

func NewManager(relay Relay, rec Recorder, cfg Config) *Manager {
	return &Manager{
		relay:   relay,
		rec:     rec,
		cfg:     cfg,
		engines: make(map[string]*Engine),
	}
}

// Open returns the game's engine, creating it in LOBBY if none is live.
// A stopped engine is replaced.
func (m *Manager) Open(g *game.Game) (*Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.engines[g.ID]; ok {
		if e.Phase() != PhaseStopped {
			return e, false
		}
		e.Destroy()
	}
	e := NewEngine(g, m.relay, m.rec, m.cfg)
	m.engines[g.ID] = e
	slog.Info("race opened", "game", g.ID, "players", len(g.Players))
	return e, true
}

func (m *Manager) Get(gameID string) *Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engines[gameID]
}

// Stop ends the game's race but keeps it registered until closed or
// reopened. It reports whether a live race was stopped.
func (m *Manager) Stop(gameID string) bool {
	e := m.Get(gameID)
	if e == nil || e.Phase() == PhaseStopped {
		return false
	}
	e.Stop()
	slog.Info("race stopped", "game", gameID)
	return true
}

// Close destroys the game's engine. It reports whether one was open.
func (m *Manager) Close(gameID string) bool {
	m.mu.Lock()
	e, ok := m.engines[gameID]
	delete(m.engines, gameID)
	m.mu.Unlock()

	if !ok {
		return false
	}
	e.Destroy()
	slog.Info("race closed", "game", gameID)
	return true
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	engines := m.engines
	m.engines = make(map[string]*Engine)
	m.mu.Unlock()

	for _, e := range engines {
		e.Destroy()
	}
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.engines)
}
