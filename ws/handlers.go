package ws

import (
	"context"
	"encoding/json"

	"dotracing/apperr"
	"dotracing/auth"
	"dotracing/game"
	"dotracing/race"
	"dotracing/store"
)

func (m *Manager) routes() map[string]handler {
	return map[string]handler{
		"authenticate":   m.authenticate,
		"unauthenticate": m.unauthenticate,

		"game:add":      m.addGame,
		"game:findById": m.findGame,
		"game:join":     m.joinGame,
		"game:started":  m.gameStarted,
		"game:stopped":  m.gameStopped,
		"player:ready":  m.playerReady,
		"join:room":     m.joinRoom,
		"leave:game":    m.leaveGame,

		"player:color": m.playerColor,
		"lap":          m.lap,
		"finish":       m.finish,
		"force":        m.force,
		"grow":         m.grow,

		"game:changes:start":        m.startCollection(store.CollectionGame),
		"game:changes:stop":         m.stopCollection(store.CollectionGame),
		"score:changes:start":       m.startCollection(store.CollectionScore),
		"score:changes:stop":        m.stopCollection(store.CollectionScore),
		"game:record:changes:start": m.startRecord,
		"game:record:changes:stop":  m.stopRecord,

		"race:open":  m.openRace,
		"race:start": m.startRace,
		"race:close": m.closeRace,
	}
}

func (m *Manager) authenticate(_ context.Context, c *Client, data json.RawMessage) (any, error) {
	var creds auth.Credentials
	if err := decode(data, &creds); err != nil {
		return nil, err
	}
	claim, err := c.session.Authenticate(m.verifier, creds)
	if err != nil {
		return nil, err
	}
	return claim.Raw, nil
}

func (m *Manager) unauthenticate(_ context.Context, c *Client, _ json.RawMessage) (any, error) {
	c.session.Unauthenticate()
	return nil, nil
}

func (m *Manager) addGame(ctx context.Context, _ *Client, data json.RawMessage) (any, error) {
	var input game.GameInput
	if err := decode(data, &input); err != nil {
		return nil, err
	}
	return m.lobby.Create(ctx, input)
}

func (m *Manager) findGame(ctx context.Context, _ *Client, data json.RawMessage) (any, error) {
	id, err := decodeID(data)
	if err != nil {
		return nil, err
	}
	return m.lobby.FindByID(ctx, id)
}

func (m *Manager) joinGame(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	if !c.session.IsAuthenticated(m.opts.Now()) {
		return nil, game.ErrNotLoggedIn
	}
	id, err := decodeID(data)
	if err != nil {
		return nil, err
	}

	res, err := m.lobby.Join(ctx, id, *c.session.Profile)
	if err != nil {
		return nil, err
	}
	c.session.CurrentGameID = id
	if res.Added {
		m.hub.BroadcastFrom(id, c, "player:add", res.Player)
	}
	if res.AlreadyStarted {
		c.Emit("game:started", id)
	}
	return res.Game, nil
}

func (m *Manager) gameStarted(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	id, err := decodeID(data)
	if err != nil {
		return nil, err
	}
	if err := m.lobby.MarkStarted(ctx, id); err != nil {
		return nil, err
	}
	m.hub.BroadcastFrom(id, c, "game:started", id)
	return id, nil
}

// gameStopped takes the caller out of the room and tells the rest of it. A
// race hosted for the game is stopped, and its own game:stopped is the notice.
func (m *Manager) gameStopped(_ context.Context, c *Client, data json.RawMessage) (any, error) {
	id, err := decodeID(data)
	if err != nil {
		return nil, err
	}
	m.hub.Leave(id, c)
	if !m.races.Stop(id) {
		m.hub.Broadcast(id, "game:stopped", id)
	}
	return id, nil
}

// playerReady remembers the game and joins its room when the caller is one
// of its players.
func (m *Manager) playerReady(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	id, err := decodeID(data)
	if err != nil {
		return nil, err
	}
	g, err := m.lobby.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.session.Profile == nil || !g.HasPlayer(c.session.ProfileID()) {
		return nil, nil
	}
	c.session.CurrentGameID = id
	m.hub.Join(id, c)
	return id, nil
}

func (m *Manager) joinRoom(_ context.Context, c *Client, data json.RawMessage) (any, error) {
	id, err := decodeID(data)
	if err != nil {
		return nil, err
	}
	m.hub.Join(id, c)
	return id, nil
}

func (m *Manager) leaveGame(_ context.Context, c *Client, data json.RawMessage) (any, error) {
	id, err := decodeID(data)
	if err != nil {
		return nil, err
	}
	m.hub.Leave(id, c)
	return id, nil
}

func (m *Manager) playerColor(ctx context.Context, _ *Client, data json.RawMessage) (any, error) {
	var info game.ColorInfo
	if err := decode(data, &info); err != nil {
		return nil, err
	}
	if err := m.lobby.SetColor(ctx, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (m *Manager) lap(ctx context.Context, _ *Client, data json.RawMessage) (any, error) {
	var info game.LapInfo
	if err := decode(data, &info); err != nil {
		return nil, err
	}
	if err := m.lobby.RecordLap(ctx, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (m *Manager) finish(ctx context.Context, _ *Client, data json.RawMessage) (any, error) {
	var info game.FinishInfo
	if err := decode(data, &info); err != nil {
		return nil, err
	}
	if _, err := m.lobby.RecordFinish(ctx, info); err != nil {
		return nil, err
	}
	return info, nil
}

// force relays a tilt sample, stamped with the sender's id, to the whole
// room of the sender's current game. Samples over the rate are dropped.
func (m *Manager) force(_ context.Context, c *Client, data json.RawMessage) (any, error) {
	if c.session.Profile == nil || c.session.CurrentGameID == "" {
		return nil, nil
	}
	if !c.force.Allow() {
		return nil, nil
	}
	var f race.Force
	if err := decode(data, &f); err != nil {
		return nil, err
	}
	f.PlayerID = c.session.ProfileID()
	m.hub.Broadcast(c.session.CurrentGameID, "force", f)
	return nil, nil
}

func (m *Manager) grow(_ context.Context, c *Client, _ json.RawMessage) (any, error) {
	if c.session.Profile == nil || c.session.CurrentGameID == "" {
		return nil, nil
	}
	m.hub.Broadcast(c.session.CurrentGameID, "grow", c.session.ProfileID())
	return nil, nil
}

// changesRequest is the start payload of a collection listener.
type changesRequest struct {
	ListenerID string         `json:"listenerId"`
	Filter     map[string]any `json:"filter"`
	Limit      int            `json:"limit"`
}

func (m *Manager) startCollection(collection string) handler {
	return func(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
		var req changesRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		if _, err := c.subs.WatchCollection(ctx, collection, req.ListenerID, req.Filter, req.Limit); err != nil {
			return nil, err
		}
		return req, nil
	}
}

func (m *Manager) stopCollection(collection string) handler {
	return func(_ context.Context, c *Client, data json.RawMessage) (any, error) {
		var req changesRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		c.subs.StopCollection(collection, req.ListenerID)
		return nil, nil
	}
}

func (m *Manager) startRecord(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	id, err := decodeID(data)
	if err != nil {
		return nil, err
	}
	if _, err := c.subs.WatchRecord(ctx, store.CollectionGame, id); err != nil {
		return nil, err
	}
	return id, nil
}

func (m *Manager) stopRecord(_ context.Context, c *Client, data json.RawMessage) (any, error) {
	id, err := decodeID(data)
	if err != nil {
		return nil, err
	}
	c.subs.StopRecord(store.CollectionGame, id)
	return nil, nil
}

type raceInfo struct {
	GameID  string `json:"gameId"`
	Phase   string `json:"phase"`
	Players int    `json:"players"`
}

var (
	errHostLogin = apperr.Auth("Must be logged in to host a race!", nil)
	errNotHost   = apperr.Auth("only the race host can control the race", nil)
)

// openRace hosts the game's race on the server and joins the caller to the
// room the race reports to. The connection that creates the race is its host.
func (m *Manager) openRace(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	if !c.session.IsAuthenticated(m.opts.Now()) {
		return nil, errHostLogin
	}
	id, err := decodeID(data)
	if err != nil {
		return nil, err
	}
	g, err := m.lobby.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	e, created := m.races.Open(g)
	if created {
		m.setHost(id, c)
	}
	m.hub.Join(id, c)
	return raceInfo{GameID: id, Phase: e.Phase().String(), Players: len(g.Players)}, nil
}

// hostedRace returns the game's engine when c is allowed to control it.
func (m *Manager) hostedRace(c *Client, id string) (*race.Engine, error) {
	if !c.session.IsAuthenticated(m.opts.Now()) {
		return nil, errHostLogin
	}
	e := m.races.Get(id)
	if e == nil {
		return nil, apperr.NotFound("race not open")
	}
	if !m.isHost(id, c) {
		return nil, errNotHost
	}
	return e, nil
}

func (m *Manager) startRace(_ context.Context, c *Client, data json.RawMessage) (any, error) {
	id, err := decodeID(data)
	if err != nil {
		return nil, err
	}
	e, err := m.hostedRace(c, id)
	if err != nil {
		return nil, err
	}
	if err := e.Start(); err != nil {
		return nil, err
	}
	return raceInfo{GameID: id, Phase: e.Phase().String()}, nil
}

func (m *Manager) closeRace(_ context.Context, c *Client, data json.RawMessage) (any, error) {
	id, err := decodeID(data)
	if err != nil {
		return nil, err
	}
	if _, err := m.hostedRace(c, id); err != nil {
		return nil, err
	}
	m.dropHost(id)
	m.races.Close(id)
	return id, nil
}
