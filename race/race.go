package race

import (
	"time"

	"dotracing/game"
)

const (
	EventTimer   = "race:timer"
	EventStarted = "race:started"
	EventState   = "race:state"
	EventLap     = "lap"
	EventFinish  = "finish"
	EventStopped = "game:stopped"
)

// StartingNotice is the first timer value shown before the countdown.
const StartingNotice = "Starting In..."

// Event is something the race tells the room about.
type Event struct {
	Name string
	Data any
}

// BodyState is the render view of one body.
type BodyState struct {
	PlayerID string  `json:"playerId"`
	Color    string  `json:"color"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Radius   float64 `json:"radius"`
	Lap      int     `json:"lap"`
	Place    int     `json:"place,omitempty"`
}

type State struct {
	GameID  string      `json:"gameId"`
	Players []BodyState `json:"players"`
}

// Race is the simulation state of one game. It is not safe for concurrent
// use; the Engine owns it from a single goroutine.
type Race struct {
	gameID string
	board  Board
	line   finishLine

	bodies   map[string]*Body
	order    []string
	finished int
	start    time.Time
	running  bool
}

func NewRace(gameID string, board Board) *Race {
	return &Race{
		gameID: gameID,
		board:  board,
		line:   board.finishLine(),
		bodies: make(map[string]*Body),
	}
}

// AddPlayer places a body for playerID with the next palette color. A player
// already on the board is returned unchanged with added == false.
func (r *Race) AddPlayer(playerID string) (body *Body, added bool) {
	if b, ok := r.bodies[playerID]; ok {
		return b, false
	}
	n := len(r.order)
	b := newBody(playerID, Palette[n%len(Palette)], n, r.board)
	r.bodies[playerID] = b
	r.order = append(r.order, playerID)
	return b, true
}

func (r *Race) Body(playerID string) *Body {
	return r.bodies[playerID]
}

// Bodies returns the bodies in join order.
func (r *Race) Bodies() []*Body {
	out := make([]*Body, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.bodies[id])
	}
	return out
}

func (r *Race) Start(now time.Time) {
	r.start = now
	r.running = true
}

func (r *Race) StartedAt() time.Time { return r.start }

func (r *Race) Running() bool { return r.running }

// Stop ends the race and clears the board.
func (r *Race) Stop() {
	r.running = false
	r.bodies = make(map[string]*Body)
	r.order = nil
}

// QueueForce replaces the player's pending samples with copies of f.
func (r *Race) QueueForce(f Force) bool {
	b := r.bodies[f.PlayerID]
	if !r.running || b == nil {
		return false
	}
	b.queue(Vec{X: f.X, Y: f.Y})
	return true
}

// ApplyForces pops at most one sample per body and applies it scaled, with
// the device y axis flipped into board space.
func (r *Race) ApplyForces() {
	for _, b := range r.Bodies() {
		f, ok := b.popForce()
		if !ok {
			continue
		}
		b.ApplyForce(Vec{X: f.X * forceScale, Y: -f.Y * forceScale})
	}
}

func (r *Race) Grow(playerID string) bool {
	b := r.bodies[playerID]
	if !r.running || b == nil {
		return false
	}
	return b.grow()
}

func (r *Race) Shrink() {
	for _, b := range r.Bodies() {
		b.shrink()
	}
}

// Detect checks every body against the finish line and returns the lap
// and finish events in order.
func (r *Race) Detect(now time.Time) []Event {
	var events []Event
	for _, b := range r.Bodies() {
		events = append(events, r.detect(b, now)...)
	}
	return events
}

func (r *Race) detect(b *Body, now time.Time) []Event {
	x := b.Pos.X
	y := b.Pos.Y + b.Radius
	defer func() {
		b.lastY = y
		b.hasLast = true
	}()

	if !b.hasLast || !r.line.inBand(x) {
		return nil
	}

	var events []Event
	switch {
	case b.lastY < r.line.y && y >= r.line.y:
		lapStart := b.LapStart
		if lapStart.IsZero() {
			lapStart = r.start
		}
		b.LapStart = now
		b.Lap++

		info := game.LapInfo{
			GameID:   r.gameID,
			PlayerID: b.PlayerID,
			Lap:      b.Lap,
			LapTime:  seconds(now.Sub(lapStart)),
		}
		if b.Lap > 1 {
			events = append(events, Event{Name: EventLap, Data: info})
		}
		if b.Place == 0 && b.Lap >= r.board.Laps && b.Lap > 1 {
			r.finished++
			b.Place = r.finished
			events = append(events, Event{Name: EventFinish, Data: game.FinishInfo{
				GameID:   r.gameID,
				PlayerID: b.PlayerID,
				Lap:      b.Lap,
				LapTime:  info.LapTime,
				RaceTime: seconds(now.Sub(r.start)),
				Place:    b.Place,
			}})
		}

	case b.lastY >= r.line.y && y < r.line.y:
		if b.Lap > 0 {
			b.Lap--
		}
		events = append(events, Event{Name: EventLap, Data: game.LapInfo{
			GameID:   r.gameID,
			PlayerID: b.PlayerID,
			Lap:      b.Lap,
		}})
	}
	return events
}

// seconds matches the millisecond resolution lap and race times are kept in.
func seconds(d time.Duration) float64 {
	return float64(d.Milliseconds()) / 1000
}

func (r *Race) Snapshot() State {
	s := State{GameID: r.gameID, Players: make([]BodyState, 0, len(r.order))}
	for _, b := range r.Bodies() {
		s.Players = append(s.Players, BodyState{
			PlayerID: b.PlayerID,
			Color:    b.Color,
			X:        b.Pos.X,
			Y:        b.Pos.Y,
			Radius:   b.Radius,
			Lap:      b.Lap,
			Place:    b.Place,
		})
	}
	return s
}
