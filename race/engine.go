package race

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dotracing/apperr"
	"dotracing/game"
)

type Phase int32

const (
	PhaseLobby Phase = iota
	PhaseCountdown
	PhaseRunning
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseLobby:
		return "LOBBY"
	case PhaseCountdown:
		return "COUNTDOWN"
	case PhaseRunning:
		return "RUNNING"
	case PhaseStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

var (
	ErrNotInLobby    = apperr.Validation("race already started")
	ErrEngineStopped = apperr.Validation("race stopped")
)

// Room events the engine listens to.
const (
	EventPlayerAdd = "player:add"
	EventForce     = "force"
	EventGrow      = "grow"
	EventGameStart = "game:started"
)

// Relay is the room fan-out the engine listens on and broadcasts through.
type Relay interface {
	Subscribe(room, event string, fn func(data json.RawMessage)) (unsubscribe func())
	Broadcast(room, event string, data any)
}

// Recorder persists what the race decides.
type Recorder interface {
	SetColor(ctx context.Context, info game.ColorInfo) error
	MarkStarted(ctx context.Context, gameID string) error
	RecordLap(ctx context.Context, info game.LapInfo) error
	RecordFinish(ctx context.Context, info game.FinishInfo) (bool, error)
}

type Config struct {
	Board   Board
	Stepper Stepper

	CountdownDelay time.Duration
	CountdownStep  time.Duration
	CountdownFrom  int

	PhysicsInterval time.Duration
	ForceInterval   time.Duration
	ShrinkInterval  time.Duration
	StateInterval   time.Duration

	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Board:           DefaultBoard(DefaultWidth, DefaultHeight),
		CountdownDelay:  1500 * time.Millisecond,
		CountdownStep:   time.Second,
		CountdownFrom:   3,
		PhysicsInterval: time.Second / 60,
		ForceInterval:   100 * time.Millisecond,
		ShrinkInterval:  2 * time.Second,
		StateInterval:   50 * time.Millisecond,
		Now:             time.Now,
	}
}

type (
	addCmd     struct{ playerID string }
	forceCmd   struct{ force Force }
	growCmd    struct{ playerID string }
	startCmd   struct{ reply chan error }
	inspectCmd struct{ fn func(*Race) }
)

// Engine runs one game's race on a single goroutine. Commands, countdown and
// the periodic physics, force, shrink and state tasks are all served by the
// same select loop, so stopping the loop cancels all of them together.
type Engine struct {
	gameID string
	cfg    Config
	relay  Relay
	rec    Recorder
	race   *Race
	phase  atomic.Int32

	inbox      chan any
	quit       chan struct{}
	done       chan struct{}
	writes     chan func(context.Context)
	writerDone chan struct{}

	mu       sync.Mutex
	handlers map[string][]func(Event)
	unsubs   []func()

	stopOnce    sync.Once
	destroyOnce sync.Once
}

// NewEngine creates the engine in LOBBY with the game's current players and
// subscribes it to the game's room.
func NewEngine(g *game.Game, relay Relay, rec Recorder, cfg Config) *Engine {
	if cfg.Stepper == nil {
		cfg.Stepper = NewEulerStepper()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	e := &Engine{
		gameID:     g.ID,
		cfg:        cfg,
		relay:      relay,
		rec:        rec,
		race:       NewRace(g.ID, cfg.Board),
		inbox:      make(chan any, 64),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		writes:     make(chan func(context.Context), 64),
		writerDone: make(chan struct{}),
		handlers:   make(map[string][]func(Event)),
	}
	go e.writer()

	for _, p := range g.Players {
		e.addPlayer(p.ID)
	}

	e.unsubs = append(e.unsubs,
		relay.Subscribe(g.ID, EventPlayerAdd, e.onPlayerAdd),
		relay.Subscribe(g.ID, EventForce, e.onForce),
		relay.Subscribe(g.ID, EventGrow, e.onGrow),
	)

	go e.run()
	return e
}

func (e *Engine) GameID() string { return e.gameID }

func (e *Engine) Phase() Phase { return Phase(e.phase.Load()) }

// On registers a local handler for an engine event. Handlers run on the
// engine goroutine and must not block.
func (e *Engine) On(event string, fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], fn)
}

// AddPlayer puts a body on the board. Only honored in LOBBY.
func (e *Engine) AddPlayer(playerID string) {
	e.send(addCmd{playerID: playerID}, true)
}

// ApplyForce queues a tilt sample. Dropped unless RUNNING.
func (e *Engine) ApplyForce(f Force) {
	e.send(forceCmd{force: f}, false)
}

func (e *Engine) Grow(playerID string) {
	e.send(growCmd{playerID: playerID}, false)
}

// Start begins the countdown.
func (e *Engine) Start() error {
	reply := make(chan error, 1)
	if !e.send(startCmd{reply: reply}, true) {
		return ErrEngineStopped
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return ErrEngineStopped
	}
}

// Snapshot returns the current render state.
func (e *Engine) Snapshot() State {
	var s State
	ran := make(chan struct{})
	read := func(r *Race) {
		s = r.Snapshot()
		close(ran)
	}
	if !e.send(inspectCmd{fn: read}, true) {
		return State{GameID: e.gameID}
	}
	select {
	case <-ran:
	case <-e.done:
	}
	return s
}

// Stop ends the race, cancels every periodic task, clears the board and
// broadcasts game:stopped. It is idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.quit) })
	<-e.done
}

// Destroy stops the engine, detaches it from the room, drops its handlers
// and waits for pending store writes.
func (e *Engine) Destroy() {
	e.destroyOnce.Do(func() {
		e.Stop()

		e.mu.Lock()
		unsubs := e.unsubs
		e.unsubs = nil
		e.handlers = make(map[string][]func(Event))
		e.mu.Unlock()

		for _, unsubscribe := range unsubs {
			unsubscribe()
		}
		close(e.writes)
		<-e.writerDone
	})
}

// send hands cmd to the loop. Non-blocking sends drop when the inbox is full.
func (e *Engine) send(cmd any, block bool) bool {
	if !block {
		select {
		case e.inbox <- cmd:
			return true
		case <-e.done:
			return false
		default:
			return false
		}
	}
	select {
	case e.inbox <- cmd:
		return true
	case <-e.done:
		return false
	}
}

func (e *Engine) onPlayerAdd(raw json.RawMessage) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		slog.Warn("bad player:add payload", "game", e.gameID, "err", err)
		return
	}
	e.AddPlayer(p.ID)
}

func (e *Engine) onForce(raw json.RawMessage) {
	var f Force
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Debug("bad force payload", "game", e.gameID, "err", err)
		return
	}
	e.ApplyForce(f)
}

func (e *Engine) onGrow(raw json.RawMessage) {
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		slog.Debug("bad grow payload", "game", e.gameID, "err", err)
		return
	}
	e.Grow(id)
}

func tickC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (e *Engine) run() {
	defer close(e.done)

	var (
		countdown *time.Timer
		remaining int
		physics   *time.Ticker
		force     *time.Ticker
		shrink    *time.Ticker
		state     *time.Ticker
	)
	var countdownC <-chan time.Time
	defer func() {
		if countdown != nil {
			countdown.Stop()
		}
		for _, t := range []*time.Ticker{physics, force, shrink, state} {
			if t != nil {
				t.Stop()
			}
		}
	}()

	for {
		select {
		case <-e.quit:
			e.halt()
			return

		case cmd := <-e.inbox:
			switch c := cmd.(type) {
			case addCmd:
				if e.Phase() == PhaseLobby {
					e.addPlayer(c.playerID)
				}
			case forceCmd:
				e.race.QueueForce(c.force)
			case growCmd:
				e.race.Grow(c.playerID)
			case inspectCmd:
				c.fn(e.race)
			case startCmd:
				if e.Phase() != PhaseLobby {
					c.reply <- ErrNotInLobby
					continue
				}
				e.phase.Store(int32(PhaseCountdown))
				e.emit(Event{Name: EventTimer, Data: StartingNotice})
				remaining = e.cfg.CountdownFrom
				countdown = time.NewTimer(e.cfg.CountdownDelay)
				countdownC = countdown.C
				c.reply <- nil
			}

		case <-countdownC:
			if remaining > 0 {
				e.emit(Event{Name: EventTimer, Data: remaining})
				remaining--
				countdown.Reset(e.cfg.CountdownStep)
				continue
			}
			countdownC = nil
			e.begin()
			physics = time.NewTicker(e.cfg.PhysicsInterval)
			force = time.NewTicker(e.cfg.ForceInterval)
			shrink = time.NewTicker(e.cfg.ShrinkInterval)
			state = time.NewTicker(e.cfg.StateInterval)

		case <-tickC(physics):
			e.step()

		case <-tickC(force):
			e.race.ApplyForces()

		case <-tickC(shrink):
			e.race.Shrink()

		case <-tickC(state):
			e.emit(Event{Name: EventState, Data: e.race.Snapshot()})
		}
	}
}

func (e *Engine) addPlayer(playerID string) {
	b, added := e.race.AddPlayer(playerID)
	if !added {
		return
	}
	info := game.ColorInfo{GameID: e.gameID, PlayerID: playerID, Color: b.Color}
	e.write("set color", func(ctx context.Context) error {
		return e.rec.SetColor(ctx, info)
	})
}

func (e *Engine) begin() {
	e.race.Start(e.cfg.Now())
	e.phase.Store(int32(PhaseRunning))
	e.emit(Event{Name: EventStarted, Data: e.gameID})

	e.write("mark started", func(ctx context.Context) error {
		if err := e.rec.MarkStarted(ctx, e.gameID); err != nil {
			return err
		}
		e.relay.Broadcast(e.gameID, EventGameStart, e.gameID)
		return nil
	})
}

func (e *Engine) step() {
	e.cfg.Stepper.Step(e.cfg.PhysicsInterval, e.race.Bodies(), e.cfg.Board)

	for _, ev := range e.race.Detect(e.cfg.Now()) {
		e.emit(ev)
		switch info := ev.Data.(type) {
		case game.LapInfo:
			e.write("record lap", func(ctx context.Context) error {
				return e.rec.RecordLap(ctx, info)
			})
		case game.FinishInfo:
			e.write("record finish", func(ctx context.Context) error {
				_, err := e.rec.RecordFinish(ctx, info)
				return err
			})
		}
	}
}

func (e *Engine) halt() {
	e.race.Stop()
	e.phase.Store(int32(PhaseStopped))
	e.emit(Event{Name: EventStopped, Data: e.gameID})
}

func (e *Engine) emit(ev Event) {
	e.relay.Broadcast(e.gameID, ev.Name, ev.Data)

	e.mu.Lock()
	fns := append(([]func(Event))(nil), e.handlers[ev.Name]...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// write queues a store write. Writes run in order on the writer goroutine;
// failures are logged only.
func (e *Engine) write(op string, fn func(ctx context.Context) error) {
	e.writes <- func(ctx context.Context) {
		if err := fn(ctx); err != nil {
			slog.Error("race write failed", "game", e.gameID, "op", op, "err", err)
		}
	}
}

func (e *Engine) writer() {
	defer close(e.writerDone)
	for w := range e.writes {
		w(context.Background())
	}
}
