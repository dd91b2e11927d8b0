package game

import "time"

const (
	StatusNew     = "new"
	StatusRunning = "running"
)

// MaxPlayers is the hard cap on Game.Players, enforced at commit time.
const MaxPlayers = 4

// Profile is the identity a client presents alongside its signed claim.
type Profile struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Picture  string `json:"picture"`
}

// Player is a racer embedded in a Game document. Place is set once.
type Player struct {
	ID       string  `json:"id"`
	Nickname string  `json:"nickname"`
	Picture  string  `json:"picture,omitempty"`
	Color    string  `json:"color,omitempty"`
	Lap      int     `json:"lap"`
	LapTime  float64 `json:"lapTime,omitempty"`
	Place    int     `json:"place,omitempty"`
	RaceTime float64 `json:"raceTime,omitempty"`
}

type Game struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	Status      string    `json:"status"`
	Started     bool      `json:"started"`
	Players     []Player  `json:"players"`
}

// Player returns the player with the given id or nil.
func (g *Game) Player(id string) *Player {
	for i := range g.Players {
		if g.Players[i].ID == id {
			return &g.Players[i]
		}
	}
	return nil
}

func (g *Game) HasPlayer(id string) bool {
	return g.Player(id) != nil
}

type ScoreGame struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ScorePlayer struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Picture  string `json:"picture,omitempty"`
}

// Score is a leaderboard row, one per finishing player per game.
type Score struct {
	ID     string      `json:"id"`
	Game   ScoreGame   `json:"game"`
	Player ScorePlayer `json:"player"`
	Finish float64     `json:"finish"`
	Place  int         `json:"place"`
}

// GameInput is the allow-listed subset of a client supplied game record.
type GameInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ColorInfo struct {
	GameID   string `json:"gameId"`
	PlayerID string `json:"playerId"`
	Color    string `json:"color"`
}

type LapInfo struct {
	GameID   string  `json:"gameId"`
	PlayerID string  `json:"playerId"`
	Lap      int     `json:"lap"`
	LapTime  float64 `json:"lapTime,omitempty"`
}

type FinishInfo struct {
	GameID   string  `json:"gameId"`
	PlayerID string  `json:"playerId"`
	Lap      int     `json:"lap"`
	LapTime  float64 `json:"lapTime,omitempty"`
	RaceTime float64 `json:"raceTime"`
	Place    int     `json:"place"`
}
