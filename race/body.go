package race

import (
	"math"
	"time"
)

const (
	radiusFactor   = 0.02
	baseDensity    = 0.08
	baseRestitute  = 0.5
	maxRadiusScale = 1.8
	growFactor     = 1.2
	shrinkFactor   = 0.9
	forceQueueLen  = 3
	forceScale     = 0.025
)

// Palette is the fixed set of player colors, assigned in join order.
var Palette = []string{"#FF0000", "#33CC33", "#0033CC", "#FF9900"}

type Vec struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Force is a device tilt sample as relayed between clients.
type Force struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	PlayerID string  `json:"playerId"`
}

// Body is a player's disc on the board.
type Body struct {
	PlayerID    string
	Color       string
	Pos         Vec
	Vel         Vec
	Radius      float64
	MinRadius   float64
	MaxRadius   float64
	Density     float64
	Restitution float64

	Lap      int
	LapStart time.Time
	Place    int

	force      Vec
	forceQueue []Vec
	lastY      float64
	hasLast    bool
}

func newBody(playerID, color string, index int, board Board) *Body {
	r := board.Width * radiusFactor
	line := board.finishLine()
	return &Body{
		PlayerID:    playerID,
		Color:       color,
		Pos:         Vec{X: board.Width/16 + r*2.2*float64(index) - 1, Y: line.y - r*1.5},
		Radius:      r,
		MinRadius:   r,
		MaxRadius:   r * maxRadiusScale,
		Density:     baseDensity,
		Restitution: baseRestitute,
	}
}

func (b *Body) Mass() float64 {
	return b.Density * math.Pi * b.Radius * b.Radius
}

// ApplyForce accumulates a force for the next physics step.
func (b *Body) ApplyForce(f Vec) {
	b.force.X += f.X
	b.force.Y += f.Y
}

// queue replaces pending samples with copies of the latest one.
func (b *Body) queue(f Vec) {
	b.forceQueue = b.forceQueue[:0]
	for range forceQueueLen {
		b.forceQueue = append(b.forceQueue, f)
	}
}

func (b *Body) popForce() (Vec, bool) {
	if len(b.forceQueue) == 0 {
		return Vec{}, false
	}
	f := b.forceQueue[0]
	b.forceQueue = b.forceQueue[1:]
	return f, true
}

// grow reports whether the radius changed.
func (b *Body) grow() bool {
	next := b.Radius * growFactor
	if next > b.MaxRadius {
		return false
	}
	b.Radius = next
	b.Density /= growFactor
	return true
}

func (b *Body) shrink() bool {
	next := b.Radius * shrinkFactor
	if next < b.MinRadius {
		return false
	}
	b.Radius = next
	b.Density /= shrinkFactor
	return true
}
