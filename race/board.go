package race

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultWidth  = 800.0
	DefaultHeight = 600.0
	DefaultLaps   = 4
	wallWidth     = 10.0
)

// Rect is an axis-aligned rectangle given by its center and size.
type Rect struct {
	X      float64 `yaml:"x" json:"x"`
	Y      float64 `yaml:"y" json:"y"`
	Width  float64 `yaml:"width" json:"width"`
	Height float64 `yaml:"height" json:"height"`
}

func (r Rect) Left() float64 { return r.X - r.Width/2 }
func (r Rect) Right() float64 { return r.X + r.Width/2 }
func (r Rect) Top() float64 { return r.Y - r.Height/2 }
func (r Rect) Bottom() float64 { return r.Y + r.Height/2 }

// Board is the track: static walls and the start/finish line.
type Board struct {
	Width     float64 `yaml:"width" json:"width"`
	Height    float64 `yaml:"height" json:"height"`
	Laps      int     `yaml:"laps" json:"laps"`
	Walls     []Rect  `yaml:"walls" json:"walls"`
	StartLine Rect    `yaml:"startLine" json:"startLine"`
}

// DefaultBoard is the stock oval-like track for a width x height field.
func DefaultBoard(width, height float64) Board {
	return Board{
		Width:  width,
		Height: height,
		Laps:   DefaultLaps,
		Walls: []Rect{
			{X: wallWidth / 2, Y: height / 2, Width: wallWidth, Height: height},
			{X: width - wallWidth/2, Y: height / 2, Width: wallWidth, Height: height},
			{X: width / 2, Y: wallWidth / 2, Width: width, Height: wallWidth},
			{X: width / 2, Y: height - wallWidth/2, Width: width, Height: wallWidth},
			{X: (width - wallWidth) / 2, Y: height/2 + height*0.2, Width: wallWidth, Height: height * 0.6},
			{X: (width - wallWidth) / 4, Y: height / 2, Width: wallWidth, Height: height * 0.6},
			{X: (width - wallWidth) / 4 * 3, Y: height / 2, Width: wallWidth, Height: height * 0.6},
			{X: (width - wallWidth) / 2, Y: height*0.2 + wallWidth/2, Width: width/2 + wallWidth/2, Height: wallWidth},
		},
		StartLine: Rect{
			X:      (width - wallWidth) / 8,
			Y:      height*0.25 + wallWidth/2,
			Width:  (width - wallWidth) / 4 * 0.8,
			Height: wallWidth,
		},
	}
}

// LoadBoard reads a YAML track. Missing size and lap fields take the defaults.
func LoadBoard(path string) (Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Board{}, fmt.Errorf("failed to read board: %w", err)
	}

	var b Board
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Board{}, fmt.Errorf("failed to parse board: %w", err)
	}
	if b.Width == 0 {
		b.Width = DefaultWidth
	}
	if b.Height == 0 {
		b.Height = DefaultHeight
	}
	if b.Laps == 0 {
		b.Laps = DefaultLaps
	}
	if err := b.Validate(); err != nil {
		return Board{}, err
	}
	return b, nil
}

func (b Board) Validate() error {
	if b.Width < 0 || b.Height < 0 {
		return errors.New("board size must be positive")
	}
	if b.Laps < 2 {
		return errors.New("board needs at least 2 laps")
	}
	if b.StartLine.Width <= 0 || b.StartLine.Height <= 0 {
		return errors.New("board start line is missing")
	}
	return nil
}

// finishLine is the crossing y and the horizontal band it counts in.
type finishLine struct {
	y, left, right float64
}

func (b Board) finishLine() finishLine {
	return finishLine{
		y:     b.StartLine.Top(),
		left:  b.StartLine.Left(),
		right: b.StartLine.Right(),
	}
}

func (f finishLine) inBand(x float64) bool {
	return f.left <= x && x <= f.right
}
