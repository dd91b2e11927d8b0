package race

import (
	"math"
	"time"
)

// Stepper advances the bodies of a board by dt.
type Stepper interface {
	Step(dt time.Duration, bodies []*Body, board Board)
}

// EulerStepper is a small force-integrating stepper with friction and
// restitution against the board walls. Bodies do not collide with each other.
type EulerStepper struct {
	// Friction is removed from velocity every step, in [0, 1).
	Friction float64
	// MaxSpeed caps pixels per step so bodies cannot tunnel through walls.
	MaxSpeed float64
}

func NewEulerStepper() *EulerStepper {
	return &EulerStepper{Friction: 0.01, MaxSpeed: 8}
}

func (s *EulerStepper) Step(dt time.Duration, bodies []*Body, board Board) {
	// Velocity is in pixels per step, forces act over dt squared in milliseconds.
	ms := float64(dt) / float64(time.Millisecond)
	for _, b := range bodies {
		mass := b.Mass()
		if mass > 0 {
			b.Vel.X += b.force.X / mass * ms * ms
			b.Vel.Y += b.force.Y / mass * ms * ms
		}
		b.force = Vec{}

		b.Vel.X *= 1 - s.Friction
		b.Vel.Y *= 1 - s.Friction
		if speed := math.Hypot(b.Vel.X, b.Vel.Y); s.MaxSpeed > 0 && speed > s.MaxSpeed {
			scale := s.MaxSpeed / speed
			b.Vel.X *= scale
			b.Vel.Y *= scale
		}
		b.Pos.X += b.Vel.X
		b.Pos.Y += b.Vel.Y

		for _, w := range board.Walls {
			collide(b, w)
		}
	}
}

// collide pushes b out of w and reflects the normal velocity.
func collide(b *Body, w Rect) {
	cx := math.Max(w.Left(), math.Min(b.Pos.X, w.Right()))
	cy := math.Max(w.Top(), math.Min(b.Pos.Y, w.Bottom()))
	dx, dy := b.Pos.X-cx, b.Pos.Y-cy
	dist := math.Hypot(dx, dy)
	if dist >= b.Radius {
		return
	}

	var nx, ny float64
	if dist == 0 {
		// Center inside the wall: leave along the shortest axis.
		left, right := b.Pos.X-w.Left(), w.Right()-b.Pos.X
		top, bottom := b.Pos.Y-w.Top(), w.Bottom()-b.Pos.Y
		switch math.Min(math.Min(left, right), math.Min(top, bottom)) {
		case left:
			nx, dist = -1, -left
		case right:
			nx, dist = 1, -right
		case top:
			ny, dist = -1, -top
		default:
			ny, dist = 1, -bottom
		}
	} else {
		nx, ny = dx/dist, dy/dist
	}

	depth := b.Radius - dist
	b.Pos.X += nx * depth
	b.Pos.Y += ny * depth

	vn := b.Vel.X*nx + b.Vel.Y*ny
	if vn < 0 {
		b.Vel.X -= (1 + b.Restitution) * vn * nx
		b.Vel.Y -= (1 + b.Restitution) * vn * ny
	}
}
