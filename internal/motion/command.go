package motion

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidDirection is returned for a direction the command does not accept
var ErrInvalidDirection = errors.New("invalid direction")

// Direction is a motion direction
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
	Left     Direction = "left"
	Right    Direction = "right"
)

// Kind identifies a motion command
type Kind string

const (
	KindMove         Kind = "move"
	KindRotate       Kind = "rotate"
	KindStop         Kind = "stop"
	KindSwitchCamera Kind = "camera_switch"
)

// Command is a single motion command. It is built, dispatched and dropped.
type Command struct {
	Kind      Kind
	Direction Direction
	Speed     float64
}

// Move builds a move command with speed clamped to [0,1]
func Move(dir Direction, speed float64) (Command, error) {
	switch dir {
	case Forward, Backward, Left, Right:
	default:
		return Command{}, fmt.Errorf("%w for move: %q", ErrInvalidDirection, dir)
	}
	return Command{Kind: KindMove, Direction: dir, Speed: ClampSpeed(speed)}, nil
}

// Rotate builds a rotate command with speed clamped to [0,1]
func Rotate(dir Direction, speed float64) (Command, error) {
	switch dir {
	case Left, Right:
	default:
		return Command{}, fmt.Errorf("%w for rotate: %q", ErrInvalidDirection, dir)
	}
	return Command{Kind: KindRotate, Direction: dir, Speed: ClampSpeed(speed)}, nil
}

// Stop builds a stop command
func Stop() Command {
	return Command{Kind: KindStop}
}

// SwitchCamera builds a camera switch command
func SwitchCamera() Command {
	return Command{Kind: KindSwitchCamera}
}

// ClampSpeed limits v to [0,1]; NaN becomes 0
func ClampSpeed(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
