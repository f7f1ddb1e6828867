// Package motion dispatches motion commands to the robot and polls its
// status.
package motion

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/thebranchdriftcatalyst/robot-console/internal/metrics"
	"github.com/thebranchdriftcatalyst/robot-console/internal/robotapi"
)

// DefaultSpeed is the speed used before the operator moves the slider
const DefaultSpeed = 0.5

// Dispatcher sends best-effort motion commands. It never changes session
// state: the next status poll shows what the robot actually did.
type Dispatcher struct {
	client *robotapi.Client
	speed  atomic.Uint64 // math.Float64bits
	logger zerolog.Logger
}

// NewDispatcher creates a dispatcher starting at DefaultSpeed
func NewDispatcher(client *robotapi.Client, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		client: client,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
	d.speed.Store(math.Float64bits(DefaultSpeed))
	return d
}

// Speed returns the last requested speed
func (d *Dispatcher) Speed() float64 {
	return math.Float64frombits(d.speed.Load())
}

// SetSpeed stores the requested speed, clamped to [0,1], and returns it
func (d *Dispatcher) SetSpeed(v float64) float64 {
	v = ClampSpeed(v)
	d.speed.Store(math.Float64bits(v))
	return v
}

// Move sends a move command at speed
func (d *Dispatcher) Move(ctx context.Context, dir Direction, speed float64) error {
	cmd, err := Move(dir, speed)
	if err != nil {
		return err
	}
	return d.Dispatch(ctx, cmd)
}

// MoveAtSpeed sends a move command at the stored speed
func (d *Dispatcher) MoveAtSpeed(ctx context.Context, dir Direction) error {
	return d.Move(ctx, dir, d.Speed())
}

// Rotate sends a rotate command at speed
func (d *Dispatcher) Rotate(ctx context.Context, dir Direction, speed float64) error {
	cmd, err := Rotate(dir, speed)
	if err != nil {
		return err
	}
	return d.Dispatch(ctx, cmd)
}

// RotateAtSpeed sends a rotate command at the stored speed
func (d *Dispatcher) RotateAtSpeed(ctx context.Context, dir Direction) error {
	return d.Rotate(ctx, dir, d.Speed())
}

// Stop sends a stop command. It is never gated on the robot's state.
func (d *Dispatcher) Stop(ctx context.Context) error {
	return d.Dispatch(ctx, Stop())
}

// SwitchCamera toggles the active camera
func (d *Dispatcher) SwitchCamera(ctx context.Context) error {
	return d.Dispatch(ctx, SwitchCamera())
}

// Dispatch sends cmd once. The error is informational: there is no retry and
// callers are free to drop it.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) error {
	var err error
	switch cmd.Kind {
	case KindMove:
		err = d.client.Move(ctx, string(cmd.Direction), ClampSpeed(cmd.Speed))
	case KindRotate:
		err = d.client.Rotate(ctx, string(cmd.Direction), ClampSpeed(cmd.Speed))
	case KindStop:
		err = d.client.Stop(ctx)
	case KindSwitchCamera:
		err = d.client.SwitchCamera(ctx)
	default:
		return fmt.Errorf("unknown motion command %q", cmd.Kind)
	}

	if err != nil {
		metrics.CommandsTotal.WithLabelValues(string(cmd.Kind), "failed").Inc()
		d.logger.Debug().Err(err).
			Str("command", string(cmd.Kind)).
			Str("direction", string(cmd.Direction)).
			Msg("Motion command not delivered")
		return fmt.Errorf("%s: %w", cmd.Kind, err)
	}

	metrics.CommandsTotal.WithLabelValues(string(cmd.Kind), "delivered").Inc()
	d.logger.Debug().
		Str("command", string(cmd.Kind)).
		Str("direction", string(cmd.Direction)).
		Float64("speed", cmd.Speed).
		Msg("Motion command delivered")
	return nil
}
