package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/thebranchdriftcatalyst/robot-console/internal/metrics"
	"github.com/thebranchdriftcatalyst/robot-console/internal/reconcile"
	"github.com/thebranchdriftcatalyst/robot-console/internal/robotapi"
	"k8s.io/utils/clock"
)

// ErrAlreadyRunning is returned by Run while the script is believed to run
var ErrAlreadyRunning = errors.New("script is already running")

// RunState is the script's execution state. Run sets it optimistically;
// every successful status poll replaces it.
type RunState struct {
	Running bool   `json:"running"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// Runner starts and stops remote runs and polls their status
type Runner struct {
	client *robotapi.Client
	cell   *reconcile.Cell[RunState]
	poller *reconcile.Poller[RunState]
	source func() string
	logger zerolog.Logger
}

// NewRunner creates a runner that runs the text returned by source
func NewRunner(client *robotapi.Client, clk clock.WithTicker, interval time.Duration, source func() string, logger zerolog.Logger) *Runner {
	r := &Runner{
		client: client,
		cell:   reconcile.NewCell(RunState{}),
		source: source,
		logger: logger.With().Str("component", "script-runner").Logger(),
	}
	r.poller = reconcile.NewPoller("script_status", clk, interval, r.cell, r.fetch, logger)
	return r
}

// Cell exposes the run state for observers
func (r *Runner) Cell() *reconcile.Cell[RunState] {
	return r.cell
}

// State returns the current run state
func (r *Runner) State() RunState {
	return r.cell.Get()
}

// Poller returns the status poller
func (r *Runner) Poller() *reconcile.Poller[RunState] {
	return r.poller
}

// CanRun reports whether Run is currently offered
func (r *Runner) CanRun() bool {
	return !r.cell.Get().Running
}

// CanStop reports whether Stop is currently offered. Stop itself is never
// refused.
func (r *Runner) CanStop() bool {
	return r.cell.Get().Running
}

// Run sends the current script for execution. The state flips to running
// with empty output before the request goes out; a rejected or lost request
// is corrected by the next poll.
func (r *Runner) Run(ctx context.Context) error {
	if !r.cell.TryIntent(func(s *RunState) bool {
		if s.Running {
			return false
		}
		*s = RunState{Running: true}
		return true
	}) {
		return ErrAlreadyRunning
	}

	text := r.source()
	if err := r.client.RunScript(ctx, text); err != nil {
		metrics.ScriptRunsTotal.WithLabelValues("run", "failed").Inc()
		r.logger.Debug().Err(err).Msg("Run request not accepted")
		return fmt.Errorf("run script: %w", err)
	}
	metrics.ScriptRunsTotal.WithLabelValues("run", "sent").Inc()
	r.logger.Info().Int("length", len(text)).Msg("Script run requested")
	return nil
}

// Stop asks the robot to stop the script. Local state is left to the next
// poll.
func (r *Runner) Stop(ctx context.Context) error {
	if err := r.client.StopScript(ctx); err != nil {
		metrics.ScriptRunsTotal.WithLabelValues("stop", "failed").Inc()
		r.logger.Debug().Err(err).Msg("Stop request not delivered")
		return fmt.Errorf("stop script: %w", err)
	}
	metrics.ScriptRunsTotal.WithLabelValues("stop", "sent").Inc()
	r.logger.Info().Msg("Script stop requested")
	return nil
}

func (r *Runner) fetch(ctx context.Context) (RunState, error) {
	resp, err := r.client.ScriptStatus(ctx)
	if err != nil {
		return RunState{}, err
	}
	return RunState{Running: resp.Running, Output: resp.Output, Error: resp.Error}, nil
}
