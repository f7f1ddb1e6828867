package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/thebranchdriftcatalyst/robot-console/internal/metrics"
	"k8s.io/utils/clock"
)

// FetchFunc reads the remote source of truth for one state slice
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Poller refreshes a Cell from a remote source on a fixed interval. It is
// either idle or polling; failed polls leave the cell untouched.
type Poller[T any] struct {
	name     string
	interval time.Duration
	clock    clock.WithTicker
	fetch    FetchFunc[T]
	cell     *Cell[T]
	logger   zerolog.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	lastSuccess time.Time
	lastErr     error
}

// NewPoller creates an idle poller that writes fetch results into cell
func NewPoller[T any](name string, clk clock.WithTicker, interval time.Duration, cell *Cell[T], fetch FetchFunc[T], logger zerolog.Logger) *Poller[T] {
	return &Poller[T]{
		name:     name,
		interval: interval,
		clock:    clk,
		fetch:    fetch,
		cell:     cell,
		logger:   logger.With().Str("component", "poller").Str("poller", name).Logger(),
	}
}

// Start issues one immediate poll and then one per interval until Stop or
// ctx is done. Calling Start while polling is a no-op.
func (p *Poller[T]) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	// Created before the loop goroutine so a tick is never missed
	ticker := p.clock.NewTicker(p.interval)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	p.logger.Debug().Dur("interval", p.interval).Msg("Starting poll loop")

	go func() {
		defer close(done)
		defer ticker.Stop()

		p.Poll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				p.Poll(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the poll in flight to finish. It is
// safe to call more than once.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Debug().Msg("Poll loop stopped")
}

// Polling reports whether the loop is running
func (p *Poller[T]) Polling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Poll performs a single poll tick. It reports whether the result was
// applied to the cell.
func (p *Poller[T]) Poll(ctx context.Context) bool {
	epoch := p.cell.Epoch()

	v, err := p.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		metrics.PollsTotal.WithLabelValues(p.name, "miss").Inc()
		p.logger.Debug().Err(err).Msg("Poll missed, keeping previous state")
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		return false
	}

	p.mu.Lock()
	p.lastSuccess = p.clock.Now()
	p.lastErr = nil
	p.mu.Unlock()
	metrics.LastPollSuccessTimestamp.WithLabelValues(p.name).SetToCurrentTime()

	if !p.cell.Reconcile(epoch, v) {
		metrics.PollsTotal.WithLabelValues(p.name, "stale").Inc()
		p.logger.Debug().Msg("Discarded poll result older than the latest intent")
		return false
	}
	metrics.PollsTotal.WithLabelValues(p.name, "applied").Inc()
	return true
}

// LastSuccess returns the time of the last successful fetch, zero if none
func (p *Poller[T]) LastSuccess() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSuccess
}

// LastError returns the error of the last poll, nil after a success
func (p *Poller[T]) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}
