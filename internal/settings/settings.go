// Package settings loads and saves the robot's motor-controller IP.
package settings

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/thebranchdriftcatalyst/robot-console/internal/endpoint"
	"github.com/thebranchdriftcatalyst/robot-console/internal/metrics"
	"github.com/thebranchdriftcatalyst/robot-console/internal/reconcile"
	"github.com/thebranchdriftcatalyst/robot-console/internal/robotapi"
	"k8s.io/utils/clock"
)

// DefaultMessageTTL is how long a save outcome stays visible
const DefaultMessageTTL = 2 * time.Second

// Outcome is the result of a save as shown to the operator
type Outcome string

const (
	None   Outcome = ""
	Saved  Outcome = "Saved"
	Failed Outcome = "Failed"
	Error  Outcome = "Error"
)

// State is the settings form
type State struct {
	Host    string  `json:"host"`
	RobotIP string  `json:"robotIp"`
	Message Outcome `json:"message"`
}

// Store holds the settings form. It talks to the robot through its own host
// context, which the operator may point somewhere else than the session's.
type Store struct {
	resolver *endpoint.Resolver
	client   *robotapi.Client
	cell     *reconcile.Cell[State]
	clock    clock.WithDelayedExecution
	ttl      time.Duration
	logger   zerolog.Logger

	// mu orders message changes with their clear timer. Cell listeners run
	// under it and must not call back into the store.
	mu         sync.Mutex
	clearTimer clock.Timer
	msgGen     uint64
	closed     bool
}

// NewStore creates a store whose host context starts at host
func NewStore(client *robotapi.Client, host string, port int, clk clock.WithDelayedExecution, ttl time.Duration, logger zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}
	resolver := endpoint.NewResolver(host, port)
	return &Store{
		resolver: resolver,
		client:   client.WithResolver(resolver),
		cell:     reconcile.NewCell(State{Host: resolver.Host()}),
		clock:    clk,
		ttl:      ttl,
		logger:   logger.With().Str("component", "settings").Logger(),
	}
}

// Cell exposes the settings state for observers
func (s *Store) Cell() *reconcile.Cell[State] {
	return s.cell
}

// State returns the current settings
func (s *Store) State() State {
	return s.cell.Get()
}

// SetHost points the store at host. It reports whether the host changed; a
// change triggers a load from the new host.
func (s *Store) SetHost(ctx context.Context, host string) bool {
	next := endpoint.Normalize(host)
	if next == "" {
		next = endpoint.DefaultHost
	}
	if next == s.resolver.Host() {
		return false
	}
	s.resolver.SetHost(next)
	s.cell.Update(func(st *State) { st.Host = next })
	s.logger.Info().Str("host", next).Msg("Settings host changed")
	s.Load(ctx)
	return true
}

// Load fetches the stored robot IP. A non-empty answer replaces the local
// value; anything else keeps what the operator typed.
func (s *Store) Load(ctx context.Context) bool {
	host := s.resolver.Host()

	resp, err := s.client.RobotIP(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Robot IP load failed")
		return false
	}
	if !resp.Success || resp.RobotIP == "" {
		return false
	}
	if s.resolver.Host() != host {
		// Answer from a host the operator has since moved away from
		return false
	}

	s.cell.Update(func(st *State) { st.RobotIP = resp.RobotIP })
	return true
}

// SetIP edits the local robot IP value
func (s *Store) SetIP(ip string) {
	s.cell.Update(func(st *State) { st.RobotIP = ip })
}

// Save sends the local robot IP and shows the outcome for the message TTL
func (s *Store) Save(ctx context.Context) Outcome {
	ip := s.cell.Get().RobotIP

	var outcome Outcome
	ok, err := s.client.SetRobotIP(ctx, ip)
	switch {
	case err != nil:
		outcome = Error
		s.logger.Warn().Err(err).Str("ip", ip).Msg("Robot IP save failed")
	case !ok:
		outcome = Failed
		s.logger.Warn().Str("ip", ip).Msg("Robot IP rejected")
	default:
		outcome = Saved
		s.logger.Info().Str("ip", ip).Msg("Robot IP saved")
	}

	metrics.SettingsSavesTotal.WithLabelValues(string(outcome)).Inc()
	s.showMessage(outcome)
	return outcome
}

// Close cancels the pending message clear
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.clearTimer != nil {
		s.clearTimer.Stop()
		s.clearTimer = nil
	}
}

func (s *Store) showMessage(outcome Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.clearTimer != nil {
		s.clearTimer.Stop()
	}
	s.msgGen++
	gen := s.msgGen
	s.cell.Update(func(st *State) { st.Message = outcome })
	s.clearTimer = s.clock.AfterFunc(s.ttl, func() { go s.clearMessage(gen) })
}

func (s *Store) clearMessage(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.msgGen {
		return
	}
	s.clearTimer = nil
	s.cell.Update(func(st *State) { st.Message = None })
}
