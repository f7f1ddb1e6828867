// Package session composes the console's state slices into one operator
// session: motion dispatch and status, the script editor and runner, and the
// settings form.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/thebranchdriftcatalyst/robot-console/internal/config"
	"github.com/thebranchdriftcatalyst/robot-console/internal/endpoint"
	"github.com/thebranchdriftcatalyst/robot-console/internal/motion"
	"github.com/thebranchdriftcatalyst/robot-console/internal/reconcile"
	"github.com/thebranchdriftcatalyst/robot-console/internal/robotapi"
	"github.com/thebranchdriftcatalyst/robot-console/internal/script"
	"github.com/thebranchdriftcatalyst/robot-console/internal/settings"
	"k8s.io/utils/clock"
)

// Options configures a session
type Options struct {
	Host           string
	Port           int
	PollInterval   time.Duration
	SaveDebounce   time.Duration
	MessageTTL     time.Duration
	RequestTimeout time.Duration

	// Clock drives polling, debounce and message timers; RealClock if nil
	Clock clock.WithTickerAndDelayedExecution
}

// OptionsFromConfig maps the process configuration onto session options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Host:           cfg.RobotHost,
		Port:           cfg.RobotPort,
		PollInterval:   cfg.PollInterval,
		SaveDebounce:   cfg.SaveDebounce,
		MessageTTL:     cfg.MessageTTL,
		RequestTimeout: cfg.RequestTimeout,
	}
}

// Snapshot is the whole session state as shown to the operator
type Snapshot struct {
	SessionID       string              `json:"sessionId"`
	Endpoint        string              `json:"endpoint"`
	StreamURL       string              `json:"streamUrl"`
	Device          motion.DeviceStatus `json:"device"`
	DeviceReachable bool                `json:"deviceReachable"`
	Speed           float64             `json:"speed"`
	Script          ScriptView          `json:"script"`
	Run             script.RunState     `json:"run"`
	CanRun          bool                `json:"canRun"`
	CanStop         bool                `json:"canStop"`
	Settings        settings.State      `json:"settings"`
}

// ScriptView is the script document with its save state
type ScriptView struct {
	script.Document
	State script.SaveState `json:"state"`
}

// Session owns the state slices and their timers
type Session struct {
	ID string

	resolver     *endpoint.Resolver
	client       *robotapi.Client
	dispatcher   *motion.Dispatcher
	status       *reconcile.Cell[motion.DeviceStatus]
	statusPoller *reconcile.Poller[motion.DeviceStatus]
	editor       *script.Editor
	runner       *script.Runner
	settings     *settings.Store
	logger       zerolog.Logger

	mu          sync.Mutex
	subscribers map[chan struct{}]struct{}
	cancel      context.CancelFunc
	loads       sync.WaitGroup
	started     bool
	closeOnce   sync.Once
}

// New creates an idle session. Nothing talks to the robot until Start.
func New(opts Options, logger zerolog.Logger) *Session {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	id := uuid.NewString()
	logger = logger.With().Str("session", id).Logger()

	resolver := endpoint.NewResolver(opts.Host, opts.Port)
	client := robotapi.NewClient(resolver, opts.RequestTimeout, logger)

	s := &Session{
		ID:          id,
		resolver:    resolver,
		client:      client,
		dispatcher:  motion.NewDispatcher(client, logger),
		status:      reconcile.NewCell(motion.InitialStatus()),
		settings:    settings.NewStore(client, opts.Host, opts.Port, clk, opts.MessageTTL, logger),
		logger:      logger.With().Str("component", "session").Logger(),
		subscribers: make(map[chan struct{}]struct{}),
	}
	s.statusPoller = motion.NewStatusPoller(client, clk, opts.PollInterval, s.status, logger)
	s.editor = script.NewEditor(client, clk, opts.SaveDebounce, logger)
	s.runner = script.NewRunner(client, clk, opts.PollInterval, s.editor.Text, logger)

	s.status.OnChange(func(motion.DeviceStatus) { s.changed() })
	s.editor.Cell().OnChange(func(script.Document) { s.changed() })
	s.runner.Cell().OnChange(func(script.RunState) { s.changed() })
	s.settings.Cell().OnChange(func(settings.State) { s.changed() })

	return s
}

// Start begins both poll loops and the one-time loads of the script and the
// robot IP
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info().Str("endpoint", s.resolver.BaseURL()).Msg("Starting session")

	s.statusPoller.Start(ctx)
	s.runner.Poller().Start(ctx)

	s.loads.Add(2)
	go func() {
		defer s.loads.Done()
		s.editor.Load(ctx)
	}()
	go func() {
		defer s.loads.Done()
		s.settings.Load(ctx)
	}()
}

// Close stops every timer and poll loop. Once Close returns no request is
// issued on the session's behalf. Pending script edits are dropped; call
// FlushScript first to keep them.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		s.statusPoller.Stop()
		s.runner.Poller().Stop()
		s.editor.Close()
		s.settings.Close()
		s.loads.Wait()

		s.mu.Lock()
		for ch := range s.subscribers {
			close(ch)
			delete(s.subscribers, ch)
		}
		s.mu.Unlock()

		s.logger.Info().Msg("Session closed")
	})
}

// Subscribe returns a channel that receives a signal after state changes.
// Signals coalesce; read Snapshot on receipt. The channel is closed by
// Close or by the returned cancel func.
func (s *Session) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
	}
	return ch, cancel
}

func (s *Session) changed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Snapshot returns the current state of every slice
func (s *Session) Snapshot() Snapshot {
	run := s.runner.State()
	return Snapshot{
		SessionID:       s.ID,
		Endpoint:        s.resolver.BaseURL(),
		StreamURL:       s.client.StreamURL(),
		Device:          s.status.Get(),
		DeviceReachable: s.statusPoller.LastError() == nil && !s.statusPoller.LastSuccess().IsZero(),
		Speed:           s.dispatcher.Speed(),
		Script: ScriptView{
			Document: s.editor.Document(),
			State:    s.editor.State(),
		},
		Run:      run,
		CanRun:   !run.Running,
		CanStop:  run.Running,
		Settings: s.settings.State(),
	}
}

// Ready reports whether the robot has answered a status poll
func (s *Session) Ready() bool {
	return !s.statusPoller.LastSuccess().IsZero()
}

// SetHost changes the session's host context. The next request of every
// pipeline goes to the new host.
func (s *Session) SetHost(host string) {
	s.resolver.SetHost(host)
	s.logger.Info().Str("endpoint", s.resolver.BaseURL()).Msg("Session host changed")
	s.changed()
}

// Endpoint returns the current API base URL
func (s *Session) Endpoint() string {
	return s.resolver.BaseURL()
}

// StreamURL returns the camera stream URL
func (s *Session) StreamURL() string {
	return s.client.StreamURL()
}

// Client returns the robot API client
func (s *Session) Client() *robotapi.Client {
	return s.client
}

// Speed returns the stored motion speed
func (s *Session) Speed() float64 {
	return s.dispatcher.Speed()
}

// SetSpeed stores the motion speed, clamped to [0,1]
func (s *Session) SetSpeed(v float64) float64 {
	v = s.dispatcher.SetSpeed(v)
	s.changed()
	return v
}

// Move sends a move command. A nil speed uses the stored speed.
func (s *Session) Move(ctx context.Context, dir motion.Direction, speed *float64) error {
	if speed == nil {
		return s.dispatcher.MoveAtSpeed(ctx, dir)
	}
	return s.dispatcher.Move(ctx, dir, *speed)
}

// Rotate sends a rotate command. A nil speed uses the stored speed.
func (s *Session) Rotate(ctx context.Context, dir motion.Direction, speed *float64) error {
	if speed == nil {
		return s.dispatcher.RotateAtSpeed(ctx, dir)
	}
	return s.dispatcher.Rotate(ctx, dir, *speed)
}

// Stop sends the emergency stop
func (s *Session) Stop(ctx context.Context) error {
	return s.dispatcher.Stop(ctx)
}

// SwitchCamera toggles the active camera
func (s *Session) SwitchCamera(ctx context.Context) error {
	return s.dispatcher.SwitchCamera(ctx)
}

// EditScript replaces the script text and schedules an autosave
func (s *Session) EditScript(text string) {
	s.editor.Edit(text)
}

// SaveScript saves the script immediately
func (s *Session) SaveScript(ctx context.Context) error {
	return s.editor.Save(ctx)
}

// FlushScript saves the script if edits have not reached the robot yet
func (s *Session) FlushScript(ctx context.Context) error {
	return s.editor.Flush(ctx)
}

// RunScript starts the current script
func (s *Session) RunScript(ctx context.Context) error {
	return s.runner.Run(ctx)
}

// StopScript stops the running script
func (s *Session) StopScript(ctx context.Context) error {
	return s.runner.Stop(ctx)
}

// SetSettingsHost points the settings form at host
func (s *Session) SetSettingsHost(ctx context.Context, host string) bool {
	return s.settings.SetHost(ctx, host)
}

// SaveRobotIP sets and saves the robot IP
func (s *Session) SaveRobotIP(ctx context.Context, ip string) settings.Outcome {
	s.settings.SetIP(ip)
	return s.settings.Save(ctx)
}
