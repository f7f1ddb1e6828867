// Package console serves the operator surface: a REST API and a WebSocket hub
// that broadcasts session snapshots and accepts intents.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/thebranchdriftcatalyst/robot-console/internal/motion"
	"github.com/thebranchdriftcatalyst/robot-console/internal/script"
	"github.com/thebranchdriftcatalyst/robot-console/internal/session"
	"github.com/thebranchdriftcatalyst/robot-console/internal/settings"
)

var (
	// ErrUnknownType is returned for an inbound message type the console does
	// not handle
	ErrUnknownType = errors.New("unknown message type")

	// ErrMissingField is returned when an intent lacks a required field
	ErrMissingField = errors.New("missing field")
)

// Server routes operator requests into a session
type Server struct {
	session  *session.Session
	hub      *Hub
	router   *mux.Router
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	// ctx scopes intents arriving over WebSocket; set by Run
	mu  sync.Mutex
	ctx context.Context
}

// NewServer creates a console for sess
func NewServer(sess *session.Session, logger zerolog.Logger) *Server {
	s := &Server{
		session: sess,
		upgrader: websocket.Upgrader{
			// The console is reached from the operator's LAN by address
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "console").Logger(),
		ctx:    context.Background(),
	}
	s.hub = NewHub(s, logger)
	s.router = s.newRouter()
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the WebSocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run runs the hub and broadcasts a snapshot after every session change. It
// blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	changes, cancel := s.session.Subscribe()
	defer cancel()

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		s.hub.Run(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			<-hubDone
			return
		case _, ok := <-changes:
			if !ok {
				<-hubDone
				return
			}
			s.hub.Broadcast(NewStateMessage(s.session.Snapshot()))
		}
	}
}

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/state", s.handleState).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	r.HandleFunc("/stream/video", s.handleStream).Methods("GET")

	r.HandleFunc("/api/robot/move", s.intent(TypeMove)).Methods("POST")
	r.HandleFunc("/api/robot/rotate", s.intent(TypeRotate)).Methods("POST")
	r.HandleFunc("/api/robot/stop", s.intent(TypeStop)).Methods("POST")
	r.HandleFunc("/api/robot/camera/switch", s.intent(TypeCamera)).Methods("POST")
	r.HandleFunc("/api/robot/speed", s.intent(TypeSpeed)).Methods("POST")

	r.HandleFunc("/api/script", s.intent(TypeEdit)).Methods("PUT")
	r.HandleFunc("/api/script/save", s.intent(TypeSave)).Methods("POST")
	r.HandleFunc("/api/script/run", s.intent(TypeRun)).Methods("POST")
	r.HandleFunc("/api/script/stop", s.intent(TypeScriptStop)).Methods("POST")

	r.HandleFunc("/api/settings/host", s.intent(TypeHost)).Methods("POST")
	r.HandleFunc("/api/settings/ip", s.handleSaveIP).Methods("POST")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "API endpoint not found: "+r.URL.Path)
	})
	return r
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.session.StreamURL(), http.StatusTemporaryRedirect)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	initial := NewStateMessage(s.session.Snapshot())
	client := s.hub.NewClient(conn, &initial)
	if client == nil {
		conn.Close()
		return
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	go client.WritePump()
	go client.ReadPump(ctx)
}

// intent returns a REST handler that decodes the body as an intent of type t
func (s *Server) intent(t MessageType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := decodeIntent(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		msg.Type = t

		if err := s.Apply(r.Context(), msg); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	}
}

func (s *Server) handleSaveIP(w http.ResponseWriter, r *http.Request) {
	msg, err := decodeIntent(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome := s.session.SaveRobotIP(r.Context(), msg.IP)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": outcome == settings.Saved,
		"message": outcome,
	})
}

// Validate performs the local checks of an intent: a known type, required
// fields, a valid direction and the run gate
func (s *Server) Validate(msg *InboundMessage) error {
	switch msg.Type {
	case TypeMove:
		_, err := motion.Move(motion.Direction(msg.Direction), 0)
		return err
	case TypeRotate:
		_, err := motion.Rotate(motion.Direction(msg.Direction), 0)
		return err
	case TypeSpeed:
		if msg.Speed == nil {
			return fmt.Errorf("speed: %w", ErrMissingField)
		}
	case TypeEdit:
		if msg.Script == nil {
			return fmt.Errorf("script: %w", ErrMissingField)
		}
	case TypeRun:
		if !s.session.Snapshot().CanRun {
			return script.ErrAlreadyRunning
		}
	case TypeStop, TypeCamera, TypeSave, TypeScriptStop, TypeHost, TypeIP:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return nil
}

// Apply performs one operator intent against the session. Only local
// validation errors are returned; transport failures are logged and counted
// by the pipelines and left to the next poll.
func (s *Server) Apply(ctx context.Context, msg *InboundMessage) error {
	if err := s.Validate(msg); err != nil {
		return err
	}

	var err error
	switch msg.Type {
	case TypeMove:
		err = s.session.Move(ctx, motion.Direction(msg.Direction), msg.Speed)
	case TypeRotate:
		err = s.session.Rotate(ctx, motion.Direction(msg.Direction), msg.Speed)
	case TypeStop:
		err = s.session.Stop(ctx)
	case TypeCamera:
		err = s.session.SwitchCamera(ctx)
	case TypeSpeed:
		s.session.SetSpeed(*msg.Speed)
	case TypeEdit:
		s.session.EditScript(*msg.Script)
	case TypeSave:
		err = s.session.SaveScript(ctx)
	case TypeRun:
		err = s.session.RunScript(ctx)
	case TypeScriptStop:
		err = s.session.StopScript(ctx)
	case TypeHost:
		s.session.SetSettingsHost(ctx, msg.Host)
	case TypeIP:
		s.session.SaveRobotIP(ctx, msg.IP)
	}

	if err == nil {
		return nil
	}
	if errors.Is(err, motion.ErrInvalidDirection) || errors.Is(err, script.ErrAlreadyRunning) {
		return err
	}
	s.logger.Debug().Err(err).Str("type", string(msg.Type)).Msg("Intent not delivered")
	return nil
}

func decodeIntent(r *http.Request) (*InboundMessage, error) {
	var msg InboundMessage
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return &msg, nil
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return &msg, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]interface{}{
		"success":   false,
		"error":     msg,
		"timestamp": time.Now().UnixMilli(),
	})
}
