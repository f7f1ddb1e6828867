package console

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/thebranchdriftcatalyst/robot-console/internal/robotapi"
	"github.com/thebranchdriftcatalyst/robot-console/internal/robottest"
	"github.com/thebranchdriftcatalyst/robot-console/internal/session"
	testingclock "k8s.io/utils/clock/testing"
)

const awaitTimeout = 2 * time.Second

type fixture struct {
	robot   *robottest.Robot
	clock   *testingclock.FakeClock
	session *session.Session
	console *Server
	server  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	robot := robottest.New(t)
	host, port := robot.HostPort()
	fc := testingclock.NewFakeClock(time.Now())

	sess := session.New(session.Options{
		Host:           host,
		Port:           port,
		PollInterval:   time.Second,
		SaveDebounce:   800 * time.Millisecond,
		MessageTTL:     2 * time.Second,
		RequestTimeout: time.Second,
		Clock:          fc,
	}, zerolog.Nop())
	t.Cleanup(sess.Close)

	c := NewServer(sess, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := httptest.NewServer(c.Handler())
	t.Cleanup(srv.Close)

	return &fixture{robot: robot, clock: fc, session: sess, console: c, server: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestServer_State(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/state", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["sessionId"] != f.session.ID {
		t.Errorf("sessionId = %v, want %v", body["sessionId"], f.session.ID)
	}
	if body["speed"] != 0.5 {
		t.Errorf("speed = %v, want 0.5", body["speed"])
	}
	device, _ := body["device"].(map[string]interface{})
	if device["lastCommand"] != "none" {
		t.Errorf("device = %v, want initial status", device)
	}
}

func TestServer_MotionIntents(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantPath string
		wantBody map[string]interface{}
	}{
		{
			name:     "move with stored speed",
			path:     "/api/robot/move",
			body:     `{"direction":"forward"}`,
			wantCode: http.StatusOK,
			wantPath: robotapi.PathMove,
			wantBody: map[string]interface{}{"direction": "forward", "speed": 0.5},
		},
		{
			name:     "rotate clamps speed",
			path:     "/api/robot/rotate",
			body:     `{"direction":"left","speed":7}`,
			wantCode: http.StatusOK,
			wantPath: robotapi.PathRotate,
			wantBody: map[string]interface{}{"direction": "left", "speed": 1.0},
		},
		{
			name:     "stop without body",
			path:     "/api/robot/stop",
			wantCode: http.StatusOK,
			wantPath: robotapi.PathStop,
			wantBody: map[string]interface{}{},
		},
		{
			name:     "camera switch",
			path:     "/api/robot/camera/switch",
			body:     `{}`,
			wantCode: http.StatusOK,
			wantPath: robotapi.PathCameraSwitch,
			wantBody: map[string]interface{}{},
		},
		{
			name:     "invalid direction",
			path:     "/api/robot/move",
			body:     `{"direction":"up"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "rotate forward is invalid",
			path:     "/api/robot/rotate",
			body:     `{"direction":"forward"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "malformed body",
			path:     "/api/robot/move",
			body:     `{not json`,
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			code, body := f.do(t, http.MethodPost, tt.path, tt.body)
			if code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %v)", code, tt.wantCode, body)
			}
			if tt.wantPath == "" {
				if body["success"] != false || body["error"] == "" {
					t.Errorf("error body = %v", body)
				}
				for _, p := range []string{robotapi.PathMove, robotapi.PathRotate} {
					if n := f.robot.Count(http.MethodPost, p); n != 0 {
						t.Errorf("%d requests reached %s", n, p)
					}
				}
				return
			}

			req := f.robot.AwaitCount(t, http.MethodPost, tt.wantPath, 1, awaitTimeout)
			if len(req.Body) != len(tt.wantBody) {
				t.Errorf("body = %v, want %v", req.Body, tt.wantBody)
			}
			for k, v := range tt.wantBody {
				if req.Body[k] != v {
					t.Errorf("body[%s] = %v, want %v", k, req.Body[k], v)
				}
			}
		})
	}
}

func TestServer_NetworkFailureIsNotSurfaced(t *testing.T) {
	f := newFixture(t)
	f.robot.Fail(robotapi.PathStop, http.StatusBadGateway)

	code, _ := f.do(t, http.MethodPost, "/api/robot/stop", "")
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200 for a transport failure", code)
	}
}

func TestServer_ScriptEditAutosaves(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodPut, "/api/script", `{"script":"robot.stop();"}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if n := f.robot.Count(http.MethodPost, robotapi.PathScript); n != 0 {
		t.Fatalf("saved before debounce elapsed")
	}

	f.clock.Step(800 * time.Millisecond)
	req := f.robot.AwaitCount(t, http.MethodPost, robotapi.PathScript, 1, awaitTimeout)
	if req.Body["script"] != "robot.stop();" {
		t.Errorf("saved script = %v", req.Body["script"])
	}

	if code, _ := f.do(t, http.MethodPut, "/api/script", `{}`); code != http.StatusBadRequest {
		t.Errorf("edit without script status = %d, want 400", code)
	}
}

func TestServer_RunWhileRunningIsRejected(t *testing.T) {
	f := newFixture(t)

	if code, _ := f.do(t, http.MethodPost, "/api/script/run", ""); code != http.StatusOK {
		t.Fatalf("first run status = %d", code)
	}
	code, body := f.do(t, http.MethodPost, "/api/script/run", "")
	if code != http.StatusBadRequest {
		t.Errorf("second run status = %d, want 400", code)
	}
	if !strings.Contains(body["error"].(string), "already running") {
		t.Errorf("error = %v", body["error"])
	}

	// Stop stays available
	if code, _ := f.do(t, http.MethodPost, "/api/script/stop", ""); code != http.StatusOK {
		t.Errorf("stop status = %d", code)
	}
	if n := f.robot.Count(http.MethodPost, robotapi.PathScriptRun); n != 1 {
		t.Errorf("run sent %d times, want 1", n)
	}
}

func TestServer_SaveIP(t *testing.T) {
	tests := []struct {
		name        string
		reject      bool
		wantSuccess bool
		wantMessage string
	}{
		{name: "saved", wantSuccess: true, wantMessage: "Saved"},
		{name: "rejected", reject: true, wantSuccess: false, wantMessage: "Failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.robot.RejectIP(tt.reject)

			code, body := f.do(t, http.MethodPost, "/api/settings/ip", `{"ip":"192.168.1.20"}`)
			if code != http.StatusOK {
				t.Fatalf("status = %d", code)
			}
			if body["success"] != tt.wantSuccess || body["message"] != tt.wantMessage {
				t.Errorf("body = %v, want success=%v message=%s", body, tt.wantSuccess, tt.wantMessage)
			}
		})
	}
}

func TestServer_StreamRedirect(t *testing.T) {
	f := newFixture(t)

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Get(f.server.URL + "/stream/video")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Errorf("status = %d, want 307", resp.StatusCode)
	}
	if got, want := resp.Header.Get("Location"), f.session.StreamURL(); got != want {
		t.Errorf("Location = %q, want %q", got, want)
	}
}

func TestServer_NotFound(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/nope", "")
	if code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
	if body["success"] != false {
		t.Errorf("body = %v", body)
	}
}

type wsReader struct {
	msgs chan OutboundMessage
}

func dial(t *testing.T, f *fixture) (*websocket.Conn, *wsReader) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	r := &wsReader{msgs: make(chan OutboundMessage, 256)}
	go func() {
		defer close(r.msgs)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			for _, line := range strings.Split(string(data), "\n") {
				if line == "" {
					continue
				}
				var msg OutboundMessage
				if err := json.Unmarshal([]byte(line), &msg); err != nil {
					continue
				}
				r.msgs <- msg
			}
		}
	}()
	return conn, r
}

// next returns the first message matching match
func (r *wsReader) next(t *testing.T, what string, match func(OutboundMessage) bool) OutboundMessage {
	t.Helper()
	timeout := time.After(awaitTimeout)
	for {
		select {
		case msg, ok := <-r.msgs:
			if !ok {
				t.Fatalf("connection closed waiting for %s", what)
			}
			if match(msg) {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

func TestWebSocket_InitialStateAndPing(t *testing.T) {
	f := newFixture(t)
	conn, r := dial(t, f)

	first := r.next(t, "initial state", func(OutboundMessage) bool { return true })
	if first.Type != TypeState || first.State == nil || first.State.SessionID != f.session.ID {
		t.Fatalf("first message = %+v, want state", first)
	}

	send(t, conn, `{"type":"ping"}`)
	r.next(t, "pong", func(m OutboundMessage) bool { return m.Type == TypePong })
}

func TestWebSocket_IntentBroadcastsState(t *testing.T) {
	f := newFixture(t)
	conn, r := dial(t, f)
	_, other := dial(t, f)
	r.next(t, "initial state", func(OutboundMessage) bool { return true })
	other.next(t, "initial state", func(OutboundMessage) bool { return true })

	send(t, conn, `{"type":"speed","speed":0.3}`)

	isSpeed := func(m OutboundMessage) bool {
		return m.Type == TypeState && m.State != nil && m.State.Speed == 0.3
	}
	r.next(t, "speed broadcast", isSpeed)
	other.next(t, "speed broadcast on second client", isSpeed)
}

func TestWebSocket_RejectedIntentOnlyToSender(t *testing.T) {
	f := newFixture(t)
	conn, r := dial(t, f)

	tests := []struct {
		name string
		msg  string
	}{
		{name: "invalid direction", msg: `{"type":"move","direction":"up"}`},
		{name: "unknown type", msg: `{"type":"dance"}`},
		{name: "missing speed", msg: `{"type":"speed"}`},
		{name: "invalid json", msg: `{nope`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, conn, tt.msg)
			msg := r.next(t, "error", func(m OutboundMessage) bool { return m.Type == TypeError })
			if msg.Error == "" {
				t.Errorf("error message empty")
			}
		})
	}
	if n := f.robot.Count(http.MethodPost, robotapi.PathMove); n != 0 {
		t.Errorf("invalid move reached the robot %d times", n)
	}
}

func TestWebSocket_ClientCount(t *testing.T) {
	f := newFixture(t)
	conn, r := dial(t, f)
	r.next(t, "initial state", func(OutboundMessage) bool { return true })

	if n := f.console.Hub().ClientCount(); n != 1 {
		t.Errorf("ClientCount() = %d, want 1", n)
	}

	conn.Close()
	deadline := time.Now().Add(awaitTimeout)
	for f.console.Hub().ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not unregistered after close")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWebSocket_StopOvertakesSlowMove(t *testing.T) {
	f := newFixture(t)
	conn, r := dial(t, f)
	r.next(t, "initial state", func(OutboundMessage) bool { return true })

	gate := f.robot.Hold(http.MethodPost, robotapi.PathMove)
	send(t, conn, `{"type":"move","direction":"forward"}`)
	gate.Arrived(t, awaitTimeout)

	// Queued behind the held move, then superseded by the stop
	send(t, conn, `{"type":"move","direction":"backward"}`)
	send(t, conn, `{"type":"stop"}`)
	send(t, conn, `{"type":"camera"}`)

	f.robot.AwaitCount(t, http.MethodPost, robotapi.PathStop, 1, 500*time.Millisecond)
	if n := f.robot.Count(http.MethodPost, robotapi.PathMove); n != 0 {
		t.Fatalf("move answered before release (%d)", n)
	}

	gate.Release()
	f.robot.AwaitCount(t, http.MethodPost, robotapi.PathCameraSwitch, 1, awaitTimeout)

	moves := f.robot.Requests(http.MethodPost, robotapi.PathMove)
	if len(moves) != 1 || moves[0].Body["direction"] != "forward" {
		t.Errorf("moves = %v, want only the forward move sent before the stop", moves)
	}
}

func TestWebSocket_ValidationErrorWhileBusy(t *testing.T) {
	f := newFixture(t)
	conn, r := dial(t, f)
	r.next(t, "initial state", func(OutboundMessage) bool { return true })

	gate := f.robot.Hold(http.MethodPost, robotapi.PathMove)
	send(t, conn, `{"type":"move","direction":"forward"}`)
	gate.Arrived(t, awaitTimeout)

	send(t, conn, `{"type":"rotate","direction":"forward"}`)
	msg := r.next(t, "error", func(m OutboundMessage) bool { return m.Type == TypeError })
	if !strings.Contains(msg.Error, "direction") {
		t.Errorf("error = %q, want an invalid direction error", msg.Error)
	}
	gate.Release()
}
