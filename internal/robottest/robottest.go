// Package robottest provides an in-process fake of the robot HTTP API for
// tests.
package robottest

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

// Request is one request observed by the fake robot
type Request struct {
	Method string
	Path   string
	Body   map[string]interface{}
	Raw    string
}

// Robot is a fake robot API backed by httptest.Server
type Robot struct {
	Server *httptest.Server

	t            testing.TB
	mu           sync.Mutex
	gates        map[string]*Gate // "METHOD path" -> gate
	requests     []Request
	failing      map[string]int // path -> status code to answer with
	malformed    map[string]bool
	status       map[string]interface{}
	script       string
	running      bool
	output       string
	scriptError  string
	robotIP      string
	rejectIP     bool
	saveRejected bool
}

// New starts a fake robot and registers its shutdown with t.Cleanup
func New(t testing.TB) *Robot {
	t.Helper()
	r := &Robot{
		t:         t,
		gates:     make(map[string]*Gate),
		failing:   make(map[string]int),
		malformed: make(map[string]bool),
		status: map[string]interface{}{
			"success":      true,
			"isMoving":     false,
			"lastCommand":  "none",
			"cameraFacing": 0,
		},
		robotIP: "192.168.1.100",
	}
	r.Server = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.Server.Close)
	return r
}

// HostPort returns the host and port the fake listens on
func (r *Robot) HostPort() (string, int) {
	host, port, _ := net.SplitHostPort(r.Server.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return host, p
}

// Fail makes every request to path answer with code until Recover is called
func (r *Robot) Fail(path string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing[path] = code
}

// Malformed makes path answer 200 with a body that is not JSON
func (r *Robot) Malformed(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.malformed[path] = true
}

// Recover clears failures injected for path
func (r *Robot) Recover(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failing, path)
	delete(r.malformed, path)
}

// SetStatus replaces the device status answered by /api/robot/status
func (r *Robot) SetStatus(isMoving bool, lastCommand string, cameraFacing int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = map[string]interface{}{
		"success":      true,
		"isMoving":     isMoving,
		"lastCommand":  lastCommand,
		"cameraFacing": cameraFacing,
	}
}

// SetScriptState replaces the run state answered by /api/script/status
func (r *Robot) SetScriptState(running bool, output, scriptError string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = running
	r.output = output
	r.scriptError = scriptError
}

// SetScript replaces the stored script
func (r *Robot) SetScript(script string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.script = script
}

// StoredScript returns the last script saved to the fake
func (r *Robot) StoredScript() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.script
}

// SetRobotIP replaces the stored robot IP
func (r *Robot) SetRobotIP(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.robotIP = ip
}

// RejectIP makes POST /api/robot/ip answer 400 with success=false
func (r *Robot) RejectIP(reject bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejectIP = reject
}

// RejectSave makes POST /api/script answer 200 with success=false
func (r *Robot) RejectSave(reject bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveRejected = reject
}

// Gate holds requests to one path until released
type Gate struct {
	arrived chan Request
	release chan struct{}
	once    sync.Once
}

// Hold makes requests matching method and path block until the returned gate
// is released. The gate is released at test cleanup so the server can shut
// down.
func (r *Robot) Hold(method, path string) *Gate {
	g := &Gate{
		arrived: make(chan Request, 16),
		release: make(chan struct{}),
	}
	r.mu.Lock()
	r.gates[method+" "+path] = g
	r.mu.Unlock()
	r.t.Cleanup(g.Release)
	return g
}

// Arrived waits for a request to reach the gate
func (g *Gate) Arrived(t testing.TB, timeout time.Duration) Request {
	t.Helper()
	select {
	case req := <-g.arrived:
		return req
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for a held request")
		return Request{}
	}
}

// Release lets held and future requests through
func (g *Gate) Release() {
	g.once.Do(func() { close(g.release) })
}

// Requests returns every request matching method and path seen so far
func (r *Robot) Requests(method, path string) []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Request
	for _, req := range r.requests {
		if req.Method == method && req.Path == path {
			out = append(out, req)
		}
	}
	return out
}

// Count returns the number of requests matching method and path
func (r *Robot) Count(method, path string) int {
	return len(r.Requests(method, path))
}

// AwaitCount blocks until at least n requests matching method and path have
// been answered, or fails the test after timeout. It returns the nth request.
func (r *Robot) AwaitCount(t testing.TB, method, path string, n int, timeout time.Duration) Request {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if reqs := r.Requests(method, path); len(reqs) >= n {
			return reqs[n-1]
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d x %s %s (saw %d)", n, method, path, r.Count(method, path))
			return Request{}
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (r *Robot) handle(w http.ResponseWriter, req *http.Request) {
	raw, _ := io.ReadAll(req.Body)
	var body map[string]interface{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &body)
	}
	seen := Request{Method: req.Method, Path: req.URL.Path, Body: body, Raw: string(raw)}

	r.mu.Lock()
	code, failing := r.failing[req.URL.Path]
	malformed := r.malformed[req.URL.Path]
	gate := r.gates[req.Method+" "+req.URL.Path]
	r.mu.Unlock()

	if gate != nil {
		select {
		case gate.arrived <- seen:
		default:
		}
		<-gate.release
	}

	// Recorded once the handler has applied its state change, so a waiter
	// that sees the request also sees its effect.
	defer func() {
		r.mu.Lock()
		r.requests = append(r.requests, seen)
		r.mu.Unlock()
	}()

	if failing {
		w.WriteHeader(code)
		return
	}
	if malformed {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{not json"))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case req.Method == http.MethodGet && req.URL.Path == "/api/status":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"server": "Fake Robot", "status": "online", "httpPort": 8080, "webSocketPort": 8081,
		})
	case req.Method == http.MethodGet && req.URL.Path == "/api/robot/status":
		writeJSON(w, http.StatusOK, r.status)
	case req.Method == http.MethodPost && req.URL.Path == "/api/robot/move",
		req.Method == http.MethodPost && req.URL.Path == "/api/robot/rotate",
		req.Method == http.MethodPost && req.URL.Path == "/api/robot/stop",
		req.Method == http.MethodPost && req.URL.Path == "/api/robot/camera/switch":
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	case req.Method == http.MethodGet && req.URL.Path == "/api/robot/ip":
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "robotIp": r.robotIP})
	case req.Method == http.MethodPost && req.URL.Path == "/api/robot/ip":
		if r.rejectIP {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "Invalid IP address format"})
			return
		}
		if ip, ok := body["ip"].(string); ok {
			r.robotIP = ip
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "robotIp": r.robotIP})
	case req.Method == http.MethodGet && req.URL.Path == "/api/script":
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "script": r.script})
	case req.Method == http.MethodPost && req.URL.Path == "/api/script":
		if r.saveRejected {
			writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "error": "rejected"})
			return
		}
		if s, ok := body["script"].(string); ok {
			r.script = s
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Script saved"})
	case req.Method == http.MethodPost && req.URL.Path == "/api/script/run":
		if r.running {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "Script is already running"})
			return
		}
		r.running = true
		r.output = ""
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	case req.Method == http.MethodPost && req.URL.Path == "/api/script/stop":
		r.running = false
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	case req.Method == http.MethodGet && req.URL.Path == "/api/script/status":
		resp := map[string]interface{}{"success": true, "running": r.running, "output": r.output}
		if r.scriptError != "" {
			resp["error"] = r.scriptError
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "error": "API endpoint not found: " + req.URL.Path})
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
