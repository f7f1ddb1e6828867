package robotapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/thebranchdriftcatalyst/robot-console/internal/endpoint"
	"github.com/thebranchdriftcatalyst/robot-console/internal/metrics"
)

// ErrMalformedResponse is returned when a response body is not the expected JSON
var ErrMalformedResponse = errors.New("malformed response")

// HTTPError is returned for any non-2xx response
type HTTPError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s failed with status %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Body)
}

// Client represents a robot HTTP API client
type Client struct {
	resolver   *endpoint.Resolver
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a new robot API client. Every request resolves the base
// URL from resolver at send time.
func NewClient(resolver *endpoint.Resolver, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		resolver: resolver,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With().Str("component", "robot-client").Logger(),
	}
}

// WithResolver returns a client that shares the HTTP transport but targets
// the host context of resolver.
func (c *Client) WithResolver(resolver *endpoint.Resolver) *Client {
	return &Client{
		resolver:   resolver,
		httpClient: c.httpClient,
		logger:     c.logger,
	}
}

// Resolver returns the resolver the client targets
func (c *Client) Resolver() *endpoint.Resolver {
	return c.resolver
}

// StreamURL returns the URL of the MJPEG camera stream
func (c *Client) StreamURL() string {
	return c.resolver.URL(PathVideoStream)
}

// do sends a JSON request and decodes the JSON response into out when out is
// not nil. A body that fails to decode is reported before the status code.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	start := time.Now()
	defer func() {
		metrics.APIRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolver.URL(path), body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.APIErrorsTotal.WithLabelValues(method, path, "network_error").Inc()
		c.logger.Debug().Err(err).
			Str("method", method).
			Str("endpoint", path).
			Msg("Robot API request failed")
		return fmt.Errorf("%s %s request failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.APIErrorsTotal.WithLabelValues(method, path, "read_error").Inc()
		return fmt.Errorf("failed to read %s response: %w", path, err)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			metrics.APIErrorsTotal.WithLabelValues(method, path, "decode_error").Inc()
			return fmt.Errorf("%w from %s: %v", ErrMalformedResponse, path, err)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.APIErrorsTotal.WithLabelValues(method, path, fmt.Sprintf("%d", resp.StatusCode)).Inc()
		return &HTTPError{
			Method:     method,
			Endpoint:   path,
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	return nil
}

func (c *Client) post(ctx context.Context, path string, in interface{}) error {
	if in == nil {
		in = struct{}{}
	}
	return c.do(ctx, http.MethodPost, path, in, nil)
}

// Status fetches the robot's motion status. A response without success is an
// error so callers keep their previous view.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, PathStatus, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("robot status not successful: %s", resp.Error)
	}
	return &resp, nil
}

// Move sends a move command
func (c *Client) Move(ctx context.Context, direction string, speed float64) error {
	return c.post(ctx, PathMove, MotionRequest{Direction: direction, Speed: speed})
}

// Rotate sends a rotate command
func (c *Client) Rotate(ctx context.Context, direction string, speed float64) error {
	return c.post(ctx, PathRotate, MotionRequest{Direction: direction, Speed: speed})
}

// Stop sends a stop command
func (c *Client) Stop(ctx context.Context) error {
	return c.post(ctx, PathStop, nil)
}

// SwitchCamera toggles between the front and back camera
func (c *Client) SwitchCamera(ctx context.Context) error {
	return c.post(ctx, PathCameraSwitch, nil)
}

// RobotIP fetches the configured motor-controller IP
func (c *Client) RobotIP(ctx context.Context) (*RobotIPResponse, error) {
	var resp RobotIPResponse
	if err := c.do(ctx, http.MethodGet, PathRobotIP, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetRobotIP stores a new motor-controller IP. The returned bool is the
// server's success flag; err is reserved for requests that never produced a
// readable answer.
func (c *Client) SetRobotIP(ctx context.Context, ip string) (bool, error) {
	var resp RobotIPResponse
	err := c.do(ctx, http.MethodPost, PathRobotIP, RobotIPRequest{IP: ip}, &resp)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			return resp.Success, nil
		}
		return false, err
	}
	return resp.Success, nil
}

// Script fetches the stored script
func (c *Client) Script(ctx context.Context) (*ScriptResponse, error) {
	var resp ScriptResponse
	if err := c.do(ctx, http.MethodGet, PathScript, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SaveScript stores script on the robot
func (c *Client) SaveScript(ctx context.Context, script string) error {
	var resp APIResponse
	if err := c.do(ctx, http.MethodPost, PathScript, ScriptRequest{Script: script}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("save script rejected: %s", resp.Error)
	}
	return nil
}

// RunScript starts executing script on the robot
func (c *Client) RunScript(ctx context.Context, script string) error {
	return c.post(ctx, PathScriptRun, ScriptRequest{Script: script})
}

// StopScript stops the running script, if any
func (c *Client) StopScript(ctx context.Context) error {
	return c.post(ctx, PathScriptStop, nil)
}

// ScriptStatus fetches the run state and captured output
func (c *Client) ScriptStatus(ctx context.Context) (*ScriptStatusResponse, error) {
	var resp ScriptStatusResponse
	if err := c.do(ctx, http.MethodGet, PathScriptStatus, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ServerStatus fetches the robot server's own status page
func (c *Client) ServerStatus(ctx context.Context) (*ServerStatusResponse, error) {
	var resp ServerStatusResponse
	if err := c.do(ctx, http.MethodGet, PathServerStatus, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
