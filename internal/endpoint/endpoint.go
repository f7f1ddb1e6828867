// Package endpoint resolves the base URL of the robot's control API.
package endpoint

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

const (
	// DefaultHost is used whenever no host context is available
	DefaultHost = "localhost"
	// DefaultPort is the robot's HTTP API port
	DefaultPort = 8080
)

// Resolve returns the API base URL for host on the default port
func Resolve(host string) string {
	return ResolvePort(host, DefaultPort)
}

// ResolvePort returns http://<host>:<port>, falling back to localhost when
// host is empty.
func ResolvePort(host string, port int) string {
	h := Normalize(host)
	if h == "" {
		h = DefaultHost
	}
	return "http://" + net.JoinHostPort(h, strconv.Itoa(port))
}

// Normalize strips a scheme, port, path and IPv6 brackets from host so that
// operator input such as "http://robot.local:8080/" becomes "robot.local".
func Normalize(host string) string {
	h := strings.TrimSpace(host)
	if h == "" {
		return ""
	}
	if strings.Contains(h, "://") {
		if u, err := url.Parse(h); err == nil {
			return u.Hostname()
		}
	}
	if i := strings.IndexByte(h, '/'); i >= 0 {
		h = h[:i]
	}
	if hostname, _, err := net.SplitHostPort(h); err == nil {
		return hostname
	}
	return strings.Trim(h, "[]")
}

// Resolver holds the current host context. BaseURL is recomputed on every
// call so a host change is picked up by the very next request.
type Resolver struct {
	mu   sync.RWMutex
	host string
	port int
}

// NewResolver creates a resolver for host on port (DefaultPort when port <= 0)
func NewResolver(host string, port int) *Resolver {
	if port <= 0 {
		port = DefaultPort
	}
	return &Resolver{host: host, port: port}
}

// SetHost replaces the host context
func (r *Resolver) SetHost(host string) {
	r.mu.Lock()
	r.host = host
	r.mu.Unlock()
}

// Host returns the normalized host context, or DefaultHost if unset
func (r *Resolver) Host() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h := Normalize(r.host); h != "" {
		return h
	}
	return DefaultHost
}

// BaseURL returns the API base URL for the current host context
func (r *Resolver) BaseURL() string {
	r.mu.RLock()
	host, port := r.host, r.port
	r.mu.RUnlock()
	return ResolvePort(host, port)
}

// URL joins path onto the current base URL
func (r *Resolver) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return r.BaseURL() + path
}
