// Package supervisor launches and supervises the termtunnel worker set: the
// primary backend server, the tunnel client that exposes it publicly, and an
// optional PTY sidecar. It owns orphan cleanup before startup, the health
// gate between the primary and the tunnel, log-scraped tunnel readiness, and
// ordered teardown.
package supervisor

import (
	"os/exec"
	"sync"
)

// WorkerKind identifies one of the supervised worker slots.
type WorkerKind int

const (
	// Primary is the backend server the tunnel points at.
	Primary WorkerKind = iota
	// Tunnel is the quick-tunnel client.
	Tunnel
	// Auxiliary is the PTY sidecar.
	Auxiliary

	kindCount
)

func (k WorkerKind) String() string {
	switch k {
	case Primary:
		return "primary"
	case Tunnel:
		return "tunnel"
	case Auxiliary:
		return "auxiliary"
	default:
		return "unknown"
	}
}

// Mode selects how worker paths are resolved.
type Mode int

const (
	// Development resolves workers from a project tree found by walking up
	// from the working directory.
	Development Mode = iota
	// Packaged resolves workers from a bundled resource directory.
	Packaged
)

// ParseMode maps a config string to a Mode. Unknown values fall back to
// Packaged, the deployment default.
func ParseMode(s string) Mode {
	if s == "development" {
		return Development
	}
	return Packaged
}

// Handle is a live worker process. The watcher is non-nil only for the
// tunnel, whose output is scanned for the public URL.
type Handle struct {
	Cmd     *exec.Cmd
	PID     int
	watcher *LogWatcher
}

// slot guards one worker's handle. Each kind has its own lock so a slow stop
// of one worker never blocks liveness queries on another.
type slot struct {
	mu     sync.Mutex
	handle *Handle
}

// Registry is the arena of worker slots.
type Registry struct {
	slots [kindCount]slot
}

// IsLive reports whether a worker of the given kind is currently installed.
func (r *Registry) IsLive(kind WorkerKind) bool {
	s := &r.slots[kind]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// install stores a handle for the kind if the slot is still empty. It
// reports false when another handle won the slot in the meantime; the caller
// owns the losing handle and must dispose of it.
func (r *Registry) install(kind WorkerKind, h *Handle) bool {
	s := &r.slots[kind]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return false
	}
	s.handle = h
	return true
}

// take removes and returns the handle for the kind, or nil when the slot is
// empty. Ownership transfers to the caller.
func (r *Registry) take(kind WorkerKind) *Handle {
	s := &r.slots[kind]
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handle
	s.handle = nil
	return h
}

// peek returns the current handle without removing it.
func (r *Registry) peek(kind WorkerKind) *Handle {
	s := &r.slots[kind]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Endpoint holds the tunnel's discovered public URL.
type Endpoint struct {
	mu  sync.RWMutex
	url string
}

// Set records the public URL.
func (e *Endpoint) Set(url string) {
	e.mu.Lock()
	e.url = url
	e.mu.Unlock()
}

// URL returns the public URL, or "" when no tunnel is connected.
func (e *Endpoint) URL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.url
}

func (e *Endpoint) clear() {
	e.mu.Lock()
	e.url = ""
	e.mu.Unlock()
}
