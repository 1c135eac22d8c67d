package supervisor

import (
	"errors"
	"fmt"
)

// ErrHealthTimeout is returned when the primary backend never answered its
// health check within the configured attempt budget.
var ErrHealthTimeout = errors.New("primary health check timed out")

// ErrTunnelReadinessTimeout is returned when the tunnel client started but
// never printed a public URL within the ready timeout.
var ErrTunnelReadinessTimeout = errors.New("tunnel readiness timed out")

// ErrNoProjectRoot is returned in development mode when no directory on the
// upward search path contains both package.json and a server/ subdirectory.
var ErrNoProjectRoot = errors.New("project root not found")

// MissingBinaryError indicates a worker executable or entry script that does
// not exist at its resolved path.
type MissingBinaryError struct {
	Path string
}

func (e *MissingBinaryError) Error() string {
	return fmt.Sprintf("missing binary: %s", e.Path)
}

// SpawnError wraps a failure to start a worker process.
type SpawnError struct {
	Kind WorkerKind
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Kind, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
