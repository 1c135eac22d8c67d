package supervisor

import "fmt"

// Status is a worker lifecycle state reported to observers.
type Status string

const (
	// StatusStarting means the worker's launch spec was resolved and the
	// process is being spawned.
	StatusStarting Status = "starting"
	// StatusRunning means the process is up. For the primary this is
	// reported only after the health check passes.
	StatusRunning Status = "running"
	// StatusConnected is tunnel-only: the public URL has been discovered.
	StatusConnected Status = "connected"
	// StatusError means the worker failed to start or to become ready.
	StatusError Status = "error"
	// StatusStopped means the worker was torn down.
	StatusStopped Status = "stopped"
)

// Observer topics. Status transitions are scoped per worker kind under
// TopicWorkerStatus; the tunnel URL is additionally published whole on
// TopicEndpointURL.
const (
	TopicWorkerStatus   = "worker-status"
	TopicEndpointURL    = "endpoint-url"
	TopicUpdateProgress = "update-progress"
)

func statusTopic(kind WorkerKind) string {
	return TopicWorkerStatus + "/" + kind.String()
}

// StatusEvent is one worker status transition.
type StatusEvent struct {
	Kind   WorkerKind
	Status Status
	URL    string // set with StatusConnected
	Err    error  // set with StatusError
}

// Payload renders the event for the string-typed observer sink: the bare
// status token, or "error: <message>". The URL never rides along here; it is
// published whole on TopicEndpointURL.
func (e StatusEvent) Payload() string {
	if e.Err != nil {
		return fmt.Sprintf("error: %v", e.Err)
	}
	return string(e.Status)
}

// Sink receives observer events. Implementations must not block; the
// supervisor publishes from its orchestration path.
type Sink interface {
	Publish(topic, payload string)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Publish(topic, payload string) {}
