// Package pubsub provides a generic publish/subscribe event system.
package pubsub

import (
	"context"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// StatusChanged carries a worker status transition.
	StatusChanged EventType = "status"
	// EndpointDiscovered carries a newly scraped public endpoint URL.
	EndpointDiscovered EventType = "endpoint"
	// LogLine carries a structured log entry for in-process streaming.
	LogLine EventType = "log"
)

// Event represents a published event with a typed payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
