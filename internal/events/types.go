// Package events provides an asynchronous, non-blocking event bus that
// carries pipeline advisories and reported errors to consumers such as the
// log and push notifications.
package events

import (
	"time"
)

// Event is anything the bus can carry. *errors.EnhancedError satisfies it,
// which lets the errors package publish without importing this package.
type Event interface {
	// GetComponent returns the component that produced the event
	GetComponent() string

	// GetCategory returns the category used for grouping
	GetCategory() string

	// GetContext returns additional context data
	GetContext() map[string]any

	// GetTimestamp returns when the event occurred
	GetTimestamp() time.Time

	// GetError returns the underlying error, nil for advisories
	GetError() error

	// GetMessage returns a human-readable message
	GetMessage() string

	// IsReported returns whether the event has already been reported
	IsReported() bool

	// MarkReported marks the event as reported
	MarkReported()
}

// Consumer processes events delivered by the bus. ProcessEvent runs on a
// bus worker and must not block for long.
type Consumer interface {
	Name() string
	ProcessEvent(event Event) error
}

// Stats contains runtime statistics for monitoring.
type Stats struct {
	EventsReceived   uint64
	EventsSuppressed uint64
	EventsProcessed  uint64
	EventsDropped    uint64
	ConsumerErrors   uint64
}
