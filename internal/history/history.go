package history

import (
	"context"
	"time"
)

// EventType defines the kind of worker lifecycle event.
type EventType string

const (
	EventStart             EventType = "start"
	EventStop              EventType = "stop"
	EventCrash             EventType = "crash"
	EventRestartsExhausted EventType = "restarts_exhausted"
)

// Record is the minimal unit persisted per lifecycle event.
type Record struct {
	Model     string    `json:"model"`
	PID       int       `json:"pid"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Detail    string    `json:"detail,omitempty"` // e.g. stderr tail for crashes
	UpdatedAt time.Time `json:"updated_at"`
}

// Event represents a worker lifecycle event to be exported to external
// systems (auditing, alerting backends).
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for lifecycle events. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
