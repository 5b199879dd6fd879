package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart    EventType = "start"    // process spawned
	EventOnline   EventType = "online"   // readiness detected
	EventStop     EventType = "stop"     // requested stop completed
	EventCrash    EventType = "crash"    // unexpected exit with a non-clean code
	EventExit     EventType = "exit"     // unexpected exit with a clean code
	EventBackup   EventType = "backup"   // backup archive created
	EventRestore  EventType = "restore"  // backup restored
	EventSchedule EventType = "schedule" // schedule fired
)

// Record is the server snapshot attached to an event.
type Record struct {
	ServerID string `json:"server_id"`
	Status   string `json:"status"`
	PID      int    `json:"pid"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
