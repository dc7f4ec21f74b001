// Package history exports run lifecycle events to append-only sinks.
package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart      EventType = "start"
	EventExit       EventType = "exit"
	EventSpawnError EventType = "spawn_error"
)

// Record is a flattened run record.
type Record struct {
	RunID      string     `json:"run_id"`
	ProjectID  string     `json:"project_id"`
	Script     string     `json:"script"`
	Label      string     `json:"label,omitempty"`
	Command    string     `json:"command"`
	WorkDir    string     `json:"work_dir"`
	PID        int        `json:"pid"`
	State      string     `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	WasStopped bool       `json:"was_stopped"`
	Warning    string     `json:"warning,omitempty"`
	Error      string     `json:"error,omitempty"`
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

// Multi sends every event to all sinks and joins their errors.
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

// Close closes every sink that holds resources.
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
