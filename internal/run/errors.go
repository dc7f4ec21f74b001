package run

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownRun is returned for run ids that were never assigned or have been evicted.
	ErrUnknownRun = errors.New("unknown run")
	// ErrSpawn marks failures to create the OS process.
	ErrSpawn = errors.New("spawn failed")
)

// SpawnError reports a process that could not be started. RunID is the id carried
// by the spawn_error event; no record exists for it.
type SpawnError struct {
	RunID string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn run %s: %v", e.RunID, e.Err)
}

func (e *SpawnError) Unwrap() []error { return []error{ErrSpawn, e.Err} }
