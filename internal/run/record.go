package run

import (
	"maps"
	"time"

	"github.com/loykin/devpilot/internal/history"
	"github.com/loykin/devpilot/internal/process"
)

// StartRequest describes a process to spawn. Env is the complete resolved
// environment; the daemon's own environment is not inherited. WorkspaceID, when
// set, is stamped on every event of the run.
type StartRequest struct {
	Descriptor  process.Descriptor
	Label       string
	WorkDir     string
	Command     string
	Env         map[string]string
	WorkspaceID string
}

// Handle identifies a started run.
type Handle struct {
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

type StopOptions struct {
	// Force skips the grace window and kills the process group immediately.
	Force bool
}

// Record is the state of one run. Values returned by Manager are copies.
type Record struct {
	ID         string             `json:"id"`
	Descriptor process.Descriptor `json:"descriptor"`
	Label      string             `json:"label"`
	Workspace  string             `json:"workspace_id,omitempty"`
	WorkDir    string             `json:"work_dir"`
	Command    string             `json:"command"`
	Env        map[string]string  `json:"env,omitempty"`
	PID        int                `json:"pid"`
	State      State              `json:"state"`
	StartedAt  time.Time          `json:"started_at"`
	StoppedAt  *time.Time         `json:"stopped_at,omitempty"`
	ExitCode   *int               `json:"exit_code,omitempty"`
	WasStopped bool               `json:"was_stopped"`
	PortHint   int                `json:"port_hint,omitempty"`
	Warning    string             `json:"warning,omitempty"`
}

func (r Record) clone() Record {
	r.Env = maps.Clone(r.Env)
	if r.StoppedAt != nil {
		t := *r.StoppedAt
		r.StoppedAt = &t
	}
	if r.ExitCode != nil {
		c := *r.ExitCode
		r.ExitCode = &c
	}
	return r
}

// Handle returns the handle of the run.
func (r Record) Handle() Handle {
	return Handle{RunID: r.ID, PID: r.PID, StartedAt: r.StartedAt}
}

func (r Record) history() history.Record {
	c := r.clone()
	return history.Record{
		RunID:      c.ID,
		ProjectID:  c.Descriptor.ProjectID,
		Script:     c.Descriptor.Script,
		Label:      c.Label,
		Command:    c.Command,
		WorkDir:    c.WorkDir,
		PID:        c.PID,
		State:      string(c.State),
		StartedAt:  c.StartedAt,
		FinishedAt: c.StoppedAt,
		ExitCode:   c.ExitCode,
		WasStopped: c.WasStopped,
		Warning:    c.Warning,
	}
}
