package client

import "time"

// RunRequest names a project script to run. Overrides win over every profile.
type RunRequest struct {
	ProjectID string            `json:"project_id"`
	Script    string            `json:"script"`
	Profile   string            `json:"profile,omitempty"`
	Overrides map[string]string `json:"overrides,omitempty"`
}

// Handle identifies a started run.
type Handle struct {
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// StopOptions controls a stop request. A positive Wait blocks until the run is
// terminal or the duration elapses.
type StopOptions struct {
	Force bool
	Wait  time.Duration
}

type Descriptor struct {
	ProjectID   string `json:"project_id"`
	Script      string `json:"script"`
	Command     string `json:"command,omitempty"`
	Runner      string `json:"runner"`
	Description string `json:"description,omitempty"`
}

// Run is a run record as reported by the daemon. Secret env values are masked.
type Run struct {
	ID         string            `json:"id"`
	Descriptor Descriptor        `json:"descriptor"`
	Label      string            `json:"label"`
	Workspace  string            `json:"workspace_id,omitempty"`
	WorkDir    string            `json:"work_dir"`
	Command    string            `json:"command"`
	Env        map[string]string `json:"env"`
	PID        int               `json:"pid"`
	State      string            `json:"state"`
	StartedAt  time.Time         `json:"started_at"`
	StoppedAt  *time.Time        `json:"stopped_at,omitempty"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	WasStopped bool              `json:"was_stopped"`
	PortHint   int               `json:"port_hint,omitempty"`
	Warning    string            `json:"warning,omitempty"`
}

type RunPorts struct {
	RunID     string `json:"run_id"`
	ProjectID string `json:"project_id"`
	Script    string `json:"script"`
	PID       int    `json:"pid"`
	Ports     []int  `json:"ports"`
	Expected  int    `json:"expected,omitempty"`
	Match     string `json:"match"`
}

type ExternalProcess struct {
	PID     int    `json:"pid"`
	Name    string `json:"name"`
	Command string `json:"command"`
	Cwd     string `json:"cwd"`
	Ports   []int  `json:"ports"`
}

// Ports is the last port discovery snapshot.
type Ports struct {
	At       time.Time         `json:"at"`
	Runs     []RunPorts        `json:"runs"`
	External []ExternalProcess `json:"external"`
}

type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

type PackageManager struct {
	Manager   string `json:"manager"`
	LockFile  string `json:"lock_file,omitempty"`
	Available bool   `json:"available"`
}

// WorkspaceStatus is the aggregated state of a workspace. Errors lists item
// failures of the last action.
type WorkspaceStatus struct {
	WorkspaceID    string   `json:"workspace_id"`
	ActiveRunCount int      `json:"active_run_count"`
	RunIDs         []string `json:"run_ids"`
	Phase          string   `json:"phase"`
	Error          string   `json:"error,omitempty"`
	Errors         string   `json:"errors,omitempty"`
}

type LogChunk struct {
	Chunk  string `json:"chunk"`
	Stream string `json:"stream"`
}

type Exit struct {
	ExitCode   int    `json:"exit_code"`
	WasStopped bool   `json:"was_stopped"`
	State      string `json:"state"`
}

type StatusChange struct {
	From string `json:"from"`
	To   string `json:"to"`
	PID  int    `json:"pid,omitempty"`
}

// Event is one message of the event stream. Kind selects the payload.
type Event struct {
	Kind        string        `json:"kind"`
	RunID       string        `json:"run_id,omitempty"`
	WorkspaceID string        `json:"workspace_id,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	Log         *LogChunk     `json:"log,omitempty"`
	Status      *StatusChange `json:"status,omitempty"`
	Exit        *Exit         `json:"exit,omitempty"`
	Dropped     int           `json:"dropped,omitempty"`
}

// EventFilter selects the events of a stream. Empty fields match everything.
type EventFilter struct {
	RunID       string
	WorkspaceID string
	Kinds       []string
	Replay      bool
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	RunID string `json:"run_id,omitempty"`
}
