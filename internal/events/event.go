package events

import "time"

// Kind enumerates the event types produced by the orchestration core.
type Kind string

const (
	KindLog        Kind = "log"
	KindStatus     Kind = "status"
	KindExit       Kind = "exit"
	KindSpawnError Kind = "spawn_error"
	KindWorkspace  Kind = "workspace"
	KindPorts      Kind = "ports"
	KindTruncated  Kind = "truncated"
)

// Stream identifies the captured output stream of a run.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Event is the envelope delivered to subscribers. Exactly one payload field is set
// according to Kind; truncation markers only carry Dropped.
type Event struct {
	Kind        Kind      `json:"kind"`
	RunID       string    `json:"run_id,omitempty"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`

	Log        *LogChunk        `json:"log,omitempty"`
	Status     *StatusChange    `json:"status,omitempty"`
	Exit       *Exit            `json:"exit,omitempty"`
	SpawnError *SpawnError      `json:"spawn_error,omitempty"`
	Workspace  *WorkspaceStatus `json:"workspace,omitempty"`
	Ports      any              `json:"ports,omitempty"`
	Dropped    int              `json:"dropped,omitempty"`
}

// LogChunk is one captured line of output.
type LogChunk struct {
	Chunk  string `json:"chunk"`
	Stream Stream `json:"stream"`
}

// StatusChange reports a run lifecycle transition.
type StatusChange struct {
	From string `json:"from"`
	To   string `json:"to"`
	PID  int    `json:"pid,omitempty"`
}

// Exit is emitted exactly once per run when its process terminates.
type Exit struct {
	ExitCode   int       `json:"exit_code"`
	WasStopped bool      `json:"was_stopped"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// SpawnError reports a process that could not be started.
type SpawnError struct {
	Message   string    `json:"message"`
	StartedAt time.Time `json:"started_at"`
}

// WorkspaceStatus carries the aggregated state of a workspace.
type WorkspaceStatus struct {
	ActiveRunCount int      `json:"active_run_count"`
	RunIDs         []string `json:"run_ids,omitempty"`
	Phase          string   `json:"phase,omitempty"`
}

// Filter selects the events a subscription receives. Empty fields match everything.
// Replay asks for the retained log backlog of RunID before live events.
type Filter struct {
	RunID       string
	WorkspaceID string
	Kinds       []Kind
	Replay      bool
}

func (f Filter) match(e Event) bool {
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if f.WorkspaceID != "" && e.WorkspaceID != f.WorkspaceID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == e.Kind {
			return true
		}
	}
	return false
}
