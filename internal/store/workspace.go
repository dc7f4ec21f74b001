package store

import (
	"fmt"
	"sort"
)

// Mode controls how a workspace item is ordered relative to the others.
type Mode string

const (
	ModeParallel   Mode = "parallel"
	ModeSequential Mode = "sequential"
)

// SettlePolicy decides when a sequential item lets the next one start.
type SettlePolicy string

const (
	// SettleExit waits for the previous run to reach a terminal state.
	SettleExit SettlePolicy = "exit"
	// SettlePort waits for the previous run to bind its expected port, falling
	// back to SettleExit when no port is expected.
	SettlePort SettlePolicy = "port"
)

// FailurePolicy decides what a sequential chain does after a failed item.
type FailurePolicy string

const (
	FailAbort    FailurePolicy = "abort"
	FailContinue FailurePolicy = "continue"
)

// WorkspaceItem references one script of a project inside a workspace.
type WorkspaceItem struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Script    string `json:"script"`
	Profile   string `json:"profile,omitempty"`
	Mode      Mode   `json:"mode"`
	Order     int    `json:"order"`
}

// Workspace is a named group of scripts started, stopped and restarted together.
type Workspace struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Settle    SettlePolicy    `json:"settle,omitempty"`
	OnFailure FailurePolicy   `json:"on_failure,omitempty"`
	Items     []WorkspaceItem `json:"items"`
}

// Validate checks modes, policies and the uniqueness of item ids and order indices.
func (w Workspace) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("workspace requires id")
	}
	switch w.Settle {
	case "", SettleExit, SettlePort:
	default:
		return fmt.Errorf("workspace %s: invalid settle policy %q, must be one of: exit, port", w.ID, w.Settle)
	}
	switch w.OnFailure {
	case "", FailAbort, FailContinue:
	default:
		return fmt.Errorf("workspace %s: invalid failure policy %q, must be one of: abort, continue", w.ID, w.OnFailure)
	}
	orders := make(map[int]string, len(w.Items))
	ids := make(map[string]struct{}, len(w.Items))
	for _, it := range w.Items {
		if it.ID == "" || it.ProjectID == "" || it.Script == "" {
			return fmt.Errorf("workspace %s: item requires id, project and script", w.ID)
		}
		if _, dup := ids[it.ID]; dup {
			return fmt.Errorf("workspace %s: duplicate item id %q", w.ID, it.ID)
		}
		ids[it.ID] = struct{}{}
		switch it.Mode {
		case ModeParallel, ModeSequential:
		default:
			return fmt.Errorf("workspace %s: item %s: invalid mode %q, must be one of: parallel, sequential", w.ID, it.ID, it.Mode)
		}
		if other, dup := orders[it.Order]; dup {
			return fmt.Errorf("workspace %s: items %s and %s share order %d", w.ID, other, it.ID, it.Order)
		}
		orders[it.Order] = it.ID
	}
	return nil
}

// SettleMode returns the effective settle policy.
func (w Workspace) SettleMode() SettlePolicy {
	if w.Settle == "" {
		return SettleExit
	}
	return w.Settle
}

// FailureMode returns the effective failure policy.
func (w Workspace) FailureMode() FailurePolicy {
	if w.OnFailure == "" {
		return FailAbort
	}
	return w.OnFailure
}

// Sorted returns the items ordered by their order index.
func (w Workspace) Sorted() []WorkspaceItem {
	out := append([]WorkspaceItem(nil), w.Items...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Item returns the item with the given id.
func (w Workspace) Item(id string) (WorkspaceItem, bool) {
	for _, it := range w.Items {
		if it.ID == id {
			return it, true
		}
	}
	return WorkspaceItem{}, false
}
