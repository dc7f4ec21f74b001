package process

import (
	"fmt"
	"strings"
)

// Runner selects how a script command is turned into an executable command line.
type Runner string

const (
	// RunnerPackage runs the script through the project's package manager ("<pm> run <script>").
	RunnerPackage Runner = "package"
	// RunnerShell runs the stored command string as-is.
	RunnerShell Runner = "shell"
)

// Descriptor identifies a runnable script of a project. It is treated as immutable
// once handed to a run.
type Descriptor struct {
	ProjectID   string `json:"project_id"`
	Script      string `json:"script"`
	Command     string `json:"command"`
	Runner      Runner `json:"runner"`
	Description string `json:"description,omitempty"`
}

// Key returns the (project, script) identity used to correlate runs of the same script.
func (d Descriptor) Key() string { return Key(d.ProjectID, d.Script) }

// Key builds the identity for a project script pair.
func Key(projectID, script string) string { return projectID + "/" + script }

// Validate checks the fields required to build a command.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ProjectID) == "" {
		return fmt.Errorf("descriptor requires project id")
	}
	if strings.TrimSpace(d.Script) == "" {
		return fmt.Errorf("descriptor requires script name")
	}
	switch d.Runner {
	case "", RunnerPackage, RunnerShell:
	default:
		return fmt.Errorf("script %q: invalid runner %q, must be one of: package, shell", d.Script, d.Runner)
	}
	if d.Runner == RunnerShell && strings.TrimSpace(d.Command) == "" {
		return fmt.Errorf("script %q: shell runner requires command", d.Script)
	}
	return nil
}
