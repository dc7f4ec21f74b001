// Package store defines the persistence collaborators of devpilot: projects,
// their scripts and env profiles, workspace definitions and per-script settings.
package store

import (
	"context"
	"errors"

	"github.com/loykin/devpilot/internal/process"
)

// ErrNotFound is returned when a requested definition does not exist.
var ErrNotFound = errors.New("not found")

// Project is a directory containing runnable scripts.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// EnvVar is one entry of a Profile. Secret only affects display.
type EnvVar struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Secret bool   `json:"secret,omitempty"`
}

// Profile is a named, ordered set of environment variables of a project.
type Profile struct {
	ProjectID string   `json:"project_id"`
	Name      string   `json:"name"`
	Default   bool     `json:"default,omitempty"`
	Vars      []EnvVar `json:"vars"`
}

type ProjectStore interface {
	GetProject(ctx context.Context, id string) (Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	SaveProject(ctx context.Context, p Project) error
}

type ScriptStore interface {
	GetScript(ctx context.Context, projectID, name string) (process.Descriptor, error)
	ListScripts(ctx context.Context, projectID string) ([]process.Descriptor, error)
	SaveScript(ctx context.Context, d process.Descriptor) error
}

type ProfileStore interface {
	ListProfiles(ctx context.Context, projectID string) ([]Profile, error)
	SaveProfile(ctx context.Context, p Profile) error
}

type WorkspaceStore interface {
	GetWorkspace(ctx context.Context, id string) (Workspace, error)
	ListWorkspaces(ctx context.Context) ([]Workspace, error)
	SaveWorkspace(ctx context.Context, w Workspace) error
}

// SettingsStore keeps per-script settings. A zero port means none is expected.
type SettingsStore interface {
	ExpectedPort(ctx context.Context, projectID, script string) (int, error)
	SetExpectedPort(ctx context.Context, projectID, script string, port int) error
}

// Store bundles every collaborator.
type Store interface {
	ProjectStore
	ScriptStore
	ProfileStore
	WorkspaceStore
	SettingsStore
	Close() error
}
