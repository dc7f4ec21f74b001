// Package launch turns script references into run start requests.
package launch

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/loykin/devpilot/internal/env"
	"github.com/loykin/devpilot/internal/pkgmgr"
	"github.com/loykin/devpilot/internal/process"
	"github.com/loykin/devpilot/internal/run"
	"github.com/loykin/devpilot/internal/store"
)

// InstallScript is the script name used for dependency installs.
const InstallScript = "install"

// Ref names a script run. Overrides win over every profile and are never stored.
type Ref struct {
	ProjectID string            `json:"project_id"`
	Script    string            `json:"script"`
	Profile   string            `json:"profile,omitempty"`
	Overrides map[string]string `json:"overrides,omitempty"`
}

type Definitions interface {
	store.ProjectStore
	store.ScriptStore
}

type Resolver interface {
	Resolve(ctx context.Context, req env.Request) (env.Vars, error)
}

type Launcher struct {
	defs     Definitions
	resolver Resolver
}

func New(defs Definitions, resolver Resolver) *Launcher {
	return &Launcher{defs: defs, resolver: resolver}
}

// Prepare loads the project and script and resolves the environment. A script
// missing from the store but declared in the project's package.json runs through
// the package manager.
func (l *Launcher) Prepare(ctx context.Context, ref Ref) (run.StartRequest, error) {
	proj, err := l.defs.GetProject(ctx, ref.ProjectID)
	if err != nil {
		return run.StartRequest{}, err
	}
	d, err := l.defs.GetScript(ctx, ref.ProjectID, ref.Script)
	if errors.Is(err, store.ErrNotFound) {
		if names, perr := pkgmgr.Scripts(proj.Path); perr == nil && slices.Contains(names, ref.Script) {
			d, err = process.Descriptor{ProjectID: proj.ID, Script: ref.Script, Runner: process.RunnerPackage}, nil
		}
	}
	if err != nil {
		return run.StartRequest{}, err
	}
	vars, err := l.resolver.Resolve(ctx, env.Request{
		ProjectID: ref.ProjectID,
		Script:    ref.Script,
		Profile:   ref.Profile,
		Overrides: ref.Overrides,
	})
	if err != nil {
		return run.StartRequest{}, err
	}
	command, err := commandFor(proj, d)
	if err != nil {
		return run.StartRequest{}, err
	}
	return run.StartRequest{
		Descriptor: d,
		Label:      label(proj, d.Script),
		WorkDir:    proj.Path,
		Command:    command,
		Env:        vars,
	}, nil
}

// PrepareInstall builds the dependency install run of a project.
func (l *Launcher) PrepareInstall(ctx context.Context, projectID string) (run.StartRequest, error) {
	proj, err := l.defs.GetProject(ctx, projectID)
	if err != nil {
		return run.StartRequest{}, err
	}
	vars, err := l.resolver.Resolve(ctx, env.Request{ProjectID: projectID, Script: InstallScript})
	if err != nil {
		return run.StartRequest{}, err
	}
	pm := pkgmgr.Detect(proj.Path).Manager
	command := pkgmgr.Command(pkgmgr.InstallArgs(pm))
	return run.StartRequest{
		Descriptor: process.Descriptor{
			ProjectID:   proj.ID,
			Script:      InstallScript,
			Command:     command,
			Runner:      process.RunnerShell,
			Description: fmt.Sprintf("%s install", pm),
		},
		Label:   label(proj, InstallScript),
		WorkDir: proj.Path,
		Command: command,
		Env:     vars,
	}, nil
}

func commandFor(proj store.Project, d process.Descriptor) (string, error) {
	switch d.Runner {
	case process.RunnerShell:
		if d.Command == "" {
			return "", fmt.Errorf("script %s/%s has no command", d.ProjectID, d.Script)
		}
		return d.Command, nil
	case process.RunnerPackage, "":
		pm := pkgmgr.Detect(proj.Path).Manager
		return pkgmgr.Command(pkgmgr.RunArgs(pm, d.Script)), nil
	default:
		return "", fmt.Errorf("script %s/%s: unknown runner %q", d.ProjectID, d.Script, d.Runner)
	}
}

func label(p store.Project, script string) string {
	name := p.Name
	if name == "" {
		name = p.ID
	}
	return name + ":" + script
}
