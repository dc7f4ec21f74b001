// Package memory is an in-process store.Store backed by maps.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/loykin/devpilot/internal/process"
	"github.com/loykin/devpilot/internal/store"
)

type Store struct {
	mu         sync.RWMutex
	projects   map[string]store.Project
	scripts    map[string]process.Descriptor // key: project/script
	profiles   map[string][]store.Profile    // key: project
	workspaces map[string]store.Workspace
	ports      map[string]int // key: project/script
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		projects:   make(map[string]store.Project),
		scripts:    make(map[string]process.Descriptor),
		profiles:   make(map[string][]store.Profile),
		workspaces: make(map[string]store.Workspace),
		ports:      make(map[string]int),
	}
}

func (s *Store) GetProject(_ context.Context, id string) (store.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return store.Project{}, fmt.Errorf("project %s: %w", id, store.ErrNotFound)
	}
	return p, nil
}

func (s *Store) ListProjects(_ context.Context) ([]store.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveProject(_ context.Context, p store.Project) error {
	if p.ID == "" {
		return fmt.Errorf("project requires id")
	}
	s.mu.Lock()
	s.projects[p.ID] = p
	s.mu.Unlock()
	return nil
}

func (s *Store) GetScript(_ context.Context, projectID, name string) (process.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.scripts[process.Key(projectID, name)]
	if !ok {
		return process.Descriptor{}, fmt.Errorf("script %s/%s: %w", projectID, name, store.ErrNotFound)
	}
	return d, nil
}

func (s *Store) ListScripts(_ context.Context, projectID string) ([]process.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []process.Descriptor
	for _, d := range s.scripts {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Script < out[j].Script })
	return out, nil
}

func (s *Store) SaveScript(_ context.Context, d process.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.scripts[d.Key()] = d
	s.mu.Unlock()
	return nil
}

func (s *Store) ListProfiles(_ context.Context, projectID string) ([]store.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.profiles[projectID]
	out := make([]store.Profile, len(src))
	for i, p := range src {
		p.Vars = append([]store.EnvVar(nil), p.Vars...)
		out[i] = p
	}
	return out, nil
}

// SaveProfile replaces a profile by name. Marking a profile default clears the
// flag on the other profiles of the project.
func (s *Store) SaveProfile(_ context.Context, p store.Profile) error {
	if p.ProjectID == "" || p.Name == "" {
		return fmt.Errorf("profile requires project id and name")
	}
	p.Vars = append([]store.EnvVar(nil), p.Vars...)
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.profiles[p.ProjectID]
	replaced := false
	for i := range list {
		if p.Default {
			list[i].Default = false
		}
		if list[i].Name == p.Name {
			list[i] = p
			replaced = true
		}
	}
	if !replaced {
		list = append(list, p)
	}
	s.profiles[p.ProjectID] = list
	return nil
}

func (s *Store) GetWorkspace(_ context.Context, id string) (store.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workspaces[id]
	if !ok {
		return store.Workspace{}, fmt.Errorf("workspace %s: %w", id, store.ErrNotFound)
	}
	w.Items = append([]store.WorkspaceItem(nil), w.Items...)
	return w, nil
}

func (s *Store) ListWorkspaces(_ context.Context) ([]store.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Workspace, 0, len(s.workspaces))
	for _, w := range s.workspaces {
		w.Items = append([]store.WorkspaceItem(nil), w.Items...)
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveWorkspace(_ context.Context, w store.Workspace) error {
	if err := w.Validate(); err != nil {
		return err
	}
	w.Items = append([]store.WorkspaceItem(nil), w.Items...)
	s.mu.Lock()
	s.workspaces[w.ID] = w
	s.mu.Unlock()
	return nil
}

func (s *Store) ExpectedPort(_ context.Context, projectID, script string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ports[process.Key(projectID, script)], nil
}

func (s *Store) SetExpectedPort(_ context.Context, projectID, script string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if port == 0 {
		delete(s.ports, process.Key(projectID, script))
		return nil
	}
	s.ports[process.Key(projectID, script)] = port
	return nil
}

func (s *Store) Close() error { return nil }
