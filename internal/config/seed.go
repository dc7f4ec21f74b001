package config

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/loykin/devpilot/internal/store"
)

// Seed writes the projects and workspaces declared in the file into s.
// Existing definitions with the same ids are replaced.
func (c Config) Seed(ctx context.Context, s store.Store) error {
	for _, p := range c.Projects {
		name := p.Name
		if name == "" {
			name = p.ID
		}
		if err := s.SaveProject(ctx, store.Project{ID: p.ID, Name: name, Path: p.Path}); err != nil {
			return fmt.Errorf("seed project %s: %w", p.ID, err)
		}
		for _, sc := range p.Scripts {
			if err := s.SaveScript(ctx, sc.descriptor(p.ID)); err != nil {
				return fmt.Errorf("seed script %s/%s: %w", p.ID, sc.Name, err)
			}
			if sc.ExpectedPort > 0 {
				if err := s.SetExpectedPort(ctx, p.ID, sc.Name, sc.ExpectedPort); err != nil {
					return fmt.Errorf("seed expected port %s/%s: %w", p.ID, sc.Name, err)
				}
			}
		}
		for _, pc := range p.Profiles {
			prof, err := pc.profile(p.ID)
			if err != nil {
				return err
			}
			if err := s.SaveProfile(ctx, prof); err != nil {
				return fmt.Errorf("seed profile %s/%s: %w", p.ID, pc.Name, err)
			}
		}
	}
	for _, w := range c.Workspaces {
		if err := s.SaveWorkspace(ctx, w.workspace()); err != nil {
			return fmt.Errorf("seed workspace %s: %w", w.ID, err)
		}
	}
	return nil
}

func (pc ProfileConfig) profile(projectID string) (store.Profile, error) {
	prof := store.Profile{ProjectID: projectID, Name: pc.Name, Default: pc.Default}
	for _, kv := range pc.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return store.Profile{}, fmt.Errorf("profile %s/%s: invalid env entry %q", projectID, pc.Name, kv)
		}
		prof.Vars = append(prof.Vars, store.EnvVar{Key: k, Value: v, Secret: slices.Contains(pc.Secrets, k)})
	}
	return prof, nil
}
