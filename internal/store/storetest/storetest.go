// Package storetest holds behaviour checks shared by every store.Store implementation.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devpilot/internal/process"
	"github.com/loykin/devpilot/internal/store"
)

// Run exercises s. The store must be empty.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("projects", func(t *testing.T) {
		_, err := s.GetProject(ctx, "web")
		assert.True(t, errors.Is(err, store.ErrNotFound))

		require.NoError(t, s.SaveProject(ctx, store.Project{ID: "web", Name: "Web", Path: "/src/web"}))
		require.NoError(t, s.SaveProject(ctx, store.Project{ID: "api", Name: "API", Path: "/src/api"}))
		require.NoError(t, s.SaveProject(ctx, store.Project{ID: "web", Name: "Web UI", Path: "/src/web"}))

		p, err := s.GetProject(ctx, "web")
		require.NoError(t, err)
		assert.Equal(t, "Web UI", p.Name)

		list, err := s.ListProjects(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "api", list[0].ID)
	})

	t.Run("scripts", func(t *testing.T) {
		_, err := s.GetScript(ctx, "web", "dev")
		assert.True(t, errors.Is(err, store.ErrNotFound))

		require.NoError(t, s.SaveScript(ctx, process.Descriptor{ProjectID: "web", Script: "dev", Command: "vite", Runner: process.RunnerPackage}))
		require.NoError(t, s.SaveScript(ctx, process.Descriptor{ProjectID: "web", Script: "build", Command: "vite build", Runner: process.RunnerPackage, Description: "bundle"}))
		require.Error(t, s.SaveScript(ctx, process.Descriptor{ProjectID: "web", Script: "bad", Runner: process.RunnerShell}))

		d, err := s.GetScript(ctx, "web", "build")
		require.NoError(t, err)
		assert.Equal(t, "vite build", d.Command)
		assert.Equal(t, process.RunnerPackage, d.Runner)
		assert.Equal(t, "bundle", d.Description)

		list, err := s.ListScripts(ctx, "web")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "build", list[0].Script)
	})

	t.Run("profiles", func(t *testing.T) {
		require.NoError(t, s.SaveProfile(ctx, store.Profile{ProjectID: "web", Name: "base", Default: true,
			Vars: []store.EnvVar{{Key: "B", Value: "2"}, {Key: "A", Value: "1"}}}))
		require.NoError(t, s.SaveProfile(ctx, store.Profile{ProjectID: "web", Name: "staging", Default: true,
			Vars: []store.EnvVar{{Key: "TOKEN", Value: "t", Secret: true}}}))

		list, err := s.ListProfiles(ctx, "web")
		require.NoError(t, err)
		require.Len(t, list, 2)
		byName := map[string]store.Profile{}
		for _, p := range list {
			byName[p.Name] = p
		}
		assert.False(t, byName["base"].Default, "saving a new default clears the old one")
		assert.True(t, byName["staging"].Default)
		assert.Equal(t, []store.EnvVar{{Key: "B", Value: "2"}, {Key: "A", Value: "1"}}, byName["base"].Vars)
		assert.True(t, byName["staging"].Vars[0].Secret)

		none, err := s.ListProfiles(ctx, "nope")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("workspaces", func(t *testing.T) {
		_, err := s.GetWorkspace(ctx, "full")
		assert.True(t, errors.Is(err, store.ErrNotFound))

		w := store.Workspace{ID: "full", Name: "Full stack", Settle: store.SettlePort, OnFailure: store.FailContinue,
			Items: []store.WorkspaceItem{
				{ID: "b", ProjectID: "api", Script: "dev", Mode: store.ModeSequential, Order: 2},
				{ID: "a", ProjectID: "web", Script: "dev", Profile: "staging", Mode: store.ModeParallel, Order: 1},
			}}
		require.NoError(t, s.SaveWorkspace(ctx, w))

		bad := w
		bad.ID = "bad"
		bad.Items = []store.WorkspaceItem{
			{ID: "x", ProjectID: "web", Script: "dev", Mode: store.ModeParallel, Order: 1},
			{ID: "y", ProjectID: "api", Script: "dev", Mode: store.ModeParallel, Order: 1},
		}
		require.Error(t, s.SaveWorkspace(ctx, bad))

		got, err := s.GetWorkspace(ctx, "full")
		require.NoError(t, err)
		assert.Equal(t, store.SettlePort, got.Settle)
		assert.Equal(t, store.FailContinue, got.OnFailure)
		sorted := got.Sorted()
		require.Len(t, sorted, 2)
		assert.Equal(t, "a", sorted[0].ID)
		assert.Equal(t, "staging", sorted[0].Profile)

		w.Items = w.Items[:1]
		require.NoError(t, s.SaveWorkspace(ctx, w))
		list, err := s.ListWorkspaces(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Len(t, list[0].Items, 1)
	})

	t.Run("expected ports", func(t *testing.T) {
		p, err := s.ExpectedPort(ctx, "web", "dev")
		require.NoError(t, err)
		assert.Equal(t, 0, p)

		require.NoError(t, s.SetExpectedPort(ctx, "web", "dev", 5173))
		require.NoError(t, s.SetExpectedPort(ctx, "web", "dev", 4000))
		p, err = s.ExpectedPort(ctx, "web", "dev")
		require.NoError(t, err)
		assert.Equal(t, 4000, p)

		require.Error(t, s.SetExpectedPort(ctx, "web", "dev", 70000))
		require.NoError(t, s.SetExpectedPort(ctx, "web", "dev", 0))
		p, err = s.ExpectedPort(ctx, "web", "dev")
		require.NoError(t, err)
		assert.Equal(t, 0, p)
	})
}
