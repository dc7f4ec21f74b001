//go:build !windows

package devpilot

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devpilot/internal/config"
	"github.com/loykin/devpilot/internal/events"
	"github.com/loykin/devpilot/internal/run"
	"github.com/loykin/devpilot/pkg/client"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Log.Color = false
	cfg.Log.Level = "warn"
	cfg.Runs.StopGrace = time.Second
	cfg.Ports.Interval = 100 * time.Millisecond
	cfg.Projects = []config.ProjectConfig{{
		ID:   "web",
		Path: dir,
		Scripts: []config.ScriptConfig{
			{Name: "hello", Command: "echo hi $GREETING", Runner: "shell"},
			{Name: "serve", Command: "exec sleep 30", Runner: "shell"},
		},
		Profiles: []config.ProfileConfig{{Name: "dev", Default: true, Env: []string{"GREETING=there"}}},
	}}
	cfg.Workspaces = []config.WorkspaceSeed{{
		ID:    "stack",
		Items: []config.WorkspaceItem{{ID: "a", Project: "web", Script: "serve"}},
	}}
	return cfg
}

func newApp(t *testing.T, cfg Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestEmbeddedStartScript(t *testing.T) {
	a := newApp(t, testConfig(t))
	ctx := context.Background()

	h, err := a.StartScript(ctx, Ref{ProjectID: "web", Script: "hello"})
	require.NoError(t, err)
	rec, err := a.Runs().Wait(ctx, h.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StateExited, rec.State)

	backlog := a.Events().Backlog(h.RunID)
	require.Len(t, backlog, 1)
	assert.Equal(t, "hi there", backlog[0].Log.Chunk)
}

func TestServeOverHTTP(t *testing.T) {
	a := newApp(t, testConfig(t))
	require.NoError(t, a.Serve())
	require.NotNil(t, a.Addr())
	assert.Error(t, a.Serve(), "second serve")

	base := "http://" + a.Addr().String()
	c := client.New(client.Config{BaseURL: base + "/api"})
	ctx := context.Background()
	require.True(t, c.IsReachable(ctx))

	h, err := c.StartRun(ctx, client.RunRequest{ProjectID: "web", Script: "serve"})
	require.NoError(t, err)

	st, err := c.StartWorkspace(ctx, "stack")
	require.NoError(t, err)
	assert.Equal(t, 1, st.ActiveRunCount)

	runs, err := c.ListRuns(ctx, false)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	r, err := c.StopRun(ctx, h.RunID, client.StopOptions{Wait: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "stopped", r.State)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "devpilot_")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(shutdownCtx))
	assert.Empty(t, a.Runs().Active())
	assert.False(t, c.IsReachable(ctx))
	require.NoError(t, a.Shutdown(shutdownCtx))
}

func TestLoadConfigSeedsStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devpilot.toml")
	content := strings.Join([]string{
		"[log]",
		`level = "error"`,
		"color = false",
		"[ports]",
		"enabled = false",
		"[[projects]]",
		`id = "api"`,
		`path = "` + dir + `"`,
		"[[projects.scripts]]",
		`name = "dev"`,
		`command = "true"`,
		`runner = "shell"`,
		"expected_port = 8080",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	a := newApp(t, cfg)
	assert.Nil(t, a.Ports())

	ctx := context.Background()
	p, err := a.Store().GetProject(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, dir, p.Path)
	port, err := a.Store().ExpectedPort(ctx, "api", "dev")
	require.NoError(t, err)
	assert.Equal(t, 8080, port)
}

func TestSubscribeSeesExit(t *testing.T) {
	a := newApp(t, testConfig(t))
	sub := a.Subscribe(Filter{Kinds: []events.Kind{events.KindExit}})
	defer sub.Unsubscribe()

	h, err := a.StartScript(context.Background(), Ref{ProjectID: "web", Script: "hello"})
	require.NoError(t, err)
	select {
	case e := <-sub.C:
		assert.Equal(t, h.RunID, e.RunID)
		assert.Equal(t, 0, e.Exit.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("no exit event")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Projects = append(cfg.Projects, cfg.Projects[0])
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

// TestHelperListener is started as a run by TestHandlerOnlyPollsPorts.
func TestHelperListener(t *testing.T) {
	if os.Getenv("DEVPILOT_TEST_LISTEN") != "1" {
		t.Skip("helper process")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	fmt.Println(ln.Addr().(*net.TCPAddr).Port)
	time.Sleep(30 * time.Second)
}

func TestHandlerOnlyPollsPorts(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	cfg := testConfig(t)
	cfg.Ports.Enabled = true
	cfg.Projects[0].Scripts = append(cfg.Projects[0].Scripts, config.ScriptConfig{
		Name:    "listen",
		Command: "exec '" + exe + "' -test.run='^TestHelperListener$'",
		Runner:  "shell",
	})
	cfg.Projects[0].Profiles[0].Env = append(cfg.Projects[0].Profiles[0].Env, "DEVPILOT_TEST_LISTEN=1")
	a := newApp(t, cfg)

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()
	c := client.New(client.Config{BaseURL: srv.URL + cfg.Server.BasePath})
	ctx := context.Background()

	h, err := c.StartRun(ctx, client.RunRequest{ProjectID: "web", Script: "listen"})
	require.NoError(t, err)
	var found []int
	require.Eventually(t, func() bool {
		p, err := c.Ports(ctx)
		if err != nil {
			return false
		}
		for _, r := range p.Runs {
			if r.RunID == h.RunID && len(r.Ports) > 0 {
				found = r.Ports
				return true
			}
		}
		return false
	}, 10*time.Second, 100*time.Millisecond)

	rec, err := a.Runs().Get(h.RunID)
	require.NoError(t, err)
	assert.Contains(t, found, rec.PortHint)
}
