package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devpilot/internal/config"
)

func TestParseEnvPairs(t *testing.T) {
	got, err := parseEnvPairs([]string{"A=1", "B=", "C=x=y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "", "C": "x=y"}, got)

	got, err = parseEnvPairs(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	for _, bad := range []string{"NOEQ", "=v", " =v"} {
		_, err := parseEnvPairs([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestURLFor(t *testing.T) {
	tests := []struct {
		listen, base, want string
	}{
		{"127.0.0.1:7777", "/api", "http://127.0.0.1:7777/api"},
		{":9000", "api/", "http://127.0.0.1:9000/api"},
		{"0.0.0.0:80", "", "http://127.0.0.1:80"},
		{"[::]:8080", "/v1", "http://127.0.0.1:8080/v1"},
		{"localhost:7000", "/api", "http://localhost:7000/api"},
		{"garbage", "/api", defaultAPIURL},
	}
	for _, tt := range tests {
		t.Run(tt.listen, func(t *testing.T) {
			assert.Equal(t, tt.want, urlFor(config.ServerConfig{Listen: tt.listen, BasePath: tt.base}))
		})
	}
}

func TestAPIURLFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devpilot.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nlisten = \"127.0.0.1:9123\"\n"), 0o644))

	c := command{global: &GlobalFlags{ConfigPath: path}}
	u, err := c.apiURL()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9123/api", u)

	c.global.APIUrl = "http://example:1/x"
	u, err = c.apiURL()
	require.NoError(t, err)
	assert.Equal(t, "http://example:1/x", u)
}

func TestChildArgsDropsDaemonize(t *testing.T) {
	got := childArgs([]string{"serve", "--daemonize", "--config", "a.toml", "--pidfile", "/tmp/p", "--daemonize=true"})
	assert.Equal(t, []string{"serve", "--config", "a.toml", "--pidfile", "/tmp/p"}, got)
}

func TestInitWritesConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"scripts":{"dev":"vite"}}`), 0o644))
	out := filepath.Join(t.TempDir(), "devpilot.toml")

	root := buildRoot(io.Discard)
	root.SetArgs([]string{"init", dir, "--id", "web", "--out", out})
	require.NoError(t, root.Execute())

	cfg, err := config.Load(out)
	require.NoError(t, err)
	require.Len(t, cfg.Projects, 1)
	assert.Equal(t, "web", cfg.Projects[0].ID)

	root = buildRoot(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"init", dir, "--out", out})
	assert.ErrorContains(t, root.Execute(), "already exists")
}
