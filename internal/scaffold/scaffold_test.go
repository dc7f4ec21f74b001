package scaffold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devpilot/internal/config"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestGenerateFromPackageJSON(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "My Web App")
	require.NoError(t, os.Mkdir(dir, 0o755))
	writeFile(t, dir, "package.json", `{"scripts":{"dev":"vite","build":"vite build","build:prod":"vite build --mode prod"}}`)
	writeFile(t, dir, "pnpm-lock.yaml", "")

	doc, err := Generate(dir, Options{})
	require.NoError(t, err)
	require.Len(t, doc.Projects, 1)
	p := doc.Projects[0]
	assert.Equal(t, "my-web-app", p.ID)
	assert.Equal(t, dir, p.Path)

	require.Len(t, p.Scripts, 3)
	assert.Equal(t, "build", p.Scripts[0].Name)
	assert.Equal(t, "build:prod", p.Scripts[1].Name)
	assert.Equal(t, "dev", p.Scripts[2].Name)
	assert.Equal(t, 3000, p.Scripts[2].ExpectedPort)
	assert.Zero(t, p.Scripts[0].ExpectedPort)
	assert.Equal(t, "pnpm run dev", p.Scripts[2].Description)
	for _, s := range p.Scripts {
		assert.Equal(t, "package", s.Runner)
	}

	require.Len(t, p.Profiles, 1)
	assert.True(t, p.Profiles[0].Default)
	assert.Equal(t, []string{"PORT=3000"}, p.Profiles[0].Env)
}

func TestGenerateWithoutPackageJSON(t *testing.T) {
	dir := t.TempDir()
	doc, err := Generate(dir, Options{ID: "tool", Kind: KindSimple})
	require.NoError(t, err)
	p := doc.Projects[0]
	require.Len(t, p.Scripts, 1)
	assert.Equal(t, "shell", p.Scripts[0].Runner)
	assert.Equal(t, "echo 'Hello from tool'", p.Scripts[0].Command)
	assert.Empty(t, p.Profiles)
}

func TestGenerateErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Generate(dir, Options{Kind: "database"})
	assert.ErrorContains(t, err, "unknown kind")

	_, err = Generate(filepath.Join(dir, "missing"), Options{})
	assert.Error(t, err)

	file := filepath.Join(dir, "file.txt")
	writeFile(t, dir, "file.txt", "x")
	_, err = Generate(file, Options{})
	assert.ErrorContains(t, err, "not a directory")

	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.Mkdir(bad, 0o755))
	writeFile(t, bad, "package.json", "{")
	_, err = Generate(bad, Options{})
	assert.ErrorContains(t, err, "parse package.json")
}

func TestMarshalLoadsAsConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"scripts":{"start":"node server.js"}}`)

	doc, err := Generate(dir, Options{ID: "api", Name: "API", Kind: KindAPI})
	require.NoError(t, err)
	b, err := doc.Marshal()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "devpilot.toml")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Projects, 1)
	p := cfg.Projects[0]
	assert.Equal(t, "api", p.ID)
	assert.Equal(t, "API", p.Name)
	require.Len(t, p.Scripts, 1)
	assert.Equal(t, 8080, p.Scripts[0].ExpectedPort)
	require.Len(t, p.Profiles, 1)
	assert.Equal(t, []string{"PORT=8080"}, p.Profiles[0].Env)
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "my-app", slug("My App"))
	assert.Equal(t, "a_b-c", slug("a_b.c"))
	assert.Equal(t, "", slug("..."))
}
