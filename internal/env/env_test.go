package env

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devpilot/internal/store"
	"github.com/loykin/devpilot/internal/store/memory"
)

func seed(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.SaveProfile(ctx, store.Profile{ProjectID: "web", Name: "base", Default: true, Vars: []store.EnvVar{
		{Key: "KEY", Value: "default"},
		{Key: "ONLY_DEFAULT", Value: "d"},
		{Key: "API_TOKEN", Value: "s3cret", Secret: true},
	}}))
	require.NoError(t, s.SaveProfile(ctx, store.Profile{ProjectID: "web", Name: "staging", Vars: []store.EnvVar{
		{Key: "KEY", Value: "profile"},
		{Key: "ONLY_STAGING", Value: "s"},
	}}))
	return s
}

func TestResolve_OverrideWinsOverProfile(t *testing.T) {
	r := NewResolver(seed(t), Options{})
	vars, err := r.Resolve(context.Background(), Request{
		ProjectID: "web", Script: "dev", Profile: "staging",
		Overrides: map[string]string{"KEY": "override"},
	})
	require.NoError(t, err)
	assert.Equal(t, "override", vars["KEY"])
}

func TestResolve_Precedence(t *testing.T) {
	r := NewResolver(seed(t), Options{InheritHost: true, Global: []string{"KEY=global", "HOST_ONLY=global"}})
	r.environ = func() []string { return []string{"KEY=host", "HOST_ONLY=host", "PATH=/usr/bin", "=bogus"} }

	vars, err := r.Resolve(context.Background(), Request{ProjectID: "web", Script: "dev"})
	require.NoError(t, err)
	assert.Equal(t, "default", vars["KEY"], "default profile beats base layer")
	assert.Equal(t, "global", vars["HOST_ONLY"], "global pairs beat host env")
	assert.Equal(t, "/usr/bin", vars["PATH"])
	assert.NotContains(t, vars, "ONLY_STAGING")
	assert.NotContains(t, vars, "")

	vars, err = r.Resolve(context.Background(), Request{ProjectID: "web", Script: "dev", Profile: "staging"})
	require.NoError(t, err)
	assert.Equal(t, "profile", vars["KEY"], "selected profile beats default")
	assert.Equal(t, "d", vars["ONLY_DEFAULT"], "default profile still applies beneath the selection")
	assert.Equal(t, "s", vars["ONLY_STAGING"])
}

func TestResolve_HostNotInheritedByDefault(t *testing.T) {
	r := NewResolver(seed(t), Options{})
	r.environ = func() []string { return []string{"LEAK=1"} }
	vars, err := r.Resolve(context.Background(), Request{ProjectID: "web"})
	require.NoError(t, err)
	assert.NotContains(t, vars, "LEAK")
}

func TestResolve_SecretsPassThrough(t *testing.T) {
	r := NewResolver(seed(t), Options{})
	req := Request{ProjectID: "web", Script: "dev"}
	vars, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", vars["API_TOKEN"])

	secrets, err := r.Secrets(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, secrets["API_TOKEN"])
	red := vars.Redacted(secrets)
	assert.Equal(t, "********", red["API_TOKEN"])
	assert.Equal(t, "s3cret", vars["API_TOKEN"], "Redacted must not modify the source")
}

func TestResolve_UnknownProfile(t *testing.T) {
	r := NewResolver(seed(t), Options{})
	_, err := r.Resolve(context.Background(), Request{ProjectID: "web", Profile: "prod"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProfileNotFound))

	_, err = NewResolver(nil, Options{}).Resolve(context.Background(), Request{ProjectID: "web", Profile: "prod"})
	assert.True(t, errors.Is(err, ErrProfileNotFound))
}

func TestResolve_EnvFiles(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(f, []byte("# comment\nFILE_ONLY=fv\nQUOTED=\"a b\"\nKEY=file\n"), 0o600))

	r := NewResolver(seed(t), Options{EnvFiles: []string{f}})
	vars, err := r.Resolve(context.Background(), Request{ProjectID: "web"})
	require.NoError(t, err)
	assert.Equal(t, "fv", vars["FILE_ONLY"])
	assert.Equal(t, "a b", vars["QUOTED"])
	assert.Equal(t, "default", vars["KEY"])

	r = NewResolver(nil, Options{EnvFiles: []string{filepath.Join(dir, "missing.env")}})
	_, err = r.Resolve(context.Background(), Request{ProjectID: "web"})
	require.Error(t, err)
}

func TestResolve_Expand(t *testing.T) {
	overrides := map[string]string{"HOST": "localhost", "URL": "http://${HOST}:3000"}
	r := NewResolver(nil, Options{})
	vars, err := r.Resolve(context.Background(), Request{ProjectID: "web", Overrides: overrides})
	require.NoError(t, err)
	assert.Equal(t, "http://${HOST}:3000", vars["URL"], "expansion is opt-in")

	r = NewResolver(nil, Options{Expand: true})
	vars, err = r.Resolve(context.Background(), Request{ProjectID: "web", Overrides: overrides})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", vars["URL"])
}

func TestResolve_ExpandIsSinglePass(t *testing.T) {
	overrides := map[string]string{
		"A":    "${B}/a",
		"B":    "${C}/b",
		"C":    "c",
		"KEEP": "${MISSING}-${C}",
	}
	r := NewResolver(nil, Options{Expand: true})
	for range 20 {
		vars, err := r.Resolve(context.Background(), Request{ProjectID: "web", Overrides: overrides})
		require.NoError(t, err)
		assert.Equal(t, "${C}/b/a", vars["A"])
		assert.Equal(t, "c/b", vars["B"])
		assert.Equal(t, "${MISSING}-c", vars["KEEP"])
	}
}

func TestVarsEnviron(t *testing.T) {
	v := Vars{"B": "2", "A": "1", "": "x"}
	assert.Equal(t, []string{"A=1", "B=2"}, v.Environ())
}
