// Package env computes the effective environment of a run.
package env

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/loykin/devpilot/internal/store"
)

// ErrProfileNotFound is returned when the selected profile does not exist for the project.
var ErrProfileNotFound = errors.New("profile not found")

// Vars is a resolved variable set.
type Vars map[string]string

// Environ returns the variables as sorted KEY=VALUE pairs suitable for exec.Cmd.Env.
func (v Vars) Environ() []string {
	out := make([]string, 0, len(v))
	for k, val := range v {
		if k == "" {
			continue
		}
		out = append(out, k+"="+val)
	}
	sort.Strings(out)
	return out
}

// Redacted returns a copy with the values of secret keys masked.
func (v Vars) Redacted(secrets map[string]bool) Vars {
	out := make(Vars, len(v))
	for k, val := range v {
		if secrets[k] {
			val = "********"
		}
		out[k] = val
	}
	return out
}

// Options configures the base layer and expansion.
type Options struct {
	InheritHost bool     // start from the daemon's own environment
	EnvFiles    []string // dotenv files applied on top of the host layer, in order
	Global      []string // KEY=VALUE pairs applied after the env files
	Expand      bool     // expand ${VAR} references against the resolved set
}

// Request identifies the run to resolve for. Overrides are never persisted.
type Request struct {
	ProjectID string
	Script    string
	Profile   string
	Overrides map[string]string
}

type Resolver struct {
	profiles store.ProfileStore
	opts     Options
	environ  func() []string
}

func NewResolver(profiles store.ProfileStore, opts Options) *Resolver {
	return &Resolver{profiles: profiles, opts: opts, environ: os.Environ}
}

// Resolve merges, lowest to highest: the base layer (host env when enabled, env
// files, global pairs), the project's default profile, the selected profile when
// it differs from the default, and the request overrides. A higher layer replaces
// a key outright.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Vars, error) {
	out := make(Vars)
	if r.opts.InheritHost {
		for _, kv := range r.environ() {
			if i := strings.IndexByte(kv, '='); i > 0 {
				out[kv[:i]] = kv[i+1:]
			}
		}
	}
	if len(r.opts.EnvFiles) > 0 {
		files := make([]string, len(r.opts.EnvFiles))
		for i, p := range r.opts.EnvFiles {
			files[i] = filepath.Clean(p)
		}
		// later files win
		fileVars, err := godotenv.Read(files...)
		if err != nil {
			return nil, fmt.Errorf("read env files: %w", err)
		}
		for k, v := range fileVars {
			out[k] = v
		}
	}
	for _, kv := range r.opts.Global {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}

	def, selected, err := r.profilesFor(ctx, req)
	if err != nil {
		return nil, err
	}
	if def != nil {
		apply(out, def.Vars)
	}
	if selected != nil {
		apply(out, selected.Vars)
	}
	for k, v := range req.Overrides {
		if k == "" {
			continue
		}
		out[k] = v
	}

	if r.opts.Expand {
		expanded := make(Vars, len(out))
		for k, v := range out {
			expanded[k] = expand(v, out)
		}
		out = expanded
	}
	return out, nil
}

// Secrets returns the keys flagged secret in the profiles that apply to req.
func (r *Resolver) Secrets(ctx context.Context, req Request) (map[string]bool, error) {
	def, selected, err := r.profilesFor(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, p := range []*store.Profile{def, selected} {
		if p == nil {
			continue
		}
		for _, v := range p.Vars {
			if v.Secret {
				out[v.Key] = true
			}
		}
	}
	return out, nil
}

// profilesFor returns the default profile and, when different, the selected one.
func (r *Resolver) profilesFor(ctx context.Context, req Request) (def, selected *store.Profile, err error) {
	if r.profiles == nil {
		if req.Profile != "" {
			return nil, nil, fmt.Errorf("project %s: %q: %w", req.ProjectID, req.Profile, ErrProfileNotFound)
		}
		return nil, nil, nil
	}
	list, err := r.profiles.ListProfiles(ctx, req.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("list profiles of %s: %w", req.ProjectID, err)
	}
	for i := range list {
		p := &list[i]
		if p.Default && def == nil {
			def = p
		}
		if req.Profile != "" && p.Name == req.Profile {
			selected = p
		}
	}
	if req.Profile != "" && selected == nil {
		return nil, nil, fmt.Errorf("project %s: %q: %w", req.ProjectID, req.Profile, ErrProfileNotFound)
	}
	if selected == def {
		selected = nil
	}
	return def, selected, nil
}

func apply(dst Vars, vars []store.EnvVar) {
	for _, v := range vars {
		if v.Key == "" {
			continue
		}
		dst[v.Key] = v.Value
	}
}

// expand substitutes ${VAR} references in one left-to-right pass with the raw
// values of m. Substituted text is not expanded again and unknown references
// are kept verbatim.
func expand(s string, m Vars) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		ref := s[i : i+2+j+1]
		if v, ok := m[s[i+2:i+2+j]]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(ref)
		}
		s = s[i+2+j+1:]
	}
	b.WriteString(s)
	return b.String()
}
