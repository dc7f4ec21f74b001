// Package scaffold generates a devpilot.toml project section from a project
// directory.
package scaffold

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/loykin/devpilot/internal/pkgmgr"
	"github.com/loykin/devpilot/internal/process"
)

// Kind selects the defaults of the generated dev profile.
type Kind string

const (
	KindWeb    Kind = "web"
	KindAPI    Kind = "api"
	KindWorker Kind = "worker"
	KindSimple Kind = "simple"
)

// Kinds lists the supported kinds.
func Kinds() []string {
	return []string{string(KindWeb), string(KindAPI), string(KindWorker), string(KindSimple)}
}

var defaultPorts = map[Kind]int{
	KindWeb: 3000,
	KindAPI: 8080,
}

// Document mirrors the config file layout so Marshal output loads back with
// config.Load.
type Document struct {
	Projects []Project `toml:"projects"`
}

type Project struct {
	ID       string    `toml:"id"`
	Name     string    `toml:"name,omitempty"`
	Path     string    `toml:"path"`
	Scripts  []Script  `toml:"scripts,omitempty"`
	Profiles []Profile `toml:"profiles,omitempty"`
}

type Script struct {
	Name         string `toml:"name"`
	Runner       string `toml:"runner"`
	Command      string `toml:"command,omitempty"`
	Description  string `toml:"description,omitempty"`
	ExpectedPort int    `toml:"expected_port,omitempty"`
}

type Profile struct {
	Name    string   `toml:"name"`
	Default bool     `toml:"default"`
	Env     []string `toml:"env,omitempty"`
}

// Options tunes Generate. An empty ID is derived from the directory name.
type Options struct {
	ID   string
	Name string
	Kind Kind
}

// Generate inspects dir and returns a project definition. package.json scripts
// become package runner scripts; a directory without one gets a single shell
// script placeholder.
func Generate(dir string, opts Options) (Document, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Document{}, fmt.Errorf("resolve %s: %w", dir, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return Document{}, err
	}
	if !fi.IsDir() {
		return Document{}, fmt.Errorf("%s is not a directory", abs)
	}
	if opts.Kind == "" {
		opts.Kind = KindWeb
	}
	if !validKind(opts.Kind) {
		return Document{}, fmt.Errorf("unknown kind: %s (supported: %s)", opts.Kind, strings.Join(Kinds(), ", "))
	}
	id := opts.ID
	if id == "" {
		id = slug(filepath.Base(abs))
	}
	if id == "" {
		return Document{}, errors.New("cannot derive a project id, pass one explicitly")
	}

	p := Project{ID: id, Name: opts.Name, Path: abs}
	port := defaultPorts[opts.Kind]

	names, err := pkgmgr.Scripts(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		p.Scripts = []Script{{
			Name:         "dev",
			Runner:       string(process.RunnerShell),
			Command:      "echo 'Hello from " + id + "'",
			ExpectedPort: port,
		}}
	case err != nil:
		return Document{}, err
	default:
		info := pkgmgr.Detect(abs)
		for _, n := range names {
			s := Script{Name: n, Runner: string(process.RunnerPackage), Description: string(info.Manager) + " run " + n}
			if n == "dev" || n == "start" {
				s.ExpectedPort = port
			}
			p.Scripts = append(p.Scripts, s)
		}
	}

	if opts.Kind != KindSimple {
		prof := Profile{Name: "dev", Default: true}
		if port > 0 {
			prof.Env = append(prof.Env, "PORT="+strconv.Itoa(port))
		}
		if opts.Kind == KindWorker {
			prof.Env = append(prof.Env, "LOG_LEVEL=info")
		}
		p.Profiles = []Profile{prof}
	}
	return Document{Projects: []Project{p}}, nil
}

// Marshal renders d as TOML.
func (d Document) Marshal() ([]byte, error) {
	b, err := toml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal project: %w", err)
	}
	return b, nil
}

func validKind(k Kind) bool {
	for _, s := range Kinds() {
		if string(k) == s {
			return true
		}
	}
	return false
}

// slug lowercases s and replaces anything outside [a-z0-9_-] with '-'.
func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
