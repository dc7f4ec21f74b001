// Package pkgmgr detects a project's JavaScript package manager from its lockfile.
package pkgmgr

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

type Manager string

const (
	NPM  Manager = "npm"
	PNPM Manager = "pnpm"
	Yarn Manager = "yarn"
	Bun  Manager = "bun"
)

// lockfiles in detection priority.
var lockfiles = []struct {
	name string
	pm   Manager
}{
	{"bun.lockb", Bun},
	{"bun.lock", Bun},
	{"pnpm-lock.yaml", PNPM},
	{"yarn.lock", Yarn},
	{"package-lock.json", NPM},
}

// Info is the detection result. LockFile is empty when the npm fallback was used.
type Info struct {
	Manager  Manager `json:"manager"`
	LockFile string  `json:"lock_file,omitempty"`
}

// Detect inspects dir for a known lockfile and falls back to npm.
func Detect(dir string) Info {
	for _, l := range lockfiles {
		if fi, err := os.Stat(filepath.Join(dir, l.name)); err == nil && !fi.IsDir() {
			return Info{Manager: l.pm, LockFile: l.name}
		}
	}
	return Info{Manager: NPM}
}

// Parse accepts a manager name as typed by a user.
func Parse(s string) (Manager, error) {
	switch m := Manager(strings.ToLower(strings.TrimSpace(s))); m {
	case NPM, PNPM, Yarn, Bun:
		return m, nil
	}
	return "", fmt.Errorf("unknown package manager %q, must be one of: npm, pnpm, yarn, bun", s)
}

// RunArgs returns the argv running script.
func RunArgs(pm Manager, script string) []string {
	return []string{string(pm), "run", script}
}

// InstallArgs returns the argv installing dependencies.
func InstallArgs(pm Manager) []string {
	return []string{string(pm), "install"}
}

// Command joins argv into a command line, quoting arguments that need it.
func Command(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\n'\"\\$`|&;<>*?()[]{}~=") {
			parts[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		} else {
			parts[i] = a
		}
	}
	return strings.Join(parts, " ")
}

// Available reports whether pm is on PATH.
func Available(pm Manager) bool {
	_, err := exec.LookPath(string(pm))
	return err == nil
}

// Scripts returns the script names declared in dir/package.json, sorted.
func Scripts(dir string) ([]string, error) {
	b, err := os.ReadFile(filepath.Join(filepath.Clean(dir), "package.json"))
	if err != nil {
		return nil, err
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(b, &pkg); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}
	out := make([]string, 0, len(pkg.Scripts))
	for name := range pkg.Scripts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}
