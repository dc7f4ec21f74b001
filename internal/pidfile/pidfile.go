// Package pidfile records the daemon PID together with the process start time
// so a stale file left behind by a reused PID is not mistaken for a live daemon.
package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type meta struct {
	StartUnix int64 `json:"start_unix"`
}

// Write stores pid and its start time in path.
func Write(path string, pid int) error {
	b, err := json.Marshal(meta{StartUnix: procStartUnix(pid)})
	if err != nil {
		return err
	}
	// #nosec 306
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"+string(b)+"\n"), 0o644)
}

// Read returns the PID and the recorded start time. A plain file holding only
// a PID yields a zero start time.
func Read(path string) (int, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	var m meta
	if len(lines) >= 2 {
		_ = json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &m)
	}
	return pid, m.StartUnix, nil
}

// Alive reports the PID in path and whether that process is still the one that
// wrote the file. A missing file is not an error.
func Alive(path string) (int, bool, error) {
	pid, start, err := Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if start > 0 {
		if cur := procStartUnix(pid); cur > 0 && cur != start {
			return pid, false, nil
		}
	}
	return pid, pidAlive(pid), nil
}

// Remove deletes path. An empty path or a missing file is not an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
