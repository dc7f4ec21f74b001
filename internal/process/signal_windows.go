//go:build windows

package process

import "os"

// Terminate stops the process. Windows has no SIGTERM equivalent for console
// children, so this is the same as Kill.
func Terminate(pid int) error { return Kill(pid) }

// Kill terminates the process with pid.
func Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		// already gone
		return nil
	}
	return p.Kill()
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
