//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// Terminate sends SIGTERM to the process group led by pid.
func Terminate(pid int) error { return signalGroup(pid, syscall.SIGTERM) }

// Kill sends SIGKILL to the process group led by pid.
func Kill(pid int) error { return signalGroup(pid, syscall.SIGKILL) }

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		// group already gone; fall back to the leader in case it left the group
		err = syscall.Kill(pid, sig)
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
	}
	return err
}
