//go:build !windows

package process

import "os/exec"

const posixShell = "/bin/sh"

// shellCommand runs script through the POSIX shell.
func shellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command(posixShell, "-c", script)
}

// noopCommand exits 0 without output using the shell builtin.
func noopCommand() *exec.Cmd {
	return exec.Command(posixShell, "-c", ":")
}
