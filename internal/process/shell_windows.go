//go:build windows

package process

import (
	"os"
	"os/exec"
)

// comspec returns the command interpreter, honouring %ComSpec%.
func comspec() string {
	if s := os.Getenv("ComSpec"); s != "" {
		return s
	}
	return "cmd.exe"
}

func shellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command(comspec(), "/c", script)
}

func noopCommand() *exec.Cmd {
	return exec.Command(comspec(), "/c", "rem")
}
