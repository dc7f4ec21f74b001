package process

import (
	"os/exec"
	"strings"
)

// Build constructs an *exec.Cmd for a command string.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
// The returned command is placed in its own process group so that the whole
// tree spawned by a script runner can be signalled together.
func Build(command string) *exec.Cmd {
	cmd := build(command)
	configureSysProcAttr(cmd)
	return cmd
}

func build(command string) *exec.Cmd {
	cmdStr := strings.TrimSpace(command)
	if cmdStr == "" {
		return noopCommand()
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		return shellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~=") {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It preserves the substring after "-c " verbatim to avoid
// breaking quoting.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		// strip one pair of wrapping quotes so the shell parses the script itself
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
