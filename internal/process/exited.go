package process

import (
	"slices"

	gproc "github.com/shirou/gopsutil/v4/process"
)

// Exited reports whether pid has terminated, including a zombie that was not
// reaped yet.
func Exited(pid int) bool {
	if pid <= 0 {
		return true
	}
	p, err := gproc.NewProcess(int32(pid))
	if err != nil {
		return true
	}
	st, err := p.Status()
	if err != nil {
		return false
	}
	return slices.Contains(st, gproc.Zombie)
}
