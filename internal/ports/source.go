package ports

import (
	"context"
	"errors"

	gnet "github.com/shirou/gopsutil/v4/net"
	gproc "github.com/shirou/gopsutil/v4/process"
)

// Listener is one listening socket.
type Listener struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	PID     int    `json:"pid"`
}

// ProcInfo describes a process for display.
type ProcInfo struct {
	PID     int    `json:"pid"`
	Name    string `json:"name,omitempty"`
	Command string `json:"command,omitempty"`
	Cwd     string `json:"cwd,omitempty"`
}

// Source abstracts the OS queries used by the watcher.
type Source interface {
	Listeners(ctx context.Context) ([]Listener, error)
	Descendants(ctx context.Context, pid int) ([]int, error)
	Describe(ctx context.Context, pid int) (ProcInfo, error)
}

// GopsutilSource reads sockets and the process table through gopsutil.
type GopsutilSource struct{}

func (GopsutilSource) Listeners(ctx context.Context) ([]Listener, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, err
	}
	out := make([]Listener, 0, len(conns))
	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		out = append(out, Listener{Address: c.Laddr.IP, Port: int(c.Laddr.Port), PID: int(c.Pid)})
	}
	return out, nil
}

// Descendants walks the child tree of pid breadth first.
func (GopsutilSource) Descendants(ctx context.Context, pid int) ([]int, error) {
	root, err := gproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, err
	}
	var out []int
	seen := map[int32]bool{root.Pid: true}
	queue := []*gproc.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			if errors.Is(err, gproc.ErrorNoChildren) {
				continue
			}
			if p == root {
				return nil, err
			}
			continue
		}
		for _, c := range children {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			out = append(out, int(c.Pid))
			queue = append(queue, c)
		}
	}
	return out, nil
}

func (GopsutilSource) Describe(ctx context.Context, pid int) (ProcInfo, error) {
	p, err := gproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcInfo{PID: pid}, err
	}
	info := ProcInfo{PID: pid}
	// fields are best effort; permission errors leave them empty
	info.Name, _ = p.NameWithContext(ctx)
	info.Command, _ = p.CmdlineWithContext(ctx)
	info.Cwd, _ = p.CwdWithContext(ctx)
	return info, nil
}
