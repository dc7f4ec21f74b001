// Package ports attributes listening sockets to runs.
package ports

import (
	"context"
	"log/slog"
	"reflect"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/loykin/devpilot/internal/events"
	"github.com/loykin/devpilot/internal/metrics"
	"github.com/loykin/devpilot/internal/run"
)

const DefaultInterval = 2 * time.Second

// Match compares discovered ports with the expected one.
type Match string

const (
	MatchUnknown  Match = "unknown"
	MatchOK       Match = "ok"
	MatchMismatch Match = "mismatch"
)

// RunPorts is the port view of one run.
type RunPorts struct {
	RunID     string `json:"run_id"`
	ProjectID string `json:"project_id"`
	Script    string `json:"script"`
	PID       int    `json:"pid"`
	Ports     []int  `json:"ports"`
	Expected  int    `json:"expected,omitempty"`
	Match     Match  `json:"match"`
}

// ExternalProcess is a listening process not owned by any run.
type ExternalProcess struct {
	ProcInfo
	Ports []int `json:"ports"`
}

// Snapshot is the result of one poll.
type Snapshot struct {
	At       time.Time         `json:"at"`
	Runs     []RunPorts        `json:"runs"`
	External []ExternalProcess `json:"external"`
}

// Run returns the entry of runID.
func (s Snapshot) Run(runID string) (RunPorts, bool) {
	for _, r := range s.Runs {
		if r.RunID == runID {
			return r, true
		}
	}
	return RunPorts{}, false
}

// Runs is the subset of run.Manager the watcher reads and annotates.
type Runs interface {
	Active() []run.Record
	AnnotatePort(id string, port int) error
}

// ExpectedPorts is satisfied by store.SettingsStore. Zero means none expected.
type ExpectedPorts interface {
	ExpectedPort(ctx context.Context, projectID, script string) (int, error)
}

type Publisher interface {
	Publish(e events.Event)
}

type Options struct {
	Interval time.Duration
	Logger   *slog.Logger
}

type Watcher struct {
	src      Source
	runs     Runs
	expected ExpectedPorts
	pub      Publisher
	interval time.Duration
	log      *slog.Logger

	mu   sync.RWMutex
	last Snapshot
}

// NewWatcher creates a watcher. expected and pub may be nil.
func NewWatcher(src Source, runs Runs, expected ExpectedPorts, pub Publisher, opts Options) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		src:      src,
		runs:     runs,
		expected: expected,
		pub:      pub,
		interval: opts.Interval,
		log:      opts.Logger,
	}
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.log.Debug("port poll", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Poll performs one discovery cycle. A discovery error is returned after the
// snapshot was built with every run marked MatchUnknown.
func (w *Watcher) Poll(ctx context.Context) (Snapshot, error) {
	start := time.Now()
	defer func() { metrics.ObservePortPoll(time.Since(start).Seconds()) }()

	active := w.runs.Active()
	listeners, lerr := w.src.Listeners(ctx)
	byPID := make(map[int][]int)
	for _, l := range listeners {
		if l.PID <= 0 {
			continue
		}
		if !slices.Contains(byPID[l.PID], l.Port) {
			byPID[l.PID] = append(byPID[l.PID], l.Port)
		}
	}

	owned := make(map[int]bool)
	snap := Snapshot{At: start, Runs: make([]RunPorts, 0, len(active)), External: []ExternalProcess{}}
	for _, rec := range active {
		if rec.State.Terminal() || rec.PID <= 0 {
			continue
		}
		rp := RunPorts{
			RunID:     rec.ID,
			ProjectID: rec.Descriptor.ProjectID,
			Script:    rec.Descriptor.Script,
			PID:       rec.PID,
			Ports:     []int{},
			Expected:  w.expectedPort(ctx, rec),
		}
		if lerr == nil {
			pids := []int{rec.PID}
			desc, err := w.src.Descendants(ctx, rec.PID)
			if err != nil {
				w.log.Debug("list descendants", "run_id", rec.ID, "pid", rec.PID, "error", err)
			}
			pids = append(pids, desc...)
			for _, pid := range pids {
				owned[pid] = true
				for _, p := range byPID[pid] {
					if !slices.Contains(rp.Ports, p) {
						rp.Ports = append(rp.Ports, p)
					}
				}
			}
			sort.Ints(rp.Ports)
		}
		rp.Match = match(rp.Expected, rp.Ports)
		if len(rp.Ports) > 0 && rec.PortHint == 0 {
			if err := w.runs.AnnotatePort(rec.ID, rp.Ports[0]); err != nil {
				w.log.Debug("annotate port", "run_id", rec.ID, "error", err)
			}
		}
		snap.Runs = append(snap.Runs, rp)
	}

	for pid, ports := range byPID {
		if owned[pid] {
			continue
		}
		info, err := w.src.Describe(ctx, pid)
		if err != nil {
			info = ProcInfo{PID: pid}
		}
		sorted := slices.Clone(ports)
		sort.Ints(sorted)
		snap.External = append(snap.External, ExternalProcess{ProcInfo: info, Ports: sorted})
	}
	sort.Slice(snap.External, func(i, j int) bool { return snap.External[i].Ports[0] < snap.External[j].Ports[0] })

	w.mu.Lock()
	changed := !reflect.DeepEqual(w.last.Runs, snap.Runs) || !reflect.DeepEqual(w.last.External, snap.External)
	w.last = snap
	w.mu.Unlock()
	if changed && w.pub != nil {
		w.pub.Publish(events.Event{Kind: events.KindPorts, Timestamp: snap.At, Ports: snap})
	}
	return snap, lerr
}

func (w *Watcher) expectedPort(ctx context.Context, rec run.Record) int {
	if w.expected == nil {
		return 0
	}
	p, err := w.expected.ExpectedPort(ctx, rec.Descriptor.ProjectID, rec.Descriptor.Script)
	if err != nil {
		w.log.Debug("expected port", "run_id", rec.ID, "error", err)
		return 0
	}
	return p
}

func match(expected int, found []int) Match {
	switch {
	case expected <= 0 || len(found) == 0:
		return MatchUnknown
	case slices.Contains(found, expected):
		return MatchOK
	default:
		return MatchMismatch
	}
}

// Snapshot returns the last poll result.
func (w *Watcher) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

// Listening reports whether runID was seen listening on port in the last poll.
func (w *Watcher) Listening(runID string, port int) bool {
	rp, ok := w.Snapshot().Run(runID)
	return ok && slices.Contains(rp.Ports, port)
}
