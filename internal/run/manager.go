// Package run spawns and supervises script processes.
package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/devpilot/internal/events"
	"github.com/loykin/devpilot/internal/history"
	"github.com/loykin/devpilot/internal/metrics"
	"github.com/loykin/devpilot/internal/process"
)

const (
	DefaultStopGrace     = 5 * time.Second
	DefaultRestartSettle = 400 * time.Millisecond
	DefaultArchiveSize   = 256

	// waitDelay bounds how long output pipes are drained after the process exits.
	waitDelay = 2 * time.Second
)

// Publisher receives the events of every run.
type Publisher interface {
	Publish(e events.Event)
	Forget(runID string)
}

// ArchiveFunc opens the stdout and stderr log archives of a run. Nil writers disable archiving.
type ArchiveFunc func(name string) (stdout io.WriteCloser, stderr io.WriteCloser, err error)

type Options struct {
	StopGrace     time.Duration
	RestartSettle time.Duration
	ArchiveSize   int
	Logger        *slog.Logger
	History       history.Sink
	Archive       ArchiveFunc
}

// Manager owns every run record. It is the only writer of run state.
type Manager struct {
	opts Options
	log  *slog.Logger
	pub  Publisher

	mu       sync.RWMutex
	active   map[string]*entry
	archived map[string]Record
	order    []string

	wg sync.WaitGroup
}

type entry struct {
	mu        sync.Mutex
	rec       Record
	cmd       *exec.Cmd
	stopping  bool
	killed    bool
	killTimer *time.Timer
	done      chan struct{}
	stdout    *lineWriter
	stderr    *lineWriter
	closers   []io.Closer
}

// New creates a manager publishing to pub, which may be nil.
func New(pub Publisher, opts Options) *Manager {
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.RestartSettle <= 0 {
		opts.RestartSettle = DefaultRestartSettle
	}
	if opts.ArchiveSize <= 0 {
		opts.ArchiveSize = DefaultArchiveSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if pub == nil {
		pub = nopPublisher{}
	}
	return &Manager{
		opts:     opts,
		log:      opts.Logger,
		pub:      pub,
		active:   make(map[string]*entry),
		archived: make(map[string]Record),
	}
}

// Start spawns req and returns once the process is running. Output is streamed
// as log events until the process exits.
func (m *Manager) Start(ctx context.Context, req StartRequest) (Handle, error) {
	id := uuid.NewString()
	startedAt := time.Now()
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	if err := validate(req); err != nil {
		return Handle{}, m.spawnFailed(id, startedAt, req, err)
	}

	cmd := process.Build(req.Command)
	cmd.Dir = req.WorkDir
	cmd.Env = environ(req.Env)
	cmd.WaitDelay = waitDelay

	e := &entry{
		rec: Record{
			ID:         id,
			Descriptor: req.Descriptor,
			Label:      req.Label,
			Workspace:  req.WorkspaceID,
			WorkDir:    req.WorkDir,
			Command:    req.Command,
			Env:        maps.Clone(req.Env),
			State:      StateStarting,
			StartedAt:  startedAt,
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}
	var outArchive, errArchive io.Writer
	if m.opts.Archive != nil {
		o, x, err := m.opts.Archive(archiveName(req, id))
		if err != nil {
			m.log.Warn("open run log archive", "run_id", id, "error", err)
		}
		if o != nil {
			outArchive = o
			e.closers = append(e.closers, o)
		}
		if x != nil {
			errArchive = x
			e.closers = append(e.closers, x)
		}
	}
	e.stdout = &lineWriter{emit: m.emitter(e, events.Stdout), archive: outArchive}
	e.stderr = &lineWriter{emit: m.emitter(e, events.Stderr), archive: errArchive}
	cmd.Stdout = e.stdout
	cmd.Stderr = e.stderr

	// e.mu is held until the running status went out so no log chunk precedes it.
	e.mu.Lock()
	if err := cmd.Start(); err != nil {
		e.mu.Unlock()
		closeAll(e.closers)
		return Handle{}, m.spawnFailed(id, startedAt, req, err)
	}
	e.rec.PID = cmd.Process.Pid
	e.rec.State = StateRunning
	m.mu.Lock()
	m.active[id] = e
	n := len(m.active)
	m.mu.Unlock()
	m.publishStatus(e.rec, StateStarting, StateRunning)
	rec := e.rec.clone()
	e.mu.Unlock()

	metrics.IncStart(req.Descriptor.ProjectID, req.Descriptor.Script)
	metrics.SetActiveRuns(n)
	m.log.Info("run started", "run_id", id, "project", req.Descriptor.ProjectID,
		"script", req.Descriptor.Script, "pid", rec.PID, "dir", req.WorkDir)
	m.sendHistory(history.EventStart, rec, "")

	m.wg.Add(1)
	go m.wait(e)
	return rec.Handle(), nil
}

func validate(req StartRequest) error {
	if err := req.Descriptor.Validate(); err != nil {
		return err
	}
	if req.Command == "" {
		return errors.New("empty command")
	}
	fi, err := os.Stat(req.WorkDir)
	if err != nil {
		return fmt.Errorf("work dir: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("work dir %s is not a directory", req.WorkDir)
	}
	return nil
}

func (m *Manager) spawnFailed(id string, startedAt time.Time, req StartRequest, cause error) error {
	m.log.Error("spawn failed", "run_id", id, "project", req.Descriptor.ProjectID,
		"script", req.Descriptor.Script, "error", cause)
	m.pub.Publish(events.Event{
		Kind:        events.KindSpawnError,
		RunID:       id,
		WorkspaceID: req.WorkspaceID,
		Timestamp:   time.Now(),
		SpawnError:  &events.SpawnError{Message: cause.Error(), StartedAt: startedAt},
	})
	metrics.IncSpawnFailure(req.Descriptor.ProjectID, req.Descriptor.Script)
	rec := Record{
		ID:         id,
		Descriptor: req.Descriptor,
		Label:      req.Label,
		Workspace:  req.WorkspaceID,
		WorkDir:    req.WorkDir,
		Command:    req.Command,
		State:      StateFailed,
		StartedAt:  startedAt,
	}
	m.sendHistory(history.EventSpawnError, rec, cause.Error())
	return &SpawnError{RunID: id, Err: cause}
}

func (m *Manager) emitter(e *entry, stream events.Stream) func(string) {
	return func(line string) {
		e.mu.Lock()
		defer e.mu.Unlock()
		m.pub.Publish(events.Event{
			Kind:        events.KindLog,
			RunID:       e.rec.ID,
			WorkspaceID: e.rec.Workspace,
			Timestamp:   time.Now(),
			Log:         &events.LogChunk{Chunk: line, Stream: stream},
		})
	}
}

// wait is the single waiter of a run.
func (m *Manager) wait(e *entry) {
	defer m.wg.Done()
	err := e.cmd.Wait()
	e.stdout.Flush()
	e.stderr.Flush()
	closeAll(e.closers)
	finished := time.Now()
	code := exitCode(e.cmd.ProcessState)

	e.mu.Lock()
	if e.killTimer != nil {
		e.killTimer.Stop()
	}
	from := e.rec.State
	to := classify(e.stopping, code)
	e.rec.State = to
	e.rec.StoppedAt = &finished
	e.rec.ExitCode = &code
	e.rec.WasStopped = e.stopping
	rec := e.rec.clone()
	m.publishStatus(rec, from, to)
	m.pub.Publish(events.Event{
		Kind:        events.KindExit,
		RunID:       rec.ID,
		WorkspaceID: rec.Workspace,
		Timestamp:   finished,
		Exit: &events.Exit{
			ExitCode:   code,
			WasStopped: rec.WasStopped,
			State:      string(to),
			StartedAt:  rec.StartedAt,
			FinishedAt: finished,
		},
	})
	e.mu.Unlock()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		m.log.Warn("wait run", "run_id", rec.ID, "error", err)
	}
	m.log.Info("run finished", "run_id", rec.ID, "project", rec.Descriptor.ProjectID,
		"script", rec.Descriptor.Script, "state", to, "exit_code", code)

	m.sendHistory(history.EventExit, rec, "")
	metrics.IncExit(rec.Descriptor.ProjectID, rec.Descriptor.Script, string(to))

	m.mu.Lock()
	delete(m.active, rec.ID)
	evicted := m.archiveLocked(rec)
	n := len(m.active)
	m.mu.Unlock()
	metrics.SetActiveRuns(n)
	close(e.done)
	for _, id := range evicted {
		m.pub.Forget(id)
	}
}

func (m *Manager) archiveLocked(rec Record) []string {
	m.archived[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	var evicted []string
	for len(m.order) > m.opts.ArchiveSize {
		id := m.order[0]
		m.order = m.order[1:]
		delete(m.archived, id)
		evicted = append(evicted, id)
	}
	return evicted
}

// Stop requests termination of a run. It returns without waiting for the exit.
// Stopping a run that is already stopping, terminal or exited but not yet
// reaped does nothing, except that Force escalates a pending graceful stop.
func (m *Manager) Stop(id string, opts StopOptions) error {
	m.mu.RLock()
	e, ok := m.active[id]
	_, archived := m.archived[id]
	m.mu.RUnlock()
	if !ok {
		if archived {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.rec.State.Terminal():
		return nil
	case e.rec.State == StateStopping:
		if opts.Force {
			m.killLocked(e, "force requested")
		}
		return nil
	}
	if process.Exited(e.rec.PID) {
		// exited on its own; the waiter has not classified it yet
		m.log.Debug("stop after exit", "run_id", id, "pid", e.rec.PID)
		return nil
	}
	e.stopping = true
	e.rec.WasStopped = true
	from := e.rec.State
	e.rec.State = StateStopping
	m.publishStatus(e.rec, from, StateStopping)
	m.log.Info("stopping run", "run_id", id, "pid", e.rec.PID, "force", opts.Force)

	if opts.Force {
		m.killLocked(e, "")
		return nil
	}
	if err := process.Terminate(e.rec.PID); err != nil {
		m.log.Warn("terminate run", "run_id", id, "error", err)
		m.killLocked(e, "terminate failed")
		return nil
	}
	e.killTimer = time.AfterFunc(m.opts.StopGrace, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.rec.State.Terminal() {
			m.killLocked(e, fmt.Sprintf("did not exit within %s", m.opts.StopGrace))
		}
	})
	return nil
}

// killLocked sends SIGKILL to the run's process group. A non-empty reason marks
// an escalation from a graceful stop.
func (m *Manager) killLocked(e *entry, reason string) {
	if e.killed {
		return
	}
	e.killed = true
	if e.killTimer != nil {
		e.killTimer.Stop()
	}
	if reason != "" {
		e.rec.Warning = "killed: " + reason
		m.log.Warn("escalating stop to kill", "run_id", e.rec.ID, "pid", e.rec.PID, "reason", reason)
		metrics.IncStopEscalation(e.rec.Descriptor.ProjectID, e.rec.Descriptor.Script)
	}
	if err := process.Kill(e.rec.PID); err != nil {
		m.log.Warn("kill run", "run_id", e.rec.ID, "error", err)
	}
}

// Restart stops the active run of the same script, waits for it to finish,
// lets the settle delay pass and starts req.
func (m *Manager) Restart(ctx context.Context, req StartRequest) (Handle, error) {
	if prev, ok := m.ActiveFor(req.Descriptor.ProjectID, req.Descriptor.Script); ok {
		if err := m.Stop(prev.ID, StopOptions{}); err != nil {
			return Handle{}, err
		}
		if _, err := m.Wait(ctx, prev.ID); err != nil {
			return Handle{}, err
		}
		t := time.NewTimer(m.opts.RestartSettle)
		select {
		case <-ctx.Done():
			t.Stop()
			return Handle{}, ctx.Err()
		case <-t.C:
		}
	}
	return m.Start(ctx, req)
}

// Get returns an active or archived run.
func (m *Manager) Get(id string) (Record, error) {
	m.mu.RLock()
	e, ok := m.active[id]
	rec, archived := m.archived[id]
	m.mu.RUnlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.rec.clone(), nil
	}
	if archived {
		return rec.clone(), nil
	}
	return Record{}, fmt.Errorf("%w: %s", ErrUnknownRun, id)
}

// Active returns the runs that have not been archived, oldest first.
func (m *Manager) Active() []Record {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.active))
	for _, e := range m.active {
		entries = append(entries, e)
	}
	m.mu.RUnlock()
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec.clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ActiveFor returns the newest non-terminal run of a project script.
func (m *Manager) ActiveFor(projectID, script string) (Record, bool) {
	key := process.Key(projectID, script)
	runs := m.Active()
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].Descriptor.Key() == key && !runs[i].State.Terminal() {
			return runs[i], true
		}
	}
	return Record{}, false
}

// Archived returns terminal runs still retained, oldest first.
func (m *Manager) Archived() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.archived[id].clone())
	}
	return out
}

// Wait blocks until the run is terminal and returns its final record.
func (m *Manager) Wait(ctx context.Context, id string) (Record, error) {
	m.mu.RLock()
	e, ok := m.active[id]
	rec, archived := m.archived[id]
	m.mu.RUnlock()
	if archived {
		return rec.clone(), nil
	}
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	select {
	case <-ctx.Done():
		return Record{}, ctx.Err()
	case <-e.done:
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.clone(), nil
}

// AnnotatePort records the first port a run was seen listening on.
func (m *Manager) AnnotatePort(id string, port int) error {
	m.mu.RLock()
	e, ok := m.active[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	e.mu.Lock()
	e.rec.PortHint = port
	e.mu.Unlock()
	return nil
}

// Shutdown kills every active run and waits for their waiters.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, r := range m.Active() {
		if err := m.Stop(r.ID, StopOptions{Force: true}); err != nil && !errors.Is(err, ErrUnknownRun) {
			m.log.Warn("shutdown stop", "run_id", r.ID, "error", err)
		}
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (m *Manager) publishStatus(rec Record, from, to State) {
	if from != to {
		metrics.RecordStateTransition(string(from), string(to))
	}
	m.pub.Publish(events.Event{
		Kind:        events.KindStatus,
		RunID:       rec.ID,
		WorkspaceID: rec.Workspace,
		Timestamp:   time.Now(),
		Status:      &events.StatusChange{From: string(from), To: string(to), PID: rec.PID},
	})
}

func (m *Manager) sendHistory(t history.EventType, rec Record, errMsg string) {
	if m.opts.History == nil {
		return
	}
	hr := rec.history()
	hr.Error = errMsg
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.opts.History.Send(ctx, history.Event{Type: t, OccurredAt: time.Now(), Record: hr}); err != nil {
		m.log.Warn("history send", "run_id", rec.ID, "type", t, "error", err)
	}
}

// environ converts env to exec form. The result is never nil so the daemon's
// environment is not inherited implicitly; PATH falls back to the daemon's.
func environ(env map[string]string) []string {
	out := make([]string, 0, len(env)+1)
	for k, v := range env {
		if k == "" {
			continue
		}
		out = append(out, k+"="+v)
	}
	if _, ok := env["PATH"]; !ok {
		if p, ok := os.LookupEnv("PATH"); ok {
			out = append(out, "PATH="+p)
		}
	}
	slices.Sort(out)
	return out
}

func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}

func archiveName(req StartRequest, id string) string {
	name := req.Label
	if name == "" {
		name = req.Descriptor.Key()
	}
	return name + "-" + id[:8]
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}
func (nopPublisher) Forget(string)        {}
