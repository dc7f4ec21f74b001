//go:build !windows

package run

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devpilot/internal/events"
	"github.com/loykin/devpilot/internal/history"
	"github.com/loykin/devpilot/internal/process"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
	forgot []string
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) Forget(id string) {
	r.mu.Lock()
	r.forgot = append(r.forgot, id)
	r.mu.Unlock()
}

func (r *recorder) byKind(runID string, k events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.RunID == runID && e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

type historyRecorder struct {
	mu     sync.Mutex
	events []history.Event
}

func (h *historyRecorder) Send(_ context.Context, e history.Event) error {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
	return nil
}

func (h *historyRecorder) Close() error { return nil }

func (h *historyRecorder) types() []history.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []history.EventType
	for _, e := range h.events {
		out = append(out, e.Type)
	}
	return out
}

func request(t *testing.T, script, command string) StartRequest {
	t.Helper()
	return StartRequest{
		Descriptor: process.Descriptor{ProjectID: "p1", Script: script, Command: command, Runner: process.RunnerShell},
		WorkDir:    t.TempDir(),
		Command:    command,
		Env:        map[string]string{"GREETING": "hello"},
	}
}

func newManager(t *testing.T, opts Options) (*Manager, *recorder) {
	t.Helper()
	rec := &recorder{}
	m := New(rec, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, rec
}

func waitFor(t *testing.T, m *Manager, id string) Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r, err := m.Wait(ctx, id)
	require.NoError(t, err)
	return r
}

func TestStartStopEmitsSingleStoppedExit(t *testing.T) {
	m, rec := newManager(t, Options{})
	h, err := m.Start(context.Background(), request(t, "dev", "sleep 30"))
	require.NoError(t, err)
	require.NotEmpty(t, h.RunID)
	require.Greater(t, h.PID, 0)

	r, err := m.Get(h.RunID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, r.State)

	require.NoError(t, m.Stop(h.RunID, StopOptions{}))
	final := waitFor(t, m, h.RunID)
	assert.Equal(t, StateStopped, final.State)
	assert.True(t, final.WasStopped)
	require.NotNil(t, final.StoppedAt)

	exits := rec.byKind(h.RunID, events.KindExit)
	require.Len(t, exits, 1)
	assert.True(t, exits[0].Exit.WasStopped)
	assert.Equal(t, string(StateStopped), exits[0].Exit.State)
	assert.Empty(t, m.Active())
}

func TestDoubleStopSingleExit(t *testing.T) {
	m, rec := newManager(t, Options{})
	h, err := m.Start(context.Background(), request(t, "dev", "sleep 30"))
	require.NoError(t, err)

	require.NoError(t, m.Stop(h.RunID, StopOptions{}))
	require.NoError(t, m.Stop(h.RunID, StopOptions{}))
	waitFor(t, m, h.RunID)
	require.NoError(t, m.Stop(h.RunID, StopOptions{}))

	assert.Len(t, rec.byKind(h.RunID, events.KindExit), 1)
}

func TestNaturalExitClassification(t *testing.T) {
	m, rec := newManager(t, Options{})

	ok, err := m.Start(context.Background(), request(t, "ok", "sh -c 'exit 0'"))
	require.NoError(t, err)
	bad, err := m.Start(context.Background(), request(t, "bad", "sh -c 'exit 3'"))
	require.NoError(t, err)

	r := waitFor(t, m, ok.RunID)
	assert.Equal(t, StateExited, r.State)
	require.NotNil(t, r.ExitCode)
	assert.Equal(t, 0, *r.ExitCode)
	assert.False(t, r.WasStopped)

	r = waitFor(t, m, bad.RunID)
	assert.Equal(t, StateCrashed, r.State)
	assert.Equal(t, 3, *r.ExitCode)

	exits := rec.byKind(bad.RunID, events.KindExit)
	require.Len(t, exits, 1)
	assert.Equal(t, 3, exits[0].Exit.ExitCode)
	assert.False(t, exits[0].Exit.WasStopped)
}

func TestStopAfterExitKeepsNaturalClassification(t *testing.T) {
	m, rec := newManager(t, Options{})
	h, err := m.Start(context.Background(), request(t, "quick", "sh -c 'exit 0'"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return process.Exited(h.PID) }, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop(h.RunID, StopOptions{}))
	r := waitFor(t, m, h.RunID)
	assert.Equal(t, StateExited, r.State)
	assert.False(t, r.WasStopped)
	exits := rec.byKind(h.RunID, events.KindExit)
	require.Len(t, exits, 1)
	assert.False(t, exits[0].Exit.WasStopped)
}

func TestWorkspaceStampedOnEveryEvent(t *testing.T) {
	m, rec := newManager(t, Options{})
	req := request(t, "echo", "echo first")
	req.WorkspaceID = "w"
	h, err := m.Start(context.Background(), req)
	require.NoError(t, err)
	r := waitFor(t, m, h.RunID)
	assert.Equal(t, "w", r.Workspace)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var kinds []events.Kind
	for _, e := range rec.events {
		if e.RunID != h.RunID {
			continue
		}
		kinds = append(kinds, e.Kind)
		assert.Equal(t, "w", e.WorkspaceID, "%s event", e.Kind)
	}
	assert.Equal(t, []events.Kind{events.KindStatus, events.KindLog, events.KindStatus, events.KindExit}, kinds)
}

func TestOutputStreamedBeforeExit(t *testing.T) {
	m, rec := newManager(t, Options{})
	h, err := m.Start(context.Background(), request(t, "echo", "sh -c 'echo $GREETING; echo oops 1>&2; printf tail'"))
	require.NoError(t, err)
	waitFor(t, m, h.RunID)

	rec.mu.Lock()
	var kinds []events.Kind
	var lines []string
	for _, e := range rec.events {
		if e.RunID != h.RunID {
			continue
		}
		kinds = append(kinds, e.Kind)
		if e.Kind == events.KindLog {
			lines = append(lines, string(e.Log.Stream)+":"+e.Log.Chunk)
		}
	}
	rec.mu.Unlock()

	assert.ElementsMatch(t, []string{"stdout:hello", "stderr:oops", "stdout:tail"}, lines)
	require.NotEmpty(t, kinds)
	assert.Equal(t, events.KindStatus, kinds[0])
	assert.Equal(t, events.KindExit, kinds[len(kinds)-1])
}

func TestEnvironmentIsNotInherited(t *testing.T) {
	t.Setenv("DEVPILOT_LEAK", "daemon")
	m, rec := newManager(t, Options{})
	h, err := m.Start(context.Background(), request(t, "env", "sh -c 'echo leak=$DEVPILOT_LEAK'"))
	require.NoError(t, err)
	waitFor(t, m, h.RunID)

	logs := rec.byKind(h.RunID, events.KindLog)
	require.Len(t, logs, 1)
	assert.Equal(t, "leak=", logs[0].Log.Chunk)
}

func TestPathFallsBackToDaemon(t *testing.T) {
	daemonPath := os.Getenv("PATH") + ":/devpilot-extra"
	t.Setenv("PATH", daemonPath)
	m, rec := newManager(t, Options{})

	h, err := m.Start(context.Background(), request(t, "path", "sh -c 'echo path=$PATH'"))
	require.NoError(t, err)
	waitFor(t, m, h.RunID)
	logs := rec.byKind(h.RunID, events.KindLog)
	require.Len(t, logs, 1)
	assert.Equal(t, "path="+daemonPath, logs[0].Log.Chunk)

	req := request(t, "own", "sh -c 'echo path=$PATH'")
	req.Env["PATH"] = "/usr/bin:/bin"
	h, err = m.Start(context.Background(), req)
	require.NoError(t, err)
	waitFor(t, m, h.RunID)
	logs = rec.byKind(h.RunID, events.KindLog)
	require.Len(t, logs, 1)
	assert.Equal(t, "path=/usr/bin:/bin", logs[0].Log.Chunk)
}

func TestSpawnFailure(t *testing.T) {
	hist := &historyRecorder{}
	m, rec := newManager(t, Options{History: hist})

	req := request(t, "dev", "sleep 1")
	req.WorkDir = filepath.Join(t.TempDir(), "missing")
	_, err := m.Start(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawn)

	var se *SpawnError
	require.True(t, errors.As(err, &se))
	require.NotEmpty(t, se.RunID)

	spawnErrs := rec.byKind(se.RunID, events.KindSpawnError)
	require.Len(t, spawnErrs, 1)
	assert.Contains(t, spawnErrs[0].SpawnError.Message, "work dir")
	assert.Empty(t, m.Active())
	_, err = m.Get(se.RunID)
	assert.ErrorIs(t, err, ErrUnknownRun)
	assert.Equal(t, []history.EventType{history.EventSpawnError}, hist.types())

	req = request(t, "dev", "definitely-not-a-binary-devpilot")
	_, err = m.Start(context.Background(), req)
	assert.ErrorIs(t, err, ErrSpawn)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	req = request(t, "dev", "sleep 1")
	req.WorkDir = file
	_, err = m.Start(context.Background(), req)
	assert.ErrorIs(t, err, ErrSpawn)
}

func TestStopUnknownRun(t *testing.T) {
	m, _ := newManager(t, Options{})
	err := m.Stop("nope", StopOptions{})
	assert.ErrorIs(t, err, ErrUnknownRun)
	_, err = m.Wait(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestStopEscalatesToKill(t *testing.T) {
	m, _ := newManager(t, Options{StopGrace: 200 * time.Millisecond})
	h, err := m.Start(context.Background(), request(t, "stubborn", "sh -c 'trap \"\" TERM; while true; do sleep 0.1; done'"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, m.Stop(h.RunID, StopOptions{}))
	r := waitFor(t, m, h.RunID)
	assert.Equal(t, StateStopped, r.State)
	assert.True(t, r.WasStopped)
	assert.Contains(t, r.Warning, "killed")
}

func TestForceStop(t *testing.T) {
	m, rec := newManager(t, Options{StopGrace: time.Minute})
	h, err := m.Start(context.Background(), request(t, "dev", "sleep 30"))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, m.Stop(h.RunID, StopOptions{Force: true}))
	r := waitFor(t, m, h.RunID)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StateStopped, r.State)
	require.NotNil(t, r.ExitCode)
	assert.Equal(t, 128+9, *r.ExitCode)
	assert.Len(t, rec.byKind(h.RunID, events.KindExit), 1)
}

func TestRestartReplacesRun(t *testing.T) {
	hist := &historyRecorder{}
	m, _ := newManager(t, Options{RestartSettle: 50 * time.Millisecond, History: hist})
	req := request(t, "dev", "sleep 30")
	first, err := m.Start(context.Background(), req)
	require.NoError(t, err)

	second, err := m.Restart(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)

	old, err := m.Get(first.RunID)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, old.State)
	require.NotNil(t, old.StoppedAt)
	assert.True(t, second.StartedAt.After(*old.StoppedAt))

	cur, ok := m.ActiveFor("p1", "dev")
	require.True(t, ok)
	assert.Equal(t, second.RunID, cur.ID)
	assert.Equal(t, []history.EventType{history.EventStart, history.EventExit, history.EventStart}, hist.types())
}

func TestArchiveIsBounded(t *testing.T) {
	m, rec := newManager(t, Options{ArchiveSize: 2})
	var ids []string
	for i := 0; i < 3; i++ {
		h, err := m.Start(context.Background(), request(t, "once", "true"))
		require.NoError(t, err)
		waitFor(t, m, h.RunID)
		ids = append(ids, h.RunID)
	}
	archived := m.Archived()
	require.Len(t, archived, 2)
	assert.Equal(t, ids[1], archived[0].ID)
	assert.Equal(t, ids[2], archived[1].ID)

	_, err := m.Get(ids[0])
	assert.ErrorIs(t, err, ErrUnknownRun)
	rec.mu.Lock()
	assert.Equal(t, []string{ids[0]}, rec.forgot)
	rec.mu.Unlock()
}

func TestWaitHonorsContext(t *testing.T) {
	m, _ := newManager(t, Options{})
	h, err := m.Start(context.Background(), request(t, "dev", "sleep 30"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Wait(ctx, h.RunID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAnnotatePort(t *testing.T) {
	m, _ := newManager(t, Options{})
	h, err := m.Start(context.Background(), request(t, "dev", "sleep 30"))
	require.NoError(t, err)
	require.NoError(t, m.AnnotatePort(h.RunID, 4000))
	r, err := m.Get(h.RunID)
	require.NoError(t, err)
	assert.Equal(t, 4000, r.PortHint)
	assert.ErrorIs(t, m.AnnotatePort("nope", 1), ErrUnknownRun)
}

type bufCloser struct {
	mu sync.Mutex
	b  strings.Builder
}

func (b *bufCloser) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *bufCloser) Close() error { return nil }

func (b *bufCloser) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

func TestOutputArchive(t *testing.T) {
	out, errw := &bufCloser{}, &bufCloser{}
	var name string
	m, _ := newManager(t, Options{Archive: func(n string) (io.WriteCloser, io.WriteCloser, error) {
		name = n
		return out, errw, nil
	}})
	req := request(t, "dev", "sh -c 'echo a; echo b 1>&2'")
	req.Label = "web"
	h, err := m.Start(context.Background(), req)
	require.NoError(t, err)
	waitFor(t, m, h.RunID)

	assert.True(t, strings.HasPrefix(name, "web-"))
	assert.Equal(t, "a\n", out.String())
	assert.Equal(t, "b\n", errw.String())
}

func TestShutdownStopsEverything(t *testing.T) {
	m := New(nil, Options{})
	for i := 0; i < 3; i++ {
		_, err := m.Start(context.Background(), request(t, "dev", "sleep 30"))
		require.NoError(t, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.Empty(t, m.Active())
	for _, r := range m.Archived() {
		assert.Equal(t, StateStopped, r.State)
	}
}

func TestStateMachine(t *testing.T) {
	assert.True(t, CanTransition(StateStarting, StateRunning))
	assert.True(t, CanTransition(StateStarting, StateFailed))
	assert.True(t, CanTransition(StateRunning, StateStopping))
	assert.True(t, CanTransition(StateStopping, StateStopped))
	assert.False(t, CanTransition(StateStopped, StateRunning))
	assert.False(t, CanTransition(StateCrashed, StateStopping))
	for _, s := range []State{StateStopped, StateExited, StateCrashed, StateFailed} {
		assert.True(t, s.Terminal(), s)
	}
	assert.Equal(t, StateStopped, classify(true, 1))
	assert.Equal(t, StateExited, classify(false, 0))
	assert.Equal(t, StateCrashed, classify(false, 2))
}

func TestLineWriter(t *testing.T) {
	var got []string
	w := &lineWriter{emit: func(s string) { got = append(got, s) }}
	_, _ = w.Write([]byte("one\ntw"))
	_, _ = w.Write([]byte("o\r\nthree"))
	assert.Equal(t, []string{"one", "two"}, got)
	w.Flush()
	assert.Equal(t, []string{"one", "two", "three"}, got)
	w.Flush()
	assert.Len(t, got, 3)
}
