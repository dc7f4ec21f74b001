package ports

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devpilot/internal/events"
	"github.com/loykin/devpilot/internal/process"
	"github.com/loykin/devpilot/internal/run"
)

type fakeSource struct {
	listeners []Listener
	children  map[int][]int
	err       error
}

func (f *fakeSource) Listeners(context.Context) ([]Listener, error) { return f.listeners, f.err }

func (f *fakeSource) Descendants(_ context.Context, pid int) ([]int, error) {
	var out []int
	queue := []int{pid}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		out = append(out, f.children[p]...)
		queue = append(queue, f.children[p]...)
	}
	return out, nil
}

func (f *fakeSource) Describe(_ context.Context, pid int) (ProcInfo, error) {
	return ProcInfo{PID: pid, Name: "postgres"}, nil
}

type fakeRuns struct {
	mu    sync.Mutex
	recs  []run.Record
	hints map[string]int
}

func (f *fakeRuns) Active() []run.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]run.Record, len(f.recs))
	copy(out, f.recs)
	for i := range out {
		out[i].PortHint = f.hints[out[i].ID]
	}
	return out
}

func (f *fakeRuns) AnnotatePort(id string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hints == nil {
		f.hints = map[string]int{}
	}
	f.hints[id] = port
	return nil
}

type expectedMap map[string]int

func (e expectedMap) ExpectedPort(_ context.Context, projectID, script string) (int, error) {
	return e[process.Key(projectID, script)], nil
}

type collector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collector) Publish(e events.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func record(id string, pid int, script string) run.Record {
	return run.Record{
		ID:         id,
		PID:        pid,
		State:      run.StateRunning,
		Descriptor: process.Descriptor{ProjectID: "web", Script: script},
	}
}

func TestPollAttributesDescendantPorts(t *testing.T) {
	src := &fakeSource{
		listeners: []Listener{
			{Address: "127.0.0.1", Port: 4000, PID: 102},
			{Address: "::1", Port: 4000, PID: 102},
			{Address: "0.0.0.0", Port: 5432, PID: 900},
		},
		children: map[int][]int{100: {101}, 101: {102}},
	}
	runs := &fakeRuns{recs: []run.Record{record("r1", 100, "dev")}}
	pub := &collector{}
	w := NewWatcher(src, runs, expectedMap{"web/dev": 4000}, pub, Options{})

	snap, err := w.Poll(context.Background())
	require.NoError(t, err)
	rp, ok := snap.Run("r1")
	require.True(t, ok)
	assert.Equal(t, []int{4000}, rp.Ports)
	assert.Equal(t, MatchOK, rp.Match)
	assert.Equal(t, 4000, rp.Expected)

	require.Len(t, snap.External, 1)
	assert.Equal(t, 900, snap.External[0].PID)
	assert.Equal(t, "postgres", snap.External[0].Name)
	assert.Equal(t, []int{5432}, snap.External[0].Ports)

	assert.Equal(t, 4000, runs.hints["r1"])
	assert.True(t, w.Listening("r1", 4000))
	assert.False(t, w.Listening("r1", 5432))
	assert.Equal(t, 1, pub.count())
}

func TestPollMismatchKeepsPorts(t *testing.T) {
	src := &fakeSource{listeners: []Listener{{Port: 4000, PID: 100}}}
	runs := &fakeRuns{recs: []run.Record{record("r1", 100, "dev")}}
	w := NewWatcher(src, runs, expectedMap{"web/dev": 5000}, nil, Options{})

	snap, err := w.Poll(context.Background())
	require.NoError(t, err)
	rp, _ := snap.Run("r1")
	assert.Equal(t, MatchMismatch, rp.Match)
	assert.Equal(t, []int{4000}, rp.Ports)
}

func TestPollUnknownCases(t *testing.T) {
	src := &fakeSource{listeners: []Listener{{Port: 4000, PID: 100}}}
	runs := &fakeRuns{recs: []run.Record{record("r1", 100, "dev"), record("r2", 200, "api")}}
	w := NewWatcher(src, runs, expectedMap{"web/api": 8080}, nil, Options{})

	snap, err := w.Poll(context.Background())
	require.NoError(t, err)
	r1, _ := snap.Run("r1")
	assert.Equal(t, MatchUnknown, r1.Match, "nothing expected")
	r2, _ := snap.Run("r2")
	assert.Equal(t, MatchUnknown, r2.Match, "nothing found")
	assert.Empty(t, r2.Ports)
}

func TestPollDiscoveryFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("permission denied")}
	runs := &fakeRuns{recs: []run.Record{record("r1", 100, "dev")}}
	w := NewWatcher(src, runs, expectedMap{"web/dev": 4000}, nil, Options{})

	snap, err := w.Poll(context.Background())
	assert.Error(t, err)
	rp, ok := snap.Run("r1")
	require.True(t, ok)
	assert.Equal(t, MatchUnknown, rp.Match)
	assert.Empty(t, rp.Ports)
}

func TestPollPublishesOnlyChanges(t *testing.T) {
	src := &fakeSource{listeners: []Listener{{Port: 4000, PID: 100}}}
	runs := &fakeRuns{recs: []run.Record{record("r1", 100, "dev")}}
	pub := &collector{}
	w := NewWatcher(src, runs, nil, pub, Options{})

	_, err := w.Poll(context.Background())
	require.NoError(t, err)
	_, err = w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pub.count())

	src.listeners = append(src.listeners, Listener{Port: 4001, PID: 100})
	_, err = w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, pub.count())
	assert.Equal(t, []int{4000, 4001}, w.Snapshot().Runs[0].Ports)
}

func TestGopsutilSourceSeesOwnListener(t *testing.T) {
	if testing.Short() {
		t.Skip("reads the OS socket table")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	ls, err := GopsutilSource{}.Listeners(context.Background())
	if err != nil {
		t.Skipf("socket table unavailable: %v", err)
	}
	found := false
	for _, l := range ls {
		if l.Port == port && l.PID == os.Getpid() {
			found = true
		}
	}
	assert.True(t, found)

	info, err := GopsutilSource{}.Describe(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
}
