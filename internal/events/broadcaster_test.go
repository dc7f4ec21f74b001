package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logEvent(run, line string) Event {
	return Event{Kind: KindLog, RunID: run, Log: &LogChunk{Chunk: line, Stream: Stdout}}
}

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-s.C:
		require.True(t, ok, "subscription channel closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestBroadcaster_InOrderWithinRun(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	sub := b.Subscribe(Filter{RunID: "r1"})
	defer sub.Unsubscribe()

	for i := 0; i < 100; i++ {
		b.Publish(logEvent("r1", fmt.Sprintf("line-%d", i)))
		b.Publish(logEvent("r2", "other"))
	}
	for i := 0; i < 100; i++ {
		e := recv(t, sub)
		assert.Equal(t, "r1", e.RunID)
		assert.Equal(t, fmt.Sprintf("line-%d", i), e.Log.Chunk)
	}
}

func TestBroadcaster_FilterByWorkspaceUsesAttachment(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	b.Attach("r1", "ws")
	sub := b.Subscribe(Filter{WorkspaceID: "ws"})
	defer sub.Unsubscribe()

	b.Publish(logEvent("r2", "not mine"))
	b.Publish(logEvent("r1", "mine"))
	b.Publish(Event{Kind: KindWorkspace, WorkspaceID: "ws", Workspace: &WorkspaceStatus{ActiveRunCount: 1}})

	e := recv(t, sub)
	assert.Equal(t, "mine", e.Log.Chunk)
	assert.Equal(t, "ws", e.WorkspaceID)
	e = recv(t, sub)
	assert.Equal(t, KindWorkspace, e.Kind)
	assert.Equal(t, 1, e.Workspace.ActiveRunCount)
}

func TestBroadcaster_FilterByKind(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	sub := b.Subscribe(Filter{Kinds: []Kind{KindExit}})
	defer sub.Unsubscribe()

	b.Publish(logEvent("r1", "x"))
	b.Publish(Event{Kind: KindExit, RunID: "r1", Exit: &Exit{ExitCode: 0, WasStopped: true}})
	e := recv(t, sub)
	assert.Equal(t, KindExit, e.Kind)
	assert.True(t, e.Exit.WasStopped)
}

func TestBroadcaster_SlowSubscriberGetsTruncationMarker(t *testing.T) {
	b := New(Options{SubscriberBuffer: 4})
	defer b.Close()
	sub := b.Subscribe(Filter{RunID: "r1"})
	defer sub.Unsubscribe()

	// the pump may hold one event in flight while blocked on the unbuffered channel
	for i := 0; i < 20; i++ {
		b.Publish(logEvent("r1", fmt.Sprintf("line-%d", i)))
	}

	var sawMarker bool
	var last string
	deadline := time.After(2 * time.Second)
	for last != "line-19" {
		select {
		case e := <-sub.C:
			if e.Kind == KindTruncated {
				sawMarker = true
				assert.Greater(t, e.Dropped, 0)
				continue
			}
			last = e.Log.Chunk
		case <-deadline:
			t.Fatalf("did not receive the last line, last=%q", last)
		}
	}
	assert.True(t, sawMarker, "expected truncation marker")
}

func TestBroadcaster_BacklogIsBounded(t *testing.T) {
	b := New(Options{RunBuffer: 3})
	defer b.Close()
	for i := 0; i < 5; i++ {
		b.Publish(logEvent("r1", fmt.Sprintf("line-%d", i)))
	}
	bl := b.Backlog("r1")
	require.Len(t, bl, 4)
	assert.Equal(t, KindTruncated, bl[0].Kind)
	assert.Equal(t, 2, bl[0].Dropped)
	assert.Equal(t, "line-2", bl[1].Log.Chunk)
	assert.Equal(t, "line-4", bl[3].Log.Chunk)

	b.Forget("r1")
	assert.Empty(t, b.Backlog("r1"))
}

func TestBroadcaster_ReplayDeliversBacklogFirst(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	b.Publish(logEvent("r1", "early"))
	sub := b.Subscribe(Filter{RunID: "r1", Replay: true})
	defer sub.Unsubscribe()
	b.Publish(logEvent("r1", "late"))

	assert.Equal(t, "early", recv(t, sub).Log.Chunk)
	assert.Equal(t, "late", recv(t, sub).Log.Chunk)
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := New(Options{})
	defer b.Close()
	sub := b.Subscribe(Filter{})
	assert.Equal(t, 1, b.Subscribers())
	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, b.Subscribers())

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed after Unsubscribe")
	}
	// publishing after a subscriber left must not block or panic
	b.Publish(logEvent("r1", "x"))
}

func TestBroadcaster_CloseEndsSubscriptions(t *testing.T) {
	b := New(Options{})
	sub := b.Subscribe(Filter{})
	b.Close()
	select {
	case _, ok := <-sub.C:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed after Close")
	}
	late := b.Subscribe(Filter{})
	_, ok := <-late.C
	assert.False(t, ok)
	b.Publish(logEvent("r1", "ignored"))
}

func TestRing(t *testing.T) {
	r := newRing[int](2)
	assert.False(t, r.push(1))
	assert.False(t, r.push(2))
	assert.True(t, r.push(3))
	assert.Equal(t, []int{2, 3}, r.items())
	v, ok := r.pop()
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	v, _ = r.pop()
	assert.Equal(t, 3, v)
	_, ok = r.pop()
	assert.False(t, ok)
}
