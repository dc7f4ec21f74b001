package events

import (
	"sync"
	"time"

	"github.com/loykin/devpilot/internal/metrics"
)

// Default buffer sizes.
const (
	DefaultRunBuffer        = 1000
	DefaultSubscriberBuffer = 256
)

// Options configures buffer sizes of a Broadcaster.
type Options struct {
	RunBuffer        int // log chunks retained per run
	SubscriberBuffer int // events queued per subscriber before the oldest are dropped
}

// Broadcaster fans events out to subscribers. Publishing never blocks: every
// subscription owns a bounded queue drained by its own goroutine, and every run
// owns a bounded backlog of log chunks.
type Broadcaster struct {
	mu       sync.Mutex
	opts     Options
	nextID   uint64
	subs     map[uint64]*Subscription
	backlogs map[string]*backlog
	owners   map[string]string // run id -> workspace id
	closed   bool
}

type backlog struct {
	chunks  *ring[Event]
	dropped int
}

// New creates a Broadcaster. Zero options fall back to the defaults.
func New(opts Options) *Broadcaster {
	if opts.RunBuffer <= 0 {
		opts.RunBuffer = DefaultRunBuffer
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	return &Broadcaster{
		opts:     opts,
		subs:     make(map[uint64]*Subscription),
		backlogs: make(map[string]*backlog),
		owners:   make(map[string]string),
	}
}

// Attach attributes a run to a workspace so that events of the run are also
// delivered to subscribers of the workspace.
func (b *Broadcaster) Attach(runID, workspaceID string) {
	b.mu.Lock()
	b.owners[runID] = workspaceID
	b.mu.Unlock()
}

// Detach removes the workspace attribution of a run.
func (b *Broadcaster) Detach(runID string) {
	b.mu.Lock()
	delete(b.owners, runID)
	b.mu.Unlock()
}

// Publish delivers e to every matching subscriber. Log chunks are also retained
// in the run's backlog.
func (b *Broadcaster) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if e.WorkspaceID == "" && e.RunID != "" {
		e.WorkspaceID = b.owners[e.RunID]
	}
	if e.Kind == KindLog && e.RunID != "" {
		bl := b.backlogs[e.RunID]
		if bl == nil {
			bl = &backlog{chunks: newRing[Event](b.opts.RunBuffer)}
			b.backlogs[e.RunID] = bl
		}
		if bl.chunks.push(e) {
			bl.dropped++
		}
	}
	for _, s := range b.subs {
		if s.filter.match(e) {
			s.offer(e)
		}
	}
}

// Backlog returns the retained log chunks of a run, oldest first. When chunks were
// dropped a truncation marker is the first element.
func (b *Broadcaster) Backlog(runID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backlogLocked(runID)
}

func (b *Broadcaster) backlogLocked(runID string) []Event {
	bl := b.backlogs[runID]
	if bl == nil {
		return nil
	}
	out := make([]Event, 0, bl.chunks.len()+1)
	if bl.dropped > 0 {
		first := bl.chunks.items()
		ts := time.Now()
		if len(first) > 0 {
			ts = first[0].Timestamp
		}
		out = append(out, Event{Kind: KindTruncated, RunID: runID, Timestamp: ts, Dropped: bl.dropped})
	}
	return append(out, bl.chunks.items()...)
}

// Forget releases the backlog and workspace attribution of a run.
func (b *Broadcaster) Forget(runID string) {
	b.mu.Lock()
	delete(b.backlogs, runID)
	delete(b.owners, runID)
	b.mu.Unlock()
}

// Subscribe registers a subscription. The returned Subscription must be released
// with Unsubscribe; its channel is closed afterwards.
func (b *Broadcaster) Subscribe(f Filter) *Subscription {
	out := make(chan Event)
	s := &Subscription{
		C:      out,
		out:    out,
		filter: f,
		queue:  newRing[Event](b.opts.SubscriberBuffer),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		b:      b,
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.once.Do(func() { close(s.done) })
		go s.pump()
		return s
	}
	b.nextID++
	s.id = b.nextID
	if f.Replay && f.RunID != "" {
		for _, e := range b.backlogLocked(f.RunID) {
			s.offer(e)
		}
	}
	b.subs[s.id] = s
	b.mu.Unlock()
	go s.pump()
	return s
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Later publishes are dropped.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is a live registration on a Broadcaster.
type Subscription struct {
	// C delivers matching events in publish order. It is closed after Unsubscribe.
	C <-chan Event

	id      uint64
	out     chan Event
	filter  Filter
	mu      sync.Mutex
	queue   *ring[Event]
	dropped int
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	b       *Broadcaster
}

// Unsubscribe stops delivery and closes C. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.b.remove(s.id)
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// offer enqueues e without blocking, dropping the oldest queued event when full.
func (s *Subscription) offer(e Event) {
	s.mu.Lock()
	if s.queue.push(e) {
		s.dropped++
		metrics.IncEventsDropped()
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped > 0 {
		e := Event{Kind: KindTruncated, RunID: s.filter.RunID, WorkspaceID: s.filter.WorkspaceID, Timestamp: time.Now(), Dropped: s.dropped}
		s.dropped = 0
		return e, true
	}
	return s.queue.pop()
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		e, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}
