// Package workspace starts, stops and aggregates groups of script runs.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/devpilot/internal/events"
	"github.com/loykin/devpilot/internal/launch"
	"github.com/loykin/devpilot/internal/metrics"
	"github.com/loykin/devpilot/internal/run"
	"github.com/loykin/devpilot/internal/store"
)

const (
	DefaultSettleTimeout = 2 * time.Minute
	DefaultRestartSettle = 400 * time.Millisecond
	defaultPortPoll      = 250 * time.Millisecond
)

var (
	ErrNotFound       = errors.New("workspace not found")
	ErrItemNotFound   = errors.New("workspace item not found")
	ErrAlreadyRunning = errors.New("workspace already running")
)

// Phase summarizes what a workspace is doing.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
	PhaseStopped  Phase = "stopped"
	PhaseFailed   Phase = "failed"
)

// Status is derived from the state of the constituent runs.
type Status struct {
	WorkspaceID    string   `json:"workspace_id"`
	ActiveRunCount int      `json:"active_run_count"`
	RunIDs         []string `json:"run_ids"`
	Phase          Phase    `json:"phase"`
	Error          string   `json:"error,omitempty"`
}

// Runner is the subset of run.Manager used here.
type Runner interface {
	Start(ctx context.Context, req run.StartRequest) (run.Handle, error)
	Stop(id string, opts run.StopOptions) error
	Wait(ctx context.Context, id string) (run.Record, error)
	Get(id string) (run.Record, error)
}

type Preparer interface {
	Prepare(ctx context.Context, ref launch.Ref) (run.StartRequest, error)
}

// Readiness reports bound ports; satisfied by ports.Watcher.
type Readiness interface {
	Listening(runID string, port int) bool
}

type Broadcaster interface {
	Publish(e events.Event)
	Attach(runID, workspaceID string)
	Detach(runID string)
	Subscribe(f events.Filter) *events.Subscription
}

// Options tunes the coordinator. PortPoll is how often the port settle policy
// checks readiness; Readiness and Ports are both required for that policy.
type Options struct {
	SettleTimeout time.Duration
	RestartSettle time.Duration
	PortPoll      time.Duration
	Readiness     Readiness
	Ports         store.SettingsStore
	Logger        *slog.Logger
}

type Coordinator struct {
	runs Runner
	prep Preparer
	defs store.WorkspaceStore
	bc   Broadcaster
	opts Options
	log  *slog.Logger
	sub  *events.Subscription
	done chan struct{}

	mu       sync.Mutex
	sessions map[string]*session
	byRun    map[string]string
}

type launched struct {
	itemID string
	runID  string
	mode   store.Mode
}

// session is one start of a workspace. ctx is cancelled by Stop; chainDone and
// batchDone close once the sequential chain and the parallel batch returned.
type session struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	chainDone chan struct{}
	batchDone chan struct{}

	mu       sync.Mutex
	runs     []launched
	phase    Phase
	err      string
	reported int
}

// New creates a coordinator and starts its aggregation loop. Close stops it.
func New(runs Runner, prep Preparer, defs store.WorkspaceStore, bc Broadcaster, opts Options) *Coordinator {
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = DefaultSettleTimeout
	}
	if opts.RestartSettle <= 0 {
		opts.RestartSettle = DefaultRestartSettle
	}
	if opts.PortPoll <= 0 {
		opts.PortPoll = defaultPortPoll
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Coordinator{
		runs:     runs,
		prep:     prep,
		defs:     defs,
		bc:       bc,
		opts:     opts,
		log:      opts.Logger,
		done:     make(chan struct{}),
		sessions: make(map[string]*session),
		byRun:    make(map[string]string),
	}
	c.sub = bc.Subscribe(events.Filter{Kinds: []events.Kind{events.KindStatus, events.KindExit, events.KindTruncated}})
	go c.aggregate()
	return c
}

// Close stops the aggregation loop. Runs are left alone.
func (c *Coordinator) Close() {
	c.sub.Unsubscribe()
	<-c.done
}

func (c *Coordinator) aggregate() {
	defer close(c.done)
	for e := range c.sub.C {
		if e.Kind == events.KindTruncated {
			// lost events may include exits of any workspace
			for _, sess := range c.allSessions() {
				c.refresh(sess)
			}
			continue
		}
		c.mu.Lock()
		wsID, ok := c.byRun[e.RunID]
		sess := c.sessions[wsID]
		c.mu.Unlock()
		if ok && sess != nil {
			c.refresh(sess)
		}
	}
}

func (c *Coordinator) allSessions() []*session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		out = append(out, sess)
	}
	return out
}

func (c *Coordinator) workspace(ctx context.Context, id string) (store.Workspace, error) {
	ws, err := c.defs.GetWorkspace(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Workspace{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ws, err
}

// Start launches every parallel item concurrently and schedules the sequential
// chain. It returns once the parallel batch was launched; failures of parallel
// items are returned joined while the rest keep running.
func (c *Coordinator) Start(ctx context.Context, id string) (Status, error) {
	ws, err := c.workspace(ctx, id)
	if err != nil {
		return Status{}, err
	}
	if err := ws.Validate(); err != nil {
		return Status{}, err
	}
	sess, err := c.newSession(id)
	if err != nil {
		return Status{}, err
	}
	c.log.Info("starting workspace", "workspace", id, "items", len(ws.Items))

	var parallel, chain []store.WorkspaceItem
	for _, it := range ws.Sorted() {
		if it.Mode == store.ModeSequential {
			chain = append(chain, it)
		} else {
			parallel = append(parallel, it)
		}
	}

	go func() {
		defer close(sess.chainDone)
		c.runChain(sess.ctx, sess, ws, chain)
	}()

	// the batch ends early when either the caller or Stop cancels
	bctx, bcancel := context.WithCancel(ctx)
	release := context.AfterFunc(sess.ctx, bcancel)
	var (
		g    errgroup.Group
		emu  sync.Mutex
		errs []error
	)
	for _, it := range parallel {
		g.Go(func() error {
			if _, err := c.startItem(bctx, sess, it); err != nil && sess.ctx.Err() == nil {
				emu.Lock()
				errs = append(errs, err)
				emu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	release()
	bcancel()
	close(sess.batchDone)
	if len(errs) > 0 {
		sess.fail(errors.Join(errs...).Error())
	}
	sess.mu.Lock()
	if sess.phase == PhaseStarting && sess.ctx.Err() == nil {
		sess.phase = PhaseRunning
	}
	sess.mu.Unlock()
	return c.refresh(sess), errors.Join(errs...)
}

func (c *Coordinator) newSession(id string) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.sessions[id]; ok {
		if !old.settled() || c.activeCount(old) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
		}
		c.retireLocked(old)
	}
	sess := &session{id: id, chainDone: make(chan struct{}), batchDone: make(chan struct{}), phase: PhaseStarting}
	sess.ctx, sess.cancel = context.WithCancel(context.Background())
	c.sessions[id] = sess
	return sess, nil
}

// itemSession returns the session RestartItem launches into. A stopped or
// missing session is replaced by an idle one with nothing pending.
func (c *Coordinator) itemSession(id string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.sessions[id]; ok {
		if old.ctx.Err() == nil {
			return old
		}
		c.retireLocked(old)
	}
	sess := &session{id: id, chainDone: make(chan struct{}), batchDone: make(chan struct{}), phase: PhaseRunning}
	sess.ctx, sess.cancel = context.WithCancel(context.Background())
	close(sess.chainDone)
	close(sess.batchDone)
	c.sessions[id] = sess
	return sess
}

func (c *Coordinator) retireLocked(old *session) {
	old.cancel()
	for _, l := range old.snapshot() {
		delete(c.byRun, l.runID)
		c.bc.Detach(l.runID)
	}
}

func (c *Coordinator) startItem(ctx context.Context, sess *session, it store.WorkspaceItem) (run.Handle, error) {
	req, err := c.prep.Prepare(ctx, launch.Ref{ProjectID: it.ProjectID, Script: it.Script, Profile: it.Profile})
	if err != nil {
		return run.Handle{}, fmt.Errorf("item %s: %w", it.ID, err)
	}
	req.WorkspaceID = sess.id
	h, err := c.runs.Start(ctx, req)
	if err != nil {
		return run.Handle{}, fmt.Errorf("item %s: %w", it.ID, err)
	}
	c.mu.Lock()
	c.byRun[h.RunID] = sess.id
	c.mu.Unlock()
	c.bc.Attach(h.RunID, sess.id)
	sess.add(launched{itemID: it.ID, runID: h.RunID, mode: it.Mode})
	if err := sess.ctx.Err(); err != nil {
		// Stop arrived while the run was spawning
		c.log.Info("workspace stopped during start", "workspace", sess.id, "item", it.ID, "run_id", h.RunID)
		if serr := c.runs.Stop(h.RunID, run.StopOptions{}); serr != nil && !errors.Is(serr, run.ErrUnknownRun) {
			c.log.Warn("stop late run", "workspace", sess.id, "run_id", h.RunID, "error", serr)
		}
		return h, fmt.Errorf("item %s: %w", it.ID, err)
	}
	c.log.Info("workspace item started", "workspace", sess.id, "item", it.ID, "run_id", h.RunID)
	c.refresh(sess)
	return h, nil
}

// runChain starts the sequential items one after another, each waiting for the
// previous to settle.
func (c *Coordinator) runChain(ctx context.Context, sess *session, ws store.Workspace, chain []store.WorkspaceItem) {
	defer c.refresh(sess)
	abort := ws.FailureMode() == store.FailAbort
	for i, it := range chain {
		if ctx.Err() != nil {
			return
		}
		h, err := c.startItem(ctx, sess, it)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("workspace item failed to start", "workspace", ws.ID, "item", it.ID, "error", err)
			sess.fail(err.Error())
			if abort {
				return
			}
			continue
		}
		if i == len(chain)-1 {
			return
		}
		rec, err := c.settle(ctx, ws, it, h.RunID)
		if err != nil {
			return
		}
		if rec.State == run.StateCrashed {
			c.log.Warn("workspace item crashed", "workspace", ws.ID, "item", it.ID, "run_id", rec.ID)
			sess.fail(fmt.Sprintf("item %s crashed", it.ID))
			if abort {
				return
			}
		}
	}
}

// settle blocks until the run of it lets the next item start or the settle
// timeout passes. It only fails when ctx is cancelled.
func (c *Coordinator) settle(ctx context.Context, ws store.Workspace, it store.WorkspaceItem, runID string) (run.Record, error) {
	tctx, cancel := context.WithTimeout(ctx, c.opts.SettleTimeout)
	defer cancel()

	port := 0
	if ws.SettleMode() == store.SettlePort && c.opts.Readiness != nil && c.opts.Ports != nil {
		p, err := c.opts.Ports.ExpectedPort(ctx, it.ProjectID, it.Script)
		if err != nil {
			c.log.Debug("expected port", "workspace", ws.ID, "item", it.ID, "error", err)
		}
		port = p
	}

	if port <= 0 {
		rec, err := c.runs.Wait(tctx, runID)
		if err == nil {
			return rec, nil
		}
	} else {
		t := time.NewTicker(c.opts.PortPoll)
		defer t.Stop()
	loop:
		for {
			rec, err := c.runs.Get(runID)
			if err != nil || rec.State.Terminal() || c.opts.Readiness.Listening(runID, port) {
				break
			}
			select {
			case <-tctx.Done():
				break loop
			case <-t.C:
			}
		}
	}
	if ctx.Err() != nil {
		return run.Record{}, ctx.Err()
	}
	if tctx.Err() != nil {
		c.log.Warn("settle timeout, continuing", "workspace", ws.ID, "item", it.ID, "run_id", runID)
	}
	rec, err := c.runs.Get(runID)
	if err != nil {
		return run.Record{ID: runID}, nil
	}
	return rec, nil
}

// Stop cancels the pending chain, then stops sequential runs in reverse start
// order and parallel runs concurrently, waiting for each to finish.
func (c *Coordinator) Stop(ctx context.Context, id string) (Status, error) {
	c.mu.Lock()
	sess := c.sessions[id]
	c.mu.Unlock()
	if sess == nil {
		if _, err := c.workspace(ctx, id); err != nil {
			return Status{}, err
		}
		return Status{WorkspaceID: id, RunIDs: []string{}, Phase: PhaseIdle}, nil
	}
	sess.cancel()
	for _, done := range []chan struct{}{sess.chainDone, sess.batchDone} {
		select {
		case <-done:
		case <-ctx.Done():
			return Status{}, ctx.Err()
		}
	}
	sess.setPhase(PhaseStopping)
	c.refresh(sess)
	c.log.Info("stopping workspace", "workspace", id)

	var sequential, parallel []launched
	for _, l := range sess.snapshot() {
		if l.mode == store.ModeSequential {
			sequential = append(sequential, l)
		} else {
			parallel = append(parallel, l)
		}
	}
	slices.Reverse(sequential)

	var firstErr error
	for _, l := range sequential {
		if err := c.stopRun(ctx, l.runID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range parallel {
		g.Go(func() error { return c.stopRun(gctx, l.runID) })
	}
	if err := g.Wait(); err != nil && firstErr == nil {
		firstErr = err
	}
	sess.setPhase(PhaseStopped)
	return c.refresh(sess), firstErr
}

func (c *Coordinator) stopRun(ctx context.Context, runID string) error {
	if err := c.runs.Stop(runID, run.StopOptions{}); err != nil {
		if errors.Is(err, run.ErrUnknownRun) {
			return nil
		}
		return err
	}
	_, err := c.runs.Wait(ctx, runID)
	if errors.Is(err, run.ErrUnknownRun) {
		return nil
	}
	return err
}

// Restart stops the workspace, waits the settle delay and starts it again.
func (c *Coordinator) Restart(ctx context.Context, id string) (Status, error) {
	if _, err := c.Stop(ctx, id); err != nil {
		return Status{}, err
	}
	if err := sleep(ctx, c.opts.RestartSettle); err != nil {
		return Status{}, err
	}
	return c.Start(ctx, id)
}

// RestartItem stops the current run of one item, if any, and starts it again.
func (c *Coordinator) RestartItem(ctx context.Context, id, itemID string) (Status, error) {
	ws, err := c.workspace(ctx, id)
	if err != nil {
		return Status{}, err
	}
	it, ok := ws.Item(itemID)
	if !ok {
		return Status{}, fmt.Errorf("%w: %s/%s", ErrItemNotFound, id, itemID)
	}
	sess := c.itemSession(id)
	if prev, ok := sess.latest(itemID); ok {
		if err := c.stopRun(ctx, prev); err != nil {
			return Status{}, err
		}
		if err := sleep(ctx, c.opts.RestartSettle); err != nil {
			return Status{}, err
		}
	}
	sess.setPhase(PhaseRunning)
	if _, err := c.startItem(ctx, sess, it); err != nil {
		sess.fail(err.Error())
		return c.refresh(sess), err
	}
	return c.refresh(sess), nil
}

// Status reports the aggregated state of a workspace.
func (c *Coordinator) Status(ctx context.Context, id string) (Status, error) {
	c.mu.Lock()
	sess := c.sessions[id]
	c.mu.Unlock()
	if sess == nil {
		if _, err := c.workspace(ctx, id); err != nil {
			return Status{}, err
		}
		return Status{WorkspaceID: id, RunIDs: []string{}, Phase: PhaseIdle}, nil
	}
	return c.refresh(sess), nil
}

// Shutdown stops every workspace with launched runs.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	var errs []error
	for _, id := range ids {
		if _, err := c.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// refresh recomputes the active run count and publishes a workspace event when
// it changed.
func (c *Coordinator) refresh(sess *session) Status {
	count := c.activeCount(sess)
	sess.mu.Lock()
	if sess.phase == PhaseStarting && count > 0 {
		sess.phase = PhaseRunning
	}
	st := sess.statusLocked(count)
	changed := count != sess.reported
	sess.reported = count
	sess.mu.Unlock()
	if changed {
		metrics.SetWorkspaceActiveRuns(sess.id, count)
		c.bc.Publish(events.Event{
			Kind:        events.KindWorkspace,
			WorkspaceID: sess.id,
			Timestamp:   time.Now(),
			Workspace:   &events.WorkspaceStatus{ActiveRunCount: count, RunIDs: st.RunIDs, Phase: string(st.Phase)},
		})
	}
	return st
}

func (c *Coordinator) activeCount(sess *session) int {
	n := 0
	for _, l := range sess.snapshot() {
		rec, err := c.runs.Get(l.runID)
		if err == nil && !rec.State.Terminal() {
			n++
		}
	}
	return n
}

// settled reports whether nothing is being launched for the session.
func (s *session) settled() bool {
	for _, done := range []chan struct{}{s.chainDone, s.batchDone} {
		select {
		case <-done:
		default:
			return false
		}
	}
	return true
}

func (s *session) add(l launched) {
	s.mu.Lock()
	s.runs = append(s.runs, l)
	s.mu.Unlock()
}

func (s *session) snapshot() []launched {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.runs)
}

func (s *session) latest(itemID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.runs) - 1; i >= 0; i-- {
		if s.runs[i].itemID == itemID {
			return s.runs[i].runID, true
		}
	}
	return "", false
}

func (s *session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *session) fail(msg string) {
	s.mu.Lock()
	s.err = msg
	if s.phase != PhaseStopping && s.phase != PhaseStopped {
		s.phase = PhaseFailed
	}
	s.mu.Unlock()
}

func (s *session) statusLocked(count int) Status {
	ids := make([]string, 0, len(s.runs))
	for _, l := range s.runs {
		ids = append(ids, l.runID)
	}
	return Status{WorkspaceID: s.id, ActiveRunCount: count, RunIDs: ids, Phase: s.phase, Error: s.err}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
