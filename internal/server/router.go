package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/devpilot/internal/env"
	"github.com/loykin/devpilot/internal/events"
	"github.com/loykin/devpilot/internal/launch"
	"github.com/loykin/devpilot/internal/ports"
	"github.com/loykin/devpilot/internal/run"
	"github.com/loykin/devpilot/internal/store"
	"github.com/loykin/devpilot/internal/workspace"
)

// Deps are the collaborators served over HTTP. Ports and Metrics may be nil.
type Deps struct {
	Runs       *run.Manager
	Launcher   *launch.Launcher
	Workspaces *workspace.Coordinator
	Ports      *ports.Watcher
	Events     *events.Broadcaster
	Store      store.Store
	Metrics    http.Handler
	Logger     *slog.Logger
}

// Router provides embeddable HTTP handlers for the orchestration core.
// Endpoints, relative to basePath:
//
//	GET  /runs                       ?all=1 includes archived runs
//	POST /runs                       body: launch.Ref
//	POST /runs/restart               body: launch.Ref
//	GET  /runs/:id
//	POST /runs/:id/stop              ?force=1&wait=5s
//	GET  /runs/:id/logs
//	GET  /ports
//	GET  /projects, POST /projects
//	GET  /projects/:id
//	GET  /projects/:id/pm
//	POST /projects/:id/install
//	GET  /projects/:id/scripts/:script/expected-port, PUT with {"port": n}
//	GET  /workspaces, GET /workspaces/:id
//	POST /workspaces/:id/{start,stop,restart}
//	POST /workspaces/:id/items/:item/restart
//	GET  /events                     websocket; run_id, workspace_id, kinds, replay
type Router struct {
	deps     Deps
	basePath string
	log      *slog.Logger
}

// NewRouter constructs a Router. basePath may be empty or start with '/'.
func NewRouter(deps Deps, basePath string) *Router {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{deps: deps, basePath: sanitizeBase(basePath), log: log}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	if r.deps.Metrics != nil {
		g.GET("/metrics", gin.WrapH(r.deps.Metrics))
	}
	group := g.Group(r.basePath)
	group.GET("/runs", r.handleListRuns)
	group.POST("/runs", r.handleStartRun)
	group.POST("/runs/restart", r.handleRestartRun)
	group.GET("/runs/:id", r.handleGetRun)
	group.POST("/runs/:id/stop", r.handleStopRun)
	group.GET("/runs/:id/logs", r.handleRunLogs)
	group.GET("/ports", r.handlePorts)

	group.GET("/projects", r.handleListProjects)
	group.POST("/projects", r.handleSaveProject)
	group.GET("/projects/:id", r.handleGetProject)
	group.GET("/projects/:id/pm", r.handlePackageManager)
	group.POST("/projects/:id/install", r.handleInstall)
	group.GET("/projects/:id/scripts/:script/expected-port", r.handleGetExpectedPort)
	group.PUT("/projects/:id/scripts/:script/expected-port", r.handleSetExpectedPort)

	group.GET("/workspaces", r.handleListWorkspaces)
	group.GET("/workspaces/:id", r.handleWorkspaceStatus)
	group.POST("/workspaces/:id/start", r.handleWorkspaceStart)
	group.POST("/workspaces/:id/stop", r.handleWorkspaceStop)
	group.POST("/workspaces/:id/restart", r.handleWorkspaceRestart)
	group.POST("/workspaces/:id/items/:item/restart", r.handleWorkspaceRestartItem)

	group.GET("/events", r.handleEvents)
	return g
}

// NewHTTPServer wraps h with the daemon's timeouts. No write timeout is set so
// event streams stay open.
func NewHTTPServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// NewServer binds addr and serves the router in the background. The returned
// address is the bound one, which differs from addr when it asked for port 0.
func NewServer(addr, basePath string, deps Deps) (*http.Server, net.Addr, error) {
	r := NewRouter(deps, basePath)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	server := NewHTTPServer(r.Handler())
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("http server", "error", err)
		}
	}()
	return server, ln.Addr(), nil
}

// --- Responses ---

type errorResp struct {
	Error string `json:"error"`
	RunID string `json:"run_id,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// runResp is a run record with secret values masked.
type runResp struct {
	run.Record
	Env env.Vars `json:"env"`
}

func (r *Router) fail(c *gin.Context, err error) {
	resp := errorResp{Error: err.Error()}
	var se *run.SpawnError
	if errors.As(err, &se) {
		resp.RunID = se.RunID
	}
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		r.log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	writeJSON(c, code, resp)
}

// --- Runs ---

func (r *Router) handleListRuns(c *gin.Context) {
	recs := r.deps.Runs.Active()
	if c.Query("all") == "1" {
		recs = append(r.deps.Runs.Archived(), recs...)
	}
	out := make([]runResp, 0, len(recs))
	for _, rec := range recs {
		out = append(out, r.redact(c.Request.Context(), rec))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) bindRef(c *gin.Context) (launch.Ref, bool) {
	var ref launch.Ref
	if err := c.ShouldBindJSON(&ref); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return ref, false
	}
	if !isSafeName(ref.ProjectID) || !isSafeName(ref.Script) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "project_id and script are required"})
		return ref, false
	}
	return ref, true
}

func (r *Router) handleStartRun(c *gin.Context) {
	ref, ok := r.bindRef(c)
	if !ok {
		return
	}
	req, err := r.deps.Launcher.Prepare(c.Request.Context(), ref)
	if err != nil {
		r.fail(c, err)
		return
	}
	h, err := r.deps.Runs.Start(c.Request.Context(), req)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, h)
}

func (r *Router) handleRestartRun(c *gin.Context) {
	ref, ok := r.bindRef(c)
	if !ok {
		return
	}
	req, err := r.deps.Launcher.Prepare(c.Request.Context(), ref)
	if err != nil {
		r.fail(c, err)
		return
	}
	h, err := r.deps.Runs.Restart(c.Request.Context(), req)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, h)
}

func (r *Router) handleGetRun(c *gin.Context) {
	rec, err := r.deps.Runs.Get(c.Param("id"))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.redact(c.Request.Context(), rec))
}

func (r *Router) handleStopRun(c *gin.Context) {
	id := c.Param("id")
	var wait time.Duration
	if ws := c.Query("wait"); ws != "" {
		d, err := time.ParseDuration(ws)
		if err != nil || d < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait duration"})
			return
		}
		wait = d
	}
	if err := r.deps.Runs.Stop(id, run.StopOptions{Force: c.Query("force") == "1"}); err != nil {
		r.fail(c, err)
		return
	}
	if wait > 0 {
		ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
		defer cancel()
		rec, err := r.deps.Runs.Wait(ctx, id)
		if err != nil {
			r.fail(c, err)
			return
		}
		writeJSON(c, http.StatusOK, r.redact(c.Request.Context(), rec))
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRunLogs(c *gin.Context) {
	id := c.Param("id")
	if _, err := r.deps.Runs.Get(id); err != nil {
		r.fail(c, err)
		return
	}
	backlog := r.deps.Events.Backlog(id)
	if backlog == nil {
		backlog = []events.Event{}
	}
	writeJSON(c, http.StatusOK, backlog)
}

func (r *Router) handlePorts(c *gin.Context) {
	if r.deps.Ports == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "port watcher disabled"})
		return
	}
	writeJSON(c, http.StatusOK, r.deps.Ports.Snapshot())
}

// redact masks the values of keys flagged secret in any profile of the run's project.
func (r *Router) redact(ctx context.Context, rec run.Record) runResp {
	secrets := make(map[string]bool)
	profiles, err := r.deps.Store.ListProfiles(ctx, rec.Descriptor.ProjectID)
	if err != nil {
		r.log.Debug("list profiles", "project", rec.Descriptor.ProjectID, "error", err)
	}
	for _, p := range profiles {
		for _, v := range p.Vars {
			if v.Secret {
				secrets[v.Key] = true
			}
		}
	}
	vars := env.Vars(rec.Env).Redacted(secrets)
	rec.Env = nil
	return runResp{Record: rec, Env: vars}
}
