// Package devpilot wires the orchestration core into an embeddable daemon.
package devpilot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/devpilot/internal/config"
	"github.com/loykin/devpilot/internal/env"
	"github.com/loykin/devpilot/internal/events"
	"github.com/loykin/devpilot/internal/history"
	hfactory "github.com/loykin/devpilot/internal/history/factory"
	"github.com/loykin/devpilot/internal/launch"
	"github.com/loykin/devpilot/internal/logger"
	"github.com/loykin/devpilot/internal/metrics"
	"github.com/loykin/devpilot/internal/ports"
	"github.com/loykin/devpilot/internal/run"
	iapi "github.com/loykin/devpilot/internal/server"
	"github.com/loykin/devpilot/internal/store"
	sfactory "github.com/loykin/devpilot/internal/store/factory"
	"github.com/loykin/devpilot/internal/workspace"
)

// Re-export core types for embedders.

type Config = config.Config

type Ref = launch.Ref

type Handle = run.Handle

type Record = run.Record

type StopOptions = run.StopOptions

type Event = events.Event

type Filter = events.Filter

type WorkspaceStatus = workspace.Status

func LoadConfig(path string) (Config, error) { return config.Load(path) }

func DefaultConfig() Config { return config.Default() }

// App owns every component of a daemon. Create it with New, call Serve to
// expose the API, and Shutdown to stop every run and release resources.
type App struct {
	cfg        Config
	log        *slog.Logger
	logCloser  io.Closer
	store      store.Store
	history    history.Multi
	events     *events.Broadcaster
	runs       *run.Manager
	launcher   *launch.Launcher
	ports      *ports.Watcher
	workspaces *workspace.Coordinator
	handler    http.Handler

	mu        sync.Mutex
	server    *http.Server
	addr      net.Addr
	cancel    context.CancelFunc
	portsDone chan struct{}
	closed    bool
}

// New builds the components described by cfg, seeds the store with the
// configured projects and workspaces and starts the port watcher. Nothing is
// listening until Serve; Handler can be mounted right away.
func New(ctx context.Context, cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, logCloser := logger.New(cfg.Log)
	a := &App{cfg: cfg, log: log, logCloser: logCloser}

	st, err := sfactory.NewFromDSN(ctx, cfg.Store.DSN)
	if err != nil {
		_ = logCloser.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st
	if err := cfg.Seed(ctx, st); err != nil {
		a.closeResources()
		return nil, err
	}
	sinks, err := hfactory.NewSinks(cfg.History.Sinks)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.history = sinks

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			a.closeResources()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		metricsHandler = metrics.Handler()
	}

	a.events = events.New(events.Options{
		RunBuffer:        cfg.Events.RunBuffer,
		SubscriberBuffer: cfg.Events.SubscriberBuffer,
	})
	runOpts := run.Options{
		StopGrace:     cfg.Runs.StopGrace,
		RestartSettle: cfg.Runs.RestartSettle,
		ArchiveSize:   cfg.Runs.ArchiveSize,
		Logger:        log.With("component", "runs"),
	}
	if len(sinks) > 0 {
		runOpts.History = sinks
	}
	if cfg.Log.File.Dir != "" {
		runOpts.Archive = cfg.Log.Writers
	}
	a.runs = run.New(a.events, runOpts)
	a.launcher = launch.New(st, env.NewResolver(st, cfg.Env.Options()))

	wsOpts := workspace.Options{
		SettleTimeout: cfg.Workspace.SettleTimeout,
		RestartSettle: cfg.Workspace.RestartSettle,
		Logger:        log.With("component", "workspace"),
	}
	if cfg.Ports.Enabled {
		a.ports = ports.NewWatcher(ports.GopsutilSource{}, a.runs, st, a.events, ports.Options{
			Interval: cfg.Ports.Interval,
			Logger:   log.With("component", "ports"),
		})
		wsOpts.Readiness = a.ports
		wsOpts.Ports = st
	}
	a.workspaces = workspace.New(a.runs, a.launcher, st, a.events, wsOpts)

	a.handler = iapi.NewRouter(iapi.Deps{
		Runs:       a.runs,
		Launcher:   a.launcher,
		Workspaces: a.workspaces,
		Ports:      a.ports,
		Events:     a.events,
		Store:      st,
		Metrics:    metricsHandler,
		Logger:     log.With("component", "http"),
	}, cfg.Server.BasePath).Handler()

	if a.ports != nil {
		pctx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.portsDone = make(chan struct{})
		go func() {
			defer close(a.portsDone)
			a.ports.Run(pctx)
		}()
	}
	return a, nil
}

// Serve starts the HTTP API on cfg.Server.Listen.
func (a *App) Serve() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("devpilot: app is shut down")
	}
	if a.server != nil {
		return errors.New("devpilot: already serving")
	}
	ln, err := net.Listen("tcp", a.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Listen, err)
	}
	a.server = iapi.NewHTTPServer(a.handler)
	a.addr = ln.Addr()
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http server", "error", err)
		}
	}()
	a.log.Info("devpilot listening", "addr", a.addr.String(), "base_path", a.cfg.Server.BasePath)
	return nil
}

// Addr is the bound API address, nil before Serve.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Handler returns the API handler for mounting in another server.
func (a *App) Handler() http.Handler { return a.handler }

func (a *App) Logger() *slog.Logger { return a.log }

func (a *App) Store() store.Store { return a.store }

func (a *App) Runs() *run.Manager { return a.runs }

func (a *App) Workspaces() *workspace.Coordinator { return a.workspaces }

func (a *App) Events() *events.Broadcaster { return a.events }

// Ports returns the port watcher, nil when port discovery is disabled.
func (a *App) Ports() *ports.Watcher { return a.ports }

// StartScript prepares and starts a project script.
func (a *App) StartScript(ctx context.Context, ref Ref) (Handle, error) {
	req, err := a.launcher.Prepare(ctx, ref)
	if err != nil {
		return Handle{}, err
	}
	return a.runs.Start(ctx, req)
}

// RestartScript stops the active run of the script, if any, and starts it again.
func (a *App) RestartScript(ctx context.Context, ref Ref) (Handle, error) {
	req, err := a.launcher.Prepare(ctx, ref)
	if err != nil {
		return Handle{}, err
	}
	return a.runs.Restart(ctx, req)
}

// Subscribe registers an event subscription; release it with Unsubscribe.
func (a *App) Subscribe(f Filter) *events.Subscription { return a.events.Subscribe(f) }

// Shutdown stops the API, every workspace and run, then releases the store,
// history sinks and log file. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	srv, cancel, portsDone := a.server, a.cancel, a.portsDone
	a.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if cancel != nil {
		cancel()
		<-portsDone
	}
	if err := a.workspaces.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("workspaces: %w", err))
	}
	if err := a.runs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("runs: %w", err))
	}
	a.workspaces.Close()
	a.events.Close()
	a.closeResources()
	a.log.Info("devpilot stopped")
	return errors.Join(errs...)
}

func (a *App) closeResources() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.log.Warn("close history", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close store", "error", err)
		}
	}
	_ = a.logCloser.Close()
}
