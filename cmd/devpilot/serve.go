package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/devpilot"
	"github.com/loykin/devpilot/internal/pidfile"
)

const shutdownTimeout = 15 * time.Second

// createServeCommand creates the serve command
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the devpilot daemon",
		Long: `Start the devpilot daemon serving the HTTP API and the event stream.

Projects, profiles and workspaces from the config file are seeded into the
store on start. Running processes are stopped when the daemon exits.

Examples:
  devpilot serve --config devpilot.toml
  devpilot serve --listen 127.0.0.1:9000
  devpilot serve --daemonize --pidfile /tmp/devpilot.pid --logfile /tmp/devpilot.log`,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServe(cmd.Context(), cmd, *serveFlags)
		},
	}

	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "listen address (overrides server.listen)")
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "PID file path")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "daemon output file when daemonized")
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, f ServeFlags) error {
	if f.PidFile != "" {
		pid, alive, err := pidfile.Alive(f.PidFile)
		if err != nil {
			return fmt.Errorf("check PID file: %w", err)
		}
		if alive {
			return fmt.Errorf("devpilot already running (pid %d, %s)", pid, f.PidFile)
		}
	}
	if f.Daemonize {
		return daemonize(f.LogFile)
	}

	cfg, err := devpilot.LoadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}

	app, err := devpilot.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start devpilot: %w", err)
	}
	if err := app.Serve(); err != nil {
		_ = shutdown(app)
		return err
	}
	if f.PidFile != "" {
		if err := pidfile.Write(f.PidFile, os.Getpid()); err != nil {
			_ = shutdown(app)
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = pidfile.Remove(f.PidFile) }()
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "devpilot listening on http://%s%s\n", app.Addr(), cfg.Server.BasePath)
	app.Logger().Info("daemon started", "addr", app.Addr().String())

	<-ctx.Done()
	app.Logger().Info("shutting down")
	return shutdown(app)
}

func shutdown(app *devpilot.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return app.Shutdown(ctx)
}
