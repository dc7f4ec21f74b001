package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/devpilot/pkg/client"
)

// createRunCommand creates the run command
func createRunCommand(c command) *cobra.Command {
	f := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run <project> <script>",
		Short: "Start a project script",
		Long: `Start a project script through the daemon.

The run environment is built from the project's default profile (or --profile)
followed by --env overrides.

Examples:
  devpilot run web dev
  devpilot run web dev --profile staging --env DEBUG=1 --env PORT=4000
  devpilot run web build --follow`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ProjectID, f.Script = args[0], args[1]
			return c.startScript(cmd.Context(), *f, false)
		},
	}
	addRunFlags(cmd, f)
	return cmd
}

// createRestartCommand creates the restart command
func createRestartCommand(c command) *cobra.Command {
	f := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "restart <project> <script>",
		Short: "Stop active runs of a script and start it again",
		Long: `Stop every active run of a project script, wait for them to exit and
start a fresh run.

Examples:
  devpilot restart web dev
  devpilot restart api serve --env LOG_LEVEL=debug`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ProjectID, f.Script = args[0], args[1]
			return c.startScript(cmd.Context(), *f, true)
		},
	}
	addRunFlags(cmd, f)
	return cmd
}

func addRunFlags(cmd *cobra.Command, f *RunFlags) {
	cmd.Flags().StringVar(&f.Profile, "profile", "", "env profile (default: the project's default profile)")
	cmd.Flags().StringArrayVar(&f.EnvKVs, "env", nil, "env override KEY=VALUE (repeatable)")
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "stream output until the run exits")
}

func (c command) startScript(ctx context.Context, f RunFlags, restart bool) error {
	overrides, err := parseEnvPairs(f.EnvKVs)
	if err != nil {
		return err
	}
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	req := client.RunRequest{ProjectID: f.ProjectID, Script: f.Script, Profile: f.Profile, Overrides: overrides}
	var h client.Handle
	if restart {
		h, err = cl.RestartRun(ctx, req)
	} else {
		h, err = cl.StartRun(ctx, req)
	}
	if err != nil {
		return err
	}
	if c.global.JSON && !f.Follow {
		printJSON(c.out, h)
		return nil
	}
	if !c.global.JSON {
		_, _ = fmt.Fprintf(c.out, "started %s:%s run %s (pid %d)\n", f.ProjectID, f.Script, h.RunID, h.PID)
	}
	if f.Follow {
		return c.follow(ctx, cl, h.RunID)
	}
	return nil
}

// createStopCommand creates the stop command
func createStopCommand(c command) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Stop a run",
		Long: `Stop a run. The process group receives SIGTERM and is killed when it
outlives the grace period; --force kills it immediately.

Examples:
  devpilot stop 3f2a9c1e-...
  devpilot stop 3f2a9c1e-... --wait 10s
  devpilot stop 3f2a9c1e-... --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.RunID = args[0]
			return c.stopRun(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.Force, "force", false, "kill without a grace period")
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "wait up to this long for the run to exit")
	return cmd
}

func (c command) stopRun(ctx context.Context, f StopFlags) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	r, err := cl.StopRun(ctx, f.RunID, client.StopOptions{Force: f.Force, Wait: f.Wait})
	if err != nil {
		return err
	}
	switch {
	case c.global.JSON && r != nil:
		printJSON(c.out, r)
	case r != nil:
		_, _ = fmt.Fprintf(c.out, "run %s %s\n", r.ID, styleState(r.State))
	default:
		_, _ = fmt.Fprintf(c.out, "stop requested for %s\n", f.RunID)
	}
	return nil
}

// createRunsCommand creates the runs command
func createRunsCommand(c command) *cobra.Command {
	f := &RunsFlags{}
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs",
		Long: `List active runs. --all includes finished runs kept in the archive.

Examples:
  devpilot runs
  devpilot runs --all --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := cl.ListRuns(cmd.Context(), f.All)
			if err != nil {
				return err
			}
			if c.global.JSON {
				printJSON(c.out, runs)
				return nil
			}
			printRuns(c.out, runs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&f.All, "all", false, "include finished runs")
	return cmd
}

// createLogsCommand creates the logs command
func createLogsCommand(c command) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Print the output of a run",
		Long: `Print the retained output of a run. --follow keeps streaming until the
run exits.

Examples:
  devpilot logs 3f2a9c1e-...
  devpilot logs 3f2a9c1e-... --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.RunID = args[0]
			return c.logs(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "stream output until the run exits")
	return cmd
}

func (c command) logs(ctx context.Context, f LogsFlags) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	r, err := cl.GetRun(ctx, f.RunID)
	if err != nil {
		return err
	}
	if f.Follow && !terminal(r.State) {
		return c.follow(ctx, cl, f.RunID)
	}
	backlog, err := cl.Logs(ctx, f.RunID)
	if err != nil {
		return err
	}
	if c.global.JSON {
		printJSON(c.out, backlog)
		return nil
	}
	for _, e := range backlog {
		printEvent(c.out, e)
	}
	return nil
}

var errRunDone = errors.New("run done")

const pollInterval = 500 * time.Millisecond

func terminal(state string) bool {
	switch state {
	case "stopped", "exited", "crashed", "failed":
		return true
	}
	return false
}

// follow streams the backlog and live output of a run until it exits. A run
// that ends before the subscription is in place never delivers its exit event,
// so the record is polled and the stream is cut once the run is terminal.
func (c command) follow(ctx context.Context, cl *client.Client, runID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan client.Run, 1)
	go func() {
		t := time.NewTicker(pollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r, err := cl.GetRun(ctx, runID)
				if err != nil || !terminal(r.State) {
					continue
				}
				// let trailing output drain before cutting the stream
				select {
				case <-time.After(pollInterval):
				case <-ctx.Done():
					return
				}
				done <- r
				cancel()
				return
			}
		}
	}()

	filter := client.EventFilter{RunID: runID, Kinds: []string{"log", "truncated", "exit"}, Replay: true}
	err := cl.Follow(ctx, filter, func(e client.Event) error {
		if c.global.JSON {
			printJSON(c.out, e)
		} else {
			printEvent(c.out, e)
		}
		if e.Kind == "exit" {
			return errRunDone
		}
		return nil
	})
	switch {
	case errors.Is(err, errRunDone):
		return nil
	case errors.Is(err, context.Canceled):
		select {
		case r := <-done:
			if !c.global.JSON {
				code := -1
				if r.ExitCode != nil {
					code = *r.ExitCode
				}
				printEvent(c.out, client.Event{Kind: "exit", Exit: &client.Exit{State: r.State, ExitCode: code}})
			}
			return nil
		default:
			return err
		}
	}
	return err
}

// createPortsCommand creates the ports command
func createPortsCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "Show listening ports of runs and external processes",
		Long: `Show the last port discovery snapshot. Runs are matched against their
expected port; listeners not owned by a run are listed as external.

Examples:
  devpilot ports
  devpilot ports --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			p, err := cl.Ports(cmd.Context())
			if err != nil {
				return err
			}
			if c.global.JSON {
				printJSON(c.out, p)
				return nil
			}
			printPorts(c.out, p)
			return nil
		},
	}
}

// createExpectedPortCommand creates the expected-port command group
func createExpectedPortCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expected-port",
		Short: "Get or set the port a script is expected to bind",
		Long: `Get or set the expected port of a project script. Port 0 clears it.

Examples:
  devpilot expected-port get web dev
  devpilot expected-port set web dev 5173`,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <project> <script>",
		Short: "Print the expected port",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			port, err := cl.ExpectedPort(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if c.global.JSON {
				printJSON(c.out, map[string]int{"port": port})
				return nil
			}
			if port == 0 {
				_, _ = fmt.Fprintln(c.out, mutedStyle.Render("not set"))
				return nil
			}
			_, _ = fmt.Fprintln(c.out, port)
			return nil
		},
	}, &cobra.Command{
		Use:   "set <project> <script> <port>",
		Short: "Set the expected port",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[2])
			if err != nil || port < 0 || port > 65535 {
				return fmt.Errorf("invalid port %q", args[2])
			}
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			if err := cl.SetExpectedPort(cmd.Context(), args[0], args[1], port); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "expected port of %s:%s set to %d\n", args[0], args[1], port)
			return nil
		},
	})
	return cmd
}

// createInstallCommand creates the install command
func createInstallCommand(c command) *cobra.Command {
	f := &InstallFlags{}
	cmd := &cobra.Command{
		Use:   "install <project>",
		Short: "Install project dependencies with its package manager",
		Long: `Run the install command of the project's detected package manager as a
supervised run.

Examples:
  devpilot install web
  devpilot install web --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ProjectID = args[0]
			ctx := cmd.Context()
			cl, err := c.client(ctx)
			if err != nil {
				return err
			}
			h, err := cl.Install(ctx, f.ProjectID)
			if err != nil {
				return err
			}
			if c.global.JSON && !f.Follow {
				printJSON(c.out, h)
				return nil
			}
			if !c.global.JSON {
				_, _ = fmt.Fprintf(c.out, "installing %s, run %s (pid %d)\n", f.ProjectID, h.RunID, h.PID)
			}
			if f.Follow {
				return c.follow(ctx, cl, h.RunID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "stream output until the install exits")
	return cmd
}

// createPMCommand creates the pm command
func createPMCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "pm <project>",
		Short: "Show the detected package manager of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			pm, err := cl.PackageManager(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.global.JSON {
				printJSON(c.out, pm)
				return nil
			}
			line := pm.Manager
			if pm.LockFile != "" {
				line += " (" + pm.LockFile + ")"
			}
			if !pm.Available {
				line += " " + warnStyle.Render("not installed")
			}
			_, _ = fmt.Fprintln(c.out, line)
			return nil
		},
	}
}

// createProjectsCommand creates the projects command
func createProjectsCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List registered projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			ps, err := cl.Projects(cmd.Context())
			if err != nil {
				return err
			}
			if c.global.JSON {
				printJSON(c.out, ps)
				return nil
			}
			if len(ps) == 0 {
				_, _ = fmt.Fprintln(c.out, mutedStyle.Render("no projects"))
				return nil
			}
			width := 0
			for _, p := range ps {
				width = max(width, len(p.ID))
			}
			for _, p := range ps {
				_, _ = fmt.Fprintf(c.out, "%-*s  %s  %s\n", width, p.ID, p.Path, mutedStyle.Render(strings.TrimSpace(p.Name)))
			}
			return nil
		},
	}
}
