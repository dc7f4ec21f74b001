package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot(os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
}

// buildRoot creates the root command writing command output to out
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{out: out, global: globalFlags}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(globalFlags),
		createInitCommand(c),
		createRunCommand(c),
		createRestartCommand(c),
		createStopCommand(c),
		createRunsCommand(c),
		createLogsCommand(c),
		createPortsCommand(c),
		createExpectedPortCommand(c),
		createInstallCommand(c),
		createPMCommand(c),
		createProjectsCommand(c),
		createWorkspaceCommand(c),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "devpilot",
		Short: "Local development control plane",
		Long: `devpilot runs project scripts as supervised processes, tracks the ports
they bind and starts groups of scripts from several projects as workspaces.

Examples:
  devpilot serve --config devpilot.toml     # Start the daemon
  devpilot run web dev --env DEBUG=1         # Run a script through the daemon
  devpilot logs <run-id> --follow
  devpilot workspace start fullstack`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default derived from config, http://127.0.0.1:7777/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print JSON instead of text")
	return root
}
