package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/loykin/devpilot/pkg/client"
)

// createWorkspaceCommand creates the workspace command group
func createWorkspaceCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workspace",
		Aliases: []string{"ws"},
		Short:   "Start, stop and inspect workspaces",
		Long: `Manage workspaces, named groups of project scripts started together.

Examples:
  devpilot workspace start fullstack
  devpilot workspace status fullstack
  devpilot workspace restart-item fullstack api
  devpilot workspace stop fullstack`,
	}

	action := func(use, short string, fn func(*client.Client, context.Context, string) (client.WorkspaceStatus, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <workspace>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cl, err := c.client(cmd.Context())
				if err != nil {
					return err
				}
				st, err := fn(cl, cmd.Context(), args[0])
				return c.printWorkspaceResult(st, err)
			},
		}
	}

	cmd.AddCommand(
		action("start", "Start every item of a workspace", (*client.Client).StartWorkspace),
		action("stop", "Stop every run of a workspace", (*client.Client).StopWorkspace),
		action("restart", "Stop and start a workspace", (*client.Client).RestartWorkspace),
		action("status", "Show the aggregated workspace state", (*client.Client).WorkspaceStatus),
		&cobra.Command{
			Use:   "restart-item <workspace> <item>",
			Short: "Restart a single workspace item",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				cl, err := c.client(cmd.Context())
				if err != nil {
					return err
				}
				st, err := cl.RestartWorkspaceItem(cmd.Context(), args[0], args[1])
				return c.printWorkspaceResult(st, err)
			},
		},
	)
	return cmd
}

// printWorkspaceResult prints the status returned with partial failures
// before reporting the error.
func (c command) printWorkspaceResult(st client.WorkspaceStatus, err error) error {
	if err != nil {
		var ae *client.APIError
		if !errors.As(err, &ae) || st.WorkspaceID == "" {
			return err
		}
	}
	if c.global.JSON {
		printJSON(c.out, st)
	} else {
		printWorkspace(c.out, st)
	}
	return err
}
