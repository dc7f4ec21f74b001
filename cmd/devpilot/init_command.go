package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/devpilot/internal/scaffold"
)

// createInitCommand creates the init command
func createInitCommand(c command) *cobra.Command {
	f := &InitFlags{}
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Generate a project section for devpilot.toml",
		Long: `Inspect a project directory and print a devpilot.toml project section.
package.json scripts become package runner scripts.

Supported kinds: ` + strings.Join(scaffold.Kinds(), ", ") + `

Examples:
  devpilot init ./web
  devpilot init ./api --id api --kind api
  devpilot init . --out devpilot.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Dir = "."
			if len(args) == 1 {
				f.Dir = args[0]
			}
			return c.initProject(*f)
		},
	}
	cmd.Flags().StringVar(&f.ID, "id", "", "project id (default: derived from the directory name)")
	cmd.Flags().StringVar(&f.Name, "name", "", "display name")
	cmd.Flags().StringVar(&f.Kind, "kind", string(scaffold.KindWeb), "project kind")
	cmd.Flags().StringVarP(&f.Out, "out", "o", "", "write to file instead of stdout (must not exist)")
	return cmd
}

func (c command) initProject(f InitFlags) error {
	doc, err := scaffold.Generate(f.Dir, scaffold.Options{ID: f.ID, Name: f.Name, Kind: scaffold.Kind(f.Kind)})
	if err != nil {
		return err
	}
	if c.global.JSON {
		printJSON(c.out, doc)
		return nil
	}
	b, err := doc.Marshal()
	if err != nil {
		return err
	}
	if f.Out == "" {
		_, _ = c.out.Write(b)
		return nil
	}
	// #nosec 304
	file, err := os.OpenFile(f.Out, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists", f.Out)
		}
		return err
	}
	if _, err := file.Write(b); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "wrote %s\n", f.Out)
	return nil
}
