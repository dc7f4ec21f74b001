package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/loykin/devpilot/pkg/client"
)

var (
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	headerStyle = lipgloss.NewStyle().Bold(true)
	stateStyles = map[string]lipgloss.Style{
		"running":  okStyle,
		"starting": warnStyle,
		"stopping": warnStyle,
		"crashed":  errStyle,
		"failed":   errStyle,
	}
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// parseEnvPairs turns repeated KEY=VALUE flags into an override map.
func parseEnvPairs(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q, expected KEY=VALUE", kv)
		}
		out[k] = v
	}
	return out, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func styleState(state string) string {
	if st, ok := stateStyles[state]; ok {
		return st.Render(state)
	}
	return state
}

// printRuns renders runs as a table; the styled state column is last so
// escape sequences do not skew the alignment.
func printRuns(w io.Writer, runs []client.Run) {
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(w, mutedStyle.Render("no runs"))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, headerStyle.Render("ID")+"\tLABEL\tPID\tPORT\tEXIT\tSTARTED\tSTATE")
	for _, r := range runs {
		port, exit := "-", "-"
		if r.PortHint > 0 {
			port = strconv.Itoa(r.PortHint)
		}
		if r.ExitCode != nil {
			exit = strconv.Itoa(*r.ExitCode)
		}
		label := r.Label
		if label == "" {
			label = r.Descriptor.ProjectID + ":" + r.Descriptor.Script
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			shortID(r.ID), label, r.PID, port, exit, r.StartedAt.Local().Format(time.TimeOnly), styleState(r.State))
	}
	_ = tw.Flush()
}

func printPorts(w io.Writer, p client.Ports) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, headerStyle.Render("OWNER")+"\tPID\tPORTS\tEXPECTED\tMATCH")
	for _, r := range p.Runs {
		exp := "-"
		if r.Expected > 0 {
			exp = strconv.Itoa(r.Expected)
		}
		match := r.Match
		switch match {
		case "ok":
			match = okStyle.Render(match)
		case "mismatch":
			match = errStyle.Render(match)
		}
		_, _ = fmt.Fprintf(tw, "%s:%s (%s)\t%d\t%s\t%s\t%s\n", r.ProjectID, r.Script, shortID(r.RunID), r.PID, joinPorts(r.Ports), exp, match)
	}
	ext := append([]client.ExternalProcess(nil), p.External...)
	sort.Slice(ext, func(i, j int) bool { return ext[i].PID < ext[j].PID })
	for _, e := range ext {
		name := e.Name
		if name == "" {
			name = "?"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t-\t%s\n", name, e.PID, joinPorts(e.Ports), mutedStyle.Render("external"))
	}
	_ = tw.Flush()
}

func joinPorts(ports []int) string {
	if len(ports) == 0 {
		return "-"
	}
	s := make([]string, len(ports))
	for i, p := range ports {
		s[i] = strconv.Itoa(p)
	}
	return strings.Join(s, ",")
}

// printEvent writes one stream event as a log line.
func printEvent(w io.Writer, e client.Event) {
	switch {
	case e.Log != nil:
		if e.Log.Stream == "stderr" {
			_, _ = fmt.Fprintln(w, errStyle.Render(e.Log.Chunk))
			return
		}
		_, _ = fmt.Fprintln(w, e.Log.Chunk)
	case e.Kind == "truncated":
		_, _ = fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("... %d lines dropped", e.Dropped)))
	case e.Exit != nil:
		msg := fmt.Sprintf("[%s, exit code %d]", e.Exit.State, e.Exit.ExitCode)
		if e.Exit.State == "crashed" {
			_, _ = fmt.Fprintln(w, errStyle.Render(msg))
			return
		}
		_, _ = fmt.Fprintln(w, mutedStyle.Render(msg))
	case e.Status != nil:
		_, _ = fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("[%s -> %s]", e.Status.From, e.Status.To)))
	}
}

func printWorkspace(w io.Writer, st client.WorkspaceStatus) {
	_, _ = fmt.Fprintf(w, "workspace %s: %s, %d active run(s)\n", st.WorkspaceID, styleState(st.Phase), st.ActiveRunCount)
	for _, id := range st.RunIDs {
		_, _ = fmt.Fprintf(w, "  %s\n", id)
	}
	if st.Error != "" {
		_, _ = fmt.Fprintln(w, errStyle.Render("  error: "+st.Error))
	}
}
