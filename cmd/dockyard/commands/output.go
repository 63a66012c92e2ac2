package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/openfroyo/dockyard/pkg/engine"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

func row(tw *tabwriter.Writer, cols ...any) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprint(c)
	}
	fmt.Fprintln(tw, strings.Join(parts, "\t"))
}

func printServers(w io.Writer, servers []*engine.Server) error {
	if jsonOutput {
		return printJSON(w, servers)
	}
	tw := newTable(w, "ID", "NAME", "TYPE", "ADDRESS", "STATUS")
	for _, s := range servers {
		addr := "-"
		if !s.IsLocal() {
			addr = s.Address()
		}
		row(tw, s.ID, s.Name, s.Type, addr, s.Status)
	}
	return tw.Flush()
}

func printResources(w io.Writer, resources []*engine.Resource) error {
	if jsonOutput {
		return printJSON(w, resources)
	}
	tw := newTable(w, "ID", "NAME", "KIND", "STATUS", "CONTAINER")
	for _, r := range resources {
		row(tw, r.ID, r.Name, r.Kind, r.Status, deref(r.ContainerID, "-"))
	}
	return tw.Flush()
}

func printResource(w io.Writer, r *engine.Resource) error {
	if jsonOutput {
		return printJSON(w, r)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row(tw, "ID:", r.ID)
	row(tw, "Name:", r.Name)
	row(tw, "Kind:", r.Kind)
	row(tw, "Status:", r.Status)
	row(tw, "Server:", r.ServerID)
	row(tw, "Environment:", r.EnvironmentID)
	row(tw, "Container:", deref(r.ContainerID, "-"))
	if r.Error != nil {
		row(tw, "Error:", *r.Error)
	}
	return tw.Flush()
}

func deref(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}
