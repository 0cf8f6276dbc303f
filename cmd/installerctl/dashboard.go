package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/installerkit/installerkit/pkg/telemetry"
)

func newDashboardCmd(o *options) *cobra.Command {
	var (
		q      telemetry.Query
		export string
	)

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show recent packaging runs and release channels",
		Long: `Show the packaging dashboard built from recorded telemetry.

Without --server the dashboard is rebuilt from the events stored in the local
database. With --server it is fetched from a running installer-server.
--export writes the full snapshot as JSON to a file, or to stdout for "-".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := o.format()
			if err != nil {
				return err
			}

			var (
				snap    telemetry.Snapshot
				content []byte
			)
			if o.serverURL != "" {
				path := "/dashboard/snapshot"
				if export != "" {
					path = "/dashboard/export"
				}
				path += "?" + queryValues(q).Encode()

				var raw json.RawMessage
				if err := o.client().doRequest(cmd.Context(), http.MethodGet, path, nil, &raw); err != nil {
					return err
				}
				if export != "" {
					content = raw
				} else if err := json.Unmarshal(raw, &snap); err != nil {
					return fmt.Errorf("decoding snapshot: %w", err)
				}
			} else {
				a, err := o.openApp(cmd, true)
				if err != nil {
					return err
				}
				defer a.Close()

				if export != "" {
					exp, err := a.Aggregator.Export(cmd.Context(), q)
					if err != nil {
						return err
					}
					content = exp.Content
				} else if snap, err = a.Aggregator.Snapshot(cmd.Context(), q); err != nil {
					return err
				}
			}

			if export != "" {
				return writeExport(o, export, content)
			}
			return printDashboard(o, format, snap)
		},
	}

	cmd.Flags().StringVar(&q.Channel, "channel", "", "Only show runs and channels for this release channel")
	cmd.Flags().BoolVar(&q.FailuresOnly, "failures-only", false, "Only show failed, cancelled or unknown runs")
	cmd.Flags().IntVar(&q.MaxJobs, "max-jobs", 0, "Maximum number of runs to show (default: server default)")
	cmd.Flags().StringVar(&export, "export", "", `Write the snapshot as JSON to this file ("-" for stdout)`)
	return cmd
}

func queryValues(q telemetry.Query) url.Values {
	v := url.Values{}
	if q.Channel != "" {
		v.Set("channel", q.Channel)
	}
	if q.FailuresOnly {
		v.Set("failuresOnly", "true")
	}
	if q.MaxJobs > 0 {
		v.Set("maxJobs", strconv.Itoa(q.MaxJobs))
	}
	return v
}

func writeExport(o *options, path string, content []byte) error {
	if path == "-" {
		_, err := o.stdout.Write(content)
		return err
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	fmt.Fprintf(o.stdout, "dashboard exported to %s\n", path)
	return nil
}

func printDashboard(o *options, format outputFormat, snap telemetry.Snapshot) error {
	if format != outputTable {
		return printOutput(o.stdout, format, snap, nil, nil)
	}

	t := snap.Totals
	fmt.Fprintf(o.stdout, "%d run(s): %d succeeded, %d failed, %d cancelled, %d unknown\n\n",
		t.Jobs, t.Succeeded, t.Failed, t.Cancelled, t.Unknown)

	rows := make([][]string, 0, len(snap.Jobs))
	for _, j := range snap.Jobs {
		rows = append(rows, []string{
			truncate(j.JobID, 12),
			j.ProjectID,
			j.Platform,
			orDash(j.Channel),
			string(j.Status),
			fmt.Sprintf("%.1fs", j.DurationSeconds),
			strconv.Itoa(len(j.Artifacts)),
			formatTime(j.CompletedAt),
		})
	}
	if err := printTable(o.stdout, []string{"Job", "Project", "Platform", "Channel", "Status", "Duration", "Artifacts", "Completed"}, rows); err != nil {
		return err
	}

	if len(snap.Channels) == 0 {
		return nil
	}
	fmt.Fprintln(o.stdout)
	channels := make([][]string, 0, len(snap.Channels))
	for _, c := range snap.Channels {
		channels = append(channels, []string{c.ProjectID, c.Channel, c.Version, c.Platform, orDash(c.UpdatedBy), formatTime(c.UpdatedAt)})
	}
	return printTable(o.stdout, []string{"Project", "Channel", "Version", "Platform", "Updated by", "Updated"}, channels)
}
