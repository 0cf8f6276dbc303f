package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newPluginsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Show the formats and sinks available to the pipelines",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the formats each platform pipeline can build",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := o.format()
			if err != nil {
				return err
			}
			a, err := o.openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			report := a.PluginReport()
			if format != outputTable {
				return printOutput(o.stdout, format, report, nil, nil)
			}

			rows := make([][]string, 0, len(report.Pipelines))
			for _, p := range report.Pipelines {
				rows = append(rows, []string{string(p.Platform), strings.Join(p.Formats, ",")})
			}
			if err := printTable(o.stdout, []string{"Platform", "Formats"}, rows); err != nil {
				return err
			}
			fmt.Fprintf(o.stdout, "\nHost version %s, %d plugin sink(s)\n", report.HostVersion, report.Sinks)
			if len(report.Skipped) > 0 {
				fmt.Fprintf(o.stdout, "Skipped: %s\n", strings.Join(report.Skipped, ", "))
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "agents",
		Short: "List the build agents behind the pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := o.format()
			if err != nil {
				return err
			}
			a, err := o.openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			agents := a.Agents()
			rows := make([][]string, 0, len(agents))
			for _, ag := range agents {
				rows = append(rows, []string{ag.Name, string(ag.Platform), fmt.Sprintf("%d/%d", ag.Active, ag.Slots)})
			}
			return printOutput(o.stdout, format, agents, []string{"Name", "Platform", "Active"}, rows)
		},
	})
	return cmd
}
