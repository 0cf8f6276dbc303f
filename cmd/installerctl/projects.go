package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/installerkit/installerkit/internal/app"
	"github.com/installerkit/installerkit/pkg/packaging"
)

func newProjectsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "projects",
		Aliases: []string{"project"},
		Short:   "Inspect project documents",
	}
	cmd.AddCommand(newProjectsListCmd(o), newProjectsShowCmd(o))
	return cmd
}

func newProjectsListCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the projects in the project directory",
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

			summaries, err := a.ProjectSummaries(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(summaries))
			for _, s := range summaries {
				rows = append(rows, []string{s.ID, truncate(s.Name, 40), orDash(s.Version), platformList(s.Platforms)})
			}
			return printOutput(o.stdout, format, summaries, []string{"ID", "Name", "Version", "Platforms"}, rows)
		},
	}
}

func newProjectsShowCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project document",
		Args:  cobra.ExactArgs(1),
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

			p, err := a.Projects.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if format != outputTable {
				return printOutput(o.stdout, format, p, nil, nil)
			}

			s := app.SummarizeProject(p)
			fmt.Fprintf(o.stdout, "ID:       %s\nName:     %s\nVersion:  %s\n", s.ID, orDash(s.Name), orDash(s.Version))
			if len(p.Metadata) > 0 {
				keys := make([]string, 0, len(p.Metadata))
				for k := range p.Metadata {
					keys = append(keys, k)
				}
				slices.Sort(keys)
				fmt.Fprintln(o.stdout, "Metadata:")
				for _, k := range keys {
					fmt.Fprintf(o.stdout, "  %s=%s\n", k, p.Metadata[k])
				}
			}
			fmt.Fprintln(o.stdout)

			rows := make([][]string, 0, len(s.Platforms))
			for _, platform := range s.Platforms {
				cfg := p.Platforms[platform]
				rows = append(rows, []string{string(platform), strings.Join(cfg.Formats, ","), fmt.Sprintf("%d", len(cfg.Properties))})
			}
			return printTable(o.stdout, []string{"Platform", "Formats", "Properties"}, rows)
		},
	}
}

func platformList(ps []packaging.Platform) string {
	if len(ps) == 0 {
		return "-"
	}
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = string(p)
	}
	return strings.Join(names, ",")
}
