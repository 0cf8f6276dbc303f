package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/installerkit/installerkit/pkg/audit"
)

func newAuditCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Capture and compare project configuration snapshots",
	}
	cmd.AddCommand(
		newAuditSnapshotCmd(o),
		newAuditListCmd(o),
		newAuditDiffCmd(o),
		newAuditPreviewCmd(o),
		newAuditClearCmd(o),
	)
	return cmd
}

func newAuditSnapshotCmd(o *options) *cobra.Command {
	var author, comment string

	cmd := &cobra.Command{
		Use:   "snapshot <project-id>",
		Short: "Capture the current configuration of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := o.format()
			if err != nil {
				return err
			}
			a, err := o.openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			project, err := a.Projects.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if author == "" {
				author = o.author()
			}
			snap, err := a.Audit.Capture(cmd.Context(), project, author, comment)
			if err != nil {
				return err
			}
			return printSnapshots(o, format, []audit.Snapshot{snap})
		},
	}
	cmd.Flags().StringVar(&author, "author", "", "Author recorded on the snapshot (default: --user or $USER)")
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "Comment recorded on the snapshot")
	return cmd
}

func newAuditListCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list [project-id]",
		Short: "List captured snapshots, oldest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := o.format()
			if err != nil {
				return err
			}
			a, err := o.openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			var projectID string
			if len(args) == 1 {
				projectID = args[0]
			}
			return printSnapshots(o, format, a.Audit.Snapshots(projectID))
		},
	}
}

func newAuditDiffCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <from-snapshot-id> <to-snapshot-id>",
		Short: "Compare two snapshots",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := o.format()
			if err != nil {
				return err
			}
			a, err := o.openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			d, err := a.Audit.Diff(args[0], args[1])
			if err != nil {
				return err
			}
			return printDiff(o, format, d)
		},
	}
}

func newAuditPreviewCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "preview <project-id>",
		Short: "Compare the project on disk with its latest snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := o.format()
			if err != nil {
				return err
			}
			a, err := o.openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			live, err := a.Projects.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			d, ok := a.Audit.PreviewDiff(live)
			if !ok {
				return fmt.Errorf("project %s has no snapshots", live.ID)
			}
			return printDiff(o, format, d)
		},
	}
}

func newAuditClearCmd(o *options) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the whole snapshot history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to clear the audit history without --yes")
			}
			a, err := o.openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Audit.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(o.stdout, "audit history cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	return cmd
}

func printSnapshots(o *options, format outputFormat, snaps []audit.Snapshot) error {
	rows := make([][]string, 0, len(snaps))
	for _, s := range snaps {
		rev := "-"
		if s.Provenance != nil && s.Provenance.RevisionID != "" {
			rev = truncate(s.Provenance.RevisionID, 12)
		}
		rows = append(rows, []string{
			s.ID,
			s.Project.ID,
			formatTime(s.CapturedAt),
			orDash(s.Author),
			truncate(s.Digest, 16),
			rev,
			truncate(orDash(s.Comment), 40),
		})
	}
	return printOutput(o.stdout, format, snaps,
		[]string{"ID", "Project", "Captured", "Author", "Digest", "Revision", "Comment"}, rows)
}

func printDiff(o *options, format outputFormat, d audit.Diff) error {
	if format == outputTable && d.IsEmpty() {
		fmt.Fprintln(o.stdout, "no differences")
		return nil
	}

	var rows [][]string
	add := func(scope string, c audit.ValueChange) {
		rows = append(rows, []string{scope, c.Key, string(c.Type), orDash(c.Before), orDash(c.After)})
	}
	for _, c := range d.FieldChanges {
		add("field", c)
	}
	for _, c := range d.MetadataChanges {
		add("metadata", c)
	}
	for _, pd := range d.PlatformDiffs {
		scope := string(pd.Platform)
		for _, f := range pd.AddedFormats {
			rows = append(rows, []string{scope, "format", string(audit.ChangeAdded), "-", f})
		}
		for _, f := range pd.RemovedFormats {
			rows = append(rows, []string{scope, "format", string(audit.ChangeRemoved), f, "-"})
		}
		for _, c := range pd.PropertyChanges {
			add(scope, c)
		}
	}
	return printOutput(o.stdout, format, d, []string{"Scope", "Key", "Change", "Before", "After"}, rows)
}
