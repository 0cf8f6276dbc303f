package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/installerkit/installerkit/pkg/policy"
)

func newPolicyCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Evaluate packaging policy",
	}
	cmd.AddCommand(newPolicyCheckCmd(o))
	return cmd
}

func newPolicyCheckCmd(o *options) *cobra.Command {
	var rf requestFlags

	cmd := &cobra.Command{
		Use:   "check <project-id>",
		Short: "Check whether a packaging request would be allowed",
		Long: `Evaluate the policy rules for a project and request without building
anything. The identity given by --user and --roles is evaluated against the
project's role requirements. Exits non-zero when the request is denied.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := o.format()
			if err != nil {
				return err
			}
			req, err := rf.request(args[0])
			if err != nil {
				return err
			}

			a, err := o.openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			project, err := a.Projects.Load(cmd.Context(), req.ProjectID)
			if err != nil {
				return err
			}
			if cfg, ok := project.Platform(req.Platform); ok {
				req = req.WithDefaults(cfg)
			}

			ec := policy.EvaluationContext{Project: project, Request: req}
			if p, ok := o.principal(); ok {
				ec.Identity = &p
			}
			verdict, err := a.Evaluator.Evaluate(cmd.Context(), ec)
			if err != nil {
				return fmt.Errorf("evaluate policy: %w", err)
			}

			if format == outputTable {
				state := "allowed"
				if !verdict.Allowed {
					state = "denied"
				}
				fmt.Fprintf(o.stdout, "%s on %s: %s\n", project.ID, req.Platform, state)
				if len(verdict.Issues) > 0 {
					fmt.Fprintln(o.stdout)
					rows := make([][]string, 0, len(verdict.Issues))
					for _, is := range verdict.Issues {
						rows = append(rows, []string{string(is.Severity), is.Code, is.Message})
					}
					if err := printTable(o.stdout, []string{"Severity", "Code", "Message"}, rows); err != nil {
						return err
					}
				}
			} else if err := printOutput(o.stdout, format, verdict, nil, nil); err != nil {
				return err
			}

			if !verdict.Allowed {
				return fmt.Errorf("policy denies packaging %s for %s", project.ID, req.Platform)
			}
			return nil
		},
	}
	rf.register(cmd)
	return cmd
}
