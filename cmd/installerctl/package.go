package main

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/installerkit/installerkit/pkg/packaging"
	"github.com/installerkit/installerkit/pkg/pipeline"
	"github.com/installerkit/installerkit/pkg/verify"
)

// requestFlags are the flags that describe a packaging request. They are
// shared by "package", "policy check" and "jobs submit".
type requestFlags struct {
	platform      string
	formats       []string
	properties    []string
	configuration string
	outputDir     string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.platform, "platform", "p", "", "Target platform: windows, macos, linux (default: the host platform)")
	cmd.Flags().StringSliceVarP(&f.formats, "format", "f", nil, "Installer formats to build (default: the project's formats for the platform)")
	cmd.Flags().StringArrayVar(&f.properties, "property", nil, "Request property as key=value (repeatable)")
	cmd.Flags().StringVar(&f.configuration, "configuration", "", "Build configuration name")
	cmd.Flags().StringVar(&f.outputDir, "output-dir", "", "Directory to write artifacts to")
}

func (f *requestFlags) request(projectID string) (packaging.Request, error) {
	name := f.platform
	if name == "" {
		name = runtime.GOOS
	}
	platform, err := packaging.ParsePlatform(name)
	if err != nil {
		return packaging.Request{}, err
	}
	props, err := parseProperties(f.properties)
	if err != nil {
		return packaging.Request{}, err
	}
	return packaging.Request{
		ProjectID:       projectID,
		Platform:        platform,
		Formats:         f.formats,
		Configuration:   f.configuration,
		OutputDirectory: f.outputDir,
		Properties:      props,
	}, nil
}

// parseProperties turns key=value pairs into a map. Later keys win.
func parseProperties(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid property %q: expected key=value", kv)
		}
		out[k] = v
	}
	return out, nil
}

func newPackageCmd(o *options) *cobra.Command {
	var (
		rf     requestFlags
		jobID  string
		verify bool
		audit  bool
	)

	cmd := &cobra.Command{
		Use:   "package <project-id>",
		Short: "Run the packaging pipeline for a project",
		Long: `Run the packaging pipeline locally for one project and platform.

The command exits non-zero when the run reports error issues. Run telemetry
is stored in the configured database and shows up in "installerctl dashboard".`,
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
			req.JobID = jobID
			if req.JobID == "" {
				req.JobID = uuid.NewString()
			}
			if verify || audit {
				if req.Properties == nil {
					req.Properties = map[string]string{}
				}
				if verify {
					req.Properties[pipeline.PropVerify] = "true"
				}
				if audit {
					req.Properties[pipeline.PropAudit] = "true"
				}
			}

			a, err := o.openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Pipelines.Execute(o.withPrincipal(cmd.Context()), req)
			if err != nil {
				return err
			}
			if err := printResult(o, format, req, res); err != nil {
				return err
			}
			if !res.Success() {
				return fmt.Errorf("packaging %s for %s failed with %d error(s)",
					req.ProjectID, req.Platform, packaging.CountErrors(res.Issues))
			}
			return nil
		},
	}

	rf.register(cmd)
	cmd.Flags().StringVar(&jobID, "job-id", "", "Job id to record the run under (default: generated)")
	cmd.Flags().BoolVar(&verify, "verify", false, "Verify artifact digests and content types after the build")
	cmd.Flags().BoolVar(&audit, "audit", false, "Capture an audit snapshot of the project after a successful build")
	return cmd
}

func printResult(o *options, format outputFormat, req packaging.Request, res packaging.Result) error {
	if format != outputTable {
		return printOutput(o.stdout, format, map[string]any{
			"jobId":     req.JobID,
			"projectId": req.ProjectID,
			"platform":  req.Platform,
			"result":    res,
		}, nil, nil)
	}

	status := "succeeded"
	if !res.Success() {
		status = "failed"
	}
	fmt.Fprintf(o.stdout, "Job %s: %s on %s %s\n\n", req.JobID, req.ProjectID, req.Platform, status)

	rows := make([][]string, 0, len(res.Artifacts))
	for _, art := range res.Artifacts {
		rows = append(rows, []string{art.Format, art.Path, orDash(art.Metadata[verify.MetaSHA256])})
	}
	if err := printTable(o.stdout, []string{"Format", "Path", "SHA256"}, rows); err != nil {
		return err
	}

	if len(res.Issues) == 0 {
		return nil
	}
	fmt.Fprintln(o.stdout)
	issues := make([][]string, 0, len(res.Issues))
	for _, is := range res.Issues {
		issues = append(issues, []string{string(is.Severity), is.Code, truncate(is.Message, 100)})
	}
	return printTable(o.stdout, []string{"Severity", "Code", "Message"}, issues)
}
