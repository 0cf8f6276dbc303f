package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/installerkit/installerkit/pkg/jobs"
	"github.com/installerkit/installerkit/pkg/packaging"
)

// jobView is the server's representation of a packaging job.
type jobView struct {
	ID            string             `json:"id"`
	ProjectID     string             `json:"projectId"`
	Platform      string             `json:"platform"`
	RequestedBy   string             `json:"requestedBy"`
	RequestedAt   string             `json:"requestedAt"`
	State         string             `json:"state"`
	Message       string             `json:"message,omitempty"`
	StartedAt     string             `json:"startedAt,omitempty"`
	FinishedAt    string             `json:"finishedAt,omitempty"`
	AttemptCount  int                `json:"attemptCount"`
	LastError     string             `json:"lastError,omitempty"`
	ArtifactCount int                `json:"artifactCount,omitempty"`
	ErrorCount    int                `json:"errorCount,omitempty"`
	DurationMs    int64              `json:"durationMs,omitempty"`
	Request       *packaging.Request `json:"request,omitempty"`
	Result        *packaging.Result  `json:"result,omitempty"`
}

func (j jobView) terminal() bool {
	switch jobs.JobState(j.State) {
	case jobs.JobStateSucceeded, jobs.JobStateFailed, jobs.JobStateCanceled:
		return true
	}
	return false
}

type jobList struct {
	Jobs          []jobView `json:"jobs"`
	NextPageToken string    `json:"nextPageToken"`
	TotalSize     int       `json:"totalSize"`
}

func newJobsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Submit and track packaging jobs on installer-server",
	}
	cmd.AddCommand(
		newJobsSubmitCmd(o),
		newJobsListCmd(o),
		newJobsGetCmd(o),
		newJobsCancelCmd(o),
	)
	return cmd
}

func newJobsSubmitCmd(o *options) *cobra.Command {
	var (
		rf             requestFlags
		idempotencyKey string
		wait           bool
		pollInterval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit <project-id>",
		Short: "Queue a packaging job",
		Long: `Queue a packaging job on the server. With --wait the command polls the job
until it finishes and exits non-zero unless it succeeded.`,
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

			body := struct {
				packaging.Request
				IdempotencyKey string `json:"idempotencyKey,omitempty"`
			}{Request: req, IdempotencyKey: idempotencyKey}

			c := o.client()
			var job jobView
			if err := c.doRequest(cmd.Context(), http.MethodPost, "/jobs", body, &job); err != nil {
				return err
			}

			if wait {
				if pollInterval <= 0 {
					pollInterval = 2 * time.Second
				}
				ticker := time.NewTicker(pollInterval)
				defer ticker.Stop()
				for !job.terminal() {
					select {
					case <-cmd.Context().Done():
						return cmd.Context().Err()
					case <-ticker.C:
					}
					if err := c.doRequest(cmd.Context(), http.MethodGet, "/jobs/"+url.PathEscape(job.ID), nil, &job); err != nil {
						return err
					}
				}
			}

			if err := printJobs(o, format, []jobView{job}, job); err != nil {
				return err
			}
			if wait && jobs.JobState(job.State) != jobs.JobStateSucceeded {
				return fmt.Errorf("job %s finished in state %s", job.ID, job.State)
			}
			return nil
		},
	}
	rf.register(cmd)
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Return the existing job when this key was used before")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the job to finish")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 2*time.Second, "How often to poll with --wait")
	return cmd
}

func newJobsListCmd(o *options) *cobra.Command {
	var (
		projectID, platform, state, requestedBy, pageToken string
		pageSize                                           int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List packaging jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := o.format()
			if err != nil {
				return err
			}
			if state != "" {
				if _, ok := jobs.ParseJobState(state); !ok {
					return fmt.Errorf("unknown state %q", state)
				}
			}

			v := url.Values{}
			for k, val := range map[string]string{
				"projectId":   projectID,
				"platform":    platform,
				"state":       state,
				"requestedBy": requestedBy,
				"pageToken":   pageToken,
			} {
				if val != "" {
					v.Set(k, val)
				}
			}
			if pageSize > 0 {
				v.Set("pageSize", strconv.Itoa(pageSize))
			}

			var list jobList
			if err := o.client().doRequest(cmd.Context(), http.MethodGet, "/jobs?"+v.Encode(), nil, &list); err != nil {
				return err
			}
			if err := printJobs(o, format, list.Jobs, list); err != nil {
				return err
			}
			if format == outputTable && list.NextPageToken != "" {
				fmt.Fprintf(o.stdout, "\n%d job(s) in total; next page: --page-token %s\n", list.TotalSize, list.NextPageToken)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "Filter by project id")
	cmd.Flags().StringVar(&platform, "platform", "", "Filter by platform")
	cmd.Flags().StringVar(&state, "state", "", "Filter by state: queued, running, succeeded, failed, canceled")
	cmd.Flags().StringVar(&requestedBy, "requested-by", "", "Filter by submitter")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Jobs per page (default: server default)")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "Page token from a previous list")
	return cmd
}

func newJobsGetCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a packaging job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := o.format()
			if err != nil {
				return err
			}
			var job jobView
			if err := o.client().doRequest(cmd.Context(), http.MethodGet, "/jobs/"+url.PathEscape(args[0]), nil, &job); err != nil {
				return err
			}
			if err := printJobs(o, format, []jobView{job}, job); err != nil {
				return err
			}
			if format == outputTable && job.Result != nil && len(job.Result.Issues) > 0 {
				fmt.Fprintln(o.stdout)
				rows := make([][]string, 0, len(job.Result.Issues))
				for _, is := range job.Result.Issues {
					rows = append(rows, []string{string(is.Severity), is.Code, truncate(is.Message, 100)})
				}
				return printTable(o.stdout, []string{"Severity", "Code", "Message"}, rows)
			}
			return nil
		},
	}
}

func newJobsCancelCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := o.format()
			if err != nil {
				return err
			}
			var resp map[string]string
			if err := o.client().doRequest(cmd.Context(), http.MethodPost, "/jobs/"+url.PathEscape(args[0])+":cancel", nil, &resp); err != nil {
				return err
			}
			if format != outputTable {
				return printOutput(o.stdout, format, resp, nil, nil)
			}
			fmt.Fprintf(o.stdout, "job %s %s\n", args[0], resp["status"])
			return nil
		},
	}
}

// printJobs renders jobs as a table, or data as json or yaml.
func printJobs(o *options, format outputFormat, list []jobView, data any) error {
	rows := make([][]string, 0, len(list))
	for _, j := range list {
		duration := "-"
		if j.DurationMs > 0 {
			duration = (time.Duration(j.DurationMs) * time.Millisecond).String()
		}
		rows = append(rows, []string{
			j.ID,
			j.ProjectID,
			j.Platform,
			j.State,
			orDash(j.RequestedBy),
			strconv.Itoa(j.AttemptCount),
			strconv.Itoa(j.ArtifactCount),
			duration,
			truncate(orDash(firstNonEmpty(j.LastError, j.Message)), 50),
		})
	}
	return printOutput(o.stdout, format, data,
		[]string{"ID", "Project", "Platform", "State", "Requested by", "Attempts", "Artifacts", "Duration", "Message"}, rows)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
