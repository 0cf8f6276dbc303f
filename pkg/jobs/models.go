package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/installerkit/installerkit/pkg/identity"
	"github.com/installerkit/installerkit/pkg/packaging"
)

// JobState represents the lifecycle state of a packaging job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCanceled  JobState = "canceled"
)

// ParseJobState returns the state named s, or false.
func ParseJobState(s string) (JobState, bool) {
	switch st := JobState(s); st {
	case JobStateQueued, JobStateRunning, JobStateSucceeded, JobStateFailed, JobStateCanceled:
		return st, true
	}
	return "", false
}

// PackagingJob is the GORM model for an asynchronous packaging run. The
// request, the submitting principal and the final result are stored as
// JSON text.
type PackagingJob struct {
	ID             string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	ProjectID      string     `gorm:"column:project_id;index:idx_job_project_state,priority:1;not null"`
	Platform       string     `gorm:"column:platform;index:idx_job_platform_state,priority:1;not null"`
	RequestedBy    string     `gorm:"column:requested_by;not null"`
	RequestedAt    time.Time  `gorm:"column:requested_at;not null"`
	State          JobState   `gorm:"column:state;index:idx_job_project_state,priority:2;index:idx_job_platform_state,priority:2;index:idx_job_state;not null;default:queued"`
	Message        string     `gorm:"column:message"`
	StartedAt      *time.Time `gorm:"column:started_at"`
	FinishedAt     *time.Time `gorm:"column:finished_at"`
	AttemptCount   int        `gorm:"column:attempt_count;default:0"`
	LastError      string     `gorm:"column:last_error"`
	IdempotencyKey *string    `gorm:"column:idempotency_key;uniqueIndex:idx_job_idemp_key"`
	Request        string     `gorm:"column:request;type:text;not null"`
	Principal      string     `gorm:"column:principal;type:text"`
	Result         string     `gorm:"column:result;type:text"`
	ArtifactCount  int        `gorm:"column:artifact_count"`
	ErrorCount     int        `gorm:"column:error_count"`
	DurationMs     int64      `gorm:"column:duration_ms"`
}

func (PackagingJob) TableName() string { return "packaging_jobs" }

// IsTerminal returns true if the job is in a terminal state.
func (j *PackagingJob) IsTerminal() bool {
	switch j.State {
	case JobStateSucceeded, JobStateFailed, JobStateCanceled:
		return true
	}
	return false
}

// NewPackagingJob builds a queued job for req. The job id becomes the
// request's JobID so telemetry and job records share one key. principal may
// be nil for anonymous submissions.
func NewPackagingJob(req packaging.Request, principal *identity.Principal, idempotencyKey string) (*PackagingJob, error) {
	req = req.Clone()
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	job := &PackagingJob{
		ID:          req.JobID,
		ProjectID:   req.ProjectID,
		Platform:    string(req.Platform),
		RequestedBy: "anonymous",
		RequestedAt: time.Now(),
		State:       JobStateQueued,
		Request:     string(body),
	}
	if idempotencyKey != "" {
		job.IdempotencyKey = &idempotencyKey
	}
	if principal != nil {
		pb, err := json.Marshal(principal)
		if err != nil {
			return nil, fmt.Errorf("encode principal: %w", err)
		}
		job.Principal = string(pb)
		job.RequestedBy = principal.ID
	}
	return job, nil
}

// PackagingRequest decodes the stored request.
func (j *PackagingJob) PackagingRequest() (packaging.Request, error) {
	var req packaging.Request
	if err := json.Unmarshal([]byte(j.Request), &req); err != nil {
		return packaging.Request{}, fmt.Errorf("decode request of job %s: %w", j.ID, err)
	}
	req.JobID = j.ID
	return req, nil
}

// SubmittedBy decodes the stored principal; ok is false for anonymous jobs.
func (j *PackagingJob) SubmittedBy() (identity.Principal, bool, error) {
	if j.Principal == "" {
		return identity.Principal{}, false, nil
	}
	var p identity.Principal
	if err := json.Unmarshal([]byte(j.Principal), &p); err != nil {
		return identity.Principal{}, false, fmt.Errorf("decode principal of job %s: %w", j.ID, err)
	}
	return p, true, nil
}

// PackagingResult decodes the stored result; nil until the job completes.
func (j *PackagingJob) PackagingResult() (*packaging.Result, error) {
	if j.Result == "" {
		return nil, nil
	}
	var res packaging.Result
	if err := json.Unmarshal([]byte(j.Result), &res); err != nil {
		return nil, fmt.Errorf("decode result of job %s: %w", j.ID, err)
	}
	return &res, nil
}
