package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/installerkit/installerkit/pkg/packaging"
)

var (
	// ErrJobNotFound is returned when a job id is unknown.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobRunning is returned by Cancel for jobs a worker already holds.
	ErrJobRunning = errors.New("job is running")
	// ErrJobTerminal is returned by Cancel for finished jobs.
	ErrJobTerminal = errors.New("job already finished")
)

var terminalStates = []JobState{JobStateSucceeded, JobStateFailed, JobStateCanceled}

// JobStore provides database operations for packaging jobs.
type JobStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewJobStore creates a new JobStore.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db, now: time.Now}
}

// AutoMigrate creates or updates the packaging_jobs table.
func (s *JobStore) AutoMigrate() error {
	return s.db.AutoMigrate(&PackagingJob{})
}

// JobListFilter defines filters for listing jobs.
type JobListFilter struct {
	ProjectID   string
	Platform    string
	State       string
	RequestedBy string
}

// Enqueue creates a new queued job. If the job carries an idempotency key
// and a non-terminal job with the same key exists, the existing job is
// returned instead of creating a duplicate. Safe for concurrent use.
func (s *JobStore) Enqueue(job *PackagingJob) (*PackagingJob, error) {
	if job.State == "" {
		job.State = JobStateQueued
	}
	if job.RequestedAt.IsZero() {
		job.RequestedAt = s.now()
	}

	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := s.db.Create(job).Error; err != nil {
			return nil, fmt.Errorf("enqueue job: %w", err)
		}
		return job, nil
	}

	key := *job.IdempotencyKey
	var result *PackagingJob
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing PackagingJob
		err := tx.Where("idempotency_key = ? AND state IN ?", key,
			[]JobState{JobStateQueued, JobStateRunning}).First(&existing).Error
		if err == nil {
			result = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check idempotency key: %w", err)
		}

		// Finished jobs release their key so the unique index admits the new one.
		if err := tx.Model(&PackagingJob{}).
			Where("idempotency_key = ? AND state IN ?", key, terminalStates).
			Update("idempotency_key", nil).Error; err != nil {
			return fmt.Errorf("release idempotency key: %w", err)
		}

		if err := tx.Create(job).Error; err != nil {
			// Another transaction may have created the job between the check
			// and the insert.
			var raced PackagingJob
			if lookupErr := s.db.Where("idempotency_key = ? AND state IN ?", key,
				[]JobState{JobStateQueued, JobStateRunning}).First(&raced).Error; lookupErr == nil {
				result = &raced
				return nil
			}
			return fmt.Errorf("enqueue job: %w", err)
		}
		result = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Claim atomically picks the oldest queued job and transitions it to
// running. Rows are locked with SKIP LOCKED on PostgreSQL and MySQL.
// Returns nil if no jobs are available.
func (s *JobStore) Claim(maxRetries int) (*PackagingJob, error) {
	var job PackagingJob
	claimed := false

	err := s.db.Transaction(func(tx *gorm.DB) error {
		q := tx.Where("state = ? AND attempt_count <= ?", JobStateQueued, maxRetries).
			Order("requested_at ASC").
			Limit(1)
		switch tx.Dialector.Name() {
		case "postgres", "mysql":
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&job).Error; err != nil {
			return err
		}
		if job.ID == "" {
			return nil
		}

		res := tx.Model(&PackagingJob{}).Where("id = ? AND state = ?", job.ID, JobStateQueued).
			Updates(map[string]any{
				"state":         JobStateRunning,
				"started_at":    s.now(),
				"finished_at":   nil,
				"attempt_count": gorm.Expr("attempt_count + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		return nil, nil
	}

	if err := s.db.First(&job, "id = ?", job.ID).Error; err != nil {
		return nil, fmt.Errorf("reload claimed job: %w", err)
	}
	return &job, nil
}

// Complete records the pipeline result of a running job. A result holding
// an Error issue is a terminal failure: policy blocks and provider failures
// are outcomes, not execution errors, and are never retried.
func (s *JobStore) Complete(jobID string, res packaging.Result, duration time.Duration) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	errorCount := packaging.CountErrors(res.Issues)
	state := JobStateSucceeded
	message := fmt.Sprintf("Produced %d artifacts", len(res.Artifacts))
	if errorCount > 0 {
		state = JobStateFailed
		message = fmt.Sprintf("Finished with %d blocking issues", errorCount)
	}

	result := s.db.Model(&PackagingJob{}).Where("id = ? AND state = ?", jobID, JobStateRunning).Updates(map[string]any{
		"state":          state,
		"finished_at":    s.now(),
		"result":         string(body),
		"artifact_count": len(res.Artifacts),
		"error_count":    errorCount,
		"duration_ms":    duration.Milliseconds(),
		"message":        message,
	})
	if result.Error != nil {
		return fmt.Errorf("complete job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return s.stateError(jobID, "complete")
	}
	return nil
}

// Fail records an execution error. If the attempt count is within retries,
// the job is re-queued.
func (s *JobStore) Fail(jobID string, errMsg string, maxRetries int) error {
	var job PackagingJob
	if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return fmt.Errorf("load job for fail: %w", err)
	}

	updates := map[string]any{
		"last_error":  errMsg,
		"finished_at": s.now(),
	}
	if job.AttemptCount < maxRetries {
		updates["state"] = JobStateQueued
		updates["started_at"] = nil
		updates["finished_at"] = nil
		updates["message"] = fmt.Sprintf("Retrying after attempt %d", job.AttemptCount)
	} else {
		updates["state"] = JobStateFailed
		updates["message"] = "Max retries exceeded: " + errMsg
	}

	if err := s.db.Model(&PackagingJob{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// Cancel marks a queued job as canceled. Running jobs yield ErrJobRunning;
// the worker holding them cancels them through WorkerPool.Cancel.
func (s *JobStore) Cancel(jobID string) error {
	result := s.db.Model(&PackagingJob{}).
		Where("id = ? AND state = ?", jobID, JobStateQueued).
		Updates(map[string]any{
			"state":       JobStateCanceled,
			"finished_at": s.now(),
			"message":     "Canceled by user",
		})
	if result.Error != nil {
		return fmt.Errorf("cancel job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return s.stateError(jobID, "cancel")
	}
	return nil
}

// MarkCanceled finishes a running job that was canceled mid-run.
func (s *JobStore) MarkCanceled(jobID, message string) error {
	result := s.db.Model(&PackagingJob{}).
		Where("id = ? AND state = ?", jobID, JobStateRunning).
		Updates(map[string]any{
			"state":       JobStateCanceled,
			"finished_at": s.now(),
			"message":     message,
		})
	if result.Error != nil {
		return fmt.Errorf("mark job canceled: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return s.stateError(jobID, "mark canceled")
	}
	return nil
}

// Requeue returns a running job to the queue without consuming a retry,
// used when a worker shuts down mid-run.
func (s *JobStore) Requeue(jobID, reason string) error {
	result := s.db.Model(&PackagingJob{}).
		Where("id = ? AND state = ?", jobID, JobStateRunning).
		Updates(map[string]any{
			"state":         JobStateQueued,
			"started_at":    nil,
			"last_error":    reason,
			"attempt_count": gorm.Expr("CASE WHEN attempt_count > 0 THEN attempt_count - 1 ELSE 0 END"),
		})
	if result.Error != nil {
		return fmt.Errorf("requeue job: %w", result.Error)
	}
	return nil
}

// stateError explains why a state transition on jobID matched no row.
func (s *JobStore) stateError(jobID, op string) error {
	var job PackagingJob
	if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return fmt.Errorf("check job: %w", err)
	}
	switch {
	case job.State == JobStateRunning:
		return fmt.Errorf("%s job %s: %w", op, jobID, ErrJobRunning)
	case job.IsTerminal():
		return fmt.Errorf("%s job %s in state %s: %w", op, jobID, job.State, ErrJobTerminal)
	}
	return fmt.Errorf("cannot %s job %s in state %s", op, jobID, job.State)
}

// Get retrieves a job by ID. It returns nil, nil when the job is unknown.
func (s *JobStore) Get(jobID string) (*PackagingJob, error) {
	var job PackagingJob
	if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// List returns paginated jobs matching the given filter, newest first.
func (s *JobStore) List(filter JobListFilter, pageSize int, pageToken string) ([]PackagingJob, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.Model(&PackagingJob{})
		if filter.ProjectID != "" {
			q = q.Where("project_id = ?", filter.ProjectID)
		}
		if filter.Platform != "" {
			q = q.Where("platform = ?", filter.Platform)
		}
		if filter.State != "" {
			q = q.Where("state = ?", filter.State)
		}
		if filter.RequestedBy != "" {
			q = q.Where("requested_by = ?", filter.RequestedBy)
		}
		return q
	}

	var totalSize int64
	if err := buildQuery(s.db).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count jobs: %w", err)
	}

	query := buildQuery(s.db).Order("requested_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("requested_at < ?", t)
	}

	var records []PackagingJob
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list jobs: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].RequestedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}
	return records, nextToken, int(totalSize), nil
}

// CleanupStuckJobs transitions running jobs that have been stuck
// (started_at older than claimTimeout) back to queued for retry.
func (s *JobStore) CleanupStuckJobs(claimTimeout time.Duration) (int64, error) {
	cutoff := s.now().Add(-claimTimeout)
	result := s.db.Model(&PackagingJob{}).
		Where("state = ? AND started_at < ?", JobStateRunning, cutoff).
		Updates(map[string]any{
			"state":      JobStateQueued,
			"started_at": nil,
			"last_error": "Timed out (stuck job recovery)",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup stuck jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteOlderThan removes terminal jobs finished before cutoff.
func (s *JobStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result := s.db.Where("state IN ? AND finished_at < ?", terminalStates, cutoff).
		Delete(&PackagingJob{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
