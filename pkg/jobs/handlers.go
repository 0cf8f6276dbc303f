package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/installerkit/installerkit/pkg/identity"
	"github.com/installerkit/installerkit/pkg/packaging"
)

// Canceler stops jobs that are already running. *WorkerPool implements it.
type Canceler interface {
	Cancel(jobID string) bool
}

// submitRequest is the body of POST /jobs.
type submitRequest struct {
	packaging.Request
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// SubmitJobHandler handles POST /jobs. The job runs asynchronously; the
// response carries its id and queued state.
func SubmitJobHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body submitRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if body.ProjectID == "" {
			writeError(w, http.StatusBadRequest, "projectId is required")
			return
		}
		platform, err := packaging.ParsePlatform(string(body.Platform))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		body.Platform = platform
		if key := r.Header.Get("Idempotency-Key"); key != "" {
			body.IdempotencyKey = key
		}

		var principal *identity.Principal
		if p, ok := identity.PrincipalFromContext(r.Context()); ok {
			principal = &p
		}
		job, err := NewPackagingJob(body.Request, principal, body.IdempotencyKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		created, err := store.Enqueue(job)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to enqueue job: %v", err))
			return
		}
		writeJSON(w, http.StatusAccepted, jobToResponse(created))
	}
}

// GetJobHandler handles GET /jobs/{jobId}.
func GetJobHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		if jobID == "" {
			writeError(w, http.StatusBadRequest, "missing job ID")
			return
		}

		job, err := store.Get(jobID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get job: %v", err))
			return
		}
		if job == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job %q not found", jobID))
			return
		}

		writeJSON(w, http.StatusOK, jobToResponse(job))
	}
}

// ListJobsHandler handles GET /jobs.
// Query params: projectId, platform, state, requestedBy, pageSize, pageToken
func ListJobsHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := JobListFilter{
			ProjectID:   q.Get("projectId"),
			Platform:    q.Get("platform"),
			State:       q.Get("state"),
			RequestedBy: q.Get("requestedBy"),
		}
		if filter.State != "" {
			if _, ok := ParseJobState(filter.State); !ok {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", filter.State))
				return
			}
		}

		pageSize := 20
		if ps := q.Get("pageSize"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}

		records, nextToken, total, err := store.List(filter, pageSize, q.Get("pageToken"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list jobs: %v", err))
			return
		}

		jobs := make([]jobResponse, len(records))
		for i := range records {
			jobs[i] = jobToResponse(&records[i])
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":          jobs,
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}

// CancelJobHandler handles POST /jobs/{jobId}:cancel. Queued jobs are
// canceled in the store; running jobs are handed to canceler.
func CancelJobHandler(store *JobStore, canceler Canceler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		if jobID == "" {
			writeError(w, http.StatusBadRequest, "missing job ID")
			return
		}

		err := store.Cancel(jobID)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"status": "canceled", "jobId": jobID})
		case errors.Is(err, ErrJobRunning) && canceler != nil && canceler.Cancel(jobID):
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceling", "jobId": jobID})
		case errors.Is(err, ErrJobNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ErrJobRunning), errors.Is(err, ErrJobTerminal):
			writeError(w, http.StatusConflict, fmt.Sprintf("failed to cancel job: %v", err))
		default:
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to cancel job: %v", err))
		}
	}
}

// jobResponse is the API response for a packaging job.
type jobResponse struct {
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

func jobToResponse(job *PackagingJob) jobResponse {
	resp := jobResponse{
		ID:            job.ID,
		ProjectID:     job.ProjectID,
		Platform:      job.Platform,
		RequestedBy:   job.RequestedBy,
		RequestedAt:   job.RequestedAt.Format(time.RFC3339),
		State:         string(job.State),
		Message:       job.Message,
		AttemptCount:  job.AttemptCount,
		LastError:     job.LastError,
		ArtifactCount: job.ArtifactCount,
		ErrorCount:    job.ErrorCount,
		DurationMs:    job.DurationMs,
	}
	if job.StartedAt != nil {
		resp.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.FinishedAt != nil {
		resp.FinishedAt = job.FinishedAt.Format(time.RFC3339)
	}
	if req, err := job.PackagingRequest(); err == nil {
		resp.Request = &req
	}
	if res, err := job.PackagingResult(); err == nil {
		resp.Result = res
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
