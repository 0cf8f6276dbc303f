package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/installerkit/installerkit/pkg/identity"
	"github.com/installerkit/installerkit/pkg/packaging"
)

// ListSnapshotsHandler handles GET /snapshots?projectId=...
func ListSnapshotsHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps := svc.Snapshots(r.URL.Query().Get("projectId"))
		writeJSON(w, http.StatusOK, map[string]any{
			"snapshots": snaps,
			"totalSize": len(snaps),
		})
	}
}

type captureRequest struct {
	Project packaging.Project `json:"project"`
	Author  string            `json:"author"`
	Comment string            `json:"comment"`
}

// CaptureHandler handles POST /snapshots. When the body names no author the
// authenticated principal is used.
func CaptureHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body captureRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if body.Project.ID == "" {
			writeError(w, http.StatusBadRequest, "project.id is required")
			return
		}
		if body.Author == "" {
			if p, ok := identity.PrincipalFromContext(r.Context()); ok {
				body.Author = p.DisplayName
			}
		}

		snap, err := svc.Capture(r.Context(), body.Project, body.Author, body.Comment)
		if err != nil {
			// The snapshot is held in memory even when persistence fails.
			w.Header().Set("Warning", fmt.Sprintf("199 - %q", err.Error()))
		}
		writeJSON(w, http.StatusCreated, snap)
	}
}

// GetSnapshotHandler handles GET /snapshots/{snapshotId}
func GetSnapshotHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "snapshotId")
		snap, err := svc.Get(id)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// DiffHandler handles GET /diff?from=...&to=...
func DiffHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
		if from == "" || to == "" {
			writeError(w, http.StatusBadRequest, "both from and to are required")
			return
		}
		d, err := svc.Diff(from, to)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

// PreviewHandler handles POST /preview with a live project as the body.
func PreviewHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var live packaging.Project
		if err := json.NewDecoder(r.Body).Decode(&live); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		d, ok := svc.PreviewDiff(live)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("no snapshot of project %q", live.ID))
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func statusFor(err error) int {
	if errors.Is(err, ErrSnapshotNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
