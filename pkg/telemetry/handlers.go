package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/installerkit/installerkit/pkg/packaging"
)

// Router creates a chi.Router for the dashboard API.
func Router(agg *Aggregator) chi.Router {
	r := chi.NewRouter()
	r.Get("/snapshot", SnapshotHandler(agg))
	r.Get("/export", ExportHandler(agg))
	return r
}

// SnapshotHandler handles GET /snapshot
// Query params: channel, failuresOnly, maxJobs
func SnapshotHandler(agg *Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		snap, err := agg.Snapshot(r.Context(), q)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build snapshot: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// ExportHandler handles GET /export and serves the snapshot as a download.
func ExportHandler(agg *Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		exp, err := agg.Export(r.Context(), q)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to export snapshot: %v", err))
			return
		}
		name := "dashboard-" + exp.GeneratedAt.Format("20060102T150405Z") + ".json"
		w.Header().Set("Content-Type", exp.ContentType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
		w.Header().Set("X-Generated-At", exp.GeneratedAt.Format(time.RFC3339))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(exp.Content)
	}
}

func parseQuery(r *http.Request) (Query, error) {
	v := r.URL.Query()
	q := Query{Channel: v.Get("channel")}
	if raw := v.Get("failuresOnly"); raw != "" {
		b, ok := packaging.ParseFlag(raw)
		if !ok {
			return Query{}, fmt.Errorf("invalid failuresOnly value %q", raw)
		}
		q.FailuresOnly = b
	}
	if raw := v.Get("maxJobs"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Query{}, fmt.Errorf("invalid maxJobs value %q", raw)
		}
		q.MaxJobs = n
	}
	return q, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
