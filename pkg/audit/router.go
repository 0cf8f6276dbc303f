package audit

import (
	"github.com/go-chi/chi/v5"
)

// Router creates a chi.Router for the snapshot API.
func Router(svc *Service) chi.Router {
	r := chi.NewRouter()
	r.Get("/snapshots", ListSnapshotsHandler(svc))
	r.Post("/snapshots", CaptureHandler(svc))
	r.Get("/snapshots/{snapshotId}", GetSnapshotHandler(svc))
	r.Get("/diff", DiffHandler(svc))
	r.Post("/preview", PreviewHandler(svc))
	return r
}
