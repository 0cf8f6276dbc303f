package jobs

import (
	"github.com/go-chi/chi/v5"

	"github.com/installerkit/installerkit/pkg/identity"
)

// Router creates a chi.Router for the packaging job API. When submitRoles
// is non-empty, submitting and canceling jobs require one of those roles.
func Router(store *JobStore, canceler Canceler, submitRoles ...string) chi.Router {
	r := chi.NewRouter()

	r.Get("/", ListJobsHandler(store))
	r.Get("/{jobId}", GetJobHandler(store))

	guard := identity.RequireRole(submitRoles...)
	r.With(guard).Post("/", SubmitJobHandler(store))
	r.With(guard).Post("/{jobId}:cancel", CancelJobHandler(store, canceler))

	return r
}
