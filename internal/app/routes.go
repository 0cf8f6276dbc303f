package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/installerkit/installerkit/pkg/agent"
	"github.com/installerkit/installerkit/pkg/audit"
	"github.com/installerkit/installerkit/pkg/cache"
	"github.com/installerkit/installerkit/pkg/identity"
	"github.com/installerkit/installerkit/pkg/jobs"
	"github.com/installerkit/installerkit/pkg/packaging"
	"github.com/installerkit/installerkit/pkg/telemetry"
)

// APIPrefix is the base path of every API route.
const APIPrefix = "/api/v1"

// Router builds the HTTP API. canceler stops running jobs and may be nil;
// verifier enables bearer tokens and may be nil.
func (a *App) Router(canceler jobs.Canceler, verifier *identity.JWTVerifier) chi.Router {
	started := time.Now()
	origins := a.Config.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Remote-User", "X-Remote-Group"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(started).Round(time.Second).String(),
		})
	})
	r.Get("/livez", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})
	r.Get("/readyz", a.readyHandler)

	r.Route(APIPrefix, func(r chi.Router) {
		r.Use(identity.Middleware(verifier, a.Logger))

		if a.Jobs != nil {
			r.Mount("/jobs", jobs.Router(a.Jobs, canceler, a.Config.Auth.SubmitRoles...))
		}
		r.Route("/dashboard", func(r chi.Router) {
			r.Use(cache.Middleware(a.Cache))
			r.Mount("/", telemetry.Router(a.Aggregator))
		})
		if a.Config.Audit.Enabled {
			r.Mount("/audit", audit.Router(a.Audit))
		}
		r.Get("/projects", a.listProjectsHandler)
		r.Get("/plugins", a.pluginsHandler)
		r.Get("/agents", a.agentsHandler)
	})
	return r
}

func (a *App) readyHandler(w http.ResponseWriter, r *http.Request) {
	ready := true
	db := map[string]string{"status": "not_configured"}
	if a.DB != nil {
		db["status"] = "up"
		sqlDB, err := a.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			db["status"] = "down"
			db["error"] = err.Error()
			ready = false
		}
	}

	projects := map[string]string{"status": "up"}
	if _, err := a.Projects.List(r.Context()); err != nil {
		projects["status"] = "down"
		projects["error"] = err.Error()
		ready = false
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"components": map[string]any{
			"database": db,
			"projects": projects,
		},
	})
}

// ProjectSummary is the listing view of a project.
type ProjectSummary struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Version   string               `json:"version"`
	Platforms []packaging.Platform `json:"platforms"`
}

// ProjectSummaries lists every loadable project.
func (a *App) ProjectSummaries(ctx context.Context) ([]ProjectSummary, error) {
	ps, err := a.Projects.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProjectSummary, 0, len(ps))
	for _, p := range ps {
		out = append(out, SummarizeProject(p))
	}
	return out, nil
}

func (a *App) listProjectsHandler(w http.ResponseWriter, r *http.Request) {
	out, err := a.ProjectSummaries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": out, "size": len(out)})
}

func SummarizeProject(p packaging.Project) ProjectSummary {
	s := ProjectSummary{ID: p.ID, Name: p.Name, Version: p.Version}
	for _, platform := range packaging.Platforms {
		if _, ok := p.Platforms[platform]; ok {
			s.Platforms = append(s.Platforms, platform)
		}
	}
	return s
}

// PipelineInfo lists the formats one platform pipeline can build.
type PipelineInfo struct {
	Platform packaging.Platform `json:"platform"`
	Formats  []string           `json:"formats"`
}

// PluginReport describes the built-in and plugin-provided capabilities.
type PluginReport struct {
	HostVersion string         `json:"hostVersion"`
	Pipelines   []PipelineInfo `json:"pipelines"`
	Sinks       int            `json:"sinks"`
	Skipped     []string       `json:"skipped"`
}

func (a *App) PluginReport() PluginReport {
	pipelines := make([]PipelineInfo, 0, len(packaging.Platforms))
	for _, platform := range a.Pipelines.Platforms() {
		p, _ := a.Pipelines.Get(platform)
		pipelines = append(pipelines, PipelineInfo{Platform: platform, Formats: p.Formats()})
	}
	return PluginReport{
		HostVersion: Version,
		Pipelines:   pipelines,
		Sinks:       len(a.Plugins.Sinks),
		Skipped:     a.Plugins.Skipped,
	}
}

func (a *App) pluginsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.PluginReport())
}

// Agents reports the build agents behind the pipelines. Without configured
// agents every platform builds on the local host.
func (a *App) Agents() []agent.Status {
	if a.Broker != nil {
		return a.Broker.Status()
	}
	var agents []agent.Status
	for _, platform := range a.Pipelines.Platforms() {
		agents = append(agents, agent.Status{Name: "local", Platform: platform})
	}
	return agents
}

func (a *App) agentsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": a.Agents()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
