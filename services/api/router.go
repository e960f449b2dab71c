// Package api exposes cached enrichments, usage marks, run triggers and
// operational reads over HTTP.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ramiqadoumi/go-enrich-flow/services/api/handler"
	"github.com/ramiqadoumi/go-enrich-flow/services/api/middleware"
)

const maxBody = 1 << 20

// NewRouter mounts the REST handler under /api/v1.
func NewRouter(h *handler.REST, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(maxBody))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/enrichments/{source}/{target}", h.GetEntry)
		r.Post("/enrichments/{source}/{target}/use", h.MarkUsed)
		r.Post("/runs", h.TriggerRun)
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/{id}", h.GetTask)
		r.Get("/quota/{source}", h.GetQuota)
		r.Get("/reports/latest", h.LatestReport)
	})
	return r
}
