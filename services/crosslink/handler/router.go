package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ramiqadoumi/crosslink/services/crosslink/middleware"
)

// maxBodyBytes caps task submissions and stats pushes.
const maxBodyBytes = 1 << 20

// NewRouter mounts every endpoint of h. ws serves real-time subscriptions.
func NewRouter(h *REST, ws http.Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(maxBodyBytes))

	r.Get("/", h.Banner)
	r.Get("/health", h.Health)
	r.Get("/readyz", h.Readyz)
	r.Get("/ws", ws.ServeHTTP)

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", h.SubmitTask)
		r.Get("/", h.ListTasks)
		r.Get("/pending/{machine}", h.ListPending)
		r.Get("/{id}", h.GetTask)
		r.Post("/{id}/complete", h.CompleteTask)
	})

	r.Route("/stats", func(r chi.Router) {
		r.Get("/", h.AllStats)
		r.Get("/{role}", h.RoleStats)
		r.Post("/{role}", h.IngestStats)
	})
	return r
}
