package authority

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DefaultSyncPath is the websocket route of the sync hub.
const DefaultSyncPath = "/transactions-sync"

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler, syncPath string) *chi.Mux {
	if syncPath == "" {
		syncPath = DefaultSyncPath
	}

	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Get("/schema", h.Schema)
		})
	})

	r.With(AuthMiddleware(h.apiKey)).Get(syncPath, h.Sync)

	return r
}
