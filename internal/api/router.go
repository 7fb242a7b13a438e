package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/crea8r/context-router/internal/admin"
	"github.com/crea8r/context-router/internal/api/handlers"
	"github.com/crea8r/context-router/internal/api/middleware"
)

// NewRouter creates the HTTP router with all routes.
func NewRouter(h *handlers.Handlers, adminSessions *admin.Sessions) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & liveness
	r.Get("/health", h.Health)

	// Agent-facing surface
	r.Post("/agents/register", h.RegisterAgent)
	r.Route("/mcp", func(r chi.Router) {
		r.Post("/events/publish", h.PublishEvent)
		r.Get("/sessions/{sessionKey}/events", h.SessionEvents)
	})

	// Admin surface
	r.Route("/admin", func(r chi.Router) {
		r.Post("/login", h.AdminLogin)
		r.Post("/logout", h.AdminLogout)
		r.Get("/session", h.AdminSession)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminAuth(adminSessions))

			r.Route("/agents", func(r chi.Router) {
				r.Get("/pending", h.PendingAgents)
				r.Get("/approved", h.ApprovedAgents)
				r.Post("/approve", h.ApproveAgent)
				r.Post("/reject", h.RejectAgent)
			})

			r.Route("/api", func(r chi.Router) {
				r.Get("/metrics", h.AdminMetrics)
				r.Get("/sessions", h.AdminSessions)
				r.Get("/loops", h.AdminLoops)
				r.Get("/deliveries", h.AdminDeliveries)
			})
		})
	})

	return r
}
