package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/heraldhq/herald/internal/auth/session"
	"github.com/heraldhq/herald/internal/logging"
)

// NewRouter assembles the auth routes. Collaborating route groups
// (changelogs, projects, audit) mount alongside these and wrap
// themselves in RequireUser.
func NewRouter(h *Handlers, sessions *session.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(logging.RequestIDMiddleware)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)
		r.Get("/login", h.Login)
		r.Get("/{provider}/login", h.Login)
		r.Get("/{provider}/callback", h.Callback)

		r.With(RequireUser(sessions)).Get("/me", h.Me)
	})

	return r
}
