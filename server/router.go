package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with all session endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))

	r.Get("/login", a.handleLogin)
	r.Get("/callback", a.handleCallback)
	r.Get("/session", a.handleSession)
	r.Get("/resource", a.handleResource)
	r.Get("/logout", a.handleLogout)

	return r
}
