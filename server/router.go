package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the sign-in endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)
	for _, name := range a.Registry.Schemes() {
		sch := a.schemes[name]
		r.Get(sch.opts.CallbackPath, a.callbackHandler(sch))
		r.Post(sch.opts.CallbackPath, a.callbackHandler(sch))
	}

	r.Group(func(r chi.Router) {
		r.Use(a.SessionMiddleware)
		r.Get("/", a.handleHome)
		r.Get("/login", a.handleLogin)
		r.Get("/logout", a.handleLogout)
		r.Post("/logout", a.handleLogout)
		r.With(RequireSession).Get("/profile", a.handleProfile)
	})

	return r
}
