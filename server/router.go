package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"mobileconnect/middleware"
)

// Routes builds the relying party router.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(a.Logger))
	r.Use(middleware.Recovery(a.Logger, a.Config.Server.DevMode))
	if !a.Config.Server.DevMode {
		r.Use(middleware.SecurityHeaders(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.handleMetrics())

	r.Get("/start", a.handleStart)
	r.Get("/discovery/callback", a.handleDiscoveryCallback)
	r.Get("/callback", a.handleCallback)
	r.Get("/me", a.handleMe)
	r.Post("/logout", a.handleLogout)

	if a.Config.Server.DevMode {
		r.Post("/cache/clear", a.handleCacheClear)
	}
	return r
}
