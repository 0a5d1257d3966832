package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter builds the chi mux for the job-orchestration HTTP surface
// (§6): /jobs/enrich, /jobs/csv, /jobs/scan and /jobs/token/refresh, each
// rate-limited per client identity, and the /ws/progress upgrade endpoint,
// which is not rate-limited.
func NewRouter(deps *Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Post("/jobs/enrich", rateLimited(deps.RateLimiter, deps.handleEnrich))
	r.Post("/jobs/csv", rateLimited(deps.RateLimiter, deps.handleCSV))
	r.Post("/jobs/scan", rateLimited(deps.RateLimiter, deps.handleScan))
	r.Post("/jobs/token/refresh", rateLimited(deps.RateLimiter, deps.handleTokenRefresh))
	r.Get("/ws/progress", deps.handleWS)

	return r
}
