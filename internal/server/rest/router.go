package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the chi router for the REST API. When pubKey is non-nil
// every /api/v1 route requires a valid RS256 Bearer token; /healthz stays
// open either way.
func NewRouter(s *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(api chi.Router) {
		if pubKey != nil {
			api.Use(JWTMiddleware(pubKey))
		}
		api.Get("/info", s.handleInfo)
		api.Get("/allocations", s.handleAllocations)
		api.Get("/allocation_groups", s.handleAllocationGroups)
		api.Get("/timeline", s.handleTimeline)
		api.Get("/mmaps", s.handleMmaps)
		api.Get("/mallopts", s.handleMallopts)
		api.Get("/export/{format}", func(w http.ResponseWriter, r *http.Request) {
			s.handleExport(w, r, chi.URLParam(r, "format"))
		})
	})
	return r
}
