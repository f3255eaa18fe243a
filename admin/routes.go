package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/quarry/telemetry"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the admin API. Every route except /metrics requires the
// admin secret when one is configured.
func NewRouter(handlers *AdminHandlers) chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware)

		r.Get("/health", handlers.handleHealth)
		r.Get("/stats", handlers.handleStats)
		r.Get("/destinations", handlers.handleDestinations)

		r.Route("/indices", func(r chi.Router) {
			r.Get("/", handlers.handleListIndices)
			r.Get("/{name}", handlers.handleDescribeIndex)
			r.Get("/{name}/records", handlers.handleIndexRecords)
			r.Delete("/{name}", handlers.handleDropIndex)
		})
	})

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		metrics := telemetry.GetMetricsHandler()
		if metrics == nil {
			writeErrorResponse(w, http.StatusNotFound, "metrics are disabled")
			return
		}
		metrics.ServeHTTP(w, req)
	})

	return r
}

// RegisterRoutes mounts the admin API on mux under /admin
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := NewRouter(handlers)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))
	mux.Handle("/metrics", r)

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
