package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/maxpert/changefeed/telemetry"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()
	r.Use(AuthMiddleware)

	r.Get("/scopes", handlers.handleScopes)
	r.Route("/scopes/{scope}", func(r chi.Router) {
		r.Get("/subscriptions", handlers.wrapWithRegistry(handlers.handleSubscriptions))
		r.Delete("/subscriptions/{id}", handlers.subscriptionByID)
		r.Post("/clean", handlers.wrapWithRegistry(handlers.handleClean))
		r.Get("/log", handlers.wrapWithLog(handlers.handleLog))
		r.Post("/commit", handlers.wrapWithLog(handlers.handleCommit))
	})

	r.Get("/relay", handlers.handleRelay)

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

func (h *AdminHandlers) wrapWithRegistry(fn func(http.ResponseWriter, *http.Request, Registry)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		registry, err := h.getRegistry(chi.URLParam(r, "scope"))
		if err != nil {
			writeErrorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		fn(w, r, registry)
	}
}

func (h *AdminHandlers) wrapWithLog(fn func(http.ResponseWriter, *http.Request, Log)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, err := h.getLog(chi.URLParam(r, "scope"))
		if err != nil {
			writeErrorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		fn(w, r, l)
	}
}

func (h *AdminHandlers) subscriptionByID(w http.ResponseWriter, r *http.Request) {
	registry, err := h.getRegistry(chi.URLParam(r, "scope"))
	if err != nil {
		writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid subscription ID")
		return
	}
	h.handleUnregister(w, r, registry, id)
}
