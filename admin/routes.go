package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/wsrepd/status"
	"github.com/maxpert/wsrepd/telemetry"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()

	r.Get("/status", handlers.handleStatus)
	r.Get("/view", handlers.handleView)
	r.Get("/checkpoint", handlers.handleCheckpoint)
	r.Get("/threads", handlers.handleThreads)

	r.With(chiAuthMiddleware).Post("/maintenance/{mode}", handlers.handleSetMaintMode)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	if h := telemetry.GetMetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

// chiAuthMiddleware adapts AuthMiddleware for chi
func chiAuthMiddleware(next http.Handler) http.Handler {
	return AuthMiddleware(next)
}

func (h *AdminHandlers) handleSetMaintMode(w http.ResponseWriter, r *http.Request) {
	mode, err := status.ParseMaintMode(chi.URLParam(r, "mode"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	h.node.Globals().SetMaintMode(mode)
	log.Info().Str("mode", mode.String()).Msg("Maintenance mode set by operator")
	writeJSONResponse(w, h.node.Globals().Snapshot())
}
