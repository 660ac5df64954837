package handler

import (
	"log/slog"
	"net/http"

	"github.com/S1riyS/jffs2-server/internal/middleware"
)

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// System endpoints
	mux.HandleFunc("/health", h.HandleHealthCheck)

	// API endpoints
	mux.HandleFunc("/api/msg", h.HandleMessage)
	mux.HandleFunc("/api/mount", h.HandleMount)
}

// NewRouter returns the routes with logger and a request id attached to
// every request.
func (h *Handler) NewRouter(logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return middleware.RequestContext(logger)(mux)
}
