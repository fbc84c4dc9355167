package health

import (
	"net/http"

	"lesson-service/internal/httputil"

	"github.com/go-chi/chi/v5"
)

type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Get("/health", h.Health)
	router.Get("/ready", h.Ready)
}

type HealthResponse struct {
	Status string `json:"status"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.RespondWithJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	httputil.RespondWithJSON(w, http.StatusOK, HealthResponse{Status: "ready"})
}
