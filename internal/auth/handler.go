package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"lesson-service/internal/httputil"
	"lesson-service/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

type Handler struct {
	service   *Service
	logger    *slog.Logger
	validator *validator.Validate
	metrics   *metrics.Metrics
}

func NewHandler(service *Service, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		service:   service,
		logger:    logger,
		validator: validator.New(),
		metrics:   m,
	}
}

func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Post("/auth/register", h.Register)
	router.Post("/auth/login", h.Login)
	router.Post("/auth/refresh", h.Refresh)
	router.Post("/auth/logout", h.Logout)
}

// Register creates a new user account
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode request", "error", err)
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("validation failed", "error", err)
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.Register(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrUsernameExists) {
			httputil.RespondWithError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("registration failed", "error", err)
		httputil.RespondWithError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.metrics.RecordUserRegistration(r.Context())

	SetAuthCookie(w, resp.AccessToken)
	httputil.RespondWithJSON(w, http.StatusCreated, resp)
}

// Login authenticates a user
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode request", "error", err)
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("validation failed", "error", err)
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			httputil.RespondWithError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.logger.Error("login failed", "error", err)
		httputil.RespondWithError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("user logged in", "username", req.Username)

	SetAuthCookie(w, resp.AccessToken)
	httputil.RespondWithJSON(w, http.StatusOK, resp)
}

// Refresh generates a new access token
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode request", "error", err)
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("validation failed", "error", err)
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.RefreshAccessToken(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			httputil.RespondWithError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.logger.Error("token refresh failed", "error", err)
		httputil.RespondWithError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	SetAuthCookie(w, resp.AccessToken)
	httputil.RespondWithJSON(w, http.StatusOK, resp)
}

// Logout invalidates the refresh token
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode request", "error", err)
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.service.Logout(r.Context(), req.RefreshToken); err != nil {
		h.logger.Error("logout failed", "error", err)
		httputil.RespondWithError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	ClearAuthCookie(w)
	httputil.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}
