package user

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"lesson-service/internal/authctx"
	"lesson-service/internal/httputil"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

type Handler struct {
	service  Service
	validate *validator.Validate
	logger   *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		validate: validator.New(),
		logger:   logger,
	}
}

// RegisterRoutes mounts the self-service endpoints (auth required).
func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Get("/json/my/profile", h.GetMyProfile)
	router.Get("/json/my/details", h.GetMyDetails)
	router.Put("/json/my/details", h.UpsertMyDetails)
	router.Get("/json/my/children", h.GetMyChildren)
	router.Post("/json/my/children", h.AddMyChild)
	router.Delete("/json/my/children/{child_id}", h.RemoveMyChild)
}

// RegisterAdminRoutes mounts the admin user management endpoints.
func (h *Handler) RegisterAdminRoutes(router chi.Router) {
	router.Get("/json/admin/users", h.GetAllUsers)
	router.Get("/json/admin/users/{user_id}", h.GetUser)
	router.Delete("/json/admin/users/{user_id}", h.DeleteUser)
}

func (h *Handler) GetMyProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := authctx.GetUserID(r.Context())
	if !ok {
		httputil.RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	u, err := h.service.GetUserByID(r.Context(), userID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, u)
}

func (h *Handler) GetMyDetails(w http.ResponseWriter, r *http.Request) {
	userID, ok := authctx.GetUserID(r.Context())
	if !ok {
		httputil.RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	detail, err := h.service.GetDetail(r.Context(), userID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, detail)
}

func (h *Handler) UpsertMyDetails(w http.ResponseWriter, r *http.Request) {
	userID, ok := authctx.GetUserID(r.Context())
	if !ok {
		httputil.RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req DetailUpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.logger.Warn("validation failed", "error", err)
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	detail, err := h.service.UpsertDetail(r.Context(), userID, req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, detail)
}

func (h *Handler) GetMyChildren(w http.ResponseWriter, r *http.Request) {
	userID, ok := authctx.GetUserID(r.Context())
	if !ok {
		httputil.RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	children, err := h.service.Children(r.Context(), userID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, children)
}

func (h *Handler) AddMyChild(w http.ResponseWriter, r *http.Request) {
	userID, ok := authctx.GetUserID(r.Context())
	if !ok {
		httputil.RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ChildCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.logger.Warn("validation failed", "error", err)
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.InfoContext(r.Context(), "registering child", "user_id", userID)
	child, err := h.service.AddChild(r.Context(), userID, req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusCreated, child)
}

func (h *Handler) RemoveMyChild(w http.ResponseWriter, r *http.Request) {
	userID, ok := authctx.GetUserID(r.Context())
	if !ok {
		httputil.RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	childID, err := strconv.Atoi(chi.URLParam(r, "child_id"))
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid child ID")
		return
	}

	if err := h.service.RemoveChild(r.Context(), userID, childID); err != nil {
		h.handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetAllUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.GetAllUsers(r.Context())
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, users)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "user_id"))
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid user ID")
		return
	}

	u, err := h.service.GetUserByID(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, u)
}

func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "user_id"))
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid user ID")
		return
	}

	h.logger.InfoContext(r.Context(), "deleting user", "user_id", id)
	if err := h.service.DeleteUser(r.Context(), id); err != nil {
		h.handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrDetailNotFound), errors.Is(err, ErrChildNotFound):
		httputil.RespondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidInput):
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("internal error", "error", err)
		httputil.RespondWithError(w, http.StatusInternalServerError, "internal server error")
	}
}
