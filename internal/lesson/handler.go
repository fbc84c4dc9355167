package lesson

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"lesson-service/internal/auth"
	"lesson-service/internal/httputil"
	"lesson-service/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

type Handler struct {
	service  *Service
	validate *validator.Validate
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewHandler(service *Service, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		service:  service,
		validate: validator.New(),
		logger:   logger,
		metrics:  m,
	}
}

// RegisterRoutes mounts the authenticated enrollment endpoints.
func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Get("/json/lessons", h.ListActive)
	router.Get("/lessons/refresh/capacity", h.RefreshCapacity)
	router.Get("/lessons/{lesson_id}", h.GetLesson)
	router.Post("/lessons/{lesson_id}", h.SignUp)
	router.Delete("/my/lessons/{lesson_id}", h.Cancel)
	router.Get("/json/my/lessons", h.MyLessons)
	router.Get("/json/my/lessons/position", h.MyPositions)
	router.Get("/json/my/lessons/{lesson_id}/position", h.GetPosition)
	router.Get("/json/lessons/{lesson_id}/applicants", h.GetApplicants)
}

// RegisterAdminRoutes mounts the admin lesson management endpoints.
func (h *Handler) RegisterAdminRoutes(router chi.Router) {
	router.Get("/json/admin/lessons", h.ListAdmin)
	router.Post("/json/admin/lessons/create", h.ImportLessons)
	router.Post("/admin/lessons", h.CreateLesson)
	router.Patch("/admin/lessons/{lesson_id}", h.UpdateLesson)
	router.Delete("/admin/lessons/{lesson_id}", h.DeleteLesson)
	router.Get("/json/admin/lessons/users", h.GetRosters)
	router.Get("/json/admin/lessons/{lesson_id}/users", h.GetMembers)
	router.Get("/json/admin/users/lessons", h.GetUserSummaries)
	router.Get("/json/admin/user/{user_id}/lessons", h.GetUserLessons)
	router.Post("/admin/user/{user_id}/lessons/{lesson_id}", h.AdminSignUp)
	router.Delete("/admin/users/{username}/remove/{lesson_id}", h.AdminRemove)
	router.Post("/admin/user/{user_id}/lesson/{lesson_id}/enter-children", h.EnterChildren)
}

func lessonIDParam(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "lesson_id"))
}

func (h *Handler) ListActive(w http.ResponseWriter, r *http.Request) {
	lessons, err := h.service.ActiveLessons(r.Context(), auth.IsAdmin(r.Context()))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, lessons)
}

func (h *Handler) GetLesson(w http.ResponseWriter, r *http.Request) {
	id, err := lessonIDParam(r)
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid lesson ID")
		return
	}

	lesson, err := h.service.GetLesson(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, lesson)
}

func (h *Handler) MyLessons(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		httputil.RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	lessons, err := h.service.MyLessons(r.Context(), userID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, lessons)
}

func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		httputil.RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	lessonID, err := lessonIDParam(r)
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid lesson ID")
		return
	}

	h.logger.InfoContext(r.Context(), "signup requested", "user_id", userID, "lesson_id", lessonID)
	lessons, err := h.service.SignUp(r.Context(), userID, lessonID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.metrics.RecordSignup(r.Context())
	httputil.RespondWithJSON(w, http.StatusOK, lessons)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		httputil.RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	lessonID, err := lessonIDParam(r)
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid lesson ID")
		return
	}

	h.logger.InfoContext(r.Context(), "cancel requested", "user_id", userID, "lesson_id", lessonID)
	lesson, err := h.service.Cancel(r.Context(), userID, lessonID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.metrics.RecordCancellation(r.Context())
	httputil.RespondWithJSON(w, http.StatusOK, lesson)
}

func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		httputil.RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	lessonID, err := lessonIDParam(r)
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid lesson ID")
		return
	}

	position, err := h.service.PositionOf(r.Context(), userID, lessonID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.metrics.RecordPositionQuery(r.Context())
	httputil.RespondWithJSON(w, http.StatusOK, position)
}

func (h *Handler) MyPositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		httputil.RespondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	positions, err := h.service.Positions(r.Context(), userID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.metrics.RecordPositionQuery(r.Context())
	httputil.RespondWithJSON(w, http.StatusOK, positions)
}

// ListAdmin lists the active period's lessons without the window gate.
func (h *Handler) ListAdmin(w http.ResponseWriter, r *http.Request) {
	lessons, err := h.service.LessonsOfActivePeriod(r.Context())
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, lessons)
}

func (h *Handler) GetUserLessons(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.Atoi(chi.URLParam(r, "user_id"))
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid user ID")
		return
	}

	lessons, err := h.service.MyLessons(r.Context(), userID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, lessons)
}

func (h *Handler) CreateLesson(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.logger.Warn("validation failed", "error", err)
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	lesson, err := h.service.CreateLesson(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusCreated, lesson)
}

func (h *Handler) ImportLessons(w http.ResponseWriter, r *http.Request) {
	var reqs []CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, req := range reqs {
		if err := h.validate.Struct(req); err != nil {
			h.logger.Warn("validation failed", "error", err)
			httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	h.logger.InfoContext(r.Context(), "importing lessons", "count", len(reqs))
	if err := h.service.ImportLessons(r.Context(), reqs); err != nil {
		h.handleServiceError(w, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusCreated, map[string]int{"imported": len(reqs)})
}

func (h *Handler) UpdateLesson(w http.ResponseWriter, r *http.Request) {
	id, err := lessonIDParam(r)
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid lesson ID")
		return
	}

	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.logger.Warn("validation failed", "error", err)
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	lesson, err := h.service.UpdateLesson(r.Context(), id, req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, lesson)
}

func (h *Handler) DeleteLesson(w http.ResponseWriter, r *http.Request) {
	id, err := lessonIDParam(r)
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid lesson ID")
		return
	}

	h.logger.InfoContext(r.Context(), "deleting lesson", "lesson_id", id)
	if err := h.service.DeleteLesson(r.Context(), id); err != nil {
		h.handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RefreshCapacity(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(r.URL.Query().Get("year"))
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid year")
		return
	}

	h.logger.InfoContext(r.Context(), "refreshing capacity", "year", year)
	lessons, err := h.service.RefreshCapacity(r.Context(), year)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.metrics.RecordCapacityRefresh(r.Context())
	httputil.RespondWithJSON(w, http.StatusOK, lessons)
}

func (h *Handler) GetMembers(w http.ResponseWriter, r *http.Request) {
	lessonID, err := lessonIDParam(r)
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid lesson ID")
		return
	}

	members, err := h.service.MembersOfLesson(r.Context(), lessonID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, members)
}

func (h *Handler) GetApplicants(w http.ResponseWriter, r *http.Request) {
	lessonID, err := lessonIDParam(r)
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid lesson ID")
		return
	}

	applicants, err := h.service.Applicants(r.Context(), lessonID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, applicants)
}

func (h *Handler) AdminSignUp(w http.ResponseWriter, r *http.Request) {
	lessonID, err := lessonIDParam(r)
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid lesson ID")
		return
	}
	userID, err := strconv.Atoi(chi.URLParam(r, "user_id"))
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid user ID")
		return
	}

	h.logger.InfoContext(r.Context(), "admin signup", "user_id", userID, "lesson_id", lessonID)
	lessons, err := h.service.AdminSignUp(r.Context(), userID, lessonID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.metrics.RecordSignup(r.Context())
	httputil.RespondWithJSON(w, http.StatusOK, lessons)
}

func (h *Handler) AdminRemove(w http.ResponseWriter, r *http.Request) {
	lessonID, err := lessonIDParam(r)
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid lesson ID")
		return
	}
	username := chi.URLParam(r, "username")
	if username == "" {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid username")
		return
	}

	h.logger.InfoContext(r.Context(), "admin remove", "username", username, "lesson_id", lessonID)
	msg, err := h.service.AdminRemove(r.Context(), username, lessonID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.metrics.RecordCancellation(r.Context())
	httputil.RespondWithJSON(w, http.StatusOK, map[string]string{"message": msg})
}

func (h *Handler) EnterChildren(w http.ResponseWriter, r *http.Request) {
	lessonID, err := lessonIDParam(r)
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid lesson ID")
		return
	}
	userID, err := strconv.Atoi(chi.URLParam(r, "user_id"))
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "invalid user ID")
		return
	}

	entered, err := h.service.EnterChildren(r.Context(), userID, lessonID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, map[string]bool{"entered": entered})
}

func (h *Handler) GetRosters(w http.ResponseWriter, r *http.Request) {
	rosters, err := h.service.Rosters(r.Context())
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, rosters)
}

func (h *Handler) GetUserSummaries(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.service.UserSummaries(r.Context())
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, summaries)
}

func (h *Handler) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUserNotFound):
		httputil.RespondWithError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrSignupNotOpen), errors.Is(err, ErrWrongPeriod):
		httputil.RespondWithError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrLessonNotFound), errors.Is(err, ErrNotSignedUp):
		httputil.RespondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrOutdated):
		httputil.RespondWithError(w, http.StatusNotAcceptable, err.Error())
	case errors.Is(err, ErrLessonFull), errors.Is(err, ErrNotChildrensLesson):
		httputil.RespondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidInput):
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("internal error", "error", err)
		httputil.RespondWithError(w, http.StatusInternalServerError, "internal server error")
	}
}
