package lesson_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lesson-service/internal/auth"
	"lesson-service/internal/lesson"
	"lesson-service/internal/metrics"
	"lesson-service/internal/period"
	"lesson-service/internal/testdb"
	"lesson-service/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

type testEnv struct {
	router  *chi.Mux
	users   user.Repository
	service *lesson.Service
}

func setupEnv(t *testing.T, pg *testdb.PostgresContainer, now time.Time) *testEnv {
	t.Helper()

	m := metrics.NewMock()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	userRepo := user.NewRepository(pg.DB, m)
	lessonRepo := lesson.NewRepository(pg.DB, m)
	service := lesson.NewService(lessonRepo, userRepo, lesson.Config{
		Period: period.Period{Year: 2025, Season: 1},
		Window: period.Window{Start: now.Add(-time.Hour), TestStart: now.Add(-2 * time.Hour)},
		Clock:  fixedClock{now: now},
	}, nil, log)
	handler := lesson.NewHandler(service, log, m)

	router := chi.NewRouter()
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(log))
		handler.RegisterRoutes(r)

		r.Group(func(admin chi.Router) {
			admin.Use(auth.RequireAdmin(log))
			handler.RegisterAdminRoutes(admin)
		})
	})

	return &testEnv{
		router:  router,
		users:   userRepo,
		service: service,
	}
}

func (env *testEnv) createUser(t *testing.T, username string, isAdmin bool) *user.User {
	t.Helper()
	u, err := env.users.Create(context.Background(), &user.User{
		Username: username,
		Password: "hashed",
		IsActive: true,
		IsAdmin:  isAdmin,
	})
	require.NoError(t, err)
	return u
}

func (env *testEnv) request(t *testing.T, u *user.User, method, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	if u != nil {
		token, err := auth.GenerateAccessToken(u.ID, u.Username, u.IsAdmin)
		require.NoError(t, err)
		req.AddCookie(&http.Cookie{Name: "token", Value: token})
	}

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func TestLessonHandler(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pg := testdb.SetupSharedPostgres(t)
	pg.RunMigrations(t,
		(*user.User)(nil),
		(*user.Detail)(nil),
		(*user.Child)(nil),
		(*lesson.Lesson)(nil),
		(*lesson.Member)(nil),
		(*lesson.ChildMember)(nil),
	)

	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, period.JST)
	tables := []string{"lesson_child_members", "lesson_members", "lessons", "user_children", "user_details", "users"}

	createLesson := func(t *testing.T, env *testEnv, year, season int) *lesson.Lesson {
		t.Helper()
		capacity := 10
		l, err := env.service.CreateLesson(ctx, lesson.CreateRequest{
			Number: 1, Title: "Pottery", Year: year, Season: season, Capacity: &capacity,
		})
		require.NoError(t, err)
		return l
	}

	t.Run("signup returns the user's lessons", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, tables...)
		env := setupEnv(t, pg, now)

		alice := env.createUser(t, "alice", false)
		l := createLesson(t, env, 2025, 1)

		w := env.request(t, alice, http.MethodPost, fmt.Sprintf("/lessons/%d", l.ID))
		require.Equal(t, http.StatusOK, w.Code)

		var lessons []lesson.Lesson
		require.NoError(t, json.NewDecoder(w.Body).Decode(&lessons))
		require.Len(t, lessons, 1)
		assert.Equal(t, l.ID, lessons[0].ID)
	})

	t.Run("signup without a token is unauthorized", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, tables...)
		env := setupEnv(t, pg, now)
		l := createLesson(t, env, 2025, 1)

		w := env.request(t, nil, http.MethodPost, fmt.Sprintf("/lessons/%d", l.ID))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("signup to another period is forbidden", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, tables...)
		env := setupEnv(t, pg, now)

		alice := env.createUser(t, "alice", false)
		stale := createLesson(t, env, 2024, 2)

		w := env.request(t, alice, http.MethodPost, fmt.Sprintf("/lessons/%d", stale.ID))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("cancel of an outdated lesson is not acceptable", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, tables...)
		env := setupEnv(t, pg, now)

		alice := env.createUser(t, "alice", false)
		stale := createLesson(t, env, 2024, 2)

		w := env.request(t, alice, http.MethodDelete, fmt.Sprintf("/my/lessons/%d", stale.ID))
		assert.Equal(t, http.StatusNotAcceptable, w.Code)
	})

	t.Run("cancel without membership is not found", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, tables...)
		env := setupEnv(t, pg, now)

		alice := env.createUser(t, "alice", false)
		l := createLesson(t, env, 2025, 1)

		w := env.request(t, alice, http.MethodDelete, fmt.Sprintf("/my/lessons/%d", l.ID))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("position uses the documented JSON keys", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, tables...)
		env := setupEnv(t, pg, now)

		alice := env.createUser(t, "alice", false)
		l := createLesson(t, env, 2025, 1)

		w := env.request(t, alice, http.MethodPost, fmt.Sprintf("/lessons/%d", l.ID))
		require.Equal(t, http.StatusOK, w.Code)

		w = env.request(t, alice, http.MethodGet, fmt.Sprintf("/json/my/lessons/%d/position", l.ID))
		require.Equal(t, http.StatusOK, w.Code)

		var body map[string]int
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, l.ID, body["lesson_id"])
		assert.Equal(t, 1, body["user_position"])
	})

	t.Run("unknown lesson is not found", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, tables...)
		env := setupEnv(t, pg, now)

		alice := env.createUser(t, "alice", false)

		w := env.request(t, alice, http.MethodPost, "/lessons/9999")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("admin routes reject regular users", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, tables...)
		env := setupEnv(t, pg, now)

		alice := env.createUser(t, "alice", false)

		w := env.request(t, alice, http.MethodGet, "/json/admin/lessons/users")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("admin reads rosters and refreshes capacity", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, tables...)
		env := setupEnv(t, pg, now)

		admin := env.createUser(t, "admin", true)
		alice := env.createUser(t, "alice", false)
		l := createLesson(t, env, 2025, 1)

		w := env.request(t, alice, http.MethodPost, fmt.Sprintf("/lessons/%d", l.ID))
		require.Equal(t, http.StatusOK, w.Code)

		w = env.request(t, admin, http.MethodGet, "/json/admin/lessons/users")
		require.Equal(t, http.StatusOK, w.Code)

		var rosters []lesson.Roster
		require.NoError(t, json.NewDecoder(w.Body).Decode(&rosters))
		require.Len(t, rosters, 1)
		assert.Len(t, rosters[0].Members, 1)

		w = env.request(t, admin, http.MethodGet, "/lessons/refresh/capacity?year=2025")
		require.Equal(t, http.StatusOK, w.Code)

		var lessons []lesson.Lesson
		require.NoError(t, json.NewDecoder(w.Body).Decode(&lessons))
		require.Len(t, lessons, 1)
		require.NotNil(t, lessons[0].CapacityLeft)
		assert.Equal(t, 9, *lessons[0].CapacityLeft)
	})

	t.Run("admin enrolls and removes a user", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, tables...)
		env := setupEnv(t, pg, now)

		admin := env.createUser(t, "admin", true)
		alice := env.createUser(t, "alice", false)
		l := createLesson(t, env, 2025, 1)

		w := env.request(t, admin, http.MethodPost, fmt.Sprintf("/admin/user/%d/lessons/%d", alice.ID, l.ID))
		require.Equal(t, http.StatusOK, w.Code)

		w = env.request(t, admin, http.MethodDelete, fmt.Sprintf("/admin/users/alice/remove/%d", l.ID))
		require.Equal(t, http.StatusOK, w.Code)

		w = env.request(t, alice, http.MethodGet, fmt.Sprintf("/json/my/lessons/%d/position", l.ID))
		require.Equal(t, http.StatusOK, w.Code)

		var body map[string]int
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, 0, body["user_position"])
	})
}
