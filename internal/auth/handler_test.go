package auth_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"lesson-service/internal/auth"
	"lesson-service/internal/metrics"
	"lesson-service/internal/testdb"
	"lesson-service/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T, pg *testdb.PostgresContainer) *chi.Mux {
	t.Helper()

	m := metrics.NewMock()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	userRepo := user.NewRepository(pg.DB, m)
	authRepo := auth.NewRepository(pg.DB, m)
	service := auth.NewService(authRepo, userRepo)
	handler := auth.NewHandler(service, log, m)

	router := chi.NewRouter()
	handler.RegisterRoutes(router)
	return router
}

func postJSON(t *testing.T, router *chi.Mux, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAuthHandler(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pg := testdb.SetupSharedPostgres(t)
	pg.RunMigrations(t,
		(*user.User)(nil),
		(*auth.RefreshToken)(nil),
	)

	tables := []string{"refresh_tokens", "users"}

	t.Run("register creates account and sets cookie", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, tables...)
		router := setupRouter(t, pg)

		w := postJSON(t, router, "/auth/register", map[string]string{
			"username": "alice",
			"email":    "alice@example.com",
			"password": "password123",
		})
		require.Equal(t, http.StatusCreated, w.Code)

		var resp auth.AuthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.NotEmpty(t, resp.AccessToken)
		assert.NotEmpty(t, resp.RefreshToken)

		cookies := w.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, "token", cookies[0].Name)
	})

	t.Run("register rejects duplicate username", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, tables...)
		router := setupRouter(t, pg)

		payload := map[string]string{"username": "alice", "password": "password123"}
		w := postJSON(t, router, "/auth/register", payload)
		require.Equal(t, http.StatusCreated, w.Code)

		w = postJSON(t, router, "/auth/register", payload)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("register validates input", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, tables...)
		router := setupRouter(t, pg)

		w := postJSON(t, router, "/auth/register", map[string]string{
			"username": "al",
			"password": "short",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("login succeeds with valid credentials", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, tables...)
		router := setupRouter(t, pg)

		w := postJSON(t, router, "/auth/register", map[string]string{
			"username": "alice",
			"password": "password123",
		})
		require.Equal(t, http.StatusCreated, w.Code)

		w = postJSON(t, router, "/auth/login", map[string]string{
			"username": "alice",
			"password": "password123",
		})
		require.Equal(t, http.StatusOK, w.Code)

		var resp auth.AuthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.NotEmpty(t, resp.AccessToken)
	})

	t.Run("login rejects wrong password", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, tables...)
		router := setupRouter(t, pg)

		w := postJSON(t, router, "/auth/register", map[string]string{
			"username": "alice",
			"password": "password123",
		})
		require.Equal(t, http.StatusCreated, w.Code)

		w = postJSON(t, router, "/auth/login", map[string]string{
			"username": "alice",
			"password": "wrongpassword",
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("refresh rotates the access token", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, tables...)
		router := setupRouter(t, pg)

		w := postJSON(t, router, "/auth/register", map[string]string{
			"username": "alice",
			"password": "password123",
		})
		require.Equal(t, http.StatusCreated, w.Code)

		var registered auth.AuthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&registered))

		w = postJSON(t, router, "/auth/refresh", map[string]string{
			"refreshToken": registered.RefreshToken,
		})
		require.Equal(t, http.StatusOK, w.Code)

		var refreshed auth.AuthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&refreshed))
		assert.NotEmpty(t, refreshed.AccessToken)
	})

	t.Run("refresh rejects an unknown token", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, tables...)
		router := setupRouter(t, pg)

		w := postJSON(t, router, "/auth/refresh", map[string]string{
			"refreshToken": "does-not-exist",
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("logout invalidates the refresh token", func(t *testing.T) {
		testdb.CleanupTables(t, pg.DB, tables...)
		router := setupRouter(t, pg)

		w := postJSON(t, router, "/auth/register", map[string]string{
			"username": "alice",
			"password": "password123",
		})
		require.Equal(t, http.StatusCreated, w.Code)

		var registered auth.AuthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&registered))

		w = postJSON(t, router, "/auth/logout", map[string]string{
			"refreshToken": registered.RefreshToken,
		})
		require.Equal(t, http.StatusOK, w.Code)

		w = postJSON(t, router, "/auth/refresh", map[string]string{
			"refreshToken": registered.RefreshToken,
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
