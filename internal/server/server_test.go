package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"plaza/internal/bootstrap"
	"plaza/internal/config"
	"plaza/internal/docstore"
	"plaza/internal/models"
	"plaza/internal/repository"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-12345678901234567890123456789012"

type testServer struct {
	t   *testing.T
	rt  *bootstrap.Runtime
	srv *Server
	app *fiber.App
}

func newTestServer(t *testing.T, flags string) *testServer {
	t.Helper()
	t.Setenv("APP_ENV", "test")

	cfg := &config.Config{
		Port:                 "0",
		Env:                  "test",
		AllowedOrigins:       "http://localhost:5173",
		FeatureFlags:         flags,
		JWTSecret:            testSecret,
		StoreBackend:         "memory",
		StoreMaxInFilter:     3,
		StoreTimeoutMS:       1000,
		JournalDriver:        "sqlite",
		JournalDSN:           ":memory:",
		FollowRetryAttempts:  2,
		FollowRetryInitialMS: 1,
		FollowRetryMaxMS:     5,
		PairLockTTLMS:        1000,
	}

	ctx := context.Background()
	rt, err := bootstrap.InitRuntime(ctx, cfg, bootstrap.Options{SkipRedis: true})
	require.NoError(t, err)

	srv := NewServer(cfg, rt)
	t.Cleanup(func() {
		_ = srv.Shutdown(ctx)
		_ = rt.Close(ctx)
	})
	return &testServer{t: t, rt: rt, srv: srv, app: srv.App()}
}

func (ts *testServer) token(sub string) string {
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(ts.t, err)
	return signed
}

// do sends a request as sub ("" for anonymous) with an optional JSON body.
func (ts *testServer) do(method, path, sub string, body any) *http.Response {
	ts.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sub != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token(sub))
	}
	resp, err := ts.app.Test(req, -1)
	require.NoError(ts.t, err)
	ts.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// signup creates the profile for sub and returns it.
func (ts *testServer) signup(sub, name string) models.User {
	ts.t.Helper()
	resp := ts.do(http.MethodPost, "/api/users/me", sub, fiber.Map{
		"display_name": name,
		"email":        sub + "@example.com",
	})
	require.Equal(ts.t, http.StatusCreated, resp.StatusCode)
	return decode[models.User](ts.t, resp)
}

func (ts *testServer) makeAdmin(userID string) {
	ts.t.Helper()
	err := ts.rt.Store.Update(context.Background(), repository.UsersCollection, userID,
		[]docstore.Mutation{docstore.Set("role", string(models.RoleAdmin))})
	require.NoError(ts.t, err)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", models.NewValidationError("bad"), http.StatusBadRequest},
		{"self follow", models.NewSelfFollowError(), http.StatusBadRequest},
		{"invalid handle", models.NewInvalidHandleError("x", "too short"), http.StatusBadRequest},
		{"unauthorized", models.NewUnauthorizedError("no"), http.StatusUnauthorized},
		{"forbidden", models.NewForbiddenError("no"), http.StatusForbidden},
		{"not found", models.NewNotFoundError("User", "u1"), http.StatusNotFound},
		{"handle taken", models.NewHandleTakenError("ada"), http.StatusConflict},
		{"contention", models.NewConcurrentModificationError("User", "u1"), http.StatusConflict},
		{"unavailable", models.NewUnavailableError(errors.New("down")), http.StatusServiceUnavailable},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{"partial", &models.PartialFollowError{Op: models.GraphOp("follow")}, http.StatusAccepted},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestHealthChecks(t *testing.T) {
	ts := newTestServer(t, "")

	resp := ts.do(http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(http.MethodGet, "/health/ready", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "healthy", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "healthy", checks["store"])
	assert.Equal(t, "healthy", checks["journal"])
	assert.Equal(t, "unavailable", checks["redis"])
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, "")

	for _, path := range []string{"/api/users/me", "/api/feed/following", "/api/notifications", "/api/preferences"} {
		resp := ts.do(http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestAdminRoutes(t *testing.T) {
	ts := newTestServer(t, "live_feed=on")
	ts.signup("alice", "Alice")
	ts.signup("root", "Root")
	ts.makeAdmin("root")

	resp := ts.do(http.MethodGet, "/api/admin/flags", "alice", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.do(http.MethodGet, "/api/admin/flags", "ghost", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.do(http.MethodGet, "/api/admin/flags", "root", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	flags := decode[map[string]any](t, resp)
	assert.Equal(t, true, flags["evaluated"].(map[string]any)["live_feed"])

	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/api/users/alice/follow", "root", nil).StatusCode)

	resp = ts.do(http.MethodPost, "/api/admin/reconcile", "root", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[map[string]any](t, resp)
	assert.Equal(t, true, report["clean"])
}

func TestWebSocketRoutes(t *testing.T) {
	ts := newTestServer(t, "")
	ts.signup("alice", "Alice")

	t.Run("no token", func(t *testing.T) {
		resp := ts.do(http.MethodGet, "/api/ws", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("plain request with query token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/ws?token="+ts.token("alice"), nil)
		resp, err := ts.app.Test(req, -1)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
	})

	t.Run("live feed flag off", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/ws/feed?token="+ts.token("alice"), nil)
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", "websocket")
		resp, err := ts.app.Test(req, -1)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestParsePageRejectsBadLimit(t *testing.T) {
	ts := newTestServer(t, "")

	resp := ts.do(http.MethodGet, "/api/feed/for-you?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(http.MethodGet, "/api/feed/for-you?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(http.MethodGet, "/api/feed/for-you?limit=500", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
