package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealsphere/mealsphere/internal/observability"
	"github.com/mealsphere/mealsphere/internal/shared"
	"github.com/mealsphere/mealsphere/jobs"
	_ "github.com/mealsphere/mealsphere/testing"
)

func newTestRouter(t *testing.T, readiness map[string]Pinger) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &Config{AppEnv: "test", AppRequestTimeout: 5 * time.Second}
	return NewRouter(RouterParams{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:         cfg,
		SessionManager: shared.NewSessionManager(client, "test_session", time.Hour, false),
		CSRFManager:    shared.NewCSRFManager("csrf-secret"),
		JobHandler:     jobs.NewHandler(nil, "periods", nil),
		Metrics:        observability.NewMetrics(),
		Readiness:      readiness,
	})
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestReadyzReportsFailingDependency(t *testing.T) {
	router := newTestRouter(t, map[string]Pinger{
		"postgres": PingFunc(func(context.Context) error { return nil }),
		"redis":    PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"checks":{"postgres":"ok","redis":"unavailable"}}`, rec.Body.String())
}

func TestUnsafeRequestsRequireCSRFToken(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/session/csrf", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Token  string `json:"token"`
		Header string `json:"header"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.NotEmpty(t, body.Token)
	assert.Equal(t, shared.CSRFHeader, body.Header)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	req := httptest.NewRequest(http.MethodPost, "/jobs/health", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/jobs/health", nil)
	req.AddCookie(cookies[0])
	req.Header.Set(shared.CSRFHeader, "forged")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// A valid token gets past CSRF; the route itself only accepts GET.
	req = httptest.NewRequest(http.MethodPost, "/jobs/health", nil)
	req.AddCookie(cookies[0])
	req.Header.Set(shared.CSRFHeader, body.Token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestJobsHealthWithoutInspector(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queue":"periods","pending":0,"active":0,"retry":0,"archived":0,"paused":false,"processed_today":0,"failed_today":0}`, rec.Body.String())
}
