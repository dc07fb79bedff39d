package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"capstone-brain/backend/pkg/config"
	"capstone-brain/backend/pkg/di"
	"capstone-brain/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("JWT_SECRET", "")

	cfg := &config.Config{}
	cfg.Server.Env = "test"
	cfg.Store.Driver = config.StoreSQLite
	cfg.Database.SQLitePath = filepath.Join(t.TempDir(), "router.db")
	cfg.Broker.Driver = config.DriverMemory
	cfg.Broker.Queue = "userapi_queue"
	cfg.Relay.CacheDriver = config.DriverMemory
	cfg.Relay.ResultTTL = time.Minute
	cfg.Relay.PollDeadline = time.Minute
	cfg.Relay.MaxAttempts = 1
	cfg.JWT.Secret = "router-secret"
	cfg.JWT.Issuer = "brain-api"
	cfg.JWT.Audience = "brain-clients"
	cfg.JWT.Expiry = time.Hour
	cfg.Security.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Security.RateLimit = 1000
	cfg.Security.RateLimitBurst = 1000
	cfg.Security.MaxBodySize = 1 << 16

	c, err := di.New(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("relay_requests_total 0\n"))
	})
	r := New(c, nil, metrics)
	require.NoError(t, r.SetupRoutes())
	return r
}

func serve(r *Router, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.Engine.ServeHTTP(w, req)
	return w
}

func TestHealthRoutes(t *testing.T) {
	r := newTestRouter(t)
	r.Container.Health.RunChecks(context.Background())

	for _, path := range []string{"/health", "/api/health"} {
		w := serve(r, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, w.Code, path)

		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["status"])
	}
}

func TestMetricsAndDocs(t *testing.T) {
	r := newTestRouter(t)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "relay_requests_total")

	w = serve(r, httptest.NewRequest(http.MethodGet, "/api/docs/openapi.yaml", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/Chat/SendMessage")
}

func TestSchemaValidation(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/User/Create", strings.NewReader(`{"email": 5, "password": "password1"}`))
	req.Header.Set("Content-Type", "application/json")
	w := serve(r, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_REQUEST")

	long := strings.Repeat("p", 100)
	req = httptest.NewRequest(http.MethodPost, "/User/Create", strings.NewReader(`{"email": "alice@example.com", "password": "`+long+`"}`))
	req.Header.Set("Content-Type", "application/json")
	w = serve(r, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/User/Create", strings.NewReader(`{"email": "alice@example.com", "password": "password1"}`))
	req.Header.Set("Content-Type", "application/json")
	w = serve(r, req)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	r := newTestRouter(t)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/Chat/List", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "AUTH_REQUIRED")
}

func TestCORS(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/Chat/List", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := serve(r, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = serve(r, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
