package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"maintflow/api/handlers/engine"
	"maintflow/internal/admin"
	"maintflow/internal/jobs"
	"maintflow/internal/maintenance"
	"maintflow/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRouter_EndToEnd(t *testing.T) {
	models := append(maintenance.Models(), &jobs.Job{})
	db := testutil.NewDB(t, models...)
	runner := jobs.NewRunner(jobs.NewGormStore(db), jobs.WithLogger(zaptest.NewLogger(t)))
	svc := admin.NewService(runner, maintenance.NewRepository(db), zaptest.NewLogger(t))

	router := NewRouter(gin.TestMode)
	RegisterRoutes(router, db, nil, &Handlers{Engine: engine.NewHandler(svc)})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Empty(t, health.Redis)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/engine/scans", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.NotEmpty(t, w.Header().Get(traceHeader))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/engine/jobs/1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"jobType":"escalation_check"`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "maintflow_api_requests_total")
}
