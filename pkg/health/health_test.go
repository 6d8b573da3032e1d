package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"taskcenter/services/testutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func get(t *testing.T, h HealthService, path string) (int, Health) {
	t.Helper()
	r := gin.New()
	r.GET("/health/liveness", h.Liveness)
	r.GET("/health/readiness", h.Readiness)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var out Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec.Code, out
}

func TestLiveness(t *testing.T) {
	code, out := get(t, ProvideHealth(HealthParams{}), "/health/liveness")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, statusHealthy, out.Status)
}

func TestReadiness_Database(t *testing.T) {
	db := testutil.NewTestDB(t)
	h := ProvideHealth(HealthParams{DB: db})

	code, out := get(t, h, "/health/readiness")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out.Deps, 1)
	require.Equal(t, "sqlite", out.Deps[0].Name)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	code, out = get(t, h, "/health/readiness")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, statusUnhealthy, out.Status)
	require.Equal(t, statusUnhealthy, out.Deps[0].Status)
}
