package scheduling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"taskcenter/pkg/middleware"
	"taskcenter/services/schedule"
	"taskcenter/services/task"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func (e *testEnv) router() *gin.Engine {
	r := gin.New()
	r.Use(middleware.Error())
	RegisterBackendRoutes(r, NewBackendAPI(e.tasks, e.tracker))
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestBackendAPI_PullAndReport(t *testing.T) {
	env := newTestEnv(t, nil)
	r := env.router()
	created := env.createTask(task.CreateTaskRequest{Name: "post", Mode: schedule.ModeOnce, LimitCounts: 2})

	_, err := env.svc.Tick(context.Background())
	require.NoError(t, err)

	rec := do(r, http.MethodGet, "/v1/queues/q-id/jobs?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pulled struct {
		Jobs []JobView `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pulled))
	require.Len(t, pulled.Jobs, 2)

	first, second := pulled.Jobs[0], pulled.Jobs[1]
	require.NotEmpty(t, first.TrackID)
	require.Equal(t, created.ID, first.TaskID)

	rec = do(r, http.MethodPost, "/v1/jobs/"+first.TrackID+"/claim", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view JobView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, string(task.JobRunning), view.Status)

	rec = do(r, http.MethodPost, "/v1/jobs/"+first.TrackID+"/complete", `{"result":"posted"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(r, http.MethodGet, "/v1/jobs/"+first.TrackID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, string(task.JobSucceed), view.Status)
	require.Equal(t, first.JobID, view.JobID)

	rec = do(r, http.MethodPost, "/v1/jobs/"+second.TrackID+"/fail", `{"detail":"checkpoint"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, string(task.JobFailed), view.Status)

	// claimed and finished jobs are no longer pullable
	rec = do(r, http.MethodGet, "/v1/queues/q-id/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pulled))
	require.Empty(t, pulled.Jobs)

	got := env.reload(created.ID)
	require.Equal(t, 1, got.SucceedCounts)
	require.Equal(t, 1, got.FailedCounts)
}

func TestBackendAPI_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	r := env.router()

	rec := do(r, http.MethodPost, "/v1/jobs/unknown/claim", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(r, http.MethodGet, "/v1/jobs/unknown", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(r, http.MethodGet, "/v1/queues/q-id/jobs?limit=abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(r, http.MethodPost, "/v1/jobs/unknown/complete", `{"result":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
