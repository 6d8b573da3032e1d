package scheduling

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"taskcenter/pkg/errutil"
	"taskcenter/services/task"

	"github.com/gin-gonic/gin"
)

const defaultPullLimit = 50

// JobPuller lists dispatched Jobs waiting on a queue and looks single Jobs up.
type JobPuller interface {
	PullJobs(ctx context.Context, queue string, limit int) ([]task.Job, error)
	GetJob(ctx context.Context, trackID string) (*task.Job, error)
}

// JobView is the wire shape of a Job handed to an execution backend.
type JobView struct {
	TrackID   string     `json:"track_id"`
	JobID     int64      `json:"job_id"`
	TaskID    int64      `json:"task_id"`
	AccountID int64      `json:"account_id"`
	Queue     string     `json:"queue"`
	Status    string     `json:"status"`
	RunAt     time.Time  `json:"run_at"`
	StartTime *time.Time `json:"start_time,omitempty"`
}

func toJobView(j task.Job) JobView {
	v := JobView{
		JobID:     j.ID,
		TaskID:    j.TaskID,
		AccountID: j.AccountID,
		Queue:     j.Queue,
		Status:    string(j.Status),
		RunAt:     j.RunAt,
		StartTime: j.StartTime,
	}
	if j.TrackID != nil {
		v.TrackID = *j.TrackID
	}
	return v
}

type reportRequest struct {
	Result string `json:"result"`
	Detail string `json:"detail"`
}

// BackendAPI is the HTTP face of the execution-backend contract for backends that poll
// instead of consuming asynq queues.
type BackendAPI struct {
	jobs     JobPuller
	reporter Reporter
}

func NewBackendAPI(svc *task.Service, tr *task.Tracker) *BackendAPI {
	return &BackendAPI{jobs: svc, reporter: tr}
}

func RegisterBackendRoutes(r *gin.Engine, api *BackendAPI) {
	v1 := r.Group("/v1")
	v1.GET("/queues/:queue/jobs", api.Pull)
	v1.GET("/jobs/:track_id", api.Get)
	v1.POST("/jobs/:track_id/claim", api.Claim)
	v1.POST("/jobs/:track_id/complete", api.Complete)
	v1.POST("/jobs/:track_id/fail", api.Fail)
}

func (a *BackendAPI) Pull(c *gin.Context) {
	limit := defaultPullLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			_ = c.Error(errutil.BadRequest("limit must be a positive integer", err))
			return
		}
		limit = n
	}

	jobs, err := a.jobs.PullJobs(c.Request.Context(), c.Param("queue"), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}

	out := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobView(j))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

func (a *BackendAPI) Get(c *gin.Context) {
	job, err := a.jobs.GetJob(c.Request.Context(), c.Param("track_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toJobView(*job))
}

func (a *BackendAPI) Claim(c *gin.Context) {
	a.report(c, func(ctx context.Context, trackID string, _ reportRequest) (*task.Job, error) {
		return a.reporter.Claim(ctx, trackID)
	})
}

func (a *BackendAPI) Complete(c *gin.Context) {
	a.report(c, func(ctx context.Context, trackID string, req reportRequest) (*task.Job, error) {
		return a.reporter.Complete(ctx, trackID, req.Result)
	})
}

func (a *BackendAPI) Fail(c *gin.Context) {
	a.report(c, func(ctx context.Context, trackID string, req reportRequest) (*task.Job, error) {
		return a.reporter.Fail(ctx, trackID, req.Detail)
	})
}

func (a *BackendAPI) report(c *gin.Context, apply func(context.Context, string, reportRequest) (*task.Job, error)) {
	var req reportRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errutil.BadRequest("invalid report body", err))
			return
		}
	}

	job, err := apply(c.Request.Context(), c.Param("track_id"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toJobView(*job))
}
