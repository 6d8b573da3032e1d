package scheduling

import (
	"context"
	"errors"
	"fmt"

	"taskcenter/pkg/errutil"
	taskqueue "taskcenter/pkg/task"
	"taskcenter/services/task"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Reporter applies execution reports to Jobs.
type Reporter interface {
	Claim(ctx context.Context, trackID string) (*task.Job, error)
	Complete(ctx context.Context, trackID, result string) (*task.Job, error)
	Fail(ctx context.Context, trackID, detail string) (*task.Job, error)
}

// ReportHandler consumes claim, complete and fail reports from the report queue.
type ReportHandler struct {
	reporter Reporter
}

func NewReportHandler(tr *task.Tracker) *ReportHandler {
	return &ReportHandler{reporter: tr}
}

func RegisterReportHandlers(mux *asynq.ServeMux, h *ReportHandler) {
	mux.HandleFunc(taskqueue.TypeJobClaim, h.HandleClaim)
	mux.HandleFunc(taskqueue.TypeJobComplete, h.HandleComplete)
	mux.HandleFunc(taskqueue.TypeJobFail, h.HandleFail)
}

func (h *ReportHandler) HandleClaim(ctx context.Context, t *asynq.Task) error {
	return h.handle(ctx, t, func(p taskqueue.ReportPayload) (*task.Job, error) {
		return h.reporter.Claim(ctx, p.TrackID)
	})
}

func (h *ReportHandler) HandleComplete(ctx context.Context, t *asynq.Task) error {
	return h.handle(ctx, t, func(p taskqueue.ReportPayload) (*task.Job, error) {
		return h.reporter.Complete(ctx, p.TrackID, p.Result)
	})
}

func (h *ReportHandler) HandleFail(ctx context.Context, t *asynq.Task) error {
	return h.handle(ctx, t, func(p taskqueue.ReportPayload) (*task.Job, error) {
		return h.reporter.Fail(ctx, p.TrackID, p.Detail)
	})
}

func (h *ReportHandler) handle(ctx context.Context, t *asynq.Task, apply func(taskqueue.ReportPayload) (*task.Job, error)) error {
	p, err := taskqueue.ParseReport(t)
	if err != nil {
		zap.L().Warn("[Report] dropping malformed report", zap.String("task_type", t.Type()), zap.Error(err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	log := zap.L().With(zap.String("task_type", t.Type()), zap.String("track_id", p.TrackID))
	job, err := apply(p)
	if err != nil {
		if permanent(err) {
			log.Warn("[Report] report rejected", zap.Error(err))
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		log.Error("[Report] report failed, will retry", zap.Error(err))
		return err
	}

	log.Debug("[Report] report applied", zap.Int64("job_id", job.ID), zap.String("status", string(job.Status)))
	return nil
}

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	if errors.Is(err, taskqueue.ErrInvalidPayload) {
		return true
	}
	switch errutil.StatusOf(err) {
	case errutil.StatusNotFound, errutil.StatusBadRequest, errutil.StatusValidationFailed:
		return true
	}
	return false
}
