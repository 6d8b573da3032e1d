package task

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskcenter/pkg/errutil"
	"taskcenter/pkg/metrics"
	"taskcenter/services/account"
	"taskcenter/services/agent"
	"taskcenter/services/schedule"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// cancelAttempts bounds re-reads when a pending Job is dispatched while being cancelled.
const cancelAttempts = 3

// Tracker owns the Job state machine and folds Job outcomes back into the Task.
type Tracker struct {
	db         *gorm.DB
	locker     *account.Locker
	dispatcher *agent.Dispatcher
	clock      schedule.Clock
	metrics    *metrics.Metrics
}

type TrackerParams struct {
	fx.In
	DB         *gorm.DB
	Locker     *account.Locker
	Dispatcher *agent.Dispatcher
	Clock      schedule.Clock   `optional:"true"`
	Metrics    *metrics.Metrics `optional:"true"`
}

func NewTracker(p TrackerParams) *Tracker {
	clock := p.Clock
	if clock == nil {
		clock = schedule.SystemClock
	}
	return &Tracker{
		db:         p.DB,
		locker:     p.Locker,
		dispatcher: p.Dispatcher,
		clock:      clock,
		metrics:    p.Metrics,
	}
}

// Claim marks the Job running. Claiming a Job that is already running or finished is a
// no-op that returns its current state.
func (tr *Tracker) Claim(ctx context.Context, trackID string) (*Job, error) {
	trackID = strings.TrimSpace(trackID)
	if trackID == "" {
		return nil, errutil.BadRequest("track_id is required", nil)
	}
	now := storedTime(tr.clock())

	var out Job
	err := tr.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("track_id = ?", trackID).First(&out).Error; err != nil {
			return err
		}
		if out.Status != JobPending {
			return nil
		}

		res := tx.Model(&Job{}).
			Where("id = ? AND status IN ?", out.ID, jobSources(JobRunning)).
			Updates(map[string]any{"status": JobRunning, "start_time": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			if err := tx.Model(&Task{}).
				Where("id = ? AND start_time IS NULL", out.TaskID).
				Update("start_time", now).Error; err != nil {
				return err
			}
			if _, err := tr.aggregate(tx, out.TaskID, now); err != nil {
				return err
			}
		}
		return tx.Where("id = ?", out.ID).First(&out).Error
	})
	if err != nil {
		return nil, trackerError(err, "job")
	}
	return &out, nil
}

// Complete records a successful run.
func (tr *Tracker) Complete(ctx context.Context, trackID, result string) (*Job, error) {
	return tr.finish(ctx, trackID, JobSucceed, result)
}

// Fail records a failed run with the backend's failure detail.
func (tr *Tracker) Fail(ctx context.Context, trackID, detail string) (*Job, error) {
	return tr.finish(ctx, trackID, JobFailed, detail)
}

// finish applies a terminal transition exactly once per Job. Repeated reports find the
// Job already terminal and change nothing.
func (tr *Tracker) finish(ctx context.Context, trackID string, to JobStatus, payload string) (*Job, error) {
	trackID = strings.TrimSpace(trackID)
	if trackID == "" {
		return nil, errutil.BadRequest("track_id is required", nil)
	}
	now := storedTime(tr.clock())

	var (
		out     Job
		changed bool
	)
	err := tr.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job Job
		if err := tx.Where("track_id = ?", trackID).First(&job).Error; err != nil {
			return err
		}
		if job.Status.Terminal() {
			out = job
			return nil
		}

		updates := map[string]any{"status": to, "end_time": now}
		if to == JobSucceed {
			updates["result"] = payload
		} else {
			updates["traceback"] = payload
		}
		if job.StartTime == nil {
			updates["start_time"] = now
		}

		res := tx.Model(&Job{}).
			Where("id = ? AND status IN ?", job.ID, jobSources(to)).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tx.Where("id = ?", job.ID).First(&out).Error
		}
		changed = true

		if err := tr.releaseSlots(ctx, tx, &job); err != nil {
			return err
		}

		counter := "failed_counts"
		if to == JobSucceed {
			counter = "succeed_counts"
		}
		if err := tx.Model(&Task{}).
			Where("id = ?", job.TaskID).
			Update(counter, gorm.Expr(counter+" + 1")).Error; err != nil {
			return err
		}

		if err := tr.advance(tx, &job, now); err != nil {
			return err
		}
		if _, err := tr.aggregate(tx, job.TaskID, now); err != nil {
			return err
		}
		return tx.Where("id = ?", job.ID).First(&out).Error
	})
	if err != nil {
		return nil, trackerError(err, "job")
	}

	if changed {
		tr.metrics.JobFinished(string(to))
		zap.L().Info("[Tracker] job finished",
			zap.Int64("job_id", out.ID),
			zap.Int64("task_id", out.TaskID),
			zap.String("status", string(to)),
		)
	}
	return &out, nil
}

// advance moves the Job's binding to its next run instance. The guard on the old value
// makes a second report for the same run instance a no-op.
func (tr *Tracker) advance(tx *gorm.DB, job *Job, now time.Time) error {
	var t Task
	if err := tx.Preload("Scheduler").Where("id = ?", job.TaskID).First(&t).Error; err != nil {
		return err
	}

	out, err := schedule.Next(t.Scheduler.Rule(), job.RunAt, t.Limits(), now)
	if err != nil {
		zap.L().Warn("[Tracker] stored rule is invalid, closing binding",
			zap.Int64("task_id", t.ID),
			zap.Error(err),
		)
		out = schedule.Outcome{Terminated: true}
	}

	var next any
	if !out.Terminated {
		next = storedTime(out.At)
	}

	return tx.Model(&TaskAccountGroup{}).
		Where("task_id = ? AND account_id = ? AND next_run_time = ?", job.TaskID, job.AccountID, job.RunAt).
		Update("next_run_time", next).Error
}

// Aggregate recomputes the Task's status from its Jobs and bindings.
func (tr *Tracker) Aggregate(ctx context.Context, taskID int64) (Status, error) {
	now := storedTime(tr.clock())

	var status Status
	err := tr.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		status, err = tr.aggregate(tx, taskID, now)
		return err
	})
	if err != nil {
		return "", trackerError(err, "task")
	}
	return status, nil
}

func (tr *Tracker) aggregate(tx *gorm.DB, taskID int64, now time.Time) (Status, error) {
	var t Task
	if err := tx.Where("id = ?", taskID).First(&t).Error; err != nil {
		return "", err
	}
	expired := t.Status == StatusPausing && t.PastDeadline(now)
	if !t.Status.Schedulable() && !expired {
		return t.Status, nil
	}

	var running, pending, open int64
	if err := tx.Model(&Job{}).Where("task_id = ? AND status = ?", taskID, JobRunning).Count(&running).Error; err != nil {
		return "", err
	}
	if err := tx.Model(&Job{}).Where("task_id = ? AND status = ?", taskID, JobPending).Count(&pending).Error; err != nil {
		return "", err
	}
	if err := tx.Model(&TaskAccountGroup{}).
		Where("task_id = ? AND next_run_time IS NOT NULL", taskID).
		Count(&open).Error; err != nil {
		return "", err
	}

	next := resolveStatus(t, running, pending, open, now)
	if expired && !next.Terminal() {
		return t.Status, nil
	}
	if next == t.Status || !t.Status.CanTransition(next) {
		return t.Status, nil
	}

	updates := map[string]any{"status": next}
	if next.Terminal() {
		updates["end_time"] = now
	}
	if next == StatusRunning && t.StartTime == nil {
		updates["start_time"] = now
	}

	res := tx.Model(&Task{}).Where("id = ? AND status = ?", taskID, t.Status).Updates(updates)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		var current Task
		if err := tx.Select("status").Where("id = ?", taskID).First(&current).Error; err != nil {
			return "", err
		}
		return current.Status, nil
	}

	zap.L().Info("[Tracker] task status changed",
		zap.Int64("task_id", taskID),
		zap.String("from", string(t.Status)),
		zap.String("to", string(next)),
	)
	if next.Terminal() {
		tr.metrics.TaskFinished(string(next))
	}
	return next, nil
}

// resolveStatus folds Job and binding state into a Task status. Running wins over
// pending; with nothing in flight the Task ends once its limit, deadline or bindings
// are used up.
func resolveStatus(t Task, running, pending, openBindings int64, now time.Time) Status {
	switch {
	case running > 0:
		return StatusRunning
	case pending > 0:
		return StatusPending
	}

	if t.LimitCounts > 0 && t.SucceedCounts >= t.LimitCounts {
		return StatusSucceed
	}
	if t.PastDeadline(now) || openBindings == 0 {
		if t.SucceedCounts > 0 {
			return StatusSucceed
		}
		return StatusFailed
	}
	return StatusPending
}

// Timeout ends a Task whose deadline has passed, paused or not: pending Jobs are
// cancelled, bindings closed, and running Jobs left to report. It reports whether the deadline applied.
func (tr *Tracker) Timeout(ctx context.Context, t *Task) (bool, error) {
	now := storedTime(tr.clock())
	if t == nil || !t.Status.Open() || !t.PastDeadline(now) {
		return false, nil
	}

	var cancelled int
	err := tr.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		cancelled, err = tr.closePending(ctx, tx, t.ID, now)
		if err != nil {
			return err
		}
		if err := closeBindings(tx, t.ID); err != nil {
			return err
		}
		_, err = tr.aggregate(tx, t.ID, now)
		return err
	})
	if err != nil {
		return false, trackerError(err, "task")
	}

	zap.L().Info("[Tracker] task passed its deadline",
		zap.Int64("task_id", t.ID),
		zap.Int("cancelled_jobs", cancelled),
	)
	return true, nil
}

// closePending cancels every pending Job of the Task and gives back the slots held by
// the dispatched ones. Running Jobs are not touched.
func (tr *Tracker) closePending(ctx context.Context, tx *gorm.DB, taskID int64, now time.Time) (int, error) {
	var jobs []Job
	if err := tx.Where("task_id = ? AND status = ?", taskID, JobPending).Order("id").Find(&jobs).Error; err != nil {
		return 0, err
	}

	cancelled := 0
	for i := range jobs {
		ok, err := tr.cancelJob(ctx, tx, jobs[i], now)
		if err != nil {
			return cancelled, err
		}
		if ok {
			cancelled++
		}
	}
	return cancelled, nil
}

func (tr *Tracker) cancelJob(ctx context.Context, tx *gorm.DB, job Job, now time.Time) (bool, error) {
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		if job.Status != JobPending {
			return false, nil
		}

		q := tx.Model(&Job{}).Where("id = ? AND status = ?", job.ID, JobPending)
		if job.AgentID == nil {
			q = q.Where("agent_id IS NULL")
		} else {
			q = q.Where("agent_id = ?", *job.AgentID)
		}

		res := q.Updates(map[string]any{"status": JobCancelled, "end_time": now})
		if res.Error != nil {
			return false, res.Error
		}
		if res.RowsAffected == 1 {
			tr.metrics.JobFinished(string(JobCancelled))
			return true, tr.releaseSlots(ctx, tx, &job)
		}

		if err := tx.Where("id = ?", job.ID).First(&job).Error; err != nil {
			return false, err
		}
	}
	return false, errutil.Conflict("job kept changing while being cancelled", nil)
}

func (tr *Tracker) releaseSlots(ctx context.Context, tx *gorm.DB, job *Job) error {
	if !job.Dispatched() {
		return nil
	}
	if err := tr.locker.WithTx(tx).Release(ctx, job.AccountID); err != nil {
		return err
	}
	return tr.dispatcher.WithTx(tx).Release(ctx, *job.AgentID)
}

func closeBindings(tx *gorm.DB, taskID int64) error {
	return tx.Model(&TaskAccountGroup{}).
		Where("task_id = ? AND next_run_time IS NOT NULL", taskID).
		Update("next_run_time", nil).Error
}

func trackerError(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errutil.NotFound(what+" not found", err)
	}
	var be errutil.BaseError
	if errors.As(err, &be) {
		return err
	}
	return errutil.Internal("failed to update "+what, err)
}
