package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"taskcenter/pkg/gen"
	taskqueue "taskcenter/pkg/task"
	"taskcenter/services/account"
	"taskcenter/services/agent"
	"taskcenter/services/catalog"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errJobGone means the Job left pending/unassigned between read and write, or its Task
// was cancelled or paused in the meantime.
var errJobGone = errors.New("job no longer dispatchable")

type DispatchResult struct {
	Dispatched int
	// Deferred counts Jobs whose account lock was denied.
	Deferred int
	NoAgent  int
	Failed   int
}

func (r *DispatchResult) Add(o DispatchResult) {
	r.Dispatched += o.Dispatched
	r.Deferred += o.Deferred
	r.NoAgent += o.NoAgent
	r.Failed += o.Failed
}

// Decomposer turns due bindings into Jobs and dispatches pending Jobs to agents.
type Decomposer struct {
	db         *gorm.DB
	node       *gen.SnowflakeNode
	locker     *account.Locker
	dispatcher *agent.Dispatcher
	catalog    catalog.Repository
	enqueuer   taskqueue.Enqueuer

	mu         sync.RWMutex
	processors map[int]string
	group      singleflight.Group
}

type DecomposerParams struct {
	fx.In
	DB         *gorm.DB
	Node       *gen.SnowflakeNode
	Locker     *account.Locker
	Dispatcher *agent.Dispatcher
	Catalog    catalog.Repository
	Enqueuer   taskqueue.Enqueuer
}

func NewDecomposer(p DecomposerParams) *Decomposer {
	return &Decomposer{
		db:         p.DB,
		node:       p.Node,
		locker:     p.Locker,
		dispatcher: p.Dispatcher,
		catalog:    p.Catalog,
		enqueuer:   p.Enqueuer,
		processors: make(map[int]string),
	}
}

// Expand creates one pending Job per binding whose run instance is due. A binding that
// already has a Job for its run instance is skipped by the unique key, so repeated calls
// never duplicate work. New Jobs are capped by the Task's remaining success budget.
func (d *Decomposer) Expand(ctx context.Context, t *Task, now time.Time) (int, error) {
	if t == nil || !t.Status.Schedulable() {
		return 0, nil
	}

	var bindings []TaskAccountGroup
	err := d.db.WithContext(ctx).
		Where("task_id = ? AND next_run_time IS NOT NULL AND next_run_time <= ?", t.ID, storedTime(now)).
		Order("id").
		Find(&bindings).Error
	if err != nil {
		return 0, err
	}
	if len(bindings) == 0 {
		return 0, nil
	}

	created := 0
	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := lockSchedulable(tx, t.ID)
		if err != nil || !ok {
			return err
		}

		budget := len(bindings)
		if t.LimitCounts > 0 {
			remaining, err := remainingBudget(tx, t.ID, t.LimitCounts)
			if err != nil {
				return err
			}
			budget = remaining
		}

		for _, b := range bindings {
			if created >= budget {
				break
			}

			job := Job{
				ID:        d.node.NextID(),
				TaskID:    t.ID,
				AccountID: b.AccountID,
				RunAt:     storedTime(*b.NextRunTime),
				Status:    JobPending,
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&job)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				created++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if created > 0 {
		zap.L().Info("[Decomposer] jobs created",
			zap.Int64("task_id", t.ID),
			zap.Int("created", created),
			zap.Int("due_bindings", len(bindings)),
		)
	}
	return created, nil
}

// remainingBudget is limit - succeed - active. Active Jobs are counted before the
// counter is read: a Job finishing in between is then seen on both sides and the
// budget errs low.
func remainingBudget(tx *gorm.DB, taskID int64, limit int) (int, error) {
	var active int64
	if err := tx.Model(&Job{}).
		Where("task_id = ? AND status IN ?", taskID, activeJobStatuses()).
		Count(&active).Error; err != nil {
		return 0, err
	}

	var succeed int
	if err := tx.Model(&Task{}).
		Select("succeed_counts").
		Where("id = ?", taskID).
		Scan(&succeed).Error; err != nil {
		return 0, err
	}

	return limit - succeed - int(active), nil
}

// lockSchedulable row-locks the Task and reports whether it may still get new work.
// CancelTask and PauseTask update the same row, so they either commit first and are
// seen here, or wait until the caller's transaction is done.
func lockSchedulable(tx *gorm.DB, taskID int64) (bool, error) {
	var t Task
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id", "status").
		Where("id = ?", taskID).
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.Status.Schedulable(), nil
}

// Dispatch walks the Task's pending, unassigned Jobs: lock the account, pick an agent,
// stamp a track_id, then enqueue. Contention leaves the Job for the next tick and never
// keeps a slot that was taken on its behalf.
func (d *Decomposer) Dispatch(ctx context.Context, t *Task) (DispatchResult, error) {
	var result DispatchResult
	if t == nil || !t.Status.Schedulable() {
		return result, nil
	}

	var jobs []Job
	err := d.db.WithContext(ctx).
		Where("task_id = ? AND status = ? AND agent_id IS NULL", t.ID, JobPending).
		Order("id").
		Find(&jobs).Error
	if err != nil {
		return result, err
	}
	if len(jobs) == 0 {
		return result, nil
	}

	areas, err := d.accountAreas(ctx, jobs)
	if err != nil {
		return result, err
	}
	processor, err := d.processor(ctx, t.Category)
	if err != nil {
		return result, err
	}

	for i := range jobs {
		job := &jobs[i]

		granted, err := d.locker.TryAcquire(ctx, job.AccountID)
		if err != nil {
			return result, err
		}
		if granted != account.Granted {
			result.Deferred++
			continue
		}

		area := t.Area
		if area == "" {
			area = areas[job.AccountID]
		}

		ag, err := d.dispatcher.Assign(ctx, area)
		if err != nil {
			d.releaseAccount(ctx, job.AccountID)
			if errors.Is(err, agent.ErrNoAgentAvailable) {
				result.NoAgent++
				continue
			}
			return result, err
		}

		err = d.dispatchOne(ctx, t, job, ag, processor)
		switch {
		case err == nil:
			result.Dispatched++
		case errors.Is(err, errJobGone):
		default:
			result.Failed++
			zap.L().Warn("[Decomposer] dispatch failed, job returned to pending",
				zap.Int64("task_id", t.ID),
				zap.Int64("job_id", job.ID),
				zap.Error(err),
			)
		}
	}

	return result, nil
}

func (d *Decomposer) dispatchOne(ctx context.Context, t *Task, job *Job, ag *agent.Agent, processor string) error {
	trackID, err := gen.NewTrackID()
	if err != nil {
		d.releaseSlots(ctx, d.db, job.AccountID, ag.ID)
		return err
	}

	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := lockSchedulable(tx, job.TaskID)
		if err != nil {
			return err
		}
		if !ok {
			return errJobGone
		}

		res := tx.Model(&Job{}).
			Where("id = ? AND status = ? AND agent_id IS NULL", job.ID, JobPending).
			Updates(map[string]any{
				"agent_id": ag.ID,
				"queue":    ag.QueueName,
				"track_id": trackID,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errJobGone
		}

		return tx.Model(&TaskAccountGroup{}).
			Where("task_id = ? AND account_id = ?", job.TaskID, job.AccountID).
			Update("track_id", trackID).Error
	})
	if err != nil {
		d.releaseSlots(ctx, d.db, job.AccountID, ag.ID)
		return err
	}

	qt, err := taskqueue.NewDispatchTask(processor, taskqueue.DispatchPayload{
		TrackID:   trackID,
		JobID:     job.ID,
		TaskID:    job.TaskID,
		AccountID: job.AccountID,
		AgentID:   ag.ID,
		Category:  t.Category,
		RunAt:     job.RunAt,
		Configure: []byte(t.Configure),
	}, asynq.Queue(ag.QueueName))
	if err == nil {
		_, err = d.enqueuer.Enqueue(ctx, qt)
	}
	if err != nil && !taskqueue.IsDuplicate(err) {
		d.revert(ctx, job, ag.ID, trackID)
		return fmt.Errorf("enqueue job %d: %w", job.ID, err)
	}

	job.AgentID = &ag.ID
	job.Queue = ag.QueueName
	job.TrackID = &trackID

	zap.L().Debug("[Decomposer] job dispatched",
		zap.Int64("job_id", job.ID),
		zap.Int64("agent_id", ag.ID),
		zap.String("queue", ag.QueueName),
		zap.String("track_id", trackID),
	)
	return nil
}

// revert undoes a persisted dispatch whose enqueue failed. If a pull-mode backend
// already claimed the Job the guard misses and the slots stay with it.
func (d *Decomposer) revert(ctx context.Context, job *Job, agentID int64, trackID string) {
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Job{}).
			Where("id = ? AND status = ? AND track_id = ?", job.ID, JobPending, trackID).
			Updates(map[string]any{
				"agent_id": nil,
				"queue":    "",
				"track_id": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		d.releaseSlots(ctx, tx, job.AccountID, agentID)
		return nil
	})
	if err != nil {
		zap.L().Error("[Decomposer] failed to revert dispatch",
			zap.Int64("job_id", job.ID),
			zap.String("track_id", trackID),
			zap.Error(err),
		)
	}
}

func (d *Decomposer) releaseAccount(ctx context.Context, accountID int64) {
	if err := d.locker.Release(ctx, accountID); err != nil {
		zap.L().Error("[Decomposer] failed to release account", zap.Int64("account_id", accountID), zap.Error(err))
	}
}

func (d *Decomposer) releaseSlots(ctx context.Context, db *gorm.DB, accountID, agentID int64) {
	if err := d.locker.WithTx(db).Release(ctx, accountID); err != nil {
		zap.L().Error("[Decomposer] failed to release account", zap.Int64("account_id", accountID), zap.Error(err))
	}
	if err := d.dispatcher.WithTx(db).Release(ctx, agentID); err != nil {
		zap.L().Error("[Decomposer] failed to release agent", zap.Int64("agent_id", agentID), zap.Error(err))
	}
}

func (d *Decomposer) accountAreas(ctx context.Context, jobs []Job) (map[int64]string, error) {
	ids := make([]int64, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.AccountID)
	}

	var rows []account.Account
	err := d.db.WithContext(ctx).
		Select("id", "active_area").
		Where("id IN ?", ids).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[int64]string, len(rows))
	for _, r := range rows {
		out[r.ID] = r.ActiveArea
	}
	return out, nil
}

// processor resolves the asynq task type of a category. Lookups are cached; concurrent
// misses for the same category share one query.
func (d *Decomposer) processor(ctx context.Context, category int) (string, error) {
	d.mu.RLock()
	p, ok := d.processors[category]
	d.mu.RUnlock()
	if ok {
		return p, nil
	}

	v, err, _ := d.group.Do(fmt.Sprint(category), func() (any, error) {
		c, err := d.catalog.GetTaskCategory(ctx, category)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return taskqueue.TypeJobRun, nil
		}
		if err != nil {
			return "", err
		}
		p := strings.TrimSpace(c.Processor)
		if p == "" {
			p = taskqueue.TypeJobRun
		}

		d.mu.Lock()
		d.processors[category] = p
		d.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
