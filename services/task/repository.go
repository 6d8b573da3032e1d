package task

import (
	"context"
	"strconv"
	"strings"

	"taskcenter/services/catalog"

	"gorm.io/gorm"
)

const defaultListLimit = 100

// TaskFilter narrows task listings. A zero Creator matches every creator. Keyword matches
// the task id, the task name or the creator's name.
type TaskFilter struct {
	Creator          int64
	Statuses         []Status
	Keyword          string
	IncludeCancelled bool
	Limit            int
}

type StatusCount struct {
	Status Status `gorm:"column:status"`
	Count  int64  `gorm:"column:count"`
}

// Repository describes the read side of tasks and jobs. Writes that must respect
// locking go through Decomposer and Tracker.
type Repository interface {
	GetTask(ctx context.Context, id int64) (*Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	CountByStatus(ctx context.Context, f TaskFilter) ([]StatusCount, error)
	ListSchedulable(ctx context.Context) ([]Task, error)
	ListJobs(ctx context.Context, taskID int64) ([]Job, error)
	GetJobByTrackID(ctx context.Context, trackID string) (*Job, error)
	PullJobs(ctx context.Context, queue string, limit int) ([]Job, error)
}

type gormRepository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetTask(ctx context.Context, id int64) (*Task, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var t Task
	err := r.db.WithContext(ctx).
		Preload("Scheduler").
		Preload("Bindings", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("id = ?", id).
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *gormRepository) filtered(ctx context.Context, f TaskFilter) *gorm.DB {
	query := r.db.WithContext(ctx).Model(&Task{})

	if f.Creator != 0 {
		query = query.Where("creator = ?", f.Creator)
	}
	if len(f.Statuses) > 0 {
		query = query.Where("status IN ?", f.Statuses)
	}
	if !f.IncludeCancelled && !hasStatus(f.Statuses, StatusCancelled) {
		query = query.Where("status <> ?", StatusCancelled)
	}
	if kw := strings.TrimSpace(f.Keyword); kw != "" {
		like := "%" + kw + "%"
		creators := r.db.WithContext(ctx).Model(&catalog.User{}).Select("id").Where("name LIKE ?", like)
		if id, err := strconv.ParseInt(kw, 10, 64); err == nil {
			query = query.Where("id = ? OR name LIKE ? OR creator IN (?)", id, like, creators)
		} else {
			query = query.Where("name LIKE ? OR creator IN (?)", like, creators)
		}
	}
	return query
}

func (r *gormRepository) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var tasks []Task
	err := r.filtered(ctx, f).
		Preload("Scheduler").
		Order("id DESC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

func (r *gormRepository) CountByStatus(ctx context.Context, f TaskFilter) ([]StatusCount, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var out []StatusCount
	err := r.filtered(ctx, f).
		Select("status, COUNT(*) AS count").
		Group("status").
		Order("status").
		Scan(&out).Error
	return out, err
}

// ListSchedulable returns every non-terminal Task. Paused Tasks are included so their
// deadline is still enforced.
func (r *gormRepository) ListSchedulable(ctx context.Context) ([]Task, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var tasks []Task
	err := r.db.WithContext(ctx).
		Preload("Scheduler").
		Where("status IN ?", []Status{StatusNew, StatusPending, StatusRunning, StatusPausing}).
		Order("id").
		Find(&tasks).Error
	return tasks, err
}

func (r *gormRepository) ListJobs(ctx context.Context, taskID int64) ([]Job, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var jobs []Job
	err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("id").
		Find(&jobs).Error
	return jobs, err
}

func (r *gormRepository) GetJobByTrackID(ctx context.Context, trackID string) (*Job, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var job Job
	if err := r.db.WithContext(ctx).Where("track_id = ?", trackID).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// PullJobs returns dispatched Jobs still waiting for a backend on queue.
func (r *gormRepository) PullJobs(ctx context.Context, queue string, limit int) ([]Job, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	var jobs []Job
	err := r.db.WithContext(ctx).
		Where("queue = ? AND status = ? AND agent_id IS NOT NULL", queue, JobPending).
		Order("id").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

func hasStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
