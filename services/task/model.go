package task

import (
	"time"

	"taskcenter/services/schedule"

	"gorm.io/datatypes"
)

// Scheduler is the recurrence rule of exactly one Task.
type Scheduler struct {
	ID   int64         `gorm:"column:id;primaryKey;autoIncrement:false"`
	Mode schedule.Mode `gorm:"column:mode;not null;default:0"`
	// seconds
	Interval int        `gorm:"column:interval;not null;default:600"`
	Date     *time.Time `gorm:"column:date"`
}

func (Scheduler) TableName() string { return "scheduler" }

func (s Scheduler) Rule() schedule.Rule {
	return schedule.Rule{
		Mode:     s.Mode,
		Interval: time.Duration(s.Interval) * time.Second,
		Date:     s.Date,
	}
}

type Task struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement:false"`
	Name          string         `gorm:"column:name;type:varchar(255);default:''"`
	Category      int            `gorm:"column:category;index"`
	Status        Status         `gorm:"column:status;type:varchar(20);not null;default:'new';index"`
	Creator       int64          `gorm:"column:creator;index"`
	SchedulerID   int64          `gorm:"column:scheduler_id;not null"`
	Scheduler     Scheduler      `gorm:"foreignKey:SchedulerID"`
	Area          string         `gorm:"column:area;type:varchar(255);default:''"`
	StartTime     *time.Time     `gorm:"column:start_time"`
	EndTime       *time.Time     `gorm:"column:end_time"`
	FailedCounts  int            `gorm:"column:failed_counts;not null;default:0"`
	SucceedCounts int            `gorm:"column:succeed_counts;not null;default:0"`
	LimitCounts   int            `gorm:"column:limit_counts;not null;default:1"`
	LimitEndTime  *time.Time     `gorm:"column:limit_end_time"`
	Result        string         `gorm:"column:result;type:text"`
	Configure     datatypes.JSON `gorm:"column:configure"`
	CreatedAt     time.Time      `gorm:"autoCreateTime"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime"`

	Bindings []TaskAccountGroup `gorm:"foreignKey:TaskID"`
}

func (Task) TableName() string { return "task" }

func (t Task) Limits() schedule.Limits {
	return schedule.Limits{
		SucceedCounts: t.SucceedCounts,
		LimitCounts:   t.LimitCounts,
		LimitEndTime:  t.LimitEndTime,
	}
}

// PastDeadline reports whether now is after limit_end_time.
func (t Task) PastDeadline(now time.Time) bool {
	return t.LimitEndTime != nil && now.After(*t.LimitEndTime)
}

// TaskAccountGroup binds one Account to one Task. NextRunTime is the binding's current
// run instance and is NULL once the binding has no more runs. TrackID is the track_id of
// the last Job dispatched for the binding.
type TaskAccountGroup struct {
	ID          int64      `gorm:"column:id;primaryKey;autoIncrement:false"`
	TaskID      int64      `gorm:"column:task_id;not null;uniqueIndex:idx_task_account"`
	AccountID   int64      `gorm:"column:account_id;not null;uniqueIndex:idx_task_account"`
	TrackID     string     `gorm:"column:track_id;type:varchar(64);default:''"`
	NextRunTime *time.Time `gorm:"column:next_run_time;index"`
}

func (TaskAccountGroup) TableName() string { return "task_account_group" }

// Job is one run instance of a Task on one Account. (task_id, account_id, run_at) is
// unique, which keeps re-expansion idempotent.
type Job struct {
	ID        int64      `gorm:"column:id;primaryKey;autoIncrement:false"`
	TaskID    int64      `gorm:"column:task_id;not null;uniqueIndex:idx_job_run_instance"`
	AccountID int64      `gorm:"column:account_id;not null;uniqueIndex:idx_job_run_instance"`
	RunAt     time.Time  `gorm:"column:run_at;not null;uniqueIndex:idx_job_run_instance"`
	AgentID   *int64     `gorm:"column:agent_id;index"`
	Status    JobStatus  `gorm:"column:status;type:varchar(20);not null;default:'pending';index"`
	TrackID   *string    `gorm:"column:track_id;type:varchar(64);uniqueIndex"`
	Queue     string     `gorm:"column:queue;type:varchar(255);default:'';index"`
	StartTime *time.Time `gorm:"column:start_time"`
	EndTime   *time.Time `gorm:"column:end_time"`
	Result    string     `gorm:"column:result;type:text"`
	Traceback string     `gorm:"column:traceback;type:text"`
	CreatedAt time.Time  `gorm:"autoCreateTime"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime"`
}

func (Job) TableName() string { return "job" }

// Dispatched reports whether the Job holds an account slot and an agent slot.
func (j Job) Dispatched() bool { return j.AgentID != nil }

// Models lists the tables owned by this package for migration.
func Models() []any {
	return []any{&Scheduler{}, &Task{}, &TaskAccountGroup{}, &Job{}}
}

// storedTime normalises times written to the database so equality guards on them hold
// across dialects.
func storedTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
