package task

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"taskcenter/pkg/errutil"
	"taskcenter/pkg/gen"
	"taskcenter/services/account"
	"taskcenter/services/catalog"
	"taskcenter/services/schedule"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service is the synchronous surface used by the presentation layer. Auth and
// pagination stay with the caller.
type Service struct {
	db       *gorm.DB
	node     *gen.SnowflakeNode
	repo     Repository
	accounts account.Repository
	catalog  catalog.Repository
	tracker  *Tracker
	clock    schedule.Clock
}

type Params struct {
	fx.In
	DB       *gorm.DB
	Node     *gen.SnowflakeNode
	Repo     Repository
	Accounts account.Repository
	Catalog  catalog.Repository
	Tracker  *Tracker
	Clock    schedule.Clock `optional:"true"`
}

func NewService(p Params) *Service {
	clock := p.Clock
	if clock == nil {
		clock = schedule.SystemClock
	}
	return &Service{
		db:       p.DB,
		node:     p.Node,
		repo:     p.Repo,
		accounts: p.Accounts,
		catalog:  p.Catalog,
		tracker:  p.Tracker,
		clock:    clock,
	}
}

type CreateTaskRequest struct {
	Name     string
	Category int
	Creator  int64

	Mode            schedule.Mode
	IntervalSeconds int
	Date            *time.Time

	AccountIDs   []int64
	LimitCounts  int
	LimitEndTime *time.Time
	// Area overrides the accounts' active area when picking agents.
	Area      string
	Configure datatypes.JSON
}

// CreateTask validates the request and stores the Task with its rule and bindings. Bad
// input is rejected here so it never reaches the tick loop.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (*Task, error) {
	rule := schedule.Rule{
		Mode:     req.Mode,
		Interval: time.Duration(req.IntervalSeconds) * time.Second,
		Date:     req.Date,
	}
	if err := schedule.Validate(rule); err != nil {
		return nil, errutil.ValidationFailed("invalid schedule", err,
			errutil.WithDetails(errutil.Detail{Field: "scheduler", Message: err.Error()}),
		)
	}

	accountIDs := uniqueIDs(req.AccountIDs)
	if len(accountIDs) == 0 {
		return nil, errutil.ValidationFailed("task requires at least one account", nil,
			errutil.WithDetails(errutil.Detail{Field: "accounts", Message: "required"}),
		)
	}

	limit := req.LimitCounts
	if limit == 0 {
		limit = 1
	}
	if limit < 0 {
		return nil, errutil.ValidationFailed("limit_counts must be positive", nil,
			errutil.WithDetails(errutil.Detail{Field: "limit_counts", Message: "must be >= 1"}),
		)
	}

	if len(req.Configure) > 0 && !json.Valid(req.Configure) {
		return nil, errutil.ValidationFailed("configure must be valid json", nil,
			errutil.WithDetails(errutil.Detail{Field: "configure", Message: "invalid json"}),
		)
	}

	if _, err := s.catalog.GetTaskCategory(ctx, req.Category); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.ValidationFailed("unknown task category", err,
				errutil.WithDetails(errutil.Detail{Field: "category", Message: "not found"}),
			)
		}
		return nil, errutil.Internal("failed to load task category", err)
	}

	if err := s.checkCreator(ctx, req.Creator, req.Category); err != nil {
		return nil, err
	}

	found, err := s.accounts.FindByIDs(ctx, accountIDs)
	if err != nil {
		return nil, errutil.Internal("failed to load accounts", err)
	}
	if len(found) != len(accountIDs) {
		return nil, errutil.NotFound("account not found", nil, missingAccounts(accountIDs, found)...)
	}

	now := storedTime(s.clock())
	limits := schedule.Limits{LimitCounts: limit, LimitEndTime: req.LimitEndTime}
	first, err := schedule.First(rule, now, limits, now)
	if err != nil {
		return nil, errutil.ValidationFailed("invalid schedule", err)
	}
	if first.Terminated {
		return nil, errutil.ValidationFailed("limit_end_time has already passed", nil,
			errutil.WithDetails(errutil.Detail{Field: "limit_end_time", Message: "in the past"}),
		)
	}
	firstRun := storedTime(first.At)

	sched := Scheduler{
		ID:       s.node.NextID(),
		Mode:     req.Mode,
		Interval: req.IntervalSeconds,
		Date:     req.Date,
	}
	t := Task{
		ID:           s.node.NextID(),
		Name:         strings.TrimSpace(req.Name),
		Category:     req.Category,
		Status:       StatusNew,
		Creator:      req.Creator,
		SchedulerID:  sched.ID,
		Area:         strings.TrimSpace(req.Area),
		LimitCounts:  limit,
		LimitEndTime: req.LimitEndTime,
		Configure:    req.Configure,
		CreatedAt:    now,
	}
	bindings := make([]TaskAccountGroup, 0, len(accountIDs))
	for _, id := range accountIDs {
		bindings = append(bindings, TaskAccountGroup{
			ID:          s.node.NextID(),
			TaskID:      t.ID,
			AccountID:   id,
			NextRunTime: &firstRun,
		})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&sched).Error; err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Create(&t).Error; err != nil {
			return err
		}
		return tx.Create(&bindings).Error
	})
	if err != nil {
		return nil, errutil.Internal("failed to create task", err)
	}

	zap.L().Info("task created",
		zap.Int64("task_id", t.ID),
		zap.Int64("creator", t.Creator),
		zap.String("mode", rule.Mode.String()),
		zap.Int("accounts", len(bindings)),
		zap.Time("first_run", firstRun),
	)
	return s.GetTask(ctx, t.ID)
}

func (s *Service) checkCreator(ctx context.Context, creator int64, category int) error {
	user, err := s.catalog.GetUser(ctx, creator)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errutil.NotFound("creator not found", err)
	}
	if err != nil {
		return errutil.Internal("failed to load creator", err)
	}

	ok, err := user.CanCreate(category)
	if err != nil {
		return errutil.Internal("malformed enable_tasks on user", err)
	}
	if !ok {
		return errutil.Forbidden("user may not create tasks of this category", nil)
	}
	return nil
}

// CancelTask stops future runs, cancels pending Jobs and frees their slots. Running
// Jobs finish and report normally. Cancelling twice returns the same snapshot.
func (s *Service) CancelTask(ctx context.Context, id int64) (*Task, error) {
	now := storedTime(s.clock())

	var cancelled int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t Task
		if err := tx.Where("id = ?", id).First(&t).Error; err != nil {
			return err
		}
		if t.Status == StatusCancelled {
			return nil
		}
		if !t.Status.CanTransition(StatusCancelled) {
			return errutil.Conflict("task already finished", nil,
				errutil.WithDetails(errutil.Detail{Field: "status", Message: string(t.Status)}),
			)
		}

		res := tx.Model(&Task{}).
			Where("id = ? AND status = ?", id, t.Status).
			Updates(map[string]any{"status": StatusCancelled, "end_time": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.Conflict("task changed while cancelling, retry", nil)
		}

		var err error
		cancelled, err = s.tracker.closePending(ctx, tx, id, now)
		if err != nil {
			return err
		}
		return closeBindings(tx, id)
	})
	if err != nil {
		return nil, s.taskError(err, "failed to cancel task")
	}

	zap.L().Info("task cancelled", zap.Int64("task_id", id), zap.Int("cancelled_jobs", cancelled))
	return s.GetTask(ctx, id)
}

// PauseTask stops expansion and dispatch until ResumeTask. Jobs already handed to a
// backend keep running.
func (s *Service) PauseTask(ctx context.Context, id int64) (*Task, error) {
	return s.transition(ctx, id, StatusPausing)
}

func (s *Service) ResumeTask(ctx context.Context, id int64) (*Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusPausing {
		return nil, errutil.Conflict("task is not paused", nil)
	}
	return s.transition(ctx, id, StatusPending)
}

func (s *Service) transition(ctx context.Context, id int64, to Status) (*Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == to {
		return t, nil
	}
	if !t.Status.CanTransition(to) {
		return nil, errutil.Conflict("invalid status transition", nil,
			errutil.WithDetails(errutil.Detail{Field: "status", Message: string(t.Status) + " -> " + string(to)}),
		)
	}

	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ?", id, t.Status).
		Update("status", to)
	if res.Error != nil {
		return nil, errutil.Internal("failed to update task", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, errutil.Conflict("task changed concurrently, retry", nil)
	}

	zap.L().Info("task status changed",
		zap.Int64("task_id", id),
		zap.String("from", string(t.Status)),
		zap.String("to", string(to)),
	)
	return s.GetTask(ctx, id)
}

func (s *Service) GetTask(ctx context.Context, id int64) (*Task, error) {
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, s.taskError(err, "failed to load task")
	}
	return t, nil
}

// ListTasks lists tasks visible to viewer: admins see every task, other users their
// own. A zero viewer skips the visibility check.
func (s *Service) ListTasks(ctx context.Context, viewer int64, f TaskFilter) ([]Task, error) {
	f, err := s.scope(ctx, viewer, f)
	if err != nil {
		return nil, err
	}

	tasks, err := s.repo.ListTasks(ctx, f)
	if err != nil {
		return nil, errutil.Internal("failed to list tasks", err)
	}
	return tasks, nil
}

// Summary counts the viewer's tasks per status.
func (s *Service) Summary(ctx context.Context, viewer int64, f TaskFilter) ([]StatusCount, error) {
	f, err := s.scope(ctx, viewer, f)
	if err != nil {
		return nil, err
	}

	counts, err := s.repo.CountByStatus(ctx, f)
	if err != nil {
		return nil, errutil.Internal("failed to count tasks", err)
	}
	return counts, nil
}

func (s *Service) scope(ctx context.Context, viewer int64, f TaskFilter) (TaskFilter, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return f, errutil.ValidationFailed("unknown task status", nil,
				errutil.WithDetails(errutil.Detail{Field: "status", Message: string(st)}),
			)
		}
	}
	if viewer == 0 {
		return f, nil
	}

	user, err := s.catalog.GetUser(ctx, viewer)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return f, errutil.NotFound("user not found", err)
	}
	if err != nil {
		return f, errutil.Internal("failed to load user", err)
	}
	if !user.IsAdmin() {
		f.Creator = viewer
	}
	return f, nil
}

func (s *Service) ListJobs(ctx context.Context, taskID int64) ([]Job, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	jobs, err := s.repo.ListJobs(ctx, taskID)
	if err != nil {
		return nil, errutil.Internal("failed to list jobs", err)
	}
	return jobs, nil
}

// GetJob looks a dispatched Job up by the track_id its backend was given.
func (s *Service) GetJob(ctx context.Context, trackID string) (*Job, error) {
	trackID = strings.TrimSpace(trackID)
	if trackID == "" {
		return nil, errutil.BadRequest("track_id is required", nil)
	}

	job, err := s.repo.GetJobByTrackID(ctx, trackID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("job not found", err)
	}
	if err != nil {
		return nil, errutil.Internal("failed to load job", err)
	}
	return job, nil
}

// PullJobs serves backends that poll instead of consuming the asynq queue.
func (s *Service) PullJobs(ctx context.Context, queue string, limit int) ([]Job, error) {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, errutil.BadRequest("queue is required", nil)
	}

	jobs, err := s.repo.PullJobs(ctx, queue, limit)
	if err != nil {
		return nil, errutil.Internal("failed to pull jobs", err)
	}
	return jobs, nil
}

func (s *Service) taskError(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errutil.NotFound("task not found", err)
	}
	var be errutil.BaseError
	if errors.As(err, &be) {
		return err
	}
	return errutil.Internal(msg, err)
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func missingAccounts(want []int64, found []account.Account) []errutil.Option {
	have := make(map[int64]struct{}, len(found))
	for _, a := range found {
		have[a.ID] = struct{}{}
	}

	var details []errutil.Detail
	for _, id := range want {
		if _, ok := have[id]; !ok {
			details = append(details, errutil.Detail{Field: "accounts", Message: "missing " + formatID(id)})
		}
	}
	return []errutil.Option{errutil.WithDetails(details...)}
}
