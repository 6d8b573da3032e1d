package scheduling

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"taskcenter/pkg/config"
	"taskcenter/pkg/gen"
	"taskcenter/services/account"
	"taskcenter/services/agent"
	"taskcenter/services/catalog"
	"taskcenter/services/schedule"
	"taskcenter/services/task"
	"taskcenter/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var baseTime = time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, t)
	return &asynq.TaskInfo{Type: t.Type()}, nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type fakeGuard struct {
	AcquireFn func(ctx context.Context) (func(), bool, error)
}

func (f fakeGuard) Acquire(ctx context.Context) (func(), bool, error) {
	return f.AcquireFn(ctx)
}

type testEnv struct {
	t       *testing.T
	db      *gorm.DB
	now     time.Time
	enq     *fakeEnqueuer
	tracker *task.Tracker
	tasks   *task.Service
	svc     *Service
}

func newTestEnv(t *testing.T, guard Guard) *testEnv {
	t.Helper()

	models := append([]any{&account.Account{}, &agent.Agent{}}, catalog.Models()...)
	models = append(models, task.Models()...)
	db := testutil.NewTestDB(t, models...)

	sf, err := snowflake.NewNode(1)
	require.NoError(t, err)
	node := gen.NewSnowflakeNode(sf)

	env := &testEnv{t: t, db: db, now: baseTime, enq: &fakeEnqueuer{}}
	clock := schedule.Clock(func() time.Time { return env.now })

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	locker := account.NewLocker(db, cfg)
	dispatcher := agent.NewDispatcher(db, node)
	cat := catalog.NewRepository(db)
	repo := task.NewRepository(db)

	decomposer := task.NewDecomposer(task.DecomposerParams{
		DB:         db,
		Node:       node,
		Locker:     locker,
		Dispatcher: dispatcher,
		Catalog:    cat,
		Enqueuer:   env.enq,
	})
	env.tracker = task.NewTracker(task.TrackerParams{
		DB:         db,
		Locker:     locker,
		Dispatcher: dispatcher,
		Clock:      clock,
	})
	env.tasks = task.NewService(task.Params{
		DB:       db,
		Node:     node,
		Repo:     repo,
		Accounts: account.NewRepository(db),
		Catalog:  cat,
		Tracker:  env.tracker,
		Clock:    clock,
	})
	env.svc = NewService(Params{
		Config:     cfg,
		Repo:       repo,
		Decomposer: decomposer,
		Tracker:    env.tracker,
		Guard:      guard,
		Clock:      clock,
	})

	ctx := context.Background()
	require.NoError(t, catalog.Seed(ctx, db))
	require.NoError(t, db.Create(&catalog.User{ID: 1, Category: catalog.UserCategoryNormal}).Error)

	accounts := account.NewRepository(db)
	for _, id := range []int64{201, 202} {
		require.NoError(t, accounts.Create(ctx, &account.Account{
			ID:         id,
			Account:    fmt.Sprintf("acc-%d", id),
			Owner:      1,
			ActiveArea: "id",
		}))
	}
	require.NoError(t, db.Create(&agent.Agent{ID: 1, QueueName: "q-id", Area: "id", Status: agent.StatusActive}).Error)
	return env
}

func (e *testEnv) createTask(req task.CreateTaskRequest) *task.Task {
	e.t.Helper()
	req.Creator = 1
	if req.Category == 0 {
		req.Category = 1
	}
	if len(req.AccountIDs) == 0 {
		req.AccountIDs = []int64{201, 202}
	}
	t, err := e.tasks.CreateTask(context.Background(), req)
	require.NoError(e.t, err)
	return t
}

func (e *testEnv) reload(id int64) *task.Task {
	e.t.Helper()
	t, err := e.tasks.GetTask(context.Background(), id)
	require.NoError(e.t, err)
	return t
}

func (e *testEnv) jobs(taskID int64) []task.Job {
	e.t.Helper()
	jobs, err := e.tasks.ListJobs(context.Background(), taskID)
	require.NoError(e.t, err)
	return jobs
}
