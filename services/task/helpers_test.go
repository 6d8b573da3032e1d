package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskcenter/pkg/config"
	"taskcenter/pkg/gen"
	"taskcenter/services/account"
	"taskcenter/services/agent"
	"taskcenter/services/catalog"
	"taskcenter/services/schedule"
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

var baseTime = time.Date(2024, 3, 31, 13, 30, 0, 0, time.UTC)

type fakeEnqueuer struct {
	mu        sync.Mutex
	tasks     []*asynq.Task
	EnqueueFn func(task *asynq.Task) error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.EnqueueFn != nil {
		if err := f.EnqueueFn(task); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

var errBrokerDown = errors.New("broker down")

type testEnv struct {
	t          *testing.T
	db         *gorm.DB
	now        time.Time
	enq        *fakeEnqueuer
	locker     *account.Locker
	dispatcher *agent.Dispatcher
	decomposer *Decomposer
	tracker    *Tracker
	svc        *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	models := append([]any{&account.Account{}, &agent.Agent{}}, catalog.Models()...)
	models = append(models, Models()...)
	db := testutil.NewTestDB(t, models...)

	sf, err := snowflake.NewNode(1)
	require.NoError(t, err)
	node := gen.NewSnowflakeNode(sf)

	env := &testEnv{t: t, db: db, now: baseTime, enq: &fakeEnqueuer{}}
	clock := schedule.Clock(func() time.Time { return env.now })

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	env.locker = account.NewLocker(db, cfg)
	env.dispatcher = agent.NewDispatcher(db, node)
	cat := catalog.NewRepository(db)

	env.decomposer = NewDecomposer(DecomposerParams{
		DB:         db,
		Node:       node,
		Locker:     env.locker,
		Dispatcher: env.dispatcher,
		Catalog:    cat,
		Enqueuer:   env.enq,
	})
	env.tracker = NewTracker(TrackerParams{
		DB:         db,
		Locker:     env.locker,
		Dispatcher: env.dispatcher,
		Clock:      clock,
	})
	env.svc = NewService(Params{
		DB:       db,
		Node:     node,
		Repo:     NewRepository(db),
		Accounts: account.NewRepository(db),
		Catalog:  cat,
		Tracker:  env.tracker,
		Clock:    clock,
	})

	ctx := context.Background()
	require.NoError(t, catalog.Seed(ctx, db))
	require.NoError(t, db.Create(&[]catalog.User{
		{ID: 1, Category: catalog.UserCategoryNormal, Name: "marketing"},
		{ID: 2, Category: catalog.UserCategoryAdmin},
		{ID: 3, Category: catalog.UserCategoryNormal, EnableTasks: "2;3"},
	}).Error)

	accounts := account.NewRepository(db)
	for _, id := range []int64{101, 102, 103} {
		require.NoError(t, accounts.Create(ctx, &account.Account{
			ID:         id,
			Account:    fmt.Sprintf("acc-%d", id),
			Owner:      1,
			ActiveArea: "sg",
		}))
	}
	return env
}

func (e *testEnv) addAgent(id int64, area string) {
	e.t.Helper()
	require.NoError(e.t, e.db.Create(&agent.Agent{ID: id, QueueName: "q-" + area, Area: area, Status: agent.StatusActive}).Error)
}

func (e *testEnv) advance(d time.Duration) { e.now = e.now.Add(d) }

// onceAfterQuery runs fn right after the first query that reads table returns, to land
// a concurrent caller between a read and the write that depends on it.
func (e *testEnv) onceAfterQuery(table string, fn func()) {
	e.t.Helper()
	var fired atomic.Bool
	err := e.db.Callback().Query().After("gorm:query").Register("test:after_"+table, func(tx *gorm.DB) {
		if tx.Statement.Table != table || !fired.CompareAndSwap(false, true) {
			return
		}
		fn()
	})
	require.NoError(e.t, err)
}

func (e *testEnv) createTask(req CreateTaskRequest) *Task {
	e.t.Helper()
	if req.Creator == 0 {
		req.Creator = 1
	}
	if req.Category == 0 {
		req.Category = 1
	}
	task, err := e.svc.CreateTask(context.Background(), req)
	require.NoError(e.t, err)
	return task
}

func (e *testEnv) reload(id int64) *Task {
	e.t.Helper()
	task, err := e.svc.GetTask(context.Background(), id)
	require.NoError(e.t, err)
	return task
}

// cycle expands and dispatches the task once, the way a tick would.
func (e *testEnv) cycle(id int64) (int, DispatchResult) {
	e.t.Helper()
	ctx := context.Background()
	task := e.reload(id)

	created, err := e.decomposer.Expand(ctx, task, e.now)
	require.NoError(e.t, err)
	res, err := e.decomposer.Dispatch(ctx, task)
	require.NoError(e.t, err)
	_, err = e.tracker.Aggregate(ctx, id)
	require.NoError(e.t, err)
	return created, res
}

func (e *testEnv) jobs(taskID int64) []Job {
	e.t.Helper()
	jobs, err := e.svc.ListJobs(context.Background(), taskID)
	require.NoError(e.t, err)
	return jobs
}

func (e *testEnv) using(accountID int64) int {
	e.t.Helper()
	acc, err := account.NewRepository(e.db).GetByID(context.Background(), accountID)
	require.NoError(e.t, err)
	return acc.Using
}

func (e *testEnv) load(agentID int64) int {
	e.t.Helper()
	ag, err := e.dispatcher.Get(context.Background(), agentID)
	require.NoError(e.t, err)
	return ag.Load
}
