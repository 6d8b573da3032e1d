package task

import (
	"context"
	"testing"
	"time"

	taskqueue "taskcenter/pkg/task"
	"taskcenter/services/schedule"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func TestDecomposer_ExpandIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := env.createTask(CreateTaskRequest{
		Mode:            schedule.ModeIntervalImmediate,
		IntervalSeconds: 60,
		LimitCounts:     10,
		AccountIDs:      []int64{101, 102},
	})

	created, err := env.decomposer.Expand(ctx, task, env.now)
	require.NoError(t, err)
	require.Equal(t, 2, created)

	created, err = env.decomposer.Expand(ctx, task, env.now)
	require.NoError(t, err)
	require.Zero(t, created)

	jobs := env.jobs(task.ID)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		require.Equal(t, JobPending, j.Status)
		require.Nil(t, j.AgentID)
		require.Nil(t, j.TrackID)
		require.True(t, baseTime.Equal(j.RunAt))
	}
}

func TestDecomposer_ExpandWaitsForDueTime(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := env.createTask(CreateTaskRequest{
		Mode:            schedule.ModeIntervalDelayed,
		IntervalSeconds: 600,
		AccountIDs:      []int64{101},
	})

	env.advance(599 * time.Second)
	created, err := env.decomposer.Expand(ctx, task, env.now)
	require.NoError(t, err)
	require.Zero(t, created)

	env.advance(time.Second)
	created, err = env.decomposer.Expand(ctx, task, env.now)
	require.NoError(t, err)
	require.Equal(t, 1, created)
}

func TestDecomposer_ExpandRespectsSuccessBudget(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := env.createTask(CreateTaskRequest{
		Mode:        schedule.ModeOnce,
		LimitCounts: 2,
		AccountIDs:  []int64{101, 102, 103},
	})

	created, err := env.decomposer.Expand(ctx, task, env.now)
	require.NoError(t, err)
	require.Equal(t, 2, created)
}

func TestDecomposer_DispatchAssignsAndEnqueues(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(1, "sg")
	env.addAgent(2, "sg")

	task := env.createTask(CreateTaskRequest{
		Mode:        schedule.ModeOnce,
		Category:    6,
		LimitCounts: 2,
		AccountIDs:  []int64{101, 102},
		Configure:   []byte(`{"content":"hello"}`),
	})

	created, res := env.cycle(task.ID)
	require.Equal(t, 2, created)
	require.Equal(t, DispatchResult{Dispatched: 2}, res)
	require.Equal(t, 2, env.enq.count())
	require.Equal(t, 1, env.load(1))
	require.Equal(t, 1, env.load(2))
	require.Equal(t, 1, env.using(101))
	require.Equal(t, 1, env.using(102))

	first := env.enq.tasks[0]
	require.Equal(t, "job:fb_post", first.Type())
	p, err := taskqueue.ParseDispatch(first)
	require.NoError(t, err)
	require.JSONEq(t, `{"content":"hello"}`, string(p.Configure))

	jobs := env.jobs(task.ID)
	seen := map[string]bool{}
	for _, j := range jobs {
		require.NotNil(t, j.AgentID)
		require.NotNil(t, j.TrackID)
		require.Len(t, *j.TrackID, 36)
		require.Equal(t, "q-sg", j.Queue)
		require.False(t, seen[*j.TrackID])
		seen[*j.TrackID] = true
	}
	require.True(t, seen[p.TrackID])

	reloaded := env.reload(task.ID)
	require.Equal(t, StatusPending, reloaded.Status)
	for _, b := range reloaded.Bindings {
		require.True(t, seen[b.TrackID])
	}
}

func TestDecomposer_NoAgentKeepsNoLock(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(1, "us")

	task := env.createTask(CreateTaskRequest{Mode: schedule.ModeOnce, AccountIDs: []int64{101}})

	created, res := env.cycle(task.ID)
	require.Equal(t, 1, created)
	require.Equal(t, DispatchResult{NoAgent: 1}, res)
	require.Equal(t, 0, env.using(101))
	require.Equal(t, 0, env.load(1))
	require.Zero(t, env.enq.count())

	jobs := env.jobs(task.ID)
	require.Len(t, jobs, 1)
	require.Equal(t, JobPending, jobs[0].Status)
	require.Nil(t, jobs[0].AgentID)

	// the job is picked up once an agent serves the area
	env.addAgent(2, "sg")
	_, res = env.cycle(task.ID)
	require.Equal(t, DispatchResult{Dispatched: 1}, res)
	require.Len(t, env.jobs(task.ID), 1)
}

func TestDecomposer_TaskAreaOverridesAccountArea(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(1, "sg")
	env.addAgent(2, "jp")

	task := env.createTask(CreateTaskRequest{Mode: schedule.ModeOnce, Area: "jp", AccountIDs: []int64{101}})
	_, res := env.cycle(task.ID)
	require.Equal(t, 1, res.Dispatched)
	require.Equal(t, 1, env.load(2))
	require.Equal(t, 0, env.load(1))
}

func TestDecomposer_LockDeniedDefers(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(1, "sg")

	a := env.createTask(CreateTaskRequest{Mode: schedule.ModeOnce, AccountIDs: []int64{101}})
	b := env.createTask(CreateTaskRequest{Mode: schedule.ModeOnce, AccountIDs: []int64{101}})

	_, res := env.cycle(a.ID)
	require.Equal(t, 1, res.Dispatched)

	_, res = env.cycle(b.ID)
	require.Equal(t, DispatchResult{Deferred: 1}, res)
	require.Equal(t, 1, env.using(101))
	require.Equal(t, 1, env.load(1))

	jobs := env.jobs(a.ID)
	_, err := env.tracker.Complete(context.Background(), *jobs[0].TrackID, "ok")
	require.NoError(t, err)

	_, res = env.cycle(b.ID)
	require.Equal(t, DispatchResult{Dispatched: 1}, res)
	require.Equal(t, 1, env.using(101))
}

func TestDecomposer_EnqueueFailureReverts(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(1, "sg")
	env.enq.EnqueueFn = func(*asynq.Task) error { return errBrokerDown }

	task := env.createTask(CreateTaskRequest{Mode: schedule.ModeOnce, AccountIDs: []int64{101}})

	_, res := env.cycle(task.ID)
	require.Equal(t, DispatchResult{Failed: 1}, res)
	require.Equal(t, 0, env.using(101))
	require.Equal(t, 0, env.load(1))

	jobs := env.jobs(task.ID)
	require.Nil(t, jobs[0].AgentID)
	require.Nil(t, jobs[0].TrackID)
	require.Empty(t, jobs[0].Queue)

	env.enq.EnqueueFn = func(*asynq.Task) error { return asynq.ErrTaskIDConflict }
	_, res = env.cycle(task.ID)
	require.Equal(t, DispatchResult{Dispatched: 1}, res)
}

func TestDecomposer_ProcessorFallsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := env.decomposer.processor(ctx, 404)
	require.NoError(t, err)
	require.Equal(t, taskqueue.TypeJobRun, p)

	p, err = env.decomposer.processor(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "job:fb_auto_farming", p)

	// cached
	env.db.Exec("DELETE FROM task_category")
	p, err = env.decomposer.processor(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "job:fb_auto_farming", p)
}

func TestDecomposer_CancelDuringExpandCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(1, "sg")
	ctx := context.Background()

	task := env.createTask(CreateTaskRequest{Mode: schedule.ModeOnce, AccountIDs: []int64{101}})
	env.onceAfterQuery("task_account_group", func() {
		_, err := env.svc.CancelTask(ctx, task.ID)
		require.NoError(t, err)
	})

	// task still holds the pre-cancel snapshot
	created, err := env.decomposer.Expand(ctx, task, env.now)
	require.NoError(t, err)
	require.Zero(t, created)

	res, err := env.decomposer.Dispatch(ctx, task)
	require.NoError(t, err)
	require.Zero(t, res.Dispatched)

	require.Equal(t, StatusCancelled, env.reload(task.ID).Status)
	require.Empty(t, env.jobs(task.ID))
	require.Zero(t, env.enq.count())
	require.Equal(t, 0, env.using(101))
	require.Equal(t, 0, env.load(1))
}

func TestDecomposer_PauseDuringDispatchKeepsSlotsFree(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(1, "sg")
	ctx := context.Background()

	task := env.createTask(CreateTaskRequest{Mode: schedule.ModeOnce, AccountIDs: []int64{101}})
	created, err := env.decomposer.Expand(ctx, task, env.now)
	require.NoError(t, err)
	require.Equal(t, 1, created)

	env.onceAfterQuery("job", func() {
		_, err := env.svc.PauseTask(ctx, task.ID)
		require.NoError(t, err)
	})

	res, err := env.decomposer.Dispatch(ctx, task)
	require.NoError(t, err)
	require.Zero(t, res.Dispatched)

	jobs := env.jobs(task.ID)
	require.Len(t, jobs, 1)
	require.Equal(t, JobPending, jobs[0].Status)
	require.Nil(t, jobs[0].AgentID)
	require.Nil(t, jobs[0].TrackID)
	require.Zero(t, env.enq.count())
	require.Equal(t, 0, env.using(101))
	require.Equal(t, 0, env.load(1))

	_, err = env.svc.ResumeTask(ctx, task.ID)
	require.NoError(t, err)
	_, res = env.cycle(task.ID)
	require.Equal(t, 1, res.Dispatched)
}
