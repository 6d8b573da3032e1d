package task

import (
	"context"
	"testing"
	"time"

	"taskcenter/pkg/errutil"
	"taskcenter/services/schedule"

	"github.com/stretchr/testify/require"
)

func TestTracker_LimitCountsEndRecurringTask(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(1, "sg")
	ctx := context.Background()
	deadline := baseTime.Add(24 * time.Hour)

	task := env.createTask(CreateTaskRequest{
		Mode:            schedule.ModeIntervalImmediate,
		IntervalSeconds: 60,
		LimitCounts:     3,
		LimitEndTime:    &deadline,
		AccountIDs:      []int64{101},
	})

	for i := 0; i < 3; i++ {
		created, res := env.cycle(task.ID)
		require.Equal(t, 1, created, "cycle %d", i)
		require.Equal(t, 1, res.Dispatched, "cycle %d", i)

		jobs := env.jobs(task.ID)
		last := jobs[len(jobs)-1]
		require.True(t, baseTime.Add(time.Duration(i)*time.Minute).Equal(last.RunAt))

		_, err := env.tracker.Claim(ctx, *last.TrackID)
		require.NoError(t, err)
		_, err = env.tracker.Complete(ctx, *last.TrackID, "ok")
		require.NoError(t, err)

		env.advance(time.Minute)
	}

	final := env.reload(task.ID)
	require.Equal(t, StatusSucceed, final.Status)
	require.Equal(t, 3, final.SucceedCounts)
	require.NotNil(t, final.EndTime)
	require.NotNil(t, final.StartTime)
	require.Nil(t, final.Bindings[0].NextRunTime)
	require.True(t, env.now.Before(deadline))

	created, _ := env.cycle(task.ID)
	require.Zero(t, created)
	require.Equal(t, 0, env.using(101))
	require.Equal(t, 0, env.load(1))
}

func TestTracker_SucceedNeverExceedsLimit(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(1, "sg")
	ctx := context.Background()

	task := env.createTask(CreateTaskRequest{
		Mode:            schedule.ModeIntervalImmediate,
		IntervalSeconds: 60,
		LimitCounts:     2,
		AccountIDs:      []int64{101, 102, 103},
	})

	for i := 0; i < 3; i++ {
		env.cycle(task.ID)
		for _, j := range env.jobs(task.ID) {
			if j.Status == JobPending && j.TrackID != nil {
				_, err := env.tracker.Complete(ctx, *j.TrackID, "ok")
				require.NoError(t, err)
			}
		}
		env.advance(time.Minute)
	}

	final := env.reload(task.ID)
	require.Equal(t, 2, final.SucceedCounts)
	require.Equal(t, StatusSucceed, final.Status)
	require.Len(t, env.jobs(task.ID), 2)
}

func TestTracker_ReportsAreIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(1, "sg")
	ctx := context.Background()

	task := env.createTask(CreateTaskRequest{Mode: schedule.ModeOnce, AccountIDs: []int64{101}})
	env.cycle(task.ID)
	trackID := *env.jobs(task.ID)[0].TrackID

	first, err := env.tracker.Claim(ctx, trackID)
	require.NoError(t, err)
	require.Equal(t, JobRunning, first.Status)
	startedAt := *first.StartTime

	env.advance(time.Second)
	again, err := env.tracker.Claim(ctx, trackID)
	require.NoError(t, err)
	require.Equal(t, JobRunning, again.Status)
	require.True(t, startedAt.Equal(*again.StartTime))

	for i := 0; i < 2; i++ {
		done, err := env.tracker.Complete(ctx, trackID, "posted")
		require.NoError(t, err)
		require.Equal(t, JobSucceed, done.Status)
		require.Equal(t, "posted", done.Result)
	}

	late, err := env.tracker.Fail(ctx, trackID, "timeout")
	require.NoError(t, err)
	require.Equal(t, JobSucceed, late.Status)

	claimed, err := env.tracker.Claim(ctx, trackID)
	require.NoError(t, err)
	require.Equal(t, JobSucceed, claimed.Status)

	final := env.reload(task.ID)
	require.Equal(t, 1, final.SucceedCounts)
	require.Equal(t, 0, final.FailedCounts)
	require.Equal(t, 0, env.using(101))
	require.Equal(t, 0, env.load(1))

	_, err = env.tracker.Complete(ctx, "no-such-track", "")
	require.True(t, errutil.IsStatus(err, errutil.StatusNotFound))

	_, err = env.tracker.Claim(ctx, "")
	require.True(t, errutil.IsStatus(err, errutil.StatusBadRequest))
}

func TestTracker_FailedOneShotTaskFails(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(1, "sg")
	ctx := context.Background()

	task := env.createTask(CreateTaskRequest{Mode: schedule.ModeOnce, AccountIDs: []int64{101}})
	env.cycle(task.ID)
	trackID := *env.jobs(task.ID)[0].TrackID

	// a terminal report without a prior claim still stamps start_time
	failed, err := env.tracker.Fail(ctx, trackID, "checkpoint required")
	require.NoError(t, err)
	require.Equal(t, JobFailed, failed.Status)
	require.Equal(t, "checkpoint required", failed.Traceback)
	require.NotNil(t, failed.StartTime)
	require.NotNil(t, failed.EndTime)

	final := env.reload(task.ID)
	require.Equal(t, StatusFailed, final.Status)
	require.Equal(t, 1, final.FailedCounts)
	require.Nil(t, final.Bindings[0].NextRunTime)
	require.Equal(t, 0, env.using(101))
}

func TestTracker_FailedRecurringRunRetriesNextInterval(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(1, "sg")
	ctx := context.Background()

	task := env.createTask(CreateTaskRequest{
		Mode:            schedule.ModeIntervalImmediate,
		IntervalSeconds: 300,
		AccountIDs:      []int64{101},
	})
	env.cycle(task.ID)
	_, err := env.tracker.Fail(ctx, *env.jobs(task.ID)[0].TrackID, "boom")
	require.NoError(t, err)

	reloaded := env.reload(task.ID)
	require.Equal(t, StatusPending, reloaded.Status)
	require.True(t, baseTime.Add(5*time.Minute).Equal(*reloaded.Bindings[0].NextRunTime))

	env.advance(5 * time.Minute)
	created, _ := env.cycle(task.ID)
	require.Equal(t, 1, created)
}

func TestTracker_TimeoutCancelsPendingKeepsRunning(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(1, "sg")
	ctx := context.Background()
	deadline := baseTime.Add(10 * time.Minute)

	task := env.createTask(CreateTaskRequest{
		Mode:            schedule.ModeIntervalImmediate,
		IntervalSeconds: 60,
		LimitCounts:     100,
		LimitEndTime:    &deadline,
		AccountIDs:      []int64{101, 102},
	})
	env.cycle(task.ID)
	jobs := env.jobs(task.ID)
	_, err := env.tracker.Claim(ctx, *jobs[0].TrackID)
	require.NoError(t, err)

	env.advance(10 * time.Minute)
	applied, err := env.tracker.Timeout(ctx, env.reload(task.ID))
	require.NoError(t, err)
	require.False(t, applied)

	env.advance(time.Second)
	applied, err = env.tracker.Timeout(ctx, env.reload(task.ID))
	require.NoError(t, err)
	require.True(t, applied)

	jobs = env.jobs(task.ID)
	require.Equal(t, JobRunning, jobs[0].Status)
	require.Equal(t, JobCancelled, jobs[1].Status)
	require.Equal(t, 0, env.using(102))
	require.Equal(t, StatusRunning, env.reload(task.ID).Status)

	_, err = env.tracker.Complete(ctx, *jobs[0].TrackID, "ok")
	require.NoError(t, err)

	final := env.reload(task.ID)
	require.Equal(t, StatusSucceed, final.Status)
	require.Equal(t, 1, final.SucceedCounts)
	for _, b := range final.Bindings {
		require.Nil(t, b.NextRunTime)
	}
	require.Equal(t, 0, env.load(1))
}

func TestTracker_TimeoutWithoutSuccessFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	deadline := baseTime.Add(time.Minute)

	// no agent: the job never leaves pending
	task := env.createTask(CreateTaskRequest{
		Mode:         schedule.ModeOnce,
		LimitEndTime: &deadline,
		AccountIDs:   []int64{101},
	})
	env.cycle(task.ID)

	env.advance(2 * time.Minute)
	applied, err := env.tracker.Timeout(ctx, env.reload(task.ID))
	require.NoError(t, err)
	require.True(t, applied)

	final := env.reload(task.ID)
	require.Equal(t, StatusFailed, final.Status)
	require.Equal(t, JobCancelled, env.jobs(task.ID)[0].Status)
	require.Equal(t, 0, env.using(101))
}

func TestTracker_TimeoutEndsPausedTask(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(1, "sg")
	ctx := context.Background()
	deadline := baseTime.Add(time.Hour)

	task := env.createTask(CreateTaskRequest{
		Mode:         schedule.ModeOnce,
		LimitEndTime: &deadline,
		AccountIDs:   []int64{101},
	})
	_, res := env.cycle(task.ID)
	require.Equal(t, 1, res.Dispatched)
	_, err := env.svc.PauseTask(ctx, task.ID)
	require.NoError(t, err)

	applied, err := env.tracker.Timeout(ctx, env.reload(task.ID))
	require.NoError(t, err)
	require.False(t, applied)

	env.advance(2 * time.Hour)
	applied, err = env.tracker.Timeout(ctx, env.reload(task.ID))
	require.NoError(t, err)
	require.True(t, applied)

	require.Equal(t, StatusFailed, env.reload(task.ID).Status)
	require.Equal(t, JobCancelled, env.jobs(task.ID)[0].Status)
	require.Equal(t, 0, env.using(101))
	require.Equal(t, 0, env.load(1))

	_, err = env.svc.ResumeTask(ctx, task.ID)
	require.True(t, errutil.IsStatus(err, errutil.StatusConflict))
}

func TestTracker_PausedTaskWithRunningJobEndsWhenItReports(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(1, "sg")
	ctx := context.Background()
	deadline := baseTime.Add(time.Hour)

	task := env.createTask(CreateTaskRequest{
		Mode:         schedule.ModeOnce,
		LimitEndTime: &deadline,
		AccountIDs:   []int64{101},
	})
	env.cycle(task.ID)
	jobs := env.jobs(task.ID)
	_, err := env.tracker.Claim(ctx, *jobs[0].TrackID)
	require.NoError(t, err)
	_, err = env.svc.PauseTask(ctx, task.ID)
	require.NoError(t, err)

	env.advance(2 * time.Hour)
	applied, err := env.tracker.Timeout(ctx, env.reload(task.ID))
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, StatusPausing, env.reload(task.ID).Status)

	_, err = env.tracker.Complete(ctx, *jobs[0].TrackID, "ok")
	require.NoError(t, err)
	final := env.reload(task.ID)
	require.Equal(t, StatusSucceed, final.Status)
	require.Equal(t, 1, final.SucceedCounts)
	require.Equal(t, 0, env.load(1))
}

func TestResolveStatus(t *testing.T) {
	now := baseTime
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	cases := []struct {
		name                   string
		task                   Task
		running, pending, open int64
		want                   Status
	}{
		{"running wins", Task{Status: StatusPending, LimitCounts: 1}, 1, 3, 1, StatusRunning},
		{"pending", Task{Status: StatusNew, LimitCounts: 1}, 0, 2, 1, StatusPending},
		{"awaiting next run", Task{Status: StatusRunning, LimitCounts: 5, SucceedCounts: 1, LimitEndTime: &future}, 0, 0, 1, StatusPending},
		{"limit reached", Task{Status: StatusRunning, LimitCounts: 2, SucceedCounts: 2, LimitEndTime: &future}, 0, 0, 1, StatusSucceed},
		{"deadline with success", Task{Status: StatusRunning, LimitCounts: 5, SucceedCounts: 1, LimitEndTime: &past}, 0, 0, 1, StatusSucceed},
		{"deadline without success", Task{Status: StatusPending, LimitCounts: 5, LimitEndTime: &past}, 0, 0, 1, StatusFailed},
		{"exhausted", Task{Status: StatusRunning, LimitCounts: 5, FailedCounts: 1}, 0, 0, 0, StatusFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, resolveStatus(tc.task, tc.running, tc.pending, tc.open, now))
		})
	}
}
