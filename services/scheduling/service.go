package scheduling

import (
	"context"
	"sync"
	"time"

	"taskcenter/pkg/config"
	"taskcenter/pkg/featureflags"
	"taskcenter/pkg/metrics"
	"taskcenter/services/schedule"
	"taskcenter/services/task"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("taskcenter/scheduling")

// PauseFlag is the environment switch that halts ticking on every replica. Report
// handling keeps running so in-flight Jobs can still finish.
const PauseFlag = "taskcenter_scheduler_paused"

// TickReport summarises one tick. Per-task errors are counted, never returned.
type TickReport struct {
	Skipped  bool
	Tasks    int
	Created  int
	TimedOut int
	Failed   int
	Dispatch task.DispatchResult
	Took     time.Duration
}

func (r *TickReport) merge(o TickReport) {
	r.Created += o.Created
	r.TimedOut += o.TimedOut
	r.Failed += o.Failed
	r.Dispatch.Add(o.Dispatch)
}

type Service struct {
	repo       task.Repository
	decomposer *task.Decomposer
	tracker    *task.Tracker
	guard      Guard
	flags      featureflags.FeatureFlag
	clock      schedule.Clock
	metrics    *metrics.Metrics

	interval    time.Duration
	maxParallel int

	mu sync.Mutex
}

type Params struct {
	fx.In
	Config     *config.Config
	Repo       task.Repository
	Decomposer *task.Decomposer
	Tracker    *task.Tracker
	Guard      Guard                    `optional:"true"`
	Flags      featureflags.FeatureFlag `optional:"true"`
	Clock      schedule.Clock           `optional:"true"`
	Metrics    *metrics.Metrics         `optional:"true"`
}

func NewService(p Params) *Service {
	s := &Service{
		repo:        p.Repo,
		decomposer:  p.Decomposer,
		tracker:     p.Tracker,
		guard:       p.Guard,
		flags:       p.Flags,
		clock:       p.Clock,
		metrics:     p.Metrics,
		interval:    config.DefaultTickInterval,
		maxParallel: config.DefaultMaxParallel,
	}
	if s.guard == nil {
		s.guard = NoopGuard()
	}
	if s.clock == nil {
		s.clock = schedule.SystemClock
	}
	if p.Config != nil {
		if p.Config.Scheduler.TickInterval > 0 {
			s.interval = p.Config.Scheduler.TickInterval
		}
		if p.Config.Scheduler.MaxParallel > 0 {
			s.maxParallel = p.Config.Scheduler.MaxParallel
		}
	}
	return s
}

// Tick runs one pass over every schedulable Task: deadline, expansion, dispatch,
// aggregation. Overlapping calls, in process or across replicas, are skipped.
func (s *Service) Tick(ctx context.Context) (TickReport, error) {
	var report TickReport
	if !s.mu.TryLock() {
		report.Skipped = true
		s.metrics.Tick("skipped", 0)
		return report, nil
	}
	defer s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "scheduling.Tick")
	defer span.End()

	if s.paused(ctx) {
		report.Skipped = true
		s.metrics.Tick("paused", 0)
		return report, nil
	}

	start := time.Now()
	release, ok, err := s.guard.Acquire(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.metrics.Tick("error", time.Since(start))
		return report, err
	}
	if !ok {
		report.Skipped = true
		s.metrics.Tick("skipped", time.Since(start))
		return report, nil
	}
	defer release()

	tasks, err := s.repo.ListSchedulable(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.metrics.Tick("error", time.Since(start))
		return report, err
	}
	report.Tasks = len(tasks)
	now := s.clock()

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(s.maxParallel)
	for i := range tasks {
		t := &tasks[i]
		g.Go(func() error {
			r := s.processTask(ctx, t, now)
			mu.Lock()
			report.merge(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Took = time.Since(start)
	s.observe(report)
	span.SetAttributes(
		attribute.Int("tasks", report.Tasks),
		attribute.Int("jobs.created", report.Created),
		attribute.Int("jobs.dispatched", report.Dispatch.Dispatched),
		attribute.Int("tasks.failed", report.Failed),
	)

	if report.Created > 0 || report.Dispatch.Dispatched > 0 || report.TimedOut > 0 || report.Failed > 0 {
		zap.L().Info("[Scheduler] tick finished",
			zap.Int("tasks", report.Tasks),
			zap.Int("created", report.Created),
			zap.Int("dispatched", report.Dispatch.Dispatched),
			zap.Int("deferred", report.Dispatch.Deferred),
			zap.Int("no_agent", report.Dispatch.NoAgent),
			zap.Int("timed_out", report.TimedOut),
			zap.Int("failed", report.Failed),
			zap.Duration("took", report.Took),
		)
	}
	return report, nil
}

// paused fails open: a flag lookup error keeps the scheduler running.
func (s *Service) paused(ctx context.Context) bool {
	if s.flags == nil {
		return false
	}
	on, err := s.flags.IsEnabled(ctx, PauseFlag)
	if err != nil {
		zap.L().Warn("[Scheduler] feature flag lookup failed", zap.String("flag", PauseFlag), zap.Error(err))
		return false
	}
	return on
}

func (s *Service) processTask(ctx context.Context, t *task.Task, now time.Time) TickReport {
	var r TickReport
	if ctx.Err() != nil {
		return r
	}
	ctx, span := tracer.Start(ctx, "scheduling.processTask", oteltrace.WithAttributes(attribute.Int64("task_id", t.ID)))
	defer span.End()
	log := zap.L().With(zap.Int64("task_id", t.ID))

	timedOut, err := s.tracker.Timeout(ctx, t)
	if err != nil {
		log.Error("[Scheduler] deadline check failed", zap.Error(err))
		r.Failed++
		return r
	}
	if timedOut {
		r.TimedOut++
		return r
	}
	if t.Status == task.StatusPausing {
		return r
	}

	created, err := s.decomposer.Expand(ctx, t, now)
	if err != nil {
		log.Error("[Scheduler] expand failed", zap.Error(err))
		r.Failed++
		return r
	}
	r.Created = created

	dispatch, err := s.decomposer.Dispatch(ctx, t)
	r.Dispatch = dispatch
	if err != nil {
		log.Error("[Scheduler] dispatch failed", zap.Error(err))
		r.Failed++
	}

	if _, err := s.tracker.Aggregate(ctx, t.ID); err != nil {
		log.Error("[Scheduler] aggregate failed", zap.Error(err))
		r.Failed++
	}
	return r
}

func (s *Service) observe(r TickReport) {
	s.metrics.Tick("ok", r.Took)
	s.metrics.JobsCreated(r.Created)
	s.metrics.JobsDispatched(r.Dispatch.Dispatched)
	s.metrics.JobsDeferred("account_busy", r.Dispatch.Deferred)
	s.metrics.JobsDeferred("no_agent", r.Dispatch.NoAgent)
	s.metrics.JobsDeferred("error", r.Dispatch.Failed)
}
