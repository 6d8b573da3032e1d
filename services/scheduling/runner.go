package scheduling

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Run drives Tick every configured interval until ctx is done. A tick that is still
// running when the next one fires is skipped.
func (s *Service) Run(ctx context.Context) {
	log := cronLogger{zap.L()}
	c := cron.New(
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	c.Schedule(cron.Every(s.interval), cron.FuncJob(func() {
		if _, err := s.Tick(ctx); err != nil {
			zap.L().Error("[Scheduler] tick failed", zap.Error(err))
		}
	}))

	c.Start()
	zap.L().Info("[Scheduler] started", zap.Duration("interval", s.interval))

	<-ctx.Done()
	<-c.Stop().Done()
	zap.L().Info("[Scheduler] stopped")
}

func StartScheduler(lc fx.Lifecycle, s *Service) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
			return nil
		},
	})
}

type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("[Cron] "+msg, zap.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("[Cron] "+msg, zap.Error(err), zap.Any("kv", keysAndValues))
}
