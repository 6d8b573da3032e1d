package main

import (
	"log"

	"taskcenter/pkg/config"
	"taskcenter/pkg/db"
	"taskcenter/pkg/featureflags"
	"taskcenter/pkg/gen"
	"taskcenter/pkg/hashistack/secretmanager"
	"taskcenter/pkg/hashistack/servicediscover"
	"taskcenter/pkg/health"
	"taskcenter/pkg/logger"
	"taskcenter/pkg/metrics"
	"taskcenter/pkg/otelcol"
	"taskcenter/pkg/profiling"
	"taskcenter/pkg/redis"
	"taskcenter/pkg/server"
	taskqueue "taskcenter/pkg/task"
	"taskcenter/services/account"
	"taskcenter/services/agent"
	"taskcenter/services/bootstrap"
	"taskcenter/services/catalog"
	"taskcenter/services/scheduling"
	"taskcenter/services/task"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	opts := []fx.Option{
		configModule(),
		logger.Module,
		db.Module,
		bootstrap.Module,
		redis.Module,
		gen.Module,
		metrics.Module,
		otelcol.Module,
		profiling.Module,
		featureflags.Module,
		taskqueue.Client,
		taskqueue.Server,
		account.Module,
		agent.Module,
		catalog.Module,
		task.Module,
		scheduling.Module,
		health.Module,
		server.ProvideHTTPServer,
		scheduling.HTTPModule,
		servicediscover.Module,
		fxLogger,
	}
	if secretmanager.Enabled() {
		opts = append(opts, secretmanager.Module)
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

func configModule() fx.Option {
	if config.RemoteEnabled() {
		return config.RemoteModule
	}
	return config.Module
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger.Named("fx")}
})
