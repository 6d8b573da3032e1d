package main

import (
	"context"
	"log"

	"taskcenter/pkg/config"
	"taskcenter/pkg/db"
	"taskcenter/pkg/logger"
	"taskcenter/services/bootstrap"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

// seed migrates the schema, fills the reference tables and exits.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		bootstrap.Module,
		fx.Invoke(exitWhenDone),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

// exitWhenDone runs after bootstrap's start hook, which fails the app on error.
func exitWhenDone(lc fx.Lifecycle, sd fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return sd.Shutdown()
		},
	})
}
