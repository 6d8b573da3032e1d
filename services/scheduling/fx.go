package scheduling

import "go.uber.org/fx"

var Module = fx.Module("scheduling",
	fx.Provide(
		NewGuard,
		NewService,
		NewReportHandler,
	),
	fx.Invoke(
		RegisterReportHandlers,
		StartScheduler,
	),
)

// HTTPModule mounts the pull-mode backend API on the ops server.
var HTTPModule = fx.Module("scheduling.http",
	fx.Provide(NewBackendAPI),
	fx.Invoke(RegisterBackendRoutes),
)
