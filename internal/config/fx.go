package config

import "go.uber.org/fx"

// Module loads environment configuration and the hot-reloadable
// gateway tuning file.
var Module = fx.Module("config",
	fx.Provide(
		Load,
		NewTuningHolder,
	),
)
