package metrics

import (
	"os"

	appconfig "github.com/metergate/metergate/internal/config"
	"go.uber.org/fx"
)

func newConfig(cfg appconfig.Config) Config {
	return Config{
		Enabled:          os.Getenv("OTLP_ENDPOINT") != "",
		ExporterEndpoint: os.Getenv("OTLP_ENDPOINT"),
		ExporterProtocol: os.Getenv("OTLP_PROTOCOL"),
		ServiceName:      cfg.AppName,
		Environment:      cfg.Environment,
	}
}

// Module wires the meter provider and the domain instruments.
var Module = fx.Module("observability.metrics",
	fx.Provide(
		newConfig,
		NewProvider,
		New,
	),
)
