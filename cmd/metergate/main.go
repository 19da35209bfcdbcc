package main

import (
	"github.com/metergate/metergate/internal/account"
	"github.com/metergate/metergate/internal/clock"
	"github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/database"
	"github.com/metergate/metergate/internal/dispatch"
	"github.com/metergate/metergate/internal/gateway"
	"github.com/metergate/metergate/internal/logger"
	"github.com/metergate/metergate/internal/metering"
	"github.com/metergate/metergate/internal/migration"
	"github.com/metergate/metergate/internal/observability/metrics"
	"github.com/metergate/metergate/internal/payment"
	"github.com/metergate/metergate/internal/pricing"
	"github.com/metergate/metergate/internal/server"
	"github.com/metergate/metergate/internal/settlement"
	"github.com/metergate/metergate/internal/sweeper"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		metrics.Module,
		database.Module,
		migration.Module,
		clock.Module,

		// Functional domains
		account.Module,
		pricing.Module,
		metering.Module,
		payment.Module,
		dispatch.Module,
		settlement.Module,
		gateway.Module,
		sweeper.Module,

		server.Module,
	)
	app.Run()
}
