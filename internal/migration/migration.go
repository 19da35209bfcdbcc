// Package migration creates the subsystem's tables on startup so local
// and self-hosted deployments work out of the box.
package migration

import (
	accountdomain "github.com/metergate/metergate/internal/account/domain"
	gatewaydomain "github.com/metergate/metergate/internal/gateway/domain"
	meteringdomain "github.com/metergate/metergate/internal/metering/domain"
	paymentdomain "github.com/metergate/metergate/internal/payment/domain"
	pricingdomain "github.com/metergate/metergate/internal/pricing/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Models lists every persisted type, in dependency order. Tests reuse
// it to set up in-memory schemas.
func Models() []any {
	return []any{
		&accountdomain.AccountActivity{},
		&accountdomain.AccountHistory{},
		&pricingdomain.App{},
		&pricingdomain.Pricing{},
		&pricingdomain.Subscription{},
		&pricingdomain.FreeQuotaUsage{},
		&meteringdomain.UsageSummary{},
		&paymentdomain.PaymentAccept{},
		&gatewaydomain.GatewayRequestCounter{},
		&gatewaydomain.GatewayRequestDecisionCache{},
	}
}

func Run(conn *gorm.DB) error {
	return conn.AutoMigrate(Models()...)
}

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB) error {
		return Run(conn)
	}),
)
