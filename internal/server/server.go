// Package server is the thin HTTP surface over the subsystem: ledger
// reads and writes, settlement triggers, admission checks, and the
// catalog operations they depend on.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/metergate/metergate/internal/account/domain"
	appconfig "github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/dispatch"
	gatewaydomain "github.com/metergate/metergate/internal/gateway/domain"
	meteringdomain "github.com/metergate/metergate/internal/metering/domain"
	paymentdomain "github.com/metergate/metergate/internal/payment/domain"
	pricingdomain "github.com/metergate/metergate/internal/pricing/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log         *zap.Logger
	Config      appconfig.Config
	AccountSvc  accountdomain.Service
	GatewaySvc  gatewaydomain.Service
	PricingSvc  pricingdomain.Service
	MeteringSvc meteringdomain.Service
	PaymentSvc  paymentdomain.Service
	Dispatcher  dispatch.Dispatcher
}

type Server struct {
	log         *zap.Logger
	cfg         appconfig.Config
	accountSvc  accountdomain.Service
	gatewaySvc  gatewaydomain.Service
	pricingSvc  pricingdomain.Service
	meteringSvc meteringdomain.Service
	paymentSvc  paymentdomain.Service
	dispatcher  dispatch.Dispatcher
}

func NewServer(p Params) *Server {
	return &Server{
		log:         p.Log.Named("http.server"),
		cfg:         p.Config,
		accountSvc:  p.AccountSvc,
		gatewaySvc:  p.GatewaySvc,
		pricingSvc:  p.PricingSvc,
		meteringSvc: p.MeteringSvc,
		paymentSvc:  p.PaymentSvc,
		dispatcher:  p.Dispatcher,
	}
}

func registerGin(s *Server, cfg appconfig.Config) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	{
		v1.POST("/activities", s.recordActivity)
		v1.GET("/activities", s.listActivities)
		v1.GET("/histories", s.listHistories)
		v1.GET("/balance/:user", s.getBalance)
		v1.POST("/settlements/:user", s.triggerSettlement)
		v1.GET("/admission", s.checkAdmission)

		v1.POST("/apps", s.createApp)
		v1.POST("/pricings", s.createPricing)
		v1.PATCH("/pricings/:id", s.updatePricing)
		v1.GET("/pricings", s.listPricings)
		v1.POST("/subscriptions", s.subscribe)
		v1.DELETE("/subscriptions", s.unsubscribe)

		v1.POST("/usage", s.recordUsage)
		v1.POST("/payments", s.createPayment)
		v1.POST("/payments/:id/complete", s.completePayment)
	}
	return r
}

func start(lc fx.Lifecycle, log *zap.Logger, cfg appconfig.Config, engine *gin.Engine) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

var Module = fx.Module("http.server",
	fx.Provide(NewServer, registerGin),
	fx.Invoke(start),
)
