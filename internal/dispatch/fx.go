package dispatch

import (
	"strings"

	"github.com/metergate/metergate/internal/clock"
	appconfig "github.com/metergate/metergate/internal/config"
	obsmetrics "github.com/metergate/metergate/internal/observability/metrics"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config     appconfig.Config
	Log        *zap.Logger
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// NewDispatcher builds the redis-backed pipeline when an address is
// configured and falls back to the in-process double otherwise, which
// keeps single-node deployments working without redis.
func NewDispatcher(p Params) Dispatcher {
	addr := strings.TrimSpace(p.Config.RedisAddr)
	if addr == "" {
		p.Log.Warn("redis addr not configured, using in-process dispatcher")
		return NewMemory(p.Log, p.Clock, p.Config.Settlement.DedupWindow, p.ObsMetrics)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(p.Config.RedisPassword),
		DB:       p.Config.RedisDB,
	})
	return NewRedis(p.Log, client, p.Config.Settlement.DedupWindow, p.ObsMetrics)
}

var Module = fx.Module("dispatch",
	fx.Provide(NewDispatcher),
)
