// Package sweeper periodically finds accounts with due pending
// activities and enqueues settlement instructions for them. It is the
// safety net behind event-driven settlement: anything missed by a
// trigger is picked up on the next sweep.
package sweeper

import (
	"context"

	accountdomain "github.com/metergate/metergate/internal/account/domain"
	"github.com/metergate/metergate/internal/clock"
	appconfig "github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/dispatch"
	"github.com/metergate/metergate/internal/settlement"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	LC         fx.Lifecycle
	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Config     appconfig.Config
	Dispatcher dispatch.Dispatcher
}

type Sweeper struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	dispatcher dispatch.Dispatcher
}

func New(p Params) (*Sweeper, error) {
	s := &Sweeper{
		db:         p.DB,
		log:        p.Log.Named("sweeper"),
		clock:      p.Clock,
		dispatcher: p.Dispatcher,
	}
	if !p.Config.Sweeper.Enabled {
		s.log.Info("settlement sweeper disabled")
		return s, nil
	}

	c := cron.New()
	if _, err := c.AddFunc(p.Config.Sweeper.Spec, func() {
		if err := s.Sweep(context.Background()); err != nil {
			s.log.Error("sweep failed", zap.Error(err))
		}
	}); err != nil {
		return nil, err
	}
	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			c.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopped := c.Stop()
			select {
			case <-stopped.Done():
			case <-ctx.Done():
			}
			return nil
		},
	})
	return s, nil
}

// Sweep enqueues one settle-account instruction per user that has at
// least one due pending activity. Dedup in the pipeline collapses
// repeated sweeps of a slow user.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.clock.Now().UnixMilli()
	var users []string
	err := s.db.WithContext(ctx).
		Model(&accountdomain.AccountActivity{}).
		Where("status = ? AND settle_at <= ?", accountdomain.ActivityStatusPending, now).
		Distinct().
		Pluck("user", &users).Error
	if err != nil {
		return err
	}
	for _, user := range users {
		if err := settlement.TriggerSettlement(ctx, s.dispatcher, user); err != nil {
			s.log.Error("failed to enqueue settlement",
				zap.String("user", user),
				zap.Error(err))
		}
	}
	if len(users) > 0 {
		s.log.Info("sweep enqueued settlements", zap.Int("users", len(users)))
	}
	return nil
}

var Module = fx.Module("sweeper",
	fx.Provide(New),
	fx.Invoke(func(*Sweeper) {}),
)
