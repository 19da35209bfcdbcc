package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/metergate/metergate/internal/clock"
	"github.com/metergate/metergate/internal/pricing/domain"
	"github.com/metergate/metergate/pkg/faults"
	"github.com/metergate/metergate/pkg/money"
	"github.com/metergate/metergate/pkg/recordstore"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	apps          *recordstore.Store[domain.App]
	pricings      *recordstore.Store[domain.Pricing]
	subscriptions *recordstore.Store[domain.Subscription]
	quotaUsages   *recordstore.Store[domain.FreeQuotaUsage]
}

func NewService(p Params) domain.Service {
	return &Service{
		log:   p.Log.Named("pricing.service"),
		genID: p.GenID,
		clock: p.Clock,
		apps: recordstore.New(p.DB, p.Log, "app",
			[]string{"name", "owner"},
			func(a *domain.App) recordstore.Query {
				return recordstore.Query{"name": a.Name}
			}),
		// The numeric plan terms are declared as immutable columns so a
		// patch attempt fails with ImmutableResource instead of silently
		// rewriting terms subscribers agreed to.
		pricings: recordstore.New(p.DB, p.Log, "pricing",
			[]string{"id", "app", "min_monthly_charge", "charge_per_request", "free_quota"},
			func(pr *domain.Pricing) recordstore.Query {
				return recordstore.Query{"id": pr.ID}
			}),
		subscriptions: recordstore.New(p.DB, p.Log, "subscription",
			[]string{"id", "app", "subscriber"},
			func(s *domain.Subscription) recordstore.Query {
				return recordstore.Query{"app": s.App, "subscriber": s.Subscriber}
			}),
		quotaUsages: recordstore.New(p.DB, p.Log, "free_quota_usage",
			[]string{"id", "subscriber", "app"},
			func(f *domain.FreeQuotaUsage) recordstore.Query {
				return recordstore.Query{"subscriber": f.Subscriber, "app": f.App}
			}),
	}
}

func (s *Service) CreateApp(ctx context.Context, req domain.CreateAppRequest) (*domain.App, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidApp
	}
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		return nil, domain.ErrInvalidOwner
	}
	return s.apps.Create(ctx, &domain.App{
		Name:        name,
		Owner:       owner,
		Title:       req.Title,
		Description: req.Description,
		CreatedAt:   s.clock.Now().UnixMilli(),
	})
}

func (s *Service) GetApp(ctx context.Context, name string) (*domain.App, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.ErrInvalidApp
	}
	return s.apps.Get(ctx, recordstore.Query{"name": name})
}

func (s *Service) CreatePricing(ctx context.Context, req domain.CreatePricingRequest) (*domain.Pricing, error) {
	app := strings.TrimSpace(req.App)
	if app == "" {
		return nil, domain.ErrInvalidApp
	}
	if _, err := s.GetApp(ctx, app); err != nil {
		return nil, err
	}
	minMonthly, err := money.Parse(req.MinMonthlyCharge)
	if err != nil {
		return nil, err
	}
	perRequest, err := money.Parse(req.ChargePerRequest)
	if err != nil {
		return nil, err
	}
	if minMonthly.IsNegative() || perRequest.IsNegative() {
		return nil, &faults.BadUserInput{Field: "pricing", Message: "charges must be non-negative"}
	}
	if req.FreeQuota < 0 {
		return nil, domain.ErrInvalidFreeQuota
	}
	return s.pricings.Create(ctx, &domain.Pricing{
		ID:               s.genID.Generate(),
		App:              app,
		Name:             strings.TrimSpace(req.Name),
		MinMonthlyCharge: minMonthly.String(),
		ChargePerRequest: perRequest.String(),
		FreeQuota:        req.FreeQuota,
		Visible:          req.Visible,
		CreatedAt:        s.clock.Now().UnixMilli(),
	})
}

func (s *Service) GetPricing(ctx context.Context, id snowflake.ID) (*domain.Pricing, error) {
	return s.pricings.Get(ctx, recordstore.Query{"id": id})
}

func (s *Service) UpdatePricing(ctx context.Context, id snowflake.ID, req domain.UpdatePricingRequest) (*domain.Pricing, error) {
	patch := recordstore.Query{}
	if req.Name != nil {
		patch["name"] = *req.Name
	}
	if req.Visible != nil {
		patch["visible"] = *req.Visible
	}
	if len(patch) == 0 {
		return s.GetPricing(ctx, id)
	}
	return s.pricings.Update(ctx, recordstore.Query{"id": id}, patch)
}

func (s *Service) ListPricings(ctx context.Context, app string) ([]*domain.Pricing, error) {
	app = strings.TrimSpace(app)
	if app == "" {
		return nil, domain.ErrInvalidApp
	}
	return s.pricings.Many(ctx, recordstore.Query{"app": app},
		recordstore.SortBy("id", recordstore.Ascending))
}

func (s *Service) Subscribe(ctx context.Context, app, subscriber string, pricingID snowflake.ID) (*domain.Subscription, error) {
	app = strings.TrimSpace(app)
	if app == "" {
		return nil, domain.ErrInvalidApp
	}
	subscriber = strings.TrimSpace(subscriber)
	if subscriber == "" {
		return nil, domain.ErrInvalidSubscriber
	}
	pricing, err := s.GetPricing(ctx, pricingID)
	if err != nil {
		return nil, err
	}
	if pricing.App != app {
		return nil, domain.ErrPricingMismatch
	}
	now := s.clock.Now().UnixMilli()
	return s.subscriptions.CreateOverwrite(ctx, &domain.Subscription{
		ID:         s.genID.Generate(),
		App:        app,
		Subscriber: subscriber,
		PricingID:  pricingID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, recordstore.Query{
		"pricing_id": pricingID,
		"updated_at": now,
	})
}

func (s *Service) Unsubscribe(ctx context.Context, app, subscriber string) error {
	n, err := s.subscriptions.DeleteMany(ctx, recordstore.Query{"app": app, "subscriber": subscriber})
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotSubscribed
	}
	return nil
}

func (s *Service) SubscriptionPricing(ctx context.Context, app, subscriber string) (*domain.Pricing, error) {
	sub, err := s.subscriptions.GetOrNull(ctx, recordstore.Query{"app": app, "subscriber": subscriber})
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, domain.ErrNotSubscribed
	}
	pricing, err := s.pricings.GetOrNull(ctx, recordstore.Query{"id": sub.PricingID})
	if err != nil {
		return nil, err
	}
	if pricing == nil {
		// Plan was deleted from under the subscription.
		return nil, domain.ErrNotSubscribed
	}
	return pricing, nil
}

func (s *Service) ComputeBillableVolume(ctx context.Context, app, subscriber string, volume, freeQuota int64) (*domain.BillableVolume, error) {
	usage, err := s.quotaUsages.CreateOverwrite(ctx, &domain.FreeQuotaUsage{
		ID:         s.genID.Generate(),
		Subscriber: subscriber,
		App:        app,
		Usage:      0,
	}, nil)
	if err != nil {
		return nil, err
	}
	remaining := freeQuota - usage.Usage
	if remaining < 0 {
		remaining = 0
	}
	volumeFree := volume
	if remaining < volumeFree {
		volumeFree = remaining
	}
	return &domain.BillableVolume{
		VolumeFree:     volumeFree,
		VolumeBillable: volume - volumeFree,
		Usage:          usage,
	}, nil
}

func (s *Service) AddFreeQuotaUsage(ctx context.Context, app, subscriber string, n int64) (*domain.FreeQuotaUsage, error) {
	if n <= 0 {
		return nil, errors.New("free quota increment must be positive")
	}
	return s.quotaUsages.Update(ctx,
		recordstore.Query{"subscriber": subscriber, "app": app},
		recordstore.Query{"usage": gorm.Expr("usage + ?", n)})
}
