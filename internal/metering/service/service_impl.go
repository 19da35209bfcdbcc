package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/metergate/metergate/internal/account/domain"
	"github.com/metergate/metergate/internal/clock"
	appconfig "github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/metering/domain"
	pricingdomain "github.com/metergate/metergate/internal/pricing/domain"
	"github.com/metergate/metergate/pkg/money"
	"github.com/metergate/metergate/pkg/recordstore"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     appconfig.Config
	AccountSvc accountdomain.Service
	PricingSvc pricingdomain.Service
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	accountSvc accountdomain.Service
	pricingSvc pricingdomain.Service
	summaries  *recordstore.Store[domain.UsageSummary]
	// bills reads the ledger directly for the trailing-window monthly
	// sum; writes always go through the account service.
	bills *recordstore.Store[accountdomain.AccountActivity]

	serviceFeePerRequest money.Money
	holdPeriodMs         int64
	collectionPeriodMs   int64
}

func NewService(p Params) domain.Service {
	return &Service{
		log:        p.Log.Named("metering.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		accountSvc: p.AccountSvc,
		pricingSvc: p.PricingSvc,
		summaries: recordstore.New(p.DB, p.Log, "usage_summary",
			[]string{"id"},
			func(u *domain.UsageSummary) recordstore.Query {
				return recordstore.Query{"id": u.ID}
			}),
		bills: recordstore.New(p.DB, p.Log, "account_activity",
			[]string{"id"},
			func(a *accountdomain.AccountActivity) recordstore.Query {
				return recordstore.Query{"id": a.ID}
			}),
		serviceFeePerRequest: money.MustParse(p.Config.Gateway.PlatformFeePerRequest),
		holdPeriodMs:         p.Config.Settlement.MonthlyChargeHoldPeriod.Milliseconds(),
		collectionPeriodMs:   p.Config.Settlement.MonthlyChargeCollectionPeriod.Milliseconds(),
	}
}

func (s *Service) CreateUsageSummary(ctx context.Context, req domain.CreateUsageSummaryRequest) (*domain.UsageSummary, error) {
	app := strings.TrimSpace(req.App)
	if app == "" {
		return nil, pricingdomain.ErrInvalidApp
	}
	subscriber := strings.TrimSpace(req.Subscriber)
	if subscriber == "" {
		return nil, pricingdomain.ErrInvalidSubscriber
	}
	if req.Volume <= 0 {
		return nil, domain.ErrInvalidVolume
	}
	pricing, err := s.pricingSvc.SubscriptionPricing(ctx, app, subscriber)
	if err != nil {
		return nil, err
	}
	return s.summaries.Create(ctx, &domain.UsageSummary{
		ID:         s.genID.Generate(),
		App:        app,
		Subscriber: subscriber,
		PricingID:  pricing.ID,
		Volume:     req.Volume,
		Status:     domain.UsageSummaryStatusPending,
		CreatedAt:  s.clock.Now().UnixMilli(),
	})
}

func (s *Service) GetUsageSummary(ctx context.Context, id snowflake.ID) (*domain.UsageSummary, error) {
	return s.summaries.Get(ctx, recordstore.Query{"id": id})
}

func (s *Service) GenerateAccountActivities(ctx context.Context, id snowflake.ID) (*domain.BillingResult, error) {
	ctx = recordstore.WithSession(ctx)
	summary, err := s.GetUsageSummary(ctx, id)
	if err != nil {
		return nil, err
	}
	if summary.Status != domain.UsageSummaryStatusPending {
		return nil, domain.ErrNotBillable
	}

	pricing, err := s.pricingSvc.GetPricing(ctx, summary.PricingID)
	if err != nil {
		// The plan was deleted between metering and billing. The summary
		// cannot be priced anymore; park it.
		if _, markErr := s.summaries.Update(ctx,
			recordstore.Query{"id": summary.ID},
			recordstore.Query{"status": domain.UsageSummaryStatusError}); markErr != nil {
			s.log.Error("failed to mark usage summary as errored", zap.Error(markErr))
		}
		return nil, err
	}
	app, err := s.pricingSvc.GetApp(ctx, summary.App)
	if err != nil {
		return nil, err
	}
	owner := app.Owner

	billable, err := s.pricingSvc.ComputeBillableVolume(ctx, summary.App, summary.Subscriber, summary.Volume, pricing.FreeQuota)
	if err != nil {
		return nil, err
	}
	result := &domain.BillingResult{
		VolumeFree:   billable.VolumeFree,
		VolumeBilled: billable.VolumeBillable,
	}
	if billable.VolumeFree > 0 {
		usage, err := s.pricingSvc.AddFreeQuotaUsage(ctx, summary.App, summary.Subscriber, billable.VolumeFree)
		if err != nil {
			return nil, err
		}
		result.AffectedQuota = usage
	}

	now := s.clock.Now().UnixMilli()
	perRequest := money.MustParse(pricing.ChargePerRequest)
	requestCharge := perRequest.MulInt(billable.VolumeBillable)
	// The service fee applies to total volume: free-quota requests still
	// cost the platform capacity.
	serviceFee := s.serviceFeePerRequest.MulInt(summary.Volume)

	record := func(req accountdomain.RecordActivityRequest) error {
		activity, err := s.accountSvc.RecordActivity(ctx, req)
		if err != nil {
			return err
		}
		result.Activities = append(result.Activities, activity)
		return nil
	}

	consumedFree := billable.VolumeFree
	if err := record(accountdomain.RecordActivityRequest{
		User:              summary.Subscriber,
		Type:              accountdomain.ActivityTypeOutgoing,
		Reason:            accountdomain.ReasonApiPerRequestCharge,
		Amount:            requestCharge.String(),
		SettleAt:          now,
		Description:       "API request charge",
		BilledApp:         &summary.App,
		ConsumedFreeQuota: &consumedFree,
		UsageSummaryID:    &summary.ID,
	}); err != nil {
		return nil, err
	}
	if err := record(accountdomain.RecordActivityRequest{
		User:              owner,
		Type:              accountdomain.ActivityTypeIncoming,
		Reason:            accountdomain.ReasonApiPerRequestCharge,
		Amount:            requestCharge.String(),
		SettleAt:          now,
		Description:       "API request charge paid by customer",
		BilledApp:         &summary.App,
		ConsumedFreeQuota: &consumedFree,
		UsageSummaryID:    &summary.ID,
	}); err != nil {
		return nil, err
	}
	if err := record(accountdomain.RecordActivityRequest{
		User:           owner,
		Type:           accountdomain.ActivityTypeOutgoing,
		Reason:         accountdomain.ReasonPerRequestServiceFee,
		Amount:         serviceFee.String(),
		SettleAt:       now,
		Description:    "API request service fee",
		BilledApp:      &summary.App,
		UsageSummaryID: &summary.ID,
	}); err != nil {
		return nil, err
	}

	monthly, err := s.ShouldCollectMonthlyCharge(ctx, summary.Subscriber, summary.App, pricing, billable.VolumeBillable)
	if err != nil {
		return nil, err
	}
	if monthly.ShouldBill {
		reason := accountdomain.ReasonApiMinMonthlyCharge
		if monthly.IsUpgrade {
			reason = accountdomain.ReasonApiMinMonthlyChargeUpgrade
		}
		// The subscriber is charged immediately; the owner's credit is
		// held so a refund window exists before the money moves.
		if err := record(accountdomain.RecordActivityRequest{
			User:           summary.Subscriber,
			Type:           accountdomain.ActivityTypeOutgoing,
			Reason:         reason,
			Amount:         monthly.Amount,
			SettleAt:       now,
			Description:    "API subscription fee every 30 days",
			BilledApp:      &summary.App,
			UsageSummaryID: &summary.ID,
		}); err != nil {
			return nil, err
		}
		if err := record(accountdomain.RecordActivityRequest{
			User:           owner,
			Type:           accountdomain.ActivityTypeIncoming,
			Reason:         reason,
			Amount:         monthly.Amount,
			SettleAt:       now + s.holdPeriodMs,
			Description:    "API subscription fee paid by customer",
			BilledApp:      &summary.App,
			UsageSummaryID: &summary.ID,
		}); err != nil {
			return nil, err
		}
		result.MonthlyCharged = true
		result.MonthlyUpgrade = monthly.IsUpgrade
	}

	updated, err := s.summaries.Update(ctx,
		recordstore.Query{"id": summary.ID},
		recordstore.Query{
			"status":    domain.UsageSummaryStatusBilled,
			"billed_at": now,
		})
	if err != nil {
		return nil, err
	}
	result.UsageSummary = updated

	s.log.Info("billed usage summary",
		zap.String("app", summary.App),
		zap.String("subscriber", summary.Subscriber),
		zap.Int64("volume", summary.Volume),
		zap.Int64("volume_free", result.VolumeFree),
		zap.Int64("volume_billed", result.VolumeBilled),
		zap.Bool("monthly_charged", result.MonthlyCharged))
	return result, nil
}

func (s *Service) ShouldCollectMonthlyCharge(ctx context.Context, subscriber, app string, pricing *pricingdomain.Pricing, volumeBillable int64) (*domain.MonthlyCharge, error) {
	notDue := &domain.MonthlyCharge{ShouldBill: false, Amount: "0"}
	if volumeBillable == 0 {
		return notDue, nil
	}
	windowStart := s.clock.Now().UnixMilli() - s.collectionPeriodMs
	previousBills, err := s.bills.Many(ctx,
		recordstore.Query{
			"user":       subscriber,
			"billed_app": app,
			"type":       accountdomain.ActivityTypeOutgoing,
		},
		recordstore.Where("reason IN ?", []accountdomain.ActivityReason{
			accountdomain.ReasonApiMinMonthlyCharge,
			accountdomain.ReasonApiMinMonthlyChargeUpgrade,
		}),
		recordstore.Where("settle_at >= ?", windowStart))
	if err != nil {
		return nil, err
	}
	paid := money.Zero()
	for _, bill := range previousBills {
		amount, err := money.Parse(bill.Amount)
		if err != nil {
			return nil, err
		}
		paid = paid.Add(amount)
	}
	diff := money.MustParse(pricing.MinMonthlyCharge).Sub(paid)
	if !diff.IsPositive() {
		return notDue, nil
	}
	return &domain.MonthlyCharge{
		ShouldBill: true,
		Amount:     diff.String(),
		IsUpgrade:  len(previousBills) > 0,
	}, nil
}
