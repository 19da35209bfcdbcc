package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountdomain "github.com/metergate/metergate/internal/account/domain"
	accountservice "github.com/metergate/metergate/internal/account/service"
	"github.com/metergate/metergate/internal/clock"
	appconfig "github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/metering/domain"
	"github.com/metergate/metergate/internal/migration"
	pricingdomain "github.com/metergate/metergate/internal/pricing/domain"
	pricingservice "github.com/metergate/metergate/internal/pricing/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fixture struct {
	db          *gorm.DB
	clk         *clock.FakeClock
	accountSvc  accountdomain.Service
	pricingSvc  pricingdomain.Service
	meteringSvc domain.Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, migration.Run(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Unix(1700000000, 0))
	log := zap.NewNop()

	cfg := appconfig.Config{}
	cfg.Gateway.PlatformFeePerRequest = "0.0001"
	cfg.Settlement.Concurrency = 4
	cfg.Settlement.MonthlyChargeHoldPeriod = 30 * 24 * time.Hour
	cfg.Settlement.MonthlyChargeCollectionPeriod = 30 * 24 * time.Hour

	accountSvc := accountservice.NewService(accountservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Config: cfg,
	})
	pricingSvc := pricingservice.NewService(pricingservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
	})
	meteringSvc := NewService(Params{
		DB: db, Log: log, GenID: node, Clock: clk, Config: cfg,
		AccountSvc: accountSvc, PricingSvc: pricingSvc,
	})
	return &fixture{db: db, clk: clk, accountSvc: accountSvc, pricingSvc: pricingSvc, meteringSvc: meteringSvc}
}

// plan creates myapp owned by "owner" with one plan and subscribes alice.
func (f *fixture) plan(t *testing.T, minMonthly, perRequest string, freeQuota int64) *pricingdomain.Pricing {
	t.Helper()
	ctx := context.Background()
	if _, err := f.pricingSvc.GetApp(ctx, "myapp"); err != nil {
		_, err = f.pricingSvc.CreateApp(ctx, pricingdomain.CreateAppRequest{Name: "myapp", Owner: "owner"})
		require.NoError(t, err)
	}
	pricing, err := f.pricingSvc.CreatePricing(ctx, pricingdomain.CreatePricingRequest{
		App:              "myapp",
		MinMonthlyCharge: minMonthly,
		ChargePerRequest: perRequest,
		FreeQuota:        freeQuota,
	})
	require.NoError(t, err)
	_, err = f.pricingSvc.Subscribe(ctx, "myapp", "alice", pricing.ID)
	require.NoError(t, err)
	return pricing
}

func (f *fixture) bill(t *testing.T, volume int64) *domain.BillingResult {
	t.Helper()
	ctx := context.Background()
	summary, err := f.meteringSvc.CreateUsageSummary(ctx, domain.CreateUsageSummaryRequest{
		App: "myapp", Subscriber: "alice", Volume: volume,
	})
	require.NoError(t, err)
	result, err := f.meteringSvc.GenerateAccountActivities(ctx, summary.ID)
	require.NoError(t, err)
	return result
}

func TestCreateUsageSummaryValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.plan(t, "10", "0.01", 0)

	_, err := f.meteringSvc.CreateUsageSummary(ctx, domain.CreateUsageSummaryRequest{
		App: "myapp", Subscriber: "alice", Volume: 0,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidVolume)

	_, err = f.meteringSvc.CreateUsageSummary(ctx, domain.CreateUsageSummaryRequest{
		App: "myapp", Subscriber: "stranger", Volume: 1,
	})
	assert.ErrorIs(t, err, pricingdomain.ErrNotSubscribed)
}

func TestBillingProducesChargesFeeAndMonthlyPair(t *testing.T) {
	f := setup(t)
	f.plan(t, "10", "0.01", 0)

	result := f.bill(t, 100)

	assert.Equal(t, domain.UsageSummaryStatusBilled, result.UsageSummary.Status)
	assert.Equal(t, int64(100), result.VolumeBilled)
	assert.True(t, result.MonthlyCharged)
	assert.False(t, result.MonthlyUpgrade)
	require.Len(t, result.Activities, 5)

	byKind := map[string]*accountdomain.AccountActivity{}
	for _, a := range result.Activities {
		byKind[a.User+"/"+string(a.Type)+"/"+string(a.Reason)] = a
	}

	charge := byKind["alice/outgoing/api_per_request_charge"]
	require.NotNil(t, charge)
	assert.Equal(t, "1", charge.Amount)

	credit := byKind["owner/incoming/api_per_request_charge"]
	require.NotNil(t, credit)
	assert.Equal(t, "1", credit.Amount)

	fee := byKind["owner/outgoing/per_request_service_fee"]
	require.NotNil(t, fee)
	assert.Equal(t, "0.01", fee.Amount)

	monthly := byKind["alice/outgoing/api_min_monthly_charge"]
	require.NotNil(t, monthly)
	assert.Equal(t, "10", monthly.Amount)
	assert.Equal(t, f.clk.Now().UnixMilli(), monthly.SettleAt)

	held := byKind["owner/incoming/api_min_monthly_charge"]
	require.NotNil(t, held)
	assert.Equal(t, "10", held.Amount)
	assert.Equal(t, f.clk.Now().Add(30*24*time.Hour).UnixMilli(), held.SettleAt)
}

func TestBillingConsumesFreeQuotaAndSkipsMonthlyWhenAllFree(t *testing.T) {
	f := setup(t)
	f.plan(t, "10", "0.01", 50)

	result := f.bill(t, 30)
	assert.Equal(t, int64(30), result.VolumeFree)
	assert.Equal(t, int64(0), result.VolumeBilled)
	assert.False(t, result.MonthlyCharged)
	require.NotNil(t, result.AffectedQuota)
	assert.Equal(t, int64(30), result.AffectedQuota.Usage)
	// No billable volume, so only the zero charge pair and the fee.
	require.Len(t, result.Activities, 3)

	// The fee still covers total volume, free requests included.
	var fee *accountdomain.AccountActivity
	for _, a := range result.Activities {
		if a.Reason == accountdomain.ReasonPerRequestServiceFee {
			fee = a
		}
	}
	require.NotNil(t, fee)
	assert.Equal(t, "0.003", fee.Amount)

	// The next bill crosses the quota boundary.
	result = f.bill(t, 30)
	assert.Equal(t, int64(20), result.VolumeFree)
	assert.Equal(t, int64(10), result.VolumeBilled)
	assert.True(t, result.MonthlyCharged)
}

func TestBillingTwiceIsRejected(t *testing.T) {
	f := setup(t)
	f.plan(t, "10", "0.01", 0)
	ctx := context.Background()

	summary, err := f.meteringSvc.CreateUsageSummary(ctx, domain.CreateUsageSummaryRequest{
		App: "myapp", Subscriber: "alice", Volume: 5,
	})
	require.NoError(t, err)
	_, err = f.meteringSvc.GenerateAccountActivities(ctx, summary.ID)
	require.NoError(t, err)

	_, err = f.meteringSvc.GenerateAccountActivities(ctx, summary.ID)
	assert.ErrorIs(t, err, domain.ErrNotBillable)
}

func TestMonthlyChargeNotRepeatedWithinWindow(t *testing.T) {
	f := setup(t)
	pricing := f.plan(t, "10", "0.01", 0)
	ctx := context.Background()

	result := f.bill(t, 1)
	assert.True(t, result.MonthlyCharged)

	f.clk.Advance(24 * time.Hour)
	result = f.bill(t, 1)
	assert.False(t, result.MonthlyCharged)

	monthly, err := f.meteringSvc.ShouldCollectMonthlyCharge(ctx, "alice", "myapp", pricing, 1)
	require.NoError(t, err)
	assert.False(t, monthly.ShouldBill)

	// Once the trailing window slides past the old bill, the minimum is
	// due in full again.
	f.clk.Advance(30 * 24 * time.Hour)
	monthly, err = f.meteringSvc.ShouldCollectMonthlyCharge(ctx, "alice", "myapp", pricing, 1)
	require.NoError(t, err)
	assert.True(t, monthly.ShouldBill)
	assert.Equal(t, "10", monthly.Amount)
	assert.False(t, monthly.IsUpgrade)
}

func TestUpgradeBillsOnlyTheDifference(t *testing.T) {
	f := setup(t)
	f.plan(t, "10", "0.01", 0)
	ctx := context.Background()

	result := f.bill(t, 1)
	assert.True(t, result.MonthlyCharged)

	// Move to a plan with a higher minimum within the same window.
	premium, err := f.pricingSvc.CreatePricing(ctx, pricingdomain.CreatePricingRequest{
		App: "myapp", MinMonthlyCharge: "25", ChargePerRequest: "0.01",
	})
	require.NoError(t, err)
	_, err = f.pricingSvc.Subscribe(ctx, "myapp", "alice", premium.ID)
	require.NoError(t, err)

	f.clk.Advance(time.Hour)
	result = f.bill(t, 1)
	assert.True(t, result.MonthlyCharged)
	assert.True(t, result.MonthlyUpgrade)

	var upgrade *accountdomain.AccountActivity
	for _, a := range result.Activities {
		if a.User == "alice" && a.Reason == accountdomain.ReasonApiMinMonthlyChargeUpgrade {
			upgrade = a
		}
	}
	require.NotNil(t, upgrade)
	assert.Equal(t, "15", upgrade.Amount)
}

func TestBillingParksSummaryWhenPlanDisappears(t *testing.T) {
	f := setup(t)
	pricing := f.plan(t, "10", "0.01", 0)
	ctx := context.Background()

	summary, err := f.meteringSvc.CreateUsageSummary(ctx, domain.CreateUsageSummaryRequest{
		App: "myapp", Subscriber: "alice", Volume: 5,
	})
	require.NoError(t, err)

	// Delete the plan out from under the pending summary.
	res := f.db.Where("id = ?", pricing.ID).Delete(&pricingdomain.Pricing{})
	require.NoError(t, res.Error)
	require.Equal(t, int64(1), res.RowsAffected)

	_, err = f.meteringSvc.GenerateAccountActivities(ctx, summary.ID)
	require.Error(t, err)

	parked, err := f.meteringSvc.GetUsageSummary(ctx, summary.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UsageSummaryStatusError, parked.Status)
}
