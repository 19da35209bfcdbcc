// Package domain models metered API usage. A usage summary aggregates
// one subscriber's proxied request volume against an app and is billed
// exactly once into ledger activities.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/metergate/metergate/internal/account/domain"
	pricingdomain "github.com/metergate/metergate/internal/pricing/domain"
)

type UsageSummaryStatus string

const (
	UsageSummaryStatusPending UsageSummaryStatus = "pending"
	UsageSummaryStatusBilled  UsageSummaryStatus = "billed"
	// UsageSummaryStatusError marks a summary whose pricing disappeared
	// before billing. It is kept for audit and never retried.
	UsageSummaryStatusError UsageSummaryStatus = "error"
)

type UsageSummary struct {
	ID         snowflake.ID       `gorm:"primaryKey"`
	App        string             `gorm:"type:text;not null;index:idx_usage_summaries_app_subscriber,priority:1"`
	Subscriber string             `gorm:"type:text;not null;index:idx_usage_summaries_app_subscriber,priority:2"`
	PricingID  snowflake.ID       `gorm:"not null"`
	Volume     int64              `gorm:"not null"`
	Status     UsageSummaryStatus `gorm:"type:text;not null"`
	CreatedAt  int64              `gorm:"not null"`
	BilledAt   *int64
}

// TableName sets the database table name.
func (UsageSummary) TableName() string { return "usage_summaries" }

func (u *UsageSummary) PrimaryID() int64 { return int64(u.ID) }

type CreateUsageSummaryRequest struct {
	App        string
	Subscriber string
	Volume     int64
}

// BillingResult reports what one billing pass produced.
type BillingResult struct {
	UsageSummary   *UsageSummary
	Activities     []*accountdomain.AccountActivity
	VolumeFree     int64
	VolumeBilled   int64
	MonthlyCharged bool
	MonthlyUpgrade bool
	AffectedQuota  *pricingdomain.FreeQuotaUsage
}

// MonthlyCharge is the outcome of the trailing-window minimum check.
type MonthlyCharge struct {
	ShouldBill bool
	// Amount is the positive difference still owed this period; on an
	// upgrade it is only the delta above what was already billed.
	Amount    string
	IsUpgrade bool
}

type Service interface {
	// CreateUsageSummary records proxied volume for billing. The
	// subscriber must hold a subscription to the app.
	CreateUsageSummary(ctx context.Context, req CreateUsageSummaryRequest) (*UsageSummary, error)
	GetUsageSummary(ctx context.Context, id snowflake.ID) (*UsageSummary, error)
	// GenerateAccountActivities bills a pending summary: per-request
	// charges net of free quota, the platform service fee on total
	// volume, and the monthly minimum pair when due. The subscriber's
	// side of the monthly charge settles immediately; the owner's
	// credit is held for the configured hold period.
	GenerateAccountActivities(ctx context.Context, id snowflake.ID) (*BillingResult, error)
	// ShouldCollectMonthlyCharge sums the subscriber's monthly bills
	// for the app in the trailing collection period and reports the
	// positive difference against the plan's minimum.
	ShouldCollectMonthlyCharge(ctx context.Context, subscriber, app string, pricing *pricingdomain.Pricing, volumeBillable int64) (*MonthlyCharge, error)
}

var (
	ErrInvalidVolume = errors.New("invalid_volume")
	ErrNotBillable   = errors.New("usage_summary_not_billable")
)
