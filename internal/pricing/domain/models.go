// Package domain holds the catalog side of metering: apps, their
// pricing plans, the subscriptions binding a requester to a plan, and
// per-subscription free quota consumption.
package domain

import (
	"github.com/bwmarrin/snowflake"
)

// App is a published API. The name is the primary key and is what
// request counters and decision caches reference.
type App struct {
	Name        string `gorm:"primaryKey;type:text"`
	Owner       string `gorm:"type:text;not null;index"`
	Title       string `gorm:"type:text;not null;default:''"`
	Description string `gorm:"type:text;not null;default:''"`
	CreatedAt   int64  `gorm:"not null"`
}

// TableName sets the database table name.
func (App) TableName() string { return "apps" }

// Pricing is one plan of an app. The three numeric fields are frozen
// after creation: subscribers accepted those exact terms, and the
// monthly-charge arithmetic depends on historical bills remaining
// comparable.
type Pricing struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	App              string       `gorm:"type:text;not null;index"`
	Name             string       `gorm:"type:text;not null"`
	MinMonthlyCharge string       `gorm:"type:text;not null"`
	ChargePerRequest string       `gorm:"type:text;not null"`
	FreeQuota        int64        `gorm:"not null"`
	Visible          bool         `gorm:"not null;default:false"`
	CreatedAt        int64        `gorm:"not null"`
}

// TableName sets the database table name.
func (Pricing) TableName() string { return "pricings" }

func (p *Pricing) PrimaryID() int64 { return int64(p.ID) }

// Subscription binds a subscriber to one pricing plan of an app.
// At most one subscription per (app, subscriber) pair; switching plans
// repoints PricingID in place.
type Subscription struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	App        string       `gorm:"type:text;not null;uniqueIndex:ux_subscriptions_app_subscriber,priority:1"`
	Subscriber string       `gorm:"type:text;not null;uniqueIndex:ux_subscriptions_app_subscriber,priority:2"`
	PricingID  snowflake.ID `gorm:"not null"`
	CreatedAt  int64        `gorm:"not null"`
	UpdatedAt  int64        `gorm:"not null"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

func (s *Subscription) PrimaryID() int64 { return int64(s.ID) }

// FreeQuotaUsage counts how much of a plan's free quota a subscriber
// has consumed on an app, across plan switches.
type FreeQuotaUsage struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	Subscriber string       `gorm:"type:text;not null;uniqueIndex:ux_free_quota_usages_subscriber_app,priority:1"`
	App        string       `gorm:"type:text;not null;uniqueIndex:ux_free_quota_usages_subscriber_app,priority:2"`
	Usage      int64        `gorm:"not null;default:0"`
}

// TableName sets the database table name.
func (FreeQuotaUsage) TableName() string { return "free_quota_usages" }

func (f *FreeQuotaUsage) PrimaryID() int64 { return int64(f.ID) }
