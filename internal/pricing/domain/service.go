package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type CreateAppRequest struct {
	Name        string
	Owner       string
	Title       string
	Description string
}

type CreatePricingRequest struct {
	App              string
	Name             string
	MinMonthlyCharge string
	ChargePerRequest string
	FreeQuota        int64
	Visible          bool
}

// UpdatePricingRequest patches the mutable plan fields. Nil leaves a
// field unchanged. The numeric terms have no patch fields on purpose.
type UpdatePricingRequest struct {
	Name    *string
	Visible *bool
}

// BillableVolume splits a request volume into the part covered by the
// remaining free quota and the part to bill.
type BillableVolume struct {
	VolumeFree     int64
	VolumeBillable int64
	Usage          *FreeQuotaUsage
}

type Service interface {
	CreateApp(ctx context.Context, req CreateAppRequest) (*App, error)
	GetApp(ctx context.Context, name string) (*App, error)

	CreatePricing(ctx context.Context, req CreatePricingRequest) (*Pricing, error)
	GetPricing(ctx context.Context, id snowflake.ID) (*Pricing, error)
	UpdatePricing(ctx context.Context, id snowflake.ID, req UpdatePricingRequest) (*Pricing, error)
	ListPricings(ctx context.Context, app string) ([]*Pricing, error)

	// Subscribe creates or repoints the (app, subscriber) subscription.
	Subscribe(ctx context.Context, app, subscriber string, pricingID snowflake.ID) (*Subscription, error)
	Unsubscribe(ctx context.Context, app, subscriber string) error
	// SubscriptionPricing resolves the plan a subscriber is on for an
	// app. No subscription, or a subscription pointing at a deleted
	// plan, yields ErrNotSubscribed.
	SubscriptionPricing(ctx context.Context, app, subscriber string) (*Pricing, error)

	// ComputeBillableVolume splits volume against the plan's remaining
	// free quota, creating the usage row on first touch.
	ComputeBillableVolume(ctx context.Context, app, subscriber string, volume, freeQuota int64) (*BillableVolume, error)
	// AddFreeQuotaUsage records consumption of volumeFree units.
	AddFreeQuotaUsage(ctx context.Context, app, subscriber string, n int64) (*FreeQuotaUsage, error)
}

var (
	ErrInvalidApp        = errors.New("invalid_app")
	ErrInvalidOwner      = errors.New("invalid_owner")
	ErrInvalidSubscriber = errors.New("invalid_subscriber")
	ErrInvalidFreeQuota  = errors.New("invalid_free_quota")
	ErrPricingMismatch   = errors.New("pricing_does_not_belong_to_app")
	ErrNotSubscribed     = errors.New("not_subscribed")
)
