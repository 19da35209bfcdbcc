// Package domain holds the admission-control records: the per-requester
// request counter and the cached decision checkpoint that lets the hot
// path skip balance reads.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// GlobalApp scopes the request counter to the requester across all
// apps. Decision caches are always keyed by the real app.
const GlobalApp = "<global>"

// GatewayRequestCounter counts a requester's proxied requests. Counter
// grows monotonically; CounterSinceLastReset restarts at 1 whenever the
// reset window has elapsed and backs the too-many-requests guard.
type GatewayRequestCounter struct {
	ID                    snowflake.ID `gorm:"primaryKey"`
	Requester             string       `gorm:"type:text;not null;uniqueIndex:ux_gateway_request_counters_requester_app,priority:1"`
	App                   string       `gorm:"type:text;not null;uniqueIndex:ux_gateway_request_counters_requester_app,priority:2"`
	Counter               int64        `gorm:"not null;default:0"`
	CounterSinceLastReset int64        `gorm:"not null;default:0"`
	LastResetTime         int64        `gorm:"not null"`
}

// TableName sets the database table name.
func (GatewayRequestCounter) TableName() string { return "gateway_request_counters" }

func (c *GatewayRequestCounter) PrimaryID() int64 { return int64(c.ID) }

// GatewayRequestDecisionCache is the admission checkpoint for one
// (requester, app) pair: balance checks may be skipped while the
// counter stays below
// NextForcedBalanceCheckRequestCount and the clock stays before
// NextForcedBalanceCheckTime. Both bounds must hold.
type GatewayRequestDecisionCache struct {
	ID                                 snowflake.ID `gorm:"primaryKey"`
	Requester                          string       `gorm:"type:text;not null;uniqueIndex:ux_gateway_decision_caches_requester_app,priority:1"`
	App                                string       `gorm:"type:text;not null;uniqueIndex:ux_gateway_decision_caches_requester_app,priority:2"`
	PricingID                          snowflake.ID `gorm:"not null"`
	NextForcedBalanceCheckRequestCount int64        `gorm:"not null"`
	NextForcedBalanceCheckTime         int64        `gorm:"not null"`
}

// TableName sets the database table name.
func (GatewayRequestDecisionCache) TableName() string { return "gateway_request_decision_caches" }

func (d *GatewayRequestDecisionCache) PrimaryID() int64 { return int64(d.ID) }

// DecisionReason explains a denial. An allowed decision carries no
// reason.
type DecisionReason string

const (
	ReasonInsufficientBalance      DecisionReason = "insufficient_balance"
	ReasonOwnerInsufficientBalance DecisionReason = "owner_insufficient_balance"
	ReasonNotSubscribed            DecisionReason = "not_subscribed"
	ReasonTooManyRequests          DecisionReason = "too_many_requests"
)

// Decision is the admission verdict. A denial never charges anyone.
type Decision struct {
	Allowed   bool
	Reason    DecisionReason
	Requester string
	PricingID *snowflake.ID
}

type CheckOptions struct {
	// ForceBalanceCheck bypasses the decision cache fast path.
	ForceBalanceCheck bool
}

// SkipEstimate is the heuristic allowance for skipping balance checks.
type SkipEstimate struct {
	NumChecksToSkip           int64
	TimeUntilNextCheckSeconds int64
}

type Service interface {
	// CheckAdmission decides whether one proxied request may proceed.
	CheckAdmission(ctx context.Context, requester, app string, opts CheckOptions) (*Decision, error)
	// IncrementOrCreateRequestCounter bumps both counters, creating the
	// row on first request and restarting the windowed counter at 1
	// when the reset period has elapsed.
	IncrementOrCreateRequestCounter(ctx context.Context, requester string) (*GatewayRequestCounter, error)
	// BalanceCheckSkippable reports whether the checkpoint still covers
	// this request.
	BalanceCheckSkippable(counter *GatewayRequestCounter, cache *GatewayRequestDecisionCache, now int64) bool
	// EstimateAllowanceToSkipBalanceCheck computes the heuristic skip
	// allowance from the requester's and owner's balances.
	EstimateAllowanceToSkipBalanceCheck(ctx context.Context, requester, app string) (*SkipEstimate, error)
}

var ErrInvalidRequester = errors.New("invalid_requester")
