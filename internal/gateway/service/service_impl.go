package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/metergate/metergate/internal/account/domain"
	"github.com/metergate/metergate/internal/clock"
	appconfig "github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/gateway/domain"
	meteringdomain "github.com/metergate/metergate/internal/metering/domain"
	obsmetrics "github.com/metergate/metergate/internal/observability/metrics"
	pricingdomain "github.com/metergate/metergate/internal/pricing/domain"
	"github.com/metergate/metergate/pkg/faults"
	"github.com/metergate/metergate/pkg/money"
	"github.com/metergate/metergate/pkg/recordstore"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// refreshAheadRequests and refreshAheadMs trigger a checkpoint
// recompute shortly before the current one runs out, so the fast path
// rarely hits an expired checkpoint.
const (
	refreshAheadRequests = 10
	refreshAheadMs       = 10 * 60 * 1000
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      appconfig.Config
	Tuning      *appconfig.TuningHolder
	AccountSvc  accountdomain.Service
	PricingSvc  pricingdomain.Service
	MeteringSvc meteringdomain.Service
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	tuning      *appconfig.TuningHolder
	accountSvc  accountdomain.Service
	pricingSvc  pricingdomain.Service
	meteringSvc meteringdomain.Service
	counters    *recordstore.Store[domain.GatewayRequestCounter]
	decisions   *recordstore.Store[domain.GatewayRequestDecisionCache]
	obsMetrics  *obsmetrics.Metrics

	platformFeePerRequest money.Money
	resetPeriodMs         int64
	maxPerResetPeriod     int64
}

func NewService(p Params) domain.Service {
	return &Service{
		log:         p.Log.Named("gateway.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		tuning:      p.Tuning,
		accountSvc:  p.AccountSvc,
		pricingSvc:  p.PricingSvc,
		meteringSvc: p.MeteringSvc,
		counters: recordstore.New(p.DB, p.Log, "gateway_request_counter",
			[]string{"id", "requester", "app"},
			func(c *domain.GatewayRequestCounter) recordstore.Query {
				return recordstore.Query{"requester": c.Requester, "app": c.App}
			}),
		decisions: recordstore.New(p.DB, p.Log, "gateway_request_decision_cache",
			[]string{"id", "requester", "app"},
			func(d *domain.GatewayRequestDecisionCache) recordstore.Query {
				return recordstore.Query{"requester": d.Requester, "app": d.App}
			}),
		obsMetrics:            p.ObsMetrics,
		platformFeePerRequest: money.MustParse(p.Config.Gateway.PlatformFeePerRequest),
		resetPeriodMs:         p.Config.Gateway.RequestCounterResetPeriod.Milliseconds(),
		maxPerResetPeriod:     p.Config.Gateway.MaxRequestsPerResetPeriod,
	}
}

func (s *Service) CheckAdmission(ctx context.Context, requester, app string, opts domain.CheckOptions) (*domain.Decision, error) {
	requester = strings.TrimSpace(requester)
	if requester == "" {
		return nil, domain.ErrInvalidRequester
	}
	app = strings.TrimSpace(app)
	if app == "" {
		return nil, pricingdomain.ErrInvalidApp
	}
	ctx = recordstore.WithSession(ctx)
	now := s.clock.Now().UnixMilli()

	counter, err := s.IncrementOrCreateRequestCounter(ctx, requester)
	if err != nil {
		return nil, err
	}
	if counter.CounterSinceLastReset > s.maxPerResetPeriod {
		return s.denyAndCheckpoint(ctx, requester, app, counter, nil, domain.ReasonTooManyRequests), nil
	}

	cache, decision, err := s.loadOrCreateDecisionCache(ctx, requester, app, counter)
	if err != nil {
		return nil, err
	}
	if decision != nil {
		return decision, nil
	}

	// Refresh the checkpoint when it is close to running out, so
	// consecutive requests keep hitting the fast path.
	if cache.NextForcedBalanceCheckRequestCount-counter.Counter < refreshAheadRequests ||
		cache.NextForcedBalanceCheckTime-now < refreshAheadMs {
		if refreshed, err := s.recomputeDecisionCache(ctx, requester, app, counter); err != nil {
			s.log.Warn("failed to refresh decision cache",
				zap.String("requester", requester),
				zap.String("app", app),
				zap.Error(err))
		} else {
			cache = refreshed
		}
	}

	if !opts.ForceBalanceCheck && s.BalanceCheckSkippable(counter, cache, now) {
		s.obsMetrics.RecordAdmissionDecision(ctx, true, "")
		return &domain.Decision{Allowed: true, Requester: requester, PricingID: &cache.PricingID}, nil
	}

	return s.checkBalances(ctx, requester, app, counter)
}

// checkBalances is the slow path: resolve the subscription, then charge
// feasibility for whoever pays this request.
func (s *Service) checkBalances(ctx context.Context, requester, app string, counter *domain.GatewayRequestCounter) (*domain.Decision, error) {
	pricing, err := s.pricingSvc.SubscriptionPricing(ctx, app, requester)
	if errors.Is(err, pricingdomain.ErrNotSubscribed) {
		return s.denyAndCheckpoint(ctx, requester, app, counter, nil, domain.ReasonNotSubscribed), nil
	}
	if err != nil {
		return nil, err
	}

	monthly, err := s.meteringSvc.ShouldCollectMonthlyCharge(ctx, requester, app, pricing, 1)
	if err != nil {
		return nil, err
	}

	billable, err := s.pricingSvc.ComputeBillableVolume(ctx, app, requester, 1, pricing.FreeQuota)
	if err != nil {
		return nil, err
	}
	if billable.VolumeFree >= 1 {
		// Free-quota request: the owner pays the platform fee.
		ownerBalance, err := s.ownerBalance(ctx, app)
		if err != nil {
			return nil, err
		}
		if !ownerBalance.GTE(s.platformFeePerRequest) {
			return s.denyAndCheckpoint(ctx, requester, app, counter, &pricing.ID, domain.ReasonOwnerInsufficientBalance), nil
		}
	} else {
		balanceStr, err := s.accountSvc.BalanceOf(ctx, requester, false)
		if err != nil {
			return nil, err
		}
		balance, err := money.Parse(balanceStr)
		if err != nil {
			return nil, err
		}
		cost := money.MustParse(pricing.ChargePerRequest)
		if monthly.ShouldBill {
			cost = cost.Add(money.MustParse(monthly.Amount))
		}
		if !balance.GTE(cost) {
			return s.denyAndCheckpoint(ctx, requester, app, counter, &pricing.ID, domain.ReasonInsufficientBalance), nil
		}
	}

	if _, err := s.recomputeDecisionCache(ctx, requester, app, counter); err != nil {
		s.log.Warn("failed to cache allow decision",
			zap.String("requester", requester),
			zap.String("app", app),
			zap.Error(err))
	}
	s.obsMetrics.RecordAdmissionDecision(ctx, true, "")
	return &domain.Decision{Allowed: true, Requester: requester, PricingID: &pricing.ID}, nil
}

func (s *Service) IncrementOrCreateRequestCounter(ctx context.Context, requester string) (*domain.GatewayRequestCounter, error) {
	requester = strings.TrimSpace(requester)
	if requester == "" {
		return nil, domain.ErrInvalidRequester
	}
	now := s.clock.Now().UnixMilli()
	key := recordstore.Query{"requester": requester, "app": domain.GlobalApp}

	counter, err := s.counters.Update(ctx, key, recordstore.Query{
		"counter":                  gorm.Expr("counter + 1"),
		"counter_since_last_reset": gorm.Expr("counter_since_last_reset + 1"),
	})
	var notFound *faults.NotFound
	if errors.As(err, &notFound) {
		counter, err = s.counters.Create(ctx, &domain.GatewayRequestCounter{
			ID:                    s.genID.Generate(),
			Requester:             requester,
			App:                   domain.GlobalApp,
			Counter:               1,
			CounterSinceLastReset: 1,
			LastResetTime:         now,
		})
		var dup *faults.AlreadyExists
		if errors.As(err, &dup) {
			// A concurrent first request created the row; count this one
			// through it.
			counter, err = s.counters.Update(ctx, key, recordstore.Query{
				"counter":                  gorm.Expr("counter + 1"),
				"counter_since_last_reset": gorm.Expr("counter_since_last_reset + 1"),
			})
		}
	}
	if err != nil {
		return nil, err
	}

	// The request that crosses the window boundary opens the new window
	// and is its first member.
	if counter.LastResetTime <= now-s.resetPeriodMs {
		counter, err = s.counters.Update(ctx, key, recordstore.Query{
			"last_reset_time":          now,
			"counter_since_last_reset": 1,
		})
		if err != nil {
			return nil, err
		}
	}
	return counter, nil
}

func (s *Service) BalanceCheckSkippable(counter *domain.GatewayRequestCounter, cache *domain.GatewayRequestDecisionCache, now int64) bool {
	if counter == nil || cache == nil {
		return false
	}
	return cache.NextForcedBalanceCheckRequestCount > counter.Counter &&
		cache.NextForcedBalanceCheckTime > now
}

func (s *Service) EstimateAllowanceToSkipBalanceCheck(ctx context.Context, requester, app string) (*domain.SkipEstimate, error) {
	pricing, err := s.pricingSvc.SubscriptionPricing(ctx, app, requester)
	if err != nil {
		return nil, err
	}
	tuning := s.tuning.Get()

	balanceStr, err := s.accountSvc.BalanceOf(ctx, requester, false)
	if err != nil {
		return nil, err
	}
	balance, err := money.Parse(balanceStr)
	if err != nil {
		return nil, err
	}
	perRequest := money.MustParse(pricing.ChargePerRequest)
	maxRequests := tuning.MaxChecksToSkip
	if perRequest.IsPositive() {
		maxRequests = balance.
			Sub(money.MustParse(pricing.MinMonthlyCharge)).
			Div(perRequest).
			Div(money.FromInt(tuning.UserBalanceDivisor)).
			FloorInt64()
		if maxRequests < 0 {
			maxRequests = 0
		}
	}

	ownerBalance, err := s.ownerBalance(ctx, app)
	if err != nil {
		return nil, err
	}
	maxForOwner := tuning.MaxChecksToSkip
	if s.platformFeePerRequest.IsPositive() {
		maxForOwner = ownerBalance.
			Div(s.platformFeePerRequest).
			Div(money.FromInt(tuning.OwnerBalanceDivisor)).
			FloorInt64()
	}

	numChecksToSkip := maxRequests
	if maxForOwner < numChecksToSkip {
		numChecksToSkip = maxForOwner
	}
	if tuning.MaxChecksToSkip < numChecksToSkip {
		numChecksToSkip = tuning.MaxChecksToSkip
	}
	return &domain.SkipEstimate{
		NumChecksToSkip:           numChecksToSkip,
		TimeUntilNextCheckSeconds: tuning.MaxSkipSeconds,
	}, nil
}

// loadOrCreateDecisionCache returns the checkpoint, creating it on
// first sight of a (requester, app) pair. A non-nil decision means the
// lookup already settled the request (e.g. the requester is not
// subscribed).
func (s *Service) loadOrCreateDecisionCache(ctx context.Context, requester, app string, counter *domain.GatewayRequestCounter) (*domain.GatewayRequestDecisionCache, *domain.Decision, error) {
	cache, err := s.decisions.GetOrNull(ctx, recordstore.Query{"requester": requester, "app": app})
	if err != nil {
		return nil, nil, err
	}
	if cache != nil {
		return cache, nil, nil
	}
	cache, err = s.recomputeDecisionCache(ctx, requester, app, counter)
	if errors.Is(err, pricingdomain.ErrNotSubscribed) {
		return nil, s.denyAndCheckpoint(ctx, requester, app, counter, nil, domain.ReasonNotSubscribed), nil
	}
	if err != nil {
		return nil, nil, err
	}
	return cache, nil, nil
}

// recomputeDecisionCache writes a fresh checkpoint advanced by the
// heuristic allowance.
func (s *Service) recomputeDecisionCache(ctx context.Context, requester, app string, counter *domain.GatewayRequestCounter) (*domain.GatewayRequestDecisionCache, error) {
	estimate, err := s.EstimateAllowanceToSkipBalanceCheck(ctx, requester, app)
	if err != nil {
		return nil, err
	}
	pricing, err := s.pricingSvc.SubscriptionPricing(ctx, app, requester)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UnixMilli()
	return s.writeCheckpoint(ctx, requester, app, pricing.ID,
		counter.Counter+estimate.NumChecksToSkip,
		now+estimate.TimeUntilNextCheckSeconds*1000)
}

func (s *Service) writeCheckpoint(ctx context.Context, requester, app string, pricingID snowflake.ID, nextCount, nextTime int64) (*domain.GatewayRequestDecisionCache, error) {
	return s.decisions.CreateOverwrite(ctx, &domain.GatewayRequestDecisionCache{
		ID:                                 s.genID.Generate(),
		Requester:                          requester,
		App:                                app,
		PricingID:                          pricingID,
		NextForcedBalanceCheckRequestCount: nextCount,
		NextForcedBalanceCheckTime:         nextTime,
	}, recordstore.Query{
		"pricing_id": pricingID,
		"next_forced_balance_check_request_count": nextCount,
		"next_forced_balance_check_time":          nextTime,
	})
}

// denyAndCheckpoint records the denial and resets the checkpoint to
// (current counter, now), so the very next request re-checks balances
// instead of riding a stale allowance.
func (s *Service) denyAndCheckpoint(ctx context.Context, requester, app string, counter *domain.GatewayRequestCounter, pricingID *snowflake.ID, reason domain.DecisionReason) *domain.Decision {
	if counter != nil {
		id := snowflake.ID(0)
		if pricingID != nil {
			id = *pricingID
		}
		if _, err := s.writeCheckpoint(ctx, requester, app, id, counter.Counter, s.clock.Now().UnixMilli()); err != nil {
			s.log.Warn("failed to reset decision checkpoint on deny",
				zap.String("requester", requester),
				zap.Error(err))
		}
	}
	return s.deny(ctx, requester, pricingID, reason)
}

func (s *Service) deny(ctx context.Context, requester string, pricingID *snowflake.ID, reason domain.DecisionReason) *domain.Decision {
	s.obsMetrics.RecordAdmissionDecision(ctx, false, string(reason))
	s.log.Info("request denied",
		zap.String("requester", requester),
		zap.String("reason", string(reason)))
	return &domain.Decision{Allowed: false, Reason: reason, Requester: requester, PricingID: pricingID}
}

func (s *Service) ownerBalance(ctx context.Context, app string) (money.Money, error) {
	appItem, err := s.pricingSvc.GetApp(ctx, app)
	if err != nil {
		return money.Zero(), err
	}
	balanceStr, err := s.accountSvc.BalanceOf(ctx, appItem.Owner, false)
	if err != nil {
		return money.Zero(), err
	}
	return money.Parse(balanceStr)
}
