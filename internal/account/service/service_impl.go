package service

import (
	"context"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/metergate/metergate/internal/account/domain"
	"github.com/metergate/metergate/internal/clock"
	appconfig "github.com/metergate/metergate/internal/config"
	obsmetrics "github.com/metergate/metergate/internal/observability/metrics"
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
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	activities *recordstore.Store[domain.AccountActivity]
	histories  *recordstore.Store[domain.AccountHistory]
	// concurrency bounds the per-activity updates of one settlement run.
	concurrency int
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	concurrency := p.Config.Settlement.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Service{
		log:   p.Log.Named("account.service"),
		genID: p.GenID,
		clock: p.Clock,
		activities: recordstore.New(p.DB, p.Log, "account_activity",
			[]string{"id"},
			func(a *domain.AccountActivity) recordstore.Query {
				return recordstore.Query{"id": a.ID}
			}),
		histories: recordstore.New(p.DB, p.Log, "account_history",
			[]string{"id", "user", "sequential_id"},
			func(h *domain.AccountHistory) recordstore.Query {
				return recordstore.Query{"user": h.User, "sequential_id": h.SequentialID}
			}),
		concurrency: concurrency,
		obsMetrics:  p.ObsMetrics,
	}
}

var validTypes = map[domain.ActivityType]struct{}{
	domain.ActivityTypeIncoming: {},
	domain.ActivityTypeOutgoing: {},
}

var validReasons = map[domain.ActivityReason]struct{}{
	domain.ReasonTopup:                      {},
	domain.ReasonApiPerRequestCharge:        {},
	domain.ReasonApiMinMonthlyCharge:        {},
	domain.ReasonApiMinMonthlyChargeUpgrade: {},
	domain.ReasonPerRequestServiceFee:       {},
	domain.ReasonPayout:                     {},
	domain.ReasonPayoutFee:                  {},
}

func (s *Service) RecordActivity(ctx context.Context, req domain.RecordActivityRequest) (*domain.AccountActivity, error) {
	user := strings.TrimSpace(req.User)
	if user == "" {
		return nil, domain.ErrInvalidUser
	}
	if _, ok := validTypes[req.Type]; !ok {
		return nil, domain.ErrInvalidType
	}
	if _, ok := validReasons[req.Reason]; !ok {
		return nil, domain.ErrInvalidReason
	}
	if _, err := money.Parse(req.Amount); err != nil {
		return nil, err
	}

	now := s.clock.Now().UnixMilli()
	settleAt := req.SettleAt
	if settleAt == 0 {
		settleAt = now
	}
	activity := &domain.AccountActivity{
		ID:                s.genID.Generate(),
		User:              user,
		CreatedAt:         now,
		Type:              req.Type,
		Reason:            req.Reason,
		Status:            domain.ActivityStatusPending,
		SettleAt:          settleAt,
		Amount:            req.Amount,
		Description:       req.Description,
		BilledApp:         req.BilledApp,
		ConsumedFreeQuota: req.ConsumedFreeQuota,
		UsageSummaryID:    req.UsageSummaryID,
		PaymentAcceptID:   req.PaymentAcceptID,
		PayoutID:          req.PayoutID,
	}
	return s.activities.Create(ctx, activity)
}

// Settle folds every due pending activity into a new balance snapshot.
// Per-activity updates are independent and run with bounded parallelism;
// an activity whose update fails stays pending and is excluded from the
// closing balance, so the next run picks it up.
func (s *Service) Settle(ctx context.Context, user string, opts domain.SettleOptions) (*domain.SettleResult, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return nil, domain.ErrInvalidUser
	}
	ctx = recordstore.WithSession(ctx)
	now := s.clock.Now().UnixMilli()

	readOpts := []recordstore.Option{
		recordstore.Where("settle_at <= ?", now),
		recordstore.SortBy("created_at", recordstore.Ascending),
	}
	if opts.ConsistentRead {
		readOpts = append(readOpts, recordstore.Consistent(true))
	}
	due, err := s.activities.Many(ctx,
		recordstore.Query{"user": user, "status": domain.ActivityStatusPending},
		readOpts...)
	if err != nil {
		s.obsMetrics.RecordSettlementRun(ctx, "error")
		return nil, err
	}
	if len(due) == 0 {
		s.obsMetrics.RecordSettlementRun(ctx, "noop")
		return nil, nil
	}

	// The previous snapshot read is always consistent. Settlement for one
	// user never runs concurrently, so the latest snapshot this run sees
	// is the one it chains onto.
	previous, err := s.LatestHistory(ctx, user, true)
	if err != nil {
		s.obsMetrics.RecordSettlementRun(ctx, "error")
		return nil, err
	}

	starting := money.Zero()
	sequentialID := int64(0)
	startingTime := int64(0)
	if previous != nil {
		starting, err = money.Parse(previous.ClosingBalance)
		if err != nil {
			s.obsMetrics.RecordSettlementRun(ctx, "error")
			return nil, err
		}
		sequentialID = previous.SequentialID + 1
		startingTime = previous.ClosingTime
	}

	history := &domain.AccountHistory{
		ID:              s.genID.Generate(),
		User:            user,
		SequentialID:    sequentialID,
		StartingBalance: starting.String(),
		ClosingBalance:  starting.String(),
		StartingTime:    startingTime,
		ClosingTime:     now,
	}
	if _, err := s.histories.Create(ctx, history); err != nil {
		s.obsMetrics.RecordSettlementRun(ctx, "error")
		return nil, err
	}

	var (
		mu      sync.Mutex
		balance = starting
		settled []*domain.AccountActivity
		wg      sync.WaitGroup
		sem     = make(chan struct{}, s.concurrency)
	)
	for _, activity := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(activity *domain.AccountActivity) {
			defer wg.Done()
			defer func() { <-sem }()

			delta, err := money.Parse(activity.Amount)
			if err != nil {
				s.log.Error("activity has malformed amount, leaving pending",
					zap.String("user", user),
					zap.String("activity_id", activity.ID.String()),
					zap.Error(err))
				return
			}
			updated, err := s.activities.Update(ctx,
				recordstore.Query{"id": activity.ID},
				recordstore.Query{
					"status":             domain.ActivityStatusSettled,
					"account_history_id": history.ID,
				})
			if err != nil {
				s.log.Error("failed to settle activity, leaving pending",
					zap.String("user", user),
					zap.String("activity_id", activity.ID.String()),
					zap.Error(err))
				return
			}

			mu.Lock()
			if activity.Type == domain.ActivityTypeIncoming {
				balance = balance.Add(delta)
			} else {
				balance = balance.Sub(delta)
			}
			settled = append(settled, updated)
			mu.Unlock()
		}(activity)
	}
	wg.Wait()

	final, err := s.histories.Update(ctx,
		recordstore.Query{"id": history.ID},
		recordstore.Query{"closing_balance": balance.String()})
	if err != nil {
		s.obsMetrics.RecordSettlementRun(ctx, "error")
		return nil, err
	}

	s.log.Info("settled account activities",
		zap.String("user", user),
		zap.Int64("sequential_id", sequentialID),
		zap.Int("due", len(due)),
		zap.Int("settled", len(settled)),
		zap.String("closing_balance", balance.String()))
	s.obsMetrics.RecordSettlementRun(ctx, "settled")
	s.obsMetrics.RecordSettledActivities(ctx, int64(len(settled)))

	return &domain.SettleResult{
		NewHistory:        final,
		PreviousHistory:   previous,
		SettledActivities: settled,
	}, nil
}

func (s *Service) BalanceOf(ctx context.Context, user string, consistent bool) (string, error) {
	latest, err := s.LatestHistory(ctx, user, consistent)
	if err != nil {
		return "", err
	}
	if latest == nil {
		return "0", nil
	}
	return latest.ClosingBalance, nil
}

func (s *Service) LatestHistory(ctx context.Context, user string, consistent bool) (*domain.AccountHistory, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return nil, domain.ErrInvalidUser
	}
	opts := []recordstore.Option{
		recordstore.SortBy("sequential_id", recordstore.Descending),
		recordstore.Limit(1),
	}
	if consistent {
		opts = append(opts, recordstore.Consistent(true))
	}
	return s.histories.GetOrNull(ctx, recordstore.Query{"user": user}, opts...)
}

func (s *Service) GetHistory(ctx context.Context, id snowflake.ID) (*domain.AccountHistory, error) {
	return s.histories.Get(ctx, recordstore.Query{"id": id})
}

func (s *Service) ListHistories(ctx context.Context, req domain.ListHistoriesRequest) (*domain.ListHistoriesResponse, error) {
	user := strings.TrimSpace(req.User)
	if user == "" {
		return nil, domain.ErrInvalidUser
	}
	items, next, err := s.histories.Page(ctx,
		recordstore.Query{"user": user},
		req.PageToken, req.Limit,
		recordstore.SortBy("id", recordstore.Descending))
	if err != nil {
		return nil, err
	}
	return &domain.ListHistoriesResponse{Histories: items, NextPageToken: next}, nil
}

func (s *Service) ListActivities(ctx context.Context, req domain.ListActivitiesRequest) (*domain.ListActivitiesResponse, error) {
	user := strings.TrimSpace(req.User)
	if user == "" {
		return nil, domain.ErrInvalidUser
	}
	opts := []recordstore.Option{
		recordstore.SortBy("id", recordstore.Descending),
	}
	if req.StartTime > 0 {
		opts = append(opts, recordstore.Where("created_at >= ?", req.StartTime))
	}
	if req.EndTime > 0 {
		opts = append(opts, recordstore.Where("created_at <= ?", req.EndTime))
	}
	items, next, err := s.activities.Page(ctx,
		recordstore.Query{"user": user},
		req.PageToken, req.Limit, opts...)
	if err != nil {
		return nil, err
	}
	return &domain.ListActivitiesResponse{Activities: items, NextPageToken: next}, nil
}

func (s *Service) ActivitiesByIDs(ctx context.Context, ids []snowflake.ID) ([]*domain.AccountActivity, error) {
	raw := make([]int64, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, int64(id))
	}
	return s.activities.BatchGet(ctx, raw)
}
