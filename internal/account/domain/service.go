package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type RecordActivityRequest struct {
	User              string
	Type              ActivityType
	Reason            ActivityReason
	Amount            string
	SettleAt          int64
	Description       string
	BilledApp         *string
	ConsumedFreeQuota *int64
	UsageSummaryID    *snowflake.ID
	PaymentAcceptID   *snowflake.ID
	PayoutID          *snowflake.ID
}

type SettleOptions struct {
	// ConsistentRead guarantees visibility of very recent pending
	// writes at higher cost. Callers that can tolerate a missed
	// activity (it is simply picked up by the next run) leave it off.
	ConsistentRead bool
}

// SettleResult reports one settlement run. A nil result means no
// activities were due: a no-op, not an error.
type SettleResult struct {
	NewHistory        *AccountHistory
	PreviousHistory   *AccountHistory
	SettledActivities []*AccountActivity
}

type ListActivitiesRequest struct {
	User      string
	StartTime int64 // epoch ms, inclusive; 0 means unbounded
	EndTime   int64 // epoch ms, inclusive; 0 means unbounded
	Limit     int
	PageToken string
}

type ListActivitiesResponse struct {
	Activities    []*AccountActivity
	NextPageToken string
}

type ListHistoriesRequest struct {
	User      string
	Limit     int
	PageToken string
}

type ListHistoriesResponse struct {
	Histories     []*AccountHistory
	NextPageToken string
}

// Service is the account ledger: the pending→settled activity
// lifecycle and the snapshot chain.
type Service interface {
	// RecordActivity appends a pending activity. Pure append; no
	// balance computation happens here.
	RecordActivity(ctx context.Context, req RecordActivityRequest) (*AccountActivity, error)
	// Settle folds all due pending activities into a new snapshot.
	// Must not run concurrently for the same user; callers go through
	// the settlement dispatcher, whose per-group ordering provides
	// that guarantee.
	Settle(ctx context.Context, user string, opts SettleOptions) (*SettleResult, error)
	// BalanceOf returns the latest snapshot's closing balance as a
	// decimal string, or "0" for a user with no snapshots.
	BalanceOf(ctx context.Context, user string, consistent bool) (string, error)
	// LatestHistory returns the snapshot with the greatest
	// SequentialID, or nil.
	LatestHistory(ctx context.Context, user string, consistent bool) (*AccountHistory, error)
	GetHistory(ctx context.Context, id snowflake.ID) (*AccountHistory, error)
	ListHistories(ctx context.Context, req ListHistoriesRequest) (*ListHistoriesResponse, error)
	ListActivities(ctx context.Context, req ListActivitiesRequest) (*ListActivitiesResponse, error)
	ActivitiesByIDs(ctx context.Context, ids []snowflake.ID) ([]*AccountActivity, error)
}

var (
	ErrInvalidUser   = errors.New("invalid_user")
	ErrInvalidType   = errors.New("invalid_activity_type")
	ErrInvalidReason = errors.New("invalid_activity_reason")
)
