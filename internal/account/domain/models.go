// Package domain contains the ledger's persistence models: pending and
// settled monetary events, and the immutable balance snapshot chain.
package domain

import (
	"github.com/bwmarrin/snowflake"
)

// ActivityType says which direction money moves for the owning user.
type ActivityType string

const (
	ActivityTypeIncoming ActivityType = "incoming"
	ActivityTypeOutgoing ActivityType = "outgoing"
)

// ActivityReason is the enumerated cause of a monetary event.
type ActivityReason string

const (
	ReasonTopup                      ActivityReason = "topup"
	ReasonApiPerRequestCharge        ActivityReason = "api_per_request_charge"
	ReasonApiMinMonthlyCharge        ActivityReason = "api_min_monthly_charge"
	ReasonApiMinMonthlyChargeUpgrade ActivityReason = "api_min_monthly_charge_upgrade"
	ReasonPerRequestServiceFee       ActivityReason = "per_request_service_fee"
	ReasonPayout                     ActivityReason = "payout"
	ReasonPayoutFee                  ActivityReason = "payout_fee"
)

// ActivityStatus tracks the pending→settled lifecycle. An activity is
// mutated exactly once, by settlement, and never reversed.
type ActivityStatus string

const (
	ActivityStatusPending ActivityStatus = "pending"
	ActivityStatusSettled ActivityStatus = "settled"
)

// AccountActivity is one pending or settled monetary event for a user.
// Amount is a non-negative decimal string; the sign comes from Type.
// SettleAt is epoch milliseconds: the event becomes eligible for
// settlement at or after that time, which enables holds such as the
// 30-day pending window on monthly charges.
type AccountActivity struct {
	ID                snowflake.ID   `gorm:"primaryKey"`
	User              string         `gorm:"type:text;not null;index:idx_account_activities_user_created,priority:1"`
	CreatedAt         int64          `gorm:"not null;index:idx_account_activities_user_created,priority:2"`
	Type              ActivityType   `gorm:"type:text;not null"`
	Reason            ActivityReason `gorm:"type:text;not null"`
	Status            ActivityStatus `gorm:"type:text;not null;index:idx_account_activities_status_settle,priority:1"`
	SettleAt          int64          `gorm:"not null;index:idx_account_activities_status_settle,priority:2"`
	Amount            string         `gorm:"type:text;not null"`
	Description       string         `gorm:"type:text;not null;default:''"`
	BilledApp         *string        `gorm:"type:text"`
	ConsumedFreeQuota *int64
	UsageSummaryID    *snowflake.ID
	PaymentAcceptID   *snowflake.ID
	PayoutID          *snowflake.ID
	// AccountHistoryID back-references the snapshot that settled this
	// activity. Written exactly once, at settlement time.
	AccountHistoryID *snowflake.ID
}

// TableName sets the database table name.
func (AccountActivity) TableName() string { return "account_activities" }

func (a *AccountActivity) PrimaryID() int64 { return int64(a.ID) }

// AccountHistory is an immutable balance snapshot, one per settlement
// run per user. Snapshots form a strictly ordered chain: consecutive
// snapshots share a boundary balance and time, and SequentialID
// increments by exactly one. The unique index makes a duplicate
// SequentialID a constraint violation rather than silent corruption.
type AccountHistory struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	User            string       `gorm:"type:text;not null;uniqueIndex:ux_account_histories_user_seq,priority:1"`
	SequentialID    int64        `gorm:"not null;uniqueIndex:ux_account_histories_user_seq,priority:2"`
	StartingBalance string       `gorm:"type:text;not null"`
	ClosingBalance  string       `gorm:"type:text;not null"`
	StartingTime    int64        `gorm:"not null"`
	ClosingTime     int64        `gorm:"not null"`
}

// TableName sets the database table name.
func (AccountHistory) TableName() string { return "account_histories" }

func (h *AccountHistory) PrimaryID() int64 { return int64(h.ID) }
