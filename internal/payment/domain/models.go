// Package domain models inbound top-up payments. A payment is recorded
// as pending when the provider notifies us and finalized exactly once,
// through the dispatch pipeline, into a ledger credit.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusSettled PaymentStatus = "settled"
)

// PaymentAccept is one accepted top-up. ExternalID is the provider's
// reference and is unique, so a replayed provider webhook cannot mint
// a second credit.
type PaymentAccept struct {
	ID                snowflake.ID  `gorm:"primaryKey"`
	User              string        `gorm:"type:text;not null;index"`
	Amount            string        `gorm:"type:text;not null"`
	Status            PaymentStatus `gorm:"type:text;not null"`
	ExternalID        string        `gorm:"type:text;not null;uniqueIndex:ux_payment_accepts_external_id"`
	CreatedAt         int64         `gorm:"not null"`
	SettledAt         *int64
	AccountActivityID *snowflake.ID
}

// TableName sets the database table name.
func (PaymentAccept) TableName() string { return "payment_accepts" }

func (p *PaymentAccept) PrimaryID() int64 { return int64(p.ID) }

type CreatePaymentRequest struct {
	User       string
	Amount     string
	ExternalID string
}

type Service interface {
	// CreatePayment records a provider-accepted top-up as pending.
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (*PaymentAccept, error)
	GetPayment(ctx context.Context, id snowflake.ID) (*PaymentAccept, error)
	// Complete finalizes the payment: marks it settled and appends the
	// ledger credit. It demands pipeline delivery with the payment's
	// user as group key and is idempotent on redelivery.
	Complete(ctx context.Context, id snowflake.ID) (*PaymentAccept, error)
}

var (
	ErrInvalidUser   = errors.New("invalid_user")
	ErrInvalidAmount = errors.New("invalid_amount")
)
