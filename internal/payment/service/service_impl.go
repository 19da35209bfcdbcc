package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/metergate/metergate/internal/account/domain"
	"github.com/metergate/metergate/internal/clock"
	"github.com/metergate/metergate/internal/dispatch"
	"github.com/metergate/metergate/internal/payment/domain"
	"github.com/metergate/metergate/pkg/faults"
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
	AccountSvc accountdomain.Service
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	accountSvc accountdomain.Service
	payments   *recordstore.Store[domain.PaymentAccept]
}

func NewService(p Params) domain.Service {
	return &Service{
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		accountSvc: p.AccountSvc,
		payments: recordstore.New(p.DB, p.Log, "payment_accept",
			[]string{"id", "user", "external_id"},
			func(pa *domain.PaymentAccept) recordstore.Query {
				return recordstore.Query{"external_id": pa.ExternalID}
			}),
	}
}

func (s *Service) CreatePayment(ctx context.Context, req domain.CreatePaymentRequest) (*domain.PaymentAccept, error) {
	user := strings.TrimSpace(req.User)
	if user == "" {
		return nil, domain.ErrInvalidUser
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	externalID := strings.TrimSpace(req.ExternalID)
	if externalID == "" {
		return nil, &faults.BadUserInput{Field: "external_id", Message: "required"}
	}
	return s.payments.Create(ctx, &domain.PaymentAccept{
		ID:         s.genID.Generate(),
		User:       user,
		Amount:     amount.String(),
		Status:     domain.PaymentStatusPending,
		ExternalID: externalID,
		CreatedAt:  s.clock.Now().UnixMilli(),
	})
}

func (s *Service) GetPayment(ctx context.Context, id snowflake.ID) (*domain.PaymentAccept, error) {
	return s.payments.Get(ctx, recordstore.Query{"id": id})
}

func (s *Service) Complete(ctx context.Context, id snowflake.ID) (*domain.PaymentAccept, error) {
	payment, err := s.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := dispatch.EnforceDelivery(ctx, dispatch.ChannelBilling, payment.User); err != nil {
		return nil, err
	}
	if payment.Status == domain.PaymentStatusSettled {
		// Redelivered completion; the first delivery already credited.
		return payment, nil
	}

	activity, err := s.accountSvc.RecordActivity(ctx, accountdomain.RecordActivityRequest{
		User:            payment.User,
		Type:            accountdomain.ActivityTypeIncoming,
		Reason:          accountdomain.ReasonTopup,
		Amount:          payment.Amount,
		Description:     "top-up",
		PaymentAcceptID: &payment.ID,
	})
	if err != nil {
		return nil, err
	}
	updated, err := s.payments.Update(ctx,
		recordstore.Query{"id": payment.ID},
		recordstore.Query{
			"status":              domain.PaymentStatusSettled,
			"settled_at":          s.clock.Now().UnixMilli(),
			"account_activity_id": activity.ID,
		})
	if err != nil {
		return nil, err
	}
	s.log.Info("payment completed",
		zap.String("user", payment.User),
		zap.String("payment_id", payment.ID.String()),
		zap.String("amount", payment.Amount))
	return updated, nil
}
