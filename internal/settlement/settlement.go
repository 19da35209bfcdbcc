// Package settlement wires the billing channel: it encodes settlement
// instructions, registers the consumer that executes them, and offers
// trigger helpers so the rest of the system never talks to the ledger's
// Settle directly.
package settlement

import (
	"context"
	"encoding/json"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/metergate/metergate/internal/account/domain"
	"github.com/metergate/metergate/internal/dispatch"
	paymentdomain "github.com/metergate/metergate/internal/payment/domain"
	"github.com/metergate/metergate/pkg/faults"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	instructionSettleAccount    = "settle-account"
	instructionPaymentCompleted = "payment-completed"
)

// instruction is the wire form of one billing-channel message.
type instruction struct {
	Type      string       `json:"type"`
	User      string       `json:"user"`
	PaymentID snowflake.ID `json:"paymentId,omitempty"`
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Dispatcher dispatch.Dispatcher
	AccountSvc accountdomain.Service
	PaymentSvc paymentdomain.Service
}

// Handler consumes billing-channel instructions.
type Handler struct {
	log        *zap.Logger
	accountSvc accountdomain.Service
	paymentSvc paymentdomain.Service
}

func NewHandler(p Params) *Handler {
	return &Handler{
		log:        p.Log.Named("settlement.handler"),
		accountSvc: p.AccountSvc,
		paymentSvc: p.PaymentSvc,
	}
}

// Register subscribes the handler to the billing channel.
func Register(p Params, h *Handler) {
	p.Dispatcher.Subscribe(dispatch.ChannelBilling, h.Handle)
}

func (h *Handler) Handle(ctx context.Context, msg dispatch.Message) error {
	var inst instruction
	if err := json.Unmarshal(msg.Payload, &inst); err != nil {
		return &faults.NotAccepted{Channel: msg.Channel, GroupKey: msg.GroupKey, DedupKey: msg.DedupKey,
			Detail: "malformed instruction payload"}
	}
	if err := dispatch.EnforceDelivery(ctx, dispatch.ChannelBilling, inst.User); err != nil {
		h.log.Error("rejecting out-of-band settlement instruction", zap.Error(err))
		return err
	}

	switch inst.Type {
	case instructionSettleAccount:
		return h.settle(ctx, inst.User)
	case instructionPaymentCompleted:
		if _, err := h.paymentSvc.Complete(ctx, inst.PaymentID); err != nil {
			return err
		}
		return h.settle(ctx, inst.User)
	default:
		return &faults.NotAccepted{Channel: msg.Channel, GroupKey: msg.GroupKey, DedupKey: msg.DedupKey,
			Detail: "unknown instruction type " + inst.Type}
	}
}

func (h *Handler) settle(ctx context.Context, user string) error {
	result, err := h.accountSvc.Settle(ctx, user, accountdomain.SettleOptions{ConsistentRead: true})
	if err != nil {
		return err
	}
	if result == nil {
		h.log.Debug("nothing to settle", zap.String("user", user))
	}
	return nil
}

// TriggerSettlement enqueues a settle-account instruction for user.
// The dedup key collapses bursts of triggers into one run per window.
func TriggerSettlement(ctx context.Context, d dispatch.Dispatcher, user string) error {
	payload, err := json.Marshal(instruction{Type: instructionSettleAccount, User: user})
	if err != nil {
		return err
	}
	return d.Dispatch(ctx, dispatch.Message{
		Channel:  dispatch.ChannelBilling,
		GroupKey: user,
		DedupKey: instructionSettleAccount + "-" + user,
		Payload:  payload,
	})
}

// TriggerPaymentCompleted enqueues the completion of one payment. The
// dedup key is per payment, so distinct top-ups are never collapsed.
func TriggerPaymentCompleted(ctx context.Context, d dispatch.Dispatcher, user string, paymentID snowflake.ID) error {
	payload, err := json.Marshal(instruction{Type: instructionPaymentCompleted, User: user, PaymentID: paymentID})
	if err != nil {
		return err
	}
	return d.Dispatch(ctx, dispatch.Message{
		Channel:  dispatch.ChannelBilling,
		GroupKey: user,
		DedupKey: "payment-" + paymentID.String(),
		Payload:  payload,
	})
}

var Module = fx.Module("settlement",
	fx.Provide(NewHandler),
	fx.Invoke(Register),
)
