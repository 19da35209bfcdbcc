package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountdomain "github.com/metergate/metergate/internal/account/domain"
	accountservice "github.com/metergate/metergate/internal/account/service"
	"github.com/metergate/metergate/internal/clock"
	appconfig "github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/dispatch"
	"github.com/metergate/metergate/internal/migration"
	paymentdomain "github.com/metergate/metergate/internal/payment/domain"
	paymentservice "github.com/metergate/metergate/internal/payment/service"
	"github.com/metergate/metergate/pkg/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fixture struct {
	clk        *clock.FakeClock
	dispatcher dispatch.Dispatcher
	handler    *Handler
	accountSvc accountdomain.Service
	paymentSvc paymentdomain.Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, migration.Run(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Unix(1700000000, 0))
	log := zap.NewNop()

	cfg := appconfig.Config{}
	cfg.Settlement.Concurrency = 4

	accountSvc := accountservice.NewService(accountservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Config: cfg,
	})
	paymentSvc := paymentservice.NewService(paymentservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, AccountSvc: accountSvc,
	})

	dispatcher := dispatch.NewMemory(log, clk, 5*time.Minute, nil)
	handler := NewHandler(Params{
		Log: log, Dispatcher: dispatcher, AccountSvc: accountSvc, PaymentSvc: paymentSvc,
	})
	dispatcher.Subscribe(dispatch.ChannelBilling, handler.Handle)

	return &fixture{
		clk:        clk,
		dispatcher: dispatcher,
		handler:    handler,
		accountSvc: accountSvc,
		paymentSvc: paymentSvc,
	}
}

func (f *fixture) topUp(t *testing.T, user, amount string) {
	t.Helper()
	_, err := f.accountSvc.RecordActivity(context.Background(), accountdomain.RecordActivityRequest{
		User:   user,
		Type:   accountdomain.ActivityTypeIncoming,
		Reason: accountdomain.ReasonTopup,
		Amount: amount,
	})
	require.NoError(t, err)
}

func TestTriggerSettlementSettlesThroughThePipeline(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.topUp(t, "alice", "5")
	require.NoError(t, TriggerSettlement(ctx, f.dispatcher, "alice"))

	balance, err := f.accountSvc.BalanceOf(ctx, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, "5", balance)
}

func TestHandleRejectsOutOfBandCalls(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.topUp(t, "alice", "5")
	err := f.handler.Handle(ctx, dispatch.Message{
		Channel:  dispatch.ChannelBilling,
		GroupKey: "alice",
		DedupKey: "settle-account-alice",
		Payload:  []byte(`{"type":"settle-account","user":"alice"}`),
	})
	require.Error(t, err)
	assert.Equal(t, faults.CodeNotAccepted, faults.CodeOf(err))

	// The rejected call must not have settled anything.
	balance, err := f.accountSvc.BalanceOf(ctx, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, "0", balance)
}

func TestHandleRejectsGroupKeyMismatch(t *testing.T) {
	f := setup(t)

	// Delivered on bob's group but instructing alice's account.
	err := f.dispatcher.Dispatch(context.Background(), dispatch.Message{
		Channel:  dispatch.ChannelBilling,
		GroupKey: "bob",
		DedupKey: "settle-account-alice",
		Payload:  []byte(`{"type":"settle-account","user":"alice"}`),
	})
	require.Error(t, err)
	assert.Equal(t, faults.CodeNotAccepted, faults.CodeOf(err))
}

func TestHandleRejectsMalformedAndUnknownInstructions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.dispatcher.Dispatch(ctx, dispatch.Message{
		Channel:  dispatch.ChannelBilling,
		GroupKey: "alice",
		DedupKey: "garbled",
		Payload:  []byte("not json"),
	})
	require.Error(t, err)
	assert.Equal(t, faults.CodeNotAccepted, faults.CodeOf(err))

	err = f.dispatcher.Dispatch(ctx, dispatch.Message{
		Channel:  dispatch.ChannelBilling,
		GroupKey: "alice",
		DedupKey: "mystery",
		Payload:  []byte(`{"type":"mystery","user":"alice"}`),
	})
	require.Error(t, err)
	assert.Equal(t, faults.CodeNotAccepted, faults.CodeOf(err))
}

func TestDuplicateTriggersCollapseWithinTheWindow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.topUp(t, "alice", "1")
	require.NoError(t, TriggerSettlement(ctx, f.dispatcher, "alice"))

	// The duplicate is dropped, so the late activity stays pending.
	f.topUp(t, "alice", "2")
	require.NoError(t, TriggerSettlement(ctx, f.dispatcher, "alice"))
	balance, err := f.accountSvc.BalanceOf(ctx, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, "1", balance)

	f.clk.Advance(5 * time.Minute)
	require.NoError(t, TriggerSettlement(ctx, f.dispatcher, "alice"))
	balance, err = f.accountSvc.BalanceOf(ctx, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, "3", balance)
}

func TestTriggerPaymentCompletedCreditsAndSettles(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	payment, err := f.paymentSvc.CreatePayment(ctx, paymentdomain.CreatePaymentRequest{
		User:       "alice",
		Amount:     "25",
		ExternalID: "cs_123",
	})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentStatusPending, payment.Status)

	require.NoError(t, TriggerPaymentCompleted(ctx, f.dispatcher, "alice", payment.ID))

	settled, err := f.paymentSvc.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentStatusSettled, settled.Status)
	require.NotNil(t, settled.AccountActivityID)

	balance, err := f.accountSvc.BalanceOf(ctx, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, "25", balance)
}

func TestRedeliveredPaymentCompletionDoesNotDoubleCredit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	payment, err := f.paymentSvc.CreatePayment(ctx, paymentdomain.CreatePaymentRequest{
		User:       "alice",
		Amount:     "25",
		ExternalID: "cs_123",
	})
	require.NoError(t, err)

	require.NoError(t, TriggerPaymentCompleted(ctx, f.dispatcher, "alice", payment.ID))
	f.clk.Advance(10 * time.Minute)
	require.NoError(t, TriggerPaymentCompleted(ctx, f.dispatcher, "alice", payment.ID))

	balance, err := f.accountSvc.BalanceOf(ctx, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, "25", balance)
}

func TestCompleteOutsidePipelineIsRejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	payment, err := f.paymentSvc.CreatePayment(ctx, paymentdomain.CreatePaymentRequest{
		User:       "alice",
		Amount:     "25",
		ExternalID: "cs_123",
	})
	require.NoError(t, err)

	_, err = f.paymentSvc.Complete(ctx, payment.ID)
	require.Error(t, err)
	assert.Equal(t, faults.CodeNotAccepted, faults.CodeOf(err))
}
