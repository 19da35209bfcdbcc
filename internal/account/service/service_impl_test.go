package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/metergate/metergate/internal/account/domain"
	"github.com/metergate/metergate/internal/clock"
	appconfig "github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/migration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func setupService(t *testing.T, clk clock.Clock) domain.Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, migration.Run(db))

	cfg := appconfig.Config{}
	cfg.Settlement.Concurrency = 4
	return NewService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  mustNode(t),
		Clock:  clk,
		Config: cfg,
	})
}

func record(t *testing.T, svc domain.Service, user string, typ domain.ActivityType, amount string) *domain.AccountActivity {
	t.Helper()
	activity, err := svc.RecordActivity(context.Background(), domain.RecordActivityRequest{
		User:   user,
		Type:   typ,
		Reason: domain.ReasonTopup,
		Amount: amount,
	})
	require.NoError(t, err)
	return activity
}

func TestRecordActivityValidation(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1700000000, 0))
	svc := setupService(t, clk)
	ctx := context.Background()

	_, err := svc.RecordActivity(ctx, domain.RecordActivityRequest{
		User: " ", Type: domain.ActivityTypeIncoming, Reason: domain.ReasonTopup, Amount: "1",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidUser)

	_, err = svc.RecordActivity(ctx, domain.RecordActivityRequest{
		User: "alice", Type: "sideways", Reason: domain.ReasonTopup, Amount: "1",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidType)

	_, err = svc.RecordActivity(ctx, domain.RecordActivityRequest{
		User: "alice", Type: domain.ActivityTypeIncoming, Reason: "gift", Amount: "1",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidReason)

	_, err = svc.RecordActivity(ctx, domain.RecordActivityRequest{
		User: "alice", Type: domain.ActivityTypeIncoming, Reason: domain.ReasonTopup, Amount: "not-money",
	})
	assert.Error(t, err)
}

func TestSettleFirstSnapshotStartsFromZero(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1700000000, 0))
	svc := setupService(t, clk)
	ctx := context.Background()

	record(t, svc, "alice", domain.ActivityTypeIncoming, "1")

	res, err := svc.Settle(ctx, "alice", domain.SettleOptions{ConsistentRead: true})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Nil(t, res.PreviousHistory)
	assert.Equal(t, int64(0), res.NewHistory.SequentialID)
	assert.Equal(t, "0", res.NewHistory.StartingBalance)
	assert.Equal(t, "1", res.NewHistory.ClosingBalance)
	assert.Len(t, res.SettledActivities, 1)
	assert.Equal(t, domain.ActivityStatusSettled, res.SettledActivities[0].Status)
	require.NotNil(t, res.SettledActivities[0].AccountHistoryID)
	assert.Equal(t, res.NewHistory.ID, *res.SettledActivities[0].AccountHistoryID)

	balance, err := svc.BalanceOf(ctx, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, "1", balance)
}

func TestSettleBalanceCanGoNegative(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1700000000, 0))
	svc := setupService(t, clk)
	ctx := context.Background()

	record(t, svc, "alice", domain.ActivityTypeIncoming, "1")
	record(t, svc, "alice", domain.ActivityTypeOutgoing, "2")

	res, err := svc.Settle(ctx, "alice", domain.SettleOptions{ConsistentRead: true})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "-1", res.NewHistory.ClosingBalance)
	assert.Len(t, res.SettledActivities, 2)
}

func TestSettleWithNothingDueIsNoop(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1700000000, 0))
	svc := setupService(t, clk)
	ctx := context.Background()

	res, err := svc.Settle(ctx, "alice", domain.SettleOptions{ConsistentRead: true})
	require.NoError(t, err)
	assert.Nil(t, res)

	// Settling twice must not produce an empty second snapshot.
	record(t, svc, "alice", domain.ActivityTypeIncoming, "5")
	_, err = svc.Settle(ctx, "alice", domain.SettleOptions{ConsistentRead: true})
	require.NoError(t, err)
	res, err = svc.Settle(ctx, "alice", domain.SettleOptions{ConsistentRead: true})
	require.NoError(t, err)
	assert.Nil(t, res)

	latest, err := svc.LatestHistory(ctx, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, int64(0), latest.SequentialID)
}

func TestSettleChainsConsecutiveSnapshots(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1700000000, 0))
	svc := setupService(t, clk)
	ctx := context.Background()

	record(t, svc, "alice", domain.ActivityTypeIncoming, "10")
	first, err := svc.Settle(ctx, "alice", domain.SettleOptions{ConsistentRead: true})
	require.NoError(t, err)

	clk.Advance(time.Minute)
	record(t, svc, "alice", domain.ActivityTypeOutgoing, "3")
	second, err := svc.Settle(ctx, "alice", domain.SettleOptions{ConsistentRead: true})
	require.NoError(t, err)

	require.NotNil(t, second.PreviousHistory)
	assert.Equal(t, first.NewHistory.ID, second.PreviousHistory.ID)
	assert.Equal(t, int64(1), second.NewHistory.SequentialID)
	assert.Equal(t, first.NewHistory.ClosingBalance, second.NewHistory.StartingBalance)
	assert.Equal(t, first.NewHistory.ClosingTime, second.NewHistory.StartingTime)
	assert.Equal(t, "7", second.NewHistory.ClosingBalance)
}

func TestSettleSkipsActivitiesHeldForTheFuture(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1700000000, 0))
	svc := setupService(t, clk)
	ctx := context.Background()

	record(t, svc, "alice", domain.ActivityTypeIncoming, "1")
	_, err := svc.RecordActivity(ctx, domain.RecordActivityRequest{
		User:     "alice",
		Type:     domain.ActivityTypeIncoming,
		Reason:   domain.ReasonApiMinMonthlyCharge,
		Amount:   "100",
		SettleAt: clk.Now().Add(30 * 24 * time.Hour).UnixMilli(),
	})
	require.NoError(t, err)

	res, err := svc.Settle(ctx, "alice", domain.SettleOptions{ConsistentRead: true})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Len(t, res.SettledActivities, 1)
	assert.Equal(t, "1", res.NewHistory.ClosingBalance)

	// Once the hold elapses the next run picks it up.
	clk.Advance(30*24*time.Hour + time.Second)
	res, err = svc.Settle(ctx, "alice", domain.SettleOptions{ConsistentRead: true})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Len(t, res.SettledActivities, 1)
	assert.Equal(t, "101", res.NewHistory.ClosingBalance)
}

func TestSettleIsPerUser(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1700000000, 0))
	svc := setupService(t, clk)
	ctx := context.Background()

	record(t, svc, "alice", domain.ActivityTypeIncoming, "1")
	record(t, svc, "bob", domain.ActivityTypeIncoming, "2")

	_, err := svc.Settle(ctx, "alice", domain.SettleOptions{ConsistentRead: true})
	require.NoError(t, err)

	balance, err := svc.BalanceOf(ctx, "bob", true)
	require.NoError(t, err)
	assert.Equal(t, "0", balance)

	_, err = svc.Settle(ctx, "bob", domain.SettleOptions{ConsistentRead: true})
	require.NoError(t, err)
	balance, err = svc.BalanceOf(ctx, "bob", true)
	require.NoError(t, err)
	assert.Equal(t, "2", balance)
}

func TestListActivitiesFiltersByTimeRange(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1700000000, 0))
	svc := setupService(t, clk)
	ctx := context.Background()

	record(t, svc, "alice", domain.ActivityTypeIncoming, "1")
	clk.Advance(time.Hour)
	cutoff := clk.Now().UnixMilli()
	record(t, svc, "alice", domain.ActivityTypeIncoming, "2")

	res, err := svc.ListActivities(ctx, domain.ListActivitiesRequest{
		User:      "alice",
		StartTime: cutoff,
		Limit:     10,
	})
	require.NoError(t, err)
	require.Len(t, res.Activities, 1)
	assert.Equal(t, "2", res.Activities[0].Amount)

	res, err = svc.ListActivities(ctx, domain.ListActivitiesRequest{User: "alice", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, res.Activities, 2)
}

func TestActivitiesByIDs(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1700000000, 0))
	svc := setupService(t, clk)

	a := record(t, svc, "alice", domain.ActivityTypeIncoming, "1")
	b := record(t, svc, "alice", domain.ActivityTypeIncoming, "2")

	got, err := svc.ActivitiesByIDs(context.Background(), []snowflake.ID{a.ID, b.ID})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
