package sweeper

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestSweepEnqueuesOnlyUsersWithDueActivities(t *testing.T) {
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

	dispatcher := dispatch.NewMemory(log, clk, 5*time.Minute, nil)
	var triggered []string
	dispatcher.Subscribe(dispatch.ChannelBilling, func(_ context.Context, msg dispatch.Message) error {
		triggered = append(triggered, msg.GroupKey)
		return nil
	})

	ctx := context.Background()
	record := func(user string, settleAt int64) {
		_, err := accountSvc.RecordActivity(ctx, accountdomain.RecordActivityRequest{
			User:     user,
			Type:     accountdomain.ActivityTypeIncoming,
			Reason:   accountdomain.ReasonTopup,
			Amount:   "1",
			SettleAt: settleAt,
		})
		require.NoError(t, err)
	}
	record("alice", 0)
	record("bob", 0)
	record("carol", clk.Now().Add(time.Hour).UnixMilli())

	s := &Sweeper{db: db, log: log, clock: clk, dispatcher: dispatcher}
	require.NoError(t, s.Sweep(ctx))
	assert.ElementsMatch(t, []string{"alice", "bob"}, triggered)

	// carol's held activity becomes due once the clock passes it.
	triggered = nil
	clk.Advance(2 * time.Hour)
	require.NoError(t, s.Sweep(ctx))
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, triggered)
}
