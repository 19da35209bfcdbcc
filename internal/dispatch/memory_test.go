package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/metergate/metergate/internal/clock"
	"github.com/metergate/metergate/pkg/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func msg(group, dedup string) Message {
	return Message{Channel: ChannelBilling, GroupKey: group, DedupKey: dedup, Payload: []byte("{}")}
}

func TestMemoryRejectsMalformedMessages(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1700000000, 0))
	d := NewMemory(zap.NewNop(), clk, time.Minute, nil)
	d.Subscribe(ChannelBilling, func(context.Context, Message) error { return nil })
	ctx := context.Background()

	for _, m := range []Message{
		{GroupKey: "alice", DedupKey: "x"},
		{Channel: ChannelBilling, DedupKey: "x"},
		{Channel: ChannelBilling, GroupKey: "alice"},
	} {
		err := d.Dispatch(ctx, m)
		require.Error(t, err)
		assert.Equal(t, faults.CodeNotAccepted, faults.CodeOf(err))
	}
}

func TestMemoryRejectsUnknownChannel(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1700000000, 0))
	d := NewMemory(zap.NewNop(), clk, time.Minute, nil)

	err := d.Dispatch(context.Background(), msg("alice", "x"))
	require.Error(t, err)
	assert.Equal(t, faults.CodeNotAccepted, faults.CodeOf(err))
}

func TestMemoryDeliversWithDeliveryMetadata(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1700000000, 0))
	d := NewMemory(zap.NewNop(), clk, time.Minute, nil)

	var got Delivery
	d.Subscribe(ChannelBilling, func(ctx context.Context, m Message) error {
		delivery, ok := DeliveryFrom(ctx)
		require.True(t, ok)
		got = delivery
		return nil
	})

	require.NoError(t, d.Dispatch(context.Background(), msg("alice", "settle-alice")))
	assert.Equal(t, Delivery{Channel: ChannelBilling, GroupKey: "alice", DedupKey: "settle-alice"}, got)
}

func TestMemoryDropsDuplicatesWithinWindow(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1700000000, 0))
	d := NewMemory(zap.NewNop(), clk, time.Minute, nil)

	calls := 0
	d.Subscribe(ChannelBilling, func(context.Context, Message) error {
		calls++
		return nil
	})
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, msg("alice", "settle-alice")))
	require.NoError(t, d.Dispatch(ctx, msg("alice", "settle-alice")))
	assert.Equal(t, 1, calls)

	// A different dedup key is not suppressed.
	require.NoError(t, d.Dispatch(ctx, msg("alice", "settle-alice-2")))
	assert.Equal(t, 2, calls)

	// Past the window the same key delivers again.
	clk.Advance(time.Minute)
	require.NoError(t, d.Dispatch(ctx, msg("alice", "settle-alice")))
	assert.Equal(t, 3, calls)
}

func TestMemoryKeepsOneGroupOrderedAndNonConcurrent(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1700000000, 0))
	d := NewMemory(zap.NewNop(), clk, time.Minute, nil)

	var (
		mu     sync.Mutex
		active int
		order  []string
	)
	d.Subscribe(ChannelBilling, func(_ context.Context, m Message) error {
		mu.Lock()
		active++
		assert.Equal(t, 1, active, "group delivered concurrently")
		order = append(order, m.DedupKey)
		active--
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = d.Dispatch(context.Background(), msg("alice", fmt.Sprintf("settle-%d", i)))
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, order, 8)
}

func TestEnforceDelivery(t *testing.T) {
	ctx := context.Background()

	err := EnforceDelivery(ctx, ChannelBilling, "alice")
	require.Error(t, err)
	assert.Equal(t, faults.CodeNotAccepted, faults.CodeOf(err))

	in := WithDelivery(ctx, Delivery{Channel: ChannelBilling, GroupKey: "alice", DedupKey: "x"})
	assert.NoError(t, EnforceDelivery(in, ChannelBilling, "alice"))
	assert.Error(t, EnforceDelivery(in, "other", "alice"))
	assert.Error(t, EnforceDelivery(in, ChannelBilling, "bob"))

	noDedup := WithDelivery(ctx, Delivery{Channel: ChannelBilling, GroupKey: "alice"})
	assert.Error(t, EnforceDelivery(noDedup, ChannelBilling, "alice"))
}
