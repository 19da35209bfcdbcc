package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/metergate/metergate/internal/clock"
	obsmetrics "github.com/metergate/metergate/internal/observability/metrics"
	"github.com/metergate/metergate/pkg/faults"
	"go.uber.org/zap"
)

// Memory is an in-process Dispatcher double. Delivery is synchronous:
// Dispatch returns after the consumer ran, and a per-group mutex keeps
// one group's deliveries strictly ordered and non-concurrent. Dedup
// expiry follows the injected clock, so tests can advance time instead
// of sleeping.
type Memory struct {
	log        *zap.Logger
	clock      clock.Clock
	window     time.Duration
	obsMetrics *obsmetrics.Metrics

	mu        sync.Mutex
	consumers map[string]Consumer
	seen      map[string]time.Time
	groups    map[string]*sync.Mutex
}

func NewMemory(log *zap.Logger, clk clock.Clock, window time.Duration, m *obsmetrics.Metrics) *Memory {
	return &Memory{
		log:        log.Named("dispatch.memory"),
		clock:      clk,
		window:     window,
		obsMetrics: m,
		consumers:  make(map[string]Consumer),
		seen:       make(map[string]time.Time),
		groups:     make(map[string]*sync.Mutex),
	}
}

func (d *Memory) Subscribe(channel string, c Consumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consumers[channel] = c
}

func (d *Memory) Dispatch(ctx context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		d.obsMetrics.RecordDispatchRejected(ctx, msg.Channel)
		return err
	}

	d.mu.Lock()
	consumer, ok := d.consumers[msg.Channel]
	if !ok {
		d.mu.Unlock()
		d.obsMetrics.RecordDispatchRejected(ctx, msg.Channel)
		return &faults.NotAccepted{Channel: msg.Channel, GroupKey: msg.GroupKey, DedupKey: msg.DedupKey,
			Detail: "no consumer subscribed"}
	}
	now := d.clock.Now()
	dedup := msg.Channel + "|" + msg.DedupKey
	if at, dup := d.seen[dedup]; dup && now.Sub(at) < d.window {
		d.mu.Unlock()
		d.log.Debug("dropping duplicate instruction",
			zap.String("channel", msg.Channel),
			zap.String("dedup_key", msg.DedupKey))
		d.obsMetrics.RecordDispatchDropped(ctx, msg.Channel)
		return nil
	}
	d.seen[dedup] = now
	group := d.groups[msg.Channel+"|"+msg.GroupKey]
	if group == nil {
		group = &sync.Mutex{}
		d.groups[msg.Channel+"|"+msg.GroupKey] = group
	}
	d.mu.Unlock()

	group.Lock()
	defer group.Unlock()
	return consumer(WithDelivery(ctx, Delivery{
		Channel:  msg.Channel,
		GroupKey: msg.GroupKey,
		DedupKey: msg.DedupKey,
	}), msg)
}
