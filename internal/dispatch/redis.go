package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	obsmetrics "github.com/metergate/metergate/internal/observability/metrics"
	"github.com/metergate/metergate/pkg/faults"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyDispatchDedup  = "dispatch:dedup:%s:%s"
	keyDispatchStream = "dispatch:stream:%s:%s"
	keyDispatchLock   = "dispatch:lock:%s:%s"

	drainBatch = 16
)

// Redis is the production Dispatcher. Each (channel, group) pair gets
// its own stream, drained serially under a token-fenced lock, which
// yields strict per-group ordering across processes. Dedup keys are
// SETNX'd with the window TTL before enqueue, so a duplicate drops
// before any business logic runs.
type Redis struct {
	log        *zap.Logger
	client     *redis.Client
	locker     *Locker
	window     time.Duration
	lockTTL    time.Duration
	obsMetrics *obsmetrics.Metrics

	mu        sync.Mutex
	consumers map[string]Consumer
}

func NewRedis(log *zap.Logger, client *redis.Client, window time.Duration, m *obsmetrics.Metrics) *Redis {
	return &Redis{
		log:        log.Named("dispatch.redis"),
		client:     client,
		locker:     NewLocker(client),
		window:     window,
		lockTTL:    30 * time.Second,
		obsMetrics: m,
		consumers:  make(map[string]Consumer),
	}
}

func (d *Redis) Subscribe(channel string, c Consumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consumers[channel] = c
}

func (d *Redis) consumer(channel string) (Consumer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.consumers[channel]
	return c, ok
}

func (d *Redis) Dispatch(ctx context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		d.obsMetrics.RecordDispatchRejected(ctx, msg.Channel)
		return err
	}
	consumer, ok := d.consumer(msg.Channel)
	if !ok {
		d.obsMetrics.RecordDispatchRejected(ctx, msg.Channel)
		return &faults.NotAccepted{Channel: msg.Channel, GroupKey: msg.GroupKey, DedupKey: msg.DedupKey,
			Detail: "no consumer subscribed"}
	}

	fresh, err := d.client.SetNX(ctx,
		fmt.Sprintf(keyDispatchDedup, msg.Channel, msg.DedupKey),
		"1", d.window).Result()
	if err != nil {
		return &faults.Internal{Detail: "dispatch: dedup check", Err: err}
	}
	if !fresh {
		d.log.Debug("dropping duplicate instruction",
			zap.String("channel", msg.Channel),
			zap.String("dedup_key", msg.DedupKey))
		d.obsMetrics.RecordDispatchDropped(ctx, msg.Channel)
		return nil
	}

	stream := fmt.Sprintf(keyDispatchStream, msg.Channel, msg.GroupKey)
	err = d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"group":   msg.GroupKey,
			"dedup":   msg.DedupKey,
			"payload": string(msg.Payload),
		},
	}).Err()
	if err != nil {
		return &faults.Internal{Detail: "dispatch: enqueue", Err: err}
	}

	return d.drain(ctx, msg.Channel, msg.GroupKey, consumer)
}

// drain delivers the group's backlog in stream order. Only the lock
// holder drains; losing the lock race means the current holder will
// pick up the entry we just appended.
func (d *Redis) drain(ctx context.Context, channel, group string, consumer Consumer) error {
	lockKey := fmt.Sprintf(keyDispatchLock, channel, group)
	token, acquired, err := d.locker.TryLock(ctx, lockKey, d.lockTTL)
	if err != nil {
		return &faults.Internal{Detail: "dispatch: lock", Err: err}
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := d.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
			d.log.Warn("failed to release group lock",
				zap.String("channel", channel),
				zap.String("group", group),
				zap.Error(err))
		}
	}()

	stream := fmt.Sprintf(keyDispatchStream, channel, group)
	for {
		entries, err := d.client.XRangeN(ctx, stream, "-", "+", drainBatch).Result()
		if err != nil {
			return &faults.Internal{Detail: "dispatch: read stream", Err: err}
		}
		if len(entries) == 0 {
			return nil
		}
		for _, entry := range entries {
			msg := Message{
				Channel:  channel,
				GroupKey: stringValue(entry.Values, "group"),
				DedupKey: stringValue(entry.Values, "dedup"),
				Payload:  []byte(stringValue(entry.Values, "payload")),
			}
			deliveryCtx := WithDelivery(ctx, Delivery{
				Channel:  channel,
				GroupKey: msg.GroupKey,
				DedupKey: msg.DedupKey,
			})
			if err := consumer(deliveryCtx, msg); err != nil {
				// Leave the entry in place; the next dispatch to this
				// group retries it ahead of newer entries.
				d.log.Error("consumer failed, keeping instruction queued",
					zap.String("channel", channel),
					zap.String("group", group),
					zap.String("dedup_key", msg.DedupKey),
					zap.Error(err))
				return err
			}
			if err := d.client.XDel(ctx, stream, entry.ID).Err(); err != nil {
				return &faults.Internal{Detail: "dispatch: ack", Err: err}
			}
		}
	}
}

func stringValue(values map[string]any, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}
