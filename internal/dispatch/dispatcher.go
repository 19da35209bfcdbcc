// Package dispatch is the ordered, deduplicating instruction pipeline
// that serializes settlement work. Messages on one (channel, group key)
// pair are delivered strictly in order and never concurrently; a dedup
// key suppresses redelivery of the same instruction within the dedup
// window.
package dispatch

import (
	"context"
	"strings"

	"github.com/metergate/metergate/pkg/faults"
)

// ChannelBilling carries settlement and payment-completion
// instructions. Group key is always the account user.
const ChannelBilling = "billing"

// Message is one instruction offered to the pipeline.
type Message struct {
	// Channel routes to the consumer registered for it.
	Channel string
	// GroupKey is the ordering domain, normally the account user.
	GroupKey string
	// DedupKey suppresses duplicate instructions within the window.
	DedupKey string
	// Payload is an opaque encoded instruction body.
	Payload []byte
}

// Consumer handles delivered messages. It runs with delivery metadata
// on the context and is never invoked concurrently for one group.
type Consumer func(ctx context.Context, msg Message) error

// Dispatcher accepts messages and delivers them to subscribed
// consumers with per-group ordering and dedup.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
	Subscribe(channel string, c Consumer)
}

// Delivery is the metadata a consumer can demand to prove it was
// reached through the pipeline rather than called directly.
type Delivery struct {
	Channel  string
	GroupKey string
	DedupKey string
}

type deliveryCtxKey struct{}

// WithDelivery marks ctx as carrying an in-pipeline delivery.
func WithDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryCtxKey{}, d)
}

// DeliveryFrom returns the delivery metadata, if any.
func DeliveryFrom(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryCtxKey{}).(Delivery)
	return d, ok
}

// EnforceDelivery verifies that the caller is executing inside the
// pipeline, on the expected channel, with the group key matching the
// entity being operated on. Any mismatch is a caller bug, not a data
// race, so the fault is not retryable and the operation must not
// proceed.
func EnforceDelivery(ctx context.Context, channel, groupKey string) error {
	d, ok := DeliveryFrom(ctx)
	if !ok {
		return &faults.NotAccepted{Channel: channel, GroupKey: groupKey,
			Detail: "not called through the dispatcher"}
	}
	if d.Channel != channel {
		return &faults.NotAccepted{Channel: d.Channel, GroupKey: d.GroupKey, DedupKey: d.DedupKey,
			Detail: "expected channel " + channel}
	}
	if strings.TrimSpace(d.GroupKey) == "" {
		return &faults.NotAccepted{Channel: d.Channel, DedupKey: d.DedupKey,
			Detail: "empty group key"}
	}
	if strings.TrimSpace(d.DedupKey) == "" {
		return &faults.NotAccepted{Channel: d.Channel, GroupKey: d.GroupKey,
			Detail: "empty dedup key"}
	}
	if d.GroupKey != groupKey {
		return &faults.NotAccepted{Channel: d.Channel, GroupKey: d.GroupKey, DedupKey: d.DedupKey,
			Detail: "group key does not match entity " + groupKey}
	}
	return nil
}

func validate(msg Message) error {
	if strings.TrimSpace(msg.Channel) == "" {
		return &faults.NotAccepted{GroupKey: msg.GroupKey, DedupKey: msg.DedupKey, Detail: "empty channel"}
	}
	if strings.TrimSpace(msg.GroupKey) == "" {
		return &faults.NotAccepted{Channel: msg.Channel, DedupKey: msg.DedupKey, Detail: "empty group key"}
	}
	if strings.TrimSpace(msg.DedupKey) == "" {
		return &faults.NotAccepted{Channel: msg.Channel, GroupKey: msg.GroupKey, Detail: "empty dedup key"}
	}
	return nil
}
