package bus

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/opsprobe-dev/opsprobe/internal/models"
)

// DefaultBuffer is the per-subscriber channel capacity
const DefaultBuffer = 100

// SessionChannel names the per-session event channel
func SessionChannel(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// Subscription is a live attachment to one channel. Events arrive on C in
// publish order until Unsubscribe closes it.
type Subscription struct {
	Channel string
	C       chan models.Event
}

// Bus is the publish/subscribe layer between the workflow worker and the
// processes serving live viewers. Delivery is best-effort and at-most-once:
// a subscriber that is absent or saturated misses events, and the durable
// store remains the source of truth.
type Bus struct {
	logger logr.Logger

	mu          sync.RWMutex
	subscribers map[string][]*Subscription
}

// New creates an in-process bus
func New(logger logr.Logger) *Bus {
	return &Bus{
		logger:      logger.WithName("bus"),
		subscribers: make(map[string][]*Subscription),
	}
}

// Publish delivers the event to every current subscriber of the channel.
// Saturated subscribers are skipped rather than blocking the publisher.
// The lock is held across the sends: each send is non-blocking, and
// Unsubscribe closes subscriber channels under the same lock, so a
// concurrent unsubscribe can never close a channel mid-send.
func (b *Bus) Publish(channel string, event models.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[channel] {
		select {
		case sub.C <- event:
		default:
			b.logger.V(1).Info("subscriber buffer full, dropping event",
				"channel", channel, "kind", event.Kind)
		}
	}
	return nil
}

// Subscribe attaches a new subscriber to the channel
func (b *Bus) Subscribe(channel string) *Subscription {
	sub := &Subscription{
		Channel: channel,
		C:       make(chan models.Event, DefaultBuffer),
	}

	b.mu.Lock()
	b.subscribers[channel] = append(b.subscribers[channel], sub)
	b.mu.Unlock()

	b.logger.V(1).Info("subscribed", "channel", channel)
	return sub
}

// Unsubscribe detaches the subscription and closes its channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.Channel]
	for i, s := range subs {
		if s == sub {
			b.subscribers[sub.Channel] = append(subs[:i], subs[i+1:]...)
			close(s.C)
			break
		}
	}

	if len(b.subscribers[sub.Channel]) == 0 {
		delete(b.subscribers, sub.Channel)
	}
}

// SubscriberCount reports the number of live subscribers on a channel
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[channel])
}
