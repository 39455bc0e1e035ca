package api

import (
	"sync"

	"webhookd/internal/webhooks"
)

// EventBroker fans delivery-attempt events out to live stream watchers,
// keyed by subscription id. It also satisfies webhooks.AttemptPublisher.
type EventBroker interface {
	Subscribe(subscriptionID string) chan webhooks.AttemptEvent
	Unsubscribe(subscriptionID string, ch chan webhooks.AttemptEvent)
	PublishAttempt(subscriptionID string, evt webhooks.AttemptEvent)
}

// Broker is the in-process implementation used when no REDIS_URL is set.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan webhooks.AttemptEvent]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan webhooks.AttemptEvent]struct{}{}}
}

func (b *Broker) Subscribe(subscriptionID string) chan webhooks.AttemptEvent {
	ch := make(chan webhooks.AttemptEvent, 8)
	b.mu.Lock()
	if b.subs[subscriptionID] == nil {
		b.subs[subscriptionID] = map[chan webhooks.AttemptEvent]struct{}{}
	}
	b.subs[subscriptionID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(subscriptionID string, ch chan webhooks.AttemptEvent) {
	b.mu.Lock()
	if m := b.subs[subscriptionID]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, subscriptionID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

// PublishAttempt never blocks; slow watchers drop events.
func (b *Broker) PublishAttempt(subscriptionID string, evt webhooks.AttemptEvent) {
	b.mu.Lock()
	for ch := range b.subs[subscriptionID] {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}
