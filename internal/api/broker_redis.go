package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"webhookd/internal/webhooks"
)

// RedisBroker implements EventBroker over Redis Pub/Sub so attempt streams
// reach watchers connected to any instance.
type RedisBroker struct {
	rdb *redis.Client

	mu   sync.Mutex
	subs map[chan webhooks.AttemptEvent]*redis.PubSub
}

func NewRedisBroker(url string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return NewRedisBrokerWithClient(rdb), nil
}

// NewRedisBrokerWithClient wraps an existing client; used in tests.
func NewRedisBrokerWithClient(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb, subs: map[chan webhooks.AttemptEvent]*redis.PubSub{}}
}

func (b *RedisBroker) Subscribe(subscriptionID string) chan webhooks.AttemptEvent {
	ch := make(chan webhooks.AttemptEvent, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(subscriptionID))
	// initial consume to ensure the subscription is established
	_, _ = ps.Receive(ctx)
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt webhooks.AttemptEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err == nil {
				select {
				case ch <- evt:
				default:
				}
			}
		}
	}()
	return ch
}

// Unsubscribe closes the watcher's PubSub; that drains its reader goroutine,
// which closes ch.
func (b *RedisBroker) Unsubscribe(subscriptionID string, ch chan webhooks.AttemptEvent) {
	b.mu.Lock()
	ps := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

func (b *RedisBroker) PublishAttempt(subscriptionID string, evt webhooks.AttemptEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _ := json.Marshal(evt)
	_ = b.rdb.Publish(ctx, b.chanName(subscriptionID), data).Err()
}

func (b *RedisBroker) chanName(subscriptionID string) string { return "webhook:" + subscriptionID }
