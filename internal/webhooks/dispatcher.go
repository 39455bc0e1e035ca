package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"webhookd/internal/metrics"
	"webhookd/internal/model"
	"webhookd/internal/store"
)

// Dispatcher fans a domain event out to every active subscription listening
// to its type: one pending delivery per (event, subscription) pair.
type Dispatcher struct {
	Store store.Store
	Log   *logrus.Logger
}

func NewDispatcher(s store.Store, log *logrus.Logger) *Dispatcher {
	return &Dispatcher{Store: s, Log: log}
}

// Dispatch enqueues deliveries for env and returns how many were created.
// Zero matching subscriptions is expected, not an error. The payload bytes
// snapshotted here are exactly what every attempt signs and transmits.
func (d *Dispatcher) Dispatch(ctx context.Context, orgID string, env model.EventEnvelope) (int, error) {
	if !model.KnownEventType(env.Type) {
		return 0, &model.ValidationError{Field: "eventType", Reason: fmt.Sprintf("unknown event type %q", env.Type)}
	}
	if env.ID == "" {
		env.ID = "evt_" + uuid.New().String()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage(`{}`)
	}

	subs, err := d.Store.SubscriptionsForEvent(ctx, orgID, env.Type)
	if err != nil {
		return 0, err
	}
	metrics.EventsDispatched.WithLabelValues(env.Type).Inc()
	if len(subs) == 0 {
		return 0, nil
	}

	body, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}

	now := time.Now().UTC()
	created := 0
	for _, sub := range subs {
		due := now
		del := model.Delivery{
			ID:             uuid.New().String(),
			OrgID:          orgID,
			SubscriptionID: sub.ID,
			EventID:        env.ID,
			EventType:      env.Type,
			Payload:        body,
			Status:         model.StatusPending,
			NextAttemptAt:  &due,
			CreatedAt:      now,
		}
		if err := d.Store.EnqueueDelivery(ctx, del); err != nil {
			d.Log.WithFields(logrus.Fields{
				"subscription_id": sub.ID,
				"event_type":      env.Type,
			}).WithError(err).Error("enqueue delivery")
			continue
		}
		created++
	}
	d.Log.WithFields(logrus.Fields{
		"event_id":   env.ID,
		"event_type": env.Type,
		"deliveries": created,
	}).Debug("event dispatched")
	return created, nil
}
