package store

import (
	"context"
	"errors"
	"time"

	"webhookd/internal/model"
)

// Store is the persistence interface behind the registry, the dispatcher and
// the delivery ledger. Implementations: Memory (dev/tests) and Postgres.
type Store interface {
	// Subscriptions
	CreateSubscription(ctx context.Context, sub model.Subscription) error
	GetSubscription(ctx context.Context, orgID, id string) (model.Subscription, error)
	ListSubscriptions(ctx context.Context, orgID string, limit, offset int) ([]model.Subscription, error)
	UpdateSubscription(ctx context.Context, sub model.Subscription) error
	// UpdateSubscriptionSecret atomically replaces the sealed signing secret.
	UpdateSubscriptionSecret(ctx context.Context, orgID, id string, ciphertext []byte) error
	// DeleteSubscription removes the subscription and cancels its
	// pending/retrying deliveries; returns how many were cancelled.
	DeleteSubscription(ctx context.Context, orgID, id string) (int, error)
	// SubscriptionsForEvent returns active subscriptions listening to eventType.
	SubscriptionsForEvent(ctx context.Context, orgID, eventType string) ([]model.Subscription, error)

	// Deliveries
	EnqueueDelivery(ctx context.Context, d model.Delivery) error
	// FetchDueDeliveries returns pending/retrying deliveries whose
	// next_attempt_at is not after now, oldest first.
	FetchDueDeliveries(ctx context.Context, now time.Time, limit int) ([]model.Delivery, error)
	// MarkAttempt records one executed attempt and moves the delivery to
	// status. nextAttemptAt is set only for retrying.
	MarkAttempt(ctx context.Context, deliveryID string, att model.Attempt, status model.DeliveryStatus, nextAttemptAt *time.Time) error
	// CancelDelivery terminates a non-terminal delivery without an attempt.
	CancelDelivery(ctx context.Context, deliveryID, reason string) error
	GetDelivery(ctx context.Context, orgID, id string) (model.Delivery, []model.Attempt, error)
	ListDeliveries(ctx context.Context, orgID string, f model.DeliveryFilter) ([]model.Delivery, error)
	// RetryDelivery re-enters an exhausted or cancelled delivery into the
	// queue with a fresh attempt budget. ErrConflict if not terminal-failed.
	RetryDelivery(ctx context.Context, orgID, id string) error
	// PruneDeliveries deletes terminal deliveries created before cutoff.
	PruneDeliveries(ctx context.Context, cutoff time.Time) (int, error)
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)
