package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webhookd/internal/model"
)

func newSub(id, orgID string, eventTypes ...string) model.Subscription {
	now := time.Now().UTC()
	return model.Subscription{
		ID:               id,
		OrgID:            orgID,
		Name:             "hook " + id,
		EndpointURL:      "https://example.com/" + id,
		EventTypes:       eventTypes,
		IsActive:         true,
		MaxAttempts:      3,
		TimeoutSeconds:   30,
		SecretCiphertext: []byte("sealed"),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func newDelivery(id, orgID, subID, eventType string, createdAt time.Time) model.Delivery {
	due := createdAt
	return model.Delivery{
		ID:             id,
		OrgID:          orgID,
		SubscriptionID: subID,
		EventID:        "evt_" + id,
		EventType:      eventType,
		Payload:        json.RawMessage(`{}`),
		Status:         model.StatusPending,
		NextAttemptAt:  &due,
		CreatedAt:      createdAt,
	}
}

func TestMemorySubscriptionCRUD(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.CreateSubscription(ctx, newSub("s1", "org1", "fault.created")))

	got, err := m.GetSubscription(ctx, "org1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "hook s1", got.Name)

	// org scoping: another org cannot see it
	_, err = m.GetSubscription(ctx, "org2", "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	got.Name = "renamed"
	require.NoError(t, m.UpdateSubscription(ctx, got))
	got, err = m.GetSubscription(ctx, "org1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	_, err = m.DeleteSubscription(ctx, "org1", "s1")
	require.NoError(t, err)
	_, err = m.GetSubscription(ctx, "org1", "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpdatePreservesSecretAndCounters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sub := newSub("s1", "org1", "fault.created")
	require.NoError(t, m.CreateSubscription(ctx, sub))
	require.NoError(t, m.EnqueueDelivery(ctx, newDelivery("d1", "org1", "s1", "fault.created", time.Now())))

	patched := sub
	patched.Name = "new name"
	patched.SecretCiphertext = nil
	patched.TotalDeliveries = 99
	require.NoError(t, m.UpdateSubscription(ctx, patched))

	got, err := m.GetSubscription(ctx, "org1", "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), got.SecretCiphertext)
	assert.Equal(t, int64(1), got.TotalDeliveries, "counters are owned by the ledger, not the update")
}

func TestMemoryRotateSecret(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateSubscription(ctx, newSub("s1", "org1", "fault.created")))

	require.NoError(t, m.UpdateSubscriptionSecret(ctx, "org1", "s1", []byte("resealed")))
	got, err := m.GetSubscription(ctx, "org1", "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("resealed"), got.SecretCiphertext)

	err = m.UpdateSubscriptionSecret(ctx, "org2", "s1", []byte("x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryListSubscriptionsPagination(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.CreateSubscription(ctx, newSub(fmt.Sprintf("s%d", i), "org1", "fault.created")))
	}
	require.NoError(t, m.CreateSubscription(ctx, newSub("other", "org2", "fault.created")))

	page, err := m.ListSubscriptions(ctx, "org1", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "s0", page[0].ID)

	page, err = m.ListSubscriptions(ctx, "org1", 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "s4", page[0].ID)
}

func TestMemorySubscriptionsForEvent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateSubscription(ctx, newSub("s1", "org1", "fault.created", "vote.ended")))
	require.NoError(t, m.CreateSubscription(ctx, newSub("s2", "org1", "vote.ended")))
	inactive := newSub("s3", "org1", "vote.ended")
	inactive.IsActive = false
	require.NoError(t, m.CreateSubscription(ctx, inactive))
	require.NoError(t, m.CreateSubscription(ctx, newSub("s4", "org2", "vote.ended")))

	subs, err := m.SubscriptionsForEvent(ctx, "org1", "vote.ended")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "s1", subs[0].ID)
	assert.Equal(t, "s2", subs[1].ID)
}

func TestMemoryDeleteCancelsQueuedDeliveries(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateSubscription(ctx, newSub("s1", "org1", "fault.created")))
	now := time.Now().UTC()
	require.NoError(t, m.EnqueueDelivery(ctx, newDelivery("d1", "org1", "s1", "fault.created", now)))
	require.NoError(t, m.EnqueueDelivery(ctx, newDelivery("d2", "org1", "s1", "fault.created", now)))
	// already delivered rows are untouched
	require.NoError(t, m.MarkAttempt(ctx, "d2", model.Attempt{Number: 1, ResponseCode: 200, At: now}, model.StatusDelivered, nil))

	cancelled, err := m.DeleteSubscription(ctx, "org1", "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)

	d1, _, err := m.GetDelivery(ctx, "org1", "d1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, d1.Status)
	d2, _, err := m.GetDelivery(ctx, "org1", "d2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, d2.Status)
}

func TestMemoryFetchDueDeliveries(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, m.EnqueueDelivery(ctx, newDelivery("due", "org1", "s1", "fault.created", now.Add(-time.Minute))))

	future := newDelivery("future", "org1", "s1", "fault.created", now)
	later := now.Add(time.Hour)
	future.Status = model.StatusRetrying
	future.NextAttemptAt = &later
	require.NoError(t, m.EnqueueDelivery(ctx, future))

	done := newDelivery("done", "org1", "s1", "fault.created", now)
	done.Status = model.StatusDelivered
	done.NextAttemptAt = nil
	require.NoError(t, m.EnqueueDelivery(ctx, done))

	got, err := m.FetchDueDeliveries(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "due", got[0].ID)

	got, err = m.FetchDueDeliveries(ctx, later.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMemoryMarkAttemptRecordsHistory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, m.EnqueueDelivery(ctx, newDelivery("d1", "org1", "s1", "fault.created", now)))

	next := now.Add(10 * time.Second)
	att := model.Attempt{Number: 1, ResponseCode: 503, Error: "503", LatencyMs: 12, At: now}
	require.NoError(t, m.MarkAttempt(ctx, "d1", att, model.StatusRetrying, &next))

	d, attempts, err := m.GetDelivery(ctx, "org1", "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, model.StatusRetrying, d.Status)
	require.NotNil(t, d.NextAttemptAt)
	assert.True(t, d.NextAttemptAt.Equal(next))
	require.Len(t, attempts, 1)
	assert.Equal(t, 503, attempts[0].ResponseCode)

	att2 := model.Attempt{Number: 2, ResponseCode: 200, LatencyMs: 8, At: now.Add(10 * time.Second)}
	require.NoError(t, m.MarkAttempt(ctx, "d1", att2, model.StatusDelivered, nil))
	d, attempts, err = m.GetDelivery(ctx, "org1", "d1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, d.Status)
	assert.Nil(t, d.NextAttemptAt)
	require.NotNil(t, d.DeliveredAt)
	assert.Len(t, attempts, 2)

	assert.ErrorIs(t, m.MarkAttempt(ctx, "missing", att, model.StatusDelivered, nil), ErrNotFound)
}

func TestMemoryListDeliveriesFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		d := newDelivery(fmt.Sprintf("d%d", i), "org1", "s1", "fault.created", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, m.EnqueueDelivery(ctx, d))
	}
	other := newDelivery("dv", "org1", "s2", "vote.ended", base.Add(10*time.Minute))
	require.NoError(t, m.EnqueueDelivery(ctx, other))
	require.NoError(t, m.CancelDelivery(ctx, "d0", "test"))

	// newest first
	all, err := m.ListDeliveries(ctx, "org1", model.DeliveryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "dv", all[0].ID)
	assert.Equal(t, "d0", all[4].ID)

	bySub, err := m.ListDeliveries(ctx, "org1", model.DeliveryFilter{SubscriptionID: "s2"})
	require.NoError(t, err)
	require.Len(t, bySub, 1)

	byStatus, err := m.ListDeliveries(ctx, "org1", model.DeliveryFilter{Status: model.StatusCancelled})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "d0", byStatus[0].ID)

	byType, err := m.ListDeliveries(ctx, "org1", model.DeliveryFilter{EventType: "vote.ended"})
	require.NoError(t, err)
	require.Len(t, byType, 1)

	since, err := m.ListDeliveries(ctx, "org1", model.DeliveryFilter{Since: base.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, since, 3)

	paged, err := m.ListDeliveries(ctx, "org1", model.DeliveryFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 2)
	assert.Equal(t, "d3", paged[0].ID)
}

func TestMemoryRetryDeliveryRules(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, m.EnqueueDelivery(ctx, newDelivery("d1", "org1", "s1", "fault.created", now)))

	// non-terminal deliveries cannot be manually retried
	assert.ErrorIs(t, m.RetryDelivery(ctx, "org1", "d1"), ErrConflict)

	require.NoError(t, m.MarkAttempt(ctx, "d1", model.Attempt{Number: 1, ResponseCode: 500, At: now}, model.StatusExhausted, nil))
	require.NoError(t, m.RetryDelivery(ctx, "org1", "d1"))

	d, _, err := m.GetDelivery(ctx, "org1", "d1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, d.Status)
	assert.Zero(t, d.Attempts)
	require.NotNil(t, d.NextAttemptAt)

	// delivered chains stay delivered
	require.NoError(t, m.EnqueueDelivery(ctx, newDelivery("d2", "org1", "s1", "fault.created", now)))
	require.NoError(t, m.MarkAttempt(ctx, "d2", model.Attempt{Number: 1, ResponseCode: 200, At: now}, model.StatusDelivered, nil))
	assert.ErrorIs(t, m.RetryDelivery(ctx, "org1", "d2"), ErrConflict)

	assert.ErrorIs(t, m.RetryDelivery(ctx, "org2", "d1"), ErrNotFound)
}

func TestMemoryPruneDeliveries(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC()

	stale := newDelivery("stale", "org1", "s1", "fault.created", old)
	stale.Status = model.StatusDelivered
	require.NoError(t, m.EnqueueDelivery(ctx, stale))

	pending := newDelivery("old-pending", "org1", "s1", "fault.created", old)
	require.NoError(t, m.EnqueueDelivery(ctx, pending))

	fresh := newDelivery("fresh", "org1", "s1", "fault.created", recent)
	fresh.Status = model.StatusExhausted
	require.NoError(t, m.EnqueueDelivery(ctx, fresh))

	n, err := m.PruneDeliveries(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, _, err = m.GetDelivery(ctx, "org1", "stale")
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = m.GetDelivery(ctx, "org1", "old-pending")
	assert.NoError(t, err, "non-terminal deliveries are never pruned")
	_, _, err = m.GetDelivery(ctx, "org1", "fresh")
	assert.NoError(t, err)
}
