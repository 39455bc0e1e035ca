package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"webhookd/internal/model"
)

// Memory is the in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu        sync.Mutex
	subs      map[string]*model.Subscription // id -> subscription
	subsByOrg map[string][]string            // org -> subscription ids (insertion order)
	dels      map[string]*memDelivery        // id -> delivery
	delOrder  []string                       // insertion order
}

type memDelivery struct {
	model.Delivery
	attempts []model.Attempt
}

func NewMemory() *Memory {
	return &Memory{
		subs:      map[string]*model.Subscription{},
		subsByOrg: map[string][]string{},
		dels:      map[string]*memDelivery{},
	}
}

func (m *Memory) CreateSubscription(ctx context.Context, sub model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := sub
	m.subs[sub.ID] = &cp
	m.subsByOrg[sub.OrgID] = append(m.subsByOrg[sub.OrgID], sub.ID)
	return nil
}

func (m *Memory) GetSubscription(ctx context.Context, orgID, id string) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || s.OrgID != orgID {
		return model.Subscription{}, ErrNotFound
	}
	return *s, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, orgID string, limit, offset int) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.subsByOrg[orgID]
	if limit <= 0 {
		limit = 100
	}
	out := []model.Subscription{}
	for i := offset; i < len(ids) && len(out) < limit; i++ {
		if s, ok := m.subs[ids[i]]; ok {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *Memory) UpdateSubscription(ctx context.Context, sub model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[sub.ID]
	if !ok || cur.OrgID != sub.OrgID {
		return ErrNotFound
	}
	sub.SecretCiphertext = cur.SecretCiphertext
	sub.TotalDeliveries = cur.TotalDeliveries
	sub.SuccessfulDeliveries = cur.SuccessfulDeliveries
	cp := sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *Memory) UpdateSubscriptionSecret(ctx context.Context, orgID, id string, ciphertext []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || s.OrgID != orgID {
		return ErrNotFound
	}
	s.SecretCiphertext = append([]byte(nil), ciphertext...)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, orgID, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || s.OrgID != orgID {
		return 0, ErrNotFound
	}
	delete(m.subs, id)
	ids := m.subsByOrg[orgID]
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	m.subsByOrg[orgID] = out
	cancelled := 0
	for _, d := range m.dels {
		if d.SubscriptionID == id && !d.Status.Terminal() {
			d.Status = model.StatusCancelled
			d.LastError = "subscription deleted"
			d.NextAttemptAt = nil
			cancelled++
		}
	}
	return cancelled, nil
}

func (m *Memory) SubscriptionsForEvent(ctx context.Context, orgID, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, id := range m.subsByOrg[orgID] {
		s, ok := m.subs[id]
		if !ok || !s.IsActive {
			continue
		}
		for _, e := range s.EventTypes {
			if e == eventType {
				out = append(out, *s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) EnqueueDelivery(ctx context.Context, d model.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := memDelivery{Delivery: d}
	m.dels[d.ID] = &cp
	m.delOrder = append(m.delOrder, d.ID)
	if s, ok := m.subs[d.SubscriptionID]; ok {
		s.TotalDeliveries++
	}
	return nil
}

func (m *Memory) FetchDueDeliveries(ctx context.Context, now time.Time, limit int) ([]model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Delivery{}
	for _, id := range m.delOrder {
		d := m.dels[id]
		if d == nil {
			continue
		}
		if d.Status != model.StatusPending && d.Status != model.StatusRetrying {
			continue
		}
		if d.NextAttemptAt != nil && d.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, d.Delivery)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkAttempt(ctx context.Context, deliveryID string, att model.Attempt, status model.DeliveryStatus, nextAttemptAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dels[deliveryID]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.ResponseCode = att.ResponseCode
	d.ResponseBody = att.ResponseBody
	d.LatencyMs = att.LatencyMs
	d.LastError = att.Error
	d.Status = status
	d.attempts = append(d.attempts, att)
	switch status {
	case model.StatusDelivered:
		now := att.At
		d.DeliveredAt = &now
		d.NextAttemptAt = nil
		if s, ok := m.subs[d.SubscriptionID]; ok {
			s.SuccessfulDeliveries++
		}
	case model.StatusRetrying:
		d.NextAttemptAt = nextAttemptAt
	default:
		d.NextAttemptAt = nil
	}
	return nil
}

func (m *Memory) CancelDelivery(ctx context.Context, deliveryID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dels[deliveryID]
	if !ok {
		return ErrNotFound
	}
	if d.Status.Terminal() {
		return nil
	}
	d.Status = model.StatusCancelled
	d.LastError = reason
	d.NextAttemptAt = nil
	return nil
}

func (m *Memory) GetDelivery(ctx context.Context, orgID, id string) (model.Delivery, []model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dels[id]
	if !ok || d.OrgID != orgID {
		return model.Delivery{}, nil, ErrNotFound
	}
	return d.Delivery, append([]model.Attempt(nil), d.attempts...), nil
}

func (m *Memory) ListDeliveries(ctx context.Context, orgID string, f model.DeliveryFilter) ([]model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := []model.Delivery{}
	for _, id := range m.delOrder {
		d := m.dels[id]
		if d == nil || d.OrgID != orgID {
			continue
		}
		if f.SubscriptionID != "" && d.SubscriptionID != f.SubscriptionID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.EventType != "" && d.EventType != f.EventType {
			continue
		}
		if !f.Since.IsZero() && d.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && d.CreatedAt.After(f.Until) {
			continue
		}
		matched = append(matched, d.Delivery)
	}
	// newest first, as the ledger UI shows them
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	start := f.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

func (m *Memory) RetryDelivery(ctx context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dels[id]
	if !ok || d.OrgID != orgID {
		return ErrNotFound
	}
	if d.Status != model.StatusExhausted && d.Status != model.StatusCancelled {
		return ErrConflict
	}
	d.Status = model.StatusPending
	d.Attempts = 0
	d.LastError = ""
	now := time.Now().UTC()
	d.NextAttemptAt = &now
	return nil
}

func (m *Memory) PruneDeliveries(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	keep := m.delOrder[:0]
	for _, id := range m.delOrder {
		d := m.dels[id]
		if d != nil && d.Status.Terminal() && d.CreatedAt.Before(cutoff) {
			delete(m.dels, id)
			pruned++
			continue
		}
		keep = append(keep, id)
	}
	m.delOrder = keep
	return pruned, nil
}
