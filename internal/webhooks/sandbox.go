package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"webhookd/internal/model"
	"webhookd/internal/secrets"
	"webhookd/internal/store"
)

// TestResult is returned to the caller of a test delivery; enough to debug
// the receiving endpoint live.
type TestResult struct {
	Success      bool   `json:"success"`
	StatusCode   int    `json:"statusCode,omitempty"`
	LatencyMs    int    `json:"latencyMs"`
	ResponseBody string `json:"responseBody,omitempty"`
	Error        string `json:"error,omitempty"`
	EventID      string `json:"eventId"`
}

// Sandbox performs synchronous, single-attempt deliveries that bypass the
// ledger and the retry pipeline entirely: no WebhookDelivery row is created
// and no counters move.
type Sandbox struct {
	Store store.Store
	Exec  *Executor
	Box   *secrets.Box
}

func NewSandbox(s store.Store, exec *Executor, box *secrets.Box) *Sandbox {
	return &Sandbox{Store: s, Exec: exec, Box: box}
}

// Deliver sends one test event to the subscription endpoint. payload may be
// nil, in which case the built-in sample for eventType is used. eventType
// must be one of the subscription's configured event types.
func (s *Sandbox) Deliver(ctx context.Context, orgID, subscriptionID, eventType string, payload json.RawMessage) (TestResult, error) {
	sub, err := s.Store.GetSubscription(ctx, orgID, subscriptionID)
	if err != nil {
		return TestResult{}, err
	}
	subscribed := false
	for _, t := range sub.EventTypes {
		if t == eventType {
			subscribed = true
			break
		}
	}
	if !subscribed {
		return TestResult{}, &model.ValidationError{Field: "eventType", Reason: "subscription does not listen to " + eventType}
	}
	if len(payload) == 0 {
		payload = SamplePayload(eventType)
	}

	env := model.EventEnvelope{
		ID:         "evt_test_" + uuid.New().String(),
		Type:       eventType,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return TestResult{}, err
	}
	secret, err := s.Box.Open(sub.SecretCiphertext)
	if err != nil {
		return TestResult{}, err
	}

	out := s.Exec.Attempt(ctx, sub, "test_"+uuid.New().String(), env.ID, eventType, body, secret)
	return TestResult{
		Success:      out.Delivered(),
		StatusCode:   out.StatusCode,
		LatencyMs:    int(out.Elapsed.Milliseconds()),
		ResponseBody: out.Body,
		Error:        out.Err,
		EventID:      env.ID,
	}, nil
}

var samplePayloads = map[string]string{
	"announcement.published": `{"announcementId":"a6f1f6a0-0000-4000-8000-000000000001","title":"Elevator maintenance on Friday","targetType":"building"}`,
	"fault.created":          `{"faultId":"f0b2c3d4-0000-4000-8000-000000000002","title":"Leaking pipe in basement","reporterId":"u_1001","severity":"high"}`,
	"fault.status_changed":   `{"faultId":"f0b2c3d4-0000-4000-8000-000000000002","oldStatus":"reported","newStatus":"in_progress","title":"Leaking pipe in basement"}`,
	"fault.assigned":         `{"faultId":"f0b2c3d4-0000-4000-8000-000000000002","technicianId":"u_2001","title":"Leaking pipe in basement"}`,
	"vote.created":           `{"voteId":"b1c2d3e4-0000-4000-8000-000000000003","title":"Approve roof renovation budget","deadline":"2026-09-30T12:00:00Z"}`,
	"vote.reminder":          `{"voteId":"b1c2d3e4-0000-4000-8000-000000000003","title":"Approve roof renovation budget","hoursRemaining":24}`,
	"vote.ended":             `{"voteId":"b1c2d3e4-0000-4000-8000-000000000003","title":"Approve roof renovation budget","result":"passed"}`,
	"message.received":       `{"messageId":"c1d2e3f4-0000-4000-8000-000000000004","senderName":"Property Manager","preview":"Your parking spot request..."}`,
	"signature.requested":    `{"requestId":"d1e2f3a4-0000-4000-8000-000000000005","documentName":"Lease renewal 2026.pdf","expiresAt":"2026-10-01T00:00:00Z"}`,
	"signature.reminder":     `{"requestId":"d1e2f3a4-0000-4000-8000-000000000005","documentName":"Lease renewal 2026.pdf","reminderLevel":1,"daysRemaining":7}`,
	"signature.completed":    `{"requestId":"d1e2f3a4-0000-4000-8000-000000000005","documentName":"Lease renewal 2026.pdf"}`,
	"payment.due":            `{"invoiceId":"e1f2a3b4-0000-4000-8000-000000000006","amount":"420.50","dueDate":"2026-09-15T00:00:00Z"}`,
	"payment.received":       `{"paymentId":"f1a2b3c4-0000-4000-8000-000000000007","amount":"420.50"}`,
	"emergency.alert":        `{"emergencyId":"a1b2c3d4-0000-4000-8000-000000000008","title":"Water main break","severity":"urgent"}`,
	"community.event":        `{"eventId":"b2c3d4e5-0000-4000-8000-000000000009","title":"Summer BBQ","eventDate":"2026-09-05T16:00:00Z"}`,
}

// SamplePayload returns the built-in sample payload for eventType, or an
// empty object for types without one.
func SamplePayload(eventType string) json.RawMessage {
	if s, ok := samplePayloads[eventType]; ok {
		return json.RawMessage(s)
	}
	return json.RawMessage(`{}`)
}
