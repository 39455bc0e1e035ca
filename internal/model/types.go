package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Subscription is a registered interest in one or more event types, bound to
// an HTTPS endpoint and a signing secret.
type Subscription struct {
	ID             string   `json:"id"`
	OrgID          string   `json:"orgId"`
	Name           string   `json:"name"`
	EndpointURL    string   `json:"endpointUrl"`
	EventTypes     []string `json:"eventTypes"`
	IsActive       bool     `json:"isActive"`
	MaxAttempts    int      `json:"maxAttempts"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
	// SecretCiphertext is the AES-GCM sealed signing secret. The plaintext
	// leaves the engine exactly once, in create/rotate responses.
	SecretCiphertext []byte `json:"-"`

	TotalDeliveries      int64 `json:"totalDeliveries"`
	SuccessfulDeliveries int64 `json:"successfulDeliveries"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SuccessRate returns successful/total deliveries, 0 when nothing was sent yet.
func (s Subscription) SuccessRate() float64 {
	if s.TotalDeliveries == 0 {
		return 0
	}
	return float64(s.SuccessfulDeliveries) / float64(s.TotalDeliveries)
}

// SubscriptionPatch carries a partial update; nil fields are left unchanged.
type SubscriptionPatch struct {
	Name           *string   `json:"name"`
	EndpointURL    *string   `json:"endpointUrl"`
	EventTypes     *[]string `json:"eventTypes"`
	IsActive       *bool     `json:"isActive"`
	MaxAttempts    *int      `json:"maxAttempts"`
	TimeoutSeconds *int      `json:"timeoutSeconds"`
}

// EventEnvelope is an immutable domain event handed to the dispatcher.
type EventEnvelope struct {
	ID         string          `json:"eventId"`
	Type       string          `json:"eventType"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"timestamp"`
}

// DeliveryStatus is the state of one delivery chain.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusRetrying  DeliveryStatus = "retrying"
	StatusDelivered DeliveryStatus = "delivered"
	StatusExhausted DeliveryStatus = "exhausted"
	StatusCancelled DeliveryStatus = "cancelled"
)

// Terminal reports whether the automatic pipeline is done with this status.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusExhausted || s == StatusCancelled
}

// Delivery is one logical attempt-chain for a single (event, subscription)
// pair. Payload holds the exact wire bytes captured at dispatch time; those
// bytes are what gets signed and transmitted on every attempt.
type Delivery struct {
	ID             string          `json:"id"`
	OrgID          string          `json:"orgId"`
	SubscriptionID string          `json:"subscriptionId"`
	EventID        string          `json:"eventId"`
	EventType      string          `json:"eventType"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	Status         DeliveryStatus  `json:"status"`
	ResponseCode   int             `json:"responseCode,omitempty"`
	ResponseBody   string          `json:"responseBody,omitempty"`
	LatencyMs      int             `json:"latencyMs,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	NextAttemptAt  *time.Time      `json:"nextAttemptAt,omitempty"`
	DeliveredAt    *time.Time      `json:"deliveredAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Attempt is one executed HTTP POST within a delivery chain.
type Attempt struct {
	Number       int       `json:"number"`
	ResponseCode int       `json:"responseCode,omitempty"`
	ResponseBody string    `json:"responseBody,omitempty"`
	Error        string    `json:"error,omitempty"`
	LatencyMs    int       `json:"latencyMs"`
	At           time.Time `json:"at"`
}

// DeliveryFilter narrows ledger queries.
type DeliveryFilter struct {
	SubscriptionID string
	Status         DeliveryStatus
	EventType      string
	Since          time.Time
	Until          time.Time
	Limit          int
	Offset         int
}

// ValidationError rejects bad subscription or event input synchronously; it
// is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// EventTypes is the fixed taxonomy of domain events the platform emits.
var EventTypes = []string{
	"announcement.published",
	"fault.created",
	"fault.status_changed",
	"fault.assigned",
	"vote.created",
	"vote.reminder",
	"vote.ended",
	"message.received",
	"signature.requested",
	"signature.reminder",
	"signature.completed",
	"payment.due",
	"payment.received",
	"emergency.alert",
	"community.event",
}

var eventTypeSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(EventTypes))
	for _, t := range EventTypes {
		m[t] = struct{}{}
	}
	return m
}()

// KnownEventType reports whether t is part of the taxonomy.
func KnownEventType(t string) bool {
	_, ok := eventTypeSet[t]
	return ok
}

// DedupeEventTypes drops duplicates while keeping first-seen order.
func DedupeEventTypes(types []string) []string {
	seen := make(map[string]struct{}, len(types))
	out := make([]string, 0, len(types))
	for _, t := range types {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
