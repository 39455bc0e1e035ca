package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRetrying.Terminal())
	assert.True(t, StatusDelivered.Terminal())
	assert.True(t, StatusExhausted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestSuccessRate(t *testing.T) {
	assert.Zero(t, Subscription{}.SuccessRate())
	s := Subscription{TotalDeliveries: 4, SuccessfulDeliveries: 3}
	assert.InDelta(t, 0.75, s.SuccessRate(), 1e-9)
}

func TestKnownEventType(t *testing.T) {
	for _, et := range EventTypes {
		assert.True(t, KnownEventType(et), et)
	}
	assert.False(t, KnownEventType("fault"))
	assert.False(t, KnownEventType(""))
}

func TestDedupeEventTypes(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, DedupeEventTypes([]string{"a", "b", "a", "c", "b"}))
	assert.Empty(t, DedupeEventTypes(nil))
}

func TestSubscriptionJSONHidesSecret(t *testing.T) {
	b, err := json.Marshal(Subscription{ID: "s1", SecretCiphertext: []byte("sealed")})
	assert.NoError(t, err)
	assert.NotContains(t, string(b), "sealed")
	assert.NotContains(t, string(b), "Secret")
}
