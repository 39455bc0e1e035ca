package api

import (
	"fmt"
	"net/url"

	"webhookd/internal/config"
	"webhookd/internal/model"
)

// validateSubscription enforces the registry's contract: HTTPS endpoint,
// known non-empty event types, retry policy within configured bounds.
func validateSubscription(sub *model.Subscription, limits config.LimitsConfig) *model.ValidationError {
	if sub.Name == "" {
		return &model.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	u, err := url.Parse(sub.EndpointURL)
	if err != nil || u.Host == "" {
		return &model.ValidationError{Field: "endpointUrl", Reason: "must be a valid URL"}
	}
	if u.Scheme != "https" {
		return &model.ValidationError{Field: "endpointUrl", Reason: "scheme must be https"}
	}
	if len(sub.EventTypes) == 0 {
		return &model.ValidationError{Field: "eventTypes", Reason: "must not be empty"}
	}
	sub.EventTypes = model.DedupeEventTypes(sub.EventTypes)
	for _, t := range sub.EventTypes {
		if !model.KnownEventType(t) {
			return &model.ValidationError{Field: "eventTypes", Reason: fmt.Sprintf("unknown event type %q", t)}
		}
	}
	if sub.MaxAttempts < 0 || sub.MaxAttempts > limits.MaxAttemptsCeiling {
		return &model.ValidationError{Field: "maxAttempts", Reason: fmt.Sprintf("must be in [0,%d]", limits.MaxAttemptsCeiling)}
	}
	if sub.TimeoutSeconds < limits.MinTimeoutSeconds || sub.TimeoutSeconds > limits.MaxTimeoutSeconds {
		return &model.ValidationError{Field: "timeoutSeconds", Reason: fmt.Sprintf("must be in [%d,%d]", limits.MinTimeoutSeconds, limits.MaxTimeoutSeconds)}
	}
	return nil
}
