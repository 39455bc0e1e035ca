package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"webhookd/internal/buildinfo"
	"webhookd/internal/metrics"
	"webhookd/internal/model"
	"webhookd/internal/secrets"
	"webhookd/internal/store"
)

// Router builds the management REST surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/webhooks", s.CreateWebhookHandler).Methods(http.MethodPost)
	v1.HandleFunc("/webhooks", s.ListWebhooksHandler).Methods(http.MethodGet)
	v1.HandleFunc("/webhooks/{id}", s.GetWebhookHandler).Methods(http.MethodGet)
	v1.HandleFunc("/webhooks/{id}", s.PatchWebhookHandler).Methods(http.MethodPatch)
	v1.HandleFunc("/webhooks/{id}", s.DeleteWebhookHandler).Methods(http.MethodDelete)
	v1.HandleFunc("/webhooks/{id}/rotate-secret", s.RotateSecretHandler).Methods(http.MethodPost)
	v1.HandleFunc("/webhooks/{id}/test", s.TestWebhookHandler).Methods(http.MethodPost)
	v1.HandleFunc("/webhooks/{id}/deliveries", s.ListDeliveriesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/webhooks/{id}/deliveries/stream", s.DeliveryStreamHandler).Methods(http.MethodGet)
	v1.HandleFunc("/deliveries/{id}", s.GetDeliveryHandler).Methods(http.MethodGet)
	v1.HandleFunc("/deliveries/{id}/retry", s.RetryDeliveryHandler).Methods(http.MethodPost)
	v1.HandleFunc("/events", s.IngestEventHandler).Methods(http.MethodPost)
	v1.HandleFunc("/event-types", s.EventTypesHandler).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.ReadyHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

// subscriptionView adds the computed success rate the UI shows on summaries.
type subscriptionView struct {
	model.Subscription
	SuccessRate float64 `json:"successRate"`
}

func viewOf(sub model.Subscription) subscriptionView {
	return subscriptionView{Subscription: sub, SuccessRate: sub.SuccessRate()}
}

type createWebhookRequest struct {
	Name           string   `json:"name"`
	EndpointURL    string   `json:"endpointUrl"`
	EventTypes     []string `json:"eventTypes"`
	MaxAttempts    *int     `json:"maxAttempts"`
	TimeoutSeconds *int     `json:"timeoutSeconds"`
}

// CreateWebhookHandler handles POST /v1/webhooks. The response carries the
// plaintext signing secret; this is the only time it is ever exposed.
func (s *Server) CreateWebhookHandler(w http.ResponseWriter, r *http.Request) {
	org := s.withOrg(r)
	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	now := time.Now().UTC()
	sub := model.Subscription{
		ID:             uuid.New().String(),
		OrgID:          org,
		Name:           req.Name,
		EndpointURL:    req.EndpointURL,
		EventTypes:     req.EventTypes,
		IsActive:       true,
		MaxAttempts:    3,
		TimeoutSeconds: 30,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.MaxAttempts != nil {
		sub.MaxAttempts = *req.MaxAttempts
	}
	if req.TimeoutSeconds != nil {
		sub.TimeoutSeconds = *req.TimeoutSeconds
	}
	if verr := validateSubscription(&sub, s.Cfg.Limits); verr != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid webhook", verr.Error(), r.URL.Path)
		return
	}

	secret, err := secrets.Generate()
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Secret generation failed", err.Error(), r.URL.Path)
		return
	}
	sub.SecretCiphertext, err = s.Box.Seal(secret)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Secret sealing failed", err.Error(), r.URL.Path)
		return
	}
	if err := s.Store.CreateSubscription(r.Context(), sub); err != nil {
		writeProblem(w, http.StatusInternalServerError, "Create webhook failed", err.Error(), r.URL.Path)
		return
	}
	s.Log.WithField("subscription_id", sub.ID).Info("webhook created")
	writeJSON(w, http.StatusCreated, map[string]any{"webhook": viewOf(sub), "secret": secret})
}

// ListWebhooksHandler handles GET /v1/webhooks
func (s *Server) ListWebhooksHandler(w http.ResponseWriter, r *http.Request) {
	org := s.withOrg(r)
	limit, offset := pageParams(r)
	subs, err := s.Store.ListSubscriptions(r.Context(), org, limit, offset)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List webhooks failed", err.Error(), r.URL.Path)
		return
	}
	items := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		items = append(items, viewOf(sub))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) GetWebhookHandler(w http.ResponseWriter, r *http.Request) {
	org := s.withOrg(r)
	sub, err := s.Store.GetSubscription(r.Context(), org, mux.Vars(r)["id"])
	if err != nil {
		s.storeProblem(w, r, err, "Get webhook failed")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sub))
}

// PatchWebhookHandler handles PATCH /v1/webhooks/{id}; absent fields stay
// unchanged.
func (s *Server) PatchWebhookHandler(w http.ResponseWriter, r *http.Request) {
	org := s.withOrg(r)
	var patch model.SubscriptionPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	sub, err := s.Store.GetSubscription(r.Context(), org, mux.Vars(r)["id"])
	if err != nil {
		s.storeProblem(w, r, err, "Get webhook failed")
		return
	}
	if patch.Name != nil {
		sub.Name = *patch.Name
	}
	if patch.EndpointURL != nil {
		sub.EndpointURL = *patch.EndpointURL
	}
	if patch.EventTypes != nil {
		sub.EventTypes = *patch.EventTypes
	}
	if patch.IsActive != nil {
		sub.IsActive = *patch.IsActive
	}
	if patch.MaxAttempts != nil {
		sub.MaxAttempts = *patch.MaxAttempts
	}
	if patch.TimeoutSeconds != nil {
		sub.TimeoutSeconds = *patch.TimeoutSeconds
	}
	if verr := validateSubscription(&sub, s.Cfg.Limits); verr != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid webhook", verr.Error(), r.URL.Path)
		return
	}
	if err := s.Store.UpdateSubscription(r.Context(), sub); err != nil {
		s.storeProblem(w, r, err, "Update webhook failed")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sub))
}

// DeleteWebhookHandler handles DELETE /v1/webhooks/{id}; pending and
// retrying deliveries for the subscription are cancelled.
func (s *Server) DeleteWebhookHandler(w http.ResponseWriter, r *http.Request) {
	org := s.withOrg(r)
	id := mux.Vars(r)["id"]
	cancelled, err := s.Store.DeleteSubscription(r.Context(), org, id)
	if err != nil {
		s.storeProblem(w, r, err, "Delete webhook failed")
		return
	}
	s.Log.WithFields(logrus.Fields{"subscription_id": id, "cancelled_deliveries": cancelled}).Info("webhook deleted")
	w.WriteHeader(http.StatusNoContent)
}

// RotateSecretHandler handles POST /v1/webhooks/{id}/rotate-secret. The old
// secret is invalid the moment the new ciphertext is stored; the new
// plaintext is returned exactly once.
func (s *Server) RotateSecretHandler(w http.ResponseWriter, r *http.Request) {
	org := s.withOrg(r)
	id := mux.Vars(r)["id"]
	secret, err := secrets.Generate()
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Secret generation failed", err.Error(), r.URL.Path)
		return
	}
	sealed, err := s.Box.Seal(secret)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Secret sealing failed", err.Error(), r.URL.Path)
		return
	}
	if err := s.Store.UpdateSubscriptionSecret(r.Context(), org, id, sealed); err != nil {
		s.storeProblem(w, r, err, "Rotate secret failed")
		return
	}
	s.Log.WithField("subscription_id", id).Info("webhook secret rotated")
	writeJSON(w, http.StatusOK, map[string]any{"secret": secret})
}

// TestWebhookHandler handles POST /v1/webhooks/{id}/test: one synchronous
// attempt, nothing persisted, no retries.
func (s *Server) TestWebhookHandler(w http.ResponseWriter, r *http.Request) {
	org := s.withOrg(r)
	var req struct {
		EventType string          `json:"eventType"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	res, err := s.Sandbox.Deliver(r.Context(), org, mux.Vars(r)["id"], req.EventType, req.Payload)
	if err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			writeProblem(w, http.StatusBadRequest, "Invalid test request", verr.Error(), r.URL.Path)
			return
		}
		s.storeProblem(w, r, err, "Test delivery failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListDeliveriesHandler handles GET /v1/webhooks/{id}/deliveries
func (s *Server) ListDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	org := s.withOrg(r)
	id := mux.Vars(r)["id"]
	if _, err := s.Store.GetSubscription(r.Context(), org, id); err != nil {
		s.storeProblem(w, r, err, "Get webhook failed")
		return
	}
	limit, offset := pageParams(r)
	f := model.DeliveryFilter{
		SubscriptionID: id,
		Status:         model.DeliveryStatus(r.URL.Query().Get("status")),
		EventType:      r.URL.Query().Get("eventType"),
		Limit:          limit,
		Offset:         offset,
	}
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = t
		}
	}
	if v := r.URL.Query().Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Until = t
		}
	}
	items, err := s.Store.ListDeliveries(r.Context(), org, f)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) GetDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	org := s.withOrg(r)
	d, attempts, err := s.Store.GetDelivery(r.Context(), org, mux.Vars(r)["id"])
	if err != nil {
		s.storeProblem(w, r, err, "Get delivery failed")
		return
	}
	if attempts == nil {
		attempts = []model.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivery": d, "attempts": attempts})
}

// RetryDeliveryHandler handles POST /v1/deliveries/{id}/retry. Manual retry
// re-enters the queue with a fresh attempt budget; it applies only to
// exhausted or cancelled deliveries.
func (s *Server) RetryDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	org := s.withOrg(r)
	id := mux.Vars(r)["id"]
	err := s.Store.RetryDelivery(r.Context(), org, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", "delivery not found", r.URL.Path)
	case errors.Is(err, store.ErrConflict):
		writeProblem(w, http.StatusConflict, "Conflict", "delivery is not in a terminal failure state", r.URL.Path)
	case err != nil:
		writeProblem(w, http.StatusInternalServerError, "Retry delivery failed", err.Error(), r.URL.Path)
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"status": string(model.StatusPending)})
	}
}

// IngestEventHandler handles POST /v1/events: the HTTP entry point for
// domain events (the AMQP consumer is the other one).
func (s *Server) IngestEventHandler(w http.ResponseWriter, r *http.Request) {
	org := s.withOrg(r)
	var env model.EventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	n, err := s.Dispatcher.Dispatch(r.Context(), org, env)
	if err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			writeProblem(w, http.StatusBadRequest, "Invalid event", verr.Error(), r.URL.Path)
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Dispatch failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"dispatched": n})
}

func (s *Server) EventTypesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": model.EventTypes})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": buildinfo.Info()})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) storeProblem(w http.ResponseWriter, r *http.Request, err error, title string) {
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	writeProblem(w, http.StatusInternalServerError, title, err.Error(), r.URL.Path)
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
