package webhooks

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"webhookd/internal/config"
	"webhookd/internal/metrics"
	"webhookd/internal/model"
	"webhookd/internal/secrets"
	"webhookd/internal/store"
)

// AttemptEvent is published after every executed or cancelled attempt so the
// management UI can stream a subscription's delivery log live.
type AttemptEvent struct {
	DeliveryID     string               `json:"deliveryId"`
	SubscriptionID string               `json:"subscriptionId"`
	EventType      string               `json:"eventType"`
	Attempt        int                  `json:"attempt"`
	Status         model.DeliveryStatus `json:"status"`
	ResponseCode   int                  `json:"responseCode,omitempty"`
	LatencyMs      int                  `json:"latencyMs,omitempty"`
	Error          string               `json:"error,omitempty"`
	At             time.Time            `json:"at"`
}

// AttemptPublisher receives attempt events; implemented by the API broker.
type AttemptPublisher interface {
	PublishAttempt(subscriptionID string, evt AttemptEvent)
}

// Scheduler drains the due-delivery queue: it executes one attempt per due
// delivery, records the outcome, and either finishes the chain or requeues
// it with exponential backoff. The store's next_attempt_at column is the
// delayed work queue; nothing runs between attempts.
type Scheduler struct {
	Store   store.Store
	Exec    *Executor
	Box     *secrets.Box
	Broker  AttemptPublisher
	Backoff config.BackoffConfig
	Poll    time.Duration
	Batch   int
	Log     *logrus.Logger

	stop chan struct{}
	rnd  *rand.Rand
}

func NewScheduler(s store.Store, exec *Executor, box *secrets.Box, broker AttemptPublisher, cfg config.Config, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		Store:   s,
		Exec:    exec,
		Box:     box,
		Broker:  broker,
		Backoff: cfg.Backoff,
		Poll:    cfg.Worker.PollInterval,
		Batch:   cfg.Worker.BatchSize,
		Log:     log,
		stop:    make(chan struct{}),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Scheduler) Start() {
	go func() {
		ticker := time.NewTicker(s.Poll)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.ProcessOnce(context.Background())
			}
		}
	}()
}

func (s *Scheduler) Stop() { close(s.stop) }

// ProcessOnce drains one batch of due deliveries sequentially. Attempts
// within a chain are strictly sequential because a delivery is only ever
// due again after its previous attempt was recorded. Each attempt is bounded
// by its subscription's timeout inside the executor; there is no batch-wide
// deadline, so a long batch never turns into instant failures that burn
// retry budget. A dead parent context stops the batch and leaves the
// remaining deliveries due.
func (s *Scheduler) ProcessOnce(ctx context.Context) int {
	due, err := s.Store.FetchDueDeliveries(ctx, time.Now(), s.Batch)
	if err != nil {
		s.Log.WithError(err).Error("fetch due deliveries")
		return 0
	}
	processed := 0
	for _, d := range due {
		if ctx.Err() != nil {
			break
		}
		s.runDelivery(ctx, d)
		processed++
	}
	return processed
}

func (s *Scheduler) runDelivery(ctx context.Context, d model.Delivery) {
	// Re-read the subscription immediately before the attempt so that
	// deletion or deactivation reliably suppresses queued retries.
	sub, err := s.Store.GetSubscription(ctx, d.OrgID, d.SubscriptionID)
	if err == store.ErrNotFound {
		s.cancel(ctx, d, "subscription deleted")
		return
	}
	if err != nil {
		s.Log.WithError(err).WithField("delivery_id", d.ID).Error("load subscription")
		return
	}
	if !sub.IsActive {
		s.cancel(ctx, d, "subscription deactivated")
		return
	}

	attemptNo := d.Attempts + 1
	var out Outcome
	// The secret is decrypted once per attempt: an attempt signs with the
	// secret as of its start, so rotation never mixes signatures.
	secret, err := s.Box.Open(sub.SecretCiphertext)
	if err != nil {
		out = Outcome{Kind: OutcomeNetworkError, Err: "unseal signing secret: " + err.Error()}
	} else {
		out = s.Exec.Attempt(ctx, sub, d.ID, d.EventID, d.EventType, d.Payload, secret)
	}

	att := model.Attempt{
		Number:       attemptNo,
		ResponseCode: out.StatusCode,
		ResponseBody: out.Body,
		Error:        out.Err,
		LatencyMs:    int(out.Elapsed.Milliseconds()),
		At:           time.Now().UTC(),
	}

	status := model.StatusDelivered
	var nextAt *time.Time
	if !out.Delivered() {
		if attemptNo >= sub.MaxAttempts {
			status = model.StatusExhausted
		} else {
			status = model.StatusRetrying
			t := att.At.Add(s.backoff(attemptNo))
			nextAt = &t
		}
	}

	if err := s.Store.MarkAttempt(ctx, d.ID, att, status, nextAt); err != nil {
		s.Log.WithError(err).WithField("delivery_id", d.ID).Error("record attempt")
		return
	}

	metrics.DeliveryAttempts.WithLabelValues(d.EventType, string(status)).Inc()
	metrics.DeliveryLatency.WithLabelValues(d.EventType, string(status)).Observe(float64(att.LatencyMs))
	s.publish(sub.ID, AttemptEvent{
		DeliveryID:     d.ID,
		SubscriptionID: sub.ID,
		EventType:      d.EventType,
		Attempt:        attemptNo,
		Status:         status,
		ResponseCode:   out.StatusCode,
		LatencyMs:      att.LatencyMs,
		Error:          out.Err,
		At:             att.At,
	})

	fields := logrus.Fields{
		"delivery_id":     d.ID,
		"subscription_id": sub.ID,
		"event_type":      d.EventType,
		"attempt":         attemptNo,
		"status":          status,
		"code":            out.StatusCode,
	}
	switch status {
	case model.StatusDelivered:
		s.Log.WithFields(fields).Debug("delivered")
	case model.StatusRetrying:
		s.Log.WithFields(fields).WithField("next_attempt_at", nextAt.Format(time.RFC3339)).Info("attempt failed, retry scheduled")
	default:
		s.Log.WithFields(fields).Warn("delivery exhausted after " + strconv.Itoa(attemptNo) + " attempts")
	}
}

func (s *Scheduler) cancel(ctx context.Context, d model.Delivery, reason string) {
	if err := s.Store.CancelDelivery(ctx, d.ID, reason); err != nil {
		s.Log.WithError(err).WithField("delivery_id", d.ID).Error("cancel delivery")
		return
	}
	metrics.DeliveryAttempts.WithLabelValues(d.EventType, string(model.StatusCancelled)).Inc()
	s.publish(d.SubscriptionID, AttemptEvent{
		DeliveryID:     d.ID,
		SubscriptionID: d.SubscriptionID,
		EventType:      d.EventType,
		Attempt:        d.Attempts,
		Status:         model.StatusCancelled,
		Error:          reason,
		At:             time.Now().UTC(),
	})
}

func (s *Scheduler) publish(subID string, evt AttemptEvent) {
	if s.Broker != nil {
		s.Broker.PublishAttempt(subID, evt)
	}
}

// backoff returns the delay before the attempt after attemptNo. Exponential
// in the attempt number with additive jitter, capped after jitter so delays
// are monotonically non-decreasing up to the cap.
func (s *Scheduler) backoff(attemptNo int) time.Duration {
	if attemptNo < 1 {
		attemptNo = 1
	}
	shift := uint(attemptNo - 1)
	if shift > 20 {
		shift = 20
	}
	raw := s.Backoff.Base << shift
	if raw <= 0 || raw > s.Backoff.Cap {
		return s.Backoff.Cap
	}
	jitter := time.Duration(0)
	if s.Backoff.JitterFrac > 0 {
		jitter = time.Duration(s.rnd.Float64() * s.Backoff.JitterFrac * float64(raw))
	}
	if raw+jitter > s.Backoff.Cap {
		return s.Backoff.Cap
	}
	return raw + jitter
}
