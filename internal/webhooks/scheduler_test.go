package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webhookd/internal/config"
	"webhookd/internal/model"
	"webhookd/internal/secrets"
	"webhookd/internal/store"
)

type recordingBroker struct {
	mu     sync.Mutex
	events []AttemptEvent
}

func (b *recordingBroker) PublishAttempt(subID string, evt AttemptEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *recordingBroker) all() []AttemptEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]AttemptEvent(nil), b.events...)
}

func newTestScheduler(st store.Store, box *secrets.Box, broker AttemptPublisher) *Scheduler {
	cfg := config.Default()
	cfg.Backoff.Base = time.Millisecond
	cfg.Backoff.Cap = 50 * time.Millisecond
	cfg.Backoff.JitterFrac = 0
	cfg.Outbound.RatePerHost = 0 // no limiting in tests
	return NewScheduler(st, NewExecutor(0, 1), box, broker, cfg, testLogger())
}

// drain runs the scheduler loop by hand until the delivery reaches a terminal
// state or the deadline passes.
func drain(t *testing.T, sched *Scheduler, st store.Store, orgID, deliveryID string) model.Delivery {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sched.ProcessOnce(context.Background())
		d, _, err := st.GetDelivery(context.Background(), orgID, deliveryID)
		require.NoError(t, err)
		if d.Status.Terminal() {
			return d
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("delivery never reached a terminal state")
	return model.Delivery{}
}

func enqueueOne(t *testing.T, st store.Store, d *Dispatcher, orgID, eventType string) model.Delivery {
	t.Helper()
	n, err := d.Dispatch(context.Background(), orgID, model.EventEnvelope{
		Type:    eventType,
		Payload: json.RawMessage(`{"k":"v"}`),
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	dels, err := st.ListDeliveries(context.Background(), orgID, model.DeliveryFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, dels)
	return dels[0]
}

func TestSchedulerDeliversAndSignsPayload(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := store.NewMemory()
	box := newTestBox(t)
	sub := seedSubscription(t, st, box, "org1", srv.URL, []string{"payment.received"}, true, 3)
	del := enqueueOne(t, st, NewDispatcher(st, testLogger()), "org1", "payment.received")

	broker := &recordingBroker{}
	sched := newTestScheduler(st, box, broker)
	got := drain(t, sched, st, "org1", del.ID)

	assert.Equal(t, model.StatusDelivered, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, http.StatusOK, got.ResponseCode)
	require.NotNil(t, got.DeliveredAt)

	// the signature covers exactly the bytes that were sent
	assert.Equal(t, string(del.Payload), string(gotBody))
	assert.True(t, Verify("whsec_testsecret", gotBody, gotHeader.Get("X-Webhook-Signature")))
	assert.Equal(t, "payment.received", gotHeader.Get("X-Webhook-Event"))
	assert.Equal(t, del.EventID, gotHeader.Get("X-Webhook-Event-Id"))
	assert.Equal(t, del.ID, gotHeader.Get("X-Webhook-Delivery"))
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))

	// success bumps the counters
	after, err := st.GetSubscription(context.Background(), "org1", sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), after.TotalDeliveries)
	assert.Equal(t, int64(1), after.SuccessfulDeliveries)

	events := broker.all()
	require.Len(t, events, 1)
	assert.Equal(t, model.StatusDelivered, events[0].Status)
	assert.Equal(t, 1, events[0].Attempt)
}

func TestSchedulerExhaustsAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := store.NewMemory()
	box := newTestBox(t)
	seedSubscription(t, st, box, "org1", srv.URL, []string{"fault.created"}, true, 3)
	del := enqueueOne(t, st, NewDispatcher(st, testLogger()), "org1", "fault.created")

	broker := &recordingBroker{}
	sched := newTestScheduler(st, box, broker)
	got := drain(t, sched, st, "org1", del.ID)

	assert.Equal(t, model.StatusExhausted, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Nil(t, got.NextAttemptAt)

	_, attempts, err := st.GetDelivery(context.Background(), "org1", del.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.Number)
		assert.Equal(t, http.StatusInternalServerError, a.ResponseCode)
	}

	events := broker.all()
	require.Len(t, events, 3)
	assert.Equal(t, model.StatusRetrying, events[0].Status)
	assert.Equal(t, model.StatusRetrying, events[1].Status)
	assert.Equal(t, model.StatusExhausted, events[2].Status)
}

func TestSchedulerZeroMaxAttemptsExhaustsOnFirstFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	st := store.NewMemory()
	box := newTestBox(t)
	seedSubscription(t, st, box, "org1", srv.URL, []string{"fault.created"}, true, 0)
	del := enqueueOne(t, st, NewDispatcher(st, testLogger()), "org1", "fault.created")

	sched := newTestScheduler(st, box, &recordingBroker{})
	got := drain(t, sched, st, "org1", del.ID)

	assert.Equal(t, model.StatusExhausted, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestSchedulerNetworkErrorCountsAsFailedAttempt(t *testing.T) {
	st := store.NewMemory()
	box := newTestBox(t)
	// nothing listens here
	seedSubscription(t, st, box, "org1", "http://127.0.0.1:1/hook", []string{"fault.created"}, true, 2)
	del := enqueueOne(t, st, NewDispatcher(st, testLogger()), "org1", "fault.created")

	sched := newTestScheduler(st, box, &recordingBroker{})
	got := drain(t, sched, st, "org1", del.ID)

	assert.Equal(t, model.StatusExhausted, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.NotEmpty(t, got.LastError)
	assert.Zero(t, got.ResponseCode)
}

func TestSchedulerCancelsWhenSubscriptionDeactivated(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	st := store.NewMemory()
	box := newTestBox(t)
	sub := seedSubscription(t, st, box, "org1", srv.URL, []string{"vote.ended"}, true, 3)
	del := enqueueOne(t, st, NewDispatcher(st, testLogger()), "org1", "vote.ended")

	sub.IsActive = false
	require.NoError(t, st.UpdateSubscription(context.Background(), sub))

	broker := &recordingBroker{}
	sched := newTestScheduler(st, box, broker)
	got := drain(t, sched, st, "org1", del.ID)

	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Zero(t, atomic.LoadInt32(&calls), "no HTTP attempt for a deactivated subscription")

	events := broker.all()
	require.Len(t, events, 1)
	assert.Equal(t, model.StatusCancelled, events[0].Status)
}

func TestSchedulerCancelsWhenSubscriptionDeleted(t *testing.T) {
	st := store.NewMemory()
	box := newTestBox(t)
	sub := seedSubscription(t, st, box, "org1", "https://example.com/hook", []string{"vote.ended"}, true, 3)
	del := enqueueOne(t, st, NewDispatcher(st, testLogger()), "org1", "vote.ended")

	// DeleteSubscription already cancels queued work; simulate a racing
	// worker that fetched the delivery first by deleting the row directly.
	cancelled, err := st.DeleteSubscription(context.Background(), "org1", sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)

	sched := newTestScheduler(st, box, &recordingBroker{})
	sched.ProcessOnce(context.Background())

	got, _, err := st.GetDelivery(context.Background(), "org1", del.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
}

func TestProcessOnceDeadContextDoesNotBurnRetryBudget(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	st := store.NewMemory()
	box := newTestBox(t)
	seedSubscription(t, st, box, "org1", srv.URL, []string{"fault.created"}, true, 1)
	del := enqueueOne(t, st, NewDispatcher(st, testLogger()), "org1", "fault.created")

	sched := newTestScheduler(st, box, &recordingBroker{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n := sched.ProcessOnce(ctx)

	assert.Zero(t, n)
	assert.Zero(t, atomic.LoadInt32(&calls))
	got, _, err := st.GetDelivery(context.Background(), "org1", del.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Zero(t, got.Attempts, "a dead context must not count as a failed attempt")

	// the delivery is still due and succeeds once a live context comes along
	got = drain(t, sched, st, "org1", del.ID)
	assert.Equal(t, model.StatusDelivered, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestManualRetryGetsFreshBudget(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	st := store.NewMemory()
	box := newTestBox(t)
	seedSubscription(t, st, box, "org1", srv.URL, []string{"payment.due"}, true, 2)
	del := enqueueOne(t, st, NewDispatcher(st, testLogger()), "org1", "payment.due")

	sched := newTestScheduler(st, box, &recordingBroker{})
	got := drain(t, sched, st, "org1", del.ID)
	require.Equal(t, model.StatusExhausted, got.Status)
	require.Equal(t, 2, got.Attempts)

	err := st.RetryDelivery(context.Background(), "org1", "no-such-id")
	assert.ErrorIs(t, err, store.ErrNotFound)

	healthy.Store(true)
	require.NoError(t, st.RetryDelivery(context.Background(), "org1", del.ID))
	got = drain(t, sched, st, "org1", del.ID)

	assert.Equal(t, model.StatusDelivered, got.Status)
	assert.Equal(t, 1, got.Attempts, "manual retry starts a fresh attempt count")

	// attempt history survives across the manual retry
	_, attempts, err := st.GetDelivery(context.Background(), "org1", del.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 3)
}

func TestBackoffGrowsMonotonicallyUpToCap(t *testing.T) {
	cfg := config.Default()
	cfg.Backoff.Base = 10 * time.Second
	cfg.Backoff.Cap = 15 * time.Minute
	cfg.Backoff.JitterFrac = 0.2
	sched := NewScheduler(store.NewMemory(), NewExecutor(0, 1), newTestBox(t), nil, cfg, testLogger())

	prevMax := time.Duration(0)
	for n := 1; n <= 30; n++ {
		d := sched.backoff(n)
		assert.LessOrEqual(t, d, cfg.Backoff.Cap)
		// jitter is additive, so each step's minimum (the pure exponential)
		// exceeds the previous step's maximum until the cap flattens both
		assert.GreaterOrEqual(t, d, minDuration(cfg.Backoff.Base<<uint(min(n-1, 20)), cfg.Backoff.Cap))
		assert.GreaterOrEqual(t, d, minDuration(prevMax, cfg.Backoff.Cap))
		prevMax = d
	}
	assert.Equal(t, cfg.Backoff.Cap, sched.backoff(30))
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
