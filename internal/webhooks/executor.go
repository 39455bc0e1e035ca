package webhooks

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"webhookd/internal/model"
)

// maxResponseBytes bounds how much of a receiver response is kept in the
// ledger.
const maxResponseBytes = 4 * 1024

type OutcomeKind int

const (
	// OutcomeSuccess: receiver acknowledged with 2xx.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeReceiverError: receiver answered with a non-2xx status.
	OutcomeReceiverError
	// OutcomeNetworkError: no HTTP response (connection error or timeout).
	OutcomeNetworkError
)

// Outcome classifies a single attempt. It is data, not an error: the retry
// scheduler pattern-matches on Kind.
type Outcome struct {
	Kind       OutcomeKind
	StatusCode int
	Body       string
	Err        string
	Elapsed    time.Duration
}

func (o Outcome) Delivered() bool { return o.Kind == OutcomeSuccess }

// Executor performs exactly one signed HTTP POST per call. Retry logic lives
// in the Scheduler; the Executor has none.
type Executor struct {
	HTTP      *http.Client
	UserAgent string

	// per-host outbound rate limiting
	ratePerHost rate.Limit
	burst       int
	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
}

func NewExecutor(ratePerHost float64, burst int) *Executor {
	if burst <= 0 {
		burst = 1
	}
	return &Executor{
		HTTP:        &http.Client{},
		UserAgent:   "webhookd/1.0",
		ratePerHost: rate.Limit(ratePerHost),
		burst:       burst,
		limiters:    map[string]*rate.Limiter{},
	}
}

func (e *Executor) limiter(host string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[host]
	if !ok {
		l = rate.NewLimiter(e.ratePerHost, e.burst)
		e.limiters[host] = l
	}
	return l
}

// Attempt signs body with secret and POSTs it to the subscription endpoint,
// bounded by the subscription's timeout. The body bytes are sent untouched;
// they are the same bytes the signature covers.
func (e *Executor) Attempt(ctx context.Context, sub model.Subscription, deliveryID, eventID, eventType string, body []byte, secret string) Outcome {
	timeout := time.Duration(sub.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if e.ratePerHost > 0 {
		if u, err := url.Parse(sub.EndpointURL); err == nil {
			if err := e.limiter(u.Host).Wait(ctx); err != nil {
				return Outcome{Kind: OutcomeNetworkError, Err: "rate limit wait: " + err.Error(), Elapsed: time.Since(start)}
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return Outcome{Kind: OutcomeNetworkError, Err: err.Error(), Elapsed: time.Since(start)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", e.UserAgent)
	req.Header.Set("X-Webhook-Signature", Sign(secret, body))
	req.Header.Set("X-Webhook-Event", eventType)
	req.Header.Set("X-Webhook-Event-Id", eventID)
	req.Header.Set("X-Webhook-Delivery", deliveryID)

	resp, err := e.HTTP.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return Outcome{Kind: OutcomeNetworkError, Err: err.Error(), Elapsed: elapsed}
	}
	defer func() { _ = resp.Body.Close() }()
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Outcome{Kind: OutcomeSuccess, StatusCode: resp.StatusCode, Body: string(excerpt), Elapsed: elapsed}
	}
	return Outcome{Kind: OutcomeReceiverError, StatusCode: resp.StatusCode, Body: string(excerpt), Elapsed: elapsed}
}
