// Package webhook delivers signed event notifications to merchant endpoints.
//
// Emit resolves the merchant's subscribed endpoints and enqueues one delivery
// task per endpoint; HandleDelivery (the webhook.send consumer) signs and
// posts the payload, drives the per-URL circuit breaker, schedules its own
// exponential retries through the retry queue and maintains each endpoint's
// consecutive-failure accounting.
package webhook

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"

	"github.com/stablepay/bpgw/audit"
	"github.com/stablepay/bpgw/config"
	"github.com/stablepay/bpgw/gateway"
	"github.com/stablepay/bpgw/queue"
)

const (
	userAgent      = "Crypto-Payment-Gateway/1.0"
	requestTimeout = 10 * time.Second
)

var (
	deliveredMeter = metrics.NewRegisteredMeter("gateway/webhook/delivered", nil)
	failedMeter    = metrics.NewRegisteredMeter("gateway/webhook/failed", nil)
	skippedMeter   = metrics.NewRegisteredMeter("gateway/webhook/breaker/skipped", nil)
	deliveryTimer  = metrics.NewRegisteredTimer("gateway/webhook/rtt", nil)
)

// EndpointStore is the persistence surface the dispatcher needs.
type EndpointStore interface {
	ActiveEndpoints(ctx context.Context, merchantID string, ev gateway.Event) ([]gateway.WebhookEndpoint, error)
	EndpointDelivered(ctx context.Context, id string) error
	EndpointFailed(ctx context.Context, id, reason string) (*gateway.WebhookEndpoint, error)
}

// Publisher is the queue capability handed in at the application root. The
// dispatcher never constructs the queue, which keeps the dependency one-way.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte, opts queue.PublishOpts) error
}

// Task is the delivery envelope carried on webhook.send. DeliveryID doubles
// as the X-Idempotency-Key so every retry of one logical delivery presents
// the same key to the receiver.
type Task struct {
	DeliveryID string          `json:"deliveryId"`
	EndpointID string          `json:"endpointId"`
	URL        string          `json:"url"`
	Secret     string          `json:"secret"`
	Event      gateway.Event   `json:"event"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retryCount"`
	MaxRetries int             `json:"maxRetries"`
}

// Dispatcher signs and delivers webhook notifications.
type Dispatcher struct {
	store    EndpointStore
	pub      Publisher
	auditor  audit.Log
	cfg      *config.WebhookConfig
	fallback string // secret for endpoints created without one
	breakers *breakerTable
	client   *http.Client
	log      log.Logger
	now      func() time.Time
}

// NewDispatcher wires the dispatcher. auditor may be nil in tests.
func NewDispatcher(st EndpointStore, pub Publisher, auditor audit.Log, cfg *config.WebhookConfig, fallbackSecret string, lg log.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		pub:      pub,
		auditor:  auditor,
		cfg:      cfg,
		fallback: fallbackSecret,
		breakers: newBreakerTable(),
		client:   &http.Client{Timeout: requestTimeout},
		log:      lg,
		now:      time.Now,
	}
}

// Emit fans an event out to every active endpoint of the merchant subscribed
// to it, one queued delivery task per endpoint. Critical events publish with
// high priority.
func (d *Dispatcher) Emit(ctx context.Context, merchantID string, ev gateway.Event, fields map[string]interface{}) error {
	endpoints, err := d.store.ActiveEndpoints(ctx, merchantID, ev)
	if err != nil {
		return fmt.Errorf("resolve endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return nil
	}

	payload := map[string]interface{}{
		"id":         uuid.NewString(),
		"event":      ev,
		"merchantId": merchantID,
		"timestamp":  d.now().Unix(),
	}
	for k, v := range fields {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	priority := queue.PriorityNormal
	if ev.Critical() {
		priority = queue.PriorityHigh
	}
	for _, ep := range endpoints {
		secret := ep.Secret
		if secret == "" {
			secret = d.fallback
		}
		task := Task{
			DeliveryID: newIdempotencyKey(),
			EndpointID: ep.ID,
			URL:        ep.URL,
			Secret:     secret,
			Event:      ev,
			Payload:    body,
			MaxRetries: ep.MaxRetries,
		}
		if task.MaxRetries <= 0 {
			task.MaxRetries = d.cfg.MaxRetries
		}
		raw, err := json.Marshal(task)
		if err != nil {
			return err
		}
		if err := d.pub.Publish(ctx, queue.WebhookSend, raw, queue.PublishOpts{Priority: priority}); err != nil {
			return err
		}
		d.log.Debug("Webhook queued", "event", ev, "endpoint", ep.ID, "delivery", task.DeliveryID)
	}
	return nil
}

// HandleDelivery is the webhook.send consumer. It owns its retry schedule:
// the queue never redelivers a webhook task (errors returned here are
// permanent); instead retriable outcomes republish to the retry queue with a
// per-message delay of base * 2^retryCount.
func (d *Dispatcher) HandleDelivery(ctx context.Context, qd queue.Delivery) error {
	var task Task
	if err := json.Unmarshal(qd.Body, &task); err != nil {
		return gateway.Permanent(fmt.Errorf("malformed webhook task: %w", err))
	}

	if open, left := d.breakers.open(task.URL); open {
		skippedMeter.Mark(1)
		d.log.Warn("Webhook skipped, circuit open", "url", task.URL, "event", task.Event, "reopens_in", left)
		if task.Event.Critical() {
			// Critical events come back once the breaker window passes.
			return d.reschedule(ctx, task, left)
		}
		d.endpointFailed(ctx, task, "skipped: circuit breaker open")
		return nil
	}

	status, err := d.post(ctx, task)
	switch {
	case err == nil && status/100 == 2:
		deliveredMeter.Mark(1)
		d.breakers.success(task.URL)
		if err := d.store.EndpointDelivered(ctx, task.EndpointID); err != nil {
			return err // retriable store trouble, let the queue redeliver
		}
		d.audit(ctx, audit.ActionWebhookDelivered, task, fmt.Sprintf("status %d", status))
		return nil

	case err == nil && !retriableStatus(status):
		// A definitive refusal (4xx other than 429). Retrying cannot help.
		failedMeter.Mark(1)
		d.breakers.failure(task.URL)
		d.endpointFailed(ctx, task, fmt.Sprintf("status %d", status))
		return nil

	default:
		reason := fmt.Sprintf("status %d", status)
		if err != nil {
			reason = err.Error()
		}
		failedMeter.Mark(1)
		d.breakers.failure(task.URL)
		d.endpointFailed(ctx, task, reason)
		if task.RetryCount+1 >= task.MaxRetries {
			d.log.Warn("Webhook retries exhausted", "url", task.URL, "event", task.Event, "reason", reason)
			return nil
		}
		task.RetryCount++
		return d.reschedule(ctx, task, d.retryDelay(task.RetryCount))
	}
}

// post signs and sends one delivery attempt.
func (d *Dispatcher) post(ctx context.Context, task Task) (int, error) {
	ts := d.now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.URL, bytes.NewReader(task.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", string(task.Event))
	req.Header.Set("X-Webhook-Signature", Sign(task.Secret, ts, task.Payload))
	req.Header.Set("X-Idempotency-Key", task.DeliveryID)

	start := time.Now()
	resp, err := d.client.Do(req)
	deliveryTimer.UpdateSince(start)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// reschedule republishes the task onto the retry queue with a per-message
// delay; the dead-letter binding returns it to webhook.send on expiry.
func (d *Dispatcher) reschedule(ctx context.Context, task Task, delay time.Duration) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return gateway.Permanent(err)
	}
	priority := queue.PriorityNormal
	if task.Event.Critical() {
		priority = queue.PriorityHigh
	}
	return d.pub.Publish(ctx, queue.Retry(queue.WebhookSend), raw, queue.PublishOpts{
		Priority:   priority,
		Expiration: delay,
	})
}

// retryDelay is base * 2^(attempt-1).
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	delay := d.cfg.RetryDelay()
	for i := 1; i < attempt && delay < time.Hour; i++ {
		delay *= 2
	}
	return delay
}

func (d *Dispatcher) endpointFailed(ctx context.Context, task Task, reason string) {
	ep, err := d.store.EndpointFailed(ctx, task.EndpointID, reason)
	if err != nil {
		d.log.Error("Cannot record endpoint failure", "endpoint", task.EndpointID, "err", err)
		return
	}
	if ep.Status == gateway.EndpointFailed {
		d.log.Warn("Endpoint disabled after consecutive failures",
			"endpoint", ep.ID, "url", ep.URL, "failures", ep.FailureCount)
	}
	d.audit(ctx, audit.ActionWebhookFailed, task, reason)
}

func (d *Dispatcher) audit(ctx context.Context, action audit.Action, task Task, detail string) {
	if d.auditor == nil {
		return
	}
	err := d.auditor.Record(ctx, audit.Entry{
		Action:     action,
		EntityKind: audit.EntityEndpoint,
		EntityID:   task.EndpointID,
		NewState:   string(task.Event),
		Actor:      "webhook",
		Detail:     detail,
	})
	if err != nil {
		d.log.Error("Audit write failed", "action", action, "err", err)
	}
}

// retriableStatus reports whether an HTTP status is worth another attempt.
func retriableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

func newIdempotencyKey() string {
	var b [16]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
