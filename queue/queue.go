// Package queue is the gateway's at-least-once work queue on top of an AMQP
// broker. Each named queue has a companion retry queue whose dead-letter
// exchange routes messages back to the work queue after a TTL, implementing
// delayed redelivery without a scheduler.
//
// The service degrades instead of failing: when the broker is unreachable it
// flips to fallback mode, where publishes dispatch synchronously to the
// in-process handler registered for the queue. A health probe redials on an
// interval; on recovery consumers re-attach and parked messages are replayed
// into the live broker.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/streadway/amqp"

	"github.com/stablepay/bpgw/config"
	"github.com/stablepay/bpgw/gateway"
	"github.com/stablepay/bpgw/store"
)

// Queue names. Every stage of the pipeline owns one.
const (
	PaymentMonitor    = "payment.monitor"
	WebhookSend       = "webhook.send"
	SettlementProcess = "settlement.process"
	RefundProcess     = "refund.process"
	PayoutProcess     = "payout.process"
)

// Queues lists every declared work queue.
var Queues = []string{PaymentMonitor, WebhookSend, SettlementProcess, RefundProcess, PayoutProcess}

// Retry names the retry companion of a work queue. Messages published there
// dead-letter back into the work queue when their TTL expires, so a publish
// with an Expiration is a delayed redelivery.
func Retry(queue string) string { return queue + ".retry" }

// Priorities for Publish. Critical webhook events ride high so they overtake
// routine traffic when the queue backs up.
const (
	PriorityNormal uint8 = 4
	PriorityHigh   uint8 = 8

	maxPriority = 10

	retryCountHeader = "x-retry-count"
	brokerTimeout    = 15 * time.Second
)

var (
	publishMeter  = metrics.NewRegisteredMeter("gateway/queue/published", nil)
	directMeter   = metrics.NewRegisteredMeter("gateway/queue/direct", nil)
	redeliverMete = metrics.NewRegisteredMeter("gateway/queue/redelivered", nil)
	parkedMeter   = metrics.NewRegisteredMeter("gateway/queue/parked", nil)
	fallbackGauge = metrics.NewRegisteredGauge("gateway/queue/fallback", nil)
)

// Delivery is one message handed to a Handler.
type Delivery struct {
	Queue      string
	Body       []byte
	RetryCount int
}

// Handler processes one delivery. A nil return acknowledges; a retriable
// error redelivers via the retry queue until the retry budget runs out; any
// other error parks the message without redelivery.
type Handler func(ctx context.Context, d Delivery) error

// PublishOpts tunes one publish.
type PublishOpts struct {
	Priority   uint8
	Expiration time.Duration // discard if unconsumed after this long
}

// FailedStore parks exhausted or undeliverable messages. *store.Store
// implements it; a nil store disables parking.
type FailedStore interface {
	InsertFailedMessage(ctx context.Context, m *store.FailedMessage) error
	PendingFailedMessages(ctx context.Context, limit int) ([]store.FailedMessage, error)
	MarkReplayed(ctx context.Context, id int64) error
}

type consumer struct {
	queue    string
	handler  Handler
	prefetch int
}

// Service is the broker connection plus the fallback dispatcher. One
// connection and one channel per process; a closed channel tears the session
// down and the run loop rebuilds everything.
type Service struct {
	cfg    *config.QueueConfig
	failed FailedStore
	log    log.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	consumers map[string]*consumer

	// Handlers run under this context so broker-driven work stops with the
	// process, not with the AMQP session that delivered it.
	runCtx context.Context

	inFallback atomic.Bool
}

// New builds the service. It starts in fallback mode; Run establishes the
// broker session. Consumers must be registered before Run.
func New(cfg *config.QueueConfig, failed FailedStore, lg log.Logger) *Service {
	s := &Service{
		cfg:       cfg,
		failed:    failed,
		log:       lg,
		consumers: make(map[string]*consumer),
	}
	s.inFallback.Store(true)
	fallbackGauge.Update(1)
	return s
}

// Fallback reports whether publishes currently dispatch in process.
func (s *Service) Fallback() bool { return s.inFallback.Load() }

// Consume registers the handler for a queue. Exactly one handler per queue;
// registration after Run starts is a programming error.
func (s *Service) Consume(queue string, h Handler, prefetch int) {
	if prefetch <= 0 {
		prefetch = s.cfg.Prefetch
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.consumers[queue]; dup {
		panic("queue: duplicate consumer for " + queue)
	}
	s.consumers[queue] = &consumer{queue: queue, handler: h, prefetch: prefetch}
}

// Publish enqueues a message. It never fails on broker trouble: a dead broker
// flips the service to fallback mode and the message is dispatched to the
// in-process handler instead, so callers observe success either way.
func (s *Service) Publish(ctx context.Context, queue string, body []byte, opts PublishOpts) error {
	if s.inFallback.Load() {
		return s.direct(ctx, queue, body, 0, opts)
	}
	if err := s.publishBroker(queue, body, 0, opts); err != nil {
		s.log.Warn("Broker publish failed, switching to fallback", "queue", queue, "err", err)
		s.enterFallback()
		return s.direct(ctx, queue, body, 0, opts)
	}
	publishMeter.Mark(1)
	return nil
}

func (s *Service) publishBroker(queue string, body []byte, retryCount int, opts PublishOpts) error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return amqp.ErrClosed
	}
	pub := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Timestamp:    time.Now(),
		Priority:     opts.Priority,
		Body:         body,
		Headers:      amqp.Table{retryCountHeader: int32(retryCount)},
	}
	if opts.Expiration > 0 {
		pub.Expiration = fmt.Sprintf("%d", opts.Expiration.Milliseconds())
	}
	return ch.Publish("", queue, false, false, pub)
}

// direct runs the registered handler synchronously. A publish aimed at a
// retry queue becomes an in-process timer on the base queue's handler, so
// delayed redelivery keeps working with the broker down. Handler failure
// parks the message so nothing is lost.
func (s *Service) direct(ctx context.Context, queue string, body []byte, retryCount int, opts PublishOpts) error {
	directMeter.Mark(1)
	if base := strings.TrimSuffix(queue, ".retry"); base != queue {
		delay := opts.Expiration
		if delay <= 0 {
			delay = s.cfg.RetryDelay()
		}
		time.AfterFunc(delay, func() {
			ctx := s.runCtx
			if ctx == nil {
				ctx = context.Background()
			}
			if ctx.Err() != nil {
				return
			}
			opts := opts
			opts.Expiration = 0
			s.dispatch(ctx, base, body, retryCount, opts)
		})
		return nil
	}
	return s.dispatch(ctx, queue, body, retryCount, opts)
}

func (s *Service) dispatch(ctx context.Context, queue string, body []byte, retryCount int, opts PublishOpts) error {
	s.mu.Lock()
	c := s.consumers[queue]
	s.mu.Unlock()
	if c == nil {
		s.park(ctx, queue, body, retryCount, opts.Priority, "no in-process handler")
		return nil
	}
	if err := c.handler(ctx, Delivery{Queue: queue, Body: body, RetryCount: retryCount}); err != nil {
		s.log.Warn("Fallback handler failed, parking message", "queue", queue, "err", err)
		s.park(ctx, queue, body, retryCount, opts.Priority, err.Error())
	}
	return nil
}

func (s *Service) park(ctx context.Context, queue string, body []byte, retryCount int, priority uint8, reason string) {
	parkedMeter.Mark(1)
	if s.failed == nil || !s.cfg.StoreFailedMessages {
		s.log.Error("Dropping message, failed-message store disabled", "queue", queue, "reason", reason)
		return
	}
	err := s.failed.InsertFailedMessage(ctx, &store.FailedMessage{
		Queue:      queue,
		Body:       body,
		RetryCount: retryCount,
		Priority:   int(priority),
		LastError:  reason,
	})
	if err != nil {
		s.log.Error("Failed to park message", "queue", queue, "err", err)
	}
}

// Run owns the broker session until ctx is cancelled. Each iteration dials,
// declares the topology, attaches consumers, replays parked messages and then
// blocks until the connection dies. Dial failures keep fallback mode active
// and the health-check interval paces the redial probes.
func (s *Service) Run(ctx context.Context) error {
	s.runCtx = ctx
	if s.cfg.URL == "" {
		s.log.Warn("No broker configured, queue runs in permanent fallback mode")
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.enterFallback()
		s.log.Warn("Broker session lost", "probe_in", s.cfg.HealthCheck(), "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.HealthCheck()):
		}
	}
}

func (s *Service) session(ctx context.Context) error {
	conn, err := amqp.DialConfig(s.cfg.URL, amqp.Config{
		Dial:      amqp.DefaultDial(brokerTimeout),
		Heartbeat: 10 * time.Second,
	})
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := s.declareTopology(ch); err != nil {
		conn.Close()
		return err
	}

	s.mu.Lock()
	s.conn, s.ch = conn, ch
	consumers := make([]*consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.mu.Unlock()

	for _, c := range consumers {
		if err := s.attach(ctx, ch, c); err != nil {
			conn.Close()
			return err
		}
	}

	s.exitFallback(ctx)
	s.log.Info("Broker session established", "queues", len(consumers))

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	case amqpErr := <-closed:
		s.mu.Lock()
		s.conn, s.ch = nil, nil
		s.mu.Unlock()
		if amqpErr == nil {
			return errors.New("connection closed")
		}
		return amqpErr
	}
}

// declareTopology declares every work queue and its retry companion. Retry
// queues dead-letter back into the work queue through the default exchange,
// so a message published there reappears after its TTL.
func (s *Service) declareTopology(ch *amqp.Channel) error {
	for _, q := range Queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, amqp.Table{
			"x-max-priority": int32(maxPriority),
		}); err != nil {
			return fmt.Errorf("declare %s: %w", q, err)
		}
		if _, err := ch.QueueDeclare(q+".retry", true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q,
			"x-message-ttl":             int32(s.cfg.RetryDelay().Milliseconds()),
		}); err != nil {
			return fmt.Errorf("declare %s.retry: %w", q, err)
		}
	}
	return nil
}

func (s *Service) attach(ctx context.Context, ch *amqp.Channel, c *consumer) error {
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return err
	}
	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	go func() {
		for d := range deliveries {
			s.handle(c, d)
		}
	}()
	return nil
}

// handle drives one broker delivery through the retry contract.
func (s *Service) handle(c *consumer, d amqp.Delivery) {
	retryCount := headerRetryCount(d.Headers)
	err := c.handler(s.runCtx, Delivery{Queue: c.queue, Body: d.Body, RetryCount: retryCount})
	switch {
	case err == nil:
		d.Ack(false)

	case retriable(err) && retryCount < s.cfg.MaxRetries:
		delay := s.retryExpiration(retryCount)
		if pubErr := s.publishRetry(c.queue, d.Body, retryCount+1, d.Priority, delay); pubErr != nil {
			s.log.Error("Retry publish failed, requeueing", "queue", c.queue, "err", pubErr)
			d.Nack(false, true)
			return
		}
		redeliverMete.Mark(1)
		s.log.Debug("Delivery scheduled for retry", "queue", c.queue, "attempt", retryCount+1, "err", err)
		d.Ack(false)

	case retriable(err):
		s.park(s.runCtx, c.queue, d.Body, retryCount, d.Priority, "retries exhausted: "+err.Error())
		d.Ack(false)

	default:
		s.log.Warn("Non-retriable handler error", "queue", c.queue, "err", err)
		s.park(s.runCtx, c.queue, d.Body, retryCount, d.Priority, err.Error())
		d.Reject(false)
	}
}

// publishRetry sends a message to the queue's retry companion. A per-message
// expiration below the queue TTL implements the growing backoff; expiry
// dead-letters the message back to the work queue.
func (s *Service) publishRetry(queue string, body []byte, retryCount int, priority uint8, delay time.Duration) error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return amqp.ErrClosed
	}
	pub := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Timestamp:    time.Now(),
		Priority:     priority,
		Body:         body,
		Headers:      amqp.Table{retryCountHeader: int32(retryCount)},
	}
	if delay > 0 {
		pub.Expiration = fmt.Sprintf("%d", delay.Milliseconds())
	}
	return ch.Publish("", queue+".retry", false, false, pub)
}

// retryExpiration returns the per-message delay for the next attempt: the
// configured base, doubled per prior attempt when backoff is enabled. Zero
// means the retry queue's own TTL applies.
func (s *Service) retryExpiration(retryCount int) time.Duration {
	if !s.cfg.UseBackoff || retryCount == 0 {
		return 0
	}
	d := s.cfg.RetryDelay()
	for i := 0; i < retryCount && d < 10*time.Minute; i++ {
		d *= 2
	}
	return d
}

func (s *Service) enterFallback() {
	if s.inFallback.CompareAndSwap(false, true) {
		fallbackGauge.Update(1)
		s.log.Warn("Queue entered fallback mode, publishes dispatch in process")
	}
	s.mu.Lock()
	s.conn, s.ch = nil, nil
	s.mu.Unlock()
}

// exitFallback returns to broker mode and replays parked messages into the
// live session.
func (s *Service) exitFallback(ctx context.Context) {
	if s.inFallback.CompareAndSwap(true, false) {
		fallbackGauge.Update(0)
		s.log.Info("Queue left fallback mode")
	}
	if s.failed == nil || !s.cfg.StoreFailedMessages {
		return
	}
	for {
		parked, err := s.failed.PendingFailedMessages(ctx, 100)
		if err != nil {
			s.log.Error("Cannot load parked messages", "err", err)
			return
		}
		if len(parked) == 0 {
			return
		}
		for _, m := range parked {
			err := s.publishBroker(m.Queue, m.Body, m.RetryCount, PublishOpts{Priority: uint8(m.Priority)})
			if err != nil {
				s.log.Error("Parked message replay failed", "queue", m.Queue, "err", err)
				return
			}
			if err := s.failed.MarkReplayed(ctx, m.ID); err != nil {
				s.log.Error("Cannot mark parked message replayed", "id", m.ID, "err", err)
				return
			}
		}
		s.log.Info("Replayed parked messages", "count", len(parked))
	}
}

func headerRetryCount(h amqp.Table) int {
	if h == nil {
		return 0
	}
	switch v := h[retryCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// retriable classifies handler errors for redelivery: the gateway's own
// transient taxonomy plus broker-level trouble (closed connection or channel,
// resource-locked, precondition-failed).
func retriable(err error) bool {
	if gateway.IsRetriable(err) {
		return true
	}
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.ResourceLocked, amqp.PreconditionFailed, amqp.ChannelError, amqp.ConnectionForced:
			return true
		}
	}
	return false
}
