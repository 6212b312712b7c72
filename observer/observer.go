// Package observer ingests token transfers addressed to monitored payment
// addresses and keeps address lifecycles current.
//
// Transport follows the chain client's capability feed: while the websocket
// push stream is healthy every Transfer log of the token contract arrives via
// StreamTransfers and is filtered against the in-memory watch set; after the
// second consecutive subscription failure the client signals PushUnavailable
// and the observer switches to polling FilterTransfers over the blocks since
// its last scan. The two transports overlap harmlessly because observation is
// idempotent on tx hash.
package observer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"github.com/stablepay/bpgw/chainclient"
	"github.com/stablepay/bpgw/config"
	"github.com/stablepay/bpgw/gateway"
)

var (
	matchedMeter = metrics.NewRegisteredMeter("gateway/observer/matched", nil)
	polledMeter  = metrics.NewRegisteredMeter("gateway/observer/polled", nil)
	expiredMeter = metrics.NewRegisteredMeter("gateway/observer/expired", nil)
	watchedGauge = metrics.NewRegisteredGauge("gateway/observer/watched", nil)
)

// seenCacheSize bounds the duplicate cache. Misses are harmless: the store's
// unique tx hash makes a re-observation a no-op.
const seenCacheSize = 4096

// maxPollSpan caps one FilterTransfers range so a long push outage does not
// turn into one unbounded log query.
const maxPollSpan = 1000

// Store is the persistence surface the observer needs.
type Store interface {
	MonitoredAddresses(ctx context.Context, expiredGrace time.Duration) ([]gateway.PaymentAddress, error)
	ExpireAddresses(ctx context.Context, now time.Time) ([]gateway.PaymentAddress, error)
}

// Chain is the ingestion surface of the chain client.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	StreamTransfers(ctx context.Context, sink chan<- chainclient.TransferEvent) error
	SubscribeCapability(ch chan<- chainclient.Capability) event.Subscription
	FilterTransfers(ctx context.Context, fromBlock, toBlock uint64, recipients []common.Address) ([]chainclient.TransferEvent, error)
}

// Sink receives matched transfers; the confirmation engine implements it.
type Sink interface {
	Observe(ctx context.Context, ev chainclient.TransferEvent) error
}

// Webhooks emits merchant notifications.
type Webhooks interface {
	Emit(ctx context.Context, merchantID string, ev gateway.Event, fields map[string]interface{}) error
}

// Observer routes chain events into the confirmation engine.
type Observer struct {
	store Store
	chain Chain
	sink  Sink
	hooks Webhooks

	pollInterval time.Duration
	expiryScan   time.Duration
	expiredGrace time.Duration

	watchMu sync.RWMutex
	watched mapset.Set[common.Address] // guarded swap on refresh; the set itself is thread safe
	seen    *lru.Cache

	polling    atomic.Bool
	pollMu     sync.Mutex
	lastPolled uint64

	log log.Logger
	now func() time.Time
}

// New builds the observer. The watch set is populated on Run and refreshed on
// the expiry-scan cadence; Watch admits addresses issued after startup
// immediately.
func New(st Store, ch Chain, sink Sink, hooks Webhooks, cfg *config.Config, lg log.Logger) (*Observer, error) {
	seen, err := lru.New(seenCacheSize)
	if err != nil {
		return nil, err
	}
	return &Observer{
		store:        st,
		chain:        ch,
		sink:         sink,
		hooks:        hooks,
		pollInterval: cfg.Observer.PollInterval(),
		expiryScan:   cfg.Observer.ExpiryScan(),
		expiredGrace: cfg.Observer.ExpiredGrace(),
		watched:      mapset.NewSet[common.Address](),
		seen:         seen,
		log:          lg,
		now:          time.Now,
	}, nil
}

func (o *Observer) watchedSet() mapset.Set[common.Address] {
	o.watchMu.RLock()
	defer o.watchMu.RUnlock()
	return o.watched
}

// Watch admits a freshly issued address to the watch set without waiting for
// the next refresh.
func (o *Observer) Watch(addr common.Address) {
	set := o.watchedSet()
	set.Add(addr)
	watchedGauge.Update(int64(set.Cardinality()))
}

// Run drives ingestion until ctx is cancelled.
func (o *Observer) Run(ctx context.Context) error {
	if err := o.refreshWatched(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	sink := make(chan chainclient.TransferEvent, 256)

	g.Go(func() error { return o.chain.StreamTransfers(ctx, sink) })
	g.Go(func() error { return o.pump(ctx, sink) })
	g.Go(func() error { return o.watchCapability(ctx) })
	g.Go(func() error { return o.pollLoop(ctx) })
	g.Go(func() error { return o.expiryLoop(ctx) })
	return g.Wait()
}

// pump filters the push stream against the watch set.
func (o *Observer) pump(ctx context.Context, sink <-chan chainclient.TransferEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sink:
			o.handle(ctx, ev)
		}
	}
}

func (o *Observer) handle(ctx context.Context, ev chainclient.TransferEvent) {
	if !o.watchedSet().Contains(ev.To) {
		return
	}
	if !ev.Removed && o.seen.Contains(ev.TxHash) {
		return
	}
	matchedMeter.Mark(1)
	if err := o.sink.Observe(ctx, ev); err != nil {
		// The rescan safety net and the next poll both get another shot;
		// do not cache a failed observation as seen.
		o.log.Error("Observation failed", "tx", ev.TxHash, "to", ev.To, "err", err)
		return
	}
	o.seen.Add(ev.TxHash, struct{}{})
}

// watchCapability flips the transport. On PushUnavailable the poller baseline
// is pinned to the current head so the first poll covers the gap from there.
func (o *Observer) watchCapability(ctx context.Context) error {
	ch := make(chan chainclient.Capability, 4)
	sub := o.chain.SubscribeCapability(ch)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case c := <-ch:
			switch c {
			case chainclient.PushUnavailable:
				if o.polling.CompareAndSwap(false, true) {
					o.log.Warn("Push stream down, switching to polling",
						"interval", o.pollInterval)
				}
			case chainclient.PushAvailable:
				if o.polling.CompareAndSwap(true, false) {
					o.log.Info("Push stream restored, polling stopped")
				}
			}
		}
	}
}

// pollLoop runs the pull fallback. It only queries while polling is on, but
// keeps the baseline moving either way so a failover never replays the whole
// push era.
func (o *Observer) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.pollOnce(ctx); err != nil {
				o.log.Warn("Transfer poll failed", "err", err)
			}
		}
	}
}

func (o *Observer) pollOnce(ctx context.Context) error {
	head, err := o.chain.BlockNumber(ctx)
	if err != nil {
		return err
	}
	o.pollMu.Lock()
	defer o.pollMu.Unlock()
	if o.lastPolled == 0 || o.lastPolled > head {
		o.lastPolled = head
	}
	if !o.polling.Load() {
		// Push is covering live blocks; just advance the baseline.
		o.lastPolled = head
		return nil
	}
	from := o.lastPolled + 1
	if from > head {
		return nil
	}
	to := head
	if to-from >= maxPollSpan {
		to = from + maxPollSpan - 1
	}

	recipients := o.watchedSet().ToSlice()
	if len(recipients) == 0 {
		o.lastPolled = to
		return nil
	}
	events, err := o.chain.FilterTransfers(ctx, from, to, recipients)
	if err != nil {
		return err
	}
	for _, ev := range events {
		polledMeter.Mark(1)
		o.handle(ctx, ev)
	}
	o.lastPolled = to
	o.log.Debug("Polled transfer logs", "from", from, "to", to, "matched", len(events))
	return nil
}

// expiryLoop expires overdue addresses and refreshes the watch set.
func (o *Observer) expiryLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.expiryScan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.expireOnce(ctx)
			if err := o.refreshWatched(ctx); err != nil {
				o.log.Warn("Watch set refresh failed", "err", err)
			}
		}
	}
}

func (o *Observer) expireOnce(ctx context.Context) {
	expired, err := o.store.ExpireAddresses(ctx, o.now().UTC())
	if err != nil {
		o.log.Warn("Address expiry scan failed", "err", err)
		return
	}
	for i := range expired {
		addr := &expired[i]
		expiredMeter.Mark(1)
		o.log.Info("Address expired", "address", addr.Address, "merchant", addr.MerchantID)
		if err := o.hooks.Emit(ctx, addr.MerchantID, gateway.EventAddressExpired, map[string]interface{}{
			"addressId":      addr.ID,
			"address":        addr.Address,
			"currency":       addr.Currency,
			"expectedAmount": addr.Expected.String(),
		}); err != nil {
			o.log.Error("Webhook emit failed", "event", gateway.EventAddressExpired, "err", err)
		}
	}
}

// refreshWatched rebuilds the watch set from the store. Expired addresses stay
// watched through the grace window so late payments are still matched (and
// then refunded rather than credited).
func (o *Observer) refreshWatched(ctx context.Context) error {
	rows, err := o.store.MonitoredAddresses(ctx, o.expiredGrace)
	if err != nil {
		return err
	}
	next := mapset.NewSet[common.Address]()
	for i := range rows {
		next.Add(rows[i].Common())
	}
	o.watchMu.Lock()
	o.watched = next
	o.watchMu.Unlock()
	watchedGauge.Update(int64(next.Cardinality()))
	o.log.Debug("Watch set refreshed", "addresses", next.Cardinality())
	return nil
}
