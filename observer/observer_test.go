package observer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stablepay/bpgw/chainclient"
	"github.com/stablepay/bpgw/config"
	"github.com/stablepay/bpgw/gateway"
)

type memStore struct {
	mu        sync.Mutex
	monitored []gateway.PaymentAddress
	expired   []gateway.PaymentAddress
}

func (m *memStore) MonitoredAddresses(context.Context, time.Duration) ([]gateway.PaymentAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gateway.PaymentAddress{}, m.monitored...), nil
}

func (m *memStore) ExpireAddresses(context.Context, time.Time) ([]gateway.PaymentAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.expired
	m.expired = nil
	return out, nil
}

type filterCall struct {
	From, To   uint64
	Recipients []common.Address
}

type fakeChain struct {
	mu       sync.Mutex
	head     uint64
	feed     event.FeedOf[chainclient.Capability]
	filtered []chainclient.TransferEvent
	calls    []filterCall
}

func (c *fakeChain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeChain) StreamTransfers(ctx context.Context, _ chan<- chainclient.TransferEvent) error {
	<-ctx.Done()
	return ctx.Err()
}

func (c *fakeChain) SubscribeCapability(ch chan<- chainclient.Capability) event.Subscription {
	return c.feed.Subscribe(ch)
}

func (c *fakeChain) FilterTransfers(_ context.Context, from, to uint64, recipients []common.Address) ([]chainclient.TransferEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, filterCall{from, to, recipients})
	return c.filtered, nil
}

type memSink struct {
	mu       sync.Mutex
	observed []chainclient.TransferEvent
	fail     error
}

func (s *memSink) Observe(_ context.Context, ev chainclient.TransferEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.observed = append(s.observed, ev)
	return nil
}

type emitted struct {
	Merchant string
	Event    gateway.Event
	Fields   map[string]interface{}
}

type memHooks struct {
	mu     sync.Mutex
	events []emitted
}

func (h *memHooks) Emit(_ context.Context, m string, ev gateway.Event, f map[string]interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, emitted{m, ev, f})
	return nil
}

type fixture struct {
	obs   *Observer
	store *memStore
	chain *fakeChain
	sink  *memSink
	hooks *memHooks
}

func newFixture(t *testing.T) *fixture {
	st := &memStore{}
	ch := &fakeChain{head: 100}
	sink := &memSink{}
	hooks := &memHooks{}

	obs, err := New(st, ch, sink, hooks, config.Defaults(), log.New("test", "observer"))
	require.NoError(t, err)
	require.NoError(t, obs.refreshWatched(context.Background()))
	return &fixture{obs: obs, store: st, chain: ch, sink: sink, hooks: hooks}
}

func watchedAddr() common.Address {
	return common.HexToAddress("0xaaaa000000000000000000000000000000000001")
}

func transfer(to common.Address, n byte) chainclient.TransferEvent {
	return chainclient.TransferEvent{
		TxHash:      common.BytesToHash([]byte{n}),
		From:        common.HexToAddress("0x00000000000000000000000000000000000000ff"),
		To:          to,
		Amount:      big.NewInt(1000),
		BlockNumber: 95,
	}
}

func TestHandleMatchesWatchedAddress(t *testing.T) {
	f := newFixture(t)
	f.obs.Watch(watchedAddr())

	f.obs.handle(context.Background(), transfer(watchedAddr(), 1))
	require.Len(t, f.sink.observed, 1)

	f.obs.handle(context.Background(), transfer(common.HexToAddress("0xdead000000000000000000000000000000000000"), 2))
	require.Len(t, f.sink.observed, 1, "unwatched recipient dropped")
}

func TestHandleDeduplicatesByHash(t *testing.T) {
	f := newFixture(t)
	f.obs.Watch(watchedAddr())
	ev := transfer(watchedAddr(), 1)

	f.obs.handle(context.Background(), ev)
	f.obs.handle(context.Background(), ev)
	require.Len(t, f.sink.observed, 1)
}

func TestHandleFailedObservationNotCached(t *testing.T) {
	f := newFixture(t)
	f.obs.Watch(watchedAddr())
	ev := transfer(watchedAddr(), 1)

	f.sink.fail = errors.New("store down")
	f.obs.handle(context.Background(), ev)
	require.Empty(t, f.sink.observed)

	f.sink.fail = nil
	f.obs.handle(context.Background(), ev)
	require.Len(t, f.sink.observed, 1, "retried delivery goes through")
}

func TestPollOnlyQueriesWhileDegraded(t *testing.T) {
	f := newFixture(t)
	f.obs.Watch(watchedAddr())

	// Healthy push: the baseline advances without a filter query.
	require.NoError(t, f.obs.pollOnce(context.Background()))
	require.Empty(t, f.chain.calls)
	require.Equal(t, uint64(100), f.obs.lastPolled)

	f.obs.polling.Store(true)
	f.chain.head = 110
	f.chain.filtered = []chainclient.TransferEvent{transfer(watchedAddr(), 3)}

	require.NoError(t, f.obs.pollOnce(context.Background()))
	require.Len(t, f.chain.calls, 1)
	require.Equal(t, uint64(101), f.chain.calls[0].From)
	require.Equal(t, uint64(110), f.chain.calls[0].To)
	require.Equal(t, []common.Address{watchedAddr()}, f.chain.calls[0].Recipients)
	require.Len(t, f.sink.observed, 1)
	require.Equal(t, uint64(110), f.obs.lastPolled)
}

func TestPollSpanIsCapped(t *testing.T) {
	f := newFixture(t)
	f.obs.Watch(watchedAddr())
	f.obs.polling.Store(true)
	f.obs.lastPolled = 100
	f.chain.head = 100 + 5*maxPollSpan

	require.NoError(t, f.obs.pollOnce(context.Background()))
	require.Len(t, f.chain.calls, 1)
	require.Equal(t, uint64(101), f.chain.calls[0].From)
	require.Equal(t, uint64(100+maxPollSpan), f.chain.calls[0].To)
	require.Equal(t, uint64(100+maxPollSpan), f.obs.lastPolled, "next poll resumes from the cap")
}

func TestCapabilityFlipsTransport(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.obs.watchCapability(ctx)
	}()

	// The feed only delivers once the subscriber is registered.
	require.Eventually(t, func() bool {
		return f.chain.feed.Send(chainclient.PushUnavailable) == 1
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.obs.polling.Load() },
		time.Second, 10*time.Millisecond)

	f.chain.feed.Send(chainclient.PushAvailable)
	require.Eventually(t, func() bool { return !f.obs.polling.Load() },
		time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestExpireEmitsWebhook(t *testing.T) {
	f := newFixture(t)
	f.store.expired = []gateway.PaymentAddress{{
		ID:         "addr-1",
		Address:    watchedAddr().Hex(),
		MerchantID: "m1",
		Currency:   "USDT",
		Expected:   decimal.RequireFromString("100"),
		Status:     gateway.AddressExpired,
	}}

	f.obs.expireOnce(context.Background())

	require.Len(t, f.hooks.events, 1)
	require.Equal(t, "m1", f.hooks.events[0].Merchant)
	require.Equal(t, gateway.EventAddressExpired, f.hooks.events[0].Event)
	require.Equal(t, "addr-1", f.hooks.events[0].Fields["addressId"])

	// Nothing left on the second pass.
	f.obs.expireOnce(context.Background())
	require.Len(t, f.hooks.events, 1)
}

func TestRefreshKeepsGraceWindowAddresses(t *testing.T) {
	f := newFixture(t)
	f.store.monitored = []gateway.PaymentAddress{
		{Address: watchedAddr().Hex(), Status: gateway.AddressExpired},
	}
	require.NoError(t, f.obs.refreshWatched(context.Background()))
	require.True(t, f.obs.watchedSet().Contains(watchedAddr()),
		"expired addresses stay matched through the grace window")
}
