package settle

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stablepay/bpgw/audit"
	"github.com/stablepay/bpgw/config"
	"github.com/stablepay/bpgw/gateway"
	"github.com/stablepay/bpgw/queue"
)

type memStore struct {
	mu          sync.Mutex
	addresses   map[string]*gateway.PaymentAddress
	txs         map[string]*gateway.Transaction
	openRefunds map[string]bool
	hot         *gateway.PaymentAddress
}

func newMemStore() *memStore {
	return &memStore{
		addresses:   make(map[string]*gateway.PaymentAddress),
		txs:         make(map[string]*gateway.Transaction),
		openRefunds: make(map[string]bool),
	}
}

func (m *memStore) ConfirmedUnsettled(context.Context) ([]gateway.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []gateway.Transaction
	for _, t := range m.txs {
		if t.Kind == gateway.TxPayment && t.Status == gateway.StatusConfirmed && t.SettlementTxHash == "" {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memStore) HasOpenRefund(_ context.Context, addressID string) (bool, error) {
	return m.openRefunds[addressID], nil
}

func (m *memStore) AddressByID(_ context.Context, id string) (*gateway.PaymentAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.addresses[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, gateway.ErrNotFound
}

func (m *memStore) ActiveHotWallet(_ context.Context, _ string) (*gateway.PaymentAddress, error) {
	if m.hot == nil {
		return nil, gateway.ErrNotFound
	}
	cp := *m.hot
	return &cp, nil
}

func (m *memStore) HotWallets(context.Context) ([]gateway.PaymentAddress, error) {
	if m.hot == nil {
		return nil, nil
	}
	return []gateway.PaymentAddress{*m.hot}, nil
}

func (m *memStore) InsertTransaction(_ context.Context, t *gateway.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.txs[t.ID] = &cp
	return nil
}

func (m *memStore) TransactionByID(_ context.Context, id string) (*gateway.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.txs[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, gateway.ErrNotFound
}

func (m *memStore) UpdateTransactionStatus(_ context.Context, id string, from, to gateway.TxStatus, _ string, mutate func(*gateway.Transaction)) (*gateway.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	if t.Status != from {
		return nil, gateway.ErrStaleStatus
	}
	if err := gateway.Transition(t.Kind, from, to); err != nil {
		return nil, err
	}
	t.Status = to
	if mutate != nil {
		mutate(t)
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) UpdateConfirmations(_ context.Context, id string, confs uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.txs[id]; ok && t.Confirmations < confs {
		t.Confirmations = confs
	}
	return nil
}

type transferCall struct {
	To     common.Address
	Amount *big.Int
}

type fakeChain struct {
	head     uint64
	receipts map[common.Hash]*types.Receipt
	balances map[common.Address]*big.Int
	native   map[common.Address]*big.Int
	decimals uint8

	transfers []transferCall
	nextHash  common.Hash
}

func (c *fakeChain) BlockNumber(context.Context) (uint64, error) { return c.head, nil }

func (c *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if r, ok := c.receipts[hash]; ok {
		return r, nil
	}
	return nil, gateway.ErrNotFound
}

func (c *fakeChain) TokenBalanceOf(_ context.Context, addr common.Address) (*big.Int, error) {
	if b, ok := c.balances[addr]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (c *fakeChain) NativeBalance(_ context.Context, addr common.Address) (*big.Int, error) {
	if b, ok := c.native[addr]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (c *fakeChain) TokenDecimals(context.Context) (uint8, error) { return c.decimals, nil }

func (c *fakeChain) TransferToken(_ context.Context, _ *ecdsa.PrivateKey, to common.Address, amount, _ *big.Int, _ uint64) (common.Hash, error) {
	c.transfers = append(c.transfers, transferCall{To: to, Amount: new(big.Int).Set(amount)})
	return c.nextHash, nil
}

func (c *fakeChain) BoostedGasPrice() *big.Int { return big.NewInt(6000000000) }
func (c *fakeChain) GasLimit() uint64          { return 100000 }

type fakeKeys struct{ key *ecdsa.PrivateKey }

func (k *fakeKeys) PrivateKey(*gateway.PaymentAddress) (*ecdsa.PrivateKey, error) {
	return k.key, nil
}

type published struct {
	Queue string
	Body  []byte
}

type memPub struct{ msgs []published }

func (p *memPub) Publish(_ context.Context, q string, body []byte, _ queue.PublishOpts) error {
	p.msgs = append(p.msgs, published{q, body})
	return nil
}

type emitted struct {
	Merchant string
	Event    gateway.Event
	Fields   map[string]interface{}
}

type memHooks struct{ events []emitted }

func (h *memHooks) Emit(_ context.Context, m string, ev gateway.Event, f map[string]interface{}) error {
	h.events = append(h.events, emitted{m, ev, f})
	return nil
}

type memAudit struct{ entries []audit.Entry }

func (a *memAudit) Record(_ context.Context, e audit.Entry) error {
	a.entries = append(a.entries, e)
	return nil
}

type fixture struct {
	engine  *Engine
	store   *memStore
	chain   *fakeChain
	pub     *memPub
	hooks   *memHooks
	auditor *memAudit
}

func newFixture(t *testing.T) *fixture {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	st := newMemStore()
	st.hot = &gateway.PaymentAddress{
		ID:       "hot-1",
		Address:  common.HexToAddress("0xcccc000000000000000000000000000000000003").Hex(),
		Kind:     gateway.AddressHotWallet,
		Status:   gateway.AddressActive,
		Currency: "USDT",
	}
	ch := &fakeChain{
		head:     100,
		receipts: make(map[common.Hash]*types.Receipt),
		balances: make(map[common.Address]*big.Int),
		native:   make(map[common.Address]*big.Int),
		decimals: 18,
		nextHash: common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000e1"),
	}
	// 0.01 BNB: comfortably above the default gas reserve.
	ch.native[st.hot.Common()] = big.NewInt(10_000_000_000_000_000)
	pub := &memPub{}
	hooks := &memHooks{}
	auditor := &memAudit{}

	cfg := config.Defaults()
	cfg.Chain.Confirmations = 6
	cfg.Wallet.HotThreshold = "10000"
	cfg.Wallet.ColdAddress = common.HexToAddress("0xdddd000000000000000000000000000000000004").Hex()

	engine, err := New(st, ch, &fakeKeys{key: key}, pub, hooks, auditor, cfg, log.New("test", "settle"))
	require.NoError(t, err)

	return &fixture{engine: engine, store: st, chain: ch, pub: pub, hooks: hooks, auditor: auditor}
}

// seedConfirmed installs a confirmed payment and funds its address on chain.
func seedConfirmed(f *fixture, id, merchant, amount string) *gateway.Transaction {
	addrID := "addr-" + id
	addr := &gateway.PaymentAddress{
		ID:         addrID,
		Address:    common.HexToAddress("0x" + id + "aa000000000000000000000000000000000001").Hex(),
		Kind:       gateway.AddressMerchantPayment,
		Status:     gateway.AddressUsed,
		MerchantID: merchant,
		Currency:   "USDT",
	}
	f.store.addresses[addrID] = addr

	p := &gateway.Transaction{
		ID:               id,
		TxHash:           "0x00000000000000000000000000000000000000000000000000000000000000" + id,
		Kind:             gateway.TxPayment,
		Status:           gateway.StatusConfirmed,
		Currency:         "USDT",
		Amount:           decimal.RequireFromString(amount),
		ToAddress:        addr.Address,
		PaymentAddressID: addrID,
		MerchantID:       merchant,
	}
	f.store.txs[p.ID] = p
	f.chain.balances[common.HexToAddress(addr.Address)] =
		decimal.RequireFromString(amount).Shift(18).BigInt()
	return p
}

func sweepDelivery(t *testing.T, merchantID string) queue.Delivery {
	t.Helper()
	body, err := json.Marshal(Task{Action: "sweep", MerchantID: merchantID})
	require.NoError(t, err)
	return queue.Delivery{Queue: queue.SettlementProcess, Body: body}
}

func monitorTask(t *testing.T, f *fixture) Task {
	t.Helper()
	require.NotEmpty(t, f.pub.msgs, "expected a monitor task")
	var task Task
	require.NoError(t, json.Unmarshal(f.pub.msgs[len(f.pub.msgs)-1].Body, &task))
	require.Equal(t, "monitor", task.Action)
	return task
}

func TestSweepBroadcastsTransfer(t *testing.T) {
	f := newFixture(t)
	p := seedConfirmed(f, "11", "m1", "100")

	require.NoError(t, f.engine.HandleProcess(context.Background(), sweepDelivery(t, "")))

	require.Len(t, f.chain.transfers, 1)
	require.Equal(t, common.HexToAddress(f.store.hot.Address), f.chain.transfers[0].To)
	require.Zero(t, f.chain.transfers[0].Amount.Cmp(
		decimal.RequireFromString("100").Shift(18).BigInt()))

	task := monitorTask(t, f)
	require.Equal(t, []string{p.ID}, task.PaymentIDs)

	transfer := f.store.txs[task.TransferID]
	require.Equal(t, gateway.TxSettlementTransfer, transfer.Kind)
	require.Equal(t, gateway.StatusConfirming, transfer.Status)
	require.Equal(t, f.chain.nextHash.Hex(), transfer.TxHash)
	require.Equal(t, "m1", transfer.MerchantID)
}

func TestSweepSkipsAddressWithOpenRefund(t *testing.T) {
	f := newFixture(t)
	p := seedConfirmed(f, "11", "m1", "100")
	f.store.openRefunds[p.PaymentAddressID] = true

	require.NoError(t, f.engine.HandleProcess(context.Background(), sweepDelivery(t, "")))
	require.Empty(t, f.chain.transfers, "refund funds stay put")
}

func TestSweepFiltersByMerchant(t *testing.T) {
	f := newFixture(t)
	seedConfirmed(f, "11", "m1", "100")
	seedConfirmed(f, "22", "m2", "50")

	require.NoError(t, f.engine.HandleProcess(context.Background(), sweepDelivery(t, "m2")))

	require.Len(t, f.chain.transfers, 1)
	require.Zero(t, f.chain.transfers[0].Amount.Cmp(
		decimal.RequireFromString("50").Shift(18).BigInt()))
}

func TestSweepSkipsEmptyAddress(t *testing.T) {
	f := newFixture(t)
	p := seedConfirmed(f, "11", "m1", "100")
	f.chain.balances[common.HexToAddress(p.ToAddress)] = big.NewInt(0)

	require.NoError(t, f.engine.HandleProcess(context.Background(), sweepDelivery(t, "")))
	require.Empty(t, f.chain.transfers)
}

func TestMonitorSettlesPayments(t *testing.T) {
	f := newFixture(t)
	p := seedConfirmed(f, "11", "m1", "100")
	require.NoError(t, f.engine.HandleProcess(context.Background(), sweepDelivery(t, "")))
	task := monitorTask(t, f)
	f.pub.msgs = nil

	f.chain.receipts[f.chain.nextHash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(95),
		BlockHash:   common.HexToHash("0xb10c95"),
	}
	f.chain.head = 100 // 6 confirmations

	body, _ := json.Marshal(task)
	require.NoError(t, f.engine.HandleProcess(context.Background(),
		queue.Delivery{Queue: queue.SettlementProcess, Body: body}))

	transfer := f.store.txs[task.TransferID]
	require.Equal(t, gateway.StatusCompleted, transfer.Status)

	settled := f.store.txs[p.ID]
	require.Equal(t, gateway.StatusSettled, settled.Status)
	require.Equal(t, transfer.TxHash, settled.SettlementTxHash)

	var names []gateway.Event
	for _, e := range f.hooks.events {
		names = append(names, e.Event)
	}
	require.Equal(t, []gateway.Event{gateway.EventTransactionSettled, gateway.EventSettlementCompleted}, names)

	var settlementAudit bool
	for _, e := range f.auditor.entries {
		if e.Action == audit.ActionSettlementExecuted {
			settlementAudit = true
		}
	}
	require.True(t, settlementAudit)
}

func TestMonitorRevertedTransferLeavesPaymentsConfirmed(t *testing.T) {
	f := newFixture(t)
	p := seedConfirmed(f, "11", "m1", "100")
	require.NoError(t, f.engine.HandleProcess(context.Background(), sweepDelivery(t, "")))
	task := monitorTask(t, f)

	f.chain.receipts[f.chain.nextHash] = &types.Receipt{
		Status:      types.ReceiptStatusFailed,
		BlockNumber: big.NewInt(95),
		BlockHash:   common.HexToHash("0xb10c95"),
	}

	body, _ := json.Marshal(task)
	require.NoError(t, f.engine.HandleProcess(context.Background(),
		queue.Delivery{Queue: queue.SettlementProcess, Body: body}))

	require.Equal(t, gateway.StatusFailed, f.store.txs[task.TransferID].Status)
	require.Equal(t, gateway.StatusConfirmed, f.store.txs[p.ID].Status,
		"the next sweep retries the payment")
	require.Empty(t, f.store.txs[p.ID].SettlementTxHash)
}

func TestMonitorRedeliverySkipsSettledPayments(t *testing.T) {
	f := newFixture(t)
	p := seedConfirmed(f, "11", "m1", "100")
	require.NoError(t, f.engine.HandleProcess(context.Background(), sweepDelivery(t, "")))
	task := monitorTask(t, f)

	f.chain.receipts[f.chain.nextHash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(95),
		BlockHash:   common.HexToHash("0xb10c95"),
	}
	f.chain.head = 100

	body, _ := json.Marshal(task)
	d := queue.Delivery{Queue: queue.SettlementProcess, Body: body}
	require.NoError(t, f.engine.HandleProcess(context.Background(), d))
	require.NoError(t, f.engine.HandleProcess(context.Background(), d), "redelivery is a no-op")
	require.Equal(t, gateway.StatusSettled, f.store.txs[p.ID].Status)
}

func TestColdTransferAboveThreshold(t *testing.T) {
	f := newFixture(t)
	f.chain.balances[f.store.hot.Common()] =
		decimal.RequireFromString("12000").Shift(18).BigInt()

	body, _ := json.Marshal(Task{Action: "cold"})
	require.NoError(t, f.engine.HandleProcess(context.Background(),
		queue.Delivery{Queue: queue.SettlementProcess, Body: body}))

	require.Len(t, f.chain.transfers, 1)
	require.Equal(t, common.HexToAddress(f.engine.coldAddress), f.chain.transfers[0].To)

	var cold *gateway.Transaction
	for _, tx := range f.store.txs {
		if tx.Kind == gateway.TxColdStorageTransfer {
			cold = tx
		}
	}
	require.NotNil(t, cold)
	require.True(t, cold.Amount.Equal(decimal.RequireFromString("12000")))

	var audited bool
	for _, e := range f.auditor.entries {
		if e.Action == audit.ActionColdStorageTransfer {
			audited = true
		}
	}
	require.True(t, audited)
}

func TestColdTransferBelowThresholdSkipped(t *testing.T) {
	f := newFixture(t)
	f.chain.balances[f.store.hot.Common()] =
		decimal.RequireFromString("9999").Shift(18).BigInt()

	body, _ := json.Marshal(Task{Action: "cold"})
	require.NoError(t, f.engine.HandleProcess(context.Background(),
		queue.Delivery{Queue: queue.SettlementProcess, Body: body}))
	require.Empty(t, f.chain.transfers)
}

func TestColdTransferWaitsForGasReserve(t *testing.T) {
	f := newFixture(t)
	f.chain.balances[f.store.hot.Common()] =
		decimal.RequireFromString("12000").Shift(18).BigInt()
	// Token balance crosses the threshold, but the wallet cannot pay for gas.
	f.chain.native[f.store.hot.Common()] = big.NewInt(1)

	body, _ := json.Marshal(Task{Action: "cold"})
	require.NoError(t, f.engine.HandleProcess(context.Background(),
		queue.Delivery{Queue: queue.SettlementProcess, Body: body}))
	require.Empty(t, f.chain.transfers, "no broadcast without the gas reserve")

	// Topping the wallet up lets the next tick proceed.
	f.chain.native[f.store.hot.Common()] = big.NewInt(10_000_000_000_000_000)
	require.NoError(t, f.engine.HandleProcess(context.Background(),
		queue.Delivery{Queue: queue.SettlementProcess, Body: body}))
	require.Len(t, f.chain.transfers, 1)
}

func TestColdTransferWithoutColdAddressIsNoop(t *testing.T) {
	f := newFixture(t)
	f.engine.coldAddress = ""
	f.chain.balances[f.store.hot.Common()] =
		decimal.RequireFromString("99999").Shift(18).BigInt()

	body, _ := json.Marshal(Task{Action: "cold"})
	require.NoError(t, f.engine.HandleProcess(context.Background(),
		queue.Delivery{Queue: queue.SettlementProcess, Body: body}))
	require.Empty(t, f.chain.transfers)
}

func TestUnknownActionPermanent(t *testing.T) {
	f := newFixture(t)
	body, _ := json.Marshal(Task{Action: "defrag"})
	err := f.engine.HandleProcess(context.Background(),
		queue.Delivery{Queue: queue.SettlementProcess, Body: body})
	require.Error(t, err)
	require.False(t, gateway.IsRetriable(err))
}

func TestNudgeWithoutActionSweeps(t *testing.T) {
	f := newFixture(t)
	seedConfirmed(f, "11", "m1", "100")

	// The confirmation engine publishes {"action":"sweep","merchantId":...};
	// a bare merchant nudge must not be rejected either.
	require.NoError(t, f.engine.HandleProcess(context.Background(),
		queue.Delivery{Queue: queue.SettlementProcess, Body: []byte(`{"merchantId":"m1"}`)}))
	require.Len(t, f.chain.transfers, 1)
}
