// Package settle moves confirmed funds where they belong: the sweep collects
// balances from used payment addresses into the hot wallet, and the cold
// transfer drains the hot wallet to cold storage once it crosses the
// configured threshold.
//
// Both jobs run on cron schedules and additionally on demand: the confirmation
// engine nudges a sweep the moment a payment confirms so funds do not idle
// until the next tick. All on-chain legs are recorded as transactions of kind
// settlement_transfer or cold_storage_transfer and driven through the same
// state machine as payments by the settlement.process consumer.
package settle

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/stablepay/bpgw/audit"
	"github.com/stablepay/bpgw/config"
	"github.com/stablepay/bpgw/gateway"
	"github.com/stablepay/bpgw/queue"
)

var (
	sweepMeter  = metrics.NewRegisteredMeter("gateway/settle/sweeps", nil)
	settleMeter = metrics.NewRegisteredMeter("gateway/settle/settled", nil)
	coldMeter   = metrics.NewRegisteredMeter("gateway/settle/cold", nil)
)

// pollDelay paces confirmation checks on a broadcast transfer.
const pollDelay = time.Minute

// Task is the settlement.process message body. Action selects the step:
// "sweep" collects confirmed payments (optionally for one merchant), "cold"
// checks the hot-wallet threshold, "monitor" watches a broadcast transfer.
type Task struct {
	Action     string   `json:"action"`
	MerchantID string   `json:"merchantId,omitempty"`
	TransferID string   `json:"transferId,omitempty"`
	PaymentIDs []string `json:"paymentIds,omitempty"`
}

// Store is the persistence surface the engine needs.
type Store interface {
	ConfirmedUnsettled(ctx context.Context) ([]gateway.Transaction, error)
	HasOpenRefund(ctx context.Context, addressID string) (bool, error)
	AddressByID(ctx context.Context, id string) (*gateway.PaymentAddress, error)
	ActiveHotWallet(ctx context.Context, currency string) (*gateway.PaymentAddress, error)
	HotWallets(ctx context.Context) ([]gateway.PaymentAddress, error)
	InsertTransaction(ctx context.Context, t *gateway.Transaction) error
	TransactionByID(ctx context.Context, id string) (*gateway.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id string, from, to gateway.TxStatus, actor string, mutate func(*gateway.Transaction)) (*gateway.Transaction, error)
	UpdateConfirmations(ctx context.Context, id string, confs uint64) error
}

// Chain is the slice of the chain client used for sweeping.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TokenBalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	TokenDecimals(ctx context.Context) (uint8, error)
	TransferToken(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount, gasPrice *big.Int, gasLimit uint64) (common.Hash, error)
	BoostedGasPrice() *big.Int
	GasLimit() uint64
}

// Keys decrypts the signing key of a derived address.
type Keys interface {
	PrivateKey(addr *gateway.PaymentAddress) (*ecdsa.PrivateKey, error)
}

// Publisher enqueues work.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte, opts queue.PublishOpts) error
}

// Webhooks emits merchant notifications.
type Webhooks interface {
	Emit(ctx context.Context, merchantID string, ev gateway.Event, fields map[string]interface{}) error
}

// Engine runs the settlement and cold-storage jobs.
type Engine struct {
	store   Store
	chain   Chain
	keys    Keys
	pub     Publisher
	hooks   Webhooks
	auditor audit.Log

	confirmations uint64
	threshold     decimal.Decimal
	gasReserve    *big.Int
	coldAddress   string
	sweepSpec     string
	coldSpec      string

	cron *cron.Cron
	log  log.Logger
	now  func() time.Time
}

// New wires the engine. The hot threshold comes from the wallet section; an
// unparsable value fails here rather than silently never transferring.
func New(st Store, ch Chain, keys Keys, pub Publisher, hooks Webhooks, auditor audit.Log, cfg *config.Config, lg log.Logger) (*Engine, error) {
	threshold, err := decimal.NewFromString(cfg.Wallet.HotThreshold)
	if err != nil {
		return nil, fmt.Errorf("wallet: invalid hot threshold %q: %w", cfg.Wallet.HotThreshold, err)
	}
	gasReserve := new(big.Int)
	if cfg.Wallet.GasReserveWei != "" {
		if _, ok := gasReserve.SetString(cfg.Wallet.GasReserveWei, 10); !ok {
			return nil, fmt.Errorf("wallet: invalid gas reserve %q", cfg.Wallet.GasReserveWei)
		}
	}
	return &Engine{
		store:         st,
		chain:         ch,
		keys:          keys,
		pub:           pub,
		hooks:         hooks,
		auditor:       auditor,
		confirmations: cfg.Chain.Confirmations,
		threshold:     threshold,
		gasReserve:    gasReserve,
		coldAddress:   cfg.Wallet.ColdAddress,
		sweepSpec:     cfg.Settle.SweepSchedule,
		coldSpec:      cfg.Settle.ColdSchedule,
		log:           lg,
		now:           time.Now,
	}, nil
}

// Start installs the cron schedules. The jobs publish tasks rather than run
// inline so the queue's retry contract applies to scheduled work too.
func (e *Engine) Start(ctx context.Context) error {
	e.cron = cron.New()
	if _, err := e.cron.AddFunc(e.sweepSpec, func() {
		e.publishTask(ctx, Task{Action: "sweep"})
	}); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", e.sweepSpec, err)
	}
	if _, err := e.cron.AddFunc(e.coldSpec, func() {
		e.publishTask(ctx, Task{Action: "cold"})
	}); err != nil {
		return fmt.Errorf("cold schedule %q: %w", e.coldSpec, err)
	}
	e.cron.Start()
	e.log.Info("Settlement schedules installed", "sweep", e.sweepSpec, "cold", e.coldSpec)
	return nil
}

// Stop halts the schedules and waits for running jobs.
func (e *Engine) Stop() {
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
}

func (e *Engine) publishTask(ctx context.Context, task Task) {
	body, _ := json.Marshal(task)
	if err := e.pub.Publish(ctx, queue.SettlementProcess, body, queue.PublishOpts{}); err != nil {
		e.log.Error("Settlement task publish failed", "action", task.Action, "err", err)
	}
}

// HandleProcess is the settlement.process consumer.
func (e *Engine) HandleProcess(ctx context.Context, d queue.Delivery) error {
	var task Task
	if err := json.Unmarshal(d.Body, &task); err != nil {
		return gateway.Permanent(fmt.Errorf("malformed settlement task: %w", err))
	}
	switch task.Action {
	case "sweep", "":
		// The confirmation engine's nudge carries only merchantId.
		return e.sweep(ctx, task.MerchantID)
	case "cold":
		return e.coldTransfer(ctx)
	case "monitor":
		return e.monitor(ctx, task)
	default:
		return gateway.Permanent(fmt.Errorf("unknown settlement action %q", task.Action))
	}
}

// sweep collects confirmed, unsettled payments. One sweep transfer is
// broadcast per funded payment address; the monitor task marks the underlying
// payments settled once the transfer confirms.
func (e *Engine) sweep(ctx context.Context, merchantID string) error {
	payments, err := e.store.ConfirmedUnsettled(ctx)
	if err != nil {
		return err
	}
	byAddress := make(map[string][]gateway.Transaction)
	for _, p := range payments {
		if merchantID != "" && p.MerchantID != merchantID {
			continue
		}
		byAddress[p.PaymentAddressID] = append(byAddress[p.PaymentAddressID], p)
	}

	for addressID, group := range byAddress {
		if err := e.sweepAddress(ctx, addressID, group); err != nil {
			// One stuck address must not block the others; the next sweep
			// picks it up again because its payments stay unsettled.
			e.log.Error("Address sweep failed", "address", addressID, "err", err)
			if rerr := e.auditor.Record(ctx, audit.SystemError("settle", err)); rerr != nil {
				e.log.Error("Audit write failed", "err", rerr)
			}
		}
	}
	return nil
}

func (e *Engine) sweepAddress(ctx context.Context, addressID string, group []gateway.Transaction) error {
	open, err := e.store.HasOpenRefund(ctx, addressID)
	if err != nil {
		return err
	}
	if open {
		// A queued refund spends from this address; sweep after it clears.
		e.log.Debug("Sweep deferred, open refund", "address", addressID)
		return nil
	}
	addr, err := e.store.AddressByID(ctx, addressID)
	if err != nil {
		return err
	}
	hot, err := e.store.ActiveHotWallet(ctx, addr.Currency)
	if err != nil {
		return err
	}
	balance, err := e.chain.TokenBalanceOf(ctx, addr.Common())
	if err != nil {
		return err
	}
	if balance.Sign() <= 0 {
		return nil
	}
	decimals, err := e.chain.TokenDecimals(ctx)
	if err != nil {
		return err
	}
	key, err := e.keys.PrivateKey(addr)
	if err != nil {
		return err
	}
	hash, err := e.chain.TransferToken(ctx, key, hot.Common(), balance,
		e.chain.BoostedGasPrice(), e.chain.GasLimit())
	if err != nil {
		return err
	}

	paymentIDs := make([]string, len(group))
	for i, p := range group {
		paymentIDs[i] = p.ID
	}
	now := e.now().UTC()
	transfer := &gateway.Transaction{
		ID:               uuid.NewString(),
		TxHash:           hash.Hex(),
		Kind:             gateway.TxSettlementTransfer,
		Status:           gateway.StatusConfirming,
		Currency:         addr.Currency,
		Amount:           gateway.FromTokenUnits(balance, decimals),
		FromAddress:      addr.Address,
		ToAddress:        hot.Address,
		PaymentAddressID: addressID,
		MerchantID:       addr.MerchantID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.InsertTransaction(ctx, transfer); err != nil {
		return err
	}
	sweepMeter.Mark(1)
	e.log.Info("Sweep broadcast", "address", addr.Address, "tx", hash,
		"amount", transfer.Amount, "payments", len(group))

	return e.enqueueMonitor(ctx, transfer.ID, paymentIDs, pollDelay)
}

// coldTransfer drains hot wallets that crossed the threshold into cold
// storage. Without a configured cold address the job is a no-op.
func (e *Engine) coldTransfer(ctx context.Context) error {
	if e.coldAddress == "" {
		return nil
	}
	wallets, err := e.store.HotWallets(ctx)
	if err != nil {
		return err
	}
	decimals, err := e.chain.TokenDecimals(ctx)
	if err != nil {
		return err
	}
	for i := range wallets {
		hot := &wallets[i]
		balance, err := e.chain.TokenBalanceOf(ctx, hot.Common())
		if err != nil {
			return err
		}
		amount := gateway.FromTokenUnits(balance, decimals)
		if amount.LessThan(e.threshold) {
			continue
		}
		native, err := e.chain.NativeBalance(ctx, hot.Common())
		if err != nil {
			return err
		}
		if native.Cmp(e.gasReserve) < 0 {
			// Broadcasting without gas money burns the attempt; wait for the
			// operator to top the wallet up and let the next tick retry.
			e.log.Warn("Cold transfer deferred, gas reserve not met",
				"wallet", hot.Address, "native", native, "reserve", e.gasReserve)
			continue
		}
		key, err := e.keys.PrivateKey(hot)
		if err != nil {
			return err
		}
		hash, err := e.chain.TransferToken(ctx, key, common.HexToAddress(e.coldAddress),
			balance, e.chain.BoostedGasPrice(), e.chain.GasLimit())
		if err != nil {
			e.log.Error("Cold transfer broadcast failed", "wallet", hot.Address, "err", err)
			continue
		}
		now := e.now().UTC()
		transfer := &gateway.Transaction{
			ID:          uuid.NewString(),
			TxHash:      hash.Hex(),
			Kind:        gateway.TxColdStorageTransfer,
			Status:      gateway.StatusConfirming,
			Currency:    hot.Currency,
			Amount:      amount,
			FromAddress: hot.Address,
			ToAddress:   common.HexToAddress(e.coldAddress).Hex(),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.store.InsertTransaction(ctx, transfer); err != nil {
			return err
		}
		coldMeter.Mark(1)
		if err := e.auditor.Record(ctx, audit.Entry{
			Action:     audit.ActionColdStorageTransfer,
			EntityKind: audit.EntityTransaction,
			EntityID:   transfer.ID,
			NewState:   string(transfer.Status),
			Actor:      "settle",
			Detail:     fmt.Sprintf("%s %s to %s", amount, hot.Currency, transfer.ToAddress),
		}); err != nil {
			e.log.Error("Audit write failed", "err", err)
		}
		e.log.Info("Cold storage transfer broadcast", "wallet", hot.Address,
			"tx", hash, "amount", amount)

		if err := e.enqueueMonitor(ctx, transfer.ID, nil, pollDelay); err != nil {
			return err
		}
	}
	return nil
}

// monitor watches a broadcast transfer. A confirmed settlement transfer marks
// its payments settled; a cold transfer just completes.
func (e *Engine) monitor(ctx context.Context, task Task) error {
	transfer, err := e.store.TransactionByID(ctx, task.TransferID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return gateway.Permanent(err)
		}
		return err
	}
	if transfer.Terminal() {
		return nil
	}

	receipt, err := e.chain.TransactionReceipt(ctx, common.HexToHash(transfer.TxHash))
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return e.enqueueMonitor(ctx, transfer.ID, task.PaymentIDs, pollDelay)
		}
		return err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		_, err := e.store.UpdateTransactionStatus(ctx, transfer.ID,
			transfer.Status, gateway.StatusFailed, "settle", nil)
		if err != nil {
			return gateway.Retriable(err)
		}
		// The payments stay confirmed and unsettled; the next sweep retries.
		e.log.Error("Settlement transfer reverted", "transfer", transfer.ID, "tx", transfer.TxHash)
		return nil
	}

	head, err := e.chain.BlockNumber(ctx)
	if err != nil {
		return err
	}
	var confs uint64
	if rb := receipt.BlockNumber.Uint64(); head >= rb {
		confs = head - rb + 1
	}
	if confs < e.confirmations {
		if err := e.store.UpdateConfirmations(ctx, transfer.ID, confs); err != nil {
			return err
		}
		return e.enqueueMonitor(ctx, transfer.ID, task.PaymentIDs, pollDelay)
	}

	if _, err := e.store.UpdateTransactionStatus(ctx, transfer.ID,
		gateway.StatusConfirming, gateway.StatusConfirmed, "settle",
		func(t *gateway.Transaction) {
			t.Confirmations = confs
			t.BlockNumber = receipt.BlockNumber.Uint64()
			t.BlockHash = receipt.BlockHash.Hex()
		}); err != nil {
		return gateway.Retriable(err)
	}
	transfer, err = e.store.UpdateTransactionStatus(ctx, transfer.ID,
		gateway.StatusConfirmed, gateway.StatusCompleted, "settle", nil)
	if err != nil {
		return gateway.Retriable(err)
	}

	if transfer.Kind == gateway.TxColdStorageTransfer {
		e.log.Info("Cold storage transfer completed", "transfer", transfer.ID, "tx", transfer.TxHash)
		return nil
	}
	return e.settlePayments(ctx, transfer, task.PaymentIDs)
}

// settlePayments marks each swept payment settled and notifies the merchant.
// Settling is idempotent: a payment already settled by an earlier redelivery
// is skipped.
func (e *Engine) settlePayments(ctx context.Context, transfer *gateway.Transaction, paymentIDs []string) error {
	total := decimal.Zero
	settled := 0
	for _, id := range paymentIDs {
		updated, err := e.store.UpdateTransactionStatus(ctx, id,
			gateway.StatusConfirmed, gateway.StatusSettled, "settle",
			func(t *gateway.Transaction) { t.SettlementTxHash = transfer.TxHash })
		if err != nil {
			if errors.Is(err, gateway.ErrStaleStatus) {
				continue
			}
			return gateway.Retriable(err)
		}
		settleMeter.Mark(1)
		settled++
		total = total.Add(updated.Amount)
		e.emit(ctx, updated, gateway.EventTransactionSettled, map[string]interface{}{
			"settlementTxHash": transfer.TxHash,
		})
	}
	if err := e.auditor.Record(ctx, audit.Entry{
		Action:     audit.ActionSettlementExecuted,
		EntityKind: audit.EntityTransaction,
		EntityID:   transfer.ID,
		NewState:   string(gateway.StatusCompleted),
		Actor:      "settle",
		Detail:     fmt.Sprintf("%d payments, %s %s", settled, total, transfer.Currency),
	}); err != nil {
		e.log.Error("Audit write failed", "err", err)
	}
	e.log.Info("Settlement completed", "transfer", transfer.ID,
		"payments", settled, "total", total)

	if err := e.hooks.Emit(ctx, transfer.MerchantID, gateway.EventSettlementCompleted, map[string]interface{}{
		"settlementTxHash": transfer.TxHash,
		"paymentCount":     settled,
		"totalAmount":      total.String(),
		"currency":         transfer.Currency,
	}); err != nil {
		e.log.Error("Webhook emit failed", "event", gateway.EventSettlementCompleted, "err", err)
	}
	return nil
}

func (e *Engine) enqueueMonitor(ctx context.Context, transferID string, paymentIDs []string, delay time.Duration) error {
	body, _ := json.Marshal(Task{Action: "monitor", TransferID: transferID, PaymentIDs: paymentIDs})
	if delay <= 0 {
		return e.pub.Publish(ctx, queue.SettlementProcess, body, queue.PublishOpts{})
	}
	return e.pub.Publish(ctx, queue.Retry(queue.SettlementProcess), body, queue.PublishOpts{
		Expiration: delay,
	})
}

func (e *Engine) emit(ctx context.Context, tx *gateway.Transaction, ev gateway.Event, extra map[string]interface{}) {
	fields := map[string]interface{}{
		"transactionId": tx.ID,
		"txHash":        tx.TxHash,
		"amount":        tx.Amount.String(),
		"currency":      tx.Currency,
		"status":        tx.Status,
	}
	for k, v := range extra {
		fields[k] = v
	}
	if err := e.hooks.Emit(ctx, tx.MerchantID, ev, fields); err != nil {
		e.log.Error("Webhook emit failed", "event", ev, "tx", tx.ID, "err", err)
	}
}
