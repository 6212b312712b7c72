// Package confirm drives observed payments through the transaction state
// machine: pending -> confirming -> confirmed -> settled, or into the
// underpaid / expired / failed terminals.
//
// Observe ingests one Transfer event (idempotently, keyed on tx hash) and
// HandleCheck is the payment.monitor consumer that re-reads the receipt,
// advances the machine and re-enqueues itself with exponential backoff until
// the transaction is terminal. A receipt that moves block or disappears is a
// re-org: the transaction reverts to pending once; a second occurrence fails
// it.
package confirm

import (
	"context"
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
	"github.com/shopspring/decimal"

	"github.com/stablepay/bpgw/chainclient"
	"github.com/stablepay/bpgw/config"
	"github.com/stablepay/bpgw/gateway"
	"github.com/stablepay/bpgw/queue"
)

var (
	observedMeter  = metrics.NewRegisteredMeter("gateway/confirm/observed", nil)
	duplicateMeter = metrics.NewRegisteredMeter("gateway/confirm/duplicates", nil)
	confirmedMeter = metrics.NewRegisteredMeter("gateway/confirm/confirmed", nil)
	underpaidMeter = metrics.NewRegisteredMeter("gateway/confirm/underpaid", nil)
	reorgMeter     = metrics.NewRegisteredMeter("gateway/confirm/reorgs", nil)
)

// Store is the persistence surface the engine needs.
type Store interface {
	AddressByAddr(ctx context.Context, addr string) (*gateway.PaymentAddress, error)
	StaleOpenPayments(ctx context.Context, age time.Duration, limit int) ([]gateway.Transaction, error)
	AddressByID(ctx context.Context, id string) (*gateway.PaymentAddress, error)
	TransactionByHash(ctx context.Context, hash string) (*gateway.Transaction, error)
	TransactionByID(ctx context.Context, id string) (*gateway.Transaction, error)
	RecordObservedPayment(ctx context.Context, t *gateway.Transaction) error
	UpdateTransactionStatus(ctx context.Context, id string, from, to gateway.TxStatus, actor string, mutate func(*gateway.Transaction)) (*gateway.Transaction, error)
	UpdateConfirmations(ctx context.Context, id string, confs uint64) error
}

// Chain is the read surface of the chain client.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, n *big.Int) (*types.Header, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TokenDecimals(ctx context.Context) (uint8, error)
}

// Publisher enqueues work.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte, opts queue.PublishOpts) error
}

// Webhooks emits merchant notifications.
type Webhooks interface {
	Emit(ctx context.Context, merchantID string, ev gateway.Event, fields map[string]interface{}) error
}

// Refunds is the slice of the refund engine the state machine triggers.
type Refunds interface {
	InitiateOverpayment(ctx context.Context, payment *gateway.Transaction, excess decimal.Decimal) error
	InitiateExpired(ctx context.Context, addr *gateway.PaymentAddress, payment *gateway.Transaction) error
}

// CheckTask is the payment.monitor message body.
type CheckTask struct {
	TransactionID string `json:"transactionId"`
}

// Engine advances payment transactions.
type Engine struct {
	store   Store
	chain   Chain
	pub     Publisher
	hooks   Webhooks
	refunds Refunds

	confirmations uint64
	underPct      float64
	overPct       float64

	log log.Logger
	now func() time.Time
}

// New wires the engine from the payment and chain sections of the config.
func New(st Store, ch Chain, pub Publisher, hooks Webhooks, refunds Refunds, cfg *config.Config, lg log.Logger) *Engine {
	return &Engine{
		store:         st,
		chain:         ch,
		pub:           pub,
		hooks:         hooks,
		refunds:       refunds,
		confirmations: cfg.Chain.Confirmations,
		underPct:      cfg.Payment.UnderpaymentTolerancePct,
		overPct:       cfg.Payment.OverpaymentTolerancePct,
		log:           lg,
		now:           time.Now,
	}
}

// Backoff is the delay before the next confirmation check:
// min(60 * 2^(confs/2), 3600) seconds. Early confirmations poll fast, deep
// ones slow down.
func Backoff(confs uint64) time.Duration {
	exp := confs / 2
	if exp > 6 {
		exp = 6
	}
	delay := 60 * (1 << exp)
	if delay > 3600 {
		delay = 3600
	}
	return time.Duration(delay) * time.Second
}

// rescanInterval paces the safety-net sweep over open payments. Anything the
// queue forgot (lost message, broker outage, crash between ack and enqueue)
// is picked up here; the status CAS makes double-checking harmless.
const rescanInterval = time.Minute

// Run rescans stale open payments until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stale, err := e.store.StaleOpenPayments(ctx, rescanInterval+Backoff(0), 200)
			if err != nil {
				e.log.Warn("Open-payment rescan failed", "err", err)
				continue
			}
			for _, tx := range stale {
				if err := e.enqueueCheck(ctx, tx.ID, 0); err != nil {
					e.log.Warn("Rescan enqueue failed", "tx", tx.ID, "err", err)
				}
			}
			if len(stale) > 0 {
				e.log.Debug("Rescanned open payments", "count", len(stale))
			}
		}
	}
}

// Observe ingests one Transfer event addressed to a monitored address.
// Redelivered events are no-ops: the transaction row keyed by tx hash is the
// dedup record.
func (e *Engine) Observe(ctx context.Context, ev chainclient.TransferEvent) error {
	if ev.Removed {
		// A revoked log never credits anyone; if the transfer was already
		// recorded the next confirmation check sees the missing receipt.
		return nil
	}
	addr, err := e.store.AddressByAddr(ctx, ev.To.Hex())
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownAddress) {
			e.log.Debug("Transfer to unmonitored address dropped", "to", ev.To, "tx", ev.TxHash)
			return nil
		}
		return err
	}
	if _, err := e.store.TransactionByHash(ctx, ev.TxHash.Hex()); err == nil {
		duplicateMeter.Mark(1)
		return nil
	} else if !errors.Is(err, gateway.ErrNotFound) {
		return err
	}

	decimals, err := e.chain.TokenDecimals(ctx)
	if err != nil {
		return err
	}
	amount := gateway.FromTokenUnits(ev.Amount, decimals)

	header, err := e.chain.HeaderByNumber(ctx, new(big.Int).SetUint64(ev.BlockNumber))
	if err != nil {
		return err
	}
	blockTime := time.Unix(int64(header.Time), 0).UTC()

	now := e.now().UTC()
	tx := &gateway.Transaction{
		ID:               uuid.NewString(),
		TxHash:           ev.TxHash.Hex(),
		Kind:             gateway.TxPayment,
		Status:           gateway.StatusConfirming,
		Currency:         addr.Currency,
		Amount:           amount,
		FromAddress:      ev.From.Hex(),
		ToAddress:        ev.To.Hex(),
		Confirmations:    1,
		BlockNumber:      ev.BlockNumber,
		BlockHash:        ev.BlockHash.Hex(),
		BlockTime:        &blockTime,
		PaymentAddressID: addr.ID,
		MerchantID:       addr.MerchantID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	// A payment landing after expiry never credits the merchant: it is
	// recorded terminally expired and the full amount goes back to the
	// sender.
	if addr.Status == gateway.AddressExpired || addr.Expires(now) {
		tx.Status = gateway.StatusExpired
		if err := e.store.RecordObservedPayment(ctx, tx); err != nil {
			if errors.Is(err, gateway.ErrDuplicateTx) {
				duplicateMeter.Mark(1)
				return nil
			}
			return err
		}
		e.log.Info("Late payment at expired address, refunding",
			"address", addr.Address, "tx", tx.TxHash, "amount", amount)
		return e.refunds.InitiateExpired(ctx, addr, tx)
	}

	if err := e.store.RecordObservedPayment(ctx, tx); err != nil {
		if errors.Is(err, gateway.ErrDuplicateTx) {
			duplicateMeter.Mark(1)
			return nil
		}
		return err
	}
	observedMeter.Mark(1)
	e.log.Info("Payment observed", "tx", tx.TxHash, "address", addr.Address,
		"amount", amount, "merchant", addr.MerchantID)

	e.emit(ctx, tx, gateway.EventPaymentReceived, nil)
	return e.enqueueCheck(ctx, tx.ID, 0)
}

// HandleCheck is the payment.monitor consumer.
func (e *Engine) HandleCheck(ctx context.Context, d queue.Delivery) error {
	var task CheckTask
	if err := json.Unmarshal(d.Body, &task); err != nil {
		return gateway.Permanent(fmt.Errorf("malformed check task: %w", err))
	}
	tx, err := e.store.TransactionByID(ctx, task.TransactionID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return gateway.Permanent(err)
		}
		return err
	}
	if tx.Terminal() || tx.Status == gateway.StatusConfirmed {
		// Confirmed transactions advance through settlement; a redelivered
		// check has nothing left to do.
		return nil
	}

	receipt, err := e.chain.TransactionReceipt(ctx, common.HexToHash(tx.TxHash))
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return e.reorg(ctx, tx, "receipt missing")
		}
		return err
	}
	if tx.BlockHash != "" && receipt.BlockHash.Hex() != tx.BlockHash {
		return e.reorg(ctx, tx, "receipt moved to "+receipt.BlockHash.Hex())
	}

	head, err := e.chain.BlockNumber(ctx)
	if err != nil {
		return err
	}
	var confs uint64
	if rb := receipt.BlockNumber.Uint64(); head >= rb {
		confs = head - rb + 1
	}

	// A reverted transaction reached a block but transferred nothing.
	if receipt.Status == types.ReceiptStatusFailed {
		_, err := e.store.UpdateTransactionStatus(ctx, tx.ID, tx.Status, gateway.StatusFailed,
			"confirm", nil)
		if err != nil {
			return gateway.Retriable(err)
		}
		e.emit(ctx, tx, gateway.EventPaymentFailed, map[string]interface{}{"reason": "transaction reverted"})
		return nil
	}

	// A transaction reverted to pending by a re-org is now included again.
	if tx.Status == gateway.StatusPending {
		tx, err = e.store.UpdateTransactionStatus(ctx, tx.ID,
			gateway.StatusPending, gateway.StatusConfirming, "confirm",
			func(t *gateway.Transaction) {
				t.BlockNumber = receipt.BlockNumber.Uint64()
				t.BlockHash = receipt.BlockHash.Hex()
				t.Confirmations = confs
			})
		if err != nil {
			return gateway.Retriable(err)
		}
	}

	if confs < e.confirmations {
		if err := e.store.UpdateConfirmations(ctx, tx.ID, confs); err != nil {
			return err
		}
		return e.enqueueCheck(ctx, tx.ID, Backoff(confs))
	}
	return e.finalize(ctx, tx, confs)
}

// finalize advances a fully confirmed transaction to its terminal-side state
// according to the amount policy.
func (e *Engine) finalize(ctx context.Context, tx *gateway.Transaction, confs uint64) error {
	if tx.Kind != gateway.TxPayment {
		// Gateway-originated transfers are finished by the engine that
		// broadcast them; this path only marks the chain side final.
		_, err := e.store.UpdateTransactionStatus(ctx, tx.ID,
			tx.Status, gateway.StatusConfirmed, "confirm",
			func(t *gateway.Transaction) { t.Confirmations = confs })
		if err != nil {
			return gateway.Retriable(err)
		}
		return nil
	}

	addr, err := e.store.AddressByID(ctx, tx.PaymentAddressID)
	if err != nil {
		return err
	}
	verdict, excess := gateway.ClassifyAmount(addr.Expected, tx.Amount, e.underPct, e.overPct)

	switch verdict {
	case gateway.AmountUnderpaid:
		underpaidMeter.Mark(1)
		updated, err := e.store.UpdateTransactionStatus(ctx, tx.ID,
			gateway.StatusConfirming, gateway.StatusUnderpaid, "confirm",
			func(t *gateway.Transaction) { t.Confirmations = confs })
		if err != nil {
			return gateway.Retriable(err)
		}
		e.log.Warn("Payment underpaid", "tx", tx.TxHash,
			"expected", addr.Expected, "actual", tx.Amount)
		e.emit(ctx, updated, gateway.EventPaymentUnderpaid, map[string]interface{}{
			"expectedAmount": addr.Expected.String(),
		})
		return nil

	default:
		confirmedMeter.Mark(1)
		updated, err := e.store.UpdateTransactionStatus(ctx, tx.ID,
			gateway.StatusConfirming, gateway.StatusConfirmed, "confirm",
			func(t *gateway.Transaction) { t.Confirmations = confs })
		if err != nil {
			return gateway.Retriable(err)
		}
		e.log.Info("Payment confirmed", "tx", tx.TxHash, "confirmations", confs)
		e.emit(ctx, updated, gateway.EventPaymentConfirmed, nil)

		if verdict == gateway.AmountOverpaid {
			if err := e.refunds.InitiateOverpayment(ctx, updated, excess); err != nil {
				return err
			}
			e.emit(ctx, updated, gateway.EventPaymentCompleted, map[string]interface{}{
				"refundedExcess": excess.String(),
			})
		}

		// Nudge the settlement engine so confirmed funds do not wait for
		// the next cron tick.
		nudge, _ := json.Marshal(map[string]string{"action": "sweep", "merchantId": tx.MerchantID})
		return e.pub.Publish(ctx, queue.SettlementProcess, nudge, queue.PublishOpts{})
	}
}

// reorg handles a receipt that vanished or moved. The first occurrence
// reverts the transaction to pending and resumes polling; the second fails
// it.
func (e *Engine) reorg(ctx context.Context, tx *gateway.Transaction, detail string) error {
	reorgMeter.Mark(1)
	if tx.Status == gateway.StatusPending {
		// Already reverted; keep waiting for re-inclusion.
		return e.enqueueCheck(ctx, tx.ID, Backoff(0))
	}
	if tx.ReorgCount >= 1 {
		updated, err := e.store.UpdateTransactionStatus(ctx, tx.ID,
			tx.Status, gateway.StatusFailed, "confirm",
			func(t *gateway.Transaction) { t.ReorgCount++ })
		if err != nil {
			return gateway.Retriable(err)
		}
		e.log.Error("Transaction failed after repeated re-orgs", "tx", tx.TxHash, "detail", detail)
		e.emit(ctx, updated, gateway.EventPaymentFailed, map[string]interface{}{"reason": "chain re-org"})
		return nil
	}
	_, err := e.store.UpdateTransactionStatus(ctx, tx.ID,
		tx.Status, gateway.StatusPending, "confirm",
		func(t *gateway.Transaction) {
			t.BlockNumber = 0
			t.BlockHash = ""
			t.BlockTime = nil
			t.Confirmations = 0
			t.ReorgCount++
		})
	if err != nil {
		return gateway.Retriable(err)
	}
	e.log.Warn("Re-org detected, transaction reverted to pending", "tx", tx.TxHash, "detail", detail)
	return e.enqueueCheck(ctx, tx.ID, Backoff(0))
}

// enqueueCheck schedules the next confirmation check. A zero delay publishes
// straight to the work queue; otherwise the retry companion delays delivery.
func (e *Engine) enqueueCheck(ctx context.Context, txID string, delay time.Duration) error {
	body, _ := json.Marshal(CheckTask{TransactionID: txID})
	if delay <= 0 {
		return e.pub.Publish(ctx, queue.PaymentMonitor, body, queue.PublishOpts{})
	}
	return e.pub.Publish(ctx, queue.Retry(queue.PaymentMonitor), body, queue.PublishOpts{
		Expiration: delay,
	})
}

func (e *Engine) emit(ctx context.Context, tx *gateway.Transaction, ev gateway.Event, extra map[string]interface{}) {
	fields := map[string]interface{}{
		"transactionId": tx.ID,
		"txHash":        tx.TxHash,
		"amount":        tx.Amount.String(),
		"currency":      tx.Currency,
		"address":       tx.ToAddress,
		"confirmations": tx.Confirmations,
		"status":        tx.Status,
	}
	for k, v := range extra {
		fields[k] = v
	}
	if err := e.hooks.Emit(ctx, tx.MerchantID, ev, fields); err != nil {
		e.log.Error("Webhook emit failed", "event", ev, "tx", tx.ID, "err", err)
	}
}
