// Package refund returns token to payers: the excess of an overpayment, the
// full amount of a payment that landed after its address expired, and
// operator-initiated refunds over the REST surface.
//
// A refund is funded by the payment address that received the original
// transfer; the settlement sweep defers addresses with an open refund, so the
// balance stays put until the refund broadcasts. The refund.process consumer
// drives each refund through broadcast and confirmation with the same
// compare-and-set state machine payments use.
package refund

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
	"github.com/shopspring/decimal"

	"github.com/stablepay/bpgw/config"
	"github.com/stablepay/bpgw/gateway"
	"github.com/stablepay/bpgw/queue"
)

var (
	initiatedMeter = metrics.NewRegisteredMeter("gateway/refund/initiated", nil)
	completedMeter = metrics.NewRegisteredMeter("gateway/refund/completed", nil)
	failedMeter    = metrics.NewRegisteredMeter("gateway/refund/failed", nil)
)

// pollDelay paces confirmation checks on a broadcast refund.
const pollDelay = time.Minute

// Store is the persistence surface the engine needs.
type Store interface {
	AddressByID(ctx context.Context, id string) (*gateway.PaymentAddress, error)
	TransactionByID(ctx context.Context, id string) (*gateway.Transaction, error)
	InsertTransaction(ctx context.Context, t *gateway.Transaction) error
	UpdateTransactionStatus(ctx context.Context, id string, from, to gateway.TxStatus, actor string, mutate func(*gateway.Transaction)) (*gateway.Transaction, error)
	UpdateConfirmations(ctx context.Context, id string, confs uint64) error
}

// Chain is the slice of the chain client used for broadcasting and watching.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TokenBalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
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

// ProcessTask is the refund.process message body.
type ProcessTask struct {
	RefundID string `json:"refundId"`
}

// Engine creates, broadcasts and confirms refunds.
type Engine struct {
	store Store
	chain Chain
	keys  Keys
	pub   Publisher
	hooks Webhooks

	confirmations uint64
	log           log.Logger
	now           func() time.Time
}

// New wires the engine.
func New(st Store, ch Chain, keys Keys, pub Publisher, hooks Webhooks, cfg *config.Config, lg log.Logger) *Engine {
	return &Engine{
		store:         st,
		chain:         ch,
		keys:          keys,
		pub:           pub,
		hooks:         hooks,
		confirmations: cfg.Chain.Confirmations,
		log:           lg,
		now:           time.Now,
	}
}

// InitiateOverpayment refunds the excess over the expected amount back to the
// payer. The payment itself still confirms and settles at full expected value.
func (e *Engine) InitiateOverpayment(ctx context.Context, payment *gateway.Transaction, excess decimal.Decimal) error {
	_, err := e.initiate(ctx, payment, excess, payment.FromAddress, "overpayment", "confirm")
	return err
}

// InitiateExpired refunds the full amount of a payment that arrived after its
// address expired. The merchant is never credited.
func (e *Engine) InitiateExpired(ctx context.Context, addr *gateway.PaymentAddress, payment *gateway.Transaction) error {
	_, err := e.initiate(ctx, payment, payment.Amount, payment.FromAddress, "expired address", "observer")
	return err
}

// InitiateManual creates an operator refund against a finished payment. A zero
// amount refunds the full payment; an empty destination returns funds to the
// original sender.
func (e *Engine) InitiateManual(ctx context.Context, paymentID string, amount decimal.Decimal, to, reason, actor string) (*gateway.Transaction, error) {
	payment, err := e.store.TransactionByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Kind != gateway.TxPayment {
		return nil, fmt.Errorf("transaction %s is a %s, not a payment", paymentID, payment.Kind)
	}
	switch payment.Status {
	case gateway.StatusConfirmed, gateway.StatusSettled, gateway.StatusUnderpaid, gateway.StatusCompleted:
	default:
		return nil, fmt.Errorf("payment %s is %s and cannot be refunded", paymentID, payment.Status)
	}
	if amount.IsZero() {
		amount = payment.Amount
	}
	if amount.IsNegative() || amount.GreaterThan(payment.Amount) {
		return nil, fmt.Errorf("refund amount %s outside (0, %s]", amount, payment.Amount)
	}
	if to == "" {
		to = payment.FromAddress
	}
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("invalid refund destination %q", to)
	}
	if reason == "" {
		reason = "manual"
	}
	return e.initiate(ctx, payment, amount, to, reason, actor)
}

func (e *Engine) initiate(ctx context.Context, payment *gateway.Transaction, amount decimal.Decimal, to, reason, actor string) (*gateway.Transaction, error) {
	now := e.now().UTC()
	refund := &gateway.Transaction{
		ID:       uuid.NewString(),
		Kind:     gateway.TxRefund,
		Status:   gateway.StatusPending,
		Currency: payment.Currency,
		Amount:   amount,

		FromAddress: payment.ToAddress,
		ToAddress:   common.HexToAddress(to).Hex(),

		PaymentAddressID: payment.PaymentAddressID,
		MerchantID:       payment.MerchantID,
		Metadata: gateway.Metadata{
			"reason":    reason,
			"paymentId": payment.ID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.InsertTransaction(ctx, refund); err != nil {
		return nil, err
	}
	initiatedMeter.Mark(1)
	e.log.Info("Refund initiated", "refund", refund.ID, "payment", payment.ID,
		"amount", amount, "to", refund.ToAddress, "reason", reason, "actor", actor)

	e.emit(ctx, refund, gateway.EventRefundInitiated, map[string]interface{}{"reason": reason})
	return refund, e.enqueue(ctx, refund.ID, 0)
}

// HandleProcess is the refund.process consumer. Each delivery moves the refund
// one step: pending refunds broadcast, broadcast refunds are checked for
// confirmations, and the task re-enqueues itself until the refund is terminal.
func (e *Engine) HandleProcess(ctx context.Context, d queue.Delivery) error {
	var task ProcessTask
	if err := json.Unmarshal(d.Body, &task); err != nil {
		return gateway.Permanent(fmt.Errorf("malformed refund task: %w", err))
	}
	refund, err := e.store.TransactionByID(ctx, task.RefundID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return gateway.Permanent(err)
		}
		return err
	}
	if refund.Kind != gateway.TxRefund {
		return gateway.Permanent(fmt.Errorf("transaction %s is a %s, not a refund", refund.ID, refund.Kind))
	}
	if refund.Terminal() {
		return nil
	}
	if refund.TxHash == "" {
		return e.broadcast(ctx, refund)
	}
	return e.monitor(ctx, refund)
}

// broadcast signs and sends the token transfer from the funding payment
// address. An address whose balance has not caught up yet (the payment may
// still be a few confirmations out) is retried by the queue.
func (e *Engine) broadcast(ctx context.Context, refund *gateway.Transaction) error {
	addr, err := e.store.AddressByID(ctx, refund.PaymentAddressID)
	if err != nil {
		return err
	}
	decimals, err := e.chain.TokenDecimals(ctx)
	if err != nil {
		return err
	}
	units := gateway.ToTokenUnits(refund.Amount, decimals)

	balance, err := e.chain.TokenBalanceOf(ctx, addr.Common())
	if err != nil {
		return err
	}
	if balance.Cmp(units) < 0 {
		return gateway.Retriable(fmt.Errorf("address %s holds %s, refund needs %s",
			addr.Address, balance, units))
	}

	key, err := e.keys.PrivateKey(addr)
	if err != nil {
		return err
	}
	hash, err := e.chain.TransferToken(ctx, key, common.HexToAddress(refund.ToAddress),
		units, e.chain.BoostedGasPrice(), e.chain.GasLimit())
	if err != nil {
		return gateway.Retriable(fmt.Errorf("refund %s broadcast: %w", refund.ID, err))
	}

	_, err = e.store.UpdateTransactionStatus(ctx, refund.ID,
		gateway.StatusPending, gateway.StatusConfirming, "refund",
		func(t *gateway.Transaction) { t.TxHash = hash.Hex() })
	if err != nil {
		// The transfer is on chain; losing the CAS here must not rebroadcast.
		e.log.Error("Refund broadcast but status update failed",
			"refund", refund.ID, "tx", hash, "err", err)
		return gateway.Retriable(err)
	}
	e.log.Info("Refund broadcast", "refund", refund.ID, "tx", hash, "amount", refund.Amount)
	return e.enqueue(ctx, refund.ID, pollDelay)
}

func (e *Engine) monitor(ctx context.Context, refund *gateway.Transaction) error {
	receipt, err := e.chain.TransactionReceipt(ctx, common.HexToHash(refund.TxHash))
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			// Still in the mempool, or dropped by a re-org. Keep watching;
			// the nonce protects against double spends either way.
			return e.enqueue(ctx, refund.ID, pollDelay)
		}
		return err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return e.fail(ctx, refund, "transaction reverted")
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
		if err := e.store.UpdateConfirmations(ctx, refund.ID, confs); err != nil {
			return err
		}
		return e.enqueue(ctx, refund.ID, pollDelay)
	}

	updated, err := e.store.UpdateTransactionStatus(ctx, refund.ID,
		gateway.StatusConfirming, gateway.StatusConfirmed, "refund",
		func(t *gateway.Transaction) {
			t.Confirmations = confs
			t.BlockNumber = receipt.BlockNumber.Uint64()
			t.BlockHash = receipt.BlockHash.Hex()
		})
	if err != nil {
		return gateway.Retriable(err)
	}
	updated, err = e.store.UpdateTransactionStatus(ctx, refund.ID,
		gateway.StatusConfirmed, gateway.StatusCompleted, "refund", nil)
	if err != nil {
		return gateway.Retriable(err)
	}
	completedMeter.Mark(1)
	e.log.Info("Refund completed", "refund", refund.ID, "tx", refund.TxHash)
	e.emit(ctx, updated, gateway.EventRefundCompleted, nil)
	return nil
}

func (e *Engine) fail(ctx context.Context, refund *gateway.Transaction, reason string) error {
	updated, err := e.store.UpdateTransactionStatus(ctx, refund.ID,
		refund.Status, gateway.StatusFailed, "refund", nil)
	if err != nil {
		return gateway.Retriable(err)
	}
	failedMeter.Mark(1)
	e.log.Error("Refund failed", "refund", refund.ID, "tx", refund.TxHash, "reason", reason)
	e.emit(ctx, updated, gateway.EventRefundFailed, map[string]interface{}{"reason": reason})
	return nil
}

func (e *Engine) enqueue(ctx context.Context, refundID string, delay time.Duration) error {
	body, _ := json.Marshal(ProcessTask{RefundID: refundID})
	if delay <= 0 {
		return e.pub.Publish(ctx, queue.RefundProcess, body, queue.PublishOpts{})
	}
	return e.pub.Publish(ctx, queue.Retry(queue.RefundProcess), body, queue.PublishOpts{
		Expiration: delay,
	})
}

func (e *Engine) emit(ctx context.Context, refund *gateway.Transaction, ev gateway.Event, extra map[string]interface{}) {
	fields := map[string]interface{}{
		"refundId":  refund.ID,
		"txHash":    refund.TxHash,
		"amount":    refund.Amount.String(),
		"currency":  refund.Currency,
		"toAddress": refund.ToAddress,
		"status":    refund.Status,
	}
	if id, ok := refund.Metadata["paymentId"]; ok {
		fields["paymentId"] = id
	}
	for k, v := range extra {
		fields[k] = v
	}
	if err := e.hooks.Emit(ctx, refund.MerchantID, ev, fields); err != nil {
		e.log.Error("Webhook emit failed", "event", ev, "refund", refund.ID, "err", err)
	}
}
