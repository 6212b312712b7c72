package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stablepay/bpgw/audit"
	"github.com/stablepay/bpgw/gateway"
)

const txColumns = `
	id, tx_hash, kind, status, currency, amount, fee_amount,
	from_address, to_address, confirmations, block_number, block_hash,
	block_time, reorg_count, payment_address_id, merchant_id,
	settlement_tx_hash, metadata, created_at, updated_at`

const txInsert = `
	INSERT INTO transactions
		(id, tx_hash, kind, status, currency, amount, fee_amount,
		 from_address, to_address, confirmations, block_number, block_hash,
		 block_time, reorg_count, payment_address_id, merchant_id,
		 settlement_tx_hash, metadata, created_at, updated_at)
	VALUES
		(:id, :tx_hash, :kind, :status, :currency, :amount, :fee_amount,
		 :from_address, :to_address, :confirmations, :block_number, :block_hash,
		 :block_time, :reorg_count, :payment_address_id, :merchant_id,
		 :settlement_tx_hash, :metadata, :created_at, :updated_at)`

// InsertTransaction persists a transaction the gateway originates (refunds,
// sweeps, cold-storage transfers) with its creation audit entry. Duplicate
// hashes map to gateway.ErrDuplicateTx.
func (s *Store) InsertTransaction(ctx context.Context, t *gateway.Transaction) error {
	action := audit.ActionTransactionCreated
	if t.Kind == gateway.TxRefund {
		action = audit.ActionRefundInitiated
	}
	return s.call(ctx, "insertTransaction", func(ctx context.Context) error {
		err := s.withTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.NamedExecContext(ctx, txInsert, t); err != nil {
				return err
			}
			return auditInTx(ctx, tx, audit.Entry{
				Action:     action,
				EntityKind: audit.EntityTransaction,
				EntityID:   t.ID,
				NewState:   string(t.Status),
				Actor:      string(t.Kind),
			})
		})
		if isUnique(err) {
			return fmt.Errorf("tx %s: %w", t.TxHash, gateway.ErrDuplicateTx)
		}
		return err
	})
}

// RecordObservedPayment runs the persistence half of the observation
// algorithm in one transaction: insert the payment row, flip its address from
// active to used, and append both audit entries. A duplicate hash returns
// gateway.ErrDuplicateTx with nothing written, making redelivered transfer
// events no-ops.
func (s *Store) RecordObservedPayment(ctx context.Context, t *gateway.Transaction) error {
	return s.call(ctx, "recordObservedPayment", func(ctx context.Context) error {
		err := s.withTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.NamedExecContext(ctx, txInsert, t); err != nil {
				return err
			}
			if err := auditInTx(ctx, tx, audit.Entry{
				Action:     audit.ActionTransactionCreated,
				EntityKind: audit.EntityTransaction,
				EntityID:   t.ID,
				NewState:   string(t.Status),
				Actor:      "observer",
				Detail:     t.TxHash,
			}); err != nil {
				return err
			}
			if t.PaymentAddressID == "" {
				return nil
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE payment_addresses
				SET status = 'used', updated_at = now()
				WHERE id = $1 AND status = 'active'`, t.PaymentAddressID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				// Already used or expired; the caller decided how to treat
				// the payment before recording it.
				return nil
			}
			return auditInTx(ctx, tx, audit.Entry{
				Action:     audit.ActionStatusChanged,
				EntityKind: audit.EntityAddress,
				EntityID:   t.PaymentAddressID,
				PrevState:  string(gateway.AddressActive),
				NewState:   string(gateway.AddressUsed),
				Actor:      "observer",
			})
		})
		if isUnique(err) {
			return fmt.Errorf("tx %s: %w", t.TxHash, gateway.ErrDuplicateTx)
		}
		return err
	})
}

// UpdateTransactionStatus is the compare-and-set at the heart of the state
// machine. It re-reads the row under a row lock, verifies the status still
// equals from, validates the edge, applies mutate, writes the row and appends
// the transaction-status-changed audit entry, all in one transaction.
//
// A row whose status moved on returns gateway.ErrStaleStatus; the handler
// re-enqueues and resolves against the fresh state.
func (s *Store) UpdateTransactionStatus(ctx context.Context, id string, from, to gateway.TxStatus, actor string, mutate func(*gateway.Transaction)) (*gateway.Transaction, error) {
	var out gateway.Transaction
	err := s.call(ctx, "updateTransactionStatus", func(ctx context.Context) error {
		return s.withTx(ctx, func(tx *sqlx.Tx) error {
			if err := tx.GetContext(ctx, &out, `
				SELECT `+txColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("transaction %s: %w", id, gateway.ErrNotFound)
				}
				return err
			}
			if out.Status != from {
				return fmt.Errorf("transaction %s is %s, expected %s: %w",
					id, out.Status, from, gateway.ErrStaleStatus)
			}
			if err := gateway.Transition(out.Kind, from, to); err != nil {
				return err
			}
			out.Status = to
			out.UpdatedAt = time.Now().UTC()
			if mutate != nil {
				mutate(&out)
			}
			res, err := tx.NamedExecContext(ctx, `
				UPDATE transactions SET
					tx_hash = :tx_hash, status = :status, confirmations = :confirmations,
					block_number = :block_number, block_hash = :block_hash,
					block_time = :block_time, reorg_count = :reorg_count,
					fee_amount = :fee_amount, settlement_tx_hash = :settlement_tx_hash,
					metadata = :metadata, updated_at = :updated_at
				WHERE id = :id AND status = :prev_status`,
				map[string]interface{}{
					"id":                 out.ID,
					"tx_hash":            out.TxHash,
					"status":             out.Status,
					"confirmations":      out.Confirmations,
					"block_number":       out.BlockNumber,
					"block_hash":         out.BlockHash,
					"block_time":         out.BlockTime,
					"reorg_count":        out.ReorgCount,
					"fee_amount":         out.Fee,
					"settlement_tx_hash": out.SettlementTxHash,
					"metadata":           out.Metadata,
					"updated_at":         out.UpdatedAt,
					"prev_status":        from,
				})
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("transaction %s: %w", id, gateway.ErrStaleStatus)
			}
			return auditInTx(ctx, tx, audit.Entry{
				Action:     audit.ActionStatusChanged,
				EntityKind: audit.EntityTransaction,
				EntityID:   id,
				PrevState:  string(from),
				NewState:   string(to),
				Actor:      actor,
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateConfirmations bumps the confirmation counter without a status change.
// Counters only move forward; a lagging endpoint's answer is ignored.
func (s *Store) UpdateConfirmations(ctx context.Context, id string, confs uint64) error {
	return s.call(ctx, "updateConfirmations", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE transactions SET confirmations = $2, updated_at = now()
			WHERE id = $1 AND confirmations < $2`, id, confs)
		return err
	})
}

// TransactionByID loads one transaction.
func (s *Store) TransactionByID(ctx context.Context, id string) (*gateway.Transaction, error) {
	var t gateway.Transaction
	err := s.call(ctx, "transactionByID", func(ctx context.Context) error {
		err := s.db.GetContext(ctx, &t, `
			SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("transaction %s: %w", id, gateway.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TransactionByHash resolves an on-chain hash to its row.
func (s *Store) TransactionByHash(ctx context.Context, hash string) (*gateway.Transaction, error) {
	var t gateway.Transaction
	err := s.call(ctx, "transactionByHash", func(ctx context.Context) error {
		err := s.db.GetContext(ctx, &t, `
			SELECT `+txColumns+` FROM transactions WHERE tx_hash = $1`, hash)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("tx %s: %w", hash, gateway.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ConfirmedUnsettled returns confirmed payments that have not been swept,
// ordered by merchant so the settlement engine can batch per merchant.
func (s *Store) ConfirmedUnsettled(ctx context.Context) ([]gateway.Transaction, error) {
	var out []gateway.Transaction
	err := s.call(ctx, "confirmedUnsettled", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &out, `
			SELECT `+txColumns+` FROM transactions
			WHERE kind = 'payment' AND status = 'confirmed' AND settlement_tx_hash = ''
			ORDER BY merchant_id, created_at`)
	})
	return out, err
}

// StaleOpenPayments returns non-terminal payments whose last update is older
// than the given age. The confirmation engine rescans these on a timer so
// progress survives lost queue messages and broker outages.
func (s *Store) StaleOpenPayments(ctx context.Context, age time.Duration, limit int) ([]gateway.Transaction, error) {
	if limit <= 0 {
		limit = 200
	}
	var out []gateway.Transaction
	err := s.call(ctx, "staleOpenPayments", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &out, `
			SELECT `+txColumns+` FROM transactions
			WHERE kind = 'payment' AND status IN ('pending', 'confirming')
			  AND updated_at < $1
			ORDER BY updated_at LIMIT $2`, time.Now().Add(-age), limit)
	})
	return out, err
}

// HasOpenRefund reports whether a non-terminal refund references the payment
// address. The settlement sweep defers such addresses so a queued refund is
// not drained from under it.
func (s *Store) HasOpenRefund(ctx context.Context, addressID string) (bool, error) {
	var open bool
	err := s.call(ctx, "hasOpenRefund", func(ctx context.Context) error {
		return s.db.GetContext(ctx, &open, `
			SELECT EXISTS (
				SELECT 1 FROM transactions
				WHERE kind = 'refund' AND payment_address_id = $1
				  AND status NOT IN ('completed', 'failed', 'expired')
			)`, addressID)
	})
	return open, err
}

// TxFilter narrows ListTransactions. Zero values match everything.
type TxFilter struct {
	MerchantID string
	Kind       gateway.TxKind
	Status     gateway.TxStatus
	Limit      int
	Offset     int
}

// ListTransactions serves the read surface of the REST collaborator.
func (s *Store) ListTransactions(ctx context.Context, f TxFilter) ([]gateway.Transaction, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	var out []gateway.Transaction
	err := s.call(ctx, "listTransactions", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &out, `
			SELECT `+txColumns+` FROM transactions
			WHERE ($1 = '' OR merchant_id = $1)
			  AND ($2 = '' OR kind = $2)
			  AND ($3 = '' OR status = $3)
			ORDER BY created_at DESC
			LIMIT $4 OFFSET $5`,
			f.MerchantID, string(f.Kind), string(f.Status), f.Limit, f.Offset)
	})
	return out, err
}
