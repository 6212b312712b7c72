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

// InsertAddress persists a freshly derived address together with its
// address-generated audit entry. Collisions on the address or derivation path
// map to gateway.ErrAddressExists so the issuer can retry with the next index.
func (s *Store) InsertAddress(ctx context.Context, a *gateway.PaymentAddress) error {
	return s.call(ctx, "insertAddress", func(ctx context.Context) error {
		err := s.withTx(ctx, func(tx *sqlx.Tx) error {
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO payment_addresses
					(id, address, hd_path, hd_index, encrypted_key, kind, status,
					 merchant_id, currency, expected_amount, expires_at, monitored,
					 created_at, updated_at)
				VALUES
					(:id, :address, :hd_path, :hd_index, :encrypted_key, :kind, :status,
					 :merchant_id, :currency, :expected_amount, :expires_at, :monitored,
					 :created_at, :updated_at)`, a)
			if err != nil {
				return err
			}
			return auditInTx(ctx, tx, audit.Entry{
				Action:     audit.ActionAddressGenerated,
				EntityKind: audit.EntityAddress,
				EntityID:   a.ID,
				NewState:   string(a.Status),
				Actor:      "wallet",
				Detail:     a.HDPath,
			})
		})
		if isUnique(err) {
			return fmt.Errorf("address %s: %w", a.Address, gateway.ErrAddressExists)
		}
		return err
	})
}

// MaxAddressIndex returns the highest derivation index issued for the kind.
// The second result is false when no address of the kind exists yet.
func (s *Store) MaxAddressIndex(ctx context.Context, kind gateway.AddressKind) (uint32, bool, error) {
	var idx uint32
	found := true
	err := s.call(ctx, "maxAddressIndex", func(ctx context.Context) error {
		err := s.db.GetContext(ctx, &idx, `
			SELECT hd_index FROM payment_addresses
			WHERE kind = $1 ORDER BY hd_index DESC LIMIT 1`, kind)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		return err
	})
	return idx, found, err
}

// AddressByID loads one address row.
func (s *Store) AddressByID(ctx context.Context, id string) (*gateway.PaymentAddress, error) {
	var a gateway.PaymentAddress
	err := s.call(ctx, "addressByID", func(ctx context.Context) error {
		err := s.db.GetContext(ctx, &a, `SELECT * FROM payment_addresses WHERE id = $1`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("address %s: %w", id, gateway.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// AddressByAddr resolves an on-chain address string (case-insensitive) to its
// row. Unknown recipients map to gateway.ErrUnknownAddress.
func (s *Store) AddressByAddr(ctx context.Context, addr string) (*gateway.PaymentAddress, error) {
	var a gateway.PaymentAddress
	err := s.call(ctx, "addressByAddr", func(ctx context.Context) error {
		err := s.db.GetContext(ctx, &a, `
			SELECT * FROM payment_addresses WHERE lower(address) = lower($1)`, addr)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("address %s: %w", addr, gateway.ErrUnknownAddress)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// MonitoredAddresses returns the addresses the observer must watch: every
// active monitored address plus addresses expired within the grace window,
// kept matched so late payments can be refunded instead of lost.
func (s *Store) MonitoredAddresses(ctx context.Context, expiredGrace time.Duration) ([]gateway.PaymentAddress, error) {
	var out []gateway.PaymentAddress
	err := s.call(ctx, "monitoredAddresses", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &out, `
			SELECT * FROM payment_addresses
			WHERE monitored AND (
				status = 'active'
				OR (status IN ('used', 'expired') AND updated_at > $1)
			)`, time.Now().Add(-expiredGrace))
	})
	return out, err
}

// ActiveHotWallet returns the newest active hot wallet for the currency, or
// gateway.ErrNotFound when none has been provisioned.
func (s *Store) ActiveHotWallet(ctx context.Context, currency string) (*gateway.PaymentAddress, error) {
	var a gateway.PaymentAddress
	err := s.call(ctx, "activeHotWallet", func(ctx context.Context) error {
		err := s.db.GetContext(ctx, &a, `
			SELECT * FROM payment_addresses
			WHERE kind = $1 AND status = 'active' AND currency = $2
			ORDER BY hd_index DESC LIMIT 1`, gateway.AddressHotWallet, currency)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("hot wallet %s: %w", currency, gateway.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// HotWallets returns every active hot wallet, for the cold-storage scan.
func (s *Store) HotWallets(ctx context.Context) ([]gateway.PaymentAddress, error) {
	var out []gateway.PaymentAddress
	err := s.call(ctx, "hotWallets", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &out, `
			SELECT * FROM payment_addresses
			WHERE kind = $1 AND status = 'active'`, gateway.AddressHotWallet)
	})
	return out, err
}

// ExpireAddresses flips every overdue active merchant-payment address to
// expired and returns the flipped rows. Each flip appends an address-expired
// audit entry in the same transaction.
func (s *Store) ExpireAddresses(ctx context.Context, now time.Time) ([]gateway.PaymentAddress, error) {
	var out []gateway.PaymentAddress
	err := s.call(ctx, "expireAddresses", func(ctx context.Context) error {
		return s.withTx(ctx, func(tx *sqlx.Tx) error {
			if err := tx.SelectContext(ctx, &out, `
				UPDATE payment_addresses
				SET status = 'expired', updated_at = now()
				WHERE kind = $1 AND status = 'active' AND expires_at < $2
				RETURNING *`, gateway.AddressMerchantPayment, now); err != nil {
				return err
			}
			for i := range out {
				if err := auditInTx(ctx, tx, audit.Entry{
					Action:     audit.ActionAddressExpired,
					EntityKind: audit.EntityAddress,
					EntityID:   out[i].ID,
					PrevState:  string(gateway.AddressActive),
					NewState:   string(gateway.AddressExpired),
					Actor:      "observer",
				}); err != nil {
					return err
				}
			}
			return nil
		})
	})
	return out, err
}
