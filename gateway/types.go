// Package gateway defines the domain model shared by every component of the
// payment gateway: payment addresses, transactions, webhook endpoints, the
// transaction state machine and the amount-tolerance policy.
//
// The package is intentionally free of I/O. Persistence lives in package
// store, chain access in package chainclient; both operate on these types.
package gateway

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// AddressKind discriminates the two classes of derived addresses.
type AddressKind string

const (
	// AddressMerchantPayment is a single-use deposit address issued to a
	// merchant for one expected payment.
	AddressMerchantPayment AddressKind = "merchant_payment"

	// AddressHotWallet is an operational address that receives settlement
	// sweeps and funds refunds and cold-storage transfers.
	AddressHotWallet AddressKind = "hot_wallet"
)

// AddressStatus is the lifecycle state of a PaymentAddress.
type AddressStatus string

const (
	AddressActive   AddressStatus = "active"
	AddressUsed     AddressStatus = "used"
	AddressExpired  AddressStatus = "expired"
	AddressDisabled AddressStatus = "disabled"
)

// PaymentAddress is a single-use deposit address derived from the HD seed.
// Used addresses are retained forever; rows are never deleted.
type PaymentAddress struct {
	ID        string        `db:"id"`
	Address   string        `db:"address"` // 0x-prefixed, lower case
	HDPath    string        `db:"hd_path"`
	HDIndex   uint32        `db:"hd_index"`
	Encrypted string        `db:"encrypted_key"` // versioned vault blob, see package wallet
	Kind      AddressKind   `db:"kind"`
	Status    AddressStatus `db:"status"`

	MerchantID string          `db:"merchant_id"` // empty for hot wallets
	Currency   string          `db:"currency"`
	Expected   decimal.Decimal `db:"expected_amount"`
	ExpiresAt  *time.Time      `db:"expires_at"`
	Monitored  bool            `db:"monitored"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Common returns the address as a go-ethereum common.Address.
func (a *PaymentAddress) Common() common.Address {
	return common.HexToAddress(a.Address)
}

// Expires reports whether the address has an expiry and it precedes now.
// The boundary instant itself still honours the payment: an address expires
// strictly after expires-at.
func (a *PaymentAddress) Expires(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// TxKind discriminates the on-chain transfers the gateway tracks.
type TxKind string

const (
	TxPayment             TxKind = "payment"
	TxSettlementTransfer  TxKind = "settlement_transfer"
	TxColdStorageTransfer TxKind = "cold_storage_transfer"
	TxRefund              TxKind = "refund"
	TxPayout              TxKind = "payout"
)

// TxStatus is a state of the transaction state machine. Legal transitions are
// defined in status.go; every change is recorded in the audit log inside the
// same database transaction.
type TxStatus string

const (
	StatusPending    TxStatus = "pending"
	StatusConfirming TxStatus = "confirming"
	StatusConfirmed  TxStatus = "confirmed"
	StatusSettled    TxStatus = "settled"
	StatusUnderpaid  TxStatus = "underpaid"
	StatusExpired    TxStatus = "expired"
	StatusFailed     TxStatus = "failed"
	StatusCompleted  TxStatus = "completed"
)

// Metadata is an opaque string map persisted as JSONB alongside a transaction.
type Metadata map[string]string

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported source type %T", src)
	}
	return json.Unmarshal(b, m)
}

// Transaction is a single observed or emitted token transfer tied to the
// gateway. For observed inbound payments TxHash is unique; replaying an
// observation with a known hash is a no-op.
type Transaction struct {
	ID     string   `db:"id"`
	TxHash string   `db:"tx_hash"` // empty until observed or broadcast
	Kind   TxKind   `db:"kind"`
	Status TxStatus `db:"status"`

	Currency string          `db:"currency"`
	Amount   decimal.Decimal `db:"amount"`
	Fee      decimal.Decimal `db:"fee_amount"`

	FromAddress string `db:"from_address"`
	ToAddress   string `db:"to_address"`

	Confirmations uint64     `db:"confirmations"`
	BlockNumber   uint64     `db:"block_number"` // 0 = not yet included
	BlockHash     string     `db:"block_hash"`
	BlockTime     *time.Time `db:"block_time"`
	ReorgCount    int        `db:"reorg_count"`

	PaymentAddressID string   `db:"payment_address_id"` // empty for hot-wallet originated kinds
	MerchantID       string   `db:"merchant_id"`
	SettlementTxHash string   `db:"settlement_tx_hash"` // set iff Status == StatusSettled
	Metadata         Metadata `db:"metadata"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Terminal reports whether the transaction can no longer change state.
func (t *Transaction) Terminal() bool {
	switch t.Status {
	case StatusSettled, StatusUnderpaid, StatusExpired, StatusFailed, StatusCompleted:
		return true
	}
	return false
}

// EndpointStatus is the delivery state of a webhook endpoint.
type EndpointStatus string

const (
	EndpointActive   EndpointStatus = "active"
	EndpointFailed   EndpointStatus = "failed"
	EndpointDisabled EndpointStatus = "disabled"
)

// EventList is a persisted set of subscribed webhook events.
type EventList []Event

// Value implements driver.Valuer.
func (l EventList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *EventList) Scan(src interface{}) error {
	if src == nil {
		*l = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("event list: unsupported source type %T", src)
	}
	return json.Unmarshal(b, l)
}

// Contains reports whether the list subscribes to ev. An empty list
// subscribes to everything.
func (l EventList) Contains(ev Event) bool {
	if len(l) == 0 {
		return true
	}
	for _, e := range l {
		if e == ev {
			return true
		}
	}
	return false
}

// WebhookEndpoint is a per-merchant delivery target. After MaxRetries
// consecutive failures the endpoint flips to EndpointFailed and stops
// receiving deliveries until re-enabled.
type WebhookEndpoint struct {
	ID         string         `db:"id"`
	MerchantID string         `db:"merchant_id"`
	URL        string         `db:"url"`
	Events     EventList      `db:"events"`
	Secret     string         `db:"secret"`
	Status     EndpointStatus `db:"status"`

	FailureCount int    `db:"failure_count"`
	LastError    string `db:"last_error"`
	MaxRetries   int    `db:"max_retries"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Merchant is the identity owning payment intents. The gateway consumes it
// read-only; management lives with an external collaborator.
type Merchant struct {
	ID          string          `db:"id"`
	FeePct      decimal.Decimal `db:"fee_pct"`
	ColdAddress string          `db:"cold_address"` // optional per-merchant override
	Status      string          `db:"status"`
	CreatedAt   time.Time       `db:"created_at"`
}

// APIKey authenticates a merchant on the REST surface. SecretHash is a bcrypt
// digest used for verification when a key is presented whole; SecretBlob is
// the vault-encrypted secret used to check request signatures.
type APIKey struct {
	ID         string     `db:"id"`
	MerchantID string     `db:"merchant_id"`
	SecretHash string     `db:"secret_hash"`
	SecretBlob string     `db:"secret_blob"`
	Status     string     `db:"status"`
	LastUsedAt *time.Time `db:"last_used_at"`
	CreatedAt  time.Time  `db:"created_at"`
}
