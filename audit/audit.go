// Package audit defines the append-only audit trail written on every state
// transition the gateway performs. Entries are immutable; there is no update
// or delete path anywhere in the codebase.
package audit

import (
	"context"
	"time"
)

// Action identifies what happened. The set is closed; new actions are a
// schema-reviewed change, not a free-form string.
type Action string

const (
	ActionAddressGenerated    Action = "address-generated"
	ActionAddressExpired      Action = "address-expired"
	ActionTransactionCreated  Action = "transaction-created"
	ActionStatusChanged       Action = "transaction-status-changed"
	ActionSettlementExecuted  Action = "settlement-executed"
	ActionColdStorageTransfer Action = "cold-storage-transfer"
	ActionRefundInitiated     Action = "refund-initiated"
	ActionWebhookDelivered    Action = "webhook-delivered"
	ActionWebhookFailed       Action = "webhook-failed"
	ActionSystemError         Action = "system-error"
	ActionAPIKeyUsed          Action = "api-key-used"
)

// Entity kinds referenced by entries.
const (
	EntityAddress     = "payment_address"
	EntityTransaction = "transaction"
	EntityEndpoint    = "webhook_endpoint"
	EntityAPIKey      = "api_key"
	EntitySystem      = "system"
)

// Entry is one audit record.
type Entry struct {
	ID         int64     `db:"id"`
	Action     Action    `db:"action"`
	EntityKind string    `db:"entity_kind"`
	EntityID   string    `db:"entity_id"`
	PrevState  string    `db:"prev_state"`
	NewState   string    `db:"new_state"`
	Actor      string    `db:"actor"`
	Detail     string    `db:"detail"`
	CreatedAt  time.Time `db:"created_at"`
}

// Log records entries. The store implements it; status-changing writes embed
// the entry in the same database transaction as the state change.
type Log interface {
	Record(ctx context.Context, e Entry) error
}

// SystemError builds the entry used when a handler hits a configuration or
// contract violation the operator must reconcile.
func SystemError(component string, err error) Entry {
	return Entry{
		Action:     ActionSystemError,
		EntityKind: EntitySystem,
		EntityID:   component,
		Actor:      component,
		Detail:     err.Error(),
	}
}
