package gateway

import "fmt"

// ErrTransition is returned when a requested status change is not an edge of
// the transaction state machine.
type ErrTransition struct {
	Kind TxKind
	From TxStatus
	To   TxStatus
}

func (e *ErrTransition) Error() string {
	return fmt.Sprintf("illegal %s transition %s -> %s", e.Kind, e.From, e.To)
}

// ValidInitial reports whether a transaction of the given kind may be created
// directly in the given status. Observed payments enter in confirming (they
// are only recorded once mined); a late payment to an expired address is
// recorded terminally expired. Transfers the gateway broadcasts itself start
// in pending.
func ValidInitial(kind TxKind, status TxStatus) bool {
	switch kind {
	case TxPayment:
		return status == StatusConfirming || status == StatusExpired
	case TxSettlementTransfer, TxColdStorageTransfer, TxRefund, TxPayout:
		return status == StatusPending || status == StatusConfirming
	}
	return false
}

// ValidTransition reports whether from -> to is a legal edge for the given
// transaction kind.
//
// The only retrograde edge is confirming -> pending, taken when the including
// block is re-orged away. Callers enforce the single-retry budget via
// Transaction.ReorgCount; a second disappearance fails the transaction.
func ValidTransition(kind TxKind, from, to TxStatus) bool {
	switch from {
	case StatusPending:
		switch to {
		case StatusConfirming:
			return true
		case StatusFailed:
			return true
		case StatusExpired:
			// A pending refund or payout may be abandoned when its source
			// address is drained elsewhere. Payments never sit in pending.
			return kind != TxPayment
		}

	case StatusConfirming:
		switch to {
		case StatusConfirmed:
			return true
		case StatusPending:
			return true // re-org retrograde
		case StatusFailed:
			return true
		case StatusUnderpaid:
			return kind == TxPayment
		}

	case StatusConfirmed:
		switch to {
		case StatusSettled:
			return kind == TxPayment
		case StatusCompleted:
			return kind != TxPayment
		}
	}
	return false
}

// Transition validates an edge, returning *ErrTransition if it is illegal.
func Transition(kind TxKind, from, to TxStatus) error {
	if !ValidTransition(kind, from, to) {
		return &ErrTransition{Kind: kind, From: from, To: to}
	}
	return nil
}

// SettledStatus returns the terminal success status for a kind: payments
// settle, everything else completes.
func SettledStatus(kind TxKind) TxStatus {
	if kind == TxPayment {
		return StatusSettled
	}
	return StatusCompleted
}
