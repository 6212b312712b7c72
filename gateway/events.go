package gateway

// Event names the webhook notifications emitted by the gateway. The values
// are part of the outbound wire format and must not change.
type Event string

const (
	EventPaymentReceived  Event = "payment-received"
	EventPaymentConfirmed Event = "payment-confirmed"
	EventPaymentCompleted Event = "payment-completed"
	EventPaymentUnderpaid Event = "payment-underpaid"
	EventPaymentFailed    Event = "payment-failed"

	EventAddressCreated Event = "address-created"
	EventAddressExpired Event = "address-expired"

	EventTransactionSettled  Event = "transaction-settled"
	EventSettlementCompleted Event = "settlement-completed"

	EventRefundInitiated Event = "refund-initiated"
	EventRefundCompleted Event = "refund-completed"
	EventRefundFailed    Event = "refund-failed"

	EventPayoutProcessing Event = "payout-processing"
	EventPayoutCompleted  Event = "payout-completed"
	EventPayoutFailed     Event = "payout-failed"
)

// Critical reports whether deliveries of this event publish with high
// priority so they overtake routine notifications when the queue backs up.
func (e Event) Critical() bool {
	switch e {
	case EventPaymentReceived, EventPaymentConfirmed, EventPaymentCompleted,
		EventPayoutCompleted, EventPayoutFailed,
		EventRefundCompleted, EventRefundFailed,
		EventSettlementCompleted:
		return true
	}
	return false
}
