package gateway

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// FromTokenUnits converts an on-chain integer amount into a decimal using the
// token's precision, e.g. 1500000000000000000 with 18 decimals becomes 1.5.
func FromTokenUnits(units *big.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(units, -int32(decimals))
}

// ToTokenUnits converts a decimal amount into on-chain integer units.
// Precision beyond the token's decimals is truncated toward zero.
func ToTokenUnits(amount decimal.Decimal, decimals uint8) *big.Int {
	return amount.Shift(int32(decimals)).Truncate(0).BigInt()
}

// AmountVerdict classifies a received amount against the expected one.
type AmountVerdict int

const (
	// AmountAccepted: exact, within the underpayment tolerance, or within
	// the overpayment tolerance. The payment confirms for its full amount.
	AmountAccepted AmountVerdict = iota

	// AmountUnderpaid: below the underpayment tolerance. Terminal.
	AmountUnderpaid

	// AmountOverpaid: above the overpayment tolerance. The payment confirms
	// and the excess over the expected amount is refunded.
	AmountOverpaid
)

func (v AmountVerdict) String() string {
	switch v {
	case AmountAccepted:
		return "accepted"
	case AmountUnderpaid:
		return "underpaid"
	case AmountOverpaid:
		return "overpaid"
	default:
		return "unknown"
	}
}

// ClassifyAmount applies the tolerance policy. Tolerances are percentages
// (e.g. 1.0 permits a 1% shortfall). Amounts exactly on a tolerance boundary
// are accepted; one token unit beyond trips the verdict. For AmountOverpaid
// the returned excess is actual - expected, the portion to refund.
func ClassifyAmount(expected, actual decimal.Decimal, underPct, overPct float64) (AmountVerdict, decimal.Decimal) {
	if expected.IsZero() {
		// No expectation recorded (hot-wallet deposits, manual flows):
		// any amount is acceptable.
		return AmountAccepted, decimal.Zero
	}

	hundred := decimal.New(100, 0)
	floor := expected.Mul(hundred.Sub(decimal.NewFromFloat(underPct))).Div(hundred)
	ceil := expected.Mul(hundred.Add(decimal.NewFromFloat(overPct))).Div(hundred)

	switch {
	case actual.Cmp(floor) < 0:
		return AmountUnderpaid, decimal.Zero
	case actual.Cmp(ceil) > 0:
		return AmountOverpaid, actual.Sub(expected)
	default:
		return AmountAccepted, decimal.Zero
	}
}
