package gateway

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestTokenUnitConversion(t *testing.T) {
	units, ok := new(big.Int).SetString("1500000000000000000", 10)
	require.True(t, ok)

	d := FromTokenUnits(units, 18)
	require.True(t, d.Equal(dec("1.5")), "got %s", d)

	back := ToTokenUnits(d, 18)
	require.Equal(t, 0, units.Cmp(back))

	// Sub-unit precision truncates toward zero.
	require.Equal(t, "1025", ToTokenUnits(dec("10.259"), 2).String())
}

func TestClassifyAmountBoundaries(t *testing.T) {
	expected := dec("100")

	tests := []struct {
		name    string
		actual  string
		verdict AmountVerdict
		excess  string
	}{
		{"exact", "100", AmountAccepted, "0"},
		{"under boundary accepted", "99", AmountAccepted, "0"},
		{"one unit below boundary", "98.999999999999999999", AmountUnderpaid, "0"},
		{"over boundary accepted", "102", AmountAccepted, "0"},
		{"one unit above boundary", "102.000000000000000001", AmountOverpaid, "2.000000000000000001"},
		{"gross overpayment", "150", AmountOverpaid, "50"},
		{"within under tolerance", "99.5", AmountAccepted, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, excess := ClassifyAmount(expected, dec(tt.actual), 1.0, 2.0)
			require.Equal(t, tt.verdict, verdict)
			require.True(t, excess.Equal(dec(tt.excess)), "excess %s", excess)
		})
	}
}

func TestClassifyAmountNoExpectation(t *testing.T) {
	verdict, excess := ClassifyAmount(decimal.Zero, dec("42"), 1.0, 2.0)
	require.Equal(t, AmountAccepted, verdict)
	require.True(t, excess.IsZero())
}

func TestClassifyAmountZeroTolerances(t *testing.T) {
	verdict, _ := ClassifyAmount(dec("100"), dec("100"), 0, 0)
	require.Equal(t, AmountAccepted, verdict)

	verdict, _ = ClassifyAmount(dec("100"), dec("99.999999"), 0, 0)
	require.Equal(t, AmountUnderpaid, verdict)

	verdict, excess := ClassifyAmount(dec("100"), dec("100.000001"), 0, 0)
	require.Equal(t, AmountOverpaid, verdict)
	require.True(t, excess.Equal(dec("0.000001")))
}
