package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/crabpos/crab/internal/order"
)

func TestTwoDP(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1.005", "1.01"},
		{"1.004", "1.00"},
		{"-1.005", "-1.01"},
		{"3.14159", "3.14"},
	}
	for _, c := range cases {
		got := TwoDP(decimal.RequireFromString(c.in))
		assert.True(t, decimal.RequireFromString(c.want).Equal(got), "TwoDP(%s) = %s, want %s", c.in, got, c.want)
	}
}

func TestEqWithinTolerance(t *testing.T) {
	a := decimal.RequireFromString("10.00")
	b := decimal.RequireFromString("10.004")
	assert.True(t, Eq(a, b))

	c := decimal.RequireFromString("10.01")
	assert.False(t, Eq(a, c))
}

func TestIsSufficient(t *testing.T) {
	total := decimal.RequireFromString("25.00")
	assert.True(t, IsSufficient(decimal.RequireFromString("25.00"), total))
	assert.True(t, IsSufficient(decimal.RequireFromString("24.996"), total))
	assert.False(t, IsSufficient(decimal.RequireFromString("24.00"), total))
}

func TestFromFloatKeepsFourDecimalPrecision(t *testing.T) {
	got := FromFloat(3.14159265)
	assert.Equal(t, "3.1416", got.String())
}

// TestRecalculateTotalsCompedLineDoesNotInflateSubtotal is seed
// scenario S1: two 3.50 items, one comped. A comp zeroes a line out of
// subtotal and discount both; it is not a discount.
func TestRecalculateTotalsCompedLineDoesNotInflateSubtotal(t *testing.T) {
	snap := &order.OrderSnapshot{
		PaidItemQuantities: map[string]int{},
		Items: []order.CartItemSnapshot{
			{InstanceID: "i1", Quantity: 1, OriginalPrice: decimal.RequireFromString("3.50")},
			{InstanceID: "i2", Quantity: 1, OriginalPrice: decimal.RequireFromString("3.50"), IsComped: true},
		},
	}

	RecalculateTotals(snap)

	assert.Equal(t, "3.50", snap.Subtotal.StringFixed(2))
	assert.Equal(t, "0.00", snap.Discount.StringFixed(2))
	assert.Equal(t, "3.50", snap.Total.StringFixed(2))
}
