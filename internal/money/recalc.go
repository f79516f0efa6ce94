package money

import (
	"github.com/shopspring/decimal"

	"github.com/crabpos/crab/internal/order"
)

// RecalculateTotals derives subtotal/discount/surcharge/tax/total/
// paid_amount and per-item unit_price/line_total/unpaid_quantity from
// the snapshot's current items and payments. It is called
// by every applier that touches items, payments or rules, and resets
// IsPrePayment to false whenever Total changes.
func RecalculateTotals(s *order.OrderSnapshot) {
	previousTotal := s.Total

	subtotal := decimal.Zero
	discount := decimal.Zero
	tax := decimal.Zero

	for i := range s.Items {
		item := &s.Items[i]
		effectivePrice := item.OriginalPrice
		if item.IsComped {
			effectivePrice = decimal.Zero
		} else if activeDiscount := activeDiscountPercent(item); !activeDiscount.IsZero() {
			effectivePrice = item.OriginalPrice.Mul(decimal.NewFromInt(100).Sub(activeDiscount)).Div(decimal.NewFromInt(100)).Round(4)
		}
		item.UnitPrice = TwoDP(effectivePrice)

		qty := decimal.NewFromInt(int64(item.Quantity))
		lineTotal := effectivePrice.Mul(qty)
		lineTax := lineTotal.Mul(item.TaxRate).Round(4)

		item.LineTotal = TwoDP(lineTotal.Add(lineTax))

		// A comp zeroes the line out of both subtotal and discount (a
		// comp is not a discount); only a rule/manual discount on an
		// uncomped line contributes the gap between list and effective
		// price.
		if !item.IsComped {
			lineSubtotal := item.OriginalPrice.Mul(qty)
			subtotal = subtotal.Add(lineSubtotal)
			discount = discount.Add(lineSubtotal.Sub(lineTotal))
		}
		tax = tax.Add(lineTax)

		paidQty := s.PaidItemQuantities[item.InstanceID]
		unpaid := item.Quantity - paidQty
		if unpaid < 0 {
			unpaid = 0
		}
		item.UnpaidQuantity = unpaid
	}

	total := subtotal.Sub(discount).Add(s.Surcharge).Add(tax)

	s.Subtotal = TwoDP(subtotal)
	s.Discount = TwoDP(discount)
	s.Tax = TwoDP(tax)
	s.Total = TwoDP(total)

	paid := decimal.Zero
	for _, p := range s.Payments {
		if !p.Cancelled {
			paid = paid.Add(p.Amount)
		}
	}
	s.PaidAmount = TwoDP(paid)

	if !Eq(previousTotal, s.Total) {
		s.IsPrePayment = false
	}
}

// activeDiscountPercent sums the percent of every non-skipped applied
// rule plus the item's own DiscountPercent. A RuleSkipToggled event
// flips one rule's Skipped flag across every item it was applied to.
func activeDiscountPercent(item *order.CartItemSnapshot) decimal.Decimal {
	total := item.DiscountPercent
	for _, r := range item.AppliedRules {
		if !r.Skipped {
			total = total.Add(r.Percent)
		}
	}
	if total.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.NewFromInt(100)
	}
	return total
}

// SettleCompletionResidue fills any rounding residue into PaidAmount so
// that on OrderCompleted, paid_amount = total exactly.
func SettleCompletionResidue(s *order.OrderSnapshot) {
	if !Eq(s.PaidAmount, s.Total) {
		return
	}
	s.PaidAmount = s.Total
}
