package utils

import (
	"github.com/shopspring/decimal"
)

// CalculateDiscountAmount computes the monetary value of a discount against a
// price. Percentage discounts are expressed as a fraction (0.10 = 10%) and the
// result is rounded half-up to 2 decimal places before it ever reaches a bill
// line, so the charged amount and its discounts always reconcile to the cent.
func CalculateDiscountAmount(price decimal.Decimal, discount decimal.Decimal, discountType string) decimal.Decimal {
	if !discount.GreaterThan(decimal.Zero) {
		return decimal.Zero
	}
	if discountType == "PERCENTAGE" {
		return price.Mul(discount).Round(2)
	}
	// Fixed-amount discount, capped at the price.
	if discount.GreaterThan(price) {
		return price
	}
	return discount.Round(2)
}
