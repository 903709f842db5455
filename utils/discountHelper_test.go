package utils

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestCalculateDiscountAmount(t *testing.T) {
	cases := []struct {
		price        string
		discount     string
		discountType string
		want         string
	}{
		// Percentage is a fraction of the price, rounded to 2 places.
		{"5000", "0.10", "PERCENTAGE", "500"},
		{"199.99", "0.15", "PERCENTAGE", "30"},
		{"33.33", "0.333", "PERCENTAGE", "11.1"},
		// Fixed amounts pass through but never exceed the price.
		{"5000", "750", "AMOUNT", "750"},
		{"100", "750", "AMOUNT", "100"},
		// Non-positive discounts resolve to zero.
		{"5000", "0", "PERCENTAGE", "0"},
		{"5000", "-10", "AMOUNT", "0"},
	}
	for _, tc := range cases {
		got := CalculateDiscountAmount(d(tc.price), d(tc.discount), tc.discountType)
		if !got.Equal(d(tc.want)) {
			t.Fatalf("CalculateDiscountAmount(%s, %s, %s) = %s, want %s",
				tc.price, tc.discount, tc.discountType, got, tc.want)
		}
	}
}

func TestDiscountNeverExceedsPrice(t *testing.T) {
	price := d("42.50")
	for _, discount := range []string{"0.5", "1"} {
		got := CalculateDiscountAmount(price, d(discount), "PERCENTAGE")
		if got.GreaterThan(price) {
			t.Fatalf("percentage %s produced %s over price %s", discount, got, price)
		}
	}
	got := CalculateDiscountAmount(price, d("9999"), "AMOUNT")
	if !got.Equal(price) {
		t.Fatalf("fixed discount must clamp to the price, got %s", got)
	}
}
