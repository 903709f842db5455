package utils

import (
	"encoding/json"
	"testing"
)

func TestParseDecimal_AcceptsFormattedStrings(t *testing.T) {
	cases := []struct {
		in       string
		expected string
	}{
		{"5000", "5000"},
		{"5,000", "5000"},
		{"MMK 5,000", "5000"},
		{"MMK -5,000", "-5000"},
		{"  ks 1,234.50  ", "1234.5"},
	}
	for _, tc := range cases {
		d, err := ParseDecimal(tc.in)
		if err != nil {
			t.Fatalf("ParseDecimal(%q) error: %v", tc.in, err)
		}
		if d.String() != tc.expected {
			t.Fatalf("ParseDecimal(%q) expected %s, got %s", tc.in, tc.expected, d.String())
		}
	}
}

func TestParseDecimal_AcceptsJSONNumbers(t *testing.T) {
	d, err := ParseDecimal(json.Number("1234.50"))
	if err != nil {
		t.Fatalf("ParseDecimal(json.Number) error: %v", err)
	}
	if d.String() != "1234.5" {
		t.Fatalf("expected 1234.5, got %s", d.String())
	}
}

func TestParseDecimal_RejectsGarbage(t *testing.T) {
	for _, in := range []interface{}{"", "MMK", "abc", true, nil} {
		if _, err := ParseDecimal(in); err == nil {
			t.Fatalf("ParseDecimal(%v) expected error", in)
		}
	}
}
