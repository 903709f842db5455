package models

import "testing"

func TestParseResultValueKinds(t *testing.T) {
	cases := []struct {
		raw  string
		kind ResultValueKind
		str  string
	}{
		{"120", ResultValueNumeric, "120"},
		{" 3.50 ", ResultValueNumeric, "3.5"},
		{"-0.2", ResultValueNumeric, "-0.2"},
		{"POSITIVE", ResultValueText, "POSITIVE"},
		{"", ResultValueText, ""},
		{"< 0.5", ResultValueSentinel, "< 0.5"},
		{"> 1000", ResultValueSentinel, "> 1000"},
	}
	for _, tc := range cases {
		got := ParseResultValue(tc.raw)
		if got.Kind != tc.kind {
			t.Fatalf("ParseResultValue(%q).Kind = %d, want %d", tc.raw, got.Kind, tc.kind)
		}
		if got.String() != tc.str {
			t.Fatalf("ParseResultValue(%q).String() = %q, want %q", tc.raw, got.String(), tc.str)
		}
	}
}

func TestResultValueIsEmpty(t *testing.T) {
	if !ParseResultValue("").IsEmpty() {
		t.Fatal("blank value must be empty")
	}
	if !ParseResultValue("   ").IsEmpty() {
		t.Fatal("whitespace value must be empty")
	}
	if ParseResultValue("0").IsEmpty() {
		t.Fatal("numeric zero is a real value")
	}
	if ParseResultValue("NEGATIVE").IsEmpty() {
		t.Fatal("text value is a real value")
	}
	if ParseResultValue("< 0.5").IsEmpty() {
		t.Fatal("sentinel value is a real value")
	}
}

func TestVerifierIdsPreserveOrder(t *testing.T) {
	result := AnalysisResult{Verifiers: []ResultVerifier{
		{UserId: 9}, {UserId: 3}, {UserId: 12},
	}}
	got := result.VerifierIds()
	want := []int{9, 3, 12}
	if len(got) != len(want) {
		t.Fatalf("expected %d verifier ids, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %d, want %d", i, got[i], want[i])
		}
	}
}
