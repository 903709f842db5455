package config

import "testing"

func TestRetestKeepsOriginalReportable(t *testing.T) {
	cases := []struct {
		env  string
		want bool
	}{
		{"", true},
		{"true", true},
		{"1", true},
		{"yes", true},
		{"false", false},
		{"0", false},
		{"no", false},
		{" FALSE ", false},
	}
	for _, tc := range cases {
		t.Run("env="+tc.env, func(t *testing.T) {
			t.Setenv("RETEST_KEEPS_ORIGINAL_REPORTABLE", tc.env)
			if got := RetestKeepsOriginalReportable(); got != tc.want {
				t.Fatalf("RETEST_KEEPS_ORIGINAL_REPORTABLE=%q: got %v, want %v", tc.env, got, tc.want)
			}
		})
	}
}

func TestReflexOnSubmitDefaultsOff(t *testing.T) {
	t.Setenv("REFLEX_ON_SUBMIT_INLINE", "")
	if ReflexOnSubmit() {
		t.Fatal("reflex evaluation must default to the queued path")
	}
	t.Setenv("REFLEX_ON_SUBMIT_INLINE", "true")
	if !ReflexOnSubmit() {
		t.Fatal("expected inline reflex evaluation when enabled")
	}
}
