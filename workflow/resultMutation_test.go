package workflow

import (
	"testing"

	"bitbucket.org/mmdatafocus/lims_backend/models"
	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. The mutation pipeline takes its
// rules as plain values, so the submit-time semantics are fully checkable here.

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestSpecificationBound_HighValueReported(t *testing.T) {
	rules := MutationRules{
		Specifications: []models.ResultSpecification{
			{MaxWarn: decPtr("100"), MaxReport: "HIGH"},
		},
	}

	value, applied := ApplyResultMutations(models.ParseResultValue("150"), nil, nil, rules)

	if value.Kind != models.ResultValueText || value.Text != "HIGH" {
		t.Fatalf("expected HIGH, got kind=%d %q", value.Kind, value.String())
	}
	if len(applied) != 1 {
		t.Fatalf("expected exactly 1 mutation, got %d", len(applied))
	}
	if applied[0].Before != "150" || applied[0].After != "HIGH" {
		t.Fatalf("expected before=150 after=HIGH, got before=%s after=%s", applied[0].Before, applied[0].After)
	}
}

func TestCorrectionFactorRunsBeforeSpecificationBounds(t *testing.T) {
	instrument, method := 3, 7
	rules := MutationRules{
		CorrectionFactors: []models.CorrectionFactor{
			{InstrumentId: 3, MethodId: 7, Factor: dec("2")},
		},
		Specifications: []models.ResultSpecification{
			{MaxWarn: decPtr("100"), MaxReport: "HIGH"},
		},
	}

	// 60 alone is in range; corrected to 120 it crosses the warn bound.
	value, applied := ApplyResultMutations(models.ParseResultValue("60"), &instrument, &method, rules)

	if value.String() != "HIGH" {
		t.Fatalf("expected HIGH after correction pushed value over bound, got %q", value.String())
	}
	if len(applied) != 2 {
		t.Fatalf("expected 2 audited steps (correction, bound), got %d", len(applied))
	}
	if applied[0].Before != "60" || applied[0].After != "120" {
		t.Fatalf("correction step: got before=%s after=%s", applied[0].Before, applied[0].After)
	}
	if applied[1].Before != "120" || applied[1].After != "HIGH" {
		t.Fatalf("bound step: got before=%s after=%s", applied[1].Before, applied[1].After)
	}
}

func TestCorrectionFactorRequiresInstrumentAndMethodMatch(t *testing.T) {
	instrument, method := 1, 1
	rules := MutationRules{
		CorrectionFactors: []models.CorrectionFactor{
			{InstrumentId: 3, MethodId: 7, Factor: dec("2")},
		},
	}

	value, applied := ApplyResultMutations(models.ParseResultValue("60"), &instrument, &method, rules)

	if value.String() != "60" {
		t.Fatalf("expected value unchanged, got %q", value.String())
	}
	if len(applied) != 0 {
		t.Fatalf("expected no mutations, got %d", len(applied))
	}
}

func TestDetectionLimitProducesSentinel(t *testing.T) {
	rules := MutationRules{
		DetectionLimits: []models.DetectionLimit{
			{LowerLimit: decPtr("0.5"), UpperLimit: decPtr("1000")},
		},
	}

	low, applied := ApplyResultMutations(models.ParseResultValue("0.1"), nil, nil, rules)
	if low.Kind != models.ResultValueSentinel || low.Text != "< 0.5" {
		t.Fatalf("expected sentinel < 0.5, got kind=%d %q", low.Kind, low.String())
	}
	if len(applied) != 1 {
		t.Fatalf("expected 1 mutation, got %d", len(applied))
	}

	high, _ := ApplyResultMutations(models.ParseResultValue("2000"), nil, nil, rules)
	if high.Kind != models.ResultValueSentinel || high.Text != "> 1000" {
		t.Fatalf("expected sentinel > 1000, got %q", high.String())
	}
}

func TestUncertaintyAnnotatesInBandValues(t *testing.T) {
	rules := MutationRules{
		Uncertainties: []models.Uncertainty{
			{Min: decPtr("10"), Max: decPtr("100"), Value: dec("0.5")},
		},
	}

	value, applied := ApplyResultMutations(models.ParseResultValue("42"), nil, nil, rules)

	if value.Text != "42 +/- 0.5" {
		t.Fatalf("expected annotated value, got %q", value.String())
	}
	if len(applied) != 1 {
		t.Fatalf("expected 1 mutation, got %d", len(applied))
	}

	outside, applied := ApplyResultMutations(models.ParseResultValue("5"), nil, nil, rules)
	if outside.String() != "5" || len(applied) != 0 {
		t.Fatalf("out-of-band value must pass untouched, got %q with %d mutations", outside.String(), len(applied))
	}
}

func TestTextValuesOnlyRunWarnValueStep(t *testing.T) {
	rules := MutationRules{
		Specifications: []models.ResultSpecification{
			{WarnValues: "POSITIVE, REACTIVE", WarnReport: "POSITIVE*"},
		},
		DetectionLimits: []models.DetectionLimit{
			{LowerLimit: decPtr("1")},
		},
		Uncertainties: []models.Uncertainty{
			{Value: dec("0.5")},
		},
	}

	value, applied := ApplyResultMutations(models.ParseResultValue("REACTIVE"), nil, nil, rules)

	if value.Text != "POSITIVE*" {
		t.Fatalf("expected warn report, got %q", value.String())
	}
	if len(applied) != 1 {
		t.Fatalf("text values must only run the warn-value step, got %d mutations", len(applied))
	}

	plain, applied := ApplyResultMutations(models.ParseResultValue("NEGATIVE"), nil, nil, rules)
	if plain.Text != "NEGATIVE" || len(applied) != 0 {
		t.Fatalf("non-warn text must pass untouched, got %q with %d mutations", plain.String(), len(applied))
	}
}

func TestEveryAuditedMutationChangesTheValue(t *testing.T) {
	instrument, method := 1, 2
	rules := MutationRules{
		CorrectionFactors: []models.CorrectionFactor{
			{InstrumentId: 1, MethodId: 2, Factor: dec("1")},
		},
		Specifications: []models.ResultSpecification{
			{MaxWarn: decPtr("100"), MaxReport: "HIGH"},
		},
	}

	_, applied := ApplyResultMutations(models.ParseResultValue("150"), &instrument, &method, rules)

	for _, mutation := range applied {
		if mutation.Before == mutation.After {
			t.Fatalf("audited mutation with before == after: %+v", mutation)
		}
	}
	// Factor of 1 must not be audited at all.
	if len(applied) != 1 {
		t.Fatalf("expected only the bound mutation, got %d", len(applied))
	}
}
