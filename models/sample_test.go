package models

import "testing"

func TestValidateSampleLineageRejectsSelfLink(t *testing.T) {
	if err := ValidateSampleLineage(map[int]int{}, 7, 7); err != ErrSampleLineageCycle {
		t.Fatalf("self link must be a cycle, got %v", err)
	}
}

func TestValidateSampleLineageRejectsDirectCycle(t *testing.T) {
	// 2 already points at 1; linking 1 -> 2 closes the loop.
	links := map[int]int{2: 1}
	if err := ValidateSampleLineage(links, 1, 2); err != ErrSampleLineageCycle {
		t.Fatalf("direct cycle must be rejected, got %v", err)
	}
}

func TestValidateSampleLineageRejectsDeepCycle(t *testing.T) {
	// 4 -> 3 -> 2 -> 1 already exists; linking 1 -> 4 would loop.
	links := map[int]int{4: 3, 3: 2, 2: 1}
	if err := ValidateSampleLineage(links, 1, 4); err != ErrSampleLineageCycle {
		t.Fatalf("deep cycle must be rejected, got %v", err)
	}
}

func TestValidateSampleLineageAcceptsValidChain(t *testing.T) {
	links := map[int]int{4: 3, 3: 2, 2: 1}
	if err := ValidateSampleLineage(links, 5, 4); err != nil {
		t.Fatalf("extending a chain downward must be valid, got %v", err)
	}
	// A fresh root link is always fine.
	if err := ValidateSampleLineage(links, 9, 8); err != nil {
		t.Fatalf("unrelated link must be valid, got %v", err)
	}
}

func TestReportableResultsFiltering(t *testing.T) {
	yes, no := true, false
	sample := Sample{Results: []AnalysisResult{
		{ID: 1, Reportable: &yes},
		{ID: 2, Reportable: &no},
		{ID: 3}, // nil defaults to reportable
	}}

	got := sample.ReportableResults()
	if len(got) != 2 {
		t.Fatalf("expected 2 reportable results, got %d", len(got))
	}
	if got[0].ID != 1 || got[1].ID != 3 {
		t.Fatalf("unexpected reportable set: %d, %d", got[0].ID, got[1].ID)
	}
}
