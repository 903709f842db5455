package workflow

import (
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/models"
	"bitbucket.org/mmdatafocus/lims_backend/utils"
)

func TestVerifyFollowThroughRunsReflexesBeforeAdvance(t *testing.T) {
	var steps []string
	evaluate := func() error {
		steps = append(steps, "reflex")
		return nil
	}
	advance := func() error {
		steps = append(steps, "advance")
		return nil
	}

	if err := verifyFollowThrough(evaluate, advance); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(steps) != 2 || steps[0] != "reflex" || steps[1] != "advance" {
		t.Fatalf("expected reflex evaluation before sample advance, got %v", steps)
	}
}

func TestVerifyFollowThroughReflexErrorStopsAdvance(t *testing.T) {
	boom := errors.New("reflex failed")
	advanced := false
	err := verifyFollowThrough(
		func() error { return boom },
		func() error { advanced = true; return nil },
	)
	if err != boom {
		t.Fatalf("expected reflex error, got %v", err)
	}
	if advanced {
		t.Fatalf("sample must not advance when reflex evaluation fails")
	}
}

func retestOriginal() *models.AnalysisResult {
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	instrument := 7
	return &models.AnalysisResult{
		ID:           42,
		LaboratoryId: "lab-1",
		SampleId:     5,
		AnalysisId:   glucoseAnalysis,
		InstrumentId: &instrument,
		Status:       models.ResultStatusVerified,
		Reportable:   utils.NewTrue(),
		ReflexLevel:  2,
		DueDate:      &due,
	}
}

func TestRetestCloneIsPendingWithLineage(t *testing.T) {
	original := retestOriginal()
	clone := buildRetestClone(original)

	if clone.Status != models.ResultStatusPending {
		t.Fatalf("expected PENDING clone, got %s", clone.Status)
	}
	if !clone.Retest {
		t.Fatalf("clone must carry the retest flag")
	}
	if clone.ParentResultId == nil || *clone.ParentResultId != original.ID {
		t.Fatalf("clone must link back to the original result")
	}
	if clone.Reportable == nil || !*clone.Reportable {
		t.Fatalf("clone must be reportable")
	}
	if clone.ReflexLevel != original.ReflexLevel {
		t.Fatalf("expected reflex level %d, got %d", original.ReflexLevel, clone.ReflexLevel)
	}
	if clone.DueDate == nil || !clone.DueDate.Equal(*original.DueDate) {
		t.Fatalf("clone must inherit the due date")
	}
}

func TestRetestKeepsOriginalReportableByDefault(t *testing.T) {
	original := retestOriginal()
	cleared := 0
	clone, err := applyRetest(original, true,
		func(c *models.AnalysisResult) error { return nil },
		func(originalId int) error { cleared++; return nil },
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if clone == nil {
		t.Fatalf("expected a clone")
	}
	if cleared != 0 {
		t.Fatalf("original's reportable flag must stay untouched by default, cleared %d times", cleared)
	}
}

func TestRetestClearsOriginalReportableWhenKeepDisabled(t *testing.T) {
	original := retestOriginal()
	var clearedIds []int
	_, err := applyRetest(original, false,
		func(c *models.AnalysisResult) error { return nil },
		func(originalId int) error { clearedIds = append(clearedIds, originalId); return nil },
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clearedIds) != 1 || clearedIds[0] != original.ID {
		t.Fatalf("expected the original %d to have reportable cleared once, got %v", original.ID, clearedIds)
	}
}

func TestCascadeCancelSkipsNonReportableResults(t *testing.T) {
	open := []models.AnalysisResult{
		{ID: 1, Status: models.ResultStatusPending, Reportable: utils.NewTrue()},
		{ID: 2, Status: models.ResultStatusResulted, Reportable: utils.NewFalse()},
		{ID: 3, Status: models.ResultStatusPending},
	}
	ids := cascadeCancelIds(open)
	if len(ids) != 2 {
		t.Fatalf("expected 2 cancellable results, got %v", ids)
	}
	if ids[0] != 1 || ids[1] != 3 {
		t.Fatalf("non-reportable result must be left alone, got %v", ids)
	}
}
