package reports

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/models"
	"bitbucket.org/mmdatafocus/lims_backend/utils"
)

func TestBuildSampleReportSkipsNonReportableResults(t *testing.T) {
	submitted := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)
	sample := models.Sample{
		ID: 42,
		Results: []models.AnalysisResult{
			{AnalysisId: 1, Value: "5.4", Status: models.ResultStatusVerified, SubmittedAt: &submitted},
			{AnalysisId: 2, Value: "ignored", Status: models.ResultStatusVerified, Reportable: utils.NewFalse()},
			{AnalysisId: 3, Value: "POSITIVE", Status: models.ResultStatusVerified},
		},
	}
	names := map[int]string{1: "Glucose"}

	file, err := BuildSampleReport(&sample, names)
	if err != nil {
		t.Fatalf("BuildSampleReport error: %v", err)
	}
	sheet := file.GetSheetName(0)

	header, _ := file.GetCellValue(sheet, "A1")
	if header != "Analysis" {
		t.Fatalf("expected header Analysis, got %q", header)
	}

	first, _ := file.GetCellValue(sheet, "A2")
	if first != "Glucose" {
		t.Fatalf("expected mapped analysis name, got %q", first)
	}
	firstValue, _ := file.GetCellValue(sheet, "B2")
	if firstValue != "5.4" {
		t.Fatalf("expected value 5.4, got %q", firstValue)
	}
	firstSubmitted, _ := file.GetCellValue(sheet, "D2")
	if firstSubmitted != submitted.Format(time.RFC3339) {
		t.Fatalf("expected submitted timestamp, got %q", firstSubmitted)
	}

	// The non-reportable result is skipped, so the unnamed analysis lands on
	// the next row with its fallback label.
	second, _ := file.GetCellValue(sheet, "A3")
	if second != "analysis 3" {
		t.Fatalf("expected fallback label on row 3, got %q", second)
	}
	empty, _ := file.GetCellValue(sheet, "A4")
	if empty != "" {
		t.Fatalf("expected no fourth row, got %q", empty)
	}
}
