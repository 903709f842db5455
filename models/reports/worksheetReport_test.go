package reports

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/models"
)

func TestBuildWorksheetReportRendersResultLines(t *testing.T) {
	submitted := time.Date(2025, 4, 2, 14, 0, 0, 0, time.UTC)
	worksheet := models.Worksheet{
		ID:          7,
		WorksheetNo: "WS-000007",
		Results: []models.AnalysisResult{
			{SampleId: 10, AnalysisId: 1, Value: "7.1", Status: models.ResultStatusResulted, SubmittedAt: &submitted},
			{SampleId: 11, AnalysisId: 2, Value: "", Status: models.ResultStatusPending},
		},
	}
	names := map[int]string{1: "Creatinine"}
	sampleNos := map[int]string{10: "AR-000001-01"}

	file, err := BuildWorksheetReport(&worksheet, names, sampleNos, "UTC")
	if err != nil {
		t.Fatalf("BuildWorksheetReport error: %v", err)
	}
	sheet := file.GetSheetName(0)

	header, _ := file.GetCellValue(sheet, "A1")
	if header != "Sample" {
		t.Fatalf("expected header Sample, got %q", header)
	}

	sampleNo, _ := file.GetCellValue(sheet, "A2")
	if sampleNo != "AR-000001-01" {
		t.Fatalf("expected mapped sample no, got %q", sampleNo)
	}
	analysis, _ := file.GetCellValue(sheet, "B2")
	if analysis != "Creatinine" {
		t.Fatalf("expected mapped analysis name, got %q", analysis)
	}
	submittedAt, _ := file.GetCellValue(sheet, "E2")
	if submittedAt != submitted.Format(time.RFC3339) {
		t.Fatalf("expected submitted timestamp, got %q", submittedAt)
	}

	// Unknown sample/analysis ids fall back to generic labels.
	fallbackSample, _ := file.GetCellValue(sheet, "A3")
	if fallbackSample != "sample 11" {
		t.Fatalf("expected fallback sample label, got %q", fallbackSample)
	}
	fallbackAnalysis, _ := file.GetCellValue(sheet, "B3")
	if fallbackAnalysis != "analysis 2" {
		t.Fatalf("expected fallback analysis label, got %q", fallbackAnalysis)
	}
}
