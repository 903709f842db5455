package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/config"
	"bitbucket.org/mmdatafocus/lims_backend/models"
	"bitbucket.org/mmdatafocus/lims_backend/utils"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

const SampleReportContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// BuildSampleReport renders the reportable results of a sample to a
// spreadsheet. analysisNames maps analysis ids to display names; ids with no
// entry fall back to a generic label so a missing catalog row never blocks a
// report.
func BuildSampleReport(sample *models.Sample, analysisNames map[int]string) (*excelize.File, error) {
	file := excelize.NewFile()
	sheet := file.GetSheetName(0)

	headers := []string{"Analysis", "Value", "Status", "Submitted At", "Verifiers"}
	for i, header := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		file.SetCellValue(sheet, cell, header)
	}

	row := 2
	for _, result := range sample.Results {
		if !utils.DereferencePtr(result.Reportable, true) {
			continue
		}
		name, ok := analysisNames[result.AnalysisId]
		if !ok {
			name = fmt.Sprintf("analysis %d", result.AnalysisId)
		}
		submittedAt := ""
		if result.SubmittedAt != nil {
			submittedAt = result.SubmittedAt.Format(time.RFC3339)
		}
		verifiers, _ := json.Marshal(result.VerifierIds())
		values := []interface{}{name, result.Value, string(result.Status), submittedAt, string(verifiers)}
		for i, v := range values {
			cell, err := excelize.CoordinatesToCellName(i+1, row)
			if err != nil {
				return nil, err
			}
			file.SetCellValue(sheet, cell, v)
		}
		row++
	}

	return file, nil
}

// AnalysisNamesForSample collects the display names for every analysis
// referenced by the sample's results in a single query.
func AnalysisNamesForSample(tx *gorm.DB, laboratoryId string, sample *models.Sample) (map[int]string, error) {
	ids := make([]int, 0, len(sample.Results))
	seen := make(map[int]bool)
	for _, result := range sample.Results {
		if !seen[result.AnalysisId] {
			seen[result.AnalysisId] = true
			ids = append(ids, result.AnalysisId)
		}
	}
	names := make(map[int]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	var analyses []models.Analysis
	if err := tx.Where("laboratory_id = ? AND id IN ?", laboratoryId, ids).Find(&analyses).Error; err != nil {
		return nil, err
	}
	for _, analysis := range analyses {
		names[analysis.ID] = analysis.Name
	}
	return names, nil
}

// ExportSampleReport streams the report spreadsheet for a sample to w. Used
// for on-demand downloads; the published report attached on state transition
// goes through object storage instead.
func ExportSampleReport(ctx context.Context, w io.Writer, sampleId int) error {
	laboratoryId, ok := utils.GetLaboratoryIdFromContext(ctx)
	if !ok || laboratoryId == "" {
		return errors.New("unauthorized")
	}

	db := config.GetDB()

	var sample models.Sample
	if err := db.WithContext(ctx).Where("id = ?", sampleId).
		Preload("Results.Verifiers").First(&sample).Error; err != nil {
		return utils.ErrorRecordNotFound
	}

	names, err := AnalysisNamesForSample(db.WithContext(ctx), laboratoryId, &sample)
	if err != nil {
		return err
	}

	file, err := BuildSampleReport(&sample, names)
	if err != nil {
		return err
	}
	return file.Write(w)
}
