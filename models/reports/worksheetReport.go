package reports

import (
	"context"
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

// BuildWorksheetReport renders a worksheet's result lines to a spreadsheet for
// bench use. Timestamps are shown in the laboratory's timezone.
func BuildWorksheetReport(worksheet *models.Worksheet, analysisNames map[int]string, sampleNos map[int]string, timezone string) (*excelize.File, error) {
	file := excelize.NewFile()
	sheet := file.GetSheetName(0)

	headers := []string{"Sample", "Analysis", "Value", "Status", "Submitted At"}
	for i, header := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		file.SetCellValue(sheet, cell, header)
	}

	row := 2
	for _, result := range worksheet.Results {
		sampleNo, ok := sampleNos[result.SampleId]
		if !ok {
			sampleNo = fmt.Sprintf("sample %d", result.SampleId)
		}
		name, ok := analysisNames[result.AnalysisId]
		if !ok {
			name = fmt.Sprintf("analysis %d", result.AnalysisId)
		}
		submittedAt := ""
		if result.SubmittedAt != nil {
			submittedAt = utils.ConvertToLocalTime(*result.SubmittedAt, timezone).Format(time.RFC3339)
		}
		values := []interface{}{sampleNo, name, result.Value, string(result.Status), submittedAt}
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

func worksheetLookups(tx *gorm.DB, laboratoryId string, worksheet *models.Worksheet) (map[int]string, map[int]string, error) {
	analysisIds := make([]int, 0, len(worksheet.Results))
	sampleIds := make([]int, 0, len(worksheet.Results))
	seenAnalysis := make(map[int]bool)
	seenSample := make(map[int]bool)
	for _, result := range worksheet.Results {
		if !seenAnalysis[result.AnalysisId] {
			seenAnalysis[result.AnalysisId] = true
			analysisIds = append(analysisIds, result.AnalysisId)
		}
		if !seenSample[result.SampleId] {
			seenSample[result.SampleId] = true
			sampleIds = append(sampleIds, result.SampleId)
		}
	}

	analysisNames := make(map[int]string, len(analysisIds))
	sampleNos := make(map[int]string, len(sampleIds))
	if len(analysisIds) > 0 {
		var analyses []models.Analysis
		if err := tx.Where("laboratory_id = ? AND id IN ?", laboratoryId, analysisIds).Find(&analyses).Error; err != nil {
			return nil, nil, err
		}
		for _, analysis := range analyses {
			analysisNames[analysis.ID] = analysis.Name
		}
	}
	if len(sampleIds) > 0 {
		var samples []models.Sample
		if err := tx.Select("id", "sample_no").
			Where("laboratory_id = ? AND id IN ?", laboratoryId, sampleIds).Find(&samples).Error; err != nil {
			return nil, nil, err
		}
		for _, sample := range samples {
			sampleNos[sample.ID] = sample.SampleNo
		}
	}
	return analysisNames, sampleNos, nil
}

// ExportWorksheetReport streams the worksheet spreadsheet to w.
func ExportWorksheetReport(ctx context.Context, w io.Writer, worksheetId int) error {
	laboratoryId, ok := utils.GetLaboratoryIdFromContext(ctx)
	if !ok || laboratoryId == "" {
		return errors.New("unauthorized")
	}

	worksheet, err := models.GetWorksheet(ctx, laboratoryId, worksheetId)
	if err != nil {
		return err
	}

	settings, err := models.GetLaboratorySettings(ctx)
	if err != nil {
		return err
	}

	db := config.GetDB()
	analysisNames, sampleNos, err := worksheetLookups(db.WithContext(ctx), laboratoryId, worksheet)
	if err != nil {
		return err
	}

	file, err := BuildWorksheetReport(worksheet, analysisNames, sampleNos, settings.Timezone)
	if err != nil {
		return err
	}
	return file.Write(w)
}
