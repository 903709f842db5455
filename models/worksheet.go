package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/config"
	"bitbucket.org/mmdatafocus/lims_backend/utils"
	"gorm.io/gorm"
)

// Worksheet is a batch grouping of AnalysisResults for instrument/analyst assignment.
type Worksheet struct {
	ID           int        `gorm:"primary_key" json:"id"`
	LaboratoryId string     `gorm:"index;not null" json:"laboratory_id"`
	WorksheetNo  string     `gorm:"size:50;index" json:"worksheet_no"`
	SequenceNo   int64      `gorm:"index" json:"sequence_no"`
	AnalystId    *int       `gorm:"index" json:"analyst_id"`
	InstrumentId *int       `gorm:"index" json:"instrument_id"`
	State        string     `gorm:"size:20;default:'OPEN'" json:"state"`
	SubmittedAt  *time.Time `json:"submitted_at"`
	CreatedBy    int        `gorm:"index" json:"created_by"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Results []AnalysisResult `gorm:"foreignKey:WorksheetId" json:"results"`
}

func (obj Worksheet) GetLaboratoryId() string {
	return obj.LaboratoryId
}

// CheckChangeLock blocks mutations once the worksheet left the OPEN state.
func (obj Worksheet) CheckChangeLock(ctx context.Context) error {
	if obj.State != WorksheetStateOpen {
		return errors.New("worksheet is no longer open")
	}
	return nil
}

const WorksheetStateOpen = "OPEN"

func GetWorksheet(ctx context.Context, laboratoryId string, id int) (*Worksheet, error) {
	return utils.FetchModel[Worksheet](ctx, laboratoryId, id, "Results")
}

func ListWorksheets(ctx context.Context, laboratoryId string) ([]*Worksheet, error) {
	return utils.FetchAllModels[Worksheet](ctx, laboratoryId)
}

type NewWorksheetInput struct {
	AnalystId    *int `json:"analyst_id"`
	InstrumentId *int `json:"instrument_id"`
}

func CreateWorksheet(ctx context.Context, laboratoryId string, input NewWorksheetInput, userId int) (*Worksheet, error) {
	db := config.GetDB()

	seqNo, err := utils.GetSequence[Worksheet](ctx, laboratoryId)
	if err != nil {
		return nil, err
	}
	worksheet := Worksheet{
		LaboratoryId: laboratoryId,
		WorksheetNo:  fmt.Sprintf("WS-%06d", seqNo),
		SequenceNo:   seqNo,
		AnalystId:    input.AnalystId,
		InstrumentId: input.InstrumentId,
		State:        WorksheetStateOpen,
		CreatedBy:    userId,
	}
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&worksheet).Error; err != nil {
			return err
		}
		return SaveHistoryCreate(tx, worksheet.ID, worksheet, "worksheet created")
	})
	if err != nil {
		return nil, err
	}
	return &worksheet, nil
}

// AssignResultsToWorksheet places results on a worksheet. Only PENDING results
// can be assigned; others are returned as skipped. The worksheet itself must
// still be OPEN.
func AssignResultsToWorksheet(ctx context.Context, laboratoryId string, worksheetId int, resultIds []int) (assigned []int, skipped []int, err error) {
	db := config.GetDB()

	if _, err := utils.FetchModelForChange[Worksheet](ctx, laboratoryId, worksheetId); err != nil {
		return nil, nil, err
	}

	results, err := FetchResults(ctx, laboratoryId, resultIds)
	if err != nil {
		return nil, nil, err
	}

	tx := db.WithContext(ctx).Begin()
	for _, result := range results {
		if result.Status != ResultStatusPending || result.WorksheetId != nil {
			skipped = append(skipped, result.ID)
			continue
		}
		if err := tx.Model(&AnalysisResult{}).
			Where("id = ?", result.ID).
			Update("worksheet_id", worksheetId).Error; err != nil {
			tx.Rollback()
			return nil, nil, err
		}
		assigned = append(assigned, result.ID)
	}
	return assigned, skipped, tx.Commit().Error
}
