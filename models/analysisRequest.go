package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/config"
	"bitbucket.org/mmdatafocus/lims_backend/utils"
)

// AnalysisRequest is one client order; it owns the samples registered under it.
type AnalysisRequest struct {
	ID           int        `gorm:"primary_key" json:"id"`
	LaboratoryId string     `gorm:"index;not null" json:"laboratory_id"`
	ClientId     int        `gorm:"index;not null" json:"client_id"`
	RequestNo    string     `gorm:"size:50;index" json:"request_no"`
	SequenceNo   int64      `gorm:"index" json:"sequence_no"`
	ClinicalData string     `gorm:"type:text" json:"clinical_data"`
	Priority     SamplePriority `gorm:"default:0" json:"priority"`
	CreatedBy    int        `gorm:"index" json:"created_by"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	CancelledAt  *time.Time `json:"cancelled_at"`

	Samples []Sample `gorm:"foreignKey:AnalysisRequestId" json:"samples"`
}

func (obj AnalysisRequest) GetLaboratoryId() string {
	return obj.LaboratoryId
}

func GetAnalysisRequest(ctx context.Context, laboratoryId string, id int) (*AnalysisRequest, error) {
	return utils.FetchModel[AnalysisRequest](ctx, laboratoryId, id, "Samples")
}

// FetchRequestSamples loads the request's samples with their results preloaded.
func FetchRequestSamples(ctx context.Context, laboratoryId string, requestId int) ([]*Sample, error) {
	db := config.GetDB()
	var samples []*Sample
	err := db.WithContext(ctx).
		Where("laboratory_id = ? AND analysis_request_id = ?", laboratoryId, requestId).
		Preload("Results").
		Find(&samples).Error
	if err != nil {
		return nil, err
	}
	return samples, nil
}
