package models

import (
	"context"
	"time"
)

// SampleType is a specimen kind (Blood, Urine, Swab, ...).
type SampleType struct {
	ID           int       `gorm:"primary_key" json:"id"`
	LaboratoryId string    `gorm:"index;not null" json:"laboratory_id"`
	Name         string    `gorm:"size:255;not null" json:"name" binding:"required"`
	Abbreviation string    `gorm:"size:20" json:"abbreviation"`
	Description  string    `gorm:"type:text" json:"description"`
	IsActive     *bool     `gorm:"default:true" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (obj SampleType) GetLaboratoryId() string {
	return obj.LaboratoryId
}

func GetSampleType(ctx context.Context, id int) (*SampleType, error) {
	return GetResource[SampleType](ctx, id)
}

func ListAllSampleTypes(ctx context.Context) ([]*SampleType, error) {
	return ListAllResource[SampleType, SampleType](ctx, "name ASC")
}
