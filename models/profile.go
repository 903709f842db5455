package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Profile is a named bundle of Analyses orderable as one unit.
type Profile struct {
	ID           int       `gorm:"primary_key" json:"id"`
	LaboratoryId string    `gorm:"index;not null" json:"laboratory_id"`
	Name         string    `gorm:"size:255;not null;index" json:"name" binding:"required"`
	Keyword      string    `gorm:"size:100" json:"keyword"`
	Description  string    `gorm:"type:text" json:"description"`
	IsActive     *bool     `gorm:"default:true" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Analyses []ProfileAnalysis `gorm:"foreignKey:ProfileId" json:"analyses"`
}

func (obj Profile) GetLaboratoryId() string {
	return obj.LaboratoryId
}

type ProfileAnalysis struct {
	ID         int `gorm:"primary_key" json:"id"`
	ProfileId  int `gorm:"index;not null" json:"profile_id"`
	AnalysisId int `gorm:"index;not null" json:"analysis_id"`
	SortKey    int `gorm:"default:0" json:"sort_key"`
}

type ProfilePrice struct {
	ID           int             `gorm:"primary_key" json:"id"`
	LaboratoryId string          `gorm:"index;not null" json:"laboratory_id"`
	ProfileId    int             `gorm:"index;not null" json:"profile_id"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	IsActive     *bool           `gorm:"default:true" json:"is_active"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (obj ProfilePrice) GetLaboratoryId() string {
	return obj.LaboratoryId
}

type ProfileDiscount struct {
	ID           int              `gorm:"primary_key" json:"id"`
	LaboratoryId string           `gorm:"index;not null" json:"laboratory_id"`
	ProfileId    int              `gorm:"index;not null" json:"profile_id"`
	VoucherId    *int             `gorm:"index" json:"voucher_id"`
	Name         string           `gorm:"size:255" json:"name"`
	Category     DiscountCategory `gorm:"size:20;not null;index" json:"category"`
	DiscountType DiscountType     `gorm:"size:20;not null" json:"discount_type"`
	// PERCENTAGE values are fractions: 0.1000 = 10%.
	Value     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"value"`
	StartDate *time.Time      `json:"start_date"`
	EndDate   *time.Time      `json:"end_date"`
	IsActive  *bool           `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (obj ProfileDiscount) GetLaboratoryId() string {
	return obj.LaboratoryId
}

func (d ProfileDiscount) IsCurrent(now time.Time) bool {
	if d.IsActive != nil && !*d.IsActive {
		return false
	}
	if d.StartDate != nil && now.Before(*d.StartDate) {
		return false
	}
	if d.EndDate != nil && now.After(*d.EndDate) {
		return false
	}
	return true
}

func GetProfile(ctx context.Context, id int) (*Profile, error) {
	return GetResource[Profile](ctx, id, "Analyses")
}

func ListAllProfiles(ctx context.Context) ([]*Profile, error) {
	return ListAllResource[Profile, Profile](ctx, "name ASC")
}
