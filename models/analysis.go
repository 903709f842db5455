package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Analysis is a single orderable test definition (e.g. "Glucose").
type Analysis struct {
	ID           int    `gorm:"primary_key" json:"id"`
	LaboratoryId string `gorm:"index;not null" json:"laboratory_id"`
	Name         string `gorm:"size:255;not null;index" json:"name" binding:"required"`
	Keyword      string `gorm:"size:100" json:"keyword"`
	Unit         string `gorm:"size:50" json:"unit"`
	Description  string `gorm:"type:text" json:"description"`

	// Analysis-level self-verification override (laboratory-wide flag also applies).
	SelfVerification bool `gorm:"default:false" json:"self_verification"`

	SortKey   int       `gorm:"default:0" json:"sort_key"`
	IsActive  *bool     `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	CorrectionFactors    []CorrectionFactor    `gorm:"foreignKey:AnalysisId" json:"correction_factors"`
	ResultSpecifications []ResultSpecification `gorm:"foreignKey:AnalysisId" json:"result_specifications"`
	DetectionLimits      []DetectionLimit      `gorm:"foreignKey:AnalysisId" json:"detection_limits"`
	Uncertainties        []Uncertainty         `gorm:"foreignKey:AnalysisId" json:"uncertainties"`
}

func (obj Analysis) GetLaboratoryId() string {
	return obj.LaboratoryId
}

// AnalysisPrice is the current standing charge for one analysis.
type AnalysisPrice struct {
	ID           int             `gorm:"primary_key" json:"id"`
	LaboratoryId string          `gorm:"index;not null" json:"laboratory_id"`
	AnalysisId   int             `gorm:"index;not null" json:"analysis_id"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	IsActive     *bool           `gorm:"default:true" json:"is_active"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (obj AnalysisPrice) GetLaboratoryId() string {
	return obj.LaboratoryId
}

// AnalysisDiscount applies against an AnalysisPrice. Category SALE discounts are
// resolved automatically at billing time; VOUCHER discounts only through a code.
type AnalysisDiscount struct {
	ID           int              `gorm:"primary_key" json:"id"`
	LaboratoryId string           `gorm:"index;not null" json:"laboratory_id"`
	AnalysisId   int              `gorm:"index;not null" json:"analysis_id"`
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

func (obj AnalysisDiscount) GetLaboratoryId() string {
	return obj.LaboratoryId
}

// IsCurrent reports whether the discount is active and inside its validity window.
func (d AnalysisDiscount) IsCurrent(now time.Time) bool {
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

// CorrectionFactor scales a submitted numeric value linearly when the result's
// instrument and method match.
type CorrectionFactor struct {
	ID           int             `gorm:"primary_key" json:"id"`
	LaboratoryId string          `gorm:"index;not null" json:"laboratory_id"`
	AnalysisId   int             `gorm:"index;not null" json:"analysis_id"`
	InstrumentId int             `gorm:"index" json:"instrument_id"`
	MethodId     int             `gorm:"index" json:"method_id"`
	Factor       decimal.Decimal `gorm:"type:decimal(20,6);default:1" json:"factor"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (obj CorrectionFactor) GetLaboratoryId() string {
	return obj.LaboratoryId
}

// ResultSpecification bounds a numeric value. Values beyond a warn bound are
// replaced by the configured report literal ("HIGH"/"LOW"). For text results,
// WarnValues lists the literal values that trigger the warn report.
type ResultSpecification struct {
	ID           int              `gorm:"primary_key" json:"id"`
	LaboratoryId string           `gorm:"index;not null" json:"laboratory_id"`
	AnalysisId   int              `gorm:"index;not null" json:"analysis_id"`
	MinWarn      *decimal.Decimal `gorm:"type:decimal(20,6)" json:"min_warn"`
	MaxWarn      *decimal.Decimal `gorm:"type:decimal(20,6)" json:"max_warn"`
	MinReport    string           `gorm:"size:50" json:"min_report"`
	MaxReport    string           `gorm:"size:50" json:"max_report"`
	// comma-separated literal values that warn for text results
	WarnValues string    `gorm:"type:text" json:"warn_values"`
	WarnReport string    `gorm:"size:50" json:"warn_report"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (obj ResultSpecification) GetLaboratoryId() string {
	return obj.LaboratoryId
}

// DetectionLimit replaces out-of-range numeric values with "< limit"/"> limit" sentinels.
type DetectionLimit struct {
	ID           int              `gorm:"primary_key" json:"id"`
	LaboratoryId string           `gorm:"index;not null" json:"laboratory_id"`
	AnalysisId   int              `gorm:"index;not null" json:"analysis_id"`
	LowerLimit   *decimal.Decimal `gorm:"type:decimal(20,6)" json:"lower_limit"`
	UpperLimit   *decimal.Decimal `gorm:"type:decimal(20,6)" json:"upper_limit"`
	CreatedAt    time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func (obj DetectionLimit) GetLaboratoryId() string {
	return obj.LaboratoryId
}

// Uncertainty annotates values inside [Min,Max] with "value +/- uncertainty".
type Uncertainty struct {
	ID           int              `gorm:"primary_key" json:"id"`
	LaboratoryId string           `gorm:"index;not null" json:"laboratory_id"`
	AnalysisId   int              `gorm:"index;not null" json:"analysis_id"`
	Min          *decimal.Decimal `gorm:"type:decimal(20,6)" json:"min"`
	Max          *decimal.Decimal `gorm:"type:decimal(20,6)" json:"max"`
	Value        decimal.Decimal  `gorm:"type:decimal(20,6);default:0" json:"value"`
	CreatedAt    time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func (obj Uncertainty) GetLaboratoryId() string {
	return obj.LaboratoryId
}

func GetAnalysis(ctx context.Context, id int) (*Analysis, error) {
	return GetResource[Analysis](ctx, id)
}

func ListAllAnalyses(ctx context.Context) ([]*Analysis, error) {
	return ListAllResource[Analysis, Analysis](ctx, "sort_key ASC", "name ASC")
}
