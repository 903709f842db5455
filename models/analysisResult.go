package models

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/config"
	"github.com/shopspring/decimal"
)

// AnalysisResult is one ordered test on one sample.
type AnalysisResult struct {
	ID           int          `gorm:"primary_key" json:"id"`
	LaboratoryId string       `gorm:"index;not null" json:"laboratory_id"`
	SampleId     int          `gorm:"index;not null" json:"sample_id"`
	AnalysisId   int          `gorm:"index;not null" json:"analysis_id"`
	// ProfileId is set when the result was ordered through a profile expansion;
	// billing prices the profile once per sample instead of each member analysis.
	ProfileId    *int         `gorm:"index" json:"profile_id"`
	InstrumentId *int         `gorm:"index" json:"instrument_id"`
	MethodId     *int         `gorm:"index" json:"method_id"`
	WorksheetId  *int         `gorm:"index" json:"worksheet_id"`
	Status       ResultStatus `gorm:"size:20;not null;index" json:"status"`

	// Value is untyped on the wire: numeric, text, or a "< limit" sentinel
	// written by the mutation pipeline. Use ParseResultValue for typed access.
	Value string `gorm:"size:255" json:"value"`

	SubmittedBy *int       `gorm:"index" json:"submitted_by"`
	SubmittedAt *time.Time `json:"submitted_at"`
	CancelledBy *int       `json:"cancelled_by"`
	CancelledAt *time.Time `json:"cancelled_at"`
	RetractedBy *int       `json:"retracted_by"`
	RetractedAt *time.Time `json:"retracted_at"`

	// Retest lineage to the original result.
	Retest         bool `gorm:"default:false" json:"retest"`
	ParentResultId *int `gorm:"index" json:"parent_result_id"`

	// Reportable results drive the owning sample's aggregate state.
	Reportable *bool `gorm:"default:true" json:"reportable"`

	// ReflexLevel is the depth in the reflex chain (0 = ordered directly).
	ReflexLevel int `gorm:"default:0" json:"reflex_level"`

	DueDate          *time.Time `json:"due_date"`
	MetadataSnapshot string     `gorm:"type:text" json:"metadata_snapshot"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Verifiers []ResultVerifier `gorm:"foreignKey:ResultId" json:"verifiers"`
	Mutations []ResultMutation `gorm:"foreignKey:ResultId" json:"mutations"`
}

func (obj AnalysisResult) GetLaboratoryId() string {
	return obj.LaboratoryId
}

// VerifierIds returns the additive verified-by set in verification order.
func (obj *AnalysisResult) VerifierIds() []int {
	ids := make([]int, 0, len(obj.Verifiers))
	for _, v := range obj.Verifiers {
		ids = append(ids, v.UserId)
	}
	return ids
}

// ResultVerifier is one entry of a result's verified-by set. Appended, never
// replaced, so a verification quorum can be counted.
type ResultVerifier struct {
	ID         int       `gorm:"primary_key" json:"id"`
	ResultId   int       `gorm:"index;not null" json:"result_id"`
	UserId     int       `gorm:"index;not null" json:"user_id"`
	VerifiedAt time.Time `gorm:"autoCreateTime" json:"verified_at"`
}

// ResultMutation audits one step of the result-value mutation pipeline.
type ResultMutation struct {
	ID           int       `gorm:"primary_key" json:"id"`
	LaboratoryId string    `gorm:"index;not null" json:"laboratory_id"`
	ResultId     int       `gorm:"index;not null" json:"result_id"`
	Before       string    `gorm:"size:255" json:"before"`
	After        string    `gorm:"size:255" json:"after"`
	Mutation     string    `gorm:"type:text" json:"mutation"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (obj ResultMutation) GetLaboratoryId() string {
	return obj.LaboratoryId
}

/* result value variant */

type ResultValueKind int

const (
	ResultValueNumeric ResultValueKind = iota
	ResultValueText
	ResultValueSentinel
)

// ResultValue is the typed view of AnalysisResult.Value. The mutation pipeline
// branches on Kind instead of inspecting raw strings.
type ResultValue struct {
	Kind ResultValueKind
	Num  decimal.Decimal
	Text string
}

func ParseResultValue(raw string) ResultValue {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "<") || strings.HasPrefix(trimmed, ">") {
		return ResultValue{Kind: ResultValueSentinel, Text: trimmed}
	}
	if num, err := decimal.NewFromString(trimmed); err == nil {
		return ResultValue{Kind: ResultValueNumeric, Num: num}
	}
	return ResultValue{Kind: ResultValueText, Text: trimmed}
}

func (v ResultValue) String() string {
	if v.Kind == ResultValueNumeric {
		return v.Num.String()
	}
	return v.Text
}

func (v ResultValue) IsEmpty() bool {
	return v.Kind != ResultValueNumeric && v.Text == ""
}

// FetchResults loads results by id with verifiers preloaded, tenant-scoped.
func FetchResults(ctx context.Context, laboratoryId string, ids []int) ([]*AnalysisResult, error) {
	db := config.GetDB()
	var results []*AnalysisResult
	err := db.WithContext(ctx).
		Where("laboratory_id = ? AND id IN ?", laboratoryId, ids).
		Preload("Verifiers").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// FetchSampleResults loads every result belonging to a sample.
func FetchSampleResults(ctx context.Context, laboratoryId string, sampleId int) ([]*AnalysisResult, error) {
	db := config.GetDB()
	var results []*AnalysisResult
	err := db.WithContext(ctx).
		Where("laboratory_id = ? AND sample_id = ?", laboratoryId, sampleId).
		Preload("Verifiers").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
