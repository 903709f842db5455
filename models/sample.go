package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/config"
	"bitbucket.org/mmdatafocus/lims_backend/utils"
)

// Sample is one physical specimen. Status is mutated only through the sample
// workflow's transition functions, never by direct field assignment elsewhere.
type Sample struct {
	ID                int            `gorm:"primary_key" json:"id"`
	LaboratoryId      string         `gorm:"index;not null" json:"laboratory_id"`
	AnalysisRequestId int            `gorm:"index;not null" json:"analysis_request_id"`
	SampleTypeId      int            `gorm:"index;not null" json:"sample_type_id"`
	SampleNo          string         `gorm:"size:50;index" json:"sample_no"`
	SequenceNo        int64          `gorm:"index" json:"sequence_no"`
	Status            SampleStatus   `gorm:"size:20;not null;index" json:"status"`
	Priority          SamplePriority `gorm:"default:0" json:"priority"`

	// Corrective/split/retest lineage. Links must form a DAG.
	ParentSampleId   *int              `gorm:"index" json:"parent_sample_id"`
	RelationshipType *RelationshipType `gorm:"size:30" json:"relationship_type"`

	CollectedAt *time.Time `json:"collected_at"`
	ReceivedAt  *time.Time `json:"received_at"`
	ReceivedBy  *int       `json:"received_by"`
	SubmittedAt *time.Time `json:"submitted_at"`
	SubmittedBy *int       `json:"submitted_by"`
	VerifiedAt  *time.Time `json:"verified_at"`
	VerifiedBy  *int       `json:"verified_by"`
	PublishedAt *time.Time `json:"published_at"`
	PrintedAt   *time.Time `json:"printed_at"`
	PrintedBy   *int       `json:"printed_by"`
	DueDate     *time.Time `json:"due_date"`

	// PriorStatus records the pre-cancellation state so re_instate can restore
	// it exactly instead of inferring.
	PriorStatus *SampleStatus `gorm:"size:20" json:"prior_status"`

	RejectionReasons string `gorm:"type:text" json:"rejection_reasons"`

	// MetadataSnapshot freezes pricing/config at creation time.
	MetadataSnapshot string `gorm:"type:text" json:"metadata_snapshot"`

	// QC and internal-use samples follow the same state machine but are
	// excluded from public counts/listings.
	IsQC          bool `gorm:"default:false" json:"is_qc"`
	IsInternalUse bool `gorm:"default:false" json:"is_internal_use"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Results []AnalysisResult `gorm:"foreignKey:SampleId" json:"results"`
}

func (obj Sample) GetLaboratoryId() string {
	return obj.LaboratoryId
}

// CheckChangeLock blocks edits on terminal samples.
func (obj Sample) CheckChangeLock(ctx context.Context) error {
	if obj.Status.IsTerminal() {
		return errors.New("sample is in a terminal state and cannot be changed")
	}
	return nil
}

// ReportableResults filters the sample's results to those that count toward
// aggregate state checks. Non-reportable results (e.g. a cancelled retest) are
// excluded everywhere the workflow asks "do all results satisfy X".
func (obj *Sample) ReportableResults() []AnalysisResult {
	var reportable []AnalysisResult
	for _, r := range obj.Results {
		if r.Reportable != nil && !*r.Reportable {
			continue
		}
		reportable = append(reportable, r)
	}
	return reportable
}

var ErrSampleLineageCycle = errors.New("sample lineage link would create a cycle")

// ValidateSampleLineage checks that adding childId -> parentId keeps the
// parent-link set acyclic. links maps a sample id to its parent sample id.
// The check runs before any write so a bad link never reaches the store.
func ValidateSampleLineage(links map[int]int, childId int, parentId int) error {
	if childId == parentId {
		return ErrSampleLineageCycle
	}
	// Walk up from the proposed parent; if we reach the child, the new edge closes a loop.
	seen := map[int]bool{}
	current := parentId
	for {
		if current == childId {
			return ErrSampleLineageCycle
		}
		if seen[current] {
			// existing data already has a loop; refuse to extend it
			return ErrSampleLineageCycle
		}
		seen[current] = true
		next, ok := links[current]
		if !ok {
			return nil
		}
		current = next
	}
}

// LinkSampleLineage validates acyclicity against the lineage currently in the
// store and then records the parent link.
func LinkSampleLineage(ctx context.Context, laboratoryId string, childId int, parentId int, relationship RelationshipType) error {
	db := config.GetDB()

	type link struct {
		ID             int
		ParentSampleId *int
	}
	var rows []link
	if err := db.WithContext(ctx).Model(&Sample{}).
		Select("id", "parent_sample_id").
		Where("laboratory_id = ? AND parent_sample_id IS NOT NULL", laboratoryId).
		Find(&rows).Error; err != nil {
		return err
	}
	links := make(map[int]int, len(rows))
	for _, row := range rows {
		if row.ParentSampleId != nil {
			links[row.ID] = *row.ParentSampleId
		}
	}

	if err := ValidateSampleLineage(links, childId, parentId); err != nil {
		return err
	}

	return db.WithContext(ctx).Model(&Sample{}).
		Where("laboratory_id = ? AND id = ?", laboratoryId, childId).
		Updates(map[string]interface{}{
			"parent_sample_id":  parentId,
			"relationship_type": relationship,
		}).Error
}

func GetSample(ctx context.Context, laboratoryId string, id int) (*Sample, error) {
	return utils.FetchModel[Sample](ctx, laboratoryId, id, "Results")
}
