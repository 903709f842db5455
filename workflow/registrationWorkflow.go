package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/config"
	"bitbucket.org/mmdatafocus/lims_backend/models"
	"bitbucket.org/mmdatafocus/lims_backend/utils"
	"gorm.io/gorm"
)

type NewSampleInput struct {
	SampleTypeId int                   `json:"sample_type_id" binding:"required"`
	ProfileIds   []int                 `json:"profile_ids"`
	AnalysisIds  []int                 `json:"analysis_ids"`
	Priority     models.SamplePriority `json:"priority"`
	CollectedAt  *time.Time            `json:"collected_at"`
	DueDate      *time.Time            `json:"due_date"`
	IsQC         bool                  `json:"is_qc"`
	IsInternal   bool                  `json:"is_internal_use"`
}

type NewAnalysisRequestInput struct {
	ClientId     int                   `json:"client_id" binding:"required"`
	ClinicalData string                `json:"clinical_data"`
	Priority     models.SamplePriority `json:"priority"`
	Samples      []NewSampleInput      `json:"samples" binding:"required"`
}

// RegisterAnalysisRequest creates an order with its samples in EXPECTED and
// one PENDING result per ordered analysis: directly ordered analyses, plus
// profile expansion (each expanded result keeps its ProfileId so billing can
// price the profile once). The pricing snapshot is frozen per sample at
// registration time. When the laboratory allows auto-billing, the order is
// billed in the same call.
func RegisterAnalysisRequest(ctx context.Context, laboratoryId string, input NewAnalysisRequestInput, settings models.LaboratorySettings, userId int) (*models.AnalysisRequest, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	if len(input.Samples) == 0 {
		return nil, fmt.Errorf("analysis request needs at least one sample")
	}
	if !input.Priority.Valid() {
		return nil, fmt.Errorf("invalid priority")
	}

	var sampleTypeIds, profileIds, analysisIds []int
	for _, sampleInput := range input.Samples {
		if !sampleInput.Priority.Valid() {
			return nil, fmt.Errorf("invalid priority")
		}
		sampleTypeIds = append(sampleTypeIds, sampleInput.SampleTypeId)
		profileIds = append(profileIds, sampleInput.ProfileIds...)
		analysisIds = append(analysisIds, sampleInput.AnalysisIds...)
	}
	tenantFilter := utils.Filter{Cond: "laboratory_id = ?", Values: []interface{}{laboratoryId}}
	if err := utils.MassValidateResourceIds(ctx, []utils.ValidationRule[int]{
		{Model: models.Client{}, Ids: []int{input.ClientId}, Message: "client not found", Filter: tenantFilter},
		{Model: models.SampleType{}, Ids: sampleTypeIds, Message: "sample type not found", Filter: tenantFilter},
		{Model: models.Profile{}, Ids: profileIds, Message: "profile not found", Filter: tenantFilter},
		{Model: models.Analysis{}, Ids: analysisIds, Message: "analysis not found", Filter: tenantFilter},
	}); err != nil {
		return nil, err
	}

	var request models.AnalysisRequest
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seqNo, err := utils.GetSequence[models.AnalysisRequest](ctx, laboratoryId)
		if err != nil {
			config.LogError(logger, "registrationWorkflow.go", "RegisterAnalysisRequest", "GetRequestSequence", laboratoryId, err)
			return err
		}
		request = models.AnalysisRequest{
			LaboratoryId: laboratoryId,
			ClientId:     input.ClientId,
			RequestNo:    fmt.Sprintf("AR-%06d", seqNo),
			SequenceNo:   seqNo,
			ClinicalData: input.ClinicalData,
			Priority:     input.Priority,
			CreatedBy:    userId,
		}
		if err := tx.Create(&request).Error; err != nil {
			config.LogError(logger, "registrationWorkflow.go", "RegisterAnalysisRequest", "CreateRequest", input.ClientId, err)
			return err
		}

		if err := models.SaveHistoryCreate(tx, request.ID, request, "analysis request registered"); err != nil {
			return err
		}

		for _, sampleInput := range input.Samples {
			if err := registerSample(tx, ctx, laboratoryId, &request, sampleInput); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if settings.AllowAutoBilling {
		if _, err := BillOrder(ctx, laboratoryId, request.ID, true, settings, userId); err != nil {
			// Billing failure after registration is compensated by leaving the
			// order unbilled; registration itself stays committed.
			config.LogError(logger, "registrationWorkflow.go", "RegisterAnalysisRequest", "AutoBill", request.ID, err)
		}
	}
	return &request, nil
}

func registerSample(tx *gorm.DB, ctx context.Context, laboratoryId string, request *models.AnalysisRequest, input NewSampleInput) error {
	logger := config.GetLogger()

	seqNo, err := utils.GetSequence[models.Sample](ctx, laboratoryId)
	if err != nil {
		config.LogError(logger, "registrationWorkflow.go", "RegisterSample", "GetSampleSequence", laboratoryId, err)
		return err
	}

	snapshot, err := buildMetadataSnapshot(tx, laboratoryId, input)
	if err != nil {
		config.LogError(logger, "registrationWorkflow.go", "RegisterSample", "BuildMetadataSnapshot", input.SampleTypeId, err)
		return err
	}

	sample := models.Sample{
		LaboratoryId:      laboratoryId,
		AnalysisRequestId: request.ID,
		SampleTypeId:      input.SampleTypeId,
		SampleNo:          fmt.Sprintf("%s-%02d", request.RequestNo, seqNo%100),
		SequenceNo:        seqNo,
		Status:            models.SampleStatusExpected,
		Priority:          input.Priority,
		CollectedAt:       input.CollectedAt,
		DueDate:           input.DueDate,
		MetadataSnapshot:  snapshot,
		IsQC:              input.IsQC,
		IsInternalUse:     input.IsInternal,
	}
	if err := tx.Create(&sample).Error; err != nil {
		config.LogError(logger, "registrationWorkflow.go", "RegisterSample", "CreateSample", request.ID, err)
		return err
	}

	ordered := map[int]bool{}
	for _, profileId := range input.ProfileIds {
		var profile models.Profile
		if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, profileId).
			Preload("Analyses").First(&profile).Error; err != nil {
			return fmt.Errorf("profile %d not found", profileId)
		}
		pid := profile.ID
		for _, member := range profile.Analyses {
			if ordered[member.AnalysisId] {
				continue
			}
			ordered[member.AnalysisId] = true
			result := models.AnalysisResult{
				LaboratoryId: laboratoryId,
				SampleId:     sample.ID,
				AnalysisId:   member.AnalysisId,
				ProfileId:    &pid,
				Status:       models.ResultStatusPending,
				Reportable:   utils.NewTrue(),
				DueDate:      input.DueDate,
			}
			if err := tx.Create(&result).Error; err != nil {
				return err
			}
		}
	}
	for _, analysisId := range input.AnalysisIds {
		if ordered[analysisId] {
			continue
		}
		ordered[analysisId] = true
		result := models.AnalysisResult{
			LaboratoryId: laboratoryId,
			SampleId:     sample.ID,
			AnalysisId:   analysisId,
			Status:       models.ResultStatusPending,
			Reportable:   utils.NewTrue(),
			DueDate:      input.DueDate,
		}
		if err := tx.Create(&result).Error; err != nil {
			return err
		}
	}
	if len(ordered) == 0 {
		return fmt.Errorf("sample has no ordered analyses")
	}
	return nil
}

// buildMetadataSnapshot freezes the pricing/config the sample was registered
// under, so later price edits never change what this sample is judged against.
func buildMetadataSnapshot(tx *gorm.DB, laboratoryId string, input NewSampleInput) (string, error) {
	type priced struct {
		Kind        string `json:"kind"`
		ReferenceId int    `json:"reference_id"`
		Price       string `json:"price"`
	}
	var entries []priced
	for _, profileId := range input.ProfileIds {
		var price models.ProfilePrice
		err := tx.Where("laboratory_id = ? AND profile_id = ? AND is_active = ?", laboratoryId, profileId, true).
			Order("id DESC").First(&price).Error
		if err == gorm.ErrRecordNotFound {
			continue
		}
		if err != nil {
			return "", err
		}
		entries = append(entries, priced{Kind: "PROFILE", ReferenceId: profileId, Price: price.Amount.String()})
	}
	for _, analysisId := range input.AnalysisIds {
		var price models.AnalysisPrice
		err := tx.Where("laboratory_id = ? AND analysis_id = ? AND is_active = ?", laboratoryId, analysisId, true).
			Order("id DESC").First(&price).Error
		if err == gorm.ErrRecordNotFound {
			continue
		}
		if err != nil {
			return "", err
		}
		entries = append(entries, priced{Kind: "ANALYSIS", ReferenceId: analysisId, Price: price.Amount.String()})
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// SplitSample spawns a child specimen from a received sample, carrying the
// named analyses over as fresh pending results. The lineage link is validated
// for acyclicity before anything is written.
func SplitSample(ctx context.Context, laboratoryId string, sampleId int, analysisIds []int, userId int) (*models.Sample, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	if err := utils.ValidateResourcesId[models.Analysis](ctx, laboratoryId, analysisIds); err != nil {
		return nil, err
	}

	var child models.Sample
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var parent models.Sample
		if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, sampleId).First(&parent).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if parent.Status.IsTerminal() {
			return fmt.Errorf("sample %d is %s and cannot be split", sampleId, parent.Status)
		}

		seqNo, err := utils.GetSequence[models.Sample](ctx, laboratoryId)
		if err != nil {
			return err
		}
		// Acyclicity check runs against the stored lineage before any write.
		type link struct {
			ID             int
			ParentSampleId *int
		}
		var rows []link
		if err := tx.Model(&models.Sample{}).
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
		if err := models.ValidateSampleLineage(links, -1, parent.ID); err != nil {
			config.LogError(logger, "registrationWorkflow.go", "SplitSample", "ValidateSampleLineage", sampleId, err)
			return err
		}

		relationship := models.RelationshipTypeSplit
		child = models.Sample{
			LaboratoryId:      laboratoryId,
			AnalysisRequestId: parent.AnalysisRequestId,
			SampleTypeId:      parent.SampleTypeId,
			SampleNo:          fmt.Sprintf("%s-S%d", parent.SampleNo, seqNo%1000),
			SequenceNo:        seqNo,
			Status:            parent.Status,
			Priority:          parent.Priority,
			ParentSampleId:    &parent.ID,
			RelationshipType:  &relationship,
			DueDate:           parent.DueDate,
			MetadataSnapshot:  parent.MetadataSnapshot,
		}
		if err := tx.Create(&child).Error; err != nil {
			config.LogError(logger, "registrationWorkflow.go", "SplitSample", "CreateChild", sampleId, err)
			return err
		}
		for _, analysisId := range analysisIds {
			result := models.AnalysisResult{
				LaboratoryId: laboratoryId,
				SampleId:     child.ID,
				AnalysisId:   analysisId,
				Status:       models.ResultStatusPending,
				Reportable:   utils.NewTrue(),
			}
			if err := tx.Create(&result).Error; err != nil {
				return err
			}
		}
		return models.SaveTransitionHistory(tx, parent.ID, "samples", string(parent.Status), string(parent.Status),
			fmt.Sprintf("sample split into %d", child.ID))
	})
	if err != nil {
		return nil, err
	}
	return &child, nil
}
