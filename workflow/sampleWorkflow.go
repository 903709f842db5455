package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/config"
	"bitbucket.org/mmdatafocus/lims_backend/models"
	"bitbucket.org/mmdatafocus/lims_backend/utils"
	"gorm.io/gorm"
)

// ErrInvalidTransition wraps a sample transition attempted from the wrong state.
type ErrInvalidTransition struct {
	SampleId int
	From     models.SampleStatus
	To       models.SampleStatus
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("sample %d cannot transition from %s to %s", e.SampleId, e.From, e.To)
}

// CancelOutcome is the per-item report of a bulk cancellation.
type CancelOutcome struct {
	SampleId int    `json:"sample_id"`
	Ok       bool   `json:"ok"`
	Reason   string `json:"reason,omitempty"`
}

// ReceiveSample admits a sample into the laboratory: EXPECTED (or SCHEDULED,
// for pre-registered schedules) to RECEIVED.
func ReceiveSample(ctx context.Context, laboratoryId string, sampleId int, receiverId int) (*models.Sample, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	var sample models.Sample
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, sampleId).First(&sample).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if sample.Status != models.SampleStatusExpected && sample.Status != models.SampleStatusScheduled {
			return ErrInvalidTransition{SampleId: sampleId, From: sample.Status, To: models.SampleStatusReceived}
		}
		before := sample.Status
		now := time.Now()
		sample.Status = models.SampleStatusReceived
		sample.ReceivedBy = &receiverId
		sample.ReceivedAt = &now
		if err := tx.Save(&sample).Error; err != nil {
			config.LogError(logger, "sampleWorkflow.go", "ReceiveSample", "SaveSample", sampleId, err)
			return err
		}
		return models.SaveTransitionHistory(tx, sample.ID, "samples", string(before), string(sample.Status), "sample received")
	})
	if err != nil {
		return nil, err
	}
	return &sample, nil
}

// SubmitSample moves a sample to AWAITING when every reportable result is in
// {RESULTED, VERIFIED}. When the precondition is not yet met the call is a
// no-op, not an error; the caller re-checks after more results come in.
func SubmitSample(ctx context.Context, laboratoryId string, sampleId int, submitterId int) (*models.Sample, bool, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	var sample models.Sample
	advanced := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, sampleId).
			Preload("Results").First(&sample).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if sample.Status != models.SampleStatusReceived {
			return nil
		}
		if !allReportableIn(&sample, models.ResultStatusResulted, models.ResultStatusVerified) {
			return nil
		}
		now := time.Now()
		sample.Status = models.SampleStatusAwaiting
		sample.SubmittedBy = &submitterId
		sample.SubmittedAt = &now
		if err := tx.Save(&sample).Error; err != nil {
			config.LogError(logger, "sampleWorkflow.go", "SubmitSample", "SaveSample", sampleId, err)
			return err
		}
		advanced = true
		return models.SaveTransitionHistory(tx, sample.ID, "samples", string(models.SampleStatusReceived), string(models.SampleStatusAwaiting), "sample submitted for verification")
	})
	if err != nil {
		return nil, false, err
	}
	return &sample, advanced, nil
}

// ApproveSample moves a sample to APPROVED once every reportable result is in
// {VERIFIED, RETRACTED}. Returns whether the sample is now fully verified so
// callers can cascade to publish. Self-verification restrictions are enforced
// at the result level before results ever reach VERIFIED, not re-checked here.
func ApproveSample(ctx context.Context, laboratoryId string, sampleId int, approverId int) (*models.Sample, bool, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	var sample models.Sample
	fullyVerified := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, sampleId).
			Preload("Results").First(&sample).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if sample.Status != models.SampleStatusAwaiting && sample.Status != models.SampleStatusReceived {
			return ErrInvalidTransition{SampleId: sampleId, From: sample.Status, To: models.SampleStatusApproved}
		}
		if !allReportableIn(&sample, models.ResultStatusVerified, models.ResultStatusRetracted) {
			return nil
		}
		before := sample.Status
		now := time.Now()
		sample.Status = models.SampleStatusApproved
		sample.VerifiedBy = &approverId
		sample.VerifiedAt = &now
		if err := tx.Save(&sample).Error; err != nil {
			config.LogError(logger, "sampleWorkflow.go", "ApproveSample", "SaveSample", sampleId, err)
			return err
		}
		fullyVerified = true
		if err := models.SaveTransitionHistory(tx, sample.ID, "samples", string(before), string(sample.Status), "sample approved"); err != nil {
			return err
		}
		if config.AutoPublishOnApprove() {
			return startPublishing(tx, ctx, laboratoryId, &sample, approverId)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &sample, fullyVerified, nil
}

// PublishSample queues asynchronous report generation: APPROVED -> PUBLISHING.
// The worker flips PUBLISHING -> PUBLISHED once the report exists.
func PublishSample(ctx context.Context, laboratoryId string, sampleId int, publisherId int) (*models.Sample, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	var sample models.Sample
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, sampleId).First(&sample).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if sample.Status != models.SampleStatusApproved {
			return ErrInvalidTransition{SampleId: sampleId, From: sample.Status, To: models.SampleStatusPublishing}
		}
		if err := startPublishing(tx, ctx, laboratoryId, &sample, publisherId); err != nil {
			config.LogError(logger, "sampleWorkflow.go", "PublishSample", "StartPublishing", sampleId, err)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sample, nil
}

func startPublishing(tx *gorm.DB, ctx context.Context, laboratoryId string, sample *models.Sample, userId int) error {
	before := sample.Status
	sample.Status = models.SampleStatusPublishing
	if err := tx.Save(sample).Error; err != nil {
		return err
	}
	if err := models.SaveTransitionHistory(tx, sample.ID, "samples", string(before), string(sample.Status), "report generation queued"); err != nil {
		return err
	}
	return enqueueJob(tx, ctx, laboratoryId, models.JobCategoryReport, models.JobActionGenerate, sample.ID, "samples", userId)
}

// MarkSamplePublished is invoked by the report job handler after the report
// artifact exists: PUBLISHING -> PUBLISHED.
func MarkSamplePublished(tx *gorm.DB, laboratoryId string, sampleId int) error {
	var sample models.Sample
	if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, sampleId).First(&sample).Error; err != nil {
		return utils.ErrorRecordNotFound
	}
	if sample.Status != models.SampleStatusPublishing {
		return ErrInvalidTransition{SampleId: sampleId, From: sample.Status, To: models.SampleStatusPublished}
	}
	now := time.Now()
	sample.Status = models.SampleStatusPublished
	sample.PublishedAt = &now
	if err := tx.Save(&sample).Error; err != nil {
		return err
	}
	return models.SaveTransitionHistory(tx, sample.ID, "samples", string(models.SampleStatusPublishing), string(models.SampleStatusPublished), "report published")
}

// RejectSample rejects a sample from RECEIVED/AWAITING, attaching the reasons
// and cascading cancellation to its open results.
func RejectSample(ctx context.Context, laboratoryId string, sampleId int, rejectorId int, reasons []string) (*models.Sample, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	var sample models.Sample
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, sampleId).First(&sample).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if sample.Status != models.SampleStatusReceived && sample.Status != models.SampleStatusAwaiting {
			return ErrInvalidTransition{SampleId: sampleId, From: sample.Status, To: models.SampleStatusRejected}
		}
		before := sample.Status
		sample.Status = models.SampleStatusRejected
		sample.RejectionReasons = strings.Join(reasons, "; ")
		if err := tx.Save(&sample).Error; err != nil {
			config.LogError(logger, "sampleWorkflow.go", "RejectSample", "SaveSample", sampleId, err)
			return err
		}
		if err := cancelSampleResults(tx, laboratoryId, sampleId, rejectorId); err != nil {
			config.LogError(logger, "sampleWorkflow.go", "RejectSample", "CancelSampleResults", sampleId, err)
			return err
		}
		return models.SaveTransitionHistory(tx, sample.ID, "samples", string(before), string(sample.Status), "sample rejected: "+sample.RejectionReasons)
	})
	if err != nil {
		return nil, err
	}
	return &sample, nil
}

// InvalidateSample voids an APPROVED/PUBLISHED sample and spawns exactly one
// corrective copy in EXPECTED with fresh PENDING results mirroring the
// original's ordered analyses. Both sides persist in one transaction.
func InvalidateSample(ctx context.Context, laboratoryId string, sampleId int, invalidatorId int) (copy *models.Sample, invalidated *models.Sample, err error) {
	db := config.GetDB()
	logger := config.GetLogger()

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sample models.Sample
		if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, sampleId).
			Preload("Results").First(&sample).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if sample.Status != models.SampleStatusApproved && sample.Status != models.SampleStatusPublished {
			return ErrInvalidTransition{SampleId: sampleId, From: sample.Status, To: models.SampleStatusInvalidated}
		}

		before := sample.Status
		sample.Status = models.SampleStatusInvalidated
		if err := tx.Save(&sample).Error; err != nil {
			config.LogError(logger, "sampleWorkflow.go", "InvalidateSample", "SaveOriginal", sampleId, err)
			return err
		}

		relationship := models.RelationshipTypeInvalid
		newSample := models.Sample{
			LaboratoryId:      laboratoryId,
			AnalysisRequestId: sample.AnalysisRequestId,
			SampleTypeId:      sample.SampleTypeId,
			SampleNo:          sample.SampleNo,
			Status:            models.SampleStatusExpected,
			Priority:          sample.Priority,
			ParentSampleId:    &sample.ID,
			RelationshipType:  &relationship,
			DueDate:           sample.DueDate,
			MetadataSnapshot:  sample.MetadataSnapshot,
			IsQC:              sample.IsQC,
			IsInternalUse:     sample.IsInternalUse,
		}
		if err := tx.Create(&newSample).Error; err != nil {
			config.LogError(logger, "sampleWorkflow.go", "InvalidateSample", "CreateCopy", sampleId, err)
			return err
		}

		// Mirror the original's ordered analyses as fresh pending results.
		seen := map[int]bool{}
		for _, result := range sample.Results {
			if seen[result.AnalysisId] {
				continue
			}
			seen[result.AnalysisId] = true
			fresh := models.AnalysisResult{
				LaboratoryId: laboratoryId,
				SampleId:     newSample.ID,
				AnalysisId:   result.AnalysisId,
				Status:       models.ResultStatusPending,
				Reportable:   utils.NewTrue(),
				DueDate:      result.DueDate,
			}
			if err := tx.Create(&fresh).Error; err != nil {
				config.LogError(logger, "sampleWorkflow.go", "InvalidateSample", "CreateFreshResult", result.AnalysisId, err)
				return err
			}
		}

		if err := models.SaveTransitionHistory(tx, sample.ID, "samples", string(before), string(sample.Status),
			fmt.Sprintf("sample invalidated, corrective copy %d created", newSample.ID)); err != nil {
			return err
		}

		copy = &newSample
		invalidated = &sample
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return copy, invalidated, nil
}

// CancelSamples is a bulk cancellation. Per-item failures are collected, not
// raised; only non-terminal samples cancel. PriorStatus is recorded so
// re_instate can restore the exact pre-cancellation state.
func CancelSamples(ctx context.Context, laboratoryId string, sampleIds []int, cancellerId int) ([]CancelOutcome, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	outcomes := make([]CancelOutcome, 0, len(sampleIds))
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, sampleId := range sampleIds {
			var sample models.Sample
			if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, sampleId).First(&sample).Error; err != nil {
				outcomes = append(outcomes, CancelOutcome{SampleId: sampleId, Reason: "sample not found"})
				continue
			}
			if sample.Status.IsTerminal() {
				outcomes = append(outcomes, CancelOutcome{SampleId: sampleId, Reason: fmt.Sprintf("sample is %s", sample.Status)})
				continue
			}
			prior := sample.Status
			sample.PriorStatus = &prior
			sample.Status = models.SampleStatusCancelled
			if err := tx.Save(&sample).Error; err != nil {
				config.LogError(logger, "sampleWorkflow.go", "CancelSamples", "SaveSample", sampleId, err)
				return err
			}
			if err := cancelSampleResults(tx, laboratoryId, sampleId, cancellerId); err != nil {
				config.LogError(logger, "sampleWorkflow.go", "CancelSamples", "CancelSampleResults", sampleId, err)
				return err
			}
			if err := models.SaveTransitionHistory(tx, sample.ID, "samples", string(prior), string(sample.Status), "sample cancelled"); err != nil {
				return err
			}
			outcomes = append(outcomes, CancelOutcome{SampleId: sampleId, Ok: true})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// ReinstateSample reverses a cancellation back to the tracked PriorStatus.
// Fails when no prior state was recorded.
func ReinstateSample(ctx context.Context, laboratoryId string, sampleId int, reinstatorId int) (*models.Sample, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	var sample models.Sample
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, sampleId).First(&sample).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if sample.Status != models.SampleStatusCancelled {
			return ErrInvalidTransition{SampleId: sampleId, From: sample.Status, To: models.SampleStatusExpected}
		}
		if sample.PriorStatus == nil {
			return fmt.Errorf("sample %d has no recorded prior state to reinstate", sampleId)
		}
		restored := *sample.PriorStatus
		sample.Status = restored
		sample.PriorStatus = nil
		if err := tx.Select("status", "prior_status", "updated_at").Save(&sample).Error; err != nil {
			config.LogError(logger, "sampleWorkflow.go", "ReinstateSample", "SaveSample", sampleId, err)
			return err
		}
		return models.SaveTransitionHistory(tx, sample.ID, "samples", string(models.SampleStatusCancelled), string(restored), "sample reinstated")
	})
	if err != nil {
		return nil, err
	}
	return &sample, nil
}

// PrintSample records a print event. Metadata only; status is unchanged.
func PrintSample(ctx context.Context, laboratoryId string, sampleId int, printerId int) (*models.Sample, error) {
	db := config.GetDB()

	var sample models.Sample
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, sampleId).First(&sample).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		now := time.Now()
		sample.PrintedAt = &now
		sample.PrintedBy = &printerId
		if err := tx.Save(&sample).Error; err != nil {
			return err
		}
		return models.SaveTransitionHistory(tx, sample.ID, "samples", string(sample.Status), string(sample.Status), "sample printed")
	})
	if err != nil {
		return nil, err
	}
	return &sample, nil
}

// RevertSample rolls a sample back exactly one workflow step. Used only as a
// compensating action when a dependent operation failed after the sample
// optimistically advanced.
func RevertSample(ctx context.Context, laboratoryId string, sampleId int, by int) (*models.Sample, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	var sample models.Sample
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, sampleId).First(&sample).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		previous, ok := revertTarget(sample.Status)
		if !ok {
			return fmt.Errorf("sample %d in %s has no previous workflow step", sampleId, sample.Status)
		}
		before := sample.Status
		sample.Status = previous
		if err := tx.Save(&sample).Error; err != nil {
			config.LogError(logger, "sampleWorkflow.go", "RevertSample", "SaveSample", sampleId, err)
			return err
		}
		return models.SaveTransitionHistory(tx, sample.ID, "samples", string(before), string(previous),
			fmt.Sprintf("sample reverted one step by user %d", by))
	})
	if err != nil {
		return nil, err
	}
	return &sample, nil
}

func revertTarget(status models.SampleStatus) (models.SampleStatus, bool) {
	switch status {
	case models.SampleStatusReceived:
		return models.SampleStatusExpected, true
	case models.SampleStatusAwaiting:
		return models.SampleStatusReceived, true
	case models.SampleStatusApproved:
		return models.SampleStatusAwaiting, true
	case models.SampleStatusPublishing, models.SampleStatusPublished:
		return models.SampleStatusApproved, true
	}
	return "", false
}

func allReportableIn(sample *models.Sample, statuses ...models.ResultStatus) bool {
	reportable := sample.ReportableResults()
	if len(reportable) == 0 {
		return false
	}
	for _, result := range reportable {
		match := false
		for _, status := range statuses {
			if result.Status == status {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}

// advanceSampleAfterSubmit re-derives the aggregate state after a result
// submission batch: RECEIVED -> AWAITING once every reportable result is in
// {RESULTED, VERIFIED}.
func advanceSampleAfterSubmit(tx *gorm.DB, laboratoryId string, sampleId int) error {
	var sample models.Sample
	if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, sampleId).
		Preload("Results").First(&sample).Error; err != nil {
		return err
	}
	if sample.Status != models.SampleStatusReceived {
		return nil
	}
	if !allReportableIn(&sample, models.ResultStatusResulted, models.ResultStatusVerified) {
		return nil
	}
	if err := tx.Model(&models.Sample{}).
		Where("laboratory_id = ? AND id = ?", laboratoryId, sampleId).
		Update("status", models.SampleStatusAwaiting).Error; err != nil {
		return err
	}
	return models.SaveTransitionHistory(tx, sampleId, "samples", string(models.SampleStatusReceived), string(models.SampleStatusAwaiting), "all results submitted")
}

// advanceSampleAfterVerify re-derives the aggregate state after a verification
// batch: RECEIVED/AWAITING -> APPROVED once every reportable result is in
// {VERIFIED, RETRACTED}.
func advanceSampleAfterVerify(tx *gorm.DB, laboratoryId string, sampleId int, verifierId int) error {
	var sample models.Sample
	if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, sampleId).
		Preload("Results").First(&sample).Error; err != nil {
		return err
	}
	if sample.Status != models.SampleStatusAwaiting && sample.Status != models.SampleStatusReceived {
		return nil
	}
	if !allReportableIn(&sample, models.ResultStatusVerified, models.ResultStatusRetracted) {
		return nil
	}
	before := sample.Status
	now := time.Now()
	sample.Status = models.SampleStatusApproved
	sample.VerifiedBy = &verifierId
	sample.VerifiedAt = &now
	if err := tx.Save(&sample).Error; err != nil {
		return err
	}
	return models.SaveTransitionHistory(tx, sampleId, "samples", string(before), string(models.SampleStatusApproved), "all results verified")
}
