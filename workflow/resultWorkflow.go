package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/config"
	"bitbucket.org/mmdatafocus/lims_backend/models"
	"bitbucket.org/mmdatafocus/lims_backend/utils"
	"gorm.io/gorm"
)

type SubmitResultInput struct {
	ResultId     int    `json:"result_id" binding:"required"`
	Value        string `json:"value"`
	InstrumentId *int   `json:"instrument_id"`
	MethodId     *int   `json:"method_id"`
}

// SkippedResult explains why a batch item was not processed. Skips are
// expected partial-readiness outcomes, not errors.
type SkippedResult struct {
	ResultId int    `json:"result_id"`
	Reason   string `json:"reason"`
}

// RestrictedResult carries the message/suggestion pair for a verification
// restriction. Callers show these alongside the approved set.
type RestrictedResult struct {
	ResultId   int    `json:"result_id"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
}

// SubmitResults processes a batch of pending result values. Each value runs
// the mutation pipeline before being stored; each applied step is audited as a
// ResultMutation row. Results failing the precondition (not PENDING, empty
// value) come back in the skip list instead of aborting the batch.
func SubmitResults(ctx context.Context, laboratoryId string, inputs []SubmitResultInput, submitterId int) ([]*models.AnalysisResult, []SkippedResult, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	var submitted []*models.AnalysisResult
	var skipped []SkippedResult

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireLaboratoryPostingLock(tx, laboratoryId); err != nil {
			config.LogError(logger, "resultWorkflow.go", "SubmitResults", "AcquireLaboratoryPostingLock", laboratoryId, err)
			return err
		}
		defer ReleaseLaboratoryPostingLock(tx, laboratoryId)

		now := time.Now()
		touchedSamples := map[int]bool{}

		for _, input := range inputs {
			var result models.AnalysisResult
			if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, input.ResultId).First(&result).Error; err != nil {
				if err == gorm.ErrRecordNotFound {
					skipped = append(skipped, SkippedResult{ResultId: input.ResultId, Reason: "result not found"})
					continue
				}
				config.LogError(logger, "resultWorkflow.go", "SubmitResults", "FetchResult", input.ResultId, err)
				return err
			}
			if result.Status != models.ResultStatusPending {
				skipped = append(skipped, SkippedResult{ResultId: input.ResultId, Reason: fmt.Sprintf("result is %s, not PENDING", result.Status)})
				continue
			}
			value := models.ParseResultValue(input.Value)
			if value.IsEmpty() {
				skipped = append(skipped, SkippedResult{ResultId: input.ResultId, Reason: "result value is empty"})
				continue
			}

			rules, err := loadMutationRules(tx, laboratoryId, result.AnalysisId)
			if err != nil {
				config.LogError(logger, "resultWorkflow.go", "SubmitResults", "LoadMutationRules", result.AnalysisId, err)
				return err
			}

			mutated, applied := ApplyResultMutations(value, input.InstrumentId, input.MethodId, rules)

			result.Value = mutated.String()
			result.Status = models.ResultStatusResulted
			result.InstrumentId = input.InstrumentId
			result.MethodId = input.MethodId
			result.SubmittedBy = &submitterId
			result.SubmittedAt = &now
			if err := tx.Save(&result).Error; err != nil {
				config.LogError(logger, "resultWorkflow.go", "SubmitResults", "SaveResult", result.ID, err)
				return err
			}

			for _, mutation := range applied {
				row := models.ResultMutation{
					LaboratoryId: laboratoryId,
					ResultId:     result.ID,
					Before:       mutation.Before,
					After:        mutation.After,
					Mutation:     mutation.Description,
				}
				if err := tx.Create(&row).Error; err != nil {
					config.LogError(logger, "resultWorkflow.go", "SubmitResults", "CreateResultMutation", result.ID, err)
					return err
				}
			}

			if err := models.SaveTransitionHistory(tx, result.ID, "analysis_results", string(models.ResultStatusPending), string(models.ResultStatusResulted), "result submitted"); err != nil {
				config.LogError(logger, "resultWorkflow.go", "SubmitResults", "SaveTransitionHistory", result.ID, err)
				return err
			}

			touchedSamples[result.SampleId] = true
			submitted = append(submitted, &result)
		}

		// Aggregate state is re-derived per sample after the batch so partially
		// submitted samples stay where they are.
		for sampleId := range touchedSamples {
			if err := advanceSampleAfterSubmit(tx, laboratoryId, sampleId); err != nil {
				config.LogError(logger, "resultWorkflow.go", "SubmitResults", "AdvanceSample", sampleId, err)
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return submitted, skipped, nil
}

// ApproveResults verifies a batch of resulted values. Self-verification is
// restricted unless the laboratory or the analysis allows it, or the result
// already carries a prior verifier different from the requester. Restricted
// results are excluded from the approved set and reported back with a
// message/suggestion pair. Verifiers are appended, never replaced.
func ApproveResults(ctx context.Context, laboratoryId string, resultIds []int, verifierId int, settings models.LaboratorySettings) ([]*models.AnalysisResult, []RestrictedResult, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	var approved []*models.AnalysisResult
	var restricted []RestrictedResult

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireLaboratoryPostingLock(tx, laboratoryId); err != nil {
			config.LogError(logger, "resultWorkflow.go", "ApproveResults", "AcquireLaboratoryPostingLock", laboratoryId, err)
			return err
		}
		defer ReleaseLaboratoryPostingLock(tx, laboratoryId)

		touchedSamples := map[int]bool{}

		for _, resultId := range resultIds {
			var result models.AnalysisResult
			if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, resultId).
				Preload("Verifiers").First(&result).Error; err != nil {
				if err == gorm.ErrRecordNotFound {
					restricted = append(restricted, RestrictedResult{
						ResultId: resultId,
						Message:  "result not found",
					})
					continue
				}
				config.LogError(logger, "resultWorkflow.go", "ApproveResults", "FetchResult", resultId, err)
				return err
			}
			if result.Status != models.ResultStatusResulted {
				restricted = append(restricted, RestrictedResult{
					ResultId:   resultId,
					Message:    fmt.Sprintf("result is %s, not RESULTED", result.Status),
					Suggestion: "submit a value before verification",
				})
				continue
			}

			if msg, suggestion, ok := checkSelfVerification(tx, laboratoryId, &result, verifierId, settings); !ok {
				restricted = append(restricted, RestrictedResult{
					ResultId:   resultId,
					Message:    msg,
					Suggestion: suggestion,
				})
				continue
			}

			result.Status = models.ResultStatusVerified
			if err := tx.Save(&result).Error; err != nil {
				config.LogError(logger, "resultWorkflow.go", "ApproveResults", "SaveResult", result.ID, err)
				return err
			}
			verifier := models.ResultVerifier{ResultId: result.ID, UserId: verifierId}
			if err := tx.Create(&verifier).Error; err != nil {
				config.LogError(logger, "resultWorkflow.go", "ApproveResults", "CreateVerifier", result.ID, err)
				return err
			}
			result.Verifiers = append(result.Verifiers, verifier)

			if err := models.SaveTransitionHistory(tx, result.ID, "analysis_results", string(models.ResultStatusResulted), string(models.ResultStatusVerified), "result verified"); err != nil {
				config.LogError(logger, "resultWorkflow.go", "ApproveResults", "SaveTransitionHistory", result.ID, err)
				return err
			}

			touchedSamples[result.SampleId] = true
			approved = append(approved, &result)
		}

		for sampleId := range touchedSamples {
			// Reflex evaluation after verification: inline when configured,
			// otherwise queued as an outbox job for the worker.
			evaluate := func() error {
				if config.ReflexOnSubmit() {
					if _, err := EvaluateSampleReflexes(tx, laboratoryId, sampleId); err != nil {
						config.LogError(logger, "resultWorkflow.go", "ApproveResults", "EvaluateSampleReflexes", sampleId, err)
						return err
					}
					return nil
				}
				if err := enqueueJob(tx, ctx, laboratoryId, models.JobCategoryReflex, models.JobActionEvaluate, sampleId, "samples", verifierId); err != nil {
					config.LogError(logger, "resultWorkflow.go", "ApproveResults", "EnqueueReflexJob", sampleId, err)
					return err
				}
				return nil
			}
			advance := func() error {
				if err := advanceSampleAfterVerify(tx, laboratoryId, sampleId, verifierId); err != nil {
					config.LogError(logger, "resultWorkflow.go", "ApproveResults", "AdvanceSample", sampleId, err)
					return err
				}
				return nil
			}
			if err := verifyFollowThrough(evaluate, advance); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return approved, restricted, nil
}

// verifyFollowThrough runs the post-verification steps for one touched sample.
// Reflex evaluation goes first so a decision that spawns a fresh PENDING result
// lands before the sample aggregate is re-derived; otherwise the sample could
// reach APPROVED with the spawned work still outstanding.
func verifyFollowThrough(evaluateReflexes func() error, advanceSample func() error) error {
	if err := evaluateReflexes(); err != nil {
		return err
	}
	return advanceSample()
}

func checkSelfVerification(tx *gorm.DB, laboratoryId string, result *models.AnalysisResult, verifierId int, settings models.LaboratorySettings) (message string, suggestion string, ok bool) {
	analysisAllows := false
	var analysis models.Analysis
	if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, result.AnalysisId).First(&analysis).Error; err == nil {
		analysisAllows = analysis.SelfVerification
	}
	return selfVerificationAllowed(result, verifierId, settings, analysisAllows)
}

// selfVerificationAllowed enforces the verification restriction: the submitter
// may not verify their own result unless the laboratory or the analysis allows
// it, or the result already carries a prior verifier other than the requester
// (co-verification chain).
func selfVerificationAllowed(result *models.AnalysisResult, verifierId int, settings models.LaboratorySettings, analysisAllows bool) (message string, suggestion string, ok bool) {
	for _, v := range result.Verifiers {
		if v.UserId == verifierId {
			return "result already verified by this user", "a different verifier must co-verify", false
		}
	}
	if result.SubmittedBy == nil || *result.SubmittedBy != verifierId {
		return "", "", true
	}
	if settings.AllowSelfVerification || analysisAllows {
		return "", "", true
	}
	// Co-verification chain: a prior verifier other than the submitter unlocks it.
	if len(result.Verifiers) > 0 {
		return "", "", true
	}
	return "self verification is not allowed for this result",
		"ask another user to verify, or enable self verification for the laboratory or analysis",
		false
}

// RetestResult clones the original into a fresh PENDING result with retest
// lineage. The original's reportable flag is left untouched unless the
// keep-original-reportable behavior is switched off.
func RetestResult(ctx context.Context, laboratoryId string, resultId int, retestedBy int) (*models.AnalysisResult, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	var clone *models.AnalysisResult
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var original models.AnalysisResult
		if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, resultId).First(&original).Error; err != nil {
			return utils.ErrorRecordNotFound
		}

		create := func(c *models.AnalysisResult) error {
			if err := tx.Create(c).Error; err != nil {
				config.LogError(logger, "resultWorkflow.go", "RetestResult", "CreateClone", original.ID, err)
				return err
			}
			return nil
		}
		clearReportable := func(originalId int) error {
			if err := tx.Model(&models.AnalysisResult{}).
				Where("laboratory_id = ? AND id = ?", laboratoryId, originalId).
				Update("reportable", false).Error; err != nil {
				config.LogError(logger, "resultWorkflow.go", "RetestResult", "UpdateOriginalReportable", originalId, err)
				return err
			}
			return nil
		}

		var err error
		clone, err = applyRetest(&original, config.RetestKeepsOriginalReportable(), create, clearReportable)
		if err != nil {
			return err
		}

		return models.SaveTransitionHistory(tx, original.ID, "analysis_results", string(original.Status), string(original.Status),
			fmt.Sprintf("retest requested by user %d, new result %d", retestedBy, clone.ID))
	})
	if err != nil {
		return nil, err
	}
	return clone, nil
}

// buildRetestClone constructs the fresh PENDING replacement for a retested
// result. The clone is always reportable; whether the original stays on the
// report is a separate decision.
func buildRetestClone(original *models.AnalysisResult) *models.AnalysisResult {
	return &models.AnalysisResult{
		LaboratoryId:   original.LaboratoryId,
		SampleId:       original.SampleId,
		AnalysisId:     original.AnalysisId,
		InstrumentId:   original.InstrumentId,
		MethodId:       original.MethodId,
		Status:         models.ResultStatusPending,
		Retest:         true,
		ParentResultId: &original.ID,
		Reportable:     utils.NewTrue(),
		ReflexLevel:    original.ReflexLevel,
		DueDate:        original.DueDate,
	}
}

// applyRetest writes the clone and, when keepOriginalReportable is off, clears
// the original's reportable flag so only the clone drives the sample aggregate.
// The storage writes come in as closures.
func applyRetest(original *models.AnalysisResult, keepOriginalReportable bool, create func(*models.AnalysisResult) error, clearReportable func(originalId int) error) (*models.AnalysisResult, error) {
	clone := buildRetestClone(original)
	if err := create(clone); err != nil {
		return nil, err
	}
	if !keepOriginalReportable {
		if err := clearReportable(original.ID); err != nil {
			return nil, err
		}
	}
	return clone, nil
}

// CancelResult cancels a single result from PENDING/RESULTED.
func CancelResult(ctx context.Context, laboratoryId string, resultId int, cancellerId int) (*models.AnalysisResult, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	var result models.AnalysisResult
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, resultId).First(&result).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if result.Status != models.ResultStatusPending && result.Status != models.ResultStatusResulted {
			return fmt.Errorf("result is %s and cannot be cancelled", result.Status)
		}
		before := result.Status
		now := time.Now()
		result.Status = models.ResultStatusCancelled
		result.CancelledBy = &cancellerId
		result.CancelledAt = &now
		if err := tx.Save(&result).Error; err != nil {
			config.LogError(logger, "resultWorkflow.go", "CancelResult", "SaveResult", result.ID, err)
			return err
		}
		return models.SaveTransitionHistory(tx, result.ID, "analysis_results", string(before), string(models.ResultStatusCancelled), "result cancelled")
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// RetractResult is the correction path from VERIFIED.
func RetractResult(ctx context.Context, laboratoryId string, resultId int, retractedBy int) (*models.AnalysisResult, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	var result models.AnalysisResult
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, resultId).First(&result).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if result.Status != models.ResultStatusVerified {
			return fmt.Errorf("result is %s, only VERIFIED results can be retracted", result.Status)
		}
		now := time.Now()
		result.Status = models.ResultStatusRetracted
		result.RetractedBy = &retractedBy
		result.RetractedAt = &now
		if err := tx.Save(&result).Error; err != nil {
			config.LogError(logger, "resultWorkflow.go", "RetractResult", "SaveResult", result.ID, err)
			return err
		}
		return models.SaveTransitionHistory(tx, result.ID, "analysis_results", string(models.ResultStatusVerified), string(models.ResultStatusRetracted), "result retracted")
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func loadMutationRules(tx *gorm.DB, laboratoryId string, analysisId int) (MutationRules, error) {
	var analysis models.Analysis
	err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, analysisId).
		Preload("CorrectionFactors").
		Preload("ResultSpecifications").
		Preload("DetectionLimits").
		Preload("Uncertainties").
		First(&analysis).Error
	if err != nil {
		return MutationRules{}, err
	}
	return MutationRules{
		CorrectionFactors: analysis.CorrectionFactors,
		Specifications:    analysis.ResultSpecifications,
		DetectionLimits:   analysis.DetectionLimits,
		Uncertainties:     analysis.Uncertainties,
	}, nil
}

// cancelSampleResults cascades a sample-level rejection/cancellation to the
// sample's still-open child results.
func cancelSampleResults(tx *gorm.DB, laboratoryId string, sampleId int, cancellerId int) error {
	var open []models.AnalysisResult
	if err := tx.Where("laboratory_id = ? AND sample_id = ? AND status IN ?", laboratoryId, sampleId,
		[]models.ResultStatus{models.ResultStatusPending, models.ResultStatusResulted}).
		Find(&open).Error; err != nil {
		return err
	}
	ids := cascadeCancelIds(open)
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	return tx.Model(&models.AnalysisResult{}).
		Where("laboratory_id = ? AND id IN ?", laboratoryId, ids).
		Updates(map[string]interface{}{
			"status":       models.ResultStatusCancelled,
			"cancelled_by": cancellerId,
			"cancelled_at": now,
		}).Error
}

// cascadeCancelIds picks the open results a sample-level cancellation closes.
// Results already marked non-reportable are left alone: they no longer drive
// the sample aggregate and stay as audit trail for their retest chain.
func cascadeCancelIds(results []models.AnalysisResult) []int {
	var ids []int
	for _, r := range results {
		if !utils.DereferencePtr(r.Reportable, true) {
			continue
		}
		ids = append(ids, r.ID)
	}
	return ids
}
