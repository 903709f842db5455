package workflow

import (
	"context"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/config"
	"bitbucket.org/mmdatafocus/lims_backend/models"
	"bitbucket.org/mmdatafocus/lims_backend/models/reports"
	"bitbucket.org/mmdatafocus/lims_backend/utils"
	"gorm.io/gorm"
)

// enqueueJob writes a transactional outbox row inside the caller's mutation
// transaction. The dispatcher publishes it to Pub/Sub after commit.
func enqueueJob(tx *gorm.DB, ctx context.Context, laboratoryId string, category string, action string, referenceId int, referenceType string, createdBy int) error {
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	record := models.JobRecord{
		LaboratoryId:  laboratoryId,
		Category:      category,
		Action:        action,
		ReferenceId:   referenceId,
		ReferenceType: referenceType,
		CreatedBy:     createdBy,
		PublishStatus: models.JobPublishStatusPending,
		CorrelationId: correlationId,
	}
	return tx.Create(&record).Error
}

// ProcessJob is the worker entry point for a pushed job message. Handlers are
// looked up by (category, action) and run under durable idempotency keyed by
// the Pub/Sub message id, so at-least-once delivery never double-applies.
func ProcessJob(ctx context.Context, laboratoryId string, messageId string, jobId int) error {
	db := config.GetDB()
	logger := config.GetLogger()

	handlerName := fmt.Sprintf("job-%d", jobId)

	var processed models.JobRecord
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		skip, err := BeginIdempotency(tx, laboratoryId, handlerName, messageId)
		if err != nil {
			config.LogError(logger, "mainWorkflow.go", "ProcessJob", "BeginIdempotency", jobId, err)
			return err
		}
		if skip {
			return nil
		}

		var record models.JobRecord
		if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, jobId).First(&record).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		processed = record
		if record.IsProcessed {
			return MarkIdempotencySucceeded(tx, laboratoryId, handlerName, messageId)
		}

		handlerErr := runJobHandler(tx, ctx, laboratoryId, &record)

		now := time.Now()
		if handlerErr != nil {
			msg := handlerErr.Error()
			_ = tx.Model(&models.JobRecord{}).Where("id = ?", record.ID).
				Updates(map[string]interface{}{"last_process_error": &msg}).Error
			_ = MarkIdempotencyFailed(tx, laboratoryId, handlerName, messageId, handlerErr)
			config.LogError(logger, "mainWorkflow.go", "ProcessJob", record.Category+"."+record.Action, record.ID, handlerErr)
			return handlerErr
		}

		if err := tx.Model(&models.JobRecord{}).Where("id = ?", record.ID).
			Updates(map[string]interface{}{
				"is_processed":       true,
				"processed_at":       &now,
				"last_process_error": nil,
			}).Error; err != nil {
			return err
		}
		return MarkIdempotencySucceeded(tx, laboratoryId, handlerName, messageId)
	})
	if err != nil {
		return err
	}

	// Published reports are announced to downstream systems best-effort; the
	// job itself is already committed, so a publish failure is only logged.
	if processed.Category == models.JobCategoryReport {
		if topic := os.Getenv("PUBSUB_INTEGRATION_TOPIC"); topic != "" {
			if err := config.PublishIntegrationEvent(topic, processed); err != nil {
				config.LogError(logger, "mainWorkflow.go", "ProcessJob", "PublishIntegrationEvent", processed.ID, err)
			}
		}
	}
	return nil
}

func runJobHandler(tx *gorm.DB, ctx context.Context, laboratoryId string, record *models.JobRecord) error {
	switch record.Category + "." + record.Action {
	case models.JobCategoryReport + "." + models.JobActionGenerate:
		return generateSampleReport(tx, ctx, laboratoryId, record.ReferenceId)
	case models.JobCategoryReflex + "." + models.JobActionEvaluate:
		_, err := EvaluateSampleReflexes(tx, laboratoryId, record.ReferenceId)
		return err
	default:
		return fmt.Errorf("no handler registered for %s.%s", record.Category, record.Action)
	}
}

// generateSampleReport renders the sample's verified results to a spreadsheet,
// stores it, attaches it as a document, and completes the publish transition.
func generateSampleReport(tx *gorm.DB, ctx context.Context, laboratoryId string, sampleId int) error {
	var sample models.Sample
	if err := tx.Where("laboratory_id = ? AND id = ?", laboratoryId, sampleId).
		Preload("Results.Verifiers").First(&sample).Error; err != nil {
		return utils.ErrorRecordNotFound
	}

	names, err := reports.AnalysisNamesForSample(tx, laboratoryId, &sample)
	if err != nil {
		return err
	}
	file, err := reports.BuildSampleReport(&sample, names)
	if err != nil {
		return err
	}
	buf, err := file.WriteToBuffer()
	if err != nil {
		return err
	}

	objectKey := fmt.Sprintf("%s/reports/sample-%d-%s.xlsx", laboratoryId, sample.ID, utils.GenerateUniqueFilename())
	if err := utils.UploadBytesToGCS(ctx, objectKey, buf.Bytes(), reports.SampleReportContentType); err != nil {
		return err
	}

	document := models.Document{
		DocumentUrl:   utils.BuildObjectAccessURL(objectKey),
		ReferenceType: "samples",
		ReferenceID:   sample.ID,
	}
	if err := tx.Create(&document).Error; err != nil {
		return err
	}

	return MarkSamplePublished(tx, laboratoryId, sample.ID)
}
