package models

import (
	"time"

	"bitbucket.org/mmdatafocus/lims_backend/config"
)

type JobPublishStatus string

const (
	JobPublishStatusPending    JobPublishStatus = "PENDING"
	JobPublishStatusProcessing JobPublishStatus = "PROCESSING"
	JobPublishStatusSent       JobPublishStatus = "SENT"
	JobPublishStatusFailed     JobPublishStatus = "FAILED"
	JobPublishStatusDead       JobPublishStatus = "DEAD"
)

// Job categories/actions understood by the worker. The worker looks up a
// handler by (category, action).
const (
	JobCategoryReport = "report"
	JobCategoryReflex = "reflex"

	JobActionGenerate = "generate"
	JobActionEvaluate = "evaluate"
)

// JobRecord is the transactional outbox row for background work. Workflows
// write it inside their mutation transaction; the dispatcher publishes to
// Pub/Sub after commit, with retries/backoff and a DEAD terminal state.
type JobRecord struct {
	ID           int    `gorm:"primary_key;index:idx_job_dispatch,priority:3" json:"id"`
	LaboratoryId string `gorm:"size:64;not null;index" json:"laboratory_id"`
	Category     string `gorm:"size:30;not null;index" json:"category"`
	Action       string `gorm:"size:30;not null" json:"action"`
	Priority     int    `gorm:"default:0" json:"priority"`

	ReferenceId   int    `json:"reference_id"`
	ReferenceType string `gorm:"size:50" json:"reference_type"`
	Payload       []byte `gorm:"type:blob" json:"payload"`
	CreatedBy     int    `gorm:"index" json:"created_by"`

	// Publish metadata (publish happens after commit via dispatcher).
	PublishStatus    JobPublishStatus `gorm:"size:20;index;not null;default:'PENDING';index:idx_job_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time       `gorm:"index" json:"published_at"`
	PubSubMessageId  *string          `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int              `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time       `gorm:"index;index:idx_job_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time       `gorm:"index" json:"locked_at"`
	LockedBy         *string          `gorm:"size:100" json:"locked_by"`
	LastPublishError *string          `gorm:"type:text" json:"last_publish_error"`

	// Processing metadata (consumer/worker side).
	IsProcessed      bool       `gorm:"index;not null" json:"is_processed"`
	LastProcessError *string    `gorm:"type:text" json:"last_process_error"`
	ProcessedAt      *time.Time `gorm:"index" json:"processed_at"`

	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (obj JobRecord) GetLaboratoryId() string {
	return obj.LaboratoryId
}

func ConvertToPubSubMessage(record JobRecord) config.PubSubMessage {
	return config.PubSubMessage{
		ID:            record.ID,
		LaboratoryId:  record.LaboratoryId,
		OccurredAt:    record.CreatedAt,
		ReferenceId:   record.ReferenceId,
		ReferenceType: record.ReferenceType,
		Action:        record.Category + "." + record.Action,
		Payload:       record.Payload,
		CorrelationId: record.CorrelationId,
	}
}
