package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ExternalJobStatus string

const (
	ExternalJobStatusSubmitted      ExternalJobStatus = "submitted"
	ExternalJobStatusInProgress     ExternalJobStatus = "in_progress"
	ExternalJobStatusSucceeded      ExternalJobStatus = "succeeded"
	ExternalJobStatusFailed         ExternalJobStatus = "failed"
	ExternalJobStatusPartialSuccess ExternalJobStatus = "partial_success"
)

// ExternalJob is the durable handle to one remote long-running job.
// The idempotency token is deterministic from (document, stage), and
// its uniqueness guarantees at most one non-terminal job per pair.
type ExternalJob struct {
	ID               uuid.UUID         `gorm:"primaryKey"`
	ProviderJobID    string            `gorm:"index"`
	DocumentID       uuid.UUID         `gorm:"index;not null"`
	Stage            string            `gorm:"not null"`
	Status           ExternalJobStatus `gorm:"not null"`
	IdempotencyToken string            `gorm:"uniqueIndex;not null"`
	PageCount        int
	AvgConfidence    float64
	Warnings         []byte `gorm:"type:jsonb"`
	StartedAt        time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (j ExternalJob) String() string {
	val, _ := json.Marshal(j)
	return string(val)
}

func (j ExternalJob) Terminal() bool {
	switch j.Status {
	case ExternalJobStatusSucceeded, ExternalJobStatusFailed, ExternalJobStatusPartialSuccess:
		return true
	}
	return false
}

func (j ExternalJob) WarningList() []string {
	if len(j.Warnings) == 0 {
		return nil
	}
	var warnings []string
	if err := json.Unmarshal(j.Warnings, &warnings); err != nil {
		return nil
	}
	return warnings
}

func MarshalWarnings(warnings []string) []byte {
	if len(warnings) == 0 {
		return nil
	}
	data, _ := json.Marshal(warnings)
	return data
}
