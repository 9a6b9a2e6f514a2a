package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task is one unit of queued work. Tasks are created pending, claimed
// by exactly one worker at a time and never deleted by the pipeline.
type Task struct {
	ID              uuid.UUID  `gorm:"primaryKey"`
	DocumentID      uuid.UUID  `gorm:"index;not null"`
	Stage           string     `gorm:"index;not null"`
	InputKind       string     `gorm:"not null;default:''"`
	Payload         []byte     `gorm:"type:jsonb"`
	Status          TaskStatus `gorm:"index;not null"`
	Priority        int        `gorm:"not null;default:0"`
	RetryCount      int        `gorm:"not null;default:0"`
	MaxRetries      int        `gorm:"not null;default:3"`
	LeaseOwner      *string
	LeaseAcquiredAt *time.Time
	ScheduledAt     time.Time `gorm:"index;not null"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type TaskList []Task

func (t Task) String() string {
	val, _ := json.Marshal(t)
	return string(val)
}

// RetriesExhausted reports whether the task has burned its whole retry
// budget. retry_count counts attempts, so the budget allows
// max_retries + 1 attempts in total.
func (t Task) RetriesExhausted() bool {
	return t.RetryCount > t.MaxRetries
}
