package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JoinBarrier tracks fan-in for a stage split into parallel sub-tasks.
// The aggregate successor is dispatched exactly once, when
// completed_count reaches expected_count.
type JoinBarrier struct {
	ID             uuid.UUID `gorm:"primaryKey"`
	DocumentID     uuid.UUID `gorm:"index;not null"`
	Stage          string    `gorm:"not null"`
	ExpectedCount  int       `gorm:"not null"`
	CompletedCount int       `gorm:"not null;default:0"`
	FailedUnits    []byte    `gorm:"type:jsonb"`
	Dispatched     bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (b JoinBarrier) Complete() bool {
	return b.CompletedCount >= b.ExpectedCount
}

func (b JoinBarrier) FailedUnitList() []string {
	if len(b.FailedUnits) == 0 {
		return nil
	}
	var units []string
	if err := json.Unmarshal(b.FailedUnits, &units); err != nil {
		return nil
	}
	return units
}
