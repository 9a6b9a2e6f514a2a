package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type StageStatus string

const (
	StageStatusNotStarted StageStatus = "not_started"
	StageStatusInProgress StageStatus = "in_progress"
	StageStatusComplete   StageStatus = "complete"
	StageStatusFailed     StageStatus = "failed"
)

// StageRecord is the per-document progress ledger. The durable row is
// authoritative; the redis snapshot mirrors it for fast resumption and
// is rebuilt from here, never the reverse.
type StageRecord struct {
	DocumentID   uuid.UUID `gorm:"primaryKey"`
	Stages       []byte    `gorm:"type:jsonb;not null"`
	CurrentStage string
	Cancelled    bool `gorm:"not null;default:false"`
	LastUpdated  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (r StageRecord) String() string {
	val, _ := json.Marshal(r)
	return string(val)
}

// StageStatuses decodes the per-stage status map.
func (r StageRecord) StageStatuses() (map[string]StageStatus, error) {
	statuses := map[string]StageStatus{}
	if len(r.Stages) == 0 {
		return statuses, nil
	}
	if err := json.Unmarshal(r.Stages, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

func MarshalStages(statuses map[string]StageStatus) ([]byte, error) {
	return json.Marshal(statuses)
}

// NewStageRecord builds a record with every listed stage not_started.
func NewStageRecord(documentID uuid.UUID, stages []string) (*StageRecord, error) {
	statuses := make(map[string]StageStatus, len(stages))
	for _, stage := range stages {
		statuses[stage] = StageStatusNotStarted
	}
	data, err := MarshalStages(statuses)
	if err != nil {
		return nil, err
	}
	return &StageRecord{
		DocumentID:  documentID,
		Stages:      data,
		LastUpdated: time.Now().UTC(),
	}, nil
}
