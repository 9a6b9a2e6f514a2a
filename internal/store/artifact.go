package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lexflow/lexflow/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Artifact interface {
	Get(ctx context.Context, documentID uuid.UUID, stage string) (*model.Artifact, error)
	Put(ctx context.Context, documentID uuid.UUID, stage string, content []byte) error
	DeleteForStages(ctx context.Context, documentID uuid.UUID, stages []string) error
}

type ArtifactStore struct {
	db *gorm.DB
}

// Make sure we conform to Artifact interface
var _ Artifact = (*ArtifactStore)(nil)

func NewArtifact(db *gorm.DB) Artifact {
	return &ArtifactStore{db: db}
}

func (s *ArtifactStore) Get(ctx context.Context, documentID uuid.UUID, stage string) (*model.Artifact, error) {
	var artifact model.Artifact
	result := s.getDB(ctx).First(&artifact, "document_id = ? AND stage = ?", documentID, stage)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying artifact: %w", result.Error)
	}
	return &artifact, nil
}

// Put upserts the artifact so resumed stage executions stay idempotent.
func (s *ArtifactStore) Put(ctx context.Context, documentID uuid.UUID, stage string, content []byte) error {
	artifact := model.Artifact{
		DocumentID: documentID,
		Stage:      stage,
		Content:    content,
	}
	result := s.getDB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}, {Name: "stage"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
	}).Create(&artifact)
	if result.Error != nil {
		return fmt.Errorf("storing artifact: %w", result.Error)
	}
	return nil
}

// DeleteForStages drops artifacts for the given stages, including the
// per-unit outputs of fanned stages (stored as "<stage>/<unit>"). Used
// by the reprocessing reset together with StageRecord.ResetFrom.
func (s *ArtifactStore) DeleteForStages(ctx context.Context, documentID uuid.UUID, stages []string) error {
	if len(stages) == 0 {
		return nil
	}

	match := s.getDB(ctx).Where("stage IN ?", stages)
	for _, stage := range stages {
		match = match.Or("stage LIKE ?", stage+"/%")
	}

	result := s.getDB(ctx).
		Where("document_id = ?", documentID).
		Where(match).
		Delete(&model.Artifact{})
	if result.Error != nil {
		return fmt.Errorf("deleting artifacts: %w", result.Error)
	}
	return nil
}

func (s *ArtifactStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}
