package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lexflow/lexflow/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type StageRecord interface {
	Get(ctx context.Context, documentID uuid.UUID) (*model.StageRecord, error)
	ListActive(ctx context.Context) ([]model.StageRecord, error)
	Create(ctx context.Context, record model.StageRecord) (*model.StageRecord, error)
	SetStageStatus(ctx context.Context, documentID uuid.UUID, stage string, status model.StageStatus) (*model.StageRecord, error)
	ResetFrom(ctx context.Context, documentID uuid.UUID, stages []string) (*model.StageRecord, error)
	MarkCancelled(ctx context.Context, documentID uuid.UUID) error
}

type StageRecordStore struct {
	db *gorm.DB
}

// Make sure we conform to StageRecord interface
var _ StageRecord = (*StageRecordStore)(nil)

func NewStageRecord(db *gorm.DB) StageRecord {
	return &StageRecordStore{db: db}
}

func (s *StageRecordStore) Get(ctx context.Context, documentID uuid.UUID) (*model.StageRecord, error) {
	var record model.StageRecord
	result := s.getDB(ctx).First(&record, "document_id = ?", documentID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying stage record: %w", result.Error)
	}
	return &record, nil
}

// ListActive returns the records of documents that are not cancelled.
// Used by the resume sweep to find documents with lost successor work.
func (s *StageRecordStore) ListActive(ctx context.Context) ([]model.StageRecord, error) {
	var records []model.StageRecord
	result := s.getDB(ctx).Where("cancelled = ?", false).Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("listing stage records: %w", result.Error)
	}
	return records, nil
}

func (s *StageRecordStore) Create(ctx context.Context, record model.StageRecord) (*model.StageRecord, error) {
	if record.LastUpdated.IsZero() {
		record.LastUpdated = time.Now().UTC()
	}
	if result := s.getDB(ctx).Create(&record); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("creating stage record: %w", result.Error)
	}
	return &record, nil
}

// SetStageStatus updates one stage's status in the ledger. The row is
// locked for the whole read-modify-write so two workers cannot
// interleave cycles on the same document and lose each other's status.
func (s *StageRecordStore) SetStageStatus(ctx context.Context, documentID uuid.UUID, stage string, status model.StageStatus) (*model.StageRecord, error) {
	var updated *model.StageRecord

	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		var record model.StageRecord
		if result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "document_id = ?", documentID); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return ErrRecordNotFound
			}
			return fmt.Errorf("querying stage record: %w", result.Error)
		}

		statuses, err := record.StageStatuses()
		if err != nil {
			return fmt.Errorf("decoding stage statuses: %w", err)
		}
		statuses[stage] = status
		data, err := model.MarshalStages(statuses)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		record.Stages = data
		record.LastUpdated = now
		if status == model.StageStatusInProgress || status == model.StageStatusComplete {
			record.CurrentStage = stage
		}

		if result := tx.Model(&model.StageRecord{}).
			Where("document_id = ?", documentID).
			Updates(map[string]interface{}{
				"stages":        data,
				"current_stage": record.CurrentStage,
				"last_updated":  now,
				"updated_at":    now,
			}); result.Error != nil {
			return fmt.Errorf("updating stage record: %w", result.Error)
		}

		updated = &record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ResetFrom clears the listed stages back to not_started. Used by the
// external reprocessing trigger: the caller passes a stage and all its
// downstream stages.
func (s *StageRecordStore) ResetFrom(ctx context.Context, documentID uuid.UUID, stages []string) (*model.StageRecord, error) {
	var updated *model.StageRecord

	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		var record model.StageRecord
		if result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "document_id = ?", documentID); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return ErrRecordNotFound
			}
			return fmt.Errorf("querying stage record: %w", result.Error)
		}

		statuses, err := record.StageStatuses()
		if err != nil {
			return fmt.Errorf("decoding stage statuses: %w", err)
		}
		for _, stage := range stages {
			statuses[stage] = model.StageStatusNotStarted
		}
		data, err := model.MarshalStages(statuses)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if result := tx.Model(&model.StageRecord{}).
			Where("document_id = ?", documentID).
			Updates(map[string]interface{}{
				"stages":       data,
				"last_updated": now,
				"updated_at":   now,
			}); result.Error != nil {
			return fmt.Errorf("resetting stage record: %w", result.Error)
		}

		record.Stages = data
		record.LastUpdated = now
		updated = &record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *StageRecordStore) MarkCancelled(ctx context.Context, documentID uuid.UUID) error {
	now := time.Now().UTC()
	result := s.getDB(ctx).Model(&model.StageRecord{}).
		Where("document_id = ?", documentID).
		Updates(map[string]interface{}{
			"cancelled":    true,
			"last_updated": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return fmt.Errorf("cancelling document: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *StageRecordStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}
