package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lexflow/lexflow/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Barrier interface {
	Get(ctx context.Context, id uuid.UUID) (*model.JoinBarrier, error)
	GetByStage(ctx context.Context, documentID uuid.UUID, stage string) (*model.JoinBarrier, error)
	Create(ctx context.Context, barrier model.JoinBarrier) (*model.JoinBarrier, error)
	RecordCompletion(ctx context.Context, id uuid.UUID, unit string, failed bool) (*model.JoinBarrier, error)
	MarkDispatched(ctx context.Context, id uuid.UUID) error
}

type BarrierStore struct {
	db *gorm.DB
}

// Make sure we conform to Barrier interface
var _ Barrier = (*BarrierStore)(nil)

func NewBarrier(db *gorm.DB) Barrier {
	return &BarrierStore{db: db}
}

func (s *BarrierStore) Get(ctx context.Context, id uuid.UUID) (*model.JoinBarrier, error) {
	var barrier model.JoinBarrier
	result := s.getDB(ctx).First(&barrier, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying barrier: %w", result.Error)
	}
	return &barrier, nil
}

func (s *BarrierStore) GetByStage(ctx context.Context, documentID uuid.UUID, stage string) (*model.JoinBarrier, error) {
	var barrier model.JoinBarrier
	result := s.getDB(ctx).
		Where("document_id = ? AND stage = ?", documentID, stage).
		Order("created_at DESC").
		First(&barrier)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying barrier: %w", result.Error)
	}
	return &barrier, nil
}

func (s *BarrierStore) Create(ctx context.Context, barrier model.JoinBarrier) (*model.JoinBarrier, error) {
	if barrier.ID == (uuid.UUID{}) {
		barrier.ID = uuid.New()
	}
	if result := s.getDB(ctx).Create(&barrier); result.Error != nil {
		return nil, fmt.Errorf("creating barrier: %w", result.Error)
	}
	return &barrier, nil
}

// RecordCompletion counts one sub-task's terminal report and returns
// the updated row. The row is locked for the whole read-modify-write so
// two workers reporting the last two sub-tasks cannot both observe a
// stale count; exactly one caller sees the barrier reach its expected
// count. SQLite ignores the lock clause and serializes on its single
// connection instead.
func (s *BarrierStore) RecordCompletion(ctx context.Context, id uuid.UUID, unit string, failed bool) (*model.JoinBarrier, error) {
	var updated *model.JoinBarrier

	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		var barrier model.JoinBarrier
		if result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&barrier, "id = ?", id); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return ErrRecordNotFound
			}
			return fmt.Errorf("querying barrier: %w", result.Error)
		}

		fields := map[string]interface{}{
			"completed_count": gorm.Expr("completed_count + 1"),
			"updated_at":      time.Now().UTC(),
		}
		if failed {
			units := append(barrier.FailedUnitList(), unit)
			data, err := marshalUnits(units)
			if err != nil {
				return err
			}
			fields["failed_units"] = data
			barrier.FailedUnits = data
		}

		if result := tx.Model(&model.JoinBarrier{}).Where("id = ?", id).Updates(fields); result.Error != nil {
			return fmt.Errorf("updating barrier: %w", result.Error)
		}

		barrier.CompletedCount++
		updated = &barrier
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkDispatched flips the dispatched flag exactly once. Losing the
// race returns ErrConcurrencyConflict so only one caller dispatches
// the aggregate successor.
func (s *BarrierStore) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	result := s.getDB(ctx).Model(&model.JoinBarrier{}).
		Where("id = ? AND dispatched = ?", id, false).
		Updates(map[string]interface{}{
			"dispatched": true,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("marking barrier dispatched: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConcurrencyConflict
	}
	return nil
}

func marshalUnits(units []string) ([]byte, error) {
	data, err := json.Marshal(units)
	if err != nil {
		return nil, fmt.Errorf("encoding failed units: %w", err)
	}
	return data, nil
}

func (s *BarrierStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}
