package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lexflow/lexflow/internal/store/model"
	"gorm.io/gorm"
)

type ExternalJob interface {
	Get(ctx context.Context, id uuid.UUID) (*model.ExternalJob, error)
	GetByToken(ctx context.Context, token string) (*model.ExternalJob, error)
	List(ctx context.Context, filter *ExternalJobQueryFilter) ([]model.ExternalJob, error)
	Create(ctx context.Context, job model.ExternalJob) (*model.ExternalJob, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.ExternalJobStatus, update ExternalJobUpdate) error
}

// ExternalJobUpdate carries optional fields written together with a
// status change.
type ExternalJobUpdate struct {
	ProviderJobID *string
	PageCount     *int
	AvgConfidence *float64
	Warnings      []string
}

type ExternalJobStore struct {
	db *gorm.DB
}

// Make sure we conform to ExternalJob interface
var _ ExternalJob = (*ExternalJobStore)(nil)

func NewExternalJob(db *gorm.DB) ExternalJob {
	return &ExternalJobStore{db: db}
}

func (s *ExternalJobStore) Get(ctx context.Context, id uuid.UUID) (*model.ExternalJob, error) {
	var job model.ExternalJob
	result := s.getDB(ctx).First(&job, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying external job: %w", result.Error)
	}
	return &job, nil
}

func (s *ExternalJobStore) GetByToken(ctx context.Context, token string) (*model.ExternalJob, error) {
	var job model.ExternalJob
	result := s.getDB(ctx).First(&job, "idempotency_token = ?", token)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying external job by token: %w", result.Error)
	}
	return &job, nil
}

func (s *ExternalJobStore) List(ctx context.Context, filter *ExternalJobQueryFilter) ([]model.ExternalJob, error) {
	var jobs []model.ExternalJob
	tx := s.getDB(ctx).Model(&model.ExternalJob{})
	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}
	if result := tx.Order("created_at").Find(&jobs); result.Error != nil {
		return nil, fmt.Errorf("listing external jobs: %w", result.Error)
	}
	return jobs, nil
}

// Create inserts the job row. The idempotency token is unique, so a
// duplicate insert (retried submission) returns the already-running
// job instead of creating a second one.
func (s *ExternalJobStore) Create(ctx context.Context, job model.ExternalJob) (*model.ExternalJob, error) {
	if job.ID == (uuid.UUID{}) {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = model.ExternalJobStatusSubmitted
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now().UTC()
	}

	if result := s.getDB(ctx).Create(&job); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			existing, err := s.GetByToken(ctx, job.IdempotencyToken)
			if err != nil {
				return nil, err
			}
			return existing, ErrDuplicateKey
		}
		return nil, fmt.Errorf("creating external job: %w", result.Error)
	}
	return &job, nil
}

func (s *ExternalJobStore) UpdateStatus(ctx context.Context, id uuid.UUID, status model.ExternalJobStatus, update ExternalJobUpdate) error {
	now := time.Now().UTC()
	fields := map[string]interface{}{
		"status":     status,
		"updated_at": now,
	}
	if update.ProviderJobID != nil {
		fields["provider_job_id"] = *update.ProviderJobID
	}
	if update.PageCount != nil {
		fields["page_count"] = *update.PageCount
	}
	if update.AvgConfidence != nil {
		fields["avg_confidence"] = *update.AvgConfidence
	}
	if update.Warnings != nil {
		fields["warnings"] = model.MarshalWarnings(update.Warnings)
	}
	switch status {
	case model.ExternalJobStatusSucceeded, model.ExternalJobStatusFailed, model.ExternalJobStatusPartialSuccess:
		fields["completed_at"] = now
	}

	result := s.getDB(ctx).Model(&model.ExternalJob{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("updating external job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *ExternalJobStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}
