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

type Task interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Task, error)
	List(ctx context.Context, filter *TaskQueryFilter, opts *TaskQueryOptions) (model.TaskList, error)
	Create(ctx context.Context, task model.Task) (*model.Task, error)
	CreateBatch(ctx context.Context, tasks []model.Task) error
	Claim(ctx context.Context, batchSize int, workerID string) (model.TaskList, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Fail(ctx context.Context, id uuid.UUID, errorMessage string) error
	Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, errorMessage string) error
	Defer(ctx context.Context, id uuid.UUID, runAt time.Time) error
	ResetIfStalled(ctx context.Context, task model.Task, annotation string) error
	FailIfStalled(ctx context.Context, task model.Task, annotation string) error
}

type TaskStore struct {
	db *gorm.DB
}

// Make sure we conform to Task interface
var _ Task = (*TaskStore)(nil)

func NewTask(db *gorm.DB) Task {
	return &TaskStore{db: db}
}

func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	var task model.Task
	result := s.getDB(ctx).First(&task, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying task: %w", result.Error)
	}
	return &task, nil
}

func (s *TaskStore) List(ctx context.Context, filter *TaskQueryFilter, opts *TaskQueryOptions) (model.TaskList, error) {
	var tasks model.TaskList
	tx := s.getDB(ctx).Model(&model.Task{})

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}
	if opts != nil {
		for _, fn := range opts.QueryFn {
			tx = fn(tx)
		}
	}

	if result := tx.Find(&tasks); result.Error != nil {
		return nil, fmt.Errorf("listing tasks: %w", result.Error)
	}
	return tasks, nil
}

func (s *TaskStore) Create(ctx context.Context, task model.Task) (*model.Task, error) {
	if task.ID == (uuid.UUID{}) {
		task.ID = uuid.New()
	}
	if task.Status == "" {
		task.Status = model.TaskStatusPending
	}
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = time.Now().UTC()
	}

	if result := s.getDB(ctx).Create(&task); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("creating task: %w", result.Error)
	}
	return &task, nil
}

func (s *TaskStore) CreateBatch(ctx context.Context, tasks []model.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range tasks {
		if tasks[i].ID == (uuid.UUID{}) {
			tasks[i].ID = uuid.New()
		}
		if tasks[i].Status == "" {
			tasks[i].Status = model.TaskStatusPending
		}
		if tasks[i].ScheduledAt.IsZero() {
			tasks[i].ScheduledAt = now
		}
	}
	if result := s.getDB(ctx).Create(&tasks); result.Error != nil {
		return fmt.Errorf("creating tasks: %w", result.Error)
	}
	return nil
}

// Claim atomically claims up to batchSize pending tasks for workerID.
// Candidates are selected ordered by (priority, created_at) and each row
// is taken with a conditional update, so a row lost to a concurrent
// claimer is simply skipped. An empty result is not an error; store
// failures wrap ErrStoreUnavailable.
func (s *TaskStore) Claim(ctx context.Context, batchSize int, workerID string) (model.TaskList, error) {
	now := time.Now().UTC()

	candidates, err := s.List(ctx,
		NewTaskQueryFilter().Claimable(now),
		NewTaskQueryOptions().WithSortOrder(SortByPriority).WithLimit(batchSize),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	claimed := make(model.TaskList, 0, len(candidates))
	for _, candidate := range candidates {
		result := s.getDB(ctx).Model(&model.Task{}).
			Where("id = ? AND status = ?", candidate.ID, model.TaskStatusPending).
			Updates(map[string]interface{}{
				"status":            model.TaskStatusProcessing,
				"retry_count":       gorm.Expr("retry_count + 1"),
				"lease_owner":       workerID,
				"lease_acquired_at": now,
				"started_at":        now,
				"updated_at":        now,
			})
		if result.Error != nil {
			return claimed, fmt.Errorf("%w: claiming task %s: %v", ErrStoreUnavailable, candidate.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			// lost the race to another claimer
			continue
		}

		candidate.Status = model.TaskStatusProcessing
		candidate.RetryCount++
		candidate.LeaseOwner = &workerID
		candidate.LeaseAcquiredAt = &now
		candidate.StartedAt = &now
		claimed = append(claimed, candidate)
	}

	return claimed, nil
}

func (s *TaskStore) Complete(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	result := s.getDB(ctx).Model(&model.Task{}).
		Where("id = ? AND status = ?", id, model.TaskStatusProcessing).
		Updates(map[string]interface{}{
			"status":            model.TaskStatusCompleted,
			"completed_at":      now,
			"lease_owner":       nil,
			"lease_acquired_at": nil,
			"updated_at":        now,
		})
	if result.Error != nil {
		return fmt.Errorf("completing task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConcurrencyConflict
	}
	return nil
}

func (s *TaskStore) Fail(ctx context.Context, id uuid.UUID, errorMessage string) error {
	now := time.Now().UTC()
	result := s.getDB(ctx).Model(&model.Task{}).
		Where("id = ? AND status = ?", id, model.TaskStatusProcessing).
		Updates(map[string]interface{}{
			"status":            model.TaskStatusFailed,
			"completed_at":      now,
			"lease_owner":       nil,
			"lease_acquired_at": nil,
			"error_message":     errorMessage,
			"updated_at":        now,
		})
	if result.Error != nil {
		return fmt.Errorf("failing task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConcurrencyConflict
	}
	return nil
}

// Reschedule releases the lease and puts the task back in the queue,
// not claimable before runAt. Used for retry backoff and for poll
// continuations.
func (s *TaskStore) Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, errorMessage string) error {
	now := time.Now().UTC()
	result := s.getDB(ctx).Model(&model.Task{}).
		Where("id = ? AND status = ?", id, model.TaskStatusProcessing).
		Updates(map[string]interface{}{
			"status":            model.TaskStatusPending,
			"scheduled_at":      runAt,
			"lease_owner":       nil,
			"lease_acquired_at": nil,
			"started_at":        nil,
			"error_message":     errorMessage,
			"updated_at":        now,
		})
	if result.Error != nil {
		return fmt.Errorf("rescheduling task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConcurrencyConflict
	}
	return nil
}

// Defer releases the lease without consuming retry budget. Used when a
// circuit breaker pauses a dependency: the attempt never ran, so the
// claim's retry_count increment is rolled back.
func (s *TaskStore) Defer(ctx context.Context, id uuid.UUID, runAt time.Time) error {
	now := time.Now().UTC()
	result := s.getDB(ctx).Model(&model.Task{}).
		Where("id = ? AND status = ?", id, model.TaskStatusProcessing).
		Updates(map[string]interface{}{
			"status":            model.TaskStatusPending,
			"scheduled_at":      runAt,
			"retry_count":       gorm.Expr("retry_count - 1"),
			"lease_owner":       nil,
			"lease_acquired_at": nil,
			"started_at":        nil,
			"updated_at":        now,
		})
	if result.Error != nil {
		return fmt.Errorf("deferring task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConcurrencyConflict
	}
	return nil
}

// ResetIfStalled resets a stalled task back to pending. The update is
// conditioned on the task still carrying the started_at observed at
// selection, so a task that completed a moment before the sweep is
// left alone.
func (s *TaskStore) ResetIfStalled(ctx context.Context, task model.Task, annotation string) error {
	now := time.Now().UTC()
	result := s.getDB(ctx).Model(&model.Task{}).
		Where("id = ? AND status = ? AND started_at = ?", task.ID, model.TaskStatusProcessing, task.StartedAt).
		Updates(map[string]interface{}{
			"status":            model.TaskStatusPending,
			"scheduled_at":      now,
			"lease_owner":       nil,
			"lease_acquired_at": nil,
			"started_at":        nil,
			"error_message":     appendAnnotation(task.ErrorMessage, annotation),
			"updated_at":        now,
		})
	if result.Error != nil {
		return fmt.Errorf("resetting stalled task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConcurrencyConflict
	}
	return nil
}

// FailIfStalled permanently fails a stalled task whose retry budget is
// exhausted, with the same optimistic guard as ResetIfStalled.
func (s *TaskStore) FailIfStalled(ctx context.Context, task model.Task, annotation string) error {
	now := time.Now().UTC()
	result := s.getDB(ctx).Model(&model.Task{}).
		Where("id = ? AND status = ? AND started_at = ?", task.ID, model.TaskStatusProcessing, task.StartedAt).
		Updates(map[string]interface{}{
			"status":            model.TaskStatusFailed,
			"completed_at":      now,
			"lease_owner":       nil,
			"lease_acquired_at": nil,
			"error_message":     appendAnnotation(task.ErrorMessage, annotation),
			"updated_at":        now,
		})
	if result.Error != nil {
		return fmt.Errorf("failing stalled task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConcurrencyConflict
	}
	return nil
}

func appendAnnotation(existing, annotation string) string {
	if existing == "" {
		return annotation
	}
	return existing + "; " + annotation
}

func (s *TaskStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}
