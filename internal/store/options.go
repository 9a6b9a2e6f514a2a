package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/lexflow/lexflow/internal/store/model"
	"gorm.io/gorm"
)

type SortOrder int

const (
	Unsorted SortOrder = iota
	SortByCreatedTime
	SortByPriority
)

type BaseQuerier struct {
	QueryFn []func(tx *gorm.DB) *gorm.DB
}

type TaskQueryFilter BaseQuerier

func NewTaskQueryFilter() *TaskQueryFilter {
	return &TaskQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *TaskQueryFilter) ByStatus(status model.TaskStatus) *TaskQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status = ?", status)
	})
	return qf
}

func (qf *TaskQueryFilter) ByDocumentID(documentID uuid.UUID) *TaskQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("document_id = ?", documentID)
	})
	return qf
}

func (qf *TaskQueryFilter) ByStage(stage string) *TaskQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("stage = ?", stage)
	})
	return qf
}

// Live keeps tasks a worker still owns or will claim.
func (qf *TaskQueryFilter) Live() *TaskQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status IN ?", []model.TaskStatus{model.TaskStatusPending, model.TaskStatusProcessing})
	})
	return qf
}

// Claimable keeps tasks that are due and still have retry budget.
func (qf *TaskQueryFilter) Claimable(now time.Time) *TaskQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.
			Where("status = ?", model.TaskStatusPending).
			Where("retry_count <= max_retries").
			Where("scheduled_at <= ?", now)
	})
	return qf
}

// StartedBefore keeps processing tasks whose attempt started before the cutoff.
func (qf *TaskQueryFilter) StartedBefore(cutoff time.Time) *TaskQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.
			Where("status = ?", model.TaskStatusProcessing).
			Where("started_at < ?", cutoff)
	})
	return qf
}

type TaskQueryOptions BaseQuerier

func NewTaskQueryOptions() *TaskQueryOptions {
	return &TaskQueryOptions{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (o *TaskQueryOptions) WithSortOrder(sort SortOrder) *TaskQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		switch sort {
		case SortByCreatedTime:
			return tx.Order("created_at")
		case SortByPriority:
			return tx.Order("priority DESC").Order("created_at")
		default:
			return tx
		}
	})
	return o
}

func (o *TaskQueryOptions) WithLimit(limit int) *TaskQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Limit(limit)
	})
	return o
}

type ExternalJobQueryFilter BaseQuerier

func NewExternalJobQueryFilter() *ExternalJobQueryFilter {
	return &ExternalJobQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *ExternalJobQueryFilter) ByDocumentID(documentID uuid.UUID) *ExternalJobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("document_id = ?", documentID)
	})
	return qf
}

func (qf *ExternalJobQueryFilter) ByStage(stage string) *ExternalJobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("stage = ?", stage)
	})
	return qf
}
