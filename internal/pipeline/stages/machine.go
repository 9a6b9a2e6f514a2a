package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lexflow/lexflow/internal/store"
	"github.com/lexflow/lexflow/internal/store/model"
	"github.com/lexflow/lexflow/pkg/metrics"
	"go.uber.org/zap"
)

var (
	// ErrPrerequisiteNotMet guards against downstream stages firing
	// before their upstream data exists.
	ErrPrerequisiteNotMet = errors.New("stage prerequisite not complete")
	ErrStageFailed        = errors.New("stage is terminally failed")
	ErrDocumentCancelled  = errors.New("document is cancelled")
)

// Snapshotter mirrors the durable stage record into a fast-access
// cache. The cache is a resumption accelerator only, never a source of
// truth, so snapshot failures are logged and swallowed.
type Snapshotter interface {
	SnapshotStage(ctx context.Context, record *model.StageRecord) error
}

// Machine validates and persists per-document stage transitions. Every
// accepted transition performs the durable write before anything is
// dispatched from it.
type Machine struct {
	store    store.Store
	snapshot Snapshotter
}

func NewMachine(s store.Store, snapshot Snapshotter) *Machine {
	return &Machine{store: s, snapshot: snapshot}
}

// InitDocument creates the ledger for a newly-ingested document with
// every stage not_started.
func (m *Machine) InitDocument(ctx context.Context, documentID uuid.UUID) (*model.StageRecord, error) {
	record, err := model.NewStageRecord(documentID, All())
	if err != nil {
		return nil, err
	}
	created, err := m.store.StageRecord().Create(ctx, *record)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return m.store.StageRecord().Get(ctx, documentID)
		}
		return nil, err
	}
	return created, nil
}

// Begin moves a stage to in_progress. It rejects the transition when
// the prerequisite stage is not complete, when the stage already
// failed, or when the document is cancelled. Legality is decided
// against the durable record only.
func (m *Machine) Begin(ctx context.Context, documentID uuid.UUID, stage string) (*model.StageRecord, error) {
	if !Known(stage) {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}

	record, err := m.store.StageRecord().Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if record.Cancelled {
		return nil, ErrDocumentCancelled
	}

	statuses, err := record.StageStatuses()
	if err != nil {
		return nil, err
	}
	if statuses[stage] == model.StageStatusFailed {
		return nil, fmt.Errorf("%w: %s", ErrStageFailed, stage)
	}
	if prereq, ok := Prerequisite(stage); ok {
		if statuses[prereq] != model.StageStatusComplete {
			return nil, fmt.Errorf("%w: %s requires %s", ErrPrerequisiteNotMet, stage, prereq)
		}
	}

	updated, err := m.store.StageRecord().SetStageStatus(ctx, documentID, stage, model.StageStatusInProgress)
	if err != nil {
		return nil, err
	}
	metrics.IncreaseStageTransitions(stage, string(model.StageStatusInProgress))
	m.refreshSnapshot(ctx, updated)
	return updated, nil
}

// Complete durably records a stage as complete. Completing an
// already-complete stage is a no-op so resumed workers stay idempotent.
func (m *Machine) Complete(ctx context.Context, documentID uuid.UUID, stage string) (*model.StageRecord, error) {
	if !Known(stage) {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}

	record, err := m.store.StageRecord().Get(ctx, documentID)
	if err != nil {
		return nil, err
	}

	statuses, err := record.StageStatuses()
	if err != nil {
		return nil, err
	}
	if statuses[stage] == model.StageStatusComplete {
		return record, nil
	}
	if statuses[stage] != model.StageStatusInProgress {
		return nil, fmt.Errorf("%w: %s cannot complete from %s", ErrPrerequisiteNotMet, stage, statuses[stage])
	}

	updated, err := m.store.StageRecord().SetStageStatus(ctx, documentID, stage, model.StageStatusComplete)
	if err != nil {
		return nil, err
	}
	metrics.IncreaseStageTransitions(stage, string(model.StageStatusComplete))
	m.refreshSnapshot(ctx, updated)
	return updated, nil
}

// Fail marks a stage terminally failed. The stage stays failed until an
// external reprocessing request resets it.
func (m *Machine) Fail(ctx context.Context, documentID uuid.UUID, stage string) (*model.StageRecord, error) {
	if !Known(stage) {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}

	updated, err := m.store.StageRecord().SetStageStatus(ctx, documentID, stage, model.StageStatusFailed)
	if err != nil {
		return nil, err
	}
	metrics.IncreaseStageTransitions(stage, string(model.StageStatusFailed))
	m.refreshSnapshot(ctx, updated)
	return updated, nil
}

// Reset clears a stage and all downstream stages back to not_started.
// This is the in-scope effect of an external reprocessing request.
func (m *Machine) Reset(ctx context.Context, documentID uuid.UUID, fromStage string) (*model.StageRecord, error) {
	downstream := Downstream(fromStage)
	if downstream == nil {
		return nil, fmt.Errorf("unknown stage %q", fromStage)
	}

	updated, err := m.store.StageRecord().ResetFrom(ctx, documentID, downstream)
	if err != nil {
		return nil, err
	}
	m.refreshSnapshot(ctx, updated)
	return updated, nil
}

// Cancelled reports the document's cancellation flag from the durable
// record. Workers check it before starting a stage and before
// re-enqueueing a poll continuation.
func (m *Machine) Cancelled(ctx context.Context, documentID uuid.UUID) (bool, error) {
	record, err := m.store.StageRecord().Get(ctx, documentID)
	if err != nil {
		return false, err
	}
	return record.Cancelled, nil
}

func (m *Machine) refreshSnapshot(ctx context.Context, record *model.StageRecord) {
	if m.snapshot == nil {
		return
	}
	if err := m.snapshot.SnapshotStage(ctx, record); err != nil {
		zap.S().Named("stages").Warnf("failed to refresh stage snapshot for %s: %v", record.DocumentID, err)
	}
}
