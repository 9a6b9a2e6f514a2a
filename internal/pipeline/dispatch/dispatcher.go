package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lexflow/lexflow/internal/pipeline/stages"
	"github.com/lexflow/lexflow/internal/store"
	"github.com/lexflow/lexflow/internal/store/model"
	"go.uber.org/zap"
)

// FanInPolicy decides what sub-task failures mean for the fanned stage.
type FanInPolicy string

const (
	// FanInAbort fails the whole document on any sub-task failure.
	FanInAbort FanInPolicy = "abort"
	// FanInPartial proceeds with partial results and records which
	// sub-units failed on the barrier row.
	FanInPartial FanInPolicy = "partial"
)

// SubUnit describes one parallel unit of a fanned-out stage.
type SubUnit struct {
	Unit      string
	InputKind string
	Data      json.RawMessage
}

// FanOut lists the parallel units for a stage about to be dispatched.
// Registered per fanned stage; stages without a FanOut dispatch a
// single sequential successor task.
type FanOut func(ctx context.Context, documentID uuid.UUID) ([]SubUnit, error)

// SubTaskPayload is the payload carried by fan-out sub-tasks.
type SubTaskPayload struct {
	BarrierID uuid.UUID       `json:"barrier_id"`
	Unit      string          `json:"unit"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ParseSubTask decodes the barrier bookkeeping from a task payload.
// Returns false for tasks that are not fan-out sub-tasks.
func ParseSubTask(task model.Task) (SubTaskPayload, bool) {
	if len(task.Payload) == 0 {
		return SubTaskPayload{}, false
	}
	var payload SubTaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return SubTaskPayload{}, false
	}
	if payload.BarrierID == (uuid.UUID{}) {
		return SubTaskPayload{}, false
	}
	return payload, true
}

// Dispatcher decides what runs next when a stage completes. It is the
// single component that computes successor work, so no task ever
// invokes the next one directly.
type Dispatcher struct {
	store      store.Store
	machine    *stages.Machine
	policy     FanInPolicy
	maxRetries int
	fanOut     map[string]FanOut
}

func New(s store.Store, machine *stages.Machine, policy FanInPolicy, maxRetries int) *Dispatcher {
	return &Dispatcher{
		store:      s,
		machine:    machine,
		policy:     policy,
		maxRetries: maxRetries,
		fanOut:     make(map[string]FanOut),
	}
}

// RegisterFanOut installs the unit lister for a fanned stage.
func (d *Dispatcher) RegisterFanOut(stage string, fn FanOut) {
	d.fanOut[stage] = fn
}

// OnStageComplete computes and enqueues the next unit(s) of work. The
// caller must have durably recorded the completed stage first
// (write-then-dispatch).
func (d *Dispatcher) OnStageComplete(ctx context.Context, documentID uuid.UUID, completedStage string) ([]model.Task, error) {
	next, ok := stages.Next(completedStage)
	if !ok {
		// end of the pipeline
		return nil, nil
	}

	if fn, registered := d.fanOut[next]; registered {
		units, err := fn(ctx, documentID)
		if err != nil {
			return nil, fmt.Errorf("listing fan-out units for %s: %w", next, err)
		}
		if len(units) > 0 {
			return d.dispatchFanOut(ctx, documentID, next, units)
		}
		// nothing to fan out over, fall through to a single task
	}

	task, err := d.store.Task().Create(ctx, model.Task{
		DocumentID: documentID,
		Stage:      next,
		MaxRetries: d.maxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatching %s: %w", next, err)
	}
	zap.S().Named("dispatcher").Debugf("document %s: dispatched %s", documentID, next)
	return []model.Task{*task}, nil
}

// dispatchFanOut creates the barrier and its sub-tasks in one
// transaction: a barrier without sub-tasks would never fill.
func (d *Dispatcher) dispatchFanOut(ctx context.Context, documentID uuid.UUID, stage string, units []SubUnit) ([]model.Task, error) {
	ctx, err := d.store.NewTransactionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting fan-out transaction: %w", err)
	}
	defer func() {
		_, _ = store.Rollback(ctx)
	}()

	barrier, err := d.store.Barrier().Create(ctx, model.JoinBarrier{
		DocumentID:    documentID,
		Stage:         stage,
		ExpectedCount: len(units),
	})
	if err != nil {
		return nil, fmt.Errorf("creating barrier for %s: %w", stage, err)
	}

	tasks := make([]model.Task, 0, len(units))
	for _, unit := range units {
		payload, err := json.Marshal(SubTaskPayload{
			BarrierID: barrier.ID,
			Unit:      unit.Unit,
			Data:      unit.Data,
		})
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, model.Task{
			DocumentID: documentID,
			Stage:      stage,
			InputKind:  unit.InputKind,
			Payload:    payload,
			MaxRetries: d.maxRetries,
		})
	}

	if err := d.store.Task().CreateBatch(ctx, tasks); err != nil {
		return nil, fmt.Errorf("dispatching %d %s sub-tasks: %w", len(tasks), stage, err)
	}
	if _, err := store.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing fan-out for %s: %w", stage, err)
	}
	zap.S().Named("dispatcher").Debugf("document %s: fanned %s into %d sub-tasks", documentID, stage, len(tasks))
	return tasks, nil
}

// OnSubTaskTerminal records one sub-task's terminal status against its
// barrier. When the last sub-task reports, the fanned stage is
// completed (or failed, per policy) and the aggregate successor is
// dispatched exactly once, even under out-of-order completion.
func (d *Dispatcher) OnSubTaskTerminal(ctx context.Context, task model.Task, failed bool) error {
	payload, ok := ParseSubTask(task)
	if !ok {
		return fmt.Errorf("task %s is not a fan-out sub-task", task.ID)
	}

	barrier, err := d.store.Barrier().RecordCompletion(ctx, payload.BarrierID, payload.Unit, failed)
	if err != nil {
		return err
	}
	if !barrier.Complete() {
		return nil
	}
	return d.settleBarrier(ctx, task.DocumentID, barrier)
}

// settleBarrier dispatches a filled barrier's outcome exactly once;
// callers racing on the same barrier lose MarkDispatched and stand
// down.
func (d *Dispatcher) settleBarrier(ctx context.Context, documentID uuid.UUID, barrier *model.JoinBarrier) error {
	if err := d.store.Barrier().MarkDispatched(ctx, barrier.ID); err != nil {
		if errors.Is(err, store.ErrConcurrencyConflict) {
			// another worker is dispatching the aggregate successor
			return nil
		}
		return err
	}
	return d.concludeFanIn(ctx, documentID, barrier)
}

// concludeFanIn applies the fan-in policy to a filled barrier: durable
// stage write first, then the aggregate successor dispatch.
func (d *Dispatcher) concludeFanIn(ctx context.Context, documentID uuid.UUID, barrier *model.JoinBarrier) error {
	failedUnits := barrier.FailedUnitList()
	if len(failedUnits) > 0 && d.policy == FanInAbort {
		zap.S().Named("dispatcher").Warnf("document %s: aborting at %s, %d of %d sub-tasks failed",
			documentID, barrier.Stage, len(failedUnits), barrier.ExpectedCount)
		_, err := d.machine.Fail(ctx, documentID, barrier.Stage)
		return err
	}

	if len(failedUnits) > 0 {
		zap.S().Named("dispatcher").Warnf("document %s: proceeding past %s with %d failed sub-units",
			documentID, barrier.Stage, len(failedUnits))
	}

	if _, err := d.machine.Complete(ctx, documentID, barrier.Stage); err != nil {
		return err
	}
	_, err := d.OnStageComplete(ctx, documentID, barrier.Stage)
	return err
}

// ResumeDocument re-creates successor work lost when a worker died
// between a durable write and the dispatch that should have followed
// it. It only acts on documents with no live task, so a worker that is
// merely slow keeps ownership of its dispatch. Returns true when work
// was re-dispatched.
func (d *Dispatcher) ResumeDocument(ctx context.Context, record *model.StageRecord) (bool, error) {
	if record.Cancelled {
		return false, nil
	}
	statuses, err := record.StageStatuses()
	if err != nil {
		return false, err
	}

	order := stages.All()
	for i, stage := range order {
		switch statuses[stage] {
		case model.StageStatusComplete:
			continue

		case model.StageStatusFailed:
			return false, nil

		case model.StageStatusInProgress:
			live, err := d.liveTaskCount(ctx, record.DocumentID, stage)
			if err != nil || live > 0 {
				return false, err
			}
			return d.resumeInProgress(ctx, record.DocumentID, stage)

		default:
			if i == 0 {
				// ingestion owns the first stage's task
				return false, nil
			}
			live, err := d.liveTaskCount(ctx, record.DocumentID, stage)
			if err != nil || live > 0 {
				return false, err
			}
			// the previous stage completed but its successor was never
			// enqueued
			zap.S().Named("dispatcher").Warnf("document %s: resuming lost dispatch after %s", record.DocumentID, order[i-1])
			_, err = d.OnStageComplete(ctx, record.DocumentID, order[i-1])
			return err == nil, err
		}
	}
	return false, nil
}

// resumeInProgress settles a stage whose every task reached a terminal
// status without the stage write that should have followed.
func (d *Dispatcher) resumeInProgress(ctx context.Context, documentID uuid.UUID, stage string) (bool, error) {
	barrier, err := d.store.Barrier().GetByStage(ctx, documentID, stage)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return d.resumeSequential(ctx, documentID, stage)
		}
		return false, err
	}
	return d.resumeFanIn(ctx, documentID, stage, barrier)
}

func (d *Dispatcher) resumeSequential(ctx context.Context, documentID uuid.UUID, stage string) (bool, error) {
	completed, err := d.tasksByStatus(ctx, documentID, stage, model.TaskStatusCompleted)
	if err != nil {
		return false, err
	}
	failed, err := d.tasksByStatus(ctx, documentID, stage, model.TaskStatusFailed)
	if err != nil {
		return false, err
	}

	// reprocessed documents keep their old runs' tasks; only the most
	// recent terminal attempt speaks for the current run
	var latest *model.Task
	for _, task := range append(completed, failed...) {
		task := task
		if latest == nil || task.UpdatedAt.After(latest.UpdatedAt) {
			latest = &task
		}
	}
	if latest == nil {
		return false, nil
	}

	if latest.Status == model.TaskStatusCompleted {
		// the work finished and its artifact is durable; redo the stage
		// write and the dispatch
		zap.S().Named("dispatcher").Warnf("document %s: resuming lost completion of %s", documentID, stage)
		if _, err := d.machine.Complete(ctx, documentID, stage); err != nil {
			return false, err
		}
		_, err := d.OnStageComplete(ctx, documentID, stage)
		return err == nil, err
	}

	_, err = d.machine.Fail(ctx, documentID, stage)
	return err == nil, err
}

// resumeFanIn reconstructs barrier reports lost between a sub-task's
// terminal write and its barrier update, then settles the barrier. A
// lost report loses its count and its failed-unit entry together, so
// units of failed tasks missing from the barrier identify exactly the
// failed reports to replay; the remainder were successes.
func (d *Dispatcher) resumeFanIn(ctx context.Context, documentID uuid.UUID, stage string, barrier *model.JoinBarrier) (bool, error) {
	if barrier.Dispatched {
		// died between the dispatched flip and the stage write
		zap.S().Named("dispatcher").Warnf("document %s: resuming lost fan-in conclusion of %s", documentID, stage)
		return true, d.concludeFanIn(ctx, documentID, barrier)
	}

	completed, err := d.tasksByStatus(ctx, documentID, stage, model.TaskStatusCompleted)
	if err != nil {
		return false, err
	}
	failed, err := d.tasksByStatus(ctx, documentID, stage, model.TaskStatusFailed)
	if err != nil {
		return false, err
	}
	if len(completed)+len(failed) < barrier.ExpectedCount {
		return false, nil
	}

	recorded := make(map[string]bool)
	for _, unit := range barrier.FailedUnitList() {
		recorded[unit] = true
	}
	for _, task := range failed {
		payload, ok := ParseSubTask(task)
		if !ok || recorded[payload.Unit] {
			continue
		}
		if barrier, err = d.store.Barrier().RecordCompletion(ctx, barrier.ID, payload.Unit, true); err != nil {
			return false, err
		}
	}
	for barrier.CompletedCount < barrier.ExpectedCount {
		if barrier, err = d.store.Barrier().RecordCompletion(ctx, barrier.ID, "", false); err != nil {
			return false, err
		}
	}

	zap.S().Named("dispatcher").Warnf("document %s: resuming lost fan-in reports for %s", documentID, stage)
	return true, d.settleBarrier(ctx, documentID, barrier)
}

func (d *Dispatcher) liveTaskCount(ctx context.Context, documentID uuid.UUID, stage string) (int, error) {
	tasks, err := d.store.Task().List(ctx,
		store.NewTaskQueryFilter().ByDocumentID(documentID).ByStage(stage).Live(), nil)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

func (d *Dispatcher) tasksByStatus(ctx context.Context, documentID uuid.UUID, stage string, status model.TaskStatus) ([]model.Task, error) {
	return d.store.Task().List(ctx,
		store.NewTaskQueryFilter().ByDocumentID(documentID).ByStage(stage).ByStatus(status), nil)
}
