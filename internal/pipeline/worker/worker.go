package worker

import (
	"context"
	"errors"
	"time"

	"github.com/lthibault/jitterbug/v2"

	"github.com/lexflow/lexflow/internal/pipeline/claimer"
	"github.com/lexflow/lexflow/internal/pipeline/dispatch"
	"github.com/lexflow/lexflow/internal/pipeline/retry"
	"github.com/lexflow/lexflow/internal/pipeline/stages"
	"github.com/lexflow/lexflow/internal/store"
	"github.com/lexflow/lexflow/internal/store/model"
	"go.uber.org/zap"
)

// Worker claims ready tasks and drives them through their stage
// executors. Several workers may run concurrently against the same
// store; the claim step guarantees each task is processed by exactly
// one of them.
type Worker struct {
	store      store.Store
	claimer    *claimer.Claimer
	registry   *Registry
	machine    *stages.Machine
	dispatcher *dispatch.Dispatcher
	controller *retry.Controller
	breakers   map[string]*retry.Breaker
	batchSize  int
	interval   time.Duration
	log        *zap.SugaredLogger
}

func New(
	s store.Store,
	c *claimer.Claimer,
	registry *Registry,
	machine *stages.Machine,
	dispatcher *dispatch.Dispatcher,
	controller *retry.Controller,
	batchSize int,
	interval time.Duration,
) *Worker {
	return &Worker{
		store:      s,
		claimer:    c,
		registry:   registry,
		machine:    machine,
		dispatcher: dispatcher,
		controller: controller,
		breakers:   make(map[string]*retry.Breaker),
		batchSize:  batchSize,
		interval:   interval,
		log:        zap.S().Named("worker").With("worker_id", c.WorkerID()),
	}
}

// RegisterBreaker installs the circuit breaker gating executors that
// declare the given dependency.
func (w *Worker) RegisterBreaker(dependency string, breaker *retry.Breaker) {
	w.breakers[dependency] = breaker
}

// Run claims and processes tasks until the context is cancelled. The
// claim interval is jittered so a fleet of workers does not hit the
// queue in lockstep.
func (w *Worker) Run(ctx context.Context) error {
	ticker := jitterbug.New(w.interval, &jitterbug.Norm{Stdev: w.interval / 20})
	defer ticker.Stop()

	w.ProcessBatch(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopped")
			return nil
		case <-ticker.C:
			w.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch claims up to the configured batch size and processes
// each claimed task. Exposed so tests and the poll loop can drive the
// worker synchronously.
func (w *Worker) ProcessBatch(ctx context.Context) {
	tasks, err := w.claimer.Claim(ctx, w.batchSize)
	if err != nil {
		w.log.Errorf("failed to claim tasks: %v", err)
		return
	}
	for _, task := range tasks {
		if err := w.process(ctx, task); err != nil {
			w.log.Errorf("task %s (%s): %v", task.ID, task.Stage, err)
		}
	}
}

func (w *Worker) process(ctx context.Context, task model.Task) error {
	cancelled, err := w.machine.Cancelled(ctx, task.DocumentID)
	if err != nil {
		return w.handleFailure(ctx, task, err)
	}
	if cancelled {
		// cancelled documents drop their queued work silently
		return w.store.Task().Complete(ctx, task.ID)
	}

	executor, err := w.registry.Lookup(task)
	if err != nil {
		return w.handleFailure(ctx, task, retry.Integrity(err))
	}

	if _, err := w.machine.Begin(ctx, task.DocumentID, task.Stage); err != nil {
		switch {
		case errors.Is(err, stages.ErrDocumentCancelled):
			return w.store.Task().Complete(ctx, task.ID)
		case errors.Is(err, stages.ErrPrerequisiteNotMet), errors.Is(err, stages.ErrStageFailed):
			return w.handleFailure(ctx, task, retry.Integrity(err))
		default:
			return w.handleFailure(ctx, task, err)
		}
	}

	breaker := w.breakers[executor.Dependency()]
	if breaker != nil && !breaker.Allow() {
		// the dependency is shedding load; defer without spending
		// the task's retry budget
		w.log.Infof("task %s deferred, breaker for %s is open", task.ID, executor.Dependency())
		return w.store.Task().Defer(ctx, task.ID, time.Now().Add(breaker.ExtendedDelay()))
	}

	disposition, err := executor.Execute(ctx, task)
	if breaker != nil {
		breaker.Record(err == nil)
	}
	if err != nil {
		return w.handleFailure(ctx, task, err)
	}
	if disposition == Requeued {
		return nil
	}
	if disposition == Dropped {
		return w.store.Task().Complete(ctx, task.ID)
	}

	if err := w.store.Task().Complete(ctx, task.ID); err != nil {
		if errors.Is(err, store.ErrConcurrencyConflict) {
			// the stalled-task monitor reclaimed this task; its
			// re-run is idempotent, so stand down
			w.log.Warnf("task %s was reclaimed before completion", task.ID)
			return nil
		}
		return err
	}

	if _, ok := dispatch.ParseSubTask(task); ok {
		return w.dispatcher.OnSubTaskTerminal(ctx, task, false)
	}

	// durable stage write first, then successor dispatch
	if _, err := w.machine.Complete(ctx, task.DocumentID, task.Stage); err != nil {
		return err
	}
	_, err = w.dispatcher.OnStageComplete(ctx, task.DocumentID, task.Stage)
	return err
}

func (w *Worker) handleFailure(ctx context.Context, task model.Task, cause error) error {
	kind := retry.Classify(cause)
	if kind == retry.KindConcurrencyConflict {
		// another worker owns the row now
		w.log.Debugf("task %s lost a concurrency race: %v", task.ID, cause)
		return nil
	}

	if ok, delay := w.controller.ShouldRetry(task, kind); ok {
		w.log.Warnf("task %s (%s) attempt %d failed, retrying in %s: %v",
			task.ID, task.Stage, task.RetryCount, delay, cause)
		return w.store.Task().Reschedule(ctx, task.ID, time.Now().Add(delay), cause.Error())
	}

	w.log.Errorf("task %s (%s) failed terminally (%s): %v", task.ID, task.Stage, kind, cause)
	if err := w.store.Task().Fail(ctx, task.ID, cause.Error()); err != nil && !errors.Is(err, store.ErrConcurrencyConflict) {
		return err
	}

	if _, ok := dispatch.ParseSubTask(task); ok {
		return w.dispatcher.OnSubTaskTerminal(ctx, task, true)
	}
	_, err := w.machine.Fail(ctx, task.DocumentID, task.Stage)
	return err
}
