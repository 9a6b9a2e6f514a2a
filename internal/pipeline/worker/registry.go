package worker

import (
	"context"
	"fmt"

	"github.com/lexflow/lexflow/internal/store/model"
)

// Disposition reports how an executor left its task.
type Disposition int

const (
	// Completed means the stage's work finished and its output is
	// durably recorded.
	Completed Disposition = iota
	// Requeued means the executor already rescheduled the task (for
	// example to poll an external job later) and the worker must not
	// touch its status.
	Requeued
	// Dropped means the executor observed the document's cancellation
	// mid-stage; the worker closes the task without any stage write.
	Dropped
)

// Executor performs the work of one pipeline stage for one task.
type Executor interface {
	// Execute runs the stage. A nil error with Completed means the
	// task is done; errors are classified by the retry controller.
	Execute(ctx context.Context, task model.Task) (Disposition, error)

	// Dependency names the external dependency this executor calls,
	// or "" when it only touches the store. Used to pick the circuit
	// breaker that gates execution.
	Dependency() string
}

type registryKey struct {
	stage     string
	inputKind string
}

// Registry maps (stage, input kind) to the executor that handles it.
// Lookups fall back to the stage's default executor when no entry
// matches the task's input kind.
type Registry struct {
	executors map[registryKey]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[registryKey]Executor)}
}

func (r *Registry) Register(stage, inputKind string, executor Executor) {
	r.executors[registryKey{stage: stage, inputKind: inputKind}] = executor
}

func (r *Registry) Lookup(task model.Task) (Executor, error) {
	if e, ok := r.executors[registryKey{stage: task.Stage, inputKind: task.InputKind}]; ok {
		return e, nil
	}
	if e, ok := r.executors[registryKey{stage: task.Stage}]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("no executor registered for stage %q (input kind %q)", task.Stage, task.InputKind)
}
