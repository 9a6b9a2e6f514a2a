package executors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lexflow/lexflow/internal/cache"
	"github.com/lexflow/lexflow/internal/ocr"
	"github.com/lexflow/lexflow/internal/pipeline/retry"
	"github.com/lexflow/lexflow/internal/pipeline/worker"
	"github.com/lexflow/lexflow/internal/store"
	"github.com/lexflow/lexflow/internal/store/model"
	"go.uber.org/zap"
)

// PollMode selects how the OCR executor waits for the remote job.
type PollMode string

const (
	// PollModeRequeue releases the worker between poll attempts by
	// re-enqueueing the task with a future run time.
	PollModeRequeue PollMode = "requeue"
	// PollModeBlock holds the worker and sleeps between attempts.
	// Simpler, but each in-flight job pins a worker slot.
	PollModeBlock PollMode = "block"
)

// OCRInput is the payload of an ocr stage task.
type OCRInput struct {
	InputRef string `json:"input_ref"`
}

// OCRExecutor drives the asynchronous remote text-recognition job for
// the ocr stage. The remote work survives process restarts; on re-claim
// it attaches to the running job instead of starting a new one.
type OCRExecutor struct {
	store  store.Store
	client *ocr.Client
	cache  *cache.Cache
	mode   PollMode
	log    *zap.SugaredLogger
}

func NewOCRExecutor(s store.Store, client *ocr.Client, c *cache.Cache, mode PollMode) *OCRExecutor {
	return &OCRExecutor{
		store:  s,
		client: client,
		cache:  c,
		mode:   mode,
		log:    zap.S().Named("executor.ocr"),
	}
}

func (e *OCRExecutor) Dependency() string { return "ocr-provider" }

func (e *OCRExecutor) Execute(ctx context.Context, task model.Task) (worker.Disposition, error) {
	var input OCRInput
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &input); err != nil {
			return worker.Completed, retry.Integrity(fmt.Errorf("decoding ocr payload: %w", err))
		}
	}
	if input.InputRef == "" {
		input.InputRef = fmt.Sprintf("documents/%s/source", task.DocumentID)
	}

	job, err := e.client.Start(ctx, task.DocumentID, task.Stage, input.InputRef)
	if err != nil {
		return worker.Completed, err
	}

	// freshly submitted: honor the initial delay before the first poll
	if wait := e.client.InitialDelay() - time.Since(job.StartedAt); wait > 0 {
		if e.cancelled(ctx, task.DocumentID) {
			return worker.Dropped, nil
		}
		if e.mode == PollModeRequeue {
			return worker.Requeued, e.store.Task().Defer(ctx, task.ID, time.Now().Add(wait))
		}
		if err := sleep(ctx, wait); err != nil {
			return worker.Completed, retry.Transient(err)
		}
	}

	for {
		outcome, err := e.client.Poll(ctx, job)
		if err != nil {
			return worker.Completed, err
		}

		switch outcome.State {
		case ocr.OutcomeRunning:
			// cancelled documents stop waiting on the provider
			if e.cancelled(ctx, task.DocumentID) {
				return worker.Dropped, nil
			}
			if e.mode == PollModeRequeue {
				// Defer, not Reschedule: waiting on the provider is
				// not a failed attempt and must not spend the retry
				// budget
				return worker.Requeued, e.store.Task().Defer(ctx, task.ID, time.Now().Add(outcome.NextDelay))
			}
			if err := sleep(ctx, outcome.NextDelay); err != nil {
				return worker.Completed, retry.Transient(err)
			}

		case ocr.OutcomeFailed:
			return worker.Completed, retry.Permanent(errors.New(outcome.Cause))

		case ocr.OutcomeDone:
			// a result arriving after cancellation is discarded
			if e.cancelled(ctx, task.DocumentID) {
				e.log.Infof("document %s: discarding late result, document is cancelled", task.DocumentID)
				return worker.Dropped, nil
			}
			if outcome.Dropped > 0 {
				e.log.Warnf("document %s: dropped %d low-confidence fragments", task.DocumentID, outcome.Dropped)
			}
			if outcome.Partial {
				e.log.Warnf("document %s: accepted partial ocr result", task.DocumentID)
			}
			content := []byte(outcome.Result)
			// the stage is not complete until its output is durably
			// readable; the cache copy is an accelerator only
			if err := e.store.Artifact().Put(ctx, task.DocumentID, task.Stage, content); err != nil {
				return worker.Completed, retry.Transient(err)
			}
			if e.cache != nil {
				if err := e.cache.PutArtifact(ctx, task.DocumentID, task.Stage, content); err != nil {
					e.log.Warnf("document %s: artifact cache write failed: %v", task.DocumentID, err)
				}
			}
			return worker.Completed, nil
		}
	}
}

func (e *OCRExecutor) cancelled(ctx context.Context, documentID uuid.UUID) bool {
	record, err := e.store.StageRecord().Get(ctx, documentID)
	if err != nil {
		return false
	}
	return record.Cancelled
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
