package executors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lexflow/lexflow/internal/cache"
	"github.com/lexflow/lexflow/internal/pipeline/retry"
	"github.com/lexflow/lexflow/internal/pipeline/stages"
	"github.com/lexflow/lexflow/internal/pipeline/worker"
	"github.com/lexflow/lexflow/internal/store"
	"github.com/lexflow/lexflow/internal/store/model"
	"go.uber.org/zap"
)

// Manifest is the finalize stage's output artifact: an index of the
// document's produced artifacts.
type Manifest struct {
	DocumentID  string    `json:"document_id"`
	Stages      []string  `json:"stages"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// FinalizeExecutor closes out a document by writing its manifest
// artifact. Everything before it is already durable, so finalize only
// indexes what exists.
type FinalizeExecutor struct {
	store store.Store
	cache *cache.Cache
	log   *zap.SugaredLogger
}

func NewFinalizeExecutor(s store.Store, c *cache.Cache) *FinalizeExecutor {
	return &FinalizeExecutor{store: s, cache: c, log: zap.S().Named("executor.finalize")}
}

func (e *FinalizeExecutor) Dependency() string { return "" }

func (e *FinalizeExecutor) Execute(ctx context.Context, task model.Task) (worker.Disposition, error) {
	manifest := Manifest{
		DocumentID:  task.DocumentID.String(),
		FinalizedAt: time.Now().UTC(),
	}
	for _, stage := range stages.All() {
		if stage == stages.StageFinalize {
			continue
		}
		if _, err := e.store.Artifact().Get(ctx, task.DocumentID, stage); err == nil {
			manifest.Stages = append(manifest.Stages, stage)
		}
	}

	content, err := json.Marshal(manifest)
	if err != nil {
		return worker.Completed, retry.Integrity(err)
	}
	if err := putArtifact(ctx, e.store, e.cache, task.DocumentID, task.Stage, content); err != nil {
		return worker.Completed, err
	}
	e.log.Infof("document %s finalized with %d stage artifacts", task.DocumentID, len(manifest.Stages))
	return worker.Completed, nil
}
