package executors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lexflow/lexflow/internal/cache"
	"github.com/lexflow/lexflow/internal/pipeline/dispatch"
	"github.com/lexflow/lexflow/internal/pipeline/retry"
	"github.com/lexflow/lexflow/internal/pipeline/stages"
	"github.com/lexflow/lexflow/internal/pipeline/worker"
	"github.com/lexflow/lexflow/internal/store"
	"github.com/lexflow/lexflow/internal/store/model"
	"go.uber.org/zap"
)

// Processor performs the language analysis of one stage. The concrete
// analysis engines live outside this module; the pipeline only moves
// their inputs and outputs.
type Processor interface {
	Process(ctx context.Context, documentID uuid.UUID, input []byte) ([]byte, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, documentID uuid.UUID, input []byte) ([]byte, error)

func (f ProcessorFunc) Process(ctx context.Context, documentID uuid.UUID, input []byte) ([]byte, error) {
	return f(ctx, documentID, input)
}

// ProcessorExecutor runs a Processor for a stage: load the upstream
// artifact, process, durably write the output artifact. Fan-out
// sub-tasks carry their input in the task payload and write per-unit
// artifacts; sequential tasks read the previous stage's artifact.
type ProcessorExecutor struct {
	store      store.Store
	cache      *cache.Cache
	stage      string
	inputStage string
	loadInput  InputLoader
	processor  Processor
	dependency string
	log        *zap.SugaredLogger
}

// InputLoader produces a stage's input when reading the previous
// stage's artifact verbatim is not enough.
type InputLoader func(ctx context.Context, documentID uuid.UUID) ([]byte, error)

func NewProcessorExecutor(s store.Store, c *cache.Cache, stage, inputStage string, processor Processor, dependency string) *ProcessorExecutor {
	return &ProcessorExecutor{
		store:      s,
		cache:      c,
		stage:      stage,
		inputStage: inputStage,
		processor:  processor,
		dependency: dependency,
		log:        zap.S().Named("executor." + stage),
	}
}

// WithInputLoader overrides how sequential tasks of this stage obtain
// their input.
func (e *ProcessorExecutor) WithInputLoader(loader InputLoader) *ProcessorExecutor {
	e.loadInput = loader
	return e
}

func (e *ProcessorExecutor) Dependency() string { return e.dependency }

func (e *ProcessorExecutor) Execute(ctx context.Context, task model.Task) (worker.Disposition, error) {
	var input []byte
	outputStage := e.stage

	if payload, ok := dispatch.ParseSubTask(task); ok {
		input = payload.Data
		outputStage = unitArtifactStage(e.stage, payload.Unit)
	} else if e.loadInput != nil {
		loaded, err := e.loadInput(ctx, task.DocumentID)
		if err != nil {
			return worker.Completed, err
		}
		input = loaded
	} else {
		loaded, err := loadArtifact(ctx, e.store, e.cache, task.DocumentID, e.inputStage)
		if err != nil {
			return worker.Completed, err
		}
		input = loaded
	}

	output, err := e.processor.Process(ctx, task.DocumentID, input)
	if err != nil {
		return worker.Completed, err
	}

	if err := putArtifact(ctx, e.store, e.cache, task.DocumentID, outputStage, output); err != nil {
		return worker.Completed, err
	}
	return worker.Completed, nil
}

func unitArtifactStage(stage, unit string) string {
	return stage + "/" + unit
}

// ChunkFanOut lists the entity extraction sub-units: one per chunk of
// the chunking stage's output.
func ChunkFanOut(s store.Store, c *cache.Cache) dispatch.FanOut {
	return func(ctx context.Context, documentID uuid.UUID) ([]dispatch.SubUnit, error) {
		content, err := loadArtifact(ctx, s, c, documentID, stages.StageChunking)
		if err != nil {
			return nil, err
		}
		var chunks []string
		if err := json.Unmarshal(content, &chunks); err != nil {
			return nil, retry.Integrity(fmt.Errorf("decoding chunk list for document %s: %w", documentID, err))
		}

		units := make([]dispatch.SubUnit, 0, len(chunks))
		for i, chunk := range chunks {
			data, err := json.Marshal(chunk)
			if err != nil {
				return nil, err
			}
			units = append(units, dispatch.SubUnit{
				Unit: fmt.Sprintf("chunk-%d", i),
				Data: data,
			})
		}
		return units, nil
	}
}

// MergedExtractionInput loads the entity resolution input: the per-unit
// outputs of the extraction fan-out merged into one JSON object keyed
// by unit name. Units that failed under the partial fan-in policy have
// no artifact and are skipped.
func MergedExtractionInput(s store.Store) InputLoader {
	return func(ctx context.Context, documentID uuid.UUID) ([]byte, error) {
		barrier, err := s.Barrier().GetByStage(ctx, documentID, stages.StageEntityExtraction)
		if err != nil {
			return nil, retry.Transient(fmt.Errorf("loading extraction barrier for document %s: %w", documentID, err))
		}

		failed := make(map[string]bool)
		for _, unit := range barrier.FailedUnitList() {
			failed[unit] = true
		}

		merged := make(map[string]json.RawMessage, barrier.ExpectedCount)
		for i := 0; i < barrier.ExpectedCount; i++ {
			unit := fmt.Sprintf("chunk-%d", i)
			if failed[unit] {
				continue
			}
			artifact, err := s.Artifact().Get(ctx, documentID, unitArtifactStage(stages.StageEntityExtraction, unit))
			if err != nil {
				return nil, retry.Transient(fmt.Errorf("loading extraction output %s: %w", unit, err))
			}
			merged[unit] = artifact.Content
		}
		return json.Marshal(merged)
	}
}
