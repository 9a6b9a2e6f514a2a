package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/lexflow/lexflow/internal/cache"
	"github.com/lexflow/lexflow/internal/config"
	"github.com/lexflow/lexflow/internal/ocr"
	"github.com/lexflow/lexflow/internal/pipeline/claimer"
	"github.com/lexflow/lexflow/internal/pipeline/dispatch"
	"github.com/lexflow/lexflow/internal/pipeline/executors"
	"github.com/lexflow/lexflow/internal/pipeline/monitor"
	"github.com/lexflow/lexflow/internal/pipeline/retry"
	"github.com/lexflow/lexflow/internal/pipeline/stages"
	"github.com/lexflow/lexflow/internal/pipeline/worker"
	"github.com/lexflow/lexflow/internal/store"
)

// Processors are the pluggable analysis engines, keyed by stage.
// Stages without an entry fall back to the built-in heuristics.
type Processors map[string]executors.Processor

// Pipeline owns the full processing topology: state machine,
// dispatcher, worker fleet and stalled-task monitor, wired from one
// configuration.
type Pipeline struct {
	Machine    *stages.Machine
	Dispatcher *dispatch.Dispatcher
	Registry   *worker.Registry
	Monitor    *monitor.Monitor

	workers []*worker.Worker
}

// New assembles the pipeline. The cache may be nil; the provider is the
// remote text-recognition service.
func New(cfg *config.Config, s store.Store, c *cache.Cache, provider ocr.Provider, processors Processors) *Pipeline {
	var snapshot stages.Snapshotter
	if c != nil {
		snapshot = c
	}
	machine := stages.NewMachine(s, snapshot)

	policy := dispatch.FanInPolicy(cfg.Pipeline.FanInPolicy)
	dispatcher := dispatch.New(s, machine, policy, cfg.Pipeline.DefaultMaxRetries)
	dispatcher.RegisterFanOut(stages.StageEntityExtraction, executors.ChunkFanOut(s, c))

	ocrClient := ocr.NewClient(s, provider, ocr.Config{
		PollInitialDelay: cfg.OCR.PollInitialDelay,
		PollInterval:     cfg.OCR.PollInterval,
		PollMaxWait:      cfg.OCR.PollMaxWait,
		MinConfidence:    cfg.OCR.MinConfidence,
		PartialPolicy:    ocr.PartialResultPolicy(cfg.OCR.PartialResultPolicy),
	})

	registry := worker.NewRegistry()
	registry.Register(stages.StageOCR, "",
		executors.NewOCRExecutor(s, ocrClient, c, executors.PollMode(cfg.OCR.PollMode)))
	registry.Register(stages.StageChunking, "",
		executors.NewChunkExecutor(s, c, 0))
	registry.Register(stages.StageEntityExtraction, "",
		executors.NewProcessorExecutor(s, c, stages.StageEntityExtraction, stages.StageChunking,
			processorFor(processors, stages.StageEntityExtraction, executors.ProcessorFunc(executors.ExtractEntities)), ""))
	registry.Register(stages.StageEntityResolution, "",
		executors.NewProcessorExecutor(s, c, stages.StageEntityResolution, stages.StageEntityExtraction,
			processorFor(processors, stages.StageEntityResolution, executors.ProcessorFunc(executors.ResolveEntities)), "").
			WithInputLoader(executors.MergedExtractionInput(s)))
	registry.Register(stages.StageRelationshipBuilding, "",
		executors.NewProcessorExecutor(s, c, stages.StageRelationshipBuilding, stages.StageEntityResolution,
			processorFor(processors, stages.StageRelationshipBuilding, executors.ProcessorFunc(executors.BuildRelationships)), ""))
	registry.Register(stages.StageFinalize, "",
		executors.NewFinalizeExecutor(s, c))

	controller := retry.NewController(cfg.Pipeline.RetryBaseDelay, cfg.Pipeline.RetryMaxDelay)
	breaker := retry.NewBreaker("ocr-provider",
		cfg.Pipeline.BreakerThreshold, cfg.Pipeline.BreakerWindow, cfg.Pipeline.BreakerCooldown)

	workers := make([]*worker.Worker, 0, cfg.Pipeline.WorkerCount)
	for i := 0; i < cfg.Pipeline.WorkerCount; i++ {
		w := worker.New(s, claimer.New(s, claimer.NewWorkerID()), registry, machine, dispatcher,
			controller, cfg.Pipeline.ClaimBatchSize, cfg.Pipeline.ClaimInterval)
		w.RegisterBreaker("ocr-provider", breaker)
		workers = append(workers, w)
	}

	return &Pipeline{
		Machine:    machine,
		Dispatcher: dispatcher,
		Registry:   registry,
		Monitor:    monitor.New(s, dispatcher, cfg.Pipeline.MaxProcessingTime, cfg.Pipeline.SweepInterval),
		workers:    workers,
	}
}

// Run starts the worker fleet and the stalled-task monitor, blocking
// until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		group.Go(func() error { return w.Run(ctx) })
	}
	group.Go(func() error {
		p.Monitor.Run(ctx)
		return nil
	})
	return group.Wait()
}

// Tick runs one synchronous claim-and-process cycle on every worker.
// Lets tests and tooling drive the pipeline without the timer loop.
func (p *Pipeline) Tick(ctx context.Context) {
	for _, w := range p.workers {
		w.ProcessBatch(ctx)
	}
}

func processorFor(processors Processors, stage string, fallback executors.Processor) executors.Processor {
	if p, ok := processors[stage]; ok {
		return p
	}
	return fallback
}
