package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexflow/lexflow/internal/cache"
	"github.com/lexflow/lexflow/internal/config"
	"github.com/lexflow/lexflow/internal/ocr"
	"github.com/lexflow/lexflow/internal/pipeline"
	"github.com/lexflow/lexflow/internal/pipeline/monitor"
	"github.com/lexflow/lexflow/internal/pipeline/stages"
	"github.com/lexflow/lexflow/internal/store"
	"github.com/lexflow/lexflow/internal/store/model"
)

// scriptedProvider serves a fixed status sequence per input location.
// The remote job survives across poll calls like a real provider's
// would, and start calls are deduplicated by idempotency token.
type scriptedProvider struct {
	mu      sync.Mutex
	scripts map[string][]ocr.StatusPage
	jobs    map[string][]ocr.StatusPage
	byToken map[string]string
	nextID  int
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{
		scripts: make(map[string][]ocr.StatusPage),
		jobs:    make(map[string][]ocr.StatusPage),
		byToken: make(map[string]string),
	}
}

func (p *scriptedProvider) StartJob(ctx context.Context, input ocr.JobInput, idempotencyToken string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if jobID, ok := p.byToken[idempotencyToken]; ok {
		return jobID, nil
	}

	p.nextID++
	jobID := fmt.Sprintf("job-%d", p.nextID)
	p.jobs[jobID] = p.scripts[input.InputLocation]
	p.byToken[idempotencyToken] = jobID
	return jobID, nil
}

func (p *scriptedProvider) GetJobStatus(ctx context.Context, jobID string, pageToken string) (ocr.StatusPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	script := p.jobs[jobID]
	if len(script) == 0 {
		return ocr.StatusPage{Status: ocr.ProviderStatusFailed, Warnings: []string{"unknown job"}}, nil
	}
	page := script[0]
	if len(script) > 1 {
		p.jobs[jobID] = script[1:]
	}
	return page, nil
}

func succeededPage(text string) ocr.StatusPage {
	return ocr.StatusPage{
		Status:    ocr.ProviderStatusSucceeded,
		PageCount: 1,
		Fragments: []ocr.Fragment{{Page: 1, Top: 0, Left: 0, Text: text, Confidence: 0.95}},
	}
}

type harness struct {
	pipeline *pipeline.Pipeline
	store    store.Store
	provider *scriptedProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.NewDefault()
	cfg.Pipeline.WorkerCount = 1
	cfg.Pipeline.ClaimBatchSize = 20
	cfg.OCR.PollInitialDelay = 0
	cfg.OCR.PollInterval = 0

	db, err := store.InitDB(cfg)
	require.NoError(t, err)
	s := store.NewStore(db)
	require.NoError(t, s.InitialMigration())
	t.Cleanup(func() { _ = s.Close() })

	mr := miniredis.RunT(t)
	c := cache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
	t.Cleanup(func() { _ = c.Close() })

	provider := newScriptedProvider()
	return &harness{
		pipeline: pipeline.New(cfg, s, c, provider, nil),
		store:    s,
		provider: provider,
	}
}

func (h *harness) ingest(t *testing.T, inputRef string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	documentID := uuid.New()

	_, err := h.pipeline.Machine.InitDocument(ctx, documentID)
	require.NoError(t, err)

	payload, err := json.Marshal(map[string]string{"input_ref": inputRef})
	require.NoError(t, err)
	_, err = h.store.Task().Create(ctx, model.Task{
		DocumentID: documentID,
		Stage:      stages.StageOCR,
		Payload:    payload,
		MaxRetries: 3,
	})
	require.NoError(t, err)
	return documentID
}

func (h *harness) stageStatuses(t *testing.T, documentID uuid.UUID) map[string]model.StageStatus {
	t.Helper()
	record, err := h.store.StageRecord().Get(context.Background(), documentID)
	require.NoError(t, err)
	statuses, err := record.StageStatuses()
	require.NoError(t, err)
	return statuses
}

func (h *harness) runUntil(t *testing.T, condition func() bool) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		h.pipeline.Tick(ctx)
		if condition() {
			return
		}
	}
	t.Fatal("pipeline did not reach the expected state")
}

func TestPipelineProcessesDocumentEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.provider.scripts["documents/a"] = []ocr.StatusPage{
		{Status: ocr.ProviderStatusRunning},
		{Status: ocr.ProviderStatusRunning},
		succeededPage("Acme Corp signed an agreement with Baker Industries in March."),
	}
	documentID := h.ingest(t, "documents/a")

	h.runUntil(t, func() bool {
		return h.stageStatuses(t, documentID)[stages.StageFinalize] == model.StageStatusComplete
	})

	statuses := h.stageStatuses(t, documentID)
	for _, stage := range stages.All() {
		assert.Equal(t, model.StageStatusComplete, statuses[stage], stage)
	}

	// every stage output is durably readable
	text, err := h.store.Artifact().Get(ctx, documentID, stages.StageOCR)
	require.NoError(t, err)
	assert.Contains(t, string(text.Content), "Acme Corp")

	manifest, err := h.store.Artifact().Get(ctx, documentID, stages.StageFinalize)
	require.NoError(t, err)
	assert.Contains(t, string(manifest.Content), documentID.String())

	relationships, err := h.store.Artifact().Get(ctx, documentID, stages.StageRelationshipBuilding)
	require.NoError(t, err)
	assert.Contains(t, string(relationships.Content), "co_occurrence")

	// no leftover work
	pending, err := h.store.Task().List(ctx,
		store.NewTaskQueryFilter().ByDocumentID(documentID).ByStatus(model.TaskStatusPending), nil)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPipelineIsolatesDocumentFailures(t *testing.T) {
	h := newHarness(t)

	h.provider.scripts["documents/good"] = []ocr.StatusPage{
		{Status: ocr.ProviderStatusRunning},
		succeededPage("Landlord Smith leased Premises to Tenant Jones."),
	}
	h.provider.scripts["documents/bad"] = []ocr.StatusPage{
		{Status: ocr.ProviderStatusFailed, Warnings: []string{"corrupt file"}},
	}

	good := h.ingest(t, "documents/good")
	bad := h.ingest(t, "documents/bad")

	// a crowd of unrelated documents sharing the queue with the failure
	others := make([]uuid.UUID, 3)
	for i := range others {
		ref := fmt.Sprintf("documents/other-%d", i)
		h.provider.scripts[ref] = []ocr.StatusPage{
			succeededPage(fmt.Sprintf("Contract %d binds Vendor Gamma and Client Delta.", i)),
		}
		others[i] = h.ingest(t, ref)
	}

	h.runUntil(t, func() bool {
		if h.stageStatuses(t, good)[stages.StageFinalize] != model.StageStatusComplete ||
			h.stageStatuses(t, bad)[stages.StageOCR] != model.StageStatusFailed {
			return false
		}
		for _, id := range others {
			if h.stageStatuses(t, id)[stages.StageFinalize] != model.StageStatusComplete {
				return false
			}
		}
		return true
	})

	// the failed document stops at ocr, everything else is untouched by it
	badStatuses := h.stageStatuses(t, bad)
	assert.Equal(t, model.StageStatusFailed, badStatuses[stages.StageOCR])
	assert.Equal(t, model.StageStatusNotStarted, badStatuses[stages.StageChunking])

	for _, id := range others {
		statuses := h.stageStatuses(t, id)
		for _, stage := range stages.All() {
			assert.Equal(t, model.StageStatusComplete, statuses[stage], stage)
		}
	}

	failed, err := h.store.Task().List(context.Background(),
		store.NewTaskQueryFilter().ByDocumentID(bad).ByStatus(model.TaskStatusFailed), nil)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].ErrorMessage, "corrupt file")
}

func TestPipelineResumesAfterKilledWorker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	documentID := uuid.New()
	_, err := h.pipeline.Machine.InitDocument(ctx, documentID)
	require.NoError(t, err)

	// a worker finished ocr durably but died before dispatching the
	// successor task
	_, err = h.pipeline.Machine.Begin(ctx, documentID, stages.StageOCR)
	require.NoError(t, err)
	require.NoError(t, h.store.Artifact().Put(ctx, documentID, stages.StageOCR,
		[]byte("Assignor Brown transferred the patent to Assignee Green.")))
	_, err = h.pipeline.Machine.Complete(ctx, documentID, stages.StageOCR)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	m := monitor.New(h.store, h.pipeline.Dispatcher, 10*time.Millisecond, time.Minute)
	stats, err := m.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Resumed)

	h.runUntil(t, func() bool {
		return h.stageStatuses(t, documentID)[stages.StageFinalize] == model.StageStatusComplete
	})

	statuses := h.stageStatuses(t, documentID)
	for _, stage := range stages.All() {
		assert.Equal(t, model.StageStatusComplete, statuses[stage], stage)
	}

	// the resumed run leaves no duplicate queued work behind
	pending, err := h.store.Task().List(ctx,
		store.NewTaskQueryFilter().ByDocumentID(documentID).ByStatus(model.TaskStatusPending), nil)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPipelineDropsCancelledDocumentWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.provider.scripts["documents/c"] = []ocr.StatusPage{succeededPage("Some Text")}
	documentID := h.ingest(t, "documents/c")

	require.NoError(t, h.store.StageRecord().MarkCancelled(ctx, documentID))

	h.pipeline.Tick(ctx)

	statuses := h.stageStatuses(t, documentID)
	assert.Equal(t, model.StageStatusNotStarted, statuses[stages.StageOCR])

	pending, err := h.store.Task().List(ctx,
		store.NewTaskQueryFilter().ByDocumentID(documentID).ByStatus(model.TaskStatusPending), nil)
	require.NoError(t, err)
	assert.Empty(t, pending, "cancelled documents drop their queued work")
}

func TestPipelineFanOutProducesPerChunkArtifacts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// long enough to split into several chunks
	var sb []byte
	for i := 0; i < 200; i++ {
		sb = append(sb, []byte(fmt.Sprintf("Paragraph %d mentions Party Alpha and Party Beta.\n\n", i))...)
	}
	h.provider.scripts["documents/long"] = []ocr.StatusPage{{
		Status:    ocr.ProviderStatusSucceeded,
		PageCount: 1,
		Fragments: []ocr.Fragment{{Page: 1, Top: 0, Left: 0, Text: string(sb), Confidence: 0.95}},
	}}
	documentID := h.ingest(t, "documents/long")

	h.runUntil(t, func() bool {
		return h.stageStatuses(t, documentID)[stages.StageFinalize] == model.StageStatusComplete
	})

	barrier, err := h.store.Barrier().GetByStage(ctx, documentID, stages.StageEntityExtraction)
	require.NoError(t, err)
	assert.True(t, barrier.Dispatched)
	assert.Greater(t, barrier.ExpectedCount, 1, "the document must actually fan out")
	assert.Equal(t, barrier.ExpectedCount, barrier.CompletedCount)

	for i := 0; i < barrier.ExpectedCount; i++ {
		_, err := h.store.Artifact().Get(ctx, documentID,
			fmt.Sprintf("%s/chunk-%d", stages.StageEntityExtraction, i))
		assert.NoError(t, err, "chunk %d output must be durable", i)
	}

	resolved, err := h.store.Artifact().Get(ctx, documentID, stages.StageEntityResolution)
	require.NoError(t, err)
	assert.Contains(t, string(resolved.Content), "Party Alpha")
}
