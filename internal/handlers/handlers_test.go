package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexflow/lexflow/internal/config"
	"github.com/lexflow/lexflow/internal/handlers"
	"github.com/lexflow/lexflow/internal/pipeline/dispatch"
	"github.com/lexflow/lexflow/internal/pipeline/monitor"
	"github.com/lexflow/lexflow/internal/pipeline/stages"
	"github.com/lexflow/lexflow/internal/store"
	"github.com/lexflow/lexflow/internal/store/model"
)

type harness struct {
	store   store.Store
	machine *stages.Machine
	monitor *monitor.Monitor
	router  *chi.Mux
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := store.InitDB(config.NewDefault())
	require.NoError(t, err)
	s := store.NewStore(db)
	require.NoError(t, s.InitialMigration())
	t.Cleanup(func() { _ = s.Close() })

	machine := stages.NewMachine(s, nil)
	dispatcher := dispatch.New(s, machine, dispatch.FanInAbort, 3)
	mon := monitor.New(s, dispatcher, time.Minute, time.Minute)
	handler := handlers.New(s, nil, machine, dispatcher, mon, 3)

	router := chi.NewRouter()
	router.Get("/healthz", handler.Health)
	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/documents", handler.IngestDocument)
		r.Get("/documents/{id}", handler.GetDocument)
		r.Post("/documents/{id}/cancel", handler.CancelDocument)
		r.Post("/documents/{id}/reprocess", handler.ReprocessDocument)
		r.Get("/tasks", handler.ListTasks)
		r.Get("/tasks/{id}", handler.GetTask)
		r.Get("/sweeps", handler.GetLastSweep)
	})

	return &harness{store: s, machine: machine, monitor: mon, router: router}
}

func (h *harness) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	h.router.ServeHTTP(recorder, req)

	var decoded map[string]any
	if recorder.Body.Len() > 0 {
		// list endpoints return arrays, callers decode those themselves
		_ = json.Unmarshal(recorder.Body.Bytes(), &decoded)
	}
	return recorder, decoded
}

func TestIngestDocumentCreatesRecordAndTask(t *testing.T) {
	h := newHarness(t)

	recorder, resp := h.do(t, http.MethodPost, "/api/v1/documents", map[string]string{"input_ref": "documents/contract.pdf"})
	require.Equal(t, http.StatusCreated, recorder.Code)

	documentID, err := uuid.Parse(resp["document_id"].(string))
	require.NoError(t, err)
	taskID, err := uuid.Parse(resp["task_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, stages.StageOCR, resp["stage"])

	record, err := h.store.StageRecord().Get(t.Context(), documentID)
	require.NoError(t, err)
	statuses, err := record.StageStatuses()
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusNotStarted, statuses[stages.StageOCR])

	task, err := h.store.Task().Get(t.Context(), taskID)
	require.NoError(t, err)
	assert.Equal(t, stages.StageOCR, task.Stage)
	assert.Equal(t, model.TaskStatusPending, task.Status)
	assert.Contains(t, string(task.Payload), "documents/contract.pdf")
}

func TestIngestDocumentHonorsCallerSuppliedID(t *testing.T) {
	h := newHarness(t)
	documentID := uuid.New()

	recorder, resp := h.do(t, http.MethodPost, "/api/v1/documents", map[string]string{"document_id": documentID.String()})
	require.Equal(t, http.StatusCreated, recorder.Code)
	assert.Equal(t, documentID.String(), resp["document_id"])

	recorder, _ = h.do(t, http.MethodPost, "/api/v1/documents", map[string]string{"document_id": "not-a-uuid"})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestGetDocumentReportsStageStatuses(t *testing.T) {
	h := newHarness(t)

	recorder, _ := h.do(t, http.MethodGet, "/api/v1/documents/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	_, resp := h.do(t, http.MethodPost, "/api/v1/documents", nil)
	documentID := uuid.MustParse(resp["document_id"].(string))

	_, err := h.machine.Begin(t.Context(), documentID, stages.StageOCR)
	require.NoError(t, err)

	recorder, resp = h.do(t, http.MethodGet, "/api/v1/documents/"+documentID.String(), nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, stages.StageOCR, resp["current_stage"])
	assert.Equal(t, false, resp["cancelled"])

	statuses := resp["stages"].(map[string]any)
	assert.Equal(t, string(model.StageStatusInProgress), statuses[stages.StageOCR])
	assert.Equal(t, string(model.StageStatusNotStarted), statuses[stages.StageChunking])
}

func TestCancelDocument(t *testing.T) {
	h := newHarness(t)

	_, resp := h.do(t, http.MethodPost, "/api/v1/documents", nil)
	documentID := uuid.MustParse(resp["document_id"].(string))

	recorder, _ := h.do(t, http.MethodPost, "/api/v1/documents/"+documentID.String()+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, recorder.Code)

	record, err := h.store.StageRecord().Get(t.Context(), documentID)
	require.NoError(t, err)
	assert.True(t, record.Cancelled)

	recorder, _ = h.do(t, http.MethodPost, "/api/v1/documents/"+uuid.NewString()+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestReprocessDocumentResetsStagesAndArtifacts(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	_, resp := h.do(t, http.MethodPost, "/api/v1/documents", nil)
	documentID := uuid.MustParse(resp["document_id"].(string))

	// walk the document through ocr and chunking
	for _, stage := range []string{stages.StageOCR, stages.StageChunking} {
		_, err := h.machine.Begin(ctx, documentID, stage)
		require.NoError(t, err)
		require.NoError(t, h.store.Artifact().Put(ctx, documentID, stage, []byte(fmt.Sprintf("%q output", stage))))
		_, err = h.machine.Complete(ctx, documentID, stage)
		require.NoError(t, err)
	}

	recorder, resp := h.do(t, http.MethodPost, "/api/v1/documents/"+documentID.String()+"/reprocess",
		map[string]string{"from_stage": stages.StageChunking})
	require.Equal(t, http.StatusAccepted, recorder.Code)
	assert.Equal(t, stages.StageChunking, resp["from_stage"])

	record, err := h.store.StageRecord().Get(ctx, documentID)
	require.NoError(t, err)
	statuses, err := record.StageStatuses()
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusComplete, statuses[stages.StageOCR])
	assert.Equal(t, model.StageStatusNotStarted, statuses[stages.StageChunking])

	// the upstream artifact survives, the reset stage's output is gone
	_, err = h.store.Artifact().Get(ctx, documentID, stages.StageOCR)
	assert.NoError(t, err)
	_, err = h.store.Artifact().Get(ctx, documentID, stages.StageChunking)
	assert.ErrorIs(t, err, store.ErrRecordNotFound)

	taskID := uuid.MustParse(resp["task_id"].(string))
	task, err := h.store.Task().Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, stages.StageChunking, task.Stage)

	recorder, _ = h.do(t, http.MethodPost, "/api/v1/documents/"+documentID.String()+"/reprocess",
		map[string]string{"from_stage": "notarization"})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestGetTask(t *testing.T) {
	h := newHarness(t)

	_, resp := h.do(t, http.MethodPost, "/api/v1/documents", nil)
	taskID := resp["task_id"].(string)

	recorder, resp := h.do(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, taskID, resp["id"])
	assert.Equal(t, string(model.TaskStatusPending), resp["status"])

	recorder, _ = h.do(t, http.MethodGet, "/api/v1/tasks/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestListTasksFilters(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	h.do(t, http.MethodPost, "/api/v1/documents", nil)
	h.do(t, http.MethodPost, "/api/v1/documents", nil)

	otherID := uuid.New()
	_, err := h.machine.InitDocument(ctx, otherID)
	require.NoError(t, err)
	_, err = h.store.Task().Create(ctx, model.Task{DocumentID: otherID, Stage: stages.StageChunking, MaxRetries: 3})
	require.NoError(t, err)

	recorder, _ := h.do(t, http.MethodGet, "/api/v1/tasks?stage="+stages.StageOCR, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	var views []map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &views))
	require.Len(t, views, 2)
	for _, view := range views {
		assert.Equal(t, stages.StageOCR, view["stage"])
	}

	recorder, _ = h.do(t, http.MethodGet, "/api/v1/tasks?status=pending", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &views))
	assert.Len(t, views, 3)

	recorder, _ = h.do(t, http.MethodGet, "/api/v1/tasks?status=failed", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &views))
	assert.Empty(t, views)
}

func TestGetLastSweep(t *testing.T) {
	h := newHarness(t)

	recorder, _ := h.do(t, http.MethodGet, "/api/v1/sweeps", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	_, err := h.monitor.Sweep(t.Context())
	require.NoError(t, err)

	recorder, resp := h.do(t, http.MethodGet, "/api/v1/sweeps", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.NotEmpty(t, resp["swept_at"])
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	recorder, resp := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "ok", resp["status"])
}
