package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexflow/lexflow/internal/pipeline/stages"
	"github.com/lexflow/lexflow/internal/store"
	"github.com/lexflow/lexflow/internal/store/model"
)

type ingestRequest struct {
	DocumentID string `json:"document_id,omitempty"`
	InputRef   string `json:"input_ref,omitempty"`
}

type ingestResponse struct {
	DocumentID string    `json:"document_id"`
	TaskID     string    `json:"task_id"`
	Stage      string    `json:"stage"`
	CreatedAt  time.Time `json:"created_at"`
}

// (POST /api/v1/documents)
func (h *Handler) IngestDocument(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			renderError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	documentID := uuid.New()
	if req.DocumentID != "" {
		parsed, err := uuid.Parse(req.DocumentID)
		if err != nil {
			renderError(w, r, http.StatusBadRequest, "invalid document id")
			return
		}
		documentID = parsed
	}

	if _, err := h.machine.InitDocument(r.Context(), documentID); err != nil {
		renderError(w, r, http.StatusInternalServerError, "failed to initialize document")
		return
	}

	payload, _ := json.Marshal(map[string]string{"input_ref": req.InputRef})
	task, err := h.store.Task().Create(r.Context(), model.Task{
		DocumentID: documentID,
		Stage:      stages.StageOCR,
		Payload:    payload,
		MaxRetries: h.maxRetries,
	})
	if err != nil {
		renderError(w, r, http.StatusInternalServerError, "failed to enqueue document")
		return
	}

	zap.S().Named("handlers").Infof("document %s ingested, task %s", documentID, task.ID)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, ingestResponse{
		DocumentID: documentID.String(),
		TaskID:     task.ID.String(),
		Stage:      task.Stage,
		CreatedAt:  task.CreatedAt,
	})
}

type documentResponse struct {
	DocumentID   string                       `json:"document_id"`
	CurrentStage string                       `json:"current_stage"`
	Cancelled    bool                         `json:"cancelled"`
	Stages       map[string]model.StageStatus `json:"stages"`
	LastUpdated  time.Time                    `json:"last_updated"`
	ExternalJobs []externalJobView            `json:"external_jobs,omitempty"`
}

type externalJobView struct {
	ID            string   `json:"id"`
	Stage         string   `json:"stage"`
	Status        string   `json:"status"`
	ProviderJobID string   `json:"provider_job_id,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
}

// (GET /api/v1/documents/{id})
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	documentID, ok := parseID(w, r)
	if !ok {
		return
	}

	record, err := h.store.StageRecord().Get(r.Context(), documentID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			renderError(w, r, http.StatusNotFound, "document not found")
			return
		}
		renderError(w, r, http.StatusInternalServerError, "failed to load document")
		return
	}

	statuses, err := record.StageStatuses()
	if err != nil {
		renderError(w, r, http.StatusInternalServerError, "failed to decode stage record")
		return
	}

	resp := documentResponse{
		DocumentID:   record.DocumentID.String(),
		CurrentStage: record.CurrentStage,
		Cancelled:    record.Cancelled,
		Stages:       statuses,
		LastUpdated:  record.LastUpdated,
	}

	jobs, err := h.store.ExternalJob().List(r.Context(), store.NewExternalJobQueryFilter().ByDocumentID(documentID))
	if err == nil {
		for _, job := range jobs {
			resp.ExternalJobs = append(resp.ExternalJobs, externalJobView{
				ID:            job.ID.String(),
				Stage:         job.Stage,
				Status:        string(job.Status),
				ProviderJobID: job.ProviderJobID,
				Warnings:      job.WarningList(),
			})
		}
	}

	render.JSON(w, r, resp)
}

// (POST /api/v1/documents/{id}/cancel)
func (h *Handler) CancelDocument(w http.ResponseWriter, r *http.Request) {
	documentID, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.store.StageRecord().MarkCancelled(r.Context(), documentID); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			renderError(w, r, http.StatusNotFound, "document not found")
			return
		}
		renderError(w, r, http.StatusInternalServerError, "failed to cancel document")
		return
	}

	zap.S().Named("handlers").Infof("document %s cancelled", documentID)
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"document_id": documentID.String(), "status": "cancelled"})
}

type reprocessRequest struct {
	FromStage string `json:"from_stage"`
}

// (POST /api/v1/documents/{id}/reprocess)
func (h *Handler) ReprocessDocument(w http.ResponseWriter, r *http.Request) {
	documentID, ok := parseID(w, r)
	if !ok {
		return
	}

	var req reprocessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !stages.Known(req.FromStage) {
		renderError(w, r, http.StatusBadRequest, "from_stage must be a known pipeline stage")
		return
	}

	// reset, stale-artifact delete and re-enqueue land together or not
	// at all
	ctx, err := h.store.NewTransactionContext(r.Context())
	if err != nil {
		renderError(w, r, http.StatusInternalServerError, "failed to start reprocessing")
		return
	}
	defer func() {
		_, _ = store.Rollback(ctx)
	}()

	if _, err := h.machine.Reset(ctx, documentID, req.FromStage); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			renderError(w, r, http.StatusNotFound, "document not found")
			return
		}
		renderError(w, r, http.StatusInternalServerError, "failed to reset stages")
		return
	}

	downstream := stages.Downstream(req.FromStage)
	if err := h.store.Artifact().DeleteForStages(ctx, documentID, downstream); err != nil {
		renderError(w, r, http.StatusInternalServerError, "failed to delete stale artifacts")
		return
	}

	task, err := h.store.Task().Create(ctx, model.Task{
		DocumentID: documentID,
		Stage:      req.FromStage,
		MaxRetries: h.maxRetries,
	})
	if err != nil {
		renderError(w, r, http.StatusInternalServerError, "failed to enqueue reprocessing")
		return
	}

	if _, err := store.Commit(ctx); err != nil {
		renderError(w, r, http.StatusInternalServerError, "failed to commit reprocessing")
		return
	}

	if h.cache != nil {
		if err := h.cache.Invalidate(r.Context(), documentID); err != nil {
			zap.S().Named("handlers").Warnf("document %s: failed to invalidate cache: %v", documentID, err)
		}
	}

	zap.S().Named("handlers").Infof("document %s reprocessing from %s, task %s", documentID, req.FromStage, task.ID)
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{
		"document_id": documentID.String(),
		"from_stage":  req.FromStage,
		"task_id":     task.ID.String(),
	})
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, http.StatusBadRequest, "invalid id")
		return uuid.UUID{}, false
	}
	return id, true
}
