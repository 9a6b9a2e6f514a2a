package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/lexflow/lexflow/internal/store"
	"github.com/lexflow/lexflow/internal/store/model"
)

type taskResponse struct {
	ID          string     `json:"id"`
	DocumentID  string     `json:"document_id"`
	Stage       string     `json:"stage"`
	Status      string     `json:"status"`
	Priority    int        `json:"priority"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	LeaseOwner  *string    `json:"lease_owner,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

func taskView(task model.Task) taskResponse {
	return taskResponse{
		ID:          task.ID.String(),
		DocumentID:  task.DocumentID.String(),
		Stage:       task.Stage,
		Status:      string(task.Status),
		Priority:    task.Priority,
		RetryCount:  task.RetryCount,
		MaxRetries:  task.MaxRetries,
		LeaseOwner:  task.LeaseOwner,
		ScheduledAt: task.ScheduledAt,
		StartedAt:   task.StartedAt,
		CompletedAt: task.CompletedAt,
		LastError:   task.ErrorMessage,
	}
}

// (GET /api/v1/tasks/{id})
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	task, err := h.store.Task().Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			renderError(w, r, http.StatusNotFound, "task not found")
			return
		}
		renderError(w, r, http.StatusInternalServerError, "failed to load task")
		return
	}
	render.JSON(w, r, taskView(*task))
}

// (GET /api/v1/tasks)
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	filter := store.NewTaskQueryFilter()
	if status := r.URL.Query().Get("status"); status != "" {
		filter = filter.ByStatus(model.TaskStatus(status))
	}
	if stage := r.URL.Query().Get("stage"); stage != "" {
		filter = filter.ByStage(stage)
	}

	tasks, err := h.store.Task().List(r.Context(), filter, store.NewTaskQueryOptions().WithLimit(100))
	if err != nil {
		renderError(w, r, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	views := make([]taskResponse, 0, len(tasks))
	for _, task := range tasks {
		views = append(views, taskView(task))
	}
	render.JSON(w, r, views)
}

// (GET /api/v1/sweeps)
func (h *Handler) GetLastSweep(w http.ResponseWriter, r *http.Request) {
	stats := h.monitor.LastStats()
	if stats.SweptAt.IsZero() {
		renderError(w, r, http.StatusNotFound, "no sweep has run yet")
		return
	}
	render.JSON(w, r, stats)
}

// (GET /healthz)
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}
