package handlers

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/lexflow/lexflow/internal/cache"
	"github.com/lexflow/lexflow/internal/pipeline/dispatch"
	"github.com/lexflow/lexflow/internal/pipeline/monitor"
	"github.com/lexflow/lexflow/internal/pipeline/stages"
	"github.com/lexflow/lexflow/internal/store"
)

// Handler serves the operational HTTP surface: document ingestion and
// lifecycle commands plus read-only inspection of tasks, documents and
// sweep results.
type Handler struct {
	store      store.Store
	cache      *cache.Cache
	machine    *stages.Machine
	dispatcher *dispatch.Dispatcher
	monitor    *monitor.Monitor
	maxRetries int
}

func New(s store.Store, c *cache.Cache, machine *stages.Machine, dispatcher *dispatch.Dispatcher, m *monitor.Monitor, maxRetries int) *Handler {
	return &Handler{
		store:      s,
		cache:      c,
		machine:    machine,
		dispatcher: dispatcher,
		monitor:    m,
		maxRetries: maxRetries,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func renderError(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: message})
}
