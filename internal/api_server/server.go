package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lexflow/lexflow/internal/config"
	"github.com/lexflow/lexflow/internal/handlers"
	"github.com/lexflow/lexflow/pkg/metrics"
	"github.com/lexflow/lexflow/pkg/middleware"
)

const gracefulShutdownTimeout = 5 * time.Second

// Server exposes the operational HTTP surface of the pipeline.
type Server struct {
	cfg      *config.Config
	handler  *handlers.Handler
	listener net.Listener
}

func New(cfg *config.Config, handler *handlers.Handler, listener net.Listener) *Server {
	return &Server{
		cfg:      cfg,
		handler:  handler,
		listener: listener,
	}
}

func (s *Server) Run(ctx context.Context) error {
	zap.S().Named("api_server").Info("Initializing API server")

	router := chi.NewRouter()

	metricMiddleware := metrics.NewMiddleware("api_server")
	metricMiddleware.MustRegisterDefault()

	router.Use(
		metricMiddleware.Handler,
		middleware.RequestID,
		middleware.Logger(),
		chiMiddleware.Recoverer,
	)

	router.Get("/healthz", s.handler.Health)
	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/documents", s.handler.IngestDocument)
		r.Get("/documents/{id}", s.handler.GetDocument)
		r.Post("/documents/{id}/cancel", s.handler.CancelDocument)
		r.Post("/documents/{id}/reprocess", s.handler.ReprocessDocument)
		r.Get("/tasks", s.handler.ListTasks)
		r.Get("/tasks/{id}", s.handler.GetTask)
		r.Get("/sweeps", s.handler.GetLastSweep)
	})

	httpServer := &http.Server{
		Addr:    s.cfg.Service.Address,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		zap.S().Named("api_server").Infof("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		httpServer.SetKeepAlivesEnabled(false)
		_ = httpServer.Shutdown(ctxTimeout)
	}()

	zap.S().Named("api_server").Infof("Listening on %s...", s.listener.Addr().String())
	if err := httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
