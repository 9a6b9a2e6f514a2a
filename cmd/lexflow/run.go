package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apiserver "github.com/lexflow/lexflow/internal/api_server"
	"github.com/lexflow/lexflow/internal/cache"
	"github.com/lexflow/lexflow/internal/config"
	"github.com/lexflow/lexflow/internal/handlers"
	"github.com/lexflow/lexflow/internal/ocr"
	"github.com/lexflow/lexflow/internal/pipeline"
	"github.com/lexflow/lexflow/internal/store"
	"github.com/lexflow/lexflow/pkg/log"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}

		logger := log.InitLog(log.ParseLevel(cfg.Service.LogLevel))
		defer func() { _ = logger.Sync() }()
		undo := zap.ReplaceGlobals(logger)
		defer undo()

		zap.S().Info("Starting pipeline service")
		defer zap.S().Info("Pipeline service stopped")

		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Fatalf("initializing data store: %v", err)
		}
		s := store.NewStore(db)
		defer s.Close()

		if err := s.InitialMigration(); err != nil {
			zap.S().Fatalf("running initial migration: %v", err)
		}

		var c *cache.Cache
		c, err = cache.New(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.SnapshotTTL)
		if err != nil {
			// the cache is an accelerator, the pipeline runs without it
			zap.S().Warnf("redis unavailable, running without cache: %v", err)
			c = nil
		} else {
			defer c.Close()
		}

		provider := ocr.NewHTTPProvider(cfg.OCR.ProviderURL, cfg.OCR.RequestTimeout)
		p := pipeline.New(cfg, s, c, provider, nil)

		handler := handlers.New(s, c, p.Machine, p.Dispatcher, p.Monitor, cfg.Pipeline.DefaultMaxRetries)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		group, ctx := errgroup.WithContext(ctx)
		group.Go(func() error {
			listener, err := newListener(cfg.Service.Address)
			if err != nil {
				return err
			}
			return apiserver.New(cfg, handler, listener).Run(ctx)
		})
		group.Go(func() error {
			listener, err := newListener(cfg.Service.MetricsAddress)
			if err != nil {
				return err
			}
			return apiserver.NewMetricServer(cfg.Service.MetricsAddress, listener).Run(ctx)
		})
		group.Go(func() error {
			return p.Run(ctx)
		})

		return group.Wait()
	},
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
