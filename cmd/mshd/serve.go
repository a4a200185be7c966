package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-msh/internal/config"
	"github.com/sirosfoundation/go-msh/internal/server"
	"github.com/sirosfoundation/go-msh/internal/watcher"
)

func newServeCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the message service handler",
		Long:  "Starts the send workers, the retry and pull maintenance jobs and the HTTP API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg.Logging, os.Stderr)
	logger.Info("Starting mshd", "version", Version, "strategy", cfg.Resolver.Strategy,
		"backend", cfg.Storage.ConfigurationBackend, "clustered", cfg.NATS.URL != "")

	n, err := newNode(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.Close(closeCtx); err != nil {
			logger.Warn("Shutdown incomplete", "error", err)
		}
	}()

	if err := n.openStorage(ctx); err != nil {
		return err
	}
	if err := n.openNATS(); err != nil {
		return err
	}
	if err := n.openResolver(); err != nil {
		return err
	}
	if err := n.openReliability(ctx); err != nil {
		return err
	}

	if n.signaler != nil {
		if err := n.signaler.Start(); err != nil {
			return err
		}
	}
	if cfg.PMode.WatchFile != "" {
		w := watcher.New(cfg.PMode.WatchFile, n.resolver, logger)
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Error("PMode watcher stopped", "error", err)
			}
		}()
	}
	if n.mongo != nil && cfg.Storage.ConfigurationBackend == config.BackendMongoDB {
		changes := n.mongo.WatchConfigurations(ctx)
		go func() {
			for range changes {
				n.resolver.Refresh()
			}
		}()
	}

	if err := n.msh.Start(ctx); err != nil {
		return err
	}
	defer n.msh.Stop()
	n.scheduler.Start()
	defer func() { <-n.scheduler.Stop().Done() }()

	deps := server.Dependencies{
		Resolver:  n.resolver,
		History:   n.history,
		Messenger: n.msh,
		Database:  n.sql,
	}
	if cfg.Metrics.Metrics.Enabled {
		deps.Gatherer = prometheus.Gatherer(n.registry)
	}
	srv, err := server.New(cfg, deps, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.Server.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
