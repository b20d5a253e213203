package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/conduitworks/maestro/internal/engine"
	"github.com/conduitworks/maestro/internal/events"
	"github.com/conduitworks/maestro/internal/hitl"
	"github.com/conduitworks/maestro/internal/scheduler"
	"github.com/conduitworks/maestro/internal/server"
	"github.com/conduitworks/maestro/internal/store"
	"github.com/conduitworks/maestro/pkg/schema"
)

// serveCmd runs the API server with a persistent store, cron scheduler, and
// SSE event streaming.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workflow API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		logger := newLogger(cfg.LogLevel)
		ctx := cmd.Context()

		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		st, err := store.NewLibSQLStore(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate store: %w", err)
		}

		validator, resolver, err := newCore()
		if err != nil {
			return err
		}
		registry, closers, err := buildRegistry(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			for _, c := range closers {
				_ = c()
			}
		}()

		hub := events.NewMemoryHub()
		emitter := events.NewEmitter(hub, st, logger)
		gates := hitl.NewManager(st, logger)

		eng := engine.New(engine.Deps{
			Validator: validator,
			Registry:  registry,
			Gates:     gates,
			Emitter:   emitter,
			Resolver:  resolver,
			Store:     st,
			Logger:    logger,
			Config:    engineConfig(cfg),
		})
		resumeInterrupted(ctx, eng, st, logger)

		sched := scheduler.New(st, eng, logger)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}

		api := server.New(server.Deps{
			Engine:    eng,
			Store:     st,
			Hub:       hub,
			Gates:     gates,
			Scheduler: sched,
			Logger:    logger,
		})
		httpSrv := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			logger.Info("server listening", "addr", cfg.ListenAddr, "db", cfg.DBPath)
			errCh <- httpSrv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case <-sigCtx.Done():
		}

		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutCtx)
		sched.Stop()
		eng.Shutdown(shutCtx)
		return nil
	},
}

// resumeInterrupted restarts instances a previous process left non-terminal.
func resumeInterrupted(ctx context.Context, eng *engine.Engine, st store.Store, logger *slog.Logger) {
	for _, status := range []schema.InstanceStatus{
		schema.InstancePending, schema.InstanceRunning, schema.InstanceCancelling,
	} {
		s := status
		instances, err := st.ListInstances(ctx, store.InstanceFilter{Status: &s})
		if err != nil {
			logger.Error("list interrupted instances", "status", s, "error", err)
			continue
		}
		for _, inst := range instances {
			if _, err := eng.Resume(ctx, inst.InstanceID); err != nil {
				logger.Error("resume instance", "instance_id", inst.InstanceID, "error", err)
				continue
			}
			logger.Info("resumed instance", "instance_id", inst.InstanceID, "previous_status", s)
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
