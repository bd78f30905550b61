package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/codemechanic/internal/api"
	"github.com/dshills/codemechanic/internal/artifacts"
	"github.com/dshills/codemechanic/internal/assistant"
	"github.com/dshills/codemechanic/internal/config"
	"github.com/dshills/codemechanic/internal/events"
	"github.com/dshills/codemechanic/internal/executor"
	"github.com/dshills/codemechanic/internal/llm"
	"github.com/dshills/codemechanic/internal/pipeline"
	"github.com/dshills/codemechanic/internal/validator"
	"github.com/dshills/codemechanic/internal/worker"
)

func openArtifacts(cfg *config.Config) (artifacts.Store, error) {
	if !cfg.Artifacts.Enabled() {
		return artifacts.NewMemoryStore(), nil
	}
	return artifacts.NewS3Store(artifacts.S3Config{
		Endpoint:  cfg.Artifacts.Endpoint,
		Region:    cfg.Artifacts.Region,
		AccessKey: cfg.Artifacts.AccessKey,
		SecretKey: cfg.Artifacts.SecretKey,
		Bucket:    cfg.Artifacts.Bucket,
		UseSSL:    cfg.Artifacts.UseSSL,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	config.Log(cfg, logger)

	ctx := cmd.Context()
	repo, closeDB, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	store, err := openArtifacts(cfg)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}

	val, err := validator.New()
	if err != nil {
		return fmt.Errorf("init validator: %w", err)
	}

	hub := events.NewHub(0)
	defer hub.Close()
	pool := worker.New(worker.Options{
		Concurrency: cfg.Pipeline.Concurrency,
		Timeout:     cfg.Pipeline.JobTimeout,
	}, logger)

	exec := executor.New(repo, val, executor.Options{
		Limits:     cfg.Limits(),
		RunTimeout: cfg.Executor.RunTimeout,
		Events:     hub,
		Logger:     logger,
	})

	// The LLM endpoints answer 503 when no provider is configured; the rest of
	// the API works without one.
	var svc *assistant.Service
	factory := llm.NewFactory(ctx, cfg.FactoryConfig(), logger)
	if factory.Available() {
		svc = assistant.NewService(repo, factory, exec, assistant.Options{Pool: pool, Logger: logger})
		logger.Info("llm ready",
			zap.String("provider", string(factory.DefaultProvider())),
			zap.String("model", factory.DefaultModel()))
	} else {
		logger.Warn("no LLM provider configured, generation endpoints are disabled")
	}

	runner := pipeline.New(repo, store, pool, pipeline.Options{
		StepDelay:    cfg.Pipeline.StepDelay,
		DeployDomain: cfg.Pipeline.DeployDomain,
		Events:       hub,
		Logger:       logger,
	})

	handler := api.NewHandler(api.Deps{
		Repo:      repo,
		Executor:  exec,
		Assistant: svc,
		Pipeline:  runner,
		Artifacts: store,
		Hub:       hub,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      handler.Routes(api.CORSConfig{AllowedOrigins: cfg.HTTP.CORSOrigins}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	// Closing the hub ends open streams so Shutdown does not wait on them.
	hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}
