package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"gopkg.in/yaml.v3"

	"github.com/conduitworks/maestro/internal/dispatch"
	"github.com/conduitworks/maestro/internal/engine"
	"github.com/conduitworks/maestro/internal/events"
	"github.com/conduitworks/maestro/internal/graph"
	"github.com/conduitworks/maestro/internal/hitl"
	"github.com/conduitworks/maestro/internal/template"
	"github.com/conduitworks/maestro/pkg/schema"
)

// buildRegistry wires one executor per configured backend. Unconfigured task
// types fail at dispatch with a validation error rather than at startup.
func buildRegistry(ctx context.Context, cfg Config, logger *slog.Logger) (*dispatch.Registry, []func() error, error) {
	registry := dispatch.NewRegistry()
	registry.Register(schema.TaskTypeHITL, dispatch.NewHITLExecutor())

	var closers []func() error

	if cfg.OpenAIAPIKey != "" {
		client := openai.NewClient(cfg.OpenAIAPIKey)
		registry.Register(schema.TaskTypeLLM, dispatch.NewLLMExecutor(client, cfg.LLMModel, logger))
	}

	if cfg.MCPServerURL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		mcp, closeMCP, err := dispatch.ConnectMCP(dialCtx, cfg.MCPServerURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect mcp server %s: %w", cfg.MCPServerURL, err)
		}
		closers = append(closers, closeMCP)
		registry.Register(schema.TaskTypeTool, dispatch.NewToolExecutor(mcp, logger))
	}

	if cfg.AgentBaseURL != "" {
		httpClient := &http.Client{Timeout: 5 * time.Minute}
		registry.Register(schema.TaskTypeAgent, dispatch.NewAgentExecutor(httpClient, cfg.AgentBaseURL, logger))
	}

	return registry, closers, nil
}

func engineConfig(cfg Config) engine.Config {
	return engine.Config{
		PoolSize:             cfg.PoolSize,
		DefaultFailurePolicy: schema.FailurePolicy(cfg.DefaultFailurePolicy),
		DefaultRetry:         cfg.defaultRetry(),
		DefaultTimeout:       cfg.DefaultTimeout,
	}
}

// newCore builds the validator and resolver shared by every command.
func newCore() (*graph.Validator, *template.Resolver, error) {
	validator, err := graph.NewValidator()
	if err != nil {
		return nil, nil, fmt.Errorf("build validator: %w", err)
	}
	resolver, err := template.NewResolver()
	if err != nil {
		return nil, nil, fmt.Errorf("build resolver: %w", err)
	}
	return validator, resolver, nil
}

// loadDefinition reads a workflow definition from a YAML or JSON file.
func loadDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var def schema.WorkflowDefinition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return &def, nil
}

// localEngine builds an in-process engine with no persistence, for one-shot
// runs and validation.
func localEngine(ctx context.Context, cfg Config, logger *slog.Logger) (*engine.Engine, []func() error, error) {
	validator, resolver, err := newCore()
	if err != nil {
		return nil, nil, err
	}
	registry, closers, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	hub := events.NewMemoryHub()
	emitter := events.NewEmitter(hub, nil, logger)
	gates := hitl.NewManager(nil, logger)

	eng := engine.New(engine.Deps{
		Validator: validator,
		Registry:  registry,
		Gates:     gates,
		Emitter:   emitter,
		Resolver:  resolver,
		Logger:    logger,
		Config:    engineConfig(cfg),
	})
	return eng, closers, nil
}
