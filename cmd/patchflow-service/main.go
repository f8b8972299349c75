// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/patchflow-dev/patchflow/lib/agent"
	"github.com/patchflow-dev/patchflow/lib/audit"
	"github.com/patchflow-dev/patchflow/lib/clock"
	"github.com/patchflow-dev/patchflow/lib/config"
	"github.com/patchflow-dev/patchflow/lib/forge"
	"github.com/patchflow-dev/patchflow/lib/pipeline"
	"github.com/patchflow-dev/patchflow/lib/plan"
	"github.com/patchflow-dev/patchflow/lib/policy"
	"github.com/patchflow-dev/patchflow/lib/process"
	"github.com/patchflow-dev/patchflow/lib/reconcile"
	"github.com/patchflow-dev/patchflow/lib/sandbox"
	"github.com/patchflow-dev/patchflow/lib/service"
	"github.com/patchflow-dev/patchflow/lib/sqlitepool"
	"github.com/patchflow-dev/patchflow/lib/store"
	"github.com/patchflow-dev/patchflow/lib/version"
)

// systemPrompt frames the conversational model's role. The per-skill
// constraints live in the policy ruleset and reach the coding agent
// through the pipeline, not through this prompt.
const systemPrompt = `You are Patchflow, a code-change coordinator. Operators describe
changes they want in a repository; you break work into plans and
trigger sandboxed code changes with the tools provided. Only trigger a
change when the operator's intent is clear; otherwise ask. Each
trigger names a skill that scopes what files the change may touch.`

func main() {
	configPath := pflag.String("config", "", "path to the config file (defaults to $"+config.ConfigEnvVar+")")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		version.Print("patchflow-service")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		process.Fatal(err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	logger.Info("starting", "version", version.Full(), "environment", cfg.Environment)

	clk := clock.Real()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	requestStore, err := store.Open(store.Config{
		Path:   filepath.Join(cfg.DataDir, "patchflow.db"),
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer requestStore.Close()

	auditPool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   filepath.Join(cfg.DataDir, "audit.db"),
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, audit.Schema, nil)
		},
	})
	if err != nil {
		return err
	}
	defer auditPool.Close()
	trail := audit.New(auditPool, clk, logger)

	ruleset, err := policy.ReadFile(filepath.Join(cfg.DataDir, "policy.jsonc"))
	if err != nil {
		return err
	}
	policyEngine := policy.NewEngine(ruleset, trail, logger)

	repo, err := forge.ParseRepo(cfg.Forge.Repository)
	if err != nil {
		return err
	}
	forgeToken, err := cfg.ForgeToken()
	if err != nil {
		return err
	}
	forgeClient, err := forge.NewClient(forge.Config{
		BaseURL: cfg.Forge.APIBaseURL,
		Token:   forgeToken,
		Clock:   clk,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	registry := sandbox.NewRegistry(logger)
	workDir := cfg.Sandbox.WorkDir
	if workDir == "" {
		workDir = filepath.Join(cfg.DataDir, "sandboxes")
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("creating sandbox directory: %w", err)
	}
	provider := &sandbox.LocalProvider{Root: workDir, Logger: logger}

	planner := plan.NewTracker(requestStore, logger)

	executor := pipeline.NewExecutor(pipeline.Config{
		Repo:             repo,
		Token:            forgeToken,
		Template:         cfg.Sandbox.Template,
		BranchPrefix:     cfg.Pipeline.BranchPrefix,
		CommitPrefix:     cfg.Pipeline.CommitPrefix,
		AgentCommand:     cfg.Pipeline.AgentCommand,
		AgentTimeout:     cfg.Pipeline.AgentTimeout,
		ProvisionTimeout: cfg.Sandbox.ProvisionTimeout,
		ExecTimeout:      cfg.Sandbox.ExecTimeout,
		PRTemplate:       cfg.Pipeline.PRTemplate,
	}, pipeline.Deps{
		Store:    requestStore,
		Registry: registry,
		Provider: provider,
		Forge:    forgeClient,
		Policy:   policyEngine,
		Planner:  planner,
		Clock:    clk,
		Logger:   logger,
	})

	reconciler := reconcile.New(requestStore, logger)

	modelKey, err := cfg.ModelAPIKey()
	if err != nil {
		return err
	}
	model, err := agent.NewAnthropicModel(agent.AnthropicConfig{
		BaseURL:   cfg.Model.APIBaseURL,
		APIKey:    modelKey,
		Model:     cfg.Model.Name,
		MaxTokens: cfg.Model.MaxTokens,
		System:    systemPrompt,
	})
	if err != nil {
		return err
	}

	// The service implements the loop's pipeline starter, and the
	// loop is a service dependency. The starter indirection breaks
	// the construction cycle; by the time the model triggers a
	// change, the service exists.
	var svc *patchflowService
	loop := agent.NewLoop(agent.Config{
		Model:   model,
		Policy:  policyEngine,
		Planner: planner,
		Starter: agent.StarterFunc(func(request pipeline.Request) error {
			return svc.Start(request)
		}),
		MaxRounds: cfg.Pipeline.MaxToolRounds,
		Logger:    logger,
	})
	svc = newPatchflowService(serviceDeps{
		Executor: executor,
		Registry: registry,
		Loop:     loop,
		Store:    requestStore,
		Planner:  planner,
		PRs:      forgeClient,
		Repo:     repo,
		Logger:   logger,
	})

	secret, err := cfg.WebhookSecret()
	if err != nil {
		if !errors.Is(err, config.ErrVerificationDisabled) {
			return err
		}
		logger.Warn("webhook verification disabled", "error", err)
		secret = nil
	}
	webhook := newWebhookHandler(secret, reconciler, clk, logger)

	server := service.NewHTTPServer(service.HTTPServerConfig{
		Address: cfg.Listen,
		Handler: svc.routes(webhook),
		Logger:  logger,
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx) }()

	select {
	case <-server.Ready():
		logger.Info("listening", "address", server.Addr())
		err = <-serveErr
	case err = <-serveErr:
		// Bind failure; Ready never closed.
	}

	// The HTTP surface is down; stop in-flight pipelines and tear
	// down their sandboxes before exiting.
	svc.cancelAll()
	if killed := registry.KillAll(); killed > 0 {
		logger.Info("tore down sandboxes on shutdown", "count", killed)
	}
	return err
}
