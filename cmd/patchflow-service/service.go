// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/patchflow-dev/patchflow/lib/agent"
	"github.com/patchflow-dev/patchflow/lib/forge"
	"github.com/patchflow-dev/patchflow/lib/pipeline"
	"github.com/patchflow-dev/patchflow/lib/plan"
	"github.com/patchflow-dev/patchflow/lib/sandbox"
	"github.com/patchflow-dev/patchflow/lib/store"
	"github.com/patchflow-dev/patchflow/lib/version"
)

const maxMessageBodySize = 1 * 1024 * 1024

// patchflowService ties the agent loop, the pipeline executor, and
// the sandbox registry behind the operator-facing HTTP surface.
//
// It also implements agent.Starter: when the model invokes
// trigger_code_change, the pipeline runs on its own goroutine under a
// cancellable background context so that the operator's HTTP request
// returning does not abort work in flight. The kill endpoint cancels
// every registered context and tears down every sandbox.
type patchflowService struct {
	executor *pipeline.Executor
	registry *sandbox.Registry
	loop     *agent.Loop
	store    *store.Store
	planner  *plan.Tracker
	prs      prFetcher
	repo     forge.Repo
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// prFetcher is the live pull-request lookup the status endpoint uses.
// Satisfied by *forge.Client; faked in tests.
type prFetcher interface {
	GetPullRequest(ctx context.Context, repo forge.Repo, number int) (*forge.PullRequest, error)
}

// serviceDeps are the collaborators behind the HTTP surface.
type serviceDeps struct {
	Executor *pipeline.Executor
	Registry *sandbox.Registry
	Loop     *agent.Loop
	Store    *store.Store
	Planner  *plan.Tracker
	PRs      prFetcher
	Repo     forge.Repo
	Logger   *slog.Logger
}

func newPatchflowService(deps serviceDeps) *patchflowService {
	switch {
	case deps.Executor == nil:
		panic("patchflowService: executor is required")
	case deps.Registry == nil:
		panic("patchflowService: registry is required")
	case deps.Loop == nil:
		panic("patchflowService: loop is required")
	case deps.Store == nil:
		panic("patchflowService: store is required")
	case deps.Planner == nil:
		panic("patchflowService: planner is required")
	case deps.PRs == nil:
		panic("patchflowService: forge client is required")
	case deps.Logger == nil:
		panic("patchflowService: logger is required")
	}
	return &patchflowService{
		executor: deps.Executor,
		registry: deps.Registry,
		loop:     deps.Loop,
		store:    deps.Store,
		planner:  deps.Planner,
		prs:      deps.PRs,
		repo:     deps.Repo,
		logger:   deps.Logger,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start launches a pipeline run for the request on its own goroutine.
// The run's context is registered under the session ID so an operator
// kill can cancel it.
func (s *patchflowService) Start(request pipeline.Request) error {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if previous, exists := s.cancels[request.SessionID]; exists {
		// A session runs at most one pipeline at a time; the sandbox
		// registry enforces the same at the environment level.
		previous()
	}
	s.cancels[request.SessionID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.cancels, request.SessionID)
			s.mu.Unlock()
		}()
		if _, err := s.executor.Execute(ctx, request); err != nil {
			s.logger.Error("pipeline run failed",
				"session_id", request.SessionID,
				"skill", request.Skill,
				"error", err,
			)
		}
	}()
	return nil
}

// cancelAll cancels every registered pipeline context.
func (s *patchflowService) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sessionID, cancel := range s.cancels {
		cancel()
		delete(s.cancels, sessionID)
	}
}

func (s *patchflowService) routes(webhook http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/message", s.handleMessage)
	mux.HandleFunc("/kill", s.handleKill)
	mux.HandleFunc("/requests", s.handleRequests)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/transcript", s.handleTranscript)
	mux.HandleFunc("/plans/feed", s.handlePlanFeed)
	mux.Handle("/webhook", webhook)
	return mux
}

func (s *patchflowService) handleHealthz(writer http.ResponseWriter, request *http.Request) {
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

type messageRequest struct {
	SessionID string `json:"session_id"`
	Operator  string `json:"operator"`
	Message   string `json:"message"`
}

func (s *patchflowService) handleMessage(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(writer, "", http.StatusMethodNotAllowed)
		return
	}

	decoder := json.NewDecoder(io.LimitReader(request.Body, maxMessageBodySize))
	decoder.DisallowUnknownFields()
	var message messageRequest
	if err := decoder.Decode(&message); err != nil {
		http.Error(writer, "invalid request body", http.StatusBadRequest)
		return
	}
	if message.SessionID == "" || message.Operator == "" || message.Message == "" {
		http.Error(writer, "session_id, operator, and message are required", http.StatusBadRequest)
		return
	}

	reply, err := s.loop.Run(request.Context(), message.SessionID, message.Operator, message.Message)
	if err != nil {
		s.logger.Error("agent loop failed",
			"session_id", message.SessionID,
			"operator", message.Operator,
			"error", err,
		)
		http.Error(writer, "", http.StatusInternalServerError)
		return
	}

	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(map[string]string{"reply": reply})
}

// handleKill is the emergency stop: it cancels every in-flight
// pipeline and destroys every active sandbox. Records in flight land
// in failed with a "cancelled" error rather than vanishing.
func (s *patchflowService) handleKill(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(writer, "", http.StatusMethodNotAllowed)
		return
	}

	wasActive := s.registry.ActiveCount()
	s.cancelAll()
	killed := s.registry.KillAll()

	s.logger.Warn("operator kill", "was_active", wasActive, "killed", killed)

	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(map[string]int{
		"wasActive": wasActive,
		"killed":    killed,
	})
}
