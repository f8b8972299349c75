// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/patchflow-dev/patchflow/lib/schema"
	"github.com/patchflow-dev/patchflow/lib/store"
)

// requestView is the operator-facing JSON shape of a change request.
type requestView struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	Prompt           string    `json:"prompt"`
	Skill            string    `json:"skill"`
	Operator         string    `json:"operator"`
	Status           string    `json:"status"`
	Branch           string    `json:"branch,omitempty"`
	HeadSHA          string    `json:"head_sha,omitempty"`
	PRNumber         int       `json:"pr_number,omitempty"`
	PRURL            string    `json:"pr_url,omitempty"`
	ChecksConclusion string    `json:"checks_conclusion,omitempty"`
	DeployStatus     string    `json:"deploy_status,omitempty"`
	DeployURL        string    `json:"deploy_url,omitempty"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func viewOf(record *schema.ChangeRequest) requestView {
	return requestView{
		ID:               record.ID,
		SessionID:        record.SessionID,
		Prompt:           record.Prompt,
		Skill:            record.Skill,
		Operator:         record.Operator,
		Status:           string(record.Status),
		Branch:           record.Branch,
		HeadSHA:          record.HeadSHA,
		PRNumber:         record.PRNumber,
		PRURL:            record.PRURL,
		ChecksConclusion: record.ChecksConclusion,
		DeployStatus:     record.DeployStatus,
		DeployURL:        record.DeployURL,
		Error:            record.Error,
		CreatedAt:        record.CreatedAt,
		UpdatedAt:        record.UpdatedAt,
	}
}

// pullRequestView is the live forge state attached to a status reply.
type pullRequestView struct {
	State  string `json:"state"`
	Merged bool   `json:"merged"`
}

// handleRequests lists a session's change requests, newest first.
func (s *patchflowService) handleRequests(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(writer, "", http.StatusMethodNotAllowed)
		return
	}
	sessionID := request.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(writer, "session_id is required", http.StatusBadRequest)
		return
	}

	records, err := s.store.ListChangeRequestsBySession(request.Context(), sessionID)
	if err != nil {
		s.logger.Error("listing change requests", "session_id", sessionID, "error", err)
		http.Error(writer, "", http.StatusInternalServerError)
		return
	}
	views := make([]requestView, 0, len(records))
	for _, record := range records {
		views = append(views, viewOf(record))
	}

	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(map[string]any{"requests": views})
}

// handleStatus reports one change request, with the live pull request
// state from the forge when a PR exists. A forge outage degrades to
// the stored record rather than failing the status call.
func (s *patchflowService) handleStatus(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(writer, "", http.StatusMethodNotAllowed)
		return
	}
	requestID := request.URL.Query().Get("request_id")
	if requestID == "" {
		http.Error(writer, "request_id is required", http.StatusBadRequest)
		return
	}

	record, err := s.store.GetChangeRequest(request.Context(), requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(writer, "unknown change request", http.StatusNotFound)
			return
		}
		s.logger.Error("loading change request", "request_id", requestID, "error", err)
		http.Error(writer, "", http.StatusInternalServerError)
		return
	}

	reply := map[string]any{"request": viewOf(record)}
	if record.PRNumber > 0 {
		if live := s.livePullRequest(request.Context(), record.PRNumber); live != nil {
			reply["pull_request"] = live
		}
	}

	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(reply)
}

func (s *patchflowService) livePullRequest(ctx context.Context, number int) *pullRequestView {
	pullRequest, err := s.prs.GetPullRequest(ctx, s.repo, number)
	if err != nil {
		s.logger.Warn("live pull request lookup failed", "pr_number", number, "error", err)
		return nil
	}
	return &pullRequestView{State: pullRequest.State, Merged: pullRequest.Merged}
}

// handleTranscript serves the stored agent transcript for a request.
func (s *patchflowService) handleTranscript(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(writer, "", http.StatusMethodNotAllowed)
		return
	}
	requestID := request.URL.Query().Get("request_id")
	if requestID == "" {
		http.Error(writer, "request_id is required", http.StatusBadRequest)
		return
	}

	transcript, err := s.store.GetTranscript(request.Context(), requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(writer, "no transcript for that request", http.StatusNotFound)
			return
		}
		s.logger.Error("loading transcript", "request_id", requestID, "error", err)
		http.Error(writer, "", http.StatusInternalServerError)
		return
	}

	writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
	writer.Write([]byte(transcript))
}

// planView is the operator-facing JSON shape of a plan.
type planView struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Overview string         `json:"overview,omitempty"`
	Items    []planItemView `json:"items"`
}

type planItemView struct {
	ID     int    `json:"id"`
	Label  string `json:"label"`
	Status string `json:"status"`
}

func planViewOf(plan *schema.Plan) planView {
	view := planView{ID: plan.ID, Title: plan.Title, Overview: plan.Overview}
	for _, item := range plan.Items {
		view.Items = append(view.Items, planItemView{
			ID:     item.ID,
			Label:  item.Label,
			Status: string(item.Status),
		})
	}
	return view
}

// handlePlanFeed streams a session's plan updates as one JSON object
// per line, until the client disconnects. Each event is the full plan
// state after a mutation, so a consumer never needs to reconstruct
// deltas.
func (s *patchflowService) handlePlanFeed(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(writer, "", http.StatusMethodNotAllowed)
		return
	}
	sessionID := request.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(writer, "session_id is required", http.StatusBadRequest)
		return
	}
	flusher, ok := writer.(http.Flusher)
	if !ok {
		http.Error(writer, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Subscribe before the first flush so a consumer that has seen
	// the response header never misses a mutation.
	plans := s.planner.Subscribe(request.Context())

	writer.Header().Set("Content-Type", "application/x-ndjson")
	writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	encoder := json.NewEncoder(writer)
	for plan := range plans {
		if plan.SessionID != sessionID {
			continue
		}
		if err := encoder.Encode(planViewOf(plan)); err != nil {
			return
		}
		flusher.Flush()
	}
}
