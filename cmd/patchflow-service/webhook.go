// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/patchflow-dev/patchflow/lib/clock"
	"github.com/patchflow-dev/patchflow/lib/reconcile"
	"github.com/patchflow-dev/patchflow/lib/service"
)

// maxWebhookBodySize caps webhook payloads. The events Patchflow
// consumes are small; 4 MB is generous headroom.
const maxWebhookBodySize = 4 * 1024 * 1024

// deduplicationWindow is how long delivery IDs are tracked for replay
// protection. GitHub retries within minutes; an hour is conservative.
const deduplicationWindow = 1 * time.Hour

// webhookHandler ingests GitHub webhooks: it verifies the
// HMAC-SHA256 signature, deduplicates deliveries, parses the typed
// payload, and hands the event to the reconciler.
//
// A nil secret disables verification. The constructor only permits
// that in development, and it is logged loudly there — an unverified
// webhook endpoint accepts state transitions from anyone who can
// reach it.
type webhookHandler struct {
	secret     []byte
	reconciler *reconcile.Reconciler
	clock      clock.Clock
	logger     *slog.Logger

	mu         sync.Mutex
	deliveries map[string]time.Time
}

func newWebhookHandler(secret []byte, reconciler *reconcile.Reconciler, clk clock.Clock, logger *slog.Logger) *webhookHandler {
	if reconciler == nil {
		panic("webhookHandler: reconciler is required")
	}
	if clk == nil {
		panic("webhookHandler: clock is required")
	}
	if logger == nil {
		panic("webhookHandler: logger is required")
	}
	if len(secret) == 0 {
		logger.Warn("WEBHOOK SIGNATURE VERIFICATION IS DISABLED; anyone who can reach this endpoint can forge pipeline state transitions")
	}
	return &webhookHandler{
		secret:     secret,
		reconciler: reconciler,
		clock:      clk,
		logger:     logger,
		deliveries: make(map[string]time.Time),
	}
}

func (h *webhookHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(writer, "", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(request.Body, maxWebhookBodySize))
	if err != nil {
		h.logger.Error("webhook: reading body", "error", err)
		http.Error(writer, "", http.StatusInternalServerError)
		return
	}
	if len(body) == 0 {
		http.Error(writer, "", http.StatusBadRequest)
		return
	}

	if len(h.secret) > 0 {
		signature := request.Header.Get("X-Hub-Signature-256")
		if err := service.VerifyWebhookHMAC(h.secret, body, signature); err != nil {
			h.logger.Warn("webhook: HMAC verification failed",
				"error", err,
				"remote_addr", request.RemoteAddr,
			)
			// 401 with no information disclosure.
			http.Error(writer, "", http.StatusUnauthorized)
			return
		}
	}

	eventType := request.Header.Get("X-GitHub-Event")
	deliveryID := request.Header.Get("X-GitHub-Delivery")
	if eventType == "" {
		http.Error(writer, "", http.StatusBadRequest)
		return
	}

	if deliveryID != "" && h.seen(deliveryID) {
		h.logger.Debug("webhook: duplicate delivery", "delivery_id", deliveryID, "event_type", eventType)
		// 200 so GitHub does not retry.
		writer.WriteHeader(http.StatusOK)
		return
	}

	if err := h.dispatch(request.Context(), eventType, body); err != nil {
		h.logger.Error("webhook: processing failed",
			"event_type", eventType,
			"delivery_id", deliveryID,
			"error", err,
		)
		// 500 invites a retry; the reconciler is idempotent, so a
		// retry is safe. The delivery is deliberately not marked as
		// seen — a retry after a failed dispatch must be reprocessed,
		// not swallowed as a duplicate.
		http.Error(writer, "", http.StatusInternalServerError)
		return
	}

	if deliveryID != "" {
		h.markSeen(deliveryID)
	}
	writer.WriteHeader(http.StatusOK)
}

// dispatch parses the typed payload and applies it. Unrecognized
// event types are acknowledged without effect — GitHub adds event
// types over time and a subscription may be broader than needed.
func (h *webhookHandler) dispatch(ctx context.Context, eventType string, body []byte) error {
	switch eventType {
	case "pull_request":
		var payload ghPullRequestPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return fmt.Errorf("parsing pull_request payload: %w", err)
		}
		number := payload.Number
		if number == 0 {
			number = payload.PullRequest.Number
		}
		return h.reconciler.HandlePullRequest(ctx, reconcile.PullRequestEvent{
			Action: payload.Action,
			Number: number,
			Merged: payload.PullRequest.Merged,
		})

	case "check_run":
		var payload ghCheckRunPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return fmt.Errorf("parsing check_run payload: %w", err)
		}
		numbers := make([]int, 0, len(payload.CheckRun.PullRequests))
		for _, stub := range payload.CheckRun.PullRequests {
			numbers = append(numbers, stub.Number)
		}
		return h.reconciler.HandleCheckRun(ctx, reconcile.CheckRunEvent{
			Status:     payload.CheckRun.Status,
			Conclusion: payload.CheckRun.Conclusion,
			PRNumbers:  numbers,
		})

	case "deployment_status":
		var payload ghDeploymentStatusPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return fmt.Errorf("parsing deployment_status payload: %w", err)
		}
		environment := payload.DeploymentStatus.Environment
		if environment == "" {
			environment = payload.Deployment.Environment
		}
		return h.reconciler.HandleDeploymentStatus(ctx, reconcile.DeploymentStatusEvent{
			State:       payload.DeploymentStatus.State,
			Environment: environment,
			SHA:         payload.Deployment.SHA,
			TargetURL:   payload.DeploymentStatus.TargetURL,
		})

	default:
		h.logger.Debug("webhook: unhandled event type", "event_type", eventType)
		return nil
	}
}

// seen reports whether a delivery ID was already processed, pruning
// entries older than the deduplication window. IDs are recorded by
// markSeen only after successful dispatch, so the window between the
// two calls can let concurrent identical deliveries through — the
// reconciler's idempotence absorbs that.
func (h *webhookHandler) seen(deliveryID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	for id, receivedAt := range h.deliveries {
		if now.Sub(receivedAt) > deduplicationWindow {
			delete(h.deliveries, id)
		}
	}

	_, exists := h.deliveries[deliveryID]
	return exists
}

// markSeen records a successfully processed delivery ID.
func (h *webhookHandler) markSeen(deliveryID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliveries[deliveryID] = h.clock.Now()
}
