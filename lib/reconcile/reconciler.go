// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/patchflow-dev/patchflow/lib/schema"
	"github.com/patchflow-dev/patchflow/lib/store"
)

// PullRequestEvent is the reconciler's view of a pull_request
// webhook.
type PullRequestEvent struct {
	Action string
	Number int
	Merged bool
}

// CheckRunEvent is the reconciler's view of a check_run webhook.
type CheckRunEvent struct {
	Status     string
	Conclusion string
	PRNumbers  []int
}

// DeploymentStatusEvent is the reconciler's view of a
// deployment_status webhook.
type DeploymentStatusEvent struct {
	State       string
	Environment string
	SHA         string
	TargetURL   string
}

// Reconciler applies webhook events to the store. Events touching the
// same pull request are serialized by a per-number mutex; events for
// different pull requests proceed concurrently.
type Reconciler struct {
	store  *store.Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

// New creates a reconciler over the store.
func New(s *store.Store, logger *slog.Logger) *Reconciler {
	if s == nil {
		panic("reconcile.Reconciler: store is required")
	}
	if logger == nil {
		panic("reconcile.Reconciler: logger is required")
	}
	return &Reconciler{
		store:  s,
		logger: logger,
		locks:  make(map[int]*sync.Mutex),
	}
}

// lockPR serializes handling per pull request number. Lock entries
// are never reclaimed; the set of PRs a deployment sees is small.
func (r *Reconciler) lockPR(number int) func() {
	r.mu.Lock()
	lock, ok := r.locks[number]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[number] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// HandlePullRequest processes a pull_request event. A merged close
// completes the change request; an unmerged close fails it. Only
// "closed" actions matter; everything else (reopened, labeled,
// synchronize) is acknowledged without effect.
func (r *Reconciler) HandlePullRequest(ctx context.Context, event PullRequestEvent) error {
	if event.Action != "closed" {
		return nil
	}

	unlock := r.lockPR(event.Number)
	defer unlock()

	record, err := r.store.GetChangeRequestByPR(ctx, event.Number)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("reconcile: looking up PR #%d: %w", event.Number, err)
	}

	if event.Merged {
		applied, err := r.store.TransitionStatus(ctx, record.ID, schema.StatusPROpened, schema.StatusComplete)
		if err != nil {
			return fmt.Errorf("reconcile: completing %s: %w", record.ID, err)
		}
		if applied {
			r.logger.Info("change request complete", "request_id", record.ID, "pr_number", event.Number)
		}
		// Not applied means a duplicate delivery or a request that
		// already failed; either way there is nothing to do.
		return nil
	}

	applied, err := r.store.FailChangeRequest(ctx, record.ID, "review", "pull request closed without merge")
	if err != nil {
		return fmt.Errorf("reconcile: failing %s: %w", record.ID, err)
	}
	if applied {
		r.logger.Info("change request rejected in review", "request_id", record.ID, "pr_number", event.Number)
	}
	return nil
}

// HandleCheckRun processes a check_run event. Only completed runs
// carry a conclusion; the conclusion is recorded as-is with
// last-write-wins semantics and never moves the primary status — a
// red check on a PR a human then merges anyway is the human's call.
func (r *Reconciler) HandleCheckRun(ctx context.Context, event CheckRunEvent) error {
	if event.Status != "completed" || event.Conclusion == "" {
		return nil
	}

	for _, number := range event.PRNumbers {
		unlock := r.lockPR(number)
		record, err := r.store.GetChangeRequestByPR(ctx, number)
		if err != nil {
			unlock()
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return fmt.Errorf("reconcile: looking up PR #%d: %w", number, err)
		}
		err = r.store.SetChecks(ctx, record.ID, event.Conclusion)
		unlock()
		if err != nil {
			return fmt.Errorf("reconcile: recording checks for %s: %w", record.ID, err)
		}
		r.logger.Info("checks concluded", "request_id", record.ID, "pr_number", number, "conclusion", event.Conclusion)
	}
	return nil
}

// HandleDeploymentStatus processes a deployment_status event. Only
// successful production deployments are recorded; a staging success
// must not occupy the write-once deploy slot the production URL
// belongs in. The deployment SHA is the primary correlation key; the
// store's fallback covers deploy systems that report a rewritten
// merge commit.
func (r *Reconciler) HandleDeploymentStatus(ctx context.Context, event DeploymentStatusEvent) error {
	if event.State != "success" || event.Environment != "production" {
		return nil
	}

	record, err := r.store.FindDeployTarget(ctx, event.SHA)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Debug("deployment matches no change request", "sha", event.SHA)
			return nil
		}
		return fmt.Errorf("reconcile: correlating deployment %s: %w", event.SHA, err)
	}

	unlock := r.lockPR(record.PRNumber)
	defer unlock()

	applied, err := r.store.SetDeploy(ctx, record.ID, "success", event.TargetURL, true)
	if err != nil {
		return fmt.Errorf("reconcile: recording deployment for %s: %w", record.ID, err)
	}
	if applied {
		r.logger.Info("deployment recorded",
			"request_id", record.ID,
			"environment", event.Environment,
			"url", event.TargetURL,
		)
	}
	return nil
}
