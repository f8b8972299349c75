// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/patchflow-dev/patchflow/lib/schema"
	"github.com/patchflow-dev/patchflow/lib/store"
)

// Tracker maintains the operator-facing checklists for multi-step
// changes. It is a display aid layered on the store's plans
// collection — the pipeline must never use it for synchronization.
//
// A plan's identity is the tool-invocation ID that created it, so
// concurrent agents never collide. Once a plan's owning change
// request reaches a terminal state, the plan is read-only.
type Tracker struct {
	store  *store.Store
	logger *slog.Logger

	// owners maps plan ID to its owning change request ID. Set by
	// the pipeline when it adopts a plan; mutation checks it to
	// enforce the terminal-owner read-only rule.
	mu     sync.Mutex
	owners map[string]string
}

// NewTracker creates a Tracker over the document store.
func NewTracker(s *store.Store, logger *slog.Logger) *Tracker {
	if s == nil {
		panic("plan.Tracker: store is required")
	}
	if logger == nil {
		panic("plan.Tracker: logger is required")
	}
	return &Tracker{store: s, logger: logger, owners: make(map[string]string)}
}

// Create seeds a new plan with every item pending.
func (t *Tracker) Create(ctx context.Context, invocationID, sessionID, title, overview string, labels []string) (*schema.Plan, error) {
	created, err := t.store.CreatePlan(ctx, invocationID, sessionID, title, overview, labels)
	if err != nil {
		return nil, err
	}
	t.logger.Info("plan created",
		"plan_id", created.ID,
		"session_id", sessionID,
		"items", len(labels),
	)
	return created, nil
}

// Adopt records the change request that owns a plan. After the owner
// reaches a terminal state, all mutation of the plan is rejected.
func (t *Tracker) Adopt(planID, requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.owners[planID] = requestID
}

// UpdateItem advances one checklist item. Callers are expected to
// mark in_progress before done; the tracker rejects backward moves
// but does not enforce that bookkeeping convention.
func (t *Tracker) UpdateItem(ctx context.Context, planID string, itemID int, status schema.ItemStatus) error {
	if err := t.checkMutable(ctx, planID); err != nil {
		return err
	}
	return t.store.UpdatePlanItem(ctx, planID, itemID, status)
}

// UpdateAll advances every item that can legally move to status.
func (t *Tracker) UpdateAll(ctx context.Context, planID string, status schema.ItemStatus) error {
	if err := t.checkMutable(ctx, planID); err != nil {
		return err
	}
	return t.store.UpdateAllPlanItems(ctx, planID, status)
}

// Get returns the current plan state.
func (t *Tracker) Get(ctx context.Context, planID string) (*schema.Plan, error) {
	return t.store.GetPlan(ctx, planID)
}

// Subscribe returns a channel delivering the full plan state after
// every plan mutation, until ctx is cancelled or the store closes.
// Delivery latency is the store's notification latency — the tracker
// adds no buffering of its own.
func (t *Tracker) Subscribe(ctx context.Context) <-chan *schema.Plan {
	notifications := t.store.Watch()
	plans := make(chan *schema.Plan)

	go func() {
		defer close(plans)
		for {
			select {
			case <-ctx.Done():
				return
			case notification, ok := <-notifications:
				if !ok {
					return
				}
				if notification.Collection != store.Plans {
					continue
				}
				current, err := t.store.GetPlan(ctx, notification.ID)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						t.logger.Warn("plan subscription read failed",
							"plan_id", notification.ID,
							"error", err,
						)
					}
					continue
				}
				select {
				case plans <- current:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return plans
}

// checkMutable rejects mutation of plans whose owning change request
// is terminal.
func (t *Tracker) checkMutable(ctx context.Context, planID string) error {
	t.mu.Lock()
	requestID, owned := t.owners[planID]
	t.mu.Unlock()
	if !owned {
		return nil
	}

	request, err := t.store.GetChangeRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if request.Status.Terminal() {
		return fmt.Errorf("plan: %s is read-only, its change request is %s", planID, request.Status)
	}
	return nil
}
