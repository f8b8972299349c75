// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/patchflow-dev/patchflow/lib/schema"
)

// storedItem is the JSON shape of one plan item in the items column.
type storedItem struct {
	ID     int    `json:"id"`
	Label  string `json:"label"`
	Status string `json:"status"`
}

// CreatePlan inserts a plan whose identity is the tool-invocation ID
// that created it. Every item starts at pending. Creating the same
// plan ID twice is an error — distinct tool invocations have distinct
// IDs, so a collision means a caller bug.
func (s *Store) CreatePlan(ctx context.Context, invocationID, sessionID, title, overview string, labels []string) (*schema.Plan, error) {
	if invocationID == "" {
		return nil, fmt.Errorf("store: plan requires an invocation ID")
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("store: plan requires at least one item")
	}

	now := s.clock.Now()
	plan := &schema.Plan{
		ID:        invocationID,
		SessionID: sessionID,
		Title:     title,
		Overview:  overview,
		Items:     make([]schema.PlanItem, len(labels)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, label := range labels {
		plan.Items[i] = schema.PlanItem{ID: i, Label: label, Status: schema.ItemPending}
	}

	encoded, err := encodeItems(plan.Items)
	if err != nil {
		return nil, err
	}

	err = s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO plans (id, session_id, title, overview, items, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				plan.ID, sessionID, title, overview, encoded,
				now.UnixMilli(), now.UnixMilli(),
			}})
	})
	if err != nil {
		return nil, fmt.Errorf("store: creating plan %s: %w", invocationID, err)
	}

	s.notify(Plans, plan.ID)
	return plan, nil
}

// GetPlan returns the plan with the given ID, or ErrNotFound.
func (s *Store) GetPlan(ctx context.Context, id string) (*schema.Plan, error) {
	var plan *schema.Plan
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT id, session_id, title, overview, items, created_at, updated_at
			 FROM plans WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					decoded, err := decodeItems(stmt.ColumnText(4))
					if err != nil {
						return err
					}
					plan = &schema.Plan{
						ID:        stmt.ColumnText(0),
						SessionID: stmt.ColumnText(1),
						Title:     stmt.ColumnText(2),
						Overview:  stmt.ColumnText(3),
						Items:     decoded,
						CreatedAt: time.UnixMilli(stmt.ColumnInt64(5)).UTC(),
						UpdatedAt: time.UnixMilli(stmt.ColumnInt64(6)).UTC(),
					}
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: reading plan %s: %w", id, err)
	}
	if plan == nil {
		return nil, ErrNotFound
	}
	return plan, nil
}

// UpdatePlanItem advances one item's status. Backward moves are
// rejected; item order never changes. The read-modify-write runs in
// a single transaction so concurrent item updates serialize.
func (s *Store) UpdatePlanItem(ctx context.Context, planID string, itemID int, status schema.ItemStatus) error {
	return s.mutatePlanItems(ctx, planID, func(items []schema.PlanItem) error {
		if itemID < 0 || itemID >= len(items) {
			return fmt.Errorf("store: plan %s has no item %d", planID, itemID)
		}
		return advanceItem(&items[itemID], status, planID)
	})
}

// UpdateAllPlanItems advances every item that can legally move to the
// given status. Items already past it are left alone — bulk updates
// are a convenience for "mark everything done/failed", not a way
// around the forward-only rule.
func (s *Store) UpdateAllPlanItems(ctx context.Context, planID string, status schema.ItemStatus) error {
	return s.mutatePlanItems(ctx, planID, func(items []schema.PlanItem) error {
		if !status.Valid() {
			return fmt.Errorf("store: unknown item status %q", status)
		}
		for i := range items {
			if items[i].Status.CanAdvance(status) {
				items[i].Status = status
			}
		}
		return nil
	})
}

func advanceItem(item *schema.PlanItem, status schema.ItemStatus, planID string) error {
	if !status.Valid() {
		return fmt.Errorf("store: unknown item status %q", status)
	}
	if !item.Status.CanAdvance(status) {
		return fmt.Errorf("store: plan %s item %d cannot move %s -> %s",
			planID, item.ID, item.Status, status)
	}
	item.Status = status
	return nil
}

// mutatePlanItems applies fn to the decoded items inside one
// transaction and writes the result back.
func (s *Store) mutatePlanItems(ctx context.Context, planID string, fn func(items []schema.PlanItem) error) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		defer sqlitex.Transaction(conn)(&err)

		var items []schema.PlanItem
		found := false
		err = sqlitex.Execute(conn,
			`SELECT items FROM plans WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{planID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					items, err = decodeItems(stmt.ColumnText(0))
					return err
				},
			})
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}

		if err := fn(items); err != nil {
			return err
		}

		encoded, err := encodeItems(items)
		if err != nil {
			return err
		}
		return sqlitex.Execute(conn,
			`UPDATE plans SET items = ?, updated_at = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				encoded, s.clock.Now().UnixMilli(), planID,
			}})
	})
	if err != nil {
		return fmt.Errorf("store: updating plan %s: %w", planID, err)
	}

	s.notify(Plans, planID)
	return nil
}

func encodeItems(items []schema.PlanItem) (string, error) {
	stored := make([]storedItem, len(items))
	for i, item := range items {
		stored[i] = storedItem{ID: item.ID, Label: item.Label, Status: string(item.Status)}
	}
	encoded, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("store: encoding plan items: %w", err)
	}
	return string(encoded), nil
}

func decodeItems(encoded string) ([]schema.PlanItem, error) {
	var stored []storedItem
	if err := json.Unmarshal([]byte(encoded), &stored); err != nil {
		return nil, fmt.Errorf("store: decoding plan items: %w", err)
	}
	items := make([]schema.PlanItem, len(stored))
	for i, item := range stored {
		items[i] = schema.PlanItem{ID: item.ID, Label: item.Label, Status: schema.ItemStatus(item.Status)}
	}
	return items, nil
}
