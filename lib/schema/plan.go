// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "time"

// ItemStatus is the state of one plan checklist item. Items move
// forward only: pending → in_progress → {done, skipped, failed}.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemInProgress ItemStatus = "in_progress"
	ItemDone       ItemStatus = "done"
	ItemSkipped    ItemStatus = "skipped"
	ItemFailed     ItemStatus = "failed"
)

var itemRank = map[ItemStatus]int{
	ItemPending:    0,
	ItemInProgress: 1,
	ItemDone:       2,
	ItemSkipped:    2,
	ItemFailed:     2,
}

// Valid reports whether s is a known item status.
func (s ItemStatus) Valid() bool {
	_, ok := itemRank[s]
	return ok
}

// CanAdvance reports whether an item may move from one status to
// another. The tracker rejects backward moves but does not require
// passing through in_progress — it is a display aid, not a
// synchronization mechanism.
func (s ItemStatus) CanAdvance(to ItemStatus) bool {
	if !s.Valid() || !to.Valid() {
		return false
	}
	return itemRank[to] > itemRank[s]
}

// PlanItem is one entry in a plan's ordered checklist.
type PlanItem struct {
	// ID is the item's position-stable identifier within the plan.
	ID int

	Label  string
	Status ItemStatus
}

// Plan is an ordered, live-updated checklist of sub-steps shown to
// the operator for a multi-step change. A plan's identity equals the
// tool-invocation ID that created it, so concurrent agents never
// collide. Item order is stable once created; the plan becomes
// read-only after its owning ChangeRequest reaches a terminal state.
type Plan struct {
	// ID is the tool-invocation ID that created the plan.
	ID string

	SessionID string
	Title     string
	Overview  string
	Items     []PlanItem

	CreatedAt time.Time
	UpdatedAt time.Time
}
