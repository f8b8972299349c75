// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "time"

// Status is the primary lifecycle state of a ChangeRequest. Statuses
// form a partial order: pending < provisioning < running_agent <
// committing < pr_opened < {complete, failed}. Transitions only move
// forward; complete and failed are terminal.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusRunningAgent Status = "running_agent"
	StatusCommitting   Status = "committing"
	StatusPROpened     Status = "pr_opened"
	StatusComplete     Status = "complete"
	StatusFailed       Status = "failed"
)

// statusRank encodes the partial order. Complete and failed share the
// top rank — neither is reachable from the other.
var statusRank = map[Status]int{
	StatusPending:      0,
	StatusProvisioning: 1,
	StatusRunningAgent: 2,
	StatusCommitting:   3,
	StatusPROpened:     4,
	StatusComplete:     5,
	StatusFailed:       5,
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether s is a terminal status. Terminal requests
// are retained for audit and never resurrected.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Rank returns the position of s in the status partial order. Panics
// on unknown statuses — an unknown status in a rank comparison is a
// programming error, not recoverable input.
func (s Status) Rank() int {
	rank, ok := statusRank[s]
	if !ok {
		panic("schema: unknown status " + string(s))
	}
	return rank
}

// CanTransition reports whether a ChangeRequest may move from one
// status to another. Forward moves are allowed; any non-terminal
// status may fail (cancellation, stage errors); terminal statuses
// never move.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return to.Rank() > from.Rank()
}

// ChangeRequest is one tracked attempt to apply an AI-directed code
// modification, from acceptance through terminal outcome. Records are
// never hard-deleted; terminal records are retained for audit.
//
// Field groups are written by different actors: the pipeline executor
// owns Status through pr_opened plus the PR/branch fields; the webhook
// reconciler owns the terminal transitions and the checks and deploy
// fields. The store updates each group with its own guarded statement
// so concurrent writers cannot lose each other's updates.
type ChangeRequest struct {
	ID        string
	SessionID string

	// Prompt is the operator's natural-language request, retained
	// verbatim for audit.
	Prompt string

	// Skill names the behavior profile the request ran under.
	Skill string

	// Operator is the display name of the requesting operator,
	// interpolated into the pull request body.
	Operator string

	Status Status

	// Branch and HeadSHA are recorded at PR creation. HeadSHA is the
	// correlation key for deployment events.
	Branch  string
	HeadSHA string

	PRNumber int
	PRURL    string

	// ChecksConclusion is the latest CI check conclusion ("success",
	// "failure", ...). Last write wins; independent of Status.
	ChecksConclusion string

	// Deploy fields. A success DeployStatus is never overwritten.
	DeployStatus     string
	DeployURL        string
	DeployProduction bool

	// Error is the human-readable failure cause, in the form
	// "stage: cause". Empty unless Status is failed.
	Error string

	CreatedAt time.Time
	UpdatedAt time.Time
}
