// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/patchflow-dev/patchflow/lib/schema"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("store: not found")

const changeRequestColumns = `id, session_id, prompt, skill, operator, status,
	branch, head_sha, pr_number, pr_url, checks_conclusion,
	deploy_status, deploy_url, deploy_production, error,
	created_at, updated_at`

// CreateChangeRequest inserts a new pending record and returns it.
// The ID is generated here; callers never choose identities.
func (s *Store) CreateChangeRequest(ctx context.Context, sessionID, prompt, skill, operator string) (*schema.ChangeRequest, error) {
	now := s.clock.Now()
	request := &schema.ChangeRequest{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Prompt:    prompt,
		Skill:     skill,
		Operator:  operator,
		Status:    schema.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO change_requests
			 (id, session_id, prompt, skill, operator, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				request.ID, sessionID, prompt, skill, operator,
				string(request.Status), now.UnixMilli(), now.UnixMilli(),
			}})
	})
	if err != nil {
		return nil, fmt.Errorf("store: creating change request: %w", err)
	}

	s.notify(ChangeRequests, request.ID)
	return request, nil
}

// GetChangeRequest returns the record with the given ID, or
// ErrNotFound.
func (s *Store) GetChangeRequest(ctx context.Context, id string) (*schema.ChangeRequest, error) {
	return s.queryOne(ctx,
		`SELECT `+changeRequestColumns+` FROM change_requests WHERE id = ?`,
		[]any{id})
}

// GetChangeRequestByPR returns the record holding the given PR
// number, or ErrNotFound. At most one non-terminal record holds any
// PR number, which makes this lookup unambiguous.
func (s *Store) GetChangeRequestByPR(ctx context.Context, prNumber int) (*schema.ChangeRequest, error) {
	if prNumber <= 0 {
		return nil, ErrNotFound
	}
	return s.queryOne(ctx,
		`SELECT `+changeRequestColumns+` FROM change_requests
		 WHERE pr_number = ? ORDER BY updated_at DESC LIMIT 1`,
		[]any{prNumber})
}

// ListChangeRequestsBySession returns a session's records, newest
// first. This backs the operator's live status feed.
func (s *Store) ListChangeRequestsBySession(ctx context.Context, sessionID string) ([]*schema.ChangeRequest, error) {
	return s.queryMany(ctx,
		`SELECT `+changeRequestColumns+` FROM change_requests
		 WHERE session_id = ? ORDER BY created_at DESC`,
		[]any{sessionID})
}

// TransitionStatus applies a compare-and-set status transition.
// Returns true if the transition applied, false if the record was not
// in the expected `from` status — which is how duplicate webhook
// deliveries resolve idempotently. Transitions that violate the
// status partial order are programming errors and return an error
// without touching the database.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to schema.Status) (bool, error) {
	if !schema.CanTransition(from, to) {
		return false, fmt.Errorf("store: illegal transition %s -> %s", from, to)
	}

	applied := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`UPDATE change_requests SET status = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			&sqlitex.ExecOptions{Args: []any{
				string(to), s.clock.Now().UnixMilli(), id, string(from),
			}})
		if err != nil {
			return err
		}
		applied = conn.Changes() > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store: transitioning %s: %w", id, err)
	}

	if applied {
		s.notify(ChangeRequests, id)
	}
	return applied, nil
}

// FailChangeRequest moves a record to failed with a "stage: cause"
// error message, from any non-terminal status. Failing an
// already-terminal record is a no-op (returns false) — terminal
// states are never resurrected or rewritten.
func (s *Store) FailChangeRequest(ctx context.Context, id, stage, cause string) (bool, error) {
	applied := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`UPDATE change_requests SET status = ?, error = ?, updated_at = ?
			 WHERE id = ? AND status NOT IN (?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				string(schema.StatusFailed),
				stage + ": " + cause,
				s.clock.Now().UnixMilli(),
				id,
				string(schema.StatusComplete), string(schema.StatusFailed),
			}})
		if err != nil {
			return err
		}
		applied = conn.Changes() > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store: failing %s: %w", id, err)
	}

	if applied {
		s.notify(ChangeRequests, id)
	}
	return applied, nil
}

// SetPR records the pull request identity and git coordinates. Called
// once by the executor when the PR opens; the head SHA recorded here
// is the correlation key for deployment events.
func (s *Store) SetPR(ctx context.Context, id string, prNumber int, prURL, branch, headSHA string) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`UPDATE change_requests
			 SET pr_number = ?, pr_url = ?, branch = ?, head_sha = ?, updated_at = ?
			 WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				prNumber, prURL, branch, headSHA, s.clock.Now().UnixMilli(), id,
			}})
	})
	if err != nil {
		return fmt.Errorf("store: recording PR for %s: %w", id, err)
	}

	s.notify(ChangeRequests, id)
	return nil
}

// SetChecks records the latest CI check conclusion. Last write wins,
// and the primary status is deliberately untouched — checks and
// status are written by different actors and may interleave in any
// order, including after the record is terminal.
func (s *Store) SetChecks(ctx context.Context, id, conclusion string) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`UPDATE change_requests SET checks_conclusion = ?, updated_at = ?
			 WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				conclusion, s.clock.Now().UnixMilli(), id,
			}})
	})
	if err != nil {
		return fmt.Errorf("store: recording checks for %s: %w", id, err)
	}

	s.notify(ChangeRequests, id)
	return nil
}

// SetDeploy records deployment state. A success value is never
// overwritten — the guard makes duplicate deployment webhooks and
// late out-of-order failures harmless. Returns whether the write
// applied.
func (s *Store) SetDeploy(ctx context.Context, id, status, url string, production bool) (bool, error) {
	applied := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`UPDATE change_requests
			 SET deploy_status = ?, deploy_url = ?, deploy_production = ?, updated_at = ?
			 WHERE id = ? AND deploy_status <> 'success'`,
			&sqlitex.ExecOptions{Args: []any{
				status, url, boolToInt(production), s.clock.Now().UnixMilli(), id,
			}})
		if err != nil {
			return err
		}
		applied = conn.Changes() > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store: recording deploy for %s: %w", id, err)
	}

	if applied {
		s.notify(ChangeRequests, id)
	}
	return applied, nil
}

// FindDeployTarget locates the change request a production deployment
// belongs to. The head SHA recorded at PR creation is the primary
// correlation key. When the deployment event carries a SHA we have
// never seen (squash merges rewrite SHAs, and some deploy systems
// report the merge commit), fall back to the most recently completed
// request without a deploy — a heuristic that is only sound under a
// single concurrent deploy.
func (s *Store) FindDeployTarget(ctx context.Context, headSHA string) (*schema.ChangeRequest, error) {
	if headSHA != "" {
		request, err := s.queryOne(ctx,
			`SELECT `+changeRequestColumns+` FROM change_requests
			 WHERE head_sha = ? AND status = ? LIMIT 1`,
			[]any{headSHA, string(schema.StatusComplete)})
		if err == nil {
			return request, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	return s.queryOne(ctx,
		`SELECT `+changeRequestColumns+` FROM change_requests
		 WHERE status = ? AND deploy_url = ''
		 ORDER BY updated_at DESC LIMIT 1`,
		[]any{string(schema.StatusComplete)})
}

// --- row scanning ---

func (s *Store) queryOne(ctx context.Context, query string, args []any) (*schema.ChangeRequest, error) {
	requests, err := s.queryMany(ctx, query, args)
	if err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return nil, ErrNotFound
	}
	return requests[0], nil
}

func (s *Store) queryMany(ctx context.Context, query string, args []any) ([]*schema.ChangeRequest, error) {
	var requests []*schema.ChangeRequest
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				requests = append(requests, scanChangeRequest(stmt))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: querying change requests: %w", err)
	}
	return requests, nil
}

func scanChangeRequest(stmt *sqlite.Stmt) *schema.ChangeRequest {
	return &schema.ChangeRequest{
		ID:               stmt.ColumnText(0),
		SessionID:        stmt.ColumnText(1),
		Prompt:           stmt.ColumnText(2),
		Skill:            stmt.ColumnText(3),
		Operator:         stmt.ColumnText(4),
		Status:           schema.Status(stmt.ColumnText(5)),
		Branch:           stmt.ColumnText(6),
		HeadSHA:          stmt.ColumnText(7),
		PRNumber:         stmt.ColumnInt(8),
		PRURL:            stmt.ColumnText(9),
		ChecksConclusion: stmt.ColumnText(10),
		DeployStatus:     stmt.ColumnText(11),
		DeployURL:        stmt.ColumnText(12),
		DeployProduction: stmt.ColumnInt(13) != 0,
		Error:            stmt.ColumnText(14),
		CreatedAt:        time.UnixMilli(stmt.ColumnInt64(15)).UTC(),
		UpdatedAt:        time.UnixMilli(stmt.ColumnInt64(16)).UTC(),
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
