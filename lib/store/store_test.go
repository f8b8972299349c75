// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/patchflow-dev/patchflow/lib/clock"
	"github.com/patchflow-dev/patchflow/lib/schema"
)

func newTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	s, err := Open(Config{
		Path:   filepath.Join(t.TempDir(), "store.db"),
		Clock:  fake,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, fake
}

func createRequest(t *testing.T, s *Store) *schema.ChangeRequest {
	t.Helper()
	request, err := s.CreateChangeRequest(context.Background(),
		"session-1", "update the hero heading text", "copy-update", "Alice")
	if err != nil {
		t.Fatalf("CreateChangeRequest() error: %v", err)
	}
	return request
}

func mustTransition(t *testing.T, s *Store, id string, from, to schema.Status) {
	t.Helper()
	applied, err := s.TransitionStatus(context.Background(), id, from, to)
	if err != nil {
		t.Fatalf("TransitionStatus(%s -> %s) error: %v", from, to, err)
	}
	if !applied {
		t.Fatalf("TransitionStatus(%s -> %s) did not apply", from, to)
	}
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created := createRequest(t, s)
	if created.Status != schema.StatusPending {
		t.Errorf("new request status = %s, want pending", created.Status)
	}

	got, err := s.GetChangeRequest(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetChangeRequest() error: %v", err)
	}
	if got.Prompt != created.Prompt || got.Skill != "copy-update" || got.Operator != "Alice" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if _, err := s.GetChangeRequest(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetChangeRequest(missing) = %v, want ErrNotFound", err)
	}
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	request := createRequest(t, s)

	mustTransition(t, s, request.ID, schema.StatusPending, schema.StatusProvisioning)
	mustTransition(t, s, request.ID, schema.StatusProvisioning, schema.StatusRunningAgent)

	// A stale CAS (wrong from-status) does not apply.
	applied, err := s.TransitionStatus(ctx, request.ID, schema.StatusProvisioning, schema.StatusRunningAgent)
	if err != nil {
		t.Fatalf("stale TransitionStatus() error: %v", err)
	}
	if applied {
		t.Error("stale TransitionStatus() applied, want no-op")
	}

	// An illegal backward transition errors without touching data.
	if _, err := s.TransitionStatus(ctx, request.ID, schema.StatusRunningAgent, schema.StatusPending); err == nil {
		t.Error("backward TransitionStatus() = nil error, want error")
	}

	got, err := s.GetChangeRequest(ctx, request.ID)
	if err != nil {
		t.Fatalf("GetChangeRequest() error: %v", err)
	}
	if got.Status != schema.StatusRunningAgent {
		t.Errorf("status = %s, want running_agent", got.Status)
	}
}

func TestFailFromAnyNonTerminalState(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	request := createRequest(t, s)

	mustTransition(t, s, request.ID, schema.StatusPending, schema.StatusProvisioning)

	applied, err := s.FailChangeRequest(ctx, request.ID, "clone", "remote hung up")
	if err != nil {
		t.Fatalf("FailChangeRequest() error: %v", err)
	}
	if !applied {
		t.Fatal("FailChangeRequest() did not apply")
	}

	got, _ := s.GetChangeRequest(ctx, request.ID)
	if got.Status != schema.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Error != "clone: remote hung up" {
		t.Errorf("error = %q", got.Error)
	}

	// Terminal records are never rewritten.
	applied, err = s.FailChangeRequest(ctx, request.ID, "later", "should not appear")
	if err != nil {
		t.Fatalf("second FailChangeRequest() error: %v", err)
	}
	if applied {
		t.Error("FailChangeRequest() rewrote a terminal record")
	}
	got, _ = s.GetChangeRequest(ctx, request.ID)
	if got.Error != "clone: remote hung up" {
		t.Errorf("terminal error rewritten to %q", got.Error)
	}
}

func TestGetByPRNumber(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	request := createRequest(t, s)

	if err := s.SetPR(ctx, request.ID, 42, "https://example.com/pr/42", "patchflow/abc", "deadbeef"); err != nil {
		t.Fatalf("SetPR() error: %v", err)
	}

	got, err := s.GetChangeRequestByPR(ctx, 42)
	if err != nil {
		t.Fatalf("GetChangeRequestByPR() error: %v", err)
	}
	if got.ID != request.ID || got.Branch != "patchflow/abc" || got.HeadSHA != "deadbeef" {
		t.Errorf("lookup mismatch: %+v", got)
	}

	if _, err := s.GetChangeRequestByPR(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetChangeRequestByPR(999) = %v, want ErrNotFound", err)
	}
	if _, err := s.GetChangeRequestByPR(ctx, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetChangeRequestByPR(0) = %v, want ErrNotFound", err)
	}
}

func TestChecksAreIndependentOfStatus(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	request := createRequest(t, s)

	if _, err := s.FailChangeRequest(ctx, request.ID, "agent", "timed out"); err != nil {
		t.Fatalf("FailChangeRequest() error: %v", err)
	}

	// Checks land even on a terminal record; last write wins.
	if err := s.SetChecks(ctx, request.ID, "failure"); err != nil {
		t.Fatalf("SetChecks() error: %v", err)
	}
	if err := s.SetChecks(ctx, request.ID, "success"); err != nil {
		t.Fatalf("SetChecks() error: %v", err)
	}

	got, _ := s.GetChangeRequest(ctx, request.ID)
	if got.ChecksConclusion != "success" {
		t.Errorf("checks = %q, want success", got.ChecksConclusion)
	}
	if got.Status != schema.StatusFailed {
		t.Errorf("status = %s, checks write must not touch it", got.Status)
	}
}

func TestDeploySuccessIsNeverOverwritten(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	request := createRequest(t, s)

	applied, err := s.SetDeploy(ctx, request.ID, "success", "https://app.example.com", true)
	if err != nil {
		t.Fatalf("SetDeploy() error: %v", err)
	}
	if !applied {
		t.Fatal("first SetDeploy() did not apply")
	}

	applied, err = s.SetDeploy(ctx, request.ID, "failure", "https://other.example.com", true)
	if err != nil {
		t.Fatalf("second SetDeploy() error: %v", err)
	}
	if applied {
		t.Error("SetDeploy() overwrote a success deploy")
	}

	got, _ := s.GetChangeRequest(ctx, request.ID)
	if got.DeployStatus != "success" || got.DeployURL != "https://app.example.com" {
		t.Errorf("deploy fields = %q %q, want original success values", got.DeployStatus, got.DeployURL)
	}
}

func TestFindDeployTarget(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	complete := func(headSHA string) *schema.ChangeRequest {
		request := createRequest(t, s)
		if err := s.SetPR(ctx, request.ID, 1, "u", "b", headSHA); err != nil {
			t.Fatalf("SetPR() error: %v", err)
		}
		mustTransition(t, s, request.ID, schema.StatusPending, schema.StatusPROpened)
		mustTransition(t, s, request.ID, schema.StatusPROpened, schema.StatusComplete)
		fake.Advance(time.Minute)
		return request
	}

	older := complete("sha-older")
	newer := complete("sha-newer")

	t.Run("SHA correlation wins", func(t *testing.T) {
		got, err := s.FindDeployTarget(ctx, "sha-older")
		if err != nil {
			t.Fatalf("FindDeployTarget() error: %v", err)
		}
		if got.ID != older.ID {
			t.Errorf("target = %s, want the SHA-matched request", got.ID)
		}
	})

	t.Run("unknown SHA falls back to most recent complete", func(t *testing.T) {
		got, err := s.FindDeployTarget(ctx, "merge-commit-sha")
		if err != nil {
			t.Fatalf("FindDeployTarget() error: %v", err)
		}
		if got.ID != newer.ID {
			t.Errorf("target = %s, want the most recent complete request", got.ID)
		}
	})

	t.Run("fallback skips requests that already deployed", func(t *testing.T) {
		if _, err := s.SetDeploy(ctx, newer.ID, "success", "https://app.example.com", true); err != nil {
			t.Fatalf("SetDeploy() error: %v", err)
		}
		got, err := s.FindDeployTarget(ctx, "")
		if err != nil {
			t.Fatalf("FindDeployTarget() error: %v", err)
		}
		if got.ID != older.ID {
			t.Errorf("target = %s, want the older undeployed request", got.ID)
		}
	})
}

func TestWatchDeliversNotifications(t *testing.T) {
	s, _ := newTestStore(t)
	watcher := s.Watch()

	request := createRequest(t, s)

	select {
	case notification := <-watcher:
		if notification.Collection != ChangeRequests || notification.ID != request.ID {
			t.Errorf("notification = %+v", notification)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification for create")
	}
}

func TestTranscriptRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	request := createRequest(t, s)

	transcript := strings.Repeat("reading components/Hero.tsx\napplying edit\n", 500)
	if err := s.PutTranscript(ctx, request.ID, transcript); err != nil {
		t.Fatalf("PutTranscript() error: %v", err)
	}

	got, err := s.GetTranscript(ctx, request.ID)
	if err != nil {
		t.Fatalf("GetTranscript() error: %v", err)
	}
	if got != transcript {
		t.Error("transcript round trip mismatch")
	}

	if _, err := s.GetTranscript(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTranscript(missing) = %v, want ErrNotFound", err)
	}
}

func TestPlanLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	plan, err := s.CreatePlan(ctx, "tool-invocation-1", "session-1",
		"Update hero copy", "Two-step copy change",
		[]string{"Find the heading component", "Rewrite the heading"})
	if err != nil {
		t.Fatalf("CreatePlan() error: %v", err)
	}
	for _, item := range plan.Items {
		if item.Status != schema.ItemPending {
			t.Errorf("item %d seeded at %s, want pending", item.ID, item.Status)
		}
	}

	// Duplicate identity is a caller bug.
	if _, err := s.CreatePlan(ctx, "tool-invocation-1", "session-1", "t", "o", []string{"x"}); err == nil {
		t.Error("CreatePlan() with duplicate ID = nil error, want error")
	}

	if err := s.UpdatePlanItem(ctx, plan.ID, 0, schema.ItemInProgress); err != nil {
		t.Fatalf("UpdatePlanItem() error: %v", err)
	}
	if err := s.UpdatePlanItem(ctx, plan.ID, 0, schema.ItemDone); err != nil {
		t.Fatalf("UpdatePlanItem() error: %v", err)
	}

	// Backward moves are rejected.
	if err := s.UpdatePlanItem(ctx, plan.ID, 0, schema.ItemInProgress); err == nil {
		t.Error("backward UpdatePlanItem() = nil error, want error")
	}

	if err := s.UpdateAllPlanItems(ctx, plan.ID, schema.ItemSkipped); err != nil {
		t.Fatalf("UpdateAllPlanItems() error: %v", err)
	}

	got, err := s.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("GetPlan() error: %v", err)
	}
	if got.Items[0].Status != schema.ItemDone {
		t.Errorf("item 0 = %s, want done (already terminal, bulk update must skip it)", got.Items[0].Status)
	}
	if got.Items[1].Status != schema.ItemSkipped {
		t.Errorf("item 1 = %s, want skipped", got.Items[1].Status)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	watcher := s.Watch()

	// The registered Cleanup closes the store again after the test;
	// both explicit calls and that one must be harmless.
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
	if _, open := <-watcher; open {
		t.Error("watcher channel still open after Close()")
	}
}
