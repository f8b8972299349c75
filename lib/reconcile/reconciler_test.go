// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/patchflow-dev/patchflow/lib/clock"
	"github.com/patchflow-dev/patchflow/lib/schema"
	"github.com/patchflow-dev/patchflow/lib/store"
)

func newTestReconciler(t *testing.T) (*Reconciler, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dataStore, err := store.Open(store.Config{
		Path:   filepath.Join(t.TempDir(), "patchflow.db"),
		Clock:  clock.Real(),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { dataStore.Close() })

	return New(dataStore, logger), dataStore
}

// openPR drives a fresh change request to pr_opened with the given
// PR number and head SHA.
func openPR(t *testing.T, dataStore *store.Store, prNumber int, headSHA string) *schema.ChangeRequest {
	t.Helper()
	ctx := context.Background()

	record, err := dataStore.CreateChangeRequest(ctx, "session-1", "fix the thing", "frontend", "alice@example.com")
	if err != nil {
		t.Fatalf("CreateChangeRequest: %v", err)
	}
	steps := []struct{ from, to schema.Status }{
		{schema.StatusPending, schema.StatusProvisioning},
		{schema.StatusProvisioning, schema.StatusRunningAgent},
		{schema.StatusRunningAgent, schema.StatusCommitting},
	}
	for _, step := range steps {
		if applied, err := dataStore.TransitionStatus(ctx, record.ID, step.from, step.to); err != nil || !applied {
			t.Fatalf("transition %s -> %s: applied=%v err=%v", step.from, step.to, applied, err)
		}
	}
	branch := "patchflow/" + record.ID
	if err := dataStore.SetPR(ctx, record.ID, prNumber, "https://example.com/pull", branch, headSHA); err != nil {
		t.Fatalf("SetPR: %v", err)
	}
	if applied, err := dataStore.TransitionStatus(ctx, record.ID, schema.StatusCommitting, schema.StatusPROpened); err != nil || !applied {
		t.Fatalf("transition to pr_opened: applied=%v err=%v", applied, err)
	}
	return record
}

func mustGet(t *testing.T, dataStore *store.Store, id string) *schema.ChangeRequest {
	t.Helper()
	record, err := dataStore.GetChangeRequest(context.Background(), id)
	if err != nil {
		t.Fatalf("GetChangeRequest: %v", err)
	}
	return record
}

func TestMergedPRCompletes(t *testing.T) {
	reconciler, dataStore := newTestReconciler(t)
	record := openPR(t, dataStore, 42, "abc123")

	event := PullRequestEvent{Action: "closed", Number: 42, Merged: true}
	if err := reconciler.HandlePullRequest(context.Background(), event); err != nil {
		t.Fatalf("HandlePullRequest: %v", err)
	}
	if got := mustGet(t, dataStore, record.ID).Status; got != schema.StatusComplete {
		t.Errorf("Status = %s, want complete", got)
	}

	// Redelivery of the same event is a no-op.
	if err := reconciler.HandlePullRequest(context.Background(), event); err != nil {
		t.Fatalf("redelivered HandlePullRequest: %v", err)
	}
	if got := mustGet(t, dataStore, record.ID).Status; got != schema.StatusComplete {
		t.Errorf("Status after redelivery = %s, want complete", got)
	}
}

func TestClosedWithoutMergeFails(t *testing.T) {
	reconciler, dataStore := newTestReconciler(t)
	record := openPR(t, dataStore, 42, "abc123")

	event := PullRequestEvent{Action: "closed", Number: 42, Merged: false}
	if err := reconciler.HandlePullRequest(context.Background(), event); err != nil {
		t.Fatalf("HandlePullRequest: %v", err)
	}

	got := mustGet(t, dataStore, record.ID)
	if got.Status != schema.StatusFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	if got.Error != "review: pull request closed without merge" {
		t.Errorf("Error = %q", got.Error)
	}
}

func TestNonClosedActionsIgnored(t *testing.T) {
	reconciler, dataStore := newTestReconciler(t)
	record := openPR(t, dataStore, 42, "abc123")

	for _, action := range []string{"opened", "reopened", "synchronize", "labeled"} {
		event := PullRequestEvent{Action: action, Number: 42, Merged: true}
		if err := reconciler.HandlePullRequest(context.Background(), event); err != nil {
			t.Fatalf("HandlePullRequest(%s): %v", action, err)
		}
	}
	if got := mustGet(t, dataStore, record.ID).Status; got != schema.StatusPROpened {
		t.Errorf("Status = %s, want pr_opened untouched", got)
	}
}

func TestUnknownPRAcknowledged(t *testing.T) {
	reconciler, _ := newTestReconciler(t)

	// A human's pull request: no tracked change request.
	event := PullRequestEvent{Action: "closed", Number: 999, Merged: true}
	if err := reconciler.HandlePullRequest(context.Background(), event); err != nil {
		t.Errorf("HandlePullRequest for untracked PR: %v", err)
	}
}

func TestCheckRunLastWriteWins(t *testing.T) {
	reconciler, dataStore := newTestReconciler(t)
	record := openPR(t, dataStore, 42, "abc123")

	events := []CheckRunEvent{
		{Status: "completed", Conclusion: "success", PRNumbers: []int{42}},
		{Status: "completed", Conclusion: "failure", PRNumbers: []int{42}},
	}
	for _, event := range events {
		if err := reconciler.HandleCheckRun(context.Background(), event); err != nil {
			t.Fatalf("HandleCheckRun: %v", err)
		}
	}

	got := mustGet(t, dataStore, record.ID)
	if got.ChecksConclusion != "failure" {
		t.Errorf("ChecksConclusion = %q, want failure (last write wins)", got.ChecksConclusion)
	}
	// Checks never move the primary status.
	if got.Status != schema.StatusPROpened {
		t.Errorf("Status = %s, want pr_opened", got.Status)
	}
}

func TestCheckRunIncompleteIgnored(t *testing.T) {
	reconciler, dataStore := newTestReconciler(t)
	record := openPR(t, dataStore, 42, "abc123")

	event := CheckRunEvent{Status: "in_progress", Conclusion: "", PRNumbers: []int{42}}
	if err := reconciler.HandleCheckRun(context.Background(), event); err != nil {
		t.Fatalf("HandleCheckRun: %v", err)
	}
	if got := mustGet(t, dataStore, record.ID).ChecksConclusion; got != "" {
		t.Errorf("ChecksConclusion = %q, want empty", got)
	}
}

func TestDeploymentCorrelatesBySHA(t *testing.T) {
	reconciler, dataStore := newTestReconciler(t)
	record := openPR(t, dataStore, 42, "abc123")

	// Deployments only land on completed requests.
	merged := PullRequestEvent{Action: "closed", Number: 42, Merged: true}
	if err := reconciler.HandlePullRequest(context.Background(), merged); err != nil {
		t.Fatalf("HandlePullRequest: %v", err)
	}

	event := DeploymentStatusEvent{
		State:       "success",
		Environment: "production",
		SHA:         "abc123",
		TargetURL:   "https://app.example.com",
	}
	if err := reconciler.HandleDeploymentStatus(context.Background(), event); err != nil {
		t.Fatalf("HandleDeploymentStatus: %v", err)
	}

	got := mustGet(t, dataStore, record.ID)
	if got.DeployStatus != "success" {
		t.Errorf("DeployStatus = %q, want success", got.DeployStatus)
	}
	if !got.DeployProduction {
		t.Error("DeployProduction = false, want true")
	}
	if got.DeployURL != "https://app.example.com" {
		t.Errorf("DeployURL = %q", got.DeployURL)
	}
}

func TestDeploymentFallbackToRecentComplete(t *testing.T) {
	reconciler, dataStore := newTestReconciler(t)
	record := openPR(t, dataStore, 42, "abc123")

	merged := PullRequestEvent{Action: "closed", Number: 42, Merged: true}
	if err := reconciler.HandlePullRequest(context.Background(), merged); err != nil {
		t.Fatalf("HandlePullRequest: %v", err)
	}

	// A squash merge rewrote the SHA; the event carries one the
	// store has never seen.
	event := DeploymentStatusEvent{
		State:       "success",
		Environment: "production",
		SHA:         "rewritten-by-squash",
		TargetURL:   "https://app.example.com",
	}
	if err := reconciler.HandleDeploymentStatus(context.Background(), event); err != nil {
		t.Fatalf("HandleDeploymentStatus: %v", err)
	}
	if got := mustGet(t, dataStore, record.ID).DeployStatus; got != "success" {
		t.Errorf("DeployStatus = %q, want success via fallback", got)
	}
}

func TestDeploymentSuccessNotOverwritten(t *testing.T) {
	reconciler, dataStore := newTestReconciler(t)
	record := openPR(t, dataStore, 42, "abc123")

	merged := PullRequestEvent{Action: "closed", Number: 42, Merged: true}
	if err := reconciler.HandlePullRequest(context.Background(), merged); err != nil {
		t.Fatalf("HandlePullRequest: %v", err)
	}

	first := DeploymentStatusEvent{State: "success", Environment: "production", SHA: "abc123", TargetURL: "https://one.example.com"}
	if err := reconciler.HandleDeploymentStatus(context.Background(), first); err != nil {
		t.Fatalf("HandleDeploymentStatus: %v", err)
	}

	// A duplicate delivery with a different URL must not clobber the
	// recorded success.
	duplicate := DeploymentStatusEvent{State: "success", Environment: "production", SHA: "abc123", TargetURL: "https://two.example.com"}
	if err := reconciler.HandleDeploymentStatus(context.Background(), duplicate); err != nil {
		t.Fatalf("duplicate HandleDeploymentStatus: %v", err)
	}
	if got := mustGet(t, dataStore, record.ID).DeployURL; got != "https://one.example.com" {
		t.Errorf("DeployURL = %q, want the first recorded URL", got)
	}
}

func TestDeploymentStagingDoesNotBlockProduction(t *testing.T) {
	reconciler, dataStore := newTestReconciler(t)
	record := openPR(t, dataStore, 42, "abc123")

	merged := PullRequestEvent{Action: "closed", Number: 42, Merged: true}
	if err := reconciler.HandlePullRequest(context.Background(), merged); err != nil {
		t.Fatalf("HandlePullRequest: %v", err)
	}

	// A staging success arrives first. It must not claim the
	// write-once deploy slot.
	staging := DeploymentStatusEvent{State: "success", Environment: "staging", SHA: "abc123", TargetURL: "https://staging.example.com"}
	if err := reconciler.HandleDeploymentStatus(context.Background(), staging); err != nil {
		t.Fatalf("staging HandleDeploymentStatus: %v", err)
	}
	if got := mustGet(t, dataStore, record.ID).DeployStatus; got != "" {
		t.Fatalf("DeployStatus = %q after staging deploy, want empty", got)
	}

	production := DeploymentStatusEvent{State: "success", Environment: "production", SHA: "abc123", TargetURL: "https://app.example.com"}
	if err := reconciler.HandleDeploymentStatus(context.Background(), production); err != nil {
		t.Fatalf("production HandleDeploymentStatus: %v", err)
	}

	got := mustGet(t, dataStore, record.ID)
	if got.DeployURL != "https://app.example.com" {
		t.Errorf("DeployURL = %q, want the production URL", got.DeployURL)
	}
	if !got.DeployProduction {
		t.Error("DeployProduction = false, want true")
	}
}

func TestDeploymentNonSuccessIgnored(t *testing.T) {
	reconciler, dataStore := newTestReconciler(t)
	record := openPR(t, dataStore, 42, "abc123")

	event := DeploymentStatusEvent{State: "failure", Environment: "production", SHA: "abc123"}
	if err := reconciler.HandleDeploymentStatus(context.Background(), event); err != nil {
		t.Fatalf("HandleDeploymentStatus: %v", err)
	}
	if got := mustGet(t, dataStore, record.ID).DeployStatus; got != "" {
		t.Errorf("DeployStatus = %q, want empty", got)
	}
}

func TestDeploymentNoTargetAcknowledged(t *testing.T) {
	reconciler, _ := newTestReconciler(t)

	event := DeploymentStatusEvent{State: "success", Environment: "production", SHA: "nothing"}
	if err := reconciler.HandleDeploymentStatus(context.Background(), event); err != nil {
		t.Errorf("HandleDeploymentStatus with no target: %v", err)
	}
}
