// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package plan

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/patchflow-dev/patchflow/lib/clock"
	"github.com/patchflow-dev/patchflow/lib/schema"
	"github.com/patchflow-dev/patchflow/lib/store"
)

func newTestTracker(t *testing.T) (*Tracker, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Config{
		Path:   filepath.Join(t.TempDir(), "plans.db"),
		Clock:  clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewTracker(s, slog.New(slog.NewTextHandler(io.Discard, nil))), s
}

func TestCreateSeedsPending(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	created, err := tracker.Create(ctx, "invocation-1", "session-1",
		"Update copy", "", []string{"locate", "edit", "verify"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if len(created.Items) != 3 {
		t.Fatalf("len(Items) = %d, want 3", len(created.Items))
	}
	for _, item := range created.Items {
		if item.Status != schema.ItemPending {
			t.Errorf("item %d = %s, want pending", item.ID, item.Status)
		}
	}
}

func TestUpdateItemForwardOnly(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	created, err := tracker.Create(ctx, "invocation-1", "session-1", "t", "", []string{"step"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := tracker.UpdateItem(ctx, created.ID, 0, schema.ItemInProgress); err != nil {
		t.Fatalf("UpdateItem(in_progress) error: %v", err)
	}
	if err := tracker.UpdateItem(ctx, created.ID, 0, schema.ItemDone); err != nil {
		t.Fatalf("UpdateItem(done) error: %v", err)
	}
	if err := tracker.UpdateItem(ctx, created.ID, 0, schema.ItemPending); err == nil {
		t.Error("backward UpdateItem() = nil error, want error")
	}
}

func TestTerminalOwnerFreezesPlan(t *testing.T) {
	tracker, s := newTestTracker(t)
	ctx := context.Background()

	request, err := s.CreateChangeRequest(ctx, "session-1", "prompt", "copy-update", "Alice")
	if err != nil {
		t.Fatalf("CreateChangeRequest() error: %v", err)
	}
	created, err := tracker.Create(ctx, "invocation-1", "session-1", "t", "", []string{"step"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	tracker.Adopt(created.ID, request.ID)

	if err := tracker.UpdateItem(ctx, created.ID, 0, schema.ItemInProgress); err != nil {
		t.Fatalf("UpdateItem() before terminal: %v", err)
	}

	if _, err := s.FailChangeRequest(ctx, request.ID, "agent", "timed out"); err != nil {
		t.Fatalf("FailChangeRequest() error: %v", err)
	}

	if err := tracker.UpdateItem(ctx, created.ID, 0, schema.ItemDone); err == nil {
		t.Error("UpdateItem() after terminal owner = nil error, want error")
	}
	if err := tracker.UpdateAll(ctx, created.ID, schema.ItemDone); err == nil {
		t.Error("UpdateAll() after terminal owner = nil error, want error")
	}
}

func TestSubscribeDeliversMutations(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := tracker.Subscribe(ctx)

	created, err := tracker.Create(ctx, "invocation-1", "session-1", "t", "", []string{"step"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	select {
	case current := <-updates:
		if current.ID != created.ID {
			t.Errorf("subscription delivered plan %s, want %s", current.ID, created.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no subscription delivery for create")
	}

	if err := tracker.UpdateItem(ctx, created.ID, 0, schema.ItemInProgress); err != nil {
		t.Fatalf("UpdateItem() error: %v", err)
	}

	select {
	case current := <-updates:
		if current.Items[0].Status != schema.ItemInProgress {
			t.Errorf("delivered item status = %s, want in_progress", current.Items[0].Status)
		}
	case <-time.After(time.Second):
		t.Fatal("no subscription delivery for update")
	}
}
