// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registry tracks live sandbox sessions: the single source of truth
// for "is this environment still alive." It is constructed once per
// process and passed to every component that needs it — never
// package-level state, so tests and multi-instance deployments get
// their own.
//
// The registry does not survive process restarts. A restart orphans
// any environment that was running; the external provider's own
// garbage collection is the backstop for that window.
//
// All methods are safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]Handle
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		panic("sandbox.Registry: logger is required")
	}
	return &Registry{
		logger:   logger,
		sessions: make(map[string]Handle),
	}
}

// Register records a session's ownership of an environment. At most
// one environment may be registered per session ID; a second
// registration is refused so two pipeline runs can never share (or
// leak) an environment.
func (r *Registry) Register(sessionID string, handle Handle) error {
	if sessionID == "" {
		return fmt.Errorf("sandbox: session ID is required")
	}
	if handle == nil {
		return fmt.Errorf("sandbox: handle is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sessionID]; exists {
		return fmt.Errorf("sandbox: session %s already owns an environment", sessionID)
	}
	r.sessions[sessionID] = handle

	r.logger.Info("sandbox registered",
		"session_id", sessionID,
		"environment", handle.ID(),
	)
	return nil
}

// Get returns the session's environment handle, or nil if the session
// has none.
func (r *Registry) Get(sessionID string) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// Unregister removes a session without killing its environment. Used
// on the pipeline's normal teardown path, where the executor kills
// the handle itself. Returns whether an entry was removed.
func (r *Registry) Unregister(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[sessionID]; !exists {
		return false
	}
	delete(r.sessions, sessionID)
	return true
}

// Kill tears down a session's environment and removes it from the
// registry. Idempotent: killing an absent session returns false.
// Teardown failures are logged and the entry is removed regardless —
// the registry must never keep pointing at a confirmed-dead resource.
func (r *Registry) Kill(sessionID string) bool {
	r.mu.Lock()
	handle, exists := r.sessions[sessionID]
	if exists {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}

	if err := handle.Kill(); err != nil {
		r.logger.Error("sandbox teardown failed",
			"session_id", sessionID,
			"environment", handle.ID(),
			"error", err,
		)
	} else {
		r.logger.Info("sandbox killed", "session_id", sessionID)
	}
	return true
}

// KillAll tears down every registered environment and returns how
// many were attempted. It snapshots the current entries first, so a
// registration racing with teardown is neither killed mid-register
// nor silently dropped — it simply lands after the snapshot and
// stays alive.
func (r *Registry) KillAll() int {
	r.mu.Lock()
	snapshot := make(map[string]Handle, len(r.sessions))
	for sessionID, handle := range r.sessions {
		snapshot[sessionID] = handle
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	for sessionID, handle := range snapshot {
		if err := handle.Kill(); err != nil {
			r.logger.Error("sandbox teardown failed",
				"session_id", sessionID,
				"environment", handle.ID(),
				"error", err,
			)
		}
	}

	if len(snapshot) > 0 {
		r.logger.Info("all sandboxes killed", "count", len(snapshot))
	}
	return len(snapshot)
}

// ActiveCount returns the number of live sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
