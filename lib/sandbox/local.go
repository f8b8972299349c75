// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
)

// LocalProvider provisions environments as per-session working
// directories on the local machine, executing commands via sh -c.
// It exists for development and tests; it isolates file state per
// session but is not a security boundary the way the production
// environment provider is.
type LocalProvider struct {
	// Root is the parent directory for session workdirs. Required.
	Root string

	// Logger for provisioning and teardown. Required.
	Logger *slog.Logger
}

// Provision creates a fresh working directory for the session. The
// template is recorded but otherwise unused locally — template
// resolution is the external provider's concern.
func (p *LocalProvider) Provision(ctx context.Context, template string) (Handle, error) {
	if p.Root == "" {
		return nil, fmt.Errorf("sandbox: LocalProvider requires a root directory")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("sandbox: provisioning cancelled: %w", err)
	}

	id := uuid.NewString()
	workdir := filepath.Join(p.Root, id)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: creating workdir: %w", err)
	}

	p.Logger.Info("local environment provisioned",
		"environment", id,
		"template", template,
		"workdir", workdir,
	)
	return &localHandle{id: id, workdir: workdir, logger: p.Logger}, nil
}

// localHandle is one local environment: a working directory plus the
// processes running in it.
type localHandle struct {
	id      string
	workdir string
	logger  *slog.Logger

	mu     sync.Mutex
	killed bool
}

func (h *localHandle) ID() string { return h.id }

// Exec runs a command via sh -c in the environment's workdir. The
// shell is resolved via PATH, not hardcoded to /bin/sh — inside
// minimal environments /bin may not exist.
//
// The command runs in its own process group so that cancellation
// kills the shell and all its children. Without Setpgid, only the
// shell receives the signal — children survive and hold the pipe
// file descriptors open, blocking Exec from returning.
func (h *localHandle) Exec(ctx context.Context, command string, env map[string]string, stdin string) (ExecResult, error) {
	h.mu.Lock()
	if h.killed {
		h.mu.Unlock()
		return ExecResult{}, fmt.Errorf("sandbox: environment %s is dead", h.id)
	}
	h.mu.Unlock()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = h.workdir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// SIGKILL the whole process group (negative PID).
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for name, value := range env {
			cmd.Env = append(cmd.Env, name+"="+value)
		}
	}

	err := cmd.Run()
	result := ExecResult{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if err == nil {
		return result, nil
	}

	// A command the context killed also surfaces as an ExitError (the
	// process died to our SIGKILL), so the deadline check comes first:
	// a timeout must report as an aborted command, not a normal
	// non-zero exit.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("sandbox: command aborted: %w", ctxErr)
	}

	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		result.ExitCode = exitError.ExitCode()
		return result, nil
	}
	return result, fmt.Errorf("sandbox: running command: %w", err)
}

// Kill removes the workdir and marks the handle dead. Idempotent.
func (h *localHandle) Kill() error {
	h.mu.Lock()
	if h.killed {
		h.mu.Unlock()
		return nil
	}
	h.killed = true
	h.mu.Unlock()

	if err := os.RemoveAll(h.workdir); err != nil {
		return fmt.Errorf("sandbox: removing workdir for %s: %w", h.id, err)
	}
	h.logger.Info("local environment destroyed", "environment", h.id)
	return nil
}
