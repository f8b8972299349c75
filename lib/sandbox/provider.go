// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import "context"

// ExecResult captures one command's outcome inside an environment.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Handle is one provisioned isolated execution environment. A handle
// is owned by exactly one sandbox session; the Registry tracks that
// ownership.
type Handle interface {
	// ID identifies the underlying environment for logging.
	ID() string

	// Exec runs a shell command inside the environment with the
	// given extra environment variables and stdin text. The command
	// is bounded by ctx — on cancellation or deadline the process
	// tree is killed. A non-zero exit code is not an error; the
	// error return covers failures to run at all.
	Exec(ctx context.Context, command string, env map[string]string, stdin string) (ExecResult, error)

	// Kill tears the environment down. Idempotent: killing an
	// already-dead environment returns nil.
	Kill() error
}

// Provider provisions isolated execution environments. The production
// provider is external infrastructure; LocalProvider runs commands in
// per-session working directories for development and tests.
type Provider interface {
	// Provision creates a new environment from the named template.
	// The returned handle must eventually be killed.
	Provision(ctx context.Context, template string) (Handle, error)
}
