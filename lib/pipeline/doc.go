// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline runs the end-to-end change pipeline: provision a
// sandbox, clone the repository, run the coding agent, enforce the
// change policy against what the agent actually touched, then commit,
// push, and open a pull request.
//
// The pipeline owns a change request's status from pending through
// pr_opened. From pr_opened onward the webhook reconciler takes over.
// Every exit path, success or failure, tears the sandbox down.
package pipeline
