// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the HTTP serving plumbing shared by the
// Patchflow binary: a TCP server with readiness signalling and
// graceful shutdown, and HMAC verification for incoming forge
// webhooks.
package service
