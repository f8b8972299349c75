// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package reconcile maps forge webhook events onto change request
// state. GitHub delivers webhooks at-least-once and out of order, so
// every handler is idempotent and handlers for the same pull request
// are serialized; re-delivering any event sequence produces the same
// final state.
//
// Events that match no tracked change request are acknowledged
// silently — the repository sees plenty of human activity that is
// none of the pipeline's business.
package reconcile
