// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the persisted system of record for change
// requests, plans, and agent transcripts.
//
// Two actors write the same change request record concurrently: the
// pipeline executor (primary status through pr_opened, PR identity)
// and the webhook reconciler (terminal transitions, CI checks,
// deploy fields). The store therefore never overwrites whole
// records — each field group has its own update statement with its
// own guard:
//
//   - status moves through guarded compare-and-set (TransitionStatus)
//     or the any-non-terminal fail path (FailChangeRequest), so a
//     terminal record can never be resurrected and duplicate webhook
//     deliveries resolve as harmless no-ops;
//   - checks_conclusion is last-write-wins and independent of status;
//   - a deploy_status of "success" is never overwritten.
//
// Watch provides the real-time subscription primitive assumed by the
// plan tracker and the live status feed: watchers get a notification
// per committed mutation and re-read current state.
package store
