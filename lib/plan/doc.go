// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package plan tracks the ordered checklists surfaced to operators
// for multi-step changes.
//
// Plans are live: every mutation is visible to subscribers within the
// store's propagation latency. They are also deliberately weak — a
// display aid whose ordering conventions are the caller's discipline,
// never a correctness mechanism the pipeline may rely on.
package plan
