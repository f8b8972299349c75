// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent drives the conversational model that mediates between
// operators and the change pipeline. The model is an opaque
// tool-calling collaborator behind the [Model] interface; this
// package owns the tool surface (create_plan, update_plan,
// trigger_code_change) and the bounded round-trip loop that executes
// tool calls.
//
// Everything arriving from the model is untrusted input: tool
// arguments are parsed strictly and rejected rather than coerced, and
// a triggered code change passes policy validation exactly like a
// direct request would.
package agent
