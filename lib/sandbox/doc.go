// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox manages isolated execution environments and the
// registry of live sandbox sessions.
//
// The Provider interface is the boundary to the external environment
// infrastructure; LocalProvider is the in-tree implementation used in
// development and tests. The Registry guarantees at-most-one
// environment per session and safe bulk teardown: it is the only
// in-process shared mutable structure in the pipeline, and it is
// injected, never global.
package sandbox
