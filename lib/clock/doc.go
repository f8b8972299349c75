// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides a time abstraction for deterministic tests.
//
// Production code uses Real(), which delegates to the standard time
// package. Tests use Fake(), which only moves when Advance is called,
// so timeout and deduplication behavior can be exercised without real
// waiting.
package clock
