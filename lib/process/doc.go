// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides process-level helpers shared by Patchflow
// binaries.
package process
