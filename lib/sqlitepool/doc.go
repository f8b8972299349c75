// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a SQLite connection pool with
// Patchflow-standard pragmas (WAL mode, busy timeout, foreign keys).
//
// All Patchflow persistence goes through this pool: the change
// request and plan collections, transcripts, and the policy audit
// log. Services open one pool per database file and share it across
// components.
package sqlitepool
