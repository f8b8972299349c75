// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit provides the append-only, hash-chained audit trail
// for policy configuration changes.
//
// Every entry hashes its fields together with the previous entry's
// hash (BLAKE3 over deterministic CBOR), so the trail is tamper
// evident: editing or removing any historical entry breaks
// verification from that point forward. Verify replays the chain and
// names the first bad entry.
package audit
