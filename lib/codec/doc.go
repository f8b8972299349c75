// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides deterministic CBOR encoding for Patchflow.
//
// The encoder uses Core Deterministic Encoding: encoding the same
// logical value always produces identical bytes. The audit log hashes
// encoded entries into a chain, so byte-stable encoding is a
// correctness requirement, not an aesthetic preference.
package codec
