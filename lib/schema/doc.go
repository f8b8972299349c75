// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the persisted Patchflow types: change
// requests, their status partial order, and operator-facing plans.
//
// The package holds data and ordering rules only. Persistence lives in
// lib/store; behavior lives in the components that own each field
// group (lib/pipeline for executor-owned fields, lib/reconcile for
// webhook-owned fields).
package schema
