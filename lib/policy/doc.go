// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy is the rules engine gating what an AI agent is
// permitted to touch.
//
// A Ruleset (authored as JSONC) defines global constraints and named
// skills, each with allow/block path globs, a file-count ceiling, and
// a dependency-change permission. The Engine validates operator
// prompts before any environment is provisioned, builds the agent's
// instruction text, and — the capstone — checks the agent's actual
// changed file set after the run, since pre-execution validation
// cannot fully predict what an autonomous agent will do.
//
// The ruleset is read-only to the pipeline. The only mutation path is
// Engine.Apply, which records every change in the hash-chained audit
// trail before it takes effect.
package policy
