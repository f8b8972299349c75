// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Command patchflow-service is the Patchflow daemon: it accepts
// operator messages, runs the conversational model's tool loop,
// executes change pipelines in sandboxed environments, and reconciles
// forge webhooks onto change request state.
//
// HTTP surface:
//
//	POST /message     operator chat turn
//	POST /kill        tear down every active sandbox
//	POST /webhook     GitHub webhook ingestion (HMAC-verified)
//	GET  /healthz     liveness
//	GET  /requests    a session's change requests, newest first
//	GET  /status      one request, with live pull request state
//	GET  /transcript  the stored agent transcript for a request
//	GET  /plans/feed  a session's plan updates, streamed as NDJSON
//
// Configuration comes from a YAML file named by --config or the
// PATCHFLOW_CONFIG environment variable. Secrets (forge token,
// webhook secret) are resolved from environment variables named in
// the config, never from the file itself.
package main
