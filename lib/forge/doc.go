// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package forge is a typed client for the GitHub REST API, scoped to
// the operations the change pipeline needs: repository metadata and
// pull request creation. Authentication is token-based; the token is
// resolved from configuration at startup and never written to disk or
// logs.
package forge
