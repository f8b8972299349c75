// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Patchflow
// components.
//
// Configuration is loaded from a single YAML file specified by:
//   - the PATCHFLOW_CONFIG environment variable, or
//   - the --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections
// (development, staging, production) that override base values when
// the environment matches. Secrets (API tokens, the webhook HMAC
// secret) never appear in config files — the file names the
// environment variable that carries each secret.
package config
