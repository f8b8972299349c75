// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"regexp"
	"strings"
)

// pathToken matches path-like words in an operator prompt: at least
// one slash-separated segment, or a bare filename with an extension.
// This is intent extraction, not parsing — the agent's actual changed
// files are what enforcement ultimately checks.
var pathToken = regexp.MustCompile(`^[\w.\-]+(?:/[\w.\-*]+)+/?$|^[\w\-]+\.[A-Za-z]{1,6}$`)

// extractPathTokens returns the distinct path-like tokens named in a
// prompt, in order of first appearance. Surrounding punctuation and
// quotes are stripped so "update `app/page.tsx`," yields
// "app/page.tsx".
func extractPathTokens(prompt string) []string {
	seen := make(map[string]bool)
	var paths []string

	for _, field := range strings.Fields(prompt) {
		token := strings.Trim(field, "`'\"()[]{}<>,.;:!?")
		if token == "" || !pathToken.MatchString(token) {
			continue
		}
		token = strings.TrimSuffix(token, "/")
		if seen[token] {
			continue
		}
		seen[token] = true
		paths = append(paths, token)
	}
	return paths
}
