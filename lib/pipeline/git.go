// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"net/url"
	"strings"
)

// shellQuote single-quotes a string for safe interpolation into an
// sh -c command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// authenticatedCloneURL embeds the forge token into an HTTPS clone
// URL so that git push inside the sandbox needs no credential helper.
// The resulting URL is passed to git, never logged.
func authenticatedCloneURL(cloneURL, token string) (string, error) {
	if token == "" {
		return cloneURL, nil
	}
	parsed, err := url.Parse(cloneURL)
	if err != nil {
		return "", fmt.Errorf("parsing clone URL: %w", err)
	}
	if parsed.Scheme != "https" {
		return "", fmt.Errorf("clone URL must be HTTPS (got %q)", parsed.Scheme)
	}
	parsed.User = url.UserPassword("x-access-token", token)
	return parsed.String(), nil
}

// parseChangedFiles extracts file paths from `git status --porcelain`
// output. Renames report the new path.
func parseChangedFiles(porcelain string) []string {
	var files []string
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) < 4 {
			continue
		}
		// Two status columns, a space, then the path.
		path := line[3:]
		if _, to, renamed := strings.Cut(path, " -> "); renamed {
			path = to
		}
		path = strings.Trim(path, `"`)
		if path != "" {
			files = append(files, path)
		}
	}
	return files
}

// commitSummary derives a one-line commit summary from the operator
// prompt: the first line, truncated.
func commitSummary(prompt string) string {
	summary := prompt
	if index := strings.IndexByte(summary, '\n'); index >= 0 {
		summary = summary[:index]
	}
	summary = strings.TrimSpace(summary)
	const maxLength = 72
	if len(summary) > maxLength {
		summary = strings.TrimSpace(summary[:maxLength-3]) + "..."
	}
	return summary
}
