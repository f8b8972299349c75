// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/tidwall/jsonc"
)

// Ruleset is the static policy configuration: global constraints on
// every agent run plus the named skills an operator may invoke. The
// pipeline reads the ruleset through an Engine; mutation happens only
// through the Engine's audited override channel.
type Ruleset struct {
	// GlobalConstraints is prose prepended to every instruction
	// text, regardless of skill.
	GlobalConstraints string `json:"global_constraints"`

	// Skills maps skill name to its definition.
	Skills map[string]Skill `json:"skills"`
}

// Skill is a named, pre-configured behavior profile constraining what
// kind of change an agent may attempt and which paths it may touch.
type Skill struct {
	// Prompt is the skill's own instruction text.
	Prompt string `json:"prompt"`

	// AllowedPaths are doublestar globs the change may touch. A
	// changed file must match at least one.
	AllowedPaths []string `json:"allowed_paths"`

	// BlockedPaths are doublestar globs the change must not touch.
	// Block wins over allow.
	BlockedPaths []string `json:"blocked_paths"`

	// MaxFiles is the per-change file-count ceiling. Zero means the
	// deployment-wide default of 10.
	MaxFiles int `json:"max_files"`

	// AllowDependencyChanges permits edits to dependency manifests
	// (go.mod, go.sum, package.json, package-lock.json, yarn.lock).
	AllowDependencyChanges bool `json:"allow_dependency_changes"`
}

// defaultMaxFiles applies when a skill does not set a ceiling.
const defaultMaxFiles = 10

// dependencyManifests are the file basenames gated by
// AllowDependencyChanges.
var dependencyManifests = map[string]bool{
	"go.mod":            true,
	"go.sum":            true,
	"package.json":      true,
	"package-lock.json": true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":    true,
}

// maxFiles returns the skill's effective file-count ceiling.
func (s Skill) maxFiles() int {
	if s.MaxFiles > 0 {
		return s.MaxFiles
	}
	return defaultMaxFiles
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals and validates the ruleset. Rulesets are authored on disk
// as JSONC so operators can annotate why a path is blocked.
func Parse(data []byte) (*Ruleset, error) {
	stripped := jsonc.ToJSON(data)

	var ruleset Ruleset
	if err := json.Unmarshal(stripped, &ruleset); err != nil {
		return nil, fmt.Errorf("policy: parsing ruleset: %w", err)
	}
	if err := ruleset.validate(); err != nil {
		return nil, err
	}
	return &ruleset, nil
}

// ReadFile reads a JSONC ruleset file from disk.
func ReadFile(filePath string) (*Ruleset, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("policy: reading %s: %w", filePath, err)
	}
	ruleset, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy: %s: %w", filePath, err)
	}
	return ruleset, nil
}

// validate checks every glob at load time. A malformed glob detected
// during enforcement would fail open or fail late; load-time rejection
// keeps enforcement unconditional.
func (r *Ruleset) validate() error {
	if len(r.Skills) == 0 {
		return fmt.Errorf("policy: ruleset defines no skills")
	}
	for name, skill := range r.Skills {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("policy: skill with empty name")
		}
		if strings.TrimSpace(skill.Prompt) == "" {
			return fmt.Errorf("policy: skill %q has no prompt", name)
		}
		if len(skill.AllowedPaths) == 0 {
			return fmt.Errorf("policy: skill %q has no allowed paths", name)
		}
		for _, glob := range append(append([]string{}, skill.AllowedPaths...), skill.BlockedPaths...) {
			if !doublestar.ValidatePattern(glob) {
				return fmt.Errorf("policy: skill %q has malformed glob %q", name, glob)
			}
		}
		if skill.MaxFiles < 0 {
			return fmt.Errorf("policy: skill %q has negative max_files", name)
		}
	}
	return nil
}

// matchAny reports whether a slash-separated relative path matches any
// of the globs. Patterns are validated at load time, so a match error
// here means the path itself is unusable — treated as no match.
func matchAny(globs []string, filePath string) bool {
	normalized := path.Clean(strings.ReplaceAll(filePath, "\\", "/"))
	for _, glob := range globs {
		if ok, err := doublestar.Match(glob, normalized); err == nil && ok {
			return true
		}
	}
	return false
}
