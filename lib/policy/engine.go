// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/patchflow-dev/patchflow/lib/audit"
)

// Engine evaluates requests against the active ruleset and builds
// agent instruction text. Validation and instruction building are
// pure functions of the inputs and the current ruleset; the only
// mutation path is Apply, which records every change in the audit
// log.
//
// Engine is safe for concurrent use: validation takes a read lock,
// Apply takes the write lock.
type Engine struct {
	logger *slog.Logger
	trail  *audit.Trail

	mu      sync.RWMutex
	ruleset *Ruleset
}

// NewEngine creates an Engine over a loaded ruleset. The audit trail
// is required — an unaudited override channel would defeat the point
// of having one.
func NewEngine(ruleset *Ruleset, trail *audit.Trail, logger *slog.Logger) *Engine {
	if ruleset == nil {
		panic("policy.Engine: ruleset is required")
	}
	if trail == nil {
		panic("policy.Engine: audit trail is required")
	}
	if logger == nil {
		panic("policy.Engine: logger is required")
	}
	return &Engine{logger: logger, trail: trail, ruleset: ruleset}
}

// Decision is the result of validating an operator prompt.
type Decision struct {
	Allowed bool

	// Reason explains a rejection in operator-readable terms. Empty
	// when Allowed.
	Reason string
}

func reject(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks an operator prompt against a skill before any
// environment is provisioned. It rejects empty prompts, prompts that
// explicitly name a block-listed path, and prompts whose determinable
// file intent exceeds the skill's ceiling. Pre-execution validation
// is best-effort — the capstone enforcement is CheckChangedFiles,
// after the agent has run.
func (e *Engine) Validate(prompt, skillName string) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if strings.TrimSpace(prompt) == "" {
		return reject("prompt is empty")
	}

	skill, ok := e.ruleset.Skills[skillName]
	if !ok {
		return reject("unknown skill %q", skillName)
	}

	paths := extractPathTokens(prompt)
	for _, p := range paths {
		if skill.blocksPromptPath(p) {
			return reject("prompt targets blocked path %q", p)
		}
	}
	if ceiling := skill.maxFiles(); len(paths) > ceiling {
		return reject("prompt names %d paths, exceeding the skill's limit of %d files per change", len(paths), ceiling)
	}

	return Decision{Allowed: true}
}

// Instructions builds the agent instruction text for a validated
// request: global constraints, the skill's own prompt, the active
// allow/block lists, and an optional hint about the operator's
// current screen. The screen context is a best-effort hint, not a
// security boundary.
func (e *Engine) Instructions(skillName, screenContext string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	skill, ok := e.ruleset.Skills[skillName]
	if !ok {
		return "", fmt.Errorf("policy: unknown skill %q", skillName)
	}

	var b strings.Builder
	if e.ruleset.GlobalConstraints != "" {
		b.WriteString(e.ruleset.GlobalConstraints)
		b.WriteString("\n\n")
	}
	b.WriteString(skill.Prompt)
	b.WriteString("\n\nYou may only modify files matching these patterns:\n")
	for _, glob := range skill.AllowedPaths {
		b.WriteString("  - " + glob + "\n")
	}
	if len(skill.BlockedPaths) > 0 {
		b.WriteString("You must never touch files matching these patterns:\n")
		for _, glob := range skill.BlockedPaths {
			b.WriteString("  - " + glob + "\n")
		}
	}
	fmt.Fprintf(&b, "Change at most %d files.\n", skill.maxFiles())
	if !skill.AllowDependencyChanges {
		b.WriteString("Do not modify dependency manifests (go.mod, package.json, lockfiles).\n")
	}
	if screenContext != "" {
		b.WriteString("\nThe operator is currently looking at: " + screenContext + "\n")
	}
	return b.String(), nil
}

// CheckChangedFiles is the post-hoc capstone enforcement: after the
// agent has run, the actual changed file set is checked against the
// skill's allow/block globs, the file-count ceiling, and the
// dependency-manifest gate. Pre-execution validation cannot predict
// what an autonomous agent will touch; this check can, and a
// violation here aborts the pipeline before anything is pushed.
func (e *Engine) CheckChangedFiles(skillName string, changed []string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	skill, ok := e.ruleset.Skills[skillName]
	if !ok {
		return fmt.Errorf("policy: unknown skill %q", skillName)
	}

	if ceiling := skill.maxFiles(); len(changed) > ceiling {
		return fmt.Errorf("policy: agent changed %d files, exceeding the limit of %d", len(changed), ceiling)
	}

	for _, filePath := range changed {
		if skill.blocksPath(filePath) {
			return fmt.Errorf("policy: agent changed blocked path %q", filePath)
		}
		if !matchAny(skill.AllowedPaths, filePath) {
			return fmt.Errorf("policy: agent changed %q, which matches no allowed path", filePath)
		}
		if !skill.AllowDependencyChanges && isDependencyManifest(filePath) {
			return fmt.Errorf("policy: agent changed dependency manifest %q, which this skill does not permit", filePath)
		}
	}
	return nil
}

// Skill returns a copy of the named skill's definition.
func (e *Engine) Skill(name string) (Skill, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	skill, ok := e.ruleset.Skills[name]
	return skill, ok
}

// SkillNames returns the defined skill names, sorted.
func (e *Engine) SkillNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.ruleset.Skills))
	for name := range e.ruleset.Skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Override replaces one skill's definition. Zero-valued fields in the
// replacement are taken literally — an override states the complete
// new definition, not a patch.
type Override struct {
	SkillName string
	Skill     Skill
}

// Apply replaces a skill definition through the audited override
// channel. The replacement is validated like a loaded ruleset; the
// audit entry records the actor and both definitions before the
// in-memory ruleset changes.
func (e *Engine) Apply(ctx context.Context, override Override, actor string) error {
	if strings.TrimSpace(actor) == "" {
		return fmt.Errorf("policy: override requires an actor")
	}

	trial := Ruleset{
		GlobalConstraints: "",
		Skills:            map[string]Skill{override.SkillName: override.Skill},
	}
	if err := trial.validate(); err != nil {
		return fmt.Errorf("policy: invalid override for skill %q: %w", override.SkillName, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	previous, existed := e.ruleset.Skills[override.SkillName]
	entry := audit.Entry{
		Actor:  actor,
		Action: "policy.skill.override",
		Detail: describeOverride(override.SkillName, previous, existed, override.Skill),
	}
	if err := e.trail.Append(ctx, entry); err != nil {
		return fmt.Errorf("policy: recording override: %w", err)
	}

	e.ruleset.Skills[override.SkillName] = override.Skill
	e.logger.Info("policy override applied",
		"skill", override.SkillName,
		"actor", actor,
	)
	return nil
}

func describeOverride(name string, previous Skill, existed bool, next Skill) string {
	if !existed {
		return fmt.Sprintf("skill %q created: allow=%v block=%v max_files=%d deps=%v",
			name, next.AllowedPaths, next.BlockedPaths, next.maxFiles(), next.AllowDependencyChanges)
	}
	return fmt.Sprintf("skill %q replaced: allow %v -> %v, block %v -> %v, max_files %d -> %d, deps %v -> %v",
		name,
		previous.AllowedPaths, next.AllowedPaths,
		previous.BlockedPaths, next.BlockedPaths,
		previous.maxFiles(), next.maxFiles(),
		previous.AllowDependencyChanges, next.AllowDependencyChanges,
	)
}

// blocksPath reports whether the skill's block list matches the path.
// Block wins over allow.
func (s Skill) blocksPath(filePath string) bool {
	return matchAny(s.BlockedPaths, filePath)
}

// blocksPromptPath is blocksPath for path tokens extracted from a
// prompt. A prompt naming a directory ("app/api") targets everything
// under it, so the token is also checked as a prefix of the blocked
// globs.
func (s Skill) blocksPromptPath(token string) bool {
	if matchAny(s.BlockedPaths, token) {
		return true
	}
	return matchAny(s.BlockedPaths, token+"/any")
}

func isDependencyManifest(filePath string) bool {
	slash := strings.LastIndexByte(filePath, '/')
	base := filePath[slash+1:]
	return dependencyManifests[base]
}
