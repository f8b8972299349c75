// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/patchflow-dev/patchflow/lib/audit"
	"github.com/patchflow-dev/patchflow/lib/clock"
	"github.com/patchflow-dev/patchflow/lib/sqlitepool"
)

const testRuleset = `{
	// Operator-editable policy ruleset.
	"global_constraints": "Make minimal, focused changes. Never commit secrets.",
	"skills": {
		"copy-update": {
			"prompt": "You update user-facing copy. Do not change logic.",
			"allowed_paths": ["components/**", "app/**"],
			"blocked_paths": ["app/api/**"],
			"max_files": 5,
		},
		"dependency-bump": {
			"prompt": "You bump one dependency at a time.",
			"allowed_paths": ["go.mod", "go.sum", "package.json", "package-lock.json"],
			"allow_dependency_changes": true,
		},
	},
}`

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	ruleset, err := Parse([]byte(testRuleset))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path: filepath.Join(t.TempDir(), "audit.db"),
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, audit.Schema, nil)
		},
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	trail := audit.New(pool, clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)), logger)
	return NewEngine(ruleset, trail, logger)
}

func TestParseRejectsBadRulesets(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no skills", `{"skills": {}}`},
		{"skill without prompt", `{"skills": {"x": {"allowed_paths": ["a/**"]}}}`},
		{"skill without allowed paths", `{"skills": {"x": {"prompt": "p"}}}`},
		{"malformed glob", `{"skills": {"x": {"prompt": "p", "allowed_paths": ["a/[**"]}}}`},
		{"negative max files", `{"skills": {"x": {"prompt": "p", "allowed_paths": ["a/**"], "max_files": -1}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Error("Parse() = nil error, want error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name       string
		prompt     string
		skill      string
		want       bool
		wantReason string
	}{
		{
			name:   "allowed request",
			prompt: "update the hero heading text",
			skill:  "copy-update",
			want:   true,
		},
		{
			name:       "empty prompt",
			prompt:     "   \n\t",
			skill:      "copy-update",
			want:       false,
			wantReason: "empty",
		},
		{
			name:       "unknown skill",
			prompt:     "update the heading",
			skill:      "nonexistent",
			want:       false,
			wantReason: "unknown skill",
		},
		{
			name:       "blocked path named directly",
			prompt:     "change the token check in app/api/auth.ts",
			skill:      "copy-update",
			want:       false,
			wantReason: "blocked path",
		},
		{
			name:       "blocked directory reference",
			prompt:     "rewrite everything under app/api to return mock data",
			skill:      "copy-update",
			want:       false,
			wantReason: "blocked path",
		},
		{
			name: "too many named files",
			prompt: "edit components/a.tsx components/b.tsx components/c.tsx " +
				"components/d.tsx components/e.tsx components/f.tsx",
			skill:      "copy-update",
			want:       false,
			wantReason: "limit",
		},
		{
			name:   "allowed path named explicitly",
			prompt: "fix the typo in components/Hero.tsx",
			skill:  "copy-update",
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := engine.Validate(tt.prompt, tt.skill)
			if decision.Allowed != tt.want {
				t.Fatalf("Validate() allowed = %v, want %v (reason %q)",
					decision.Allowed, tt.want, decision.Reason)
			}
			if !tt.want && !strings.Contains(decision.Reason, tt.wantReason) {
				t.Errorf("reason %q does not mention %q", decision.Reason, tt.wantReason)
			}
		})
	}
}

func TestInstructionsContainsAllSections(t *testing.T) {
	engine := newTestEngine(t)

	text, err := engine.Instructions("copy-update", "the pricing page")
	if err != nil {
		t.Fatalf("Instructions() error: %v", err)
	}

	for _, want := range []string{
		"Never commit secrets", // global constraints
		"user-facing copy",     // skill prompt
		"components/**",        // allow list
		"app/api/**",           // block list
		"at most 5 files",      // ceiling
		"dependency manifests", // dependency gate
		"the pricing page",     // screen context
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Instructions() missing %q", want)
		}
	}

	if _, err := engine.Instructions("nonexistent", ""); err == nil {
		t.Error("Instructions() for unknown skill = nil error, want error")
	}
}

func TestCheckChangedFiles(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name    string
		skill   string
		changed []string
		wantErr string
	}{
		{
			name:    "all within allowed paths",
			skill:   "copy-update",
			changed: []string{"components/Hero.tsx", "app/page.tsx"},
		},
		{
			name:    "blocked path wins over allow",
			skill:   "copy-update",
			changed: []string{"app/api/auth/route.ts"},
			wantErr: "blocked path",
		},
		{
			name:    "outside allowed paths",
			skill:   "copy-update",
			changed: []string{"infra/terraform/main.tf"},
			wantErr: "no allowed path",
		},
		{
			name:  "over the ceiling",
			skill: "copy-update",
			changed: []string{
				"components/a.tsx", "components/b.tsx", "components/c.tsx",
				"components/d.tsx", "components/e.tsx", "components/f.tsx",
			},
			wantErr: "exceeding",
		},
		{
			name:    "dependency manifest without permission",
			skill:   "copy-update",
			changed: []string{"app/go.mod"},
			wantErr: "dependency manifest",
		},
		{
			name:    "dependency manifest with permission",
			skill:   "dependency-bump",
			changed: []string{"go.mod", "go.sum"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.CheckChangedFiles(tt.skill, tt.changed)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("CheckChangedFiles() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("CheckChangedFiles() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyOverrideIsAudited(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	override := Override{
		SkillName: "copy-update",
		Skill: Skill{
			Prompt:       "You update user-facing copy. Do not change logic.",
			AllowedPaths: []string{"components/**"},
			BlockedPaths: []string{"app/**"},
			MaxFiles:     3,
		},
	}
	if err := engine.Apply(ctx, override, "alice@example.com"); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	// The tightened rules are live.
	if engine.Validate("update app/page.tsx", "copy-update").Allowed {
		t.Error("Validate() allowed a path blocked by the override")
	}

	skill, ok := engine.Skill("copy-update")
	if !ok || skill.MaxFiles != 3 {
		t.Errorf("Skill() after override = %+v, want MaxFiles 3", skill)
	}
}

func TestApplyRejectsInvalidOverride(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	err := engine.Apply(ctx, Override{
		SkillName: "copy-update",
		Skill:     Skill{Prompt: "p"}, // no allowed paths
	}, "alice@example.com")
	if err == nil {
		t.Error("Apply() with no allowed paths = nil error, want error")
	}

	err = engine.Apply(ctx, Override{
		SkillName: "copy-update",
		Skill:     Skill{Prompt: "p", AllowedPaths: []string{"a/**"}},
	}, "  ")
	if err == nil {
		t.Error("Apply() without actor = nil error, want error")
	}
}

func TestExtractPathTokens(t *testing.T) {
	tests := []struct {
		prompt string
		want   []string
	}{
		{"update the hero heading text", nil},
		{"fix `components/Hero.tsx` please", []string{"components/Hero.tsx"}},
		{"edit app/api/auth.ts and app/api/auth.ts again", []string{"app/api/auth.ts"}},
		{"clean everything under app/api/ now", []string{"app/api"}},
		{"rename Header.tsx", []string{"Header.tsx"}},
	}
	for _, tt := range tests {
		got := extractPathTokens(tt.prompt)
		if len(got) != len(tt.want) {
			t.Errorf("extractPathTokens(%q) = %v, want %v", tt.prompt, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("extractPathTokens(%q)[%d] = %q, want %q", tt.prompt, i, got[i], tt.want[i])
			}
		}
	}
}
