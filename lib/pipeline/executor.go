// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/patchflow-dev/patchflow/lib/clock"
	"github.com/patchflow-dev/patchflow/lib/forge"
	"github.com/patchflow-dev/patchflow/lib/policy"
	"github.com/patchflow-dev/patchflow/lib/sandbox"
	"github.com/patchflow-dev/patchflow/lib/schema"
	"github.com/patchflow-dev/patchflow/lib/store"
)

// defaultPRTemplate is the pull request body used when no template is
// configured.
const defaultPRTemplate = `%SUMMARY%

## Changed files
%FILES%

---
Automated change via the %SKILL% skill, requested by %OPERATOR%.`

// Forge is the pull-request surface the executor needs. Satisfied by
// *forge.Client; faked in tests.
type Forge interface {
	GetRepository(ctx context.Context, repo forge.Repo) (*forge.Repository, error)
	CreatePullRequest(ctx context.Context, repo forge.Repo, newPR forge.NewPullRequest) (*forge.PullRequest, error)
}

// Config carries the pipeline's static configuration, resolved at
// startup.
type Config struct {
	// Repo is the target repository.
	Repo forge.Repo

	// Token authenticates git push inside the sandbox. Embedded in
	// the clone URL, never logged.
	Token string

	// Template is the sandbox environment template.
	Template string

	// BranchPrefix + request ID forms the feature branch name.
	BranchPrefix string

	// CommitPrefix is prepended to the commit summary.
	CommitPrefix string

	// AgentCommand is the coding agent CLI run inside the sandbox.
	// Instructions are passed on stdin.
	AgentCommand string

	// AgentTimeout is the hard wall-clock budget for the agent run.
	AgentTimeout time.Duration

	// ProvisionTimeout bounds sandbox provisioning.
	ProvisionTimeout time.Duration

	// ExecTimeout bounds each git command inside the sandbox.
	ExecTimeout time.Duration

	// PRTemplate is the pull request body template. %SUMMARY%,
	// %FILES%, %SKILL%, and %OPERATOR% are interpolated. Empty
	// selects a default.
	PRTemplate string
}

// Planner is notified when a run begins on behalf of a plan, so the
// plan's mutability can follow its owning change request.
type Planner interface {
	Adopt(planID, requestID string)
}

// Deps are the executor's collaborators.
type Deps struct {
	Store    *store.Store
	Registry *sandbox.Registry
	Provider sandbox.Provider
	Forge    Forge
	Policy   *policy.Engine
	Clock    clock.Clock
	Logger   *slog.Logger

	// Planner is optional; runs without a plan skip adoption.
	Planner Planner
}

// Executor runs change requests through the pipeline. Safe for
// concurrent use; each Execute call is an independent run.
type Executor struct {
	config   Config
	store    *store.Store
	registry *sandbox.Registry
	provider sandbox.Provider
	forge    Forge
	policy   *policy.Engine
	clock    clock.Clock
	logger   *slog.Logger
	planner  Planner
}

// NewExecutor creates a pipeline executor. Panics if any dependency
// is missing: the executor cannot run degraded.
func NewExecutor(config Config, deps Deps) *Executor {
	switch {
	case deps.Store == nil:
		panic("pipeline.Executor: store is required")
	case deps.Registry == nil:
		panic("pipeline.Executor: registry is required")
	case deps.Provider == nil:
		panic("pipeline.Executor: provider is required")
	case deps.Forge == nil:
		panic("pipeline.Executor: forge client is required")
	case deps.Policy == nil:
		panic("pipeline.Executor: policy engine is required")
	case deps.Logger == nil:
		panic("pipeline.Executor: logger is required")
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Executor{
		config:   config,
		store:    deps.Store,
		registry: deps.Registry,
		provider: deps.Provider,
		forge:    deps.Forge,
		policy:   deps.Policy,
		clock:    clk,
		logger:   deps.Logger,
		planner:  deps.Planner,
	}
}

// Request describes one validated change request. The caller has
// already run policy validation on the prompt; the executor repeats
// nothing before the post-hoc file check.
type Request struct {
	SessionID     string
	Prompt        string
	Skill         string
	Operator      string
	ScreenContext string

	// PlanID links the run to the checklist created for it, if any.
	// The plan becomes read-only once this run reaches a terminal
	// state.
	PlanID string
}

// Execute runs the full pipeline for one request and returns the
// change request record in its final state. The record is created
// immediately, so a failure at any stage is visible as a failed
// record rather than a lost request. Cancelling ctx (the operator
// kill path) aborts the run; the sandbox is torn down on every exit.
func (e *Executor) Execute(ctx context.Context, request Request) (*schema.ChangeRequest, error) {
	record, err := e.store.CreateChangeRequest(ctx, request.SessionID, request.Prompt, request.Skill, request.Operator)
	if err != nil {
		return nil, fmt.Errorf("pipeline: creating change request: %w", err)
	}
	logger := e.logger.With("request_id", record.ID, "session_id", request.SessionID, "skill", request.Skill)

	if e.planner != nil && request.PlanID != "" {
		e.planner.Adopt(request.PlanID, record.ID)
	}

	runErr := e.run(ctx, logger, record.ID, request)
	final, getErr := e.store.GetChangeRequest(context.WithoutCancel(ctx), record.ID)
	if getErr != nil {
		if runErr != nil {
			return nil, runErr
		}
		return nil, fmt.Errorf("pipeline: reloading change request: %w", getErr)
	}
	return final, runErr
}

// run executes the pipeline stages against an existing record. Any
// returned error has already been recorded on the change request.
func (e *Executor) run(ctx context.Context, logger *slog.Logger, requestID string, request Request) error {
	// Stage: provision.
	start := e.clock.Now()
	provisionCtx, cancelProvision := context.WithTimeout(ctx, e.config.ProvisionTimeout)
	handle, err := e.provider.Provision(provisionCtx, e.config.Template)
	cancelProvision()
	if err != nil {
		return e.fail(ctx, logger, requestID, "provision", err)
	}
	if err := e.registry.Register(request.SessionID, handle); err != nil {
		if killErr := handle.Kill(); killErr != nil {
			logger.Error("sandbox teardown after failed registration", "error", killErr)
		}
		return e.fail(ctx, logger, requestID, "provision", err)
	}
	defer func() {
		e.registry.Unregister(request.SessionID)
		if err := handle.Kill(); err != nil {
			logger.Error("sandbox teardown failed", "environment", handle.ID(), "error", err)
		}
	}()
	logger.Info("pipeline stage", "stage", "provision", "environment", handle.ID(), "duration", e.clock.Now().Sub(start))

	if err := e.transition(ctx, requestID, schema.StatusPending, schema.StatusProvisioning); err != nil {
		return e.fail(ctx, logger, requestID, "provision", err)
	}

	// Stage: clone.
	start = e.clock.Now()
	repository, err := e.forge.GetRepository(ctx, e.config.Repo)
	if err != nil {
		return e.fail(ctx, logger, requestID, "clone", err)
	}
	cloneURL, err := authenticatedCloneURL(repository.CloneURL, e.config.Token)
	if err != nil {
		return e.fail(ctx, logger, requestID, "clone", err)
	}
	branch := e.config.BranchPrefix + requestID
	cloneCommands := strings.Join([]string{
		fmt.Sprintf("git clone --depth 50 --branch %s %s repo", shellQuote(repository.DefaultBranch), shellQuote(cloneURL)),
		"git -C repo config user.name patchflow",
		"git -C repo config user.email patchflow@localhost",
		fmt.Sprintf("git -C repo checkout -b %s", shellQuote(branch)),
	}, " && ")
	if _, err := e.exec(ctx, handle, cloneCommands); err != nil {
		return e.fail(ctx, logger, requestID, "clone", err)
	}
	logger.Info("pipeline stage", "stage", "clone", "branch", branch, "duration", e.clock.Now().Sub(start))

	if err := e.transition(ctx, requestID, schema.StatusProvisioning, schema.StatusRunningAgent); err != nil {
		return e.fail(ctx, logger, requestID, "clone", err)
	}

	// Stage: agent.
	start = e.clock.Now()
	instructions, err := e.policy.Instructions(request.Skill, request.ScreenContext)
	if err != nil {
		return e.fail(ctx, logger, requestID, "agent", err)
	}
	instructions += "\n\n## Task\n\n" + request.Prompt + "\n"

	agentCtx, cancelAgent := context.WithTimeout(ctx, e.config.AgentTimeout)
	agentResult, agentErr := handle.Exec(agentCtx, "cd repo && "+e.config.AgentCommand, gitEnv(), instructions)
	cancelAgent()

	transcript := agentResult.Stdout
	if agentResult.Stderr != "" {
		transcript += "\n--- stderr ---\n" + agentResult.Stderr
	}
	if transcript != "" {
		if err := e.store.PutTranscript(context.WithoutCancel(ctx), requestID, transcript); err != nil {
			logger.Error("storing transcript", "error", err)
		}
	}
	if agentErr != nil {
		return e.fail(ctx, logger, requestID, "agent", agentErr)
	}
	if agentResult.ExitCode != 0 {
		return e.fail(ctx, logger, requestID, "agent",
			fmt.Errorf("agent exited %d: %s", agentResult.ExitCode, tail(agentResult.Stderr)))
	}
	logger.Info("pipeline stage", "stage", "agent", "duration", e.clock.Now().Sub(start))

	// Stage: policy. The capstone check runs against what the agent
	// actually changed; a violation aborts before anything leaves
	// the sandbox.
	statusOutput, err := e.exec(ctx, handle, "git -C repo status --porcelain")
	if err != nil {
		return e.fail(ctx, logger, requestID, "policy", err)
	}
	changed := parseChangedFiles(statusOutput)
	if len(changed) == 0 {
		return e.fail(ctx, logger, requestID, "policy", fmt.Errorf("agent made no file changes"))
	}
	if err := e.policy.CheckChangedFiles(request.Skill, changed); err != nil {
		return e.fail(ctx, logger, requestID, "policy", err)
	}
	logger.Info("pipeline stage", "stage", "policy", "changed_files", len(changed))

	if err := e.transition(ctx, requestID, schema.StatusRunningAgent, schema.StatusCommitting); err != nil {
		return e.fail(ctx, logger, requestID, "policy", err)
	}

	// Stage: commit and push.
	start = e.clock.Now()
	message := e.config.CommitPrefix + commitSummary(request.Prompt)
	commitCommands := strings.Join([]string{
		"git -C repo add -A",
		fmt.Sprintf("git -C repo commit -m %s", shellQuote(message)),
		fmt.Sprintf("git -C repo push origin %s", shellQuote(branch)),
	}, " && ")
	if _, err := e.exec(ctx, handle, commitCommands); err != nil {
		return e.fail(ctx, logger, requestID, "commit", err)
	}
	headSHA, err := e.exec(ctx, handle, "git -C repo rev-parse HEAD")
	if err != nil {
		return e.fail(ctx, logger, requestID, "commit", err)
	}
	headSHA = strings.TrimSpace(headSHA)
	logger.Info("pipeline stage", "stage", "commit", "head_sha", headSHA, "duration", e.clock.Now().Sub(start))

	// Stage: pull request. The branch is already on the remote; if
	// PR creation fails the error names it so an operator can
	// recover the work. The branch is never deleted automatically.
	pullRequest, err := e.forge.CreatePullRequest(ctx, e.config.Repo, forge.NewPullRequest{
		Title: message,
		Body:  e.renderPRBody(request, changed),
		Head:  branch,
		Base:  repository.DefaultBranch,
	})
	if err != nil {
		return e.fail(ctx, logger, requestID, "pull_request",
			fmt.Errorf("branch %s is pushed but opening the pull request failed: %w", branch, err))
	}
	if err := e.store.SetPR(ctx, requestID, pullRequest.Number, pullRequest.HTMLURL, branch, headSHA); err != nil {
		return e.fail(ctx, logger, requestID, "pull_request", err)
	}
	if err := e.transition(ctx, requestID, schema.StatusCommitting, schema.StatusPROpened); err != nil {
		return e.fail(ctx, logger, requestID, "pull_request", err)
	}

	logger.Info("pipeline complete", "pr_number", pullRequest.Number, "pr_url", pullRequest.HTMLURL)
	return nil
}

// transition advances the request's status with a compare-and-set. A
// transition that does not apply means the record moved concurrently
// (an operator kill marked it failed); the run stops.
func (e *Executor) transition(ctx context.Context, requestID string, from, to schema.Status) error {
	applied, err := e.store.TransitionStatus(ctx, requestID, from, to)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("request left status %s concurrently", from)
	}
	return nil
}

// fail records the stage failure on the change request and returns
// the error for the caller. Cancellation is named "cancelled" rather
// than leaking context plumbing into the record.
func (e *Executor) fail(ctx context.Context, logger *slog.Logger, requestID, stage string, cause error) error {
	message := cause.Error()
	if ctx.Err() != nil {
		message = "cancelled"
	}

	applied, err := e.store.FailChangeRequest(context.WithoutCancel(ctx), requestID, stage, message)
	if err != nil {
		logger.Error("recording pipeline failure", "stage", stage, "cause", message, "error", err)
	} else if applied {
		logger.Warn("pipeline failed", "stage", stage, "cause", message)
	}
	return fmt.Errorf("pipeline: %s: %s", stage, message)
}

// exec runs one git command inside the sandbox with the per-command
// timeout and returns its stdout. A non-zero exit is an error carrying
// the stderr tail.
func (e *Executor) exec(ctx context.Context, handle sandbox.Handle, command string) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, e.config.ExecTimeout)
	defer cancel()

	result, err := handle.Exec(execCtx, command, gitEnv(), "")
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("command exited %d: %s", result.ExitCode, tail(result.Stderr))
	}
	return result.Stdout, nil
}

func (e *Executor) renderPRBody(request Request, changed []string) string {
	template := e.config.PRTemplate
	if template == "" {
		template = defaultPRTemplate
	}
	fileList := "- " + strings.Join(changed, "\n- ")
	return strings.NewReplacer(
		"%SUMMARY%", commitSummary(request.Prompt),
		"%FILES%", fileList,
		"%SKILL%", request.Skill,
		"%OPERATOR%", request.Operator,
	).Replace(template)
}

func gitEnv() map[string]string {
	return map[string]string{"GIT_TERMINAL_PROMPT": "0"}
}

// tail returns the last few lines of command output for error
// messages.
func tail(output string) string {
	output = strings.TrimSpace(output)
	lines := strings.Split(output, "\n")
	const keep = 5
	if len(lines) > keep {
		lines = lines[len(lines)-keep:]
	}
	return strings.Join(lines, "\n")
}
