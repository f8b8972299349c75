// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// ConfigEnvVar names the environment variable that locates the config
// file when --config is not passed.
const ConfigEnvVar = "PATCHFLOW_CONFIG"

// Config is the master configuration for the Patchflow service.
type Config struct {
	// Environment identifies the deployment type (development,
	// staging, production).
	Environment Environment `yaml:"environment"`

	// Listen is the TCP listen address for the HTTP server
	// (webhook, kill, message endpoints).
	Listen string `yaml:"listen"`

	// DataDir is the directory holding the SQLite database and the
	// policy ruleset file.
	DataDir string `yaml:"data_dir"`

	// Forge configures the hosted version-control platform.
	Forge ForgeConfig `yaml:"forge"`

	// Model configures the conversational model backing the
	// operator message loop.
	Model ModelConfig `yaml:"model"`

	// Sandbox configures the execution environment provider.
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Pipeline configures the change pipeline.
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Per-environment overrides, applied after the base config is
	// loaded when the section matches Environment.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains fields that can be overridden per environment.
type Overrides struct {
	Listen   string          `yaml:"listen,omitempty"`
	DataDir  string          `yaml:"data_dir,omitempty"`
	Forge    *ForgeConfig    `yaml:"forge,omitempty"`
	Model    *ModelConfig    `yaml:"model,omitempty"`
	Sandbox  *SandboxConfig  `yaml:"sandbox,omitempty"`
	Pipeline *PipelineConfig `yaml:"pipeline,omitempty"`
}

// ModelConfig configures the conversational model provider.
type ModelConfig struct {
	// APIBaseURL is the provider endpoint. Defaults to the hosted
	// Anthropic API; tests point this at a local server.
	APIBaseURL string `yaml:"api_base_url"`

	// Name is the model identifier sent with each request.
	Name string `yaml:"name"`

	// MaxTokens caps the response length per turn.
	MaxTokens int `yaml:"max_tokens"`

	// APIKeyEnv names the environment variable holding the API
	// key. The key itself never appears in config files.
	APIKeyEnv string `yaml:"api_key_env"`
}

// ForgeConfig configures the GitHub integration.
type ForgeConfig struct {
	// Repository is the target repository in "owner/name" form.
	Repository string `yaml:"repository"`

	// APIBaseURL overrides the GitHub API endpoint. Defaults to
	// https://api.github.com. Tests point this at a local server.
	APIBaseURL string `yaml:"api_base_url"`

	// TokenEnv names the environment variable holding the API
	// token. The token itself never appears in config files.
	TokenEnv string `yaml:"token_env"`

	// WebhookSecretEnv names the environment variable holding the
	// webhook HMAC secret. An empty or unset secret disables
	// signature verification, which is only permitted in the
	// development environment.
	WebhookSecretEnv string `yaml:"webhook_secret_env"`
}

// SandboxConfig configures the execution environment provider.
type SandboxConfig struct {
	// Template is the environment template passed to the provider
	// on provisioning.
	Template string `yaml:"template"`

	// WorkDir is the parent directory for per-session working
	// directories (local provider).
	WorkDir string `yaml:"work_dir"`

	// ProvisionTimeout bounds environment provisioning.
	ProvisionTimeout time.Duration `yaml:"provision_timeout"`

	// ExecTimeout is the per-command timeout inside the
	// environment. The agent run uses Pipeline.AgentTimeout
	// instead.
	ExecTimeout time.Duration `yaml:"exec_timeout"`
}

// PipelineConfig configures the change pipeline.
type PipelineConfig struct {
	// BranchPrefix is prepended to the change request ID to form
	// the feature branch name.
	BranchPrefix string `yaml:"branch_prefix"`

	// CommitPrefix is prepended to the commit message.
	CommitPrefix string `yaml:"commit_prefix"`

	// AgentCommand is the coding agent CLI invoked inside the
	// sandbox. The instruction text is passed on stdin.
	AgentCommand string `yaml:"agent_command"`

	// AgentTimeout is the hard wall-clock budget for one agent run.
	AgentTimeout time.Duration `yaml:"agent_timeout"`

	// MaxToolRounds bounds the conversational model's tool-calling
	// loop for a single operator message.
	MaxToolRounds int `yaml:"max_tool_rounds"`

	// PRTemplate is the pull request body template. The verbs
	// %SUMMARY%, %FILES%, %SKILL%, and %OPERATOR% are interpolated.
	PRTemplate string `yaml:"pr_template"`
}

// Load reads the config file from the given path, or from
// PATCHFLOW_CONFIG when path is empty. There are no fallbacks or
// automatic discovery — deterministic, auditable configuration with
// no hidden overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(ConfigEnvVar)
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file: pass --config or set %s", ConfigEnvVar)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a config document, applying the
// environment override section that matches Environment.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parsing: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = Development
	}
	if c.Listen == "" {
		c.Listen = ":8484"
	}
	if c.Forge.APIBaseURL == "" {
		c.Forge.APIBaseURL = "https://api.github.com"
	}
	if c.Model.APIBaseURL == "" {
		c.Model.APIBaseURL = "https://api.anthropic.com"
	}
	if c.Model.MaxTokens == 0 {
		c.Model.MaxTokens = 4096
	}
	if c.Sandbox.ProvisionTimeout == 0 {
		c.Sandbox.ProvisionTimeout = 2 * time.Minute
	}
	if c.Sandbox.ExecTimeout == 0 {
		c.Sandbox.ExecTimeout = 5 * time.Minute
	}
	if c.Pipeline.BranchPrefix == "" {
		c.Pipeline.BranchPrefix = "patchflow/"
	}
	if c.Pipeline.CommitPrefix == "" {
		c.Pipeline.CommitPrefix = "patchflow: "
	}
	if c.Pipeline.AgentTimeout == 0 {
		c.Pipeline.AgentTimeout = 10 * time.Minute
	}
	if c.Pipeline.MaxToolRounds == 0 {
		c.Pipeline.MaxToolRounds = 8
	}
}

// applyOverrides merges the environment section matching Environment
// into the base config. Only non-zero override fields are applied.
func (c *Config) applyOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Listen != "" {
		c.Listen = overrides.Listen
	}
	if overrides.DataDir != "" {
		c.DataDir = overrides.DataDir
	}
	if overrides.Forge != nil {
		mergeForge(&c.Forge, overrides.Forge)
	}
	if overrides.Model != nil {
		mergeModel(&c.Model, overrides.Model)
	}
	if overrides.Sandbox != nil {
		mergeSandbox(&c.Sandbox, overrides.Sandbox)
	}
	if overrides.Pipeline != nil {
		mergePipeline(&c.Pipeline, overrides.Pipeline)
	}
}

func mergeForge(base, override *ForgeConfig) {
	if override.Repository != "" {
		base.Repository = override.Repository
	}
	if override.APIBaseURL != "" {
		base.APIBaseURL = override.APIBaseURL
	}
	if override.TokenEnv != "" {
		base.TokenEnv = override.TokenEnv
	}
	if override.WebhookSecretEnv != "" {
		base.WebhookSecretEnv = override.WebhookSecretEnv
	}
}

func mergeModel(base, override *ModelConfig) {
	if override.APIBaseURL != "" {
		base.APIBaseURL = override.APIBaseURL
	}
	if override.Name != "" {
		base.Name = override.Name
	}
	if override.MaxTokens != 0 {
		base.MaxTokens = override.MaxTokens
	}
	if override.APIKeyEnv != "" {
		base.APIKeyEnv = override.APIKeyEnv
	}
}

func mergeSandbox(base, override *SandboxConfig) {
	if override.Template != "" {
		base.Template = override.Template
	}
	if override.WorkDir != "" {
		base.WorkDir = override.WorkDir
	}
	if override.ProvisionTimeout != 0 {
		base.ProvisionTimeout = override.ProvisionTimeout
	}
	if override.ExecTimeout != 0 {
		base.ExecTimeout = override.ExecTimeout
	}
}

func mergePipeline(base, override *PipelineConfig) {
	if override.BranchPrefix != "" {
		base.BranchPrefix = override.BranchPrefix
	}
	if override.CommitPrefix != "" {
		base.CommitPrefix = override.CommitPrefix
	}
	if override.AgentCommand != "" {
		base.AgentCommand = override.AgentCommand
	}
	if override.AgentTimeout != 0 {
		base.AgentTimeout = override.AgentTimeout
	}
	if override.MaxToolRounds != 0 {
		base.MaxToolRounds = override.MaxToolRounds
	}
	if override.PRTemplate != "" {
		base.PRTemplate = override.PRTemplate
	}
}

// Validate checks structural requirements. The webhook secret policy
// is checked separately by WebhookSecret, since it depends on the
// process environment, not the config document.
func (c *Config) Validate() error {
	switch c.Environment {
	case Development, Staging, Production:
	default:
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if c.Forge.Repository == "" {
		return errors.New("config: forge.repository is required")
	}
	if c.Model.Name == "" {
		return errors.New("config: model.name is required")
	}
	if c.Pipeline.AgentCommand == "" {
		return errors.New("config: pipeline.agent_command is required")
	}
	return nil
}

// WebhookSecret resolves the webhook HMAC secret from the process
// environment. A missing secret means signature verification is
// disabled; that is a startup error in staging and production and a
// loudly-logged degradation in development (the caller logs it).
func (c *Config) WebhookSecret() ([]byte, error) {
	if c.Forge.WebhookSecretEnv == "" {
		return nil, c.insecureWebhookError("forge.webhook_secret_env is not configured")
	}
	secret := os.Getenv(c.Forge.WebhookSecretEnv)
	if secret == "" {
		return nil, c.insecureWebhookError(c.Forge.WebhookSecretEnv + " is empty or unset")
	}
	return []byte(secret), nil
}

// ErrVerificationDisabled signals that webhook verification is off.
// Only returned in the development environment; elsewhere the missing
// secret is a hard error.
var ErrVerificationDisabled = errors.New("config: webhook signature verification disabled")

func (c *Config) insecureWebhookError(cause string) error {
	if c.Environment == Development {
		return fmt.Errorf("%w: %s", ErrVerificationDisabled, cause)
	}
	return fmt.Errorf("config: webhook secret required in %s: %s", c.Environment, cause)
}

// ModelAPIKey resolves the model provider API key from the process
// environment.
func (c *Config) ModelAPIKey() (string, error) {
	if c.Model.APIKeyEnv == "" {
		return "", errors.New("config: model.api_key_env is not configured")
	}
	key := os.Getenv(c.Model.APIKeyEnv)
	if key == "" {
		return "", fmt.Errorf("config: %s is empty or unset", c.Model.APIKeyEnv)
	}
	return key, nil
}

// ForgeToken resolves the GitHub API token from the process
// environment.
func (c *Config) ForgeToken() (string, error) {
	if c.Forge.TokenEnv == "" {
		return "", errors.New("config: forge.token_env is not configured")
	}
	token := os.Getenv(c.Forge.TokenEnv)
	if token == "" {
		return "", fmt.Errorf("config: %s is empty or unset", c.Forge.TokenEnv)
	}
	return token, nil
}
