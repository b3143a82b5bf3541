// Package config loads and defaults the daemon configuration.
//
// Config is read once at startup from a JSON5 file, then overlaid with
// SHIP_* environment variables. Env vars win so secrets can stay out of
// the file entirely.
package config

import (
	"path/filepath"
	"time"

	"github.com/shipworks/ship/internal/egress/feishu"
	"github.com/shipworks/ship/internal/egress/qq"
	"github.com/shipworks/ship/internal/egress/telegram"
	"github.com/shipworks/ship/internal/mcp"
	"github.com/shipworks/ship/internal/scheduler"
	"github.com/shipworks/ship/internal/task"
	"github.com/shipworks/ship/internal/tracing"
	"github.com/shipworks/ship/internal/transcript"
)

// Config is the root configuration for the ship daemon.
type Config struct {
	// Root holds runtime state under <Root>/.ship: transcripts, task
	// runs, the memory index. Defaults to "." so state sits next to the
	// repository being served, the way .git does.
	Root string `json:"root,omitempty"`

	Agent      AgentConfig                 `json:"agent"`
	Providers  ProvidersConfig             `json:"providers"`
	Scheduler  scheduler.Config            `json:"scheduler"`
	Compaction CompactionConfig            `json:"compaction"`
	Egress     EgressConfig                `json:"egress"`
	MCPServers map[string]mcp.ServerConfig `json:"mcpServers,omitempty"`
	Skills     SkillsConfig                `json:"skills"`
	Memory     MemoryConfig                `json:"memory"`
	Approval   ApprovalConfig              `json:"approval"`
	Telemetry  tracing.Config              `json:"telemetry,omitempty"`
	Tasks      []task.Task                 `json:"tasks,omitempty"`
}

// AgentConfig tunes the run loop shared by every conversation.
type AgentConfig struct {
	// Workspace is where shell sessions run and what the prompt header
	// names. Default ".".
	Workspace string `json:"workspace,omitempty"`
	// Provider picks the default LLM backend: "anthropic" or "openai".
	Provider string `json:"provider,omitempty"`
	// Model overrides the provider's default model.
	Model          string `json:"model,omitempty"`
	MaxSteps       int    `json:"maxSteps,omitempty"`       // LLM rounds per run (default 12)
	StepTimeoutSec int    `json:"stepTimeoutSec,omitempty"` // per-step deadline (default 120)
	MaxTokens      int    `json:"maxTokens,omitempty"`      // completion cap per step (default 8192)
}

// ProvidersConfig holds LLM backend credentials.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic,omitempty"`
	OpenAI    ProviderConfig `json:"openai,omitempty"`
}

// ProviderConfig is one backend's credentials and model choice.
type ProviderConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	APIBase string `json:"apiBase,omitempty"`
	Model   string `json:"model,omitempty"`
}

// CompactionConfig bounds per-chat history growth. Values land in each
// transcript's meta.json on first open.
type CompactionConfig struct {
	KeepLastMessages     int `json:"keepLastMessages,omitempty"`     // tail kept verbatim (default 30)
	MaxInputTokensApprox int `json:"maxInputTokensApprox,omitempty"` // fold above this estimate (default 16000)
}

// EgressConfig declares chat platform credentials. A nil section leaves
// that dispatcher unregistered.
type EgressConfig struct {
	Telegram *telegram.Config `json:"telegram,omitempty"`
	Feishu   *feishu.Config   `json:"feishu,omitempty"`
	QQ       *qq.Config       `json:"qq,omitempty"`
}

// SkillsConfig locates the markdown skill library.
type SkillsConfig struct {
	// Dir defaults to <workspace>/skills.
	Dir string `json:"dir,omitempty"`
	// AutoPin makes skill_load pin loaded skills into the chat's meta so
	// they persist across runs.
	AutoPin bool `json:"autoPin,omitempty"`
}

// MemoryConfig controls the post-run memory hook. A nil Enabled means
// on.
type MemoryConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// Path defaults to <root>/.ship/memory/ship.db.
	Path string `json:"path,omitempty"`
	// PromptFacts is how many recorded facts the system prompt carries
	// (default 10).
	PromptFacts int `json:"promptFacts,omitempty"`
}

// IsEnabled reports whether the memory hook should be wired.
func (m MemoryConfig) IsEnabled() bool { return m.Enabled == nil || *m.Enabled }

// ApprovalConfig tunes human-approval gating for MCP tools.
type ApprovalConfig struct {
	TimeoutSec int `json:"timeoutSec,omitempty"` // pending ask expiry (default 300)
}

// Default returns a Config with every default filled in. Load starts
// from this, so absent file keys keep their defaults while explicit
// zeros stick.
func Default() *Config {
	return &Config{
		Root: ".",
		Agent: AgentConfig{
			Workspace:      ".",
			Provider:       "anthropic",
			MaxSteps:       12,
			StepTimeoutSec: 120,
			MaxTokens:      8192,
		},
		Scheduler: scheduler.DefaultConfig(),
		Compaction: CompactionConfig{
			KeepLastMessages:     transcript.DefaultKeepLastMessages,
			MaxInputTokensApprox: transcript.DefaultMaxInputTokensApprox,
		},
		Skills: SkillsConfig{
			AutoPin: true,
		},
		Memory: MemoryConfig{
			PromptFacts: 10,
		},
		Approval: ApprovalConfig{
			TimeoutSec: 300,
		},
	}
}

// StateRoot returns the expanded directory that .ship/ lives under.
func (c *Config) StateRoot() string {
	if c.Root == "" {
		return "."
	}
	return ExpandHome(c.Root)
}

// WorkspacePath returns the expanded agent workspace.
func (c *Config) WorkspacePath() string {
	if c.Agent.Workspace == "" {
		return "."
	}
	return ExpandHome(c.Agent.Workspace)
}

// SkillsDir returns the expanded skill library directory.
func (c *Config) SkillsDir() string {
	if c.Skills.Dir != "" {
		return ExpandHome(c.Skills.Dir)
	}
	return filepath.Join(c.WorkspacePath(), "skills")
}

// StepTimeout returns the per-step deadline as a duration.
func (c *Config) StepTimeout() time.Duration {
	if c.Agent.StepTimeoutSec <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.Agent.StepTimeoutSec) * time.Second
}

// ApprovalTimeout returns the approval expiry as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	if c.Approval.TimeoutSec <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.Approval.TimeoutSec) * time.Second
}
