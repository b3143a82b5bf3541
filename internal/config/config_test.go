package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shipworks/ship/internal/scheduler"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	if cfg.Root != "." {
		t.Errorf("Root = %q, want .", cfg.Root)
	}
	if cfg.Agent.Provider != "anthropic" {
		t.Errorf("Agent.Provider = %q", cfg.Agent.Provider)
	}
	if cfg.Agent.MaxSteps != 12 || cfg.Agent.MaxTokens != 8192 {
		t.Errorf("agent defaults = %+v", cfg.Agent)
	}
	if cfg.Scheduler != scheduler.DefaultConfig() {
		t.Errorf("Scheduler = %+v, want %+v", cfg.Scheduler, scheduler.DefaultConfig())
	}
	if cfg.Compaction.KeepLastMessages != 30 || cfg.Compaction.MaxInputTokensApprox != 16000 {
		t.Errorf("Compaction = %+v", cfg.Compaction)
	}
	if !cfg.Memory.IsEnabled() {
		t.Error("memory should default to enabled")
	}
	if cfg.Memory.PromptFacts != 10 {
		t.Errorf("PromptFacts = %d", cfg.Memory.PromptFacts)
	}
	if !cfg.Skills.AutoPin {
		t.Error("skill auto-pin should default to on")
	}
	if cfg.StepTimeout() != 120*time.Second {
		t.Errorf("StepTimeout = %v", cfg.StepTimeout())
	}
	if cfg.ApprovalTimeout() != 300*time.Second {
		t.Errorf("ApprovalTimeout = %v", cfg.ApprovalTimeout())
	}
	if cfg.Egress.Telegram != nil || cfg.Egress.Feishu != nil || cfg.Egress.QQ != nil {
		t.Error("egress sections should default to nil")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if cfg.Agent.Provider != "anthropic" || cfg.Scheduler.MaxConcurrency != 2 {
		t.Errorf("missing file did not yield defaults: %+v", cfg)
	}
}

func TestLoadOverlaysJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
	// ship daemon config
	root: "/srv/botstate",
	agent: {
		model: "claude-sonnet-4-5-20250929",
		maxSteps: 6,
	},
	providers: {
		anthropic: { apiKey: "sk-file" },
	},
	scheduler: {
		maxConcurrency: 0, // paused until resumed by hand
	},
	egress: {
		telegram: { token: "123:abc", messagesPerSecond: 2 },
	},
	mcpServers: {
		files: { transport: "stdio", command: "mcp-files", needsApproval: true },
	},
	tasks: [
		{ id: "daily", schedule: "0 9 * * *", query: "summarize overnight alerts", chatKey: "telegram-chat-5" },
	],
}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Root != "/srv/botstate" {
		t.Errorf("Root = %q", cfg.Root)
	}
	if cfg.Agent.Model != "claude-sonnet-4-5-20250929" || cfg.Agent.MaxSteps != 6 {
		t.Errorf("Agent = %+v", cfg.Agent)
	}
	// Absent agent fields keep their defaults.
	if cfg.Agent.MaxTokens != 8192 {
		t.Errorf("MaxTokens = %d, want default 8192", cfg.Agent.MaxTokens)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-file" {
		t.Errorf("Anthropic.APIKey = %q", cfg.Providers.Anthropic.APIKey)
	}
	// An explicit zero pauses the scheduler; it is not "unset".
	if cfg.Scheduler.MaxConcurrency != 0 {
		t.Errorf("MaxConcurrency = %d, want explicit 0", cfg.Scheduler.MaxConcurrency)
	}
	if !cfg.Scheduler.EnableCorrectionMerge {
		t.Error("absent correction merge flag should keep default true")
	}
	if cfg.Egress.Telegram == nil || cfg.Egress.Telegram.Token != "123:abc" {
		t.Errorf("Egress.Telegram = %+v", cfg.Egress.Telegram)
	}
	if cfg.Egress.Feishu != nil {
		t.Error("absent feishu section should stay nil")
	}
	srv, ok := cfg.MCPServers["files"]
	if !ok || srv.Transport != "stdio" || !srv.NeedsApproval {
		t.Errorf("MCPServers[files] = %+v", srv)
	}
	if len(cfg.Tasks) != 1 || cfg.Tasks[0].ID != "daily" || cfg.Tasks[0].ChatKey != "telegram-chat-5" {
		t.Errorf("Tasks = %+v", cfg.Tasks)
	}
}

func TestLoadExplicitAutoPinOff(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{skills: {autoPin: false}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Skills.AutoPin {
		t.Error("explicit autoPin: false should override the default")
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{ root: "), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SHIP_ANTHROPIC_API_KEY", "sk-env")
	t.Setenv("SHIP_MODEL", "claude-opus-4-1")
	t.Setenv("SHIP_TELEGRAM_TOKEN", "999:env")
	t.Setenv("SHIP_QQ_APP_ID", "qq-app")
	t.Setenv("SHIP_QQ_SECRET", "qq-secret")
	t.Setenv("SHIP_MAX_CONCURRENCY", "4")
	t.Setenv("SHIP_TELEMETRY_ENABLED", "1")
	t.Setenv("SHIP_TELEMETRY_ENDPOINT", "localhost:4317")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Providers.Anthropic.APIKey != "sk-env" {
		t.Errorf("APIKey = %q", cfg.Providers.Anthropic.APIKey)
	}
	if cfg.Agent.Model != "claude-opus-4-1" {
		t.Errorf("Model = %q", cfg.Agent.Model)
	}
	if cfg.Egress.Telegram == nil || cfg.Egress.Telegram.Token != "999:env" {
		t.Errorf("telegram env override missing: %+v", cfg.Egress.Telegram)
	}
	if cfg.Egress.QQ == nil || cfg.Egress.QQ.AppID != "qq-app" || cfg.Egress.QQ.Secret != "qq-secret" {
		t.Errorf("qq env override missing: %+v", cfg.Egress.QQ)
	}
	if cfg.Scheduler.MaxConcurrency != 4 {
		t.Errorf("MaxConcurrency = %d", cfg.Scheduler.MaxConcurrency)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint != "localhost:4317" {
		t.Errorf("Telemetry = %+v", cfg.Telemetry)
	}
}

func TestEnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{providers: {anthropic: {apiKey: "sk-file"}}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SHIP_ANTHROPIC_API_KEY", "sk-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-env" {
		t.Errorf("APIKey = %q, want env value", cfg.Providers.Anthropic.APIKey)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := Default()
	cfg.Root = "/srv/botstate"
	cfg.Agent.Model = "gpt-4o"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config mode = %o, want 600", got)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".config-") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}

	back, err := Load(path)
	if err != nil {
		t.Fatalf("Load saved config: %v", err)
	}
	if back.Root != "/srv/botstate" || back.Agent.Model != "gpt-4o" {
		t.Errorf("round trip = %+v", back)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"~", home},
		{"~/state", filepath.Join(home, "state")},
		{"/abs/path", "/abs/path"},
		{"relative", "relative"},
		{"~user/state", "~user/state"}, // other-user expansion unsupported
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.Agent.Workspace = "/repo"
	if got := cfg.SkillsDir(); got != filepath.Join("/repo", "skills") {
		t.Errorf("SkillsDir = %q", got)
	}
	cfg.Skills.Dir = "/elsewhere/skills"
	if got := cfg.SkillsDir(); got != "/elsewhere/skills" {
		t.Errorf("SkillsDir override = %q", got)
	}

	cfg.Agent.StepTimeoutSec = 30
	if got := cfg.StepTimeout(); got != 30*time.Second {
		t.Errorf("StepTimeout = %v", got)
	}
	cfg.Approval.TimeoutSec = -1
	if got := cfg.ApprovalTimeout(); got != 300*time.Second {
		t.Errorf("ApprovalTimeout = %v, want default for non-positive", got)
	}

	cfg.Root = ""
	if got := cfg.StateRoot(); got != "." {
		t.Errorf("StateRoot = %q", got)
	}
}
