package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shipworks/ship/internal/agent"
	"github.com/shipworks/ship/internal/approval"
	"github.com/shipworks/ship/internal/chatkey"
	"github.com/shipworks/ship/internal/config"
	"github.com/shipworks/ship/internal/conversations"
	"github.com/shipworks/ship/internal/egress"
	"github.com/shipworks/ship/internal/egress/feishu"
	"github.com/shipworks/ship/internal/egress/qq"
	"github.com/shipworks/ship/internal/egress/telegram"
	"github.com/shipworks/ship/internal/mcp"
	"github.com/shipworks/ship/internal/memory"
	"github.com/shipworks/ship/internal/msg"
	"github.com/shipworks/ship/internal/providers"
	"github.com/shipworks/ship/internal/shell"
	"github.com/shipworks/ship/internal/skills"
	"github.com/shipworks/ship/internal/sysprompt"
	"github.com/shipworks/ship/internal/task"
	"github.com/shipworks/ship/internal/tools"
	"github.com/shipworks/ship/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent daemon",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

const identityPrompt = `You are ship, an agent operating this repository on behalf of its chat
users. Be direct and concrete. Your final message is delivered to the
chat automatically; use chat_send only for progress updates mid-run or
to reach a different chat.`

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry is best-effort; a missing collector never blocks startup.
	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("Telemetry setup failed", "error", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				slog.Warn("Telemetry flush failed", "error", err)
			}
		}()
	}

	// Shell sessions and the prompt header carry these paths; make them
	// absolute once instead of at every use.
	root, err := filepath.Abs(cfg.StateRoot())
	if err != nil {
		slog.Error("State root resolution failed", "root", cfg.StateRoot(), "error", err)
		os.Exit(1)
	}
	workspace, err := filepath.Abs(cfg.WorkspacePath())
	if err != nil {
		slog.Error("Workspace resolution failed", "workspace", cfg.WorkspacePath(), "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		slog.Error("Workspace creation failed", "workspace", workspace, "error", err)
		os.Exit(1)
	}

	providerReg := providers.NewRegistry()
	registerProviders(providerReg, cfg)
	if _, err := providerReg.Default(); err != nil {
		slog.Error("No LLM provider configured; set providers.anthropic.apiKey or SHIP_ANTHROPIC_API_KEY")
		os.Exit(1)
	}

	skillsDir := resolveSkillsDir(cfg, workspace)
	library := skills.NewLibrary(skillsDir)
	if err := library.Load(); err != nil {
		slog.Warn("Skill library load failed", "dir", skillsDir, "error", err)
	}
	if err := library.Watch(); err != nil {
		slog.Warn("Skill watcher unavailable", "error", err)
	}
	defer library.Close()

	shells := shell.NewManager(shell.Config{})
	defer shells.Shutdown()

	// Without a prompter every approval-gated tool call is denied, which
	// is the safe default for a headless daemon.
	approvals := approval.NewBroker(nil, cfg.ApprovalTimeout())

	egressReg := egress.NewRegistry()
	registerDispatchers(egressReg, cfg)

	// The router reads reply context through the manager's stores. The
	// manager is built below; sends only happen once runs are flowing,
	// so the late binding is safe.
	var mgr *conversations.Manager
	router := egress.NewRouter(egressReg, func(chatKey string) ([]msg.Message, error) {
		st, err := mgr.Store(chatKey)
		if err != nil {
			return nil, err
		}
		return st.LoadAll()
	})

	toolsReg := tools.NewRegistry()
	toolsReg.SetApprovalBroker(approvals)
	toolsReg.Register(tools.NewSendTool(router))
	toolsReg.Register(tools.NewContactSendTool(router))
	toolsReg.Register(tools.NewExecCommandTool(shells, workspace))
	toolsReg.Register(tools.NewWriteStdinTool(shells))
	toolsReg.Register(tools.NewCloseShellTool(shells))

	var memStore *memory.Store
	if cfg.Memory.IsEnabled() {
		path := config.ExpandHome(cfg.Memory.Path)
		if path == "" {
			path = memory.DefaultPath(root)
		}
		memStore, err = memory.Open(path)
		if err != nil {
			slog.Warn("Memory store unavailable", "path", path, "error", err)
			memStore = nil
		} else {
			defer memStore.Close()
		}
	}

	prompts := sysprompt.NewRegistry()
	prompts.Register(sysprompt.Static("identity", 10, identityPrompt))
	if memStore != nil {
		prompts.Register(memStore.Provider(sysprompt.DefaultOrder, cfg.Memory.PromptFacts))
	}
	prompts.Register(skills.Provider(library, skills.ProviderOrder))

	if len(cfg.MCPServers) > 0 {
		mcpMgr := mcp.NewManager(toolsReg, cfg.MCPServers)
		if err := mcpMgr.Start(ctx); err != nil {
			slog.Warn("MCP startup incomplete", "error", err)
		}
		defer mcpMgr.Stop()
	}

	// The task engine enqueues through the manager and the manager's
	// hook notifies the engine, so the engine binds after construction.
	var engine *task.Engine
	notifyHook := agent.HookFunc(func(ctx context.Context, rec agent.RunRecord) {
		if engine != nil {
			engine.AfterRun(ctx, rec)
		}
	})
	var hooks []agent.RunHook
	if memStore != nil {
		hooks = append(hooks, memStore)
	}
	hooks = append(hooks, notifyHook)

	mgr = conversations.NewManager(conversations.Config{
		Root:                 root,
		Workspace:            workspace,
		Model:                cfg.Agent.Model,
		MaxSteps:             cfg.Agent.MaxSteps,
		StepTimeout:          cfg.StepTimeout(),
		MaxTokens:            cfg.Agent.MaxTokens,
		KeepLastMessages:     cfg.Compaction.KeepLastMessages,
		MaxInputTokensApprox: cfg.Compaction.MaxInputTokensApprox,
		Providers:            providerReg,
		Tools:                toolsReg,
		Prompts:              prompts,
		Sender:               router,
		Shells:               shells,
		Hook:                 agent.Hooks(hooks...),
		Scheduler:            cfg.Scheduler,
	})

	// skill_load persists pins into the chat's transcript meta.
	toolsReg.Register(tools.NewSkillLoadTool(library, func(key chatkey.Key, skillID string) error {
		st, err := mgr.Store(key.String())
		if err != nil {
			return err
		}
		return st.PinSkill(skillID)
	}, cfg.Skills.AutoPin))

	engine, err = task.New(task.Config{Tasks: cfg.Tasks}, mgr, router)
	if err != nil {
		slog.Error("Task configuration invalid", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })

	slog.Info("ship daemon started",
		"version", Version,
		"root", root,
		"workspace", workspace,
		"providers", providerReg.List(),
		"egress", egressReg.Channels(),
		"tools", len(toolsReg.Names()),
		"tasks", len(cfg.Tasks),
		"max_concurrency", cfg.Scheduler.MaxConcurrency)

	if err := g.Wait(); err != nil {
		slog.Error("Background worker failed", "error", err)
	}
	stop()

	slog.Info("Shutdown initiated")
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mgr.Shutdown(drainCtx); err != nil {
		slog.Warn("Scheduler drain incomplete", "error", err)
	}
	slog.Info("ship daemon stopped")
}

// registerProviders builds one LLM provider per configured credential.
// The first registration becomes the registry default; agent.provider
// overrides that when it names a registered provider.
func registerProviders(reg *providers.Registry, cfg *config.Config) {
	if ac := cfg.Providers.Anthropic; ac.APIKey != "" {
		opts := []providers.AnthropicOption{}
		if ac.Model != "" {
			opts = append(opts, providers.WithAnthropicModel(ac.Model))
		}
		if ac.APIBase != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(ac.APIBase))
		}
		reg.Register(providers.NewAnthropicProvider(ac.APIKey, opts...))
		slog.Info("Registered provider", "name", "anthropic")
	}
	if oc := cfg.Providers.OpenAI; oc.APIKey != "" {
		model := oc.Model
		if model == "" {
			model = "gpt-4o"
		}
		reg.Register(providers.NewOpenAIProvider("openai", oc.APIKey, oc.APIBase, model))
		slog.Info("Registered provider", "name", "openai")
	}
	if cfg.Agent.Provider != "" {
		if err := reg.SetDefault(cfg.Agent.Provider); err != nil {
			slog.Warn("Configured provider not registered, keeping first",
				"name", cfg.Agent.Provider, "error", err)
		}
	}
}

// registerDispatchers builds one egress dispatcher per configured
// channel. A failing channel is logged and skipped so the rest of the
// daemon still comes up.
func registerDispatchers(reg *egress.Registry, cfg *config.Config) {
	if tc := cfg.Egress.Telegram; tc != nil && tc.Token != "" {
		d, err := telegram.New(*tc)
		if err != nil {
			slog.Error("Telegram dispatcher init failed", "error", err)
		} else {
			reg.Register(d)
		}
	}
	if fc := cfg.Egress.Feishu; fc != nil && fc.AppID != "" && fc.AppSecret != "" {
		reg.Register(feishu.New(*fc))
	}
	if qc := cfg.Egress.QQ; qc != nil && qc.AppID != "" && qc.Secret != "" {
		reg.Register(qq.New(*qc))
	}
}

func resolveSkillsDir(cfg *config.Config, workspace string) string {
	if cfg.Skills.Dir != "" {
		return config.ExpandHome(cfg.Skills.Dir)
	}
	return filepath.Join(workspace, "skills")
}
