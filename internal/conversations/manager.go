// Package conversations owns the per-chat singletons and the ingress path.
//
// A Manager caches one transcript store and one agent loop per chat key,
// persists inbound text before scheduling it (append-before-enqueue is the
// ordering invariant), and bridges the scheduler to the agent loop without
// either package importing the other.
package conversations

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shipworks/ship/internal/agent"
	"github.com/shipworks/ship/internal/chatkey"
	"github.com/shipworks/ship/internal/msg"
	"github.com/shipworks/ship/internal/providers"
	"github.com/shipworks/ship/internal/scheduler"
	"github.com/shipworks/ship/internal/shell"
	"github.com/shipworks/ship/internal/sysprompt"
	"github.com/shipworks/ship/internal/tools"
	"github.com/shipworks/ship/internal/transcript"
)

// InboundText is one inbound message from a channel adapter, minus the
// chat key it belongs to.
type InboundText struct {
	Text      string
	ActorID   string
	ActorName string
	MessageID string
	ThreadID  string
	ChatType  string
}

// Config wires a Manager.
type Config struct {
	// Root is the state root; transcripts land under <Root>/.ship/.
	Root      string
	Workspace string

	// Model overrides the provider default when set.
	Model       string
	MaxSteps    int
	StepTimeout time.Duration
	MaxTokens   int

	// KeepLastMessages and MaxInputTokensApprox seed the compaction meta
	// of chats opened for the first time. Zero keeps transcript defaults.
	KeepLastMessages     int
	MaxInputTokensApprox int

	Providers *providers.Registry
	Tools     *tools.Registry
	Prompts   *sysprompt.Registry
	Sender    tools.Sender
	Shells    *shell.Manager
	Hook      agent.RunHook

	Scheduler scheduler.Config
}

// Manager owns agent loops and transcript stores keyed by chat key.
type Manager struct {
	cfg   Config
	sched *scheduler.Scheduler

	mu     sync.RWMutex
	agents map[string]*agent.Loop
	stores map[string]*transcript.Store
}

// NewManager builds the manager and its scheduler.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		cfg:    cfg,
		agents: make(map[string]*agent.Loop),
		stores: make(map[string]*transcript.Store),
	}
	m.sched = scheduler.New(cfg.Scheduler, m.runLane)
	return m
}

// Store returns the transcript store for the chat key, opening it on
// first use. Task-run keys land under the task directory tree.
func (m *Manager) Store(chatKey string) (*transcript.Store, error) {
	m.mu.RLock()
	s := m.stores[chatKey]
	m.mu.RUnlock()
	if s != nil {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.stores[chatKey]; s != nil {
		return s, nil
	}
	s, err := transcript.Open(m.cfg.Root, chatKey,
		transcript.WithCompactionDefaults(m.cfg.KeepLastMessages, m.cfg.MaxInputTokensApprox))
	if err != nil {
		return nil, err
	}
	m.stores[chatKey] = s
	return s, nil
}

// Agent returns the agent loop for the chat key, building it on first
// use from the current default provider.
func (m *Manager) Agent(chatKey string) (*agent.Loop, error) {
	m.mu.RLock()
	loop := m.agents[chatKey]
	m.mu.RUnlock()
	if loop != nil {
		return loop, nil
	}

	key, err := chatkey.Parse(chatKey)
	if err != nil {
		return nil, err
	}
	store, err := m.Store(chatKey)
	if err != nil {
		return nil, err
	}
	provider, err := m.cfg.Providers.Default()
	if err != nil {
		return nil, fmt.Errorf("resolve llm provider: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if loop := m.agents[chatKey]; loop != nil {
		return loop, nil
	}
	loop = agent.NewLoop(agent.LoopConfig{
		Key:         key,
		Store:       store,
		Provider:    provider,
		Model:       m.cfg.Model,
		Tools:       m.cfg.Tools,
		Prompts:     m.cfg.Prompts,
		Sender:      m.cfg.Sender,
		Shells:      m.cfg.Shells,
		Hook:        m.cfg.Hook,
		Workspace:   m.cfg.Workspace,
		MaxSteps:    m.cfg.MaxSteps,
		StepTimeout: m.cfg.StepTimeout,
		MaxTokens:   m.cfg.MaxTokens,
	})
	m.agents[chatKey] = loop
	return loop, nil
}

// ClearAgent drops the cached loop so the next access rebuilds it with
// fresh configuration. The store stays cached: it owns the per-chat
// writer lock and must remain the single writer.
func (m *Manager) ClearAgent(chatKey string) {
	m.mu.Lock()
	delete(m.agents, chatKey)
	m.mu.Unlock()
}

// AppendUserMessage persists inbound text as a user message without
// scheduling a run.
func (m *Manager) AppendUserMessage(chatKey string, in InboundText) (msg.Message, error) {
	return m.appendUser(chatKey, in, uuid.NewString())
}

// Enqueue persists the inbound text, then schedules its lane. The append
// always happens first so a run never starts before its input is on
// disk.
func (m *Manager) Enqueue(chatKey string, in InboundText) (scheduler.Position, error) {
	requestID := uuid.NewString()
	if _, err := m.appendUser(chatKey, in, requestID); err != nil {
		return scheduler.Position{}, err
	}
	pos := m.sched.Enqueue(scheduler.Envelope{
		ChatKey:   chatKey,
		Text:      in.Text,
		RequestID: requestID,
		MessageID: in.MessageID,
		ThreadID:  in.ThreadID,
		ChatType:  in.ChatType,
	})
	slog.Info("Inbound message enqueued",
		"chat_key", chatKey, "request_id", requestID,
		"lane_position", pos.LanePosition, "total_pending", pos.TotalPending)
	return pos, nil
}

func (m *Manager) appendUser(chatKey string, in InboundText, requestID string) (msg.Message, error) {
	key, err := chatkey.Parse(chatKey)
	if err != nil {
		return msg.Message{}, err
	}
	store, err := m.Store(chatKey)
	if err != nil {
		return msg.Message{}, err
	}

	um := msg.NewUser(chatKey, in.Text)
	um.Metadata.Channel = key.Channel
	um.Metadata.TargetID = key.ChatID
	um.Metadata.TargetType = in.ChatType
	um.Metadata.ActorID = in.ActorID
	um.Metadata.ActorName = in.ActorName
	um.Metadata.MessageID = in.MessageID
	um.Metadata.ThreadID = in.ThreadID
	um.Metadata.RequestID = requestID
	if um.Metadata.TargetType == "" {
		um.Metadata.TargetType = key.ChatType
	}
	if um.Metadata.ThreadID == "" {
		um.Metadata.ThreadID = key.ThreadID
	}

	if err := store.Append(um); err != nil {
		return msg.Message{}, fmt.Errorf("persist inbound message: %w", err)
	}
	return um, nil
}

// runLane is the scheduler's RunFunc: it resolves the lane's agent, runs
// it with a drain callback bound to the lane, and dispatches the final
// reply unless chat_send already delivered it.
func (m *Manager) runLane(ctx context.Context, batch *scheduler.Merged) error {
	loop, err := m.Agent(batch.ChatKey)
	if err != nil {
		return err
	}

	drain := func() string {
		if d := m.sched.DrainLaneMerged(batch.ChatKey, 0); d != nil {
			return d.Text
		}
		return ""
	}

	res, err := loop.Run(ctx, agent.RunRequest{
		RequestID: batch.RequestID,
		Text:      batch.Text,
		Drain:     drain,
	})
	if err != nil {
		return err
	}
	m.deliver(ctx, batch.ChatKey, res)
	return nil
}

func (m *Manager) deliver(ctx context.Context, chatKey string, res *agent.RunResult) {
	if res.Content == "" || m.cfg.Sender == nil {
		return
	}
	if key, err := chatkey.Parse(chatKey); err == nil && key.IsTaskRun() {
		// Task runs have no chat to answer; the transcript is the record.
		return
	}
	fp := tools.Fingerprint(res.Content)
	for _, sent := range res.SentFingerprints {
		if sent == fp {
			slog.Debug("Final reply already delivered in-run", "chat_key", chatKey)
			return
		}
	}
	if err := m.cfg.Sender.SendTextByChatKey(ctx, chatKey, res.Content); err != nil {
		slog.Warn("Final reply delivery failed", "chat_key", chatKey, "error", err)
	}
}

// IsBusy reports whether the chat key's lane is running or has pending
// work.
func (m *Manager) IsBusy(chatKey string) bool { return m.sched.IsBusy(chatKey) }

// Stats snapshots the scheduler.
func (m *Manager) Stats() scheduler.Stats { return m.sched.Stats() }

// CancelChat cancels the chat key's in-flight run. Pending input stays
// queued unless clearPending is set.
func (m *Manager) CancelChat(chatKey string, clearPending bool) bool {
	return m.sched.CancelLane(chatKey, clearPending)
}

// Shutdown stops the scheduler and waits for in-flight runs.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.sched.Shutdown(ctx)
}
