// Package agent runs the tool-use loop for one conversation.
//
// A Loop owns no goroutines of its own: the lane scheduler calls Run on a
// worker, tools execute within the call, and the single assistant message
// the run produced is appended to the transcript before Run returns.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shipworks/ship/internal/chatkey"
	"github.com/shipworks/ship/internal/msg"
	"github.com/shipworks/ship/internal/providers"
	"github.com/shipworks/ship/internal/shell"
	"github.com/shipworks/ship/internal/skills"
	"github.com/shipworks/ship/internal/sysprompt"
	"github.com/shipworks/ship/internal/tools"
	"github.com/shipworks/ship/internal/tracing"
	"github.com/shipworks/ship/internal/transcript"
)

// ErrStepBudget marks a run that used up maxSteps with tool calls still
// pending. Run converts it into a truncated result, not an error return.
var ErrStepBudget = errors.New("step budget exhausted")

const (
	defaultMaxSteps    = 12
	defaultStepTimeout = 120 * time.Second
	defaultMaxTokens   = 8192
)

// Loop is the agent execution loop for one conversation context.
type Loop struct {
	key      chatkey.Key
	store    *transcript.Store
	provider providers.Provider
	model    string
	tools    *tools.Registry
	prompts  *sysprompt.Registry
	sender   tools.Sender   // best-effort failure delivery; may be nil
	shells   *shell.Manager // run-owned session cleanup; may be nil
	hook     RunHook        // async post-run hook; may be nil

	workspace   string
	maxSteps    int
	stepTimeout time.Duration
	maxTokens   int
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	Key      chatkey.Key
	Store    *transcript.Store
	Provider providers.Provider
	Model    string // empty = provider default
	Tools    *tools.Registry
	Prompts  *sysprompt.Registry
	Sender   tools.Sender
	Shells   *shell.Manager
	Hook     RunHook

	Workspace   string
	MaxSteps    int           // default 12
	StepTimeout time.Duration // default 120s
	MaxTokens   int           // default 8192
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Loop{
		key:         cfg.Key,
		store:       cfg.Store,
		provider:    cfg.Provider,
		model:       cfg.Model,
		tools:       cfg.Tools,
		prompts:     cfg.Prompts,
		sender:      cfg.Sender,
		shells:      cfg.Shells,
		hook:        cfg.Hook,
		workspace:   cfg.Workspace,
		maxSteps:    cfg.MaxSteps,
		stepTimeout: cfg.StepTimeout,
		maxTokens:   cfg.MaxTokens,
	}
}

// RunRequest is one unit of work for the loop. The user text has already
// been appended to the transcript by the caller; Text is carried for logs
// and trace previews.
type RunRequest struct {
	RequestID string
	Text      string

	// Drain returns user text that arrived while the run was in flight,
	// merged and already persisted by the caller. Called before every
	// step; empty string means nothing new.
	Drain func() string
}

// RunResult is the outcome of a completed run.
type RunResult struct {
	Content   string
	Steps     int
	Truncated bool
	ToolCalls int

	// SentFingerprints are the dedupe keys of texts chat_send already
	// delivered during the run; the caller checks the final reply
	// against them before dispatching it.
	SentFingerprints []string

	Usage providers.Usage
}

// Run processes one unit of work through the agent loop. It blocks until
// the run completes, is cancelled, or fails. Exactly one assistant message
// is appended to the transcript in every outcome, including failure.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	rc := tools.NewRunContext(l.key, req.RequestID)

	ctx, span := tracing.Tracer().Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("chat_key", rc.ChatKey),
		attribute.String("run_id", rc.RunID),
	))
	defer span.End()

	if l.shells != nil {
		defer l.shells.CloseOwnedBy(rc.RunID)
	}

	slog.Info("Agent run started",
		"chat_key", rc.ChatKey, "request_id", req.RequestID, "run_id", rc.RunID)

	result, err := l.run(ctx, rc, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Agent run failed",
			"chat_key", rc.ChatKey, "run_id", rc.RunID, "error", err)
		l.failRun(rc, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("steps", result.Steps),
		attribute.Int("tool_calls", result.ToolCalls),
		attribute.Bool("truncated", result.Truncated),
	)
	slog.Info("Agent run completed",
		"chat_key", rc.ChatKey, "run_id", rc.RunID,
		"steps", result.Steps, "tool_calls", result.ToolCalls, "truncated", result.Truncated)

	l.fireHook(rc, req, result)
	return result, nil
}

func (l *Loop) run(ctx context.Context, rc *tools.RunContext, req RunRequest) (*RunResult, error) {
	// 1. Compose the system prompt and seed run state from it.
	agg := l.prompts.Compose(ctx, sysprompt.Input{
		ChatKey:        rc.ChatKey,
		PinnedSkillIDs: l.store.Meta().PinnedSkillIDs,
	})
	rc.ActiveTools = agg.ActiveTools
	for _, ref := range agg.Skills {
		rc.LoadSkill(skills.Skill{ID: ref.ID, Name: ref.Name, Content: ref.Content})
	}

	// 2. Load the transcript, compacting first when over budget.
	history, err := l.loadHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}

	messages := make([]providers.Message, 0, len(history)+2)
	messages = append(messages, providers.Message{
		Role:    "system",
		Content: l.composeSystemPrompt(agg),
	})
	messages = append(messages, history...)

	var (
		parts      []msg.Part
		finalText  string
		totalCalls int
		usage      providers.Usage
	)

	// 3. Step loop.
	steps := 0
	stepErr := ErrStepBudget
	for steps < l.maxSteps {
		steps++

		if req.Drain != nil {
			if merged := req.Drain(); merged != "" {
				slog.Info("Merged pending input into run",
					"chat_key", rc.ChatKey, "run_id", rc.RunID, "chars", len(merged))
				messages = append(messages, providers.Message{Role: "user", Content: merged})
			}
		}

		resp, err := l.step(ctx, steps, providers.ChatRequest{
			Messages:  messages,
			Tools:     l.tools.ProviderDefs(rc.ActiveTools),
			Model:     l.model,
			MaxTokens: l.maxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("llm step %d: %w", steps, err)
		}
		if resp.Usage != nil {
			usage.PromptTokens += resp.Usage.PromptTokens
			usage.CompletionTokens += resp.Usage.CompletionTokens
			usage.TotalTokens += resp.Usage.TotalTokens
		}

		if resp.Content != "" {
			parts = append(parts, msg.TextPart(resp.Content))
		}
		if len(resp.ToolCalls) == 0 {
			finalText = resp.Content
			stepErr = nil
			break
		}

		totalCalls += len(resp.ToolCalls)
		for _, tc := range resp.ToolCalls {
			parts = append(parts, msg.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
		}
		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if steps == l.maxSteps {
			// Budget spent with calls pending; they are recorded above and
			// stubbed on the next load.
			break
		}

		results := l.executeCalls(ctx, rc, resp.ToolCalls)
		for i, r := range results {
			tc := resp.ToolCalls[i]
			parts = append(parts, msg.ToolResultPart(tc.ID, r.ForLLM, r.IsError))
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    r.ForLLM,
				ToolCallID: tc.ID,
			})
		}
	}
	truncated := errors.Is(stepErr, ErrStepBudget)

	// 4. Persist exactly one assistant message for the whole run.
	if len(parts) == 0 {
		finalText = "..."
		parts = append(parts, msg.TextPart(finalText))
	}
	m := msg.NewAssistant(rc.ChatKey, parts)
	m.Metadata.Channel = l.key.Channel
	m.Metadata.TargetID = l.key.ChatID
	m.Metadata.RequestID = req.RequestID
	m.Metadata.Truncated = truncated
	if err := l.store.Append(m); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}

	return &RunResult{
		Content:          finalText,
		Steps:            steps,
		Truncated:        truncated,
		ToolCalls:        totalCalls,
		SentFingerprints: rc.SentFingerprints(),
		Usage:            usage,
	}, nil
}

// step makes one LLM call under the per-step timeout. Transport retries
// live inside the provider.
func (l *Loop) step(ctx context.Context, n int, chatReq providers.ChatRequest) (*providers.ChatResponse, error) {
	stepCtx, cancel := context.WithTimeout(ctx, l.stepTimeout)
	defer cancel()

	stepCtx, span := tracing.Tracer().Start(stepCtx, "agent.step", trace.WithAttributes(
		attribute.Int("step", n),
		attribute.Int("messages", len(chatReq.Messages)),
	))
	defer span.End()

	resp, err := l.provider.Chat(stepCtx, chatReq)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("tool_calls", len(resp.ToolCalls)))
	return resp, nil
}

// executeCalls runs the step's tool calls and returns results in call
// order. A single call runs inline; multiple calls fan out to goroutines
// and results are re-ordered by index for deterministic transcripts.
func (l *Loop) executeCalls(ctx context.Context, rc *tools.RunContext, calls []providers.ToolCall) []*tools.Result {
	if len(calls) == 1 {
		return []*tools.Result{l.executeOne(ctx, rc, calls[0])}
	}

	type indexedResult struct {
		idx    int
		result *tools.Result
	}
	resultCh := make(chan indexedResult, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, tc providers.ToolCall) {
			defer wg.Done()
			resultCh <- indexedResult{idx: idx, result: l.executeOne(ctx, rc, tc)}
		}(i, tc)
	}
	go func() { wg.Wait(); close(resultCh) }()

	collected := make([]indexedResult, 0, len(calls))
	for r := range resultCh {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	results := make([]*tools.Result, len(calls))
	for i, r := range collected {
		results[i] = r.result
	}
	return results
}

func (l *Loop) executeOne(ctx context.Context, rc *tools.RunContext, tc providers.ToolCall) *tools.Result {
	argsJSON, _ := json.Marshal(tc.Arguments)
	slog.Info("Tool call",
		"chat_key", rc.ChatKey, "run_id", rc.RunID, "tool", tc.Name, "args_len", len(argsJSON))

	ctx, span := tracing.Tracer().Start(ctx, "tool.exec", trace.WithAttributes(
		attribute.String("tool", tc.Name),
	))
	defer span.End()

	result := l.tools.Execute(ctx, rc, tc.Name, tc.Arguments)
	if result.IsError {
		errMsg := result.ForLLM
		if len(errMsg) > 200 {
			errMsg = errMsg[:200] + "..."
		}
		span.SetStatus(codes.Error, errMsg)
		slog.Warn("Tool error", "chat_key", rc.ChatKey, "tool", tc.Name, "error", errMsg)
	}
	return result
}

// failRun persists a short apology so the transcript records the failure,
// then tries to deliver it. Cancelled runs are recorded but not delivered.
func (l *Loop) failRun(rc *tools.RunContext, runErr error) {
	cancelled := errors.Is(runErr, context.Canceled)
	text := fmt.Sprintf("I hit an error and had to stop: %v", runErr)
	if cancelled {
		text = "This run was cancelled before I could finish."
	}

	m := msg.NewAssistant(rc.ChatKey, []msg.Part{msg.TextPart(text)})
	m.Metadata.Channel = l.key.Channel
	m.Metadata.TargetID = l.key.ChatID
	m.Metadata.RequestID = rc.RequestID
	if err := l.store.Append(m); err != nil {
		slog.Error("Failed to persist failure message", "chat_key", rc.ChatKey, "error", err)
	}

	if l.sender == nil || cancelled {
		return
	}
	// The run context is dead by now; deliver on a fresh one.
	sendCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := l.sender.SendTextByChatKey(sendCtx, rc.ChatKey, text); err != nil {
		slog.Warn("Failed to deliver failure message", "chat_key", rc.ChatKey, "error", err)
	}
}
