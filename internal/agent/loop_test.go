package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shipworks/ship/internal/chatkey"
	"github.com/shipworks/ship/internal/msg"
	"github.com/shipworks/ship/internal/providers"
	"github.com/shipworks/ship/internal/sysprompt"
	"github.com/shipworks/ship/internal/tools"
	"github.com/shipworks/ship/internal/transcript"
)

// scriptedProvider returns canned responses in order, then a plain "done".
type scriptedProvider struct {
	mu    sync.Mutex
	queue []providers.ChatResponse
	seen  []providers.ChatRequest
	err   error
}

func (p *scriptedProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.queue) == 0 {
		return &providers.ChatResponse{Content: "done", FinishReason: "stop"}, nil
	}
	resp := p.queue[0]
	p.queue = p.queue[1:]
	return &resp, nil
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

func (p *scriptedProvider) requests() []providers.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providers.ChatRequest(nil), p.seen...)
}

// echoTool answers with its "text" argument.
type echoTool struct{}

func (echoTool) Name() string                { return "echo" }
func (echoTool) Description() string         { return "Echo the given text." }
func (echoTool) Parameters() map[string]any  { return map[string]any{"type": "object"} }
func (echoTool) Execute(_ context.Context, _ *tools.RunContext, args map[string]any) *tools.Result {
	text, _ := args["text"].(string)
	return tools.NewResult("echo: " + text)
}

type captureSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *captureSender) SendTextByChatKey(_ context.Context, chatKey, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, chatKey+"|"+text)
	return nil
}

func (s *captureSender) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type loopFixture struct {
	loop     *Loop
	store    *transcript.Store
	provider *scriptedProvider
	sender   *captureSender
}

func newFixture(t *testing.T, queue []providers.ChatResponse) *loopFixture {
	t.Helper()
	key, err := chatkey.Parse("telegram-chat-100")
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	store, err := transcript.Open(t.TempDir(), key.String())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	reg := tools.NewRegistry()
	reg.Register(echoTool{})
	sender := &captureSender{}
	reg.Register(tools.NewSendTool(sender))

	prompts := sysprompt.NewRegistry()
	prompts.Register(sysprompt.Static("identity", 10, "You are a test assistant."))

	provider := &scriptedProvider{queue: queue}
	loop := NewLoop(LoopConfig{
		Key:      key,
		Store:    store,
		Provider: provider,
		Tools:    reg,
		Prompts:  prompts,
		Sender:   sender,
		MaxSteps: 4,
	})
	return &loopFixture{loop: loop, store: store, provider: provider, sender: sender}
}

func (f *loopFixture) appendUser(t *testing.T, text string) {
	t.Helper()
	if err := f.store.Append(msg.NewUser(f.store.ChatKey(), text)); err != nil {
		t.Fatalf("append user: %v", err)
	}
}

func assistantMessages(t *testing.T, store *transcript.Store) []msg.Message {
	t.Helper()
	all, err := store.LoadAll()
	if err != nil {
		t.Fatalf("load transcript: %v", err)
	}
	var out []msg.Message
	for _, m := range all {
		if m.Role == msg.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

func TestRunPlainReply(t *testing.T) {
	f := newFixture(t, []providers.ChatResponse{
		{Content: "hello back", FinishReason: "stop"},
	})
	f.appendUser(t, "hello")

	res, err := f.loop.Run(context.Background(), RunRequest{RequestID: "req-1", Text: "hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Content != "hello back" || res.Steps != 1 || res.Truncated || res.ToolCalls != 0 {
		t.Errorf("result = %+v", res)
	}

	asst := assistantMessages(t, f.store)
	if len(asst) != 1 {
		t.Fatalf("expected 1 assistant message, got %d", len(asst))
	}
	m := asst[0]
	if m.TextContent() != "hello back" {
		t.Errorf("persisted text = %q", m.TextContent())
	}
	if m.Metadata.Source != msg.SourceEgress || m.Metadata.RequestID != "req-1" {
		t.Errorf("metadata = %+v", m.Metadata)
	}
	if m.Metadata.Truncated {
		t.Error("plain reply should not be truncated")
	}
}

func TestRunToolRound(t *testing.T) {
	f := newFixture(t, []providers.ChatResponse{
		{
			Content: "checking",
			ToolCalls: []providers.ToolCall{
				{ID: "call-1", Name: "echo", Arguments: map[string]any{"text": "ping"}},
			},
			FinishReason: "tool_calls",
		},
		{Content: "the echo said ping", FinishReason: "stop"},
	})
	f.appendUser(t, "run the echo")

	res, err := f.loop.Run(context.Background(), RunRequest{RequestID: "req-2", Text: "run the echo"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Steps != 2 || res.ToolCalls != 1 || res.Content != "the echo said ping" {
		t.Errorf("result = %+v", res)
	}

	asst := assistantMessages(t, f.store)
	if len(asst) != 1 {
		t.Fatalf("expected exactly 1 assistant message, got %d", len(asst))
	}
	parts := asst[0].Parts
	// checking / tool-call / tool-result / final text
	if len(parts) != 4 {
		t.Fatalf("parts = %+v", parts)
	}
	if parts[1].Type != msg.PartToolCall || parts[1].ToolName != "echo" {
		t.Errorf("part 1 = %+v", parts[1])
	}
	if parts[2].Type != msg.PartToolResult || parts[2].Output != "echo: ping" || parts[2].IsError {
		t.Errorf("part 2 = %+v", parts[2])
	}
	if parts[3].Type != msg.PartText || parts[3].Text != "the echo said ping" {
		t.Errorf("part 3 = %+v", parts[3])
	}

	// The second LLM request must carry the tool result back.
	reqs := f.provider.requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 LLM calls, got %d", len(reqs))
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "call-1" || last.Content != "echo: ping" {
		t.Errorf("tool turn = %+v", last)
	}
}

func TestRunParallelToolsOrdered(t *testing.T) {
	f := newFixture(t, []providers.ChatResponse{
		{
			ToolCalls: []providers.ToolCall{
				{ID: "c-0", Name: "echo", Arguments: map[string]any{"text": "zero"}},
				{ID: "c-1", Name: "echo", Arguments: map[string]any{"text": "one"}},
				{ID: "c-2", Name: "echo", Arguments: map[string]any{"text": "two"}},
			},
			FinishReason: "tool_calls",
		},
		{Content: "all echoed", FinishReason: "stop"},
	})
	f.appendUser(t, "echo three things")

	res, err := f.loop.Run(context.Background(), RunRequest{RequestID: "req-3"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ToolCalls != 3 {
		t.Errorf("tool calls = %d", res.ToolCalls)
	}

	asst := assistantMessages(t, f.store)
	if len(asst) != 1 {
		t.Fatalf("expected 1 assistant message, got %d", len(asst))
	}
	var results []string
	for _, p := range asst[0].Parts {
		if p.Type == msg.PartToolResult {
			results = append(results, p.Output)
		}
	}
	want := []string{"echo: zero", "echo: one", "echo: two"}
	if len(results) != 3 {
		t.Fatalf("results = %v", results)
	}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("result[%d] = %q, want %q", i, results[i], want[i])
		}
	}
}

func TestRunStepBudgetTruncates(t *testing.T) {
	// Always asks for another tool; never finishes.
	relentless := providers.ChatResponse{
		ToolCalls: []providers.ToolCall{
			{ID: "c", Name: "echo", Arguments: map[string]any{"text": "again"}},
		},
		FinishReason: "tool_calls",
	}
	f := newFixture(t, []providers.ChatResponse{relentless, relentless, relentless, relentless, relentless})
	f.appendUser(t, "loop forever")

	res, err := f.loop.Run(context.Background(), RunRequest{RequestID: "req-4"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Truncated {
		t.Error("expected truncated result")
	}
	if res.Steps != 4 {
		t.Errorf("steps = %d, want maxSteps", res.Steps)
	}

	asst := assistantMessages(t, f.store)
	if len(asst) != 1 {
		t.Fatalf("expected exactly 1 assistant message, got %d", len(asst))
	}
	if !asst[0].Metadata.Truncated {
		t.Error("persisted message should carry the truncated marker")
	}
	// The final step's calls are recorded without results.
	parts := asst[0].Parts
	lastPart := parts[len(parts)-1]
	if lastPart.Type != msg.PartToolCall {
		t.Errorf("last part = %+v", lastPart)
	}
}

func TestRunDrainMergesPendingInput(t *testing.T) {
	f := newFixture(t, []providers.ChatResponse{
		{Content: "got both", FinishReason: "stop"},
	})
	f.appendUser(t, "first")

	drained := false
	res, err := f.loop.Run(context.Background(), RunRequest{
		RequestID: "req-5",
		Drain: func() string {
			if drained {
				return ""
			}
			drained = true
			return "first\n---\ncorrection"
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Content != "got both" {
		t.Errorf("content = %q", res.Content)
	}

	reqs := f.provider.requests()
	last := reqs[0].Messages[len(reqs[0].Messages)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "correction") {
		t.Errorf("merged turn = %+v", last)
	}
}

func TestRunFailureSynthesizesApology(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.err = errors.New("socket closed")
	f.appendUser(t, "hi")

	_, err := f.loop.Run(context.Background(), RunRequest{RequestID: "req-6"})
	if err == nil {
		t.Fatal("expected error")
	}

	asst := assistantMessages(t, f.store)
	if len(asst) != 1 {
		t.Fatalf("expected 1 assistant message, got %d", len(asst))
	}
	if !strings.Contains(asst[0].TextContent(), "error") {
		t.Errorf("apology = %q", asst[0].TextContent())
	}
	sent := f.sender.all()
	if len(sent) != 1 || !strings.Contains(sent[0], "telegram-chat-100|") {
		t.Errorf("sent = %v", sent)
	}
}

func TestRunActiveToolsFilter(t *testing.T) {
	f := newFixture(t, []providers.ChatResponse{
		{Content: "ok", FinishReason: "stop"},
	})
	// A provider that restricts the run to chat_send only.
	f.loop.prompts.Register(sysprompt.Func("policy", 20, func(context.Context, sysprompt.Input) (sysprompt.Fragment, error) {
		return sysprompt.Fragment{ActiveTools: []string{"chat_send"}}, nil
	}))
	f.appendUser(t, "hi")

	if _, err := f.loop.Run(context.Background(), RunRequest{RequestID: "req-7"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	reqs := f.provider.requests()
	var names []string
	for _, d := range reqs[0].Tools {
		names = append(names, d.Function.Name)
	}
	for _, n := range names {
		if n == "echo" {
			t.Errorf("echo offered despite whitelist: %v", names)
		}
	}
	found := false
	for _, n := range names {
		if n == "chat_send" {
			found = true
		}
	}
	if !found {
		t.Errorf("chat_send missing from defs: %v", names)
	}
}

func TestRunSendTrace(t *testing.T) {
	f := newFixture(t, []providers.ChatResponse{
		{
			ToolCalls: []providers.ToolCall{
				{ID: "s-1", Name: "chat_send", Arguments: map[string]any{"text": "progress update"}},
			},
			FinishReason: "tool_calls",
		},
		{Content: "progress update", FinishReason: "stop"},
	})
	f.appendUser(t, "work and report")

	res, err := f.loop.Run(context.Background(), RunRequest{RequestID: "req-8"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.sender.all()) != 1 {
		t.Fatalf("sent = %v", f.sender.all())
	}
	fp := tools.Fingerprint("progress update")
	found := false
	for _, got := range res.SentFingerprints {
		if got == fp {
			found = true
		}
	}
	if !found {
		t.Errorf("fingerprints %v missing %s", res.SentFingerprints, fp)
	}
}

func TestRunComposesSkillsIntoPrompt(t *testing.T) {
	f := newFixture(t, []providers.ChatResponse{
		{Content: "ok", FinishReason: "stop"},
	})
	f.loop.prompts.Register(sysprompt.Func("skills", 30, func(context.Context, sysprompt.Input) (sysprompt.Fragment, error) {
		return sysprompt.Fragment{
			Skills: []sysprompt.SkillRef{{ID: "deploy", Name: "Deploy", Content: "Run the deploy script."}},
		}, nil
	}))
	f.appendUser(t, "hi")

	if _, err := f.loop.Run(context.Background(), RunRequest{RequestID: "req-9"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	system := f.provider.requests()[0].Messages[0]
	if system.Role != "system" {
		t.Fatalf("first message role = %q", system.Role)
	}
	if !strings.Contains(system.Content, "Active skills") || !strings.Contains(system.Content, "Run the deploy script.") {
		t.Errorf("system prompt missing skills block:\n%s", system.Content)
	}
	if !strings.Contains(system.Content, "You are a test assistant.") {
		t.Errorf("system prompt missing aggregate text:\n%s", system.Content)
	}
	if !strings.Contains(system.Content, "telegram-chat-100") {
		t.Errorf("system prompt missing runtime header:\n%s", system.Content)
	}
}

func TestRunDispatchFailureBecomesToolError(t *testing.T) {
	f := newFixture(t, []providers.ChatResponse{
		{
			ToolCalls: []providers.ToolCall{
				{ID: "s-9", Name: "chat_send", Arguments: map[string]any{"text": "progress"}},
			},
			FinishReason: "tool_calls",
		},
		{Content: "could not reach the chat, summary follows", FinishReason: "stop"},
	})
	f.sender.err = errors.New("telegram: 502 bad gateway")
	f.appendUser(t, "send an update")

	res, err := f.loop.Run(context.Background(), RunRequest{RequestID: "req-10", Text: "send an update"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Content != "could not reach the chat, summary follows" {
		t.Errorf("content = %q", res.Content)
	}

	// The failed dispatch is a tool-result part, not a run failure.
	asst := assistantMessages(t, f.store)
	if len(asst) != 1 {
		t.Fatalf("assistant messages = %d", len(asst))
	}
	var result *msg.Part
	for i := range asst[0].Parts {
		if asst[0].Parts[i].Type == msg.PartToolResult {
			result = &asst[0].Parts[i]
		}
	}
	if result == nil {
		t.Fatal("no tool-result part persisted")
	}
	if !result.IsError {
		t.Errorf("tool result not marked as error: %+v", result)
	}
	if !strings.Contains(result.Output, "502") {
		t.Errorf("tool result output = %q", result.Output)
	}
	// The undelivered text must not be reported as sent, or the manager
	// would skip delivering the final reply.
	if len(res.SentFingerprints) != 0 {
		t.Errorf("failed dispatch recorded fingerprints %v", res.SentFingerprints)
	}
}
