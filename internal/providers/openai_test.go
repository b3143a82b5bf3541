package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func openAIFixture(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := NewOpenAIProvider("openai", "test-key", srv.URL, "gpt-4o")
	p.WithRetry(RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond})
	return p
}

func TestOpenAIChatText(t *testing.T) {
	var captured map[string]any
	p := openAIFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &captured)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"choices": [{"message": {"content": "hi back"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 7, "completion_tokens": 3}
		}`)
	})

	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hi back" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 7 || resp.Usage.CompletionTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if captured["model"] != "gpt-4o" {
		t.Errorf("model = %v", captured["model"])
	}
}

func TestOpenAIToolCallsRoundTrip(t *testing.T) {
	var captured struct {
		Messages []map[string]any `json:"messages"`
	}
	p := openAIFixture(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &captured)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"choices": [{
				"message": {
					"content": null,
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "exec_command", "arguments": "{\"command\": \"uptime\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 1, "completion_tokens": 1}
		}`)
	})

	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "user", Content: "check load"},
			{Role: "assistant", ToolCalls: []ToolCall{
				{ID: "call_0", Name: "chat_send", Arguments: map[string]any{"text": "on it"}},
			}},
			{Role: "tool", Content: "sent", ToolCallID: "call_0"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	// Response side: JSON-string arguments decoded into a map.
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Name != "exec_command" {
		t.Errorf("tool = %q", resp.ToolCalls[0].Name)
	}
	if resp.ToolCalls[0].Arguments["command"] != "uptime" {
		t.Errorf("arguments = %v", resp.ToolCalls[0].Arguments)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}

	// Request side: assistant tool calls wrapped as type+function with
	// string arguments; tool results carry tool_call_id.
	if len(captured.Messages) != 3 {
		t.Fatalf("expected 3 wire messages, got %d", len(captured.Messages))
	}
	asst := captured.Messages[1]
	calls, ok := asst["tool_calls"].([]any)
	if !ok || len(calls) != 1 {
		t.Fatalf("assistant tool_calls = %v", asst["tool_calls"])
	}
	call := calls[0].(map[string]any)
	if call["type"] != "function" {
		t.Errorf("call type = %v", call["type"])
	}
	fn := call["function"].(map[string]any)
	if _, isString := fn["arguments"].(string); !isString {
		t.Errorf("arguments should be a JSON string, got %T", fn["arguments"])
	}
	toolMsg := captured.Messages[2]
	if toolMsg["role"] != "tool" || toolMsg["tool_call_id"] != "call_0" {
		t.Errorf("tool message = %v", toolMsg)
	}
}

func TestOpenAICustomChatPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices": [{"message": {"content": "ok"}, "finish_reason": "stop"}], "usage": {}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("custom", "k", srv.URL, "m").WithChatPath("/v4/chat")
	p.WithRetry(RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond})
	if _, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if gotPath != "/v4/chat" {
		t.Errorf("path = %q", gotPath)
	}
}
