package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

type fakeSender struct {
	err  error
	sent []string // "chatKey|text"
}

func (f *fakeSender) SendTextByChatKey(ctx context.Context, chatKey, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, chatKey+"|"+text)
	return nil
}

func TestChatSendBudget(t *testing.T) {
	sender := &fakeSender{}
	tool := NewSendTool(sender)
	rc := testRC(t)

	for i := 0; i < DefaultSendBudget; i++ {
		res := tool.Execute(context.Background(), rc, map[string]any{"text": fmt.Sprintf("part %d", i)})
		if res.IsError {
			t.Fatalf("send %d failed: %+v", i, res)
		}
	}
	if len(sender.sent) != DefaultSendBudget {
		t.Fatalf("dispatched = %d, want %d", len(sender.sent), DefaultSendBudget)
	}

	res := tool.Execute(context.Background(), rc, map[string]any{"text": "one too many"})
	if !res.IsError {
		t.Fatal("over-budget send should return a structured error")
	}
	if !strings.Contains(res.ForLLM, "budget") {
		t.Errorf("error text = %q", res.ForLLM)
	}
	if len(sender.sent) != DefaultSendBudget {
		t.Errorf("over-budget call dispatched anyway: %v", sender.sent)
	}
}

func TestChatSendDuplicateSuppressed(t *testing.T) {
	sender := &fakeSender{}
	tool := NewSendTool(sender)
	rc := testRC(t)

	first := tool.Execute(context.Background(), rc, map[string]any{"text": "same text"})
	second := tool.Execute(context.Background(), rc, map[string]any{"text": "same text"})
	if first.IsError || second.IsError {
		t.Fatalf("results: %+v / %+v", first, second)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("dispatched = %d, want 1", len(sender.sent))
	}
	if !strings.Contains(second.ForLLM, "duplicate") {
		t.Errorf("second result = %q", second.ForLLM)
	}

	// The duplicate must not have consumed budget.
	for i := 0; i < DefaultSendBudget-1; i++ {
		res := tool.Execute(context.Background(), rc, map[string]any{"text": fmt.Sprintf("fresh %d", i)})
		if res.IsError {
			t.Fatalf("send after duplicate failed: %+v", res)
		}
	}
	if len(sender.sent) != DefaultSendBudget {
		t.Errorf("dispatched = %d, want %d", len(sender.sent), DefaultSendBudget)
	}
}

func TestChatSendTargetsOwnChat(t *testing.T) {
	sender := &fakeSender{}
	tool := NewSendTool(sender)
	rc := testRC(t)

	tool.Execute(context.Background(), rc, map[string]any{"text": "hi"})
	if len(sender.sent) != 1 || !strings.HasPrefix(sender.sent[0], rc.ChatKey+"|") {
		t.Errorf("sent = %v, want prefix %s|", sender.sent, rc.ChatKey)
	}
}

func TestChatSendRetryAfterDispatchFailure(t *testing.T) {
	sender := &fakeSender{err: errors.New("socket closed")}
	tool := NewSendTool(sender)
	rc := testRC(t)

	res := tool.Execute(context.Background(), rc, map[string]any{"text": "important update"})
	if !res.IsError {
		t.Fatalf("failed dispatch reported success: %+v", res)
	}
	if got := rc.SentFingerprints(); len(got) != 0 {
		t.Errorf("undelivered text left a fingerprint: %v", got)
	}

	// The dispatcher recovers and the model retries the same text; it must
	// go through, not be suppressed as a duplicate.
	sender.err = nil
	res = tool.Execute(context.Background(), rc, map[string]any{"text": "important update"})
	if res.IsError {
		t.Fatalf("retry result = %+v", res)
	}
	if len(sender.sent) != 1 || sender.sent[0] != rc.ChatKey+"|important update" {
		t.Fatalf("sent = %v", sender.sent)
	}
	if got := rc.SentFingerprints(); len(got) != 1 {
		t.Errorf("delivered text not recorded: %v", got)
	}

	// The failed attempt still consumed a budget slot.
	if res := tool.Execute(context.Background(), rc, map[string]any{"text": "second"}); res.IsError {
		t.Fatalf("second send = %+v", res)
	}
	res = tool.Execute(context.Background(), rc, map[string]any{"text": "third"})
	if !res.IsError || !strings.Contains(res.ForLLM, "budget") {
		t.Errorf("third fresh send = %+v, want budget exhaustion", res)
	}
}

func TestChatSendDispatchError(t *testing.T) {
	tool := NewSendTool(&fakeSender{err: errors.New("socket closed")})
	res := tool.Execute(context.Background(), testRC(t), map[string]any{"text": "hi"})
	if !res.IsError || !strings.Contains(res.ForLLM, "socket closed") {
		t.Errorf("result = %+v", res)
	}
}

func TestContactSend(t *testing.T) {
	sender := &fakeSender{}
	tool := NewContactSendTool(sender)
	rc := testRC(t)

	res := tool.Execute(context.Background(), rc, map[string]any{
		"chat_key": "feishu-chat-oc_42",
		"text":     "cross-chat ping",
	})
	if res.IsError {
		t.Fatalf("result = %+v", res)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "feishu-chat-oc_42|cross-chat ping" {
		t.Errorf("sent = %v", sender.sent)
	}

	if res := tool.Execute(context.Background(), rc, map[string]any{"text": "no target"}); !res.IsError {
		t.Error("missing chat_key should error")
	}
	if res := tool.Execute(context.Background(), rc, map[string]any{"chat_key": "feishu-chat-1"}); !res.IsError {
		t.Error("missing text should error")
	}
}
