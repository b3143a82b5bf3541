package approval

import (
	"context"
	"errors"
	"testing"
	"time"
)

func okPrompter() Prompter {
	return PrompterFunc(func(ctx context.Context, ask Ask) error { return nil })
}

func TestApproveAndReject(t *testing.T) {
	b := NewBroker(okPrompter(), time.Minute)

	for _, approved := range []bool{true, false} {
		done := make(chan Decision, 1)
		go func() {
			done <- b.Request(context.Background(), Ask{ID: "ask-1", Tool: "exec_command"})
		}()

		// Wait for the ask to register.
		deadline := time.Now().Add(2 * time.Second)
		for len(b.Pending()) == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if !b.Resolve("ask-1", approved) {
			t.Fatal("Resolve found no pending ask")
		}

		want := Rejected
		if approved {
			want = Approved
		}
		if got := <-done; got != want {
			t.Errorf("decision = %v, want %v", got, want)
		}
		if len(b.Pending()) != 0 {
			t.Error("ask still pending after resolution")
		}
	}
}

func TestTimeoutIsRejection(t *testing.T) {
	b := NewBroker(okPrompter(), 30*time.Millisecond)
	got := b.Request(context.Background(), Ask{Tool: "exec_command"})
	if got != TimedOut {
		t.Errorf("decision = %v, want TimedOut", got)
	}
}

func TestContextCancel(t *testing.T) {
	b := NewBroker(okPrompter(), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Decision, 1)
	go func() { done <- b.Request(ctx, Ask{Tool: "exec_command"}) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(b.Pending()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if got := <-done; got != Rejected {
		t.Errorf("decision = %v, want Rejected on cancel", got)
	}
}

func TestPromptFailureRejects(t *testing.T) {
	b := NewBroker(PrompterFunc(func(ctx context.Context, ask Ask) error {
		return errors.New("chat unreachable")
	}), time.Minute)
	if got := b.Request(context.Background(), Ask{Tool: "exec_command"}); got != Rejected {
		t.Errorf("decision = %v, want Rejected", got)
	}
}

func TestNoPrompterRejects(t *testing.T) {
	b := NewBroker(nil, time.Minute)
	if got := b.Request(context.Background(), Ask{Tool: "exec_command"}); got != Rejected {
		t.Errorf("decision = %v, want Rejected", got)
	}
}

func TestResolveUnknown(t *testing.T) {
	b := NewBroker(okPrompter(), time.Minute)
	if b.Resolve("ghost", true) {
		t.Error("resolved an ask that never existed")
	}
}
