// Package approval coordinates human sign-off for gated tool calls.
//
// A tool that needs approval parks its run on Request until someone
// resolves the ask (usually from the chat surface that owns the run) or
// the timeout elapses. Timeouts count as rejections.
package approval

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is how long a pending ask waits before it is rejected.
const DefaultTimeout = 300 * time.Second

// Decision is the outcome of an approval request.
type Decision int

const (
	Rejected Decision = iota
	Approved
	TimedOut
)

func (d Decision) String() string {
	switch d {
	case Approved:
		return "approved"
	case TimedOut:
		return "timed out"
	default:
		return "rejected"
	}
}

// Ask describes one pending approval request.
type Ask struct {
	ID      string
	ChatKey string
	Tool    string
	// Summary is a short human-readable digest of the gated call.
	Summary string
}

// Prompter surfaces an ask to whoever can answer it.
type Prompter interface {
	Prompt(ctx context.Context, ask Ask) error
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, ask Ask) error

func (f PrompterFunc) Prompt(ctx context.Context, ask Ask) error { return f(ctx, ask) }

type pendingAsk struct {
	ask Ask
	ch  chan Decision
}

// Broker tracks pending asks and routes resolutions back to waiters.
type Broker struct {
	prompter Prompter
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]*pendingAsk
}

// NewBroker builds a broker. timeout <= 0 selects DefaultTimeout.
func NewBroker(prompter Prompter, timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker{
		prompter: prompter,
		timeout:  timeout,
		pending:  make(map[string]*pendingAsk),
	}
}

// Request surfaces the ask and blocks until it is resolved, times out, or
// ctx is cancelled. A missing prompter or a failed prompt rejects
// immediately: nobody would ever see the ask.
func (b *Broker) Request(ctx context.Context, ask Ask) Decision {
	if ask.ID == "" {
		ask.ID = uuid.NewString()
	}
	p := &pendingAsk{ask: ask, ch: make(chan Decision, 1)}

	b.mu.Lock()
	b.pending[ask.ID] = p
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, ask.ID)
		b.mu.Unlock()
	}()

	if b.prompter == nil {
		slog.Warn("No approval prompter configured, rejecting", "tool", ask.Tool)
		return Rejected
	}
	if err := b.prompter.Prompt(ctx, ask); err != nil {
		slog.Warn("Approval prompt failed, rejecting",
			"tool", ask.Tool, "chat_key", ask.ChatKey, "error", err)
		return Rejected
	}
	slog.Info("Approval requested",
		"approval_id", ask.ID, "tool", ask.Tool, "chat_key", ask.ChatKey)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case decision := <-p.ch:
		slog.Info("Approval resolved", "approval_id", ask.ID, "decision", decision.String())
		return decision
	case <-timer.C:
		slog.Info("Approval timed out", "approval_id", ask.ID, "tool", ask.Tool)
		return TimedOut
	case <-ctx.Done():
		return Rejected
	}
}

// Resolve answers a pending ask. Returns false when no ask with that id is
// waiting (already resolved, timed out, or never existed).
func (b *Broker) Resolve(id string, approved bool) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	decision := Rejected
	if approved {
		decision = Approved
	}
	p.ch <- decision
	return true
}

// Pending lists unresolved asks sorted by id.
func (b *Broker) Pending() []Ask {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Ask, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.ask)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
