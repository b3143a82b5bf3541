package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/shipworks/ship/internal/tools"
)

// RunHook observes completed runs. The loop invokes it on its own
// goroutine with a bounded context; hook failures never affect delivery.
type RunHook interface {
	AfterRun(ctx context.Context, rec RunRecord)
}

// RunRecord summarizes one finished run for hooks.
type RunRecord struct {
	ChatKey   string
	RequestID string
	RunID     string
	UserText  string
	Reply     string
	Steps     int
	ToolCalls int
	Truncated bool
	At        time.Time
}

// HookFunc adapts a function into a RunHook.
type HookFunc func(ctx context.Context, rec RunRecord)

func (f HookFunc) AfterRun(ctx context.Context, rec RunRecord) { f(ctx, rec) }

// Hooks fans a run record out to several hooks in order. Nil entries are
// skipped.
func Hooks(hooks ...RunHook) RunHook {
	return HookFunc(func(ctx context.Context, rec RunRecord) {
		for _, h := range hooks {
			if h != nil {
				h.AfterRun(ctx, rec)
			}
		}
	})
}

const hookTimeout = 30 * time.Second

func (l *Loop) fireHook(rc *tools.RunContext, req RunRequest, res *RunResult) {
	if l.hook == nil {
		return
	}
	rec := RunRecord{
		ChatKey:   rc.ChatKey,
		RequestID: req.RequestID,
		RunID:     rc.RunID,
		UserText:  req.Text,
		Reply:     res.Content,
		Steps:     res.Steps,
		ToolCalls: res.ToolCalls,
		Truncated: res.Truncated,
		At:        time.Now(),
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Run hook panicked", "chat_key", rec.ChatKey, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		l.hook.AfterRun(ctx, rec)
	}()
}
