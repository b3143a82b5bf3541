// Package task fires scheduled agent runs from cron expressions.
//
// Each task owns a dedicated lane per firing: the engine enqueues
// task-run:<taskId>:<unixMillis> so concurrent firings of different
// tasks never contend for a chat lane, and every firing leaves its own
// transcript under the task directory tree. Replies are optionally
// forwarded to a bound chat key.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/shipworks/ship/internal/agent"
	"github.com/shipworks/ship/internal/chatkey"
	"github.com/shipworks/ship/internal/conversations"
	"github.com/shipworks/ship/internal/scheduler"
	"github.com/shipworks/ship/internal/tools"
)

// Task is one scheduled trigger.
type Task struct {
	ID       string `json:"id"`
	Schedule string `json:"schedule"` // cron expression, minute resolution
	Query    string `json:"query"`    // instruction the run receives
	// ChatKey, when set, receives the run's reply.
	ChatKey string `json:"chatKey,omitempty"`
}

// Enqueuer schedules a run on a lane. *conversations.Manager satisfies
// it.
type Enqueuer interface {
	Enqueue(chatKey string, in conversations.InboundText) (scheduler.Position, error)
}

// Config tunes the engine.
type Config struct {
	Tasks []Task
	// CheckInterval is how often due schedules are evaluated. Default
	// one minute, matching cron resolution.
	CheckInterval time.Duration
}

// Engine evaluates schedules on a ticker and fires due tasks.
type Engine struct {
	gron     *gronx.Gronx
	tasks    []Task
	byID     map[string]Task
	enq      Enqueuer
	notify   tools.Sender // optional reply forwarding
	interval time.Duration

	mu        sync.Mutex
	lastFired map[string]time.Time // task id -> minute of last firing
}

// New validates every schedule up front and returns the engine. notify
// may be nil when no task binds a chat key.
func New(cfg Config, enq Enqueuer, notify tools.Sender) (*Engine, error) {
	gron := gronx.New()
	byID := make(map[string]Task, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task with empty id")
		}
		if _, dup := byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		if !gron.IsValid(t.Schedule) {
			return nil, fmt.Errorf("task %q: invalid schedule %q", t.ID, t.Schedule)
		}
		byID[t.ID] = t
	}
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Engine{
		gron:      gron,
		tasks:     cfg.Tasks,
		byID:      byID,
		enq:       enq,
		notify:    notify,
		interval:  interval,
		lastFired: make(map[string]time.Time),
	}, nil
}

// Run evaluates schedules until ctx is done. It blocks; callers put it
// on its own goroutine or errgroup.
func (e *Engine) Run(ctx context.Context) error {
	if len(e.tasks) == 0 {
		<-ctx.Done()
		return nil
	}
	slog.Info("Task engine started", "tasks", len(e.tasks), "interval", e.interval)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Task engine stopped")
			return nil
		case now := <-ticker.C:
			e.checkDue(now)
		}
	}
}

// checkDue fires every task due at now. A task fires at most once per
// minute regardless of tick cadence.
func (e *Engine) checkDue(now time.Time) {
	minute := now.Truncate(time.Minute)
	for _, t := range e.tasks {
		due, err := e.gron.IsDue(t.Schedule, now)
		if err != nil {
			slog.Warn("Schedule evaluation failed", "task", t.ID, "schedule", t.Schedule, "error", err)
			continue
		}
		if !due {
			continue
		}

		e.mu.Lock()
		already := e.lastFired[t.ID].Equal(minute)
		if !already {
			e.lastFired[t.ID] = minute
		}
		e.mu.Unlock()
		if already {
			continue
		}
		e.fire(now, t)
	}
}

func (e *Engine) fire(now time.Time, t Task) {
	laneKey := chatkey.BuildTaskRun(t.ID, now.UnixMilli())
	pos, err := e.enq.Enqueue(laneKey, conversations.InboundText{
		Text:    t.Query,
		ActorID: "task:" + t.ID,
	})
	if err != nil {
		slog.Error("Task firing failed", "task", t.ID, "chat_key", laneKey, "error", err)
		return
	}
	slog.Info("Task fired",
		"task", t.ID, "chat_key", laneKey, "total_pending", pos.TotalPending)
}

// AfterRun implements agent.RunHook: replies from task-run lanes are
// forwarded to the task's bound chat key, when it has one.
func (e *Engine) AfterRun(ctx context.Context, rec agent.RunRecord) {
	key, err := chatkey.Parse(rec.ChatKey)
	if err != nil || !key.IsTaskRun() {
		return
	}
	t, ok := e.byID[key.TaskID]
	if !ok || t.ChatKey == "" || rec.Reply == "" || e.notify == nil {
		return
	}
	text := fmt.Sprintf("[task %s] %s", t.ID, rec.Reply)
	if err := e.notify.SendTextByChatKey(ctx, t.ChatKey, text); err != nil {
		slog.Warn("Task reply delivery failed",
			"task", t.ID, "chat_key", t.ChatKey, "error", err)
	}
}

var _ agent.RunHook = (*Engine)(nil)
