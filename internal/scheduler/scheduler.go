// Package scheduler serializes agent runs per conversation lane.
//
// Every chat key owns a lane with a strict-FIFO pending queue. A global
// worker cap bounds how many lanes run at once; within a lane at most one
// run is ever in flight. Messages that pile up while a lane waits are
// merged into one run, and input that arrives during a run can trigger a
// correction re-run in the same worker slot.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// RunFunc executes one merged unit of work for a lane. The scheduler
// cancels ctx on CancelLane and on Shutdown.
type RunFunc func(ctx context.Context, m *Merged) error

// Envelope is one enqueued inbound message. The text has already been
// persisted to the transcript by the caller; the envelope only carries
// what run dispatch and reply routing need.
type Envelope struct {
	ChatKey   string
	Text      string
	RequestID string

	// Adapter metadata, kept from the most recent envelope when several
	// are merged into one run.
	MessageID string
	ThreadID  string
	ChatType  string

	EnqueuedAt time.Time
}

// Merged is a drained batch of envelopes for one run: texts joined with
// a separator, routing metadata taken from the newest envelope.
type Merged struct {
	ChatKey string
	Text    string
	Count   int

	RequestID string
	MessageID string
	ThreadID  string
	ChatType  string

	// Round is 0 for a fresh dispatch and counts up for correction
	// re-runs within the same worker slot.
	Round int

	EnqueuedAt time.Time
}

// Position describes where an envelope landed in its lane.
type Position struct {
	// LanePosition is the place in line, counting an in-flight run.
	LanePosition int
	// LanePending is the queue length of the lane after the enqueue.
	LanePending int
	// TotalPending counts pending envelopes across all lanes.
	TotalPending int
}

// Config tunes dispatch. Values are taken literally: MaxConcurrency 0
// pauses dispatch entirely. Use DefaultConfig for the documented
// defaults.
type Config struct {
	// MaxConcurrency caps lanes running at once. 0 pauses dispatch.
	MaxConcurrency int `json:"maxConcurrency"`
	// EnableCorrectionMerge re-runs a lane in the same worker slot when
	// new input arrived during the run.
	EnableCorrectionMerge bool `json:"enableCorrectionMerge"`
	// CorrectionMaxRounds caps correction re-runs per worker slot.
	CorrectionMaxRounds int `json:"correctionMaxRounds"`
	// CorrectionMaxMergedMessages caps how many envelopes one drain
	// merges into a single run.
	CorrectionMaxMergedMessages int `json:"correctionMaxMergedMessages"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:              2,
		EnableCorrectionMerge:       true,
		CorrectionMaxRounds:         2,
		CorrectionMaxMergedMessages: 5,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency < 0 {
		c.MaxConcurrency = 2
	}
	if c.CorrectionMaxRounds < 0 {
		c.CorrectionMaxRounds = 2
	}
	if c.CorrectionMaxMergedMessages < 1 {
		c.CorrectionMaxMergedMessages = 5
	}
	return c
}

type lane struct {
	pending         []*Envelope
	running         bool
	correctionRound int
	cancelRun       context.CancelFunc
}

// Scheduler owns the lanes and the worker pool. The queue lives in
// memory only; pending work is lost on process exit.
type Scheduler struct {
	cfg Config
	run RunFunc

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	lanes   map[string]*lane
	running int
	closed  bool
	wg      sync.WaitGroup
}

// New returns a scheduler dispatching through run.
func New(cfg Config, run RunFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg.withDefaults(),
		run:        run,
		baseCtx:    ctx,
		cancelBase: cancel,
		lanes:      make(map[string]*lane),
	}
}

// Enqueue appends the envelope to its lane and starts a worker if
// capacity allows. Lanes drain in strict arrival order.
func (s *Scheduler) Enqueue(env Envelope) Position {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ln := s.lanes[env.ChatKey]
	if ln == nil {
		ln = &lane{}
		s.lanes[env.ChatKey] = ln
	}
	e := env
	ln.pending = append(ln.pending, &e)

	pos := Position{
		LanePosition: len(ln.pending),
		LanePending:  len(ln.pending),
		TotalPending: s.totalPendingLocked(),
	}
	if ln.running {
		pos.LanePosition++
	}

	s.dispatchLocked()
	return pos
}

// DrainLaneMerged pops up to max pending envelopes from the lane and
// merges them into one unit: texts joined with "\n---\n", routing
// metadata from the most recent envelope. max <= 0 uses the configured
// merge cap. Returns nil when the lane has nothing pending.
func (s *Scheduler) DrainLaneMerged(chatKey string, max int) *Merged {
	s.mu.Lock()
	defer s.mu.Unlock()
	ln := s.lanes[chatKey]
	if ln == nil {
		return nil
	}
	return s.popMergedLocked(chatKey, ln, max)
}

func (s *Scheduler) popMergedLocked(chatKey string, ln *lane, max int) *Merged {
	if len(ln.pending) == 0 {
		return nil
	}
	if max <= 0 {
		max = s.cfg.CorrectionMaxMergedMessages
	}
	n := min(len(ln.pending), max)
	batch := ln.pending[:n]
	ln.pending = ln.pending[n:]

	texts := make([]string, 0, n)
	for _, e := range batch {
		if e.Text != "" {
			texts = append(texts, e.Text)
		}
	}
	newest := batch[n-1]
	return &Merged{
		ChatKey:    chatKey,
		Text:       strings.Join(texts, "\n---\n"),
		Count:      n,
		RequestID:  newest.RequestID,
		MessageID:  newest.MessageID,
		ThreadID:   newest.ThreadID,
		ChatType:   newest.ChatType,
		EnqueuedAt: batch[0].EnqueuedAt,
	}
}

// CancelLane cancels the lane's in-flight run, if any. Pending envelopes
// stay queued unless clearPending is set. Returns whether a run was
// signalled.
func (s *Scheduler) CancelLane(chatKey string, clearPending bool) bool {
	s.mu.Lock()
	ln := s.lanes[chatKey]
	if ln == nil {
		s.mu.Unlock()
		return false
	}
	if clearPending {
		ln.pending = nil
	}
	cancel := ln.cancelRun
	s.mu.Unlock()

	if cancel == nil {
		return false
	}
	slog.Info("Cancelling lane run", "chat_key", chatKey, "clear_pending", clearPending)
	cancel()
	return true
}

// IsBusy reports whether the lane is running or has pending work.
func (s *Scheduler) IsBusy(chatKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ln := s.lanes[chatKey]
	return ln != nil && (ln.running || len(ln.pending) > 0)
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Pending         int
	Running         bool
	CorrectionRound int
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	RunningLanes int
	TotalPending int
	Lanes        map[string]LaneStats
}

// Stats snapshots all active lanes.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		RunningLanes: s.running,
		TotalPending: s.totalPendingLocked(),
		Lanes:        make(map[string]LaneStats, len(s.lanes)),
	}
	for key, ln := range s.lanes {
		st.Lanes[key] = LaneStats{
			Pending:         len(ln.pending),
			Running:         ln.running,
			CorrectionRound: ln.correctionRound,
		}
	}
	return st
}

// Shutdown stops dispatch, cancels in-flight runs and waits for workers
// to exit or ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancelBase()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) totalPendingLocked() int {
	total := 0
	for _, ln := range s.lanes {
		total += len(ln.pending)
	}
	return total
}

// dispatchLocked starts workers for waiting lanes while capacity allows.
// Lane pick order is map order: no fairness or cross-lane ordering is
// promised.
func (s *Scheduler) dispatchLocked() {
	if s.closed {
		return
	}
	for key, ln := range s.lanes {
		if s.running >= s.cfg.MaxConcurrency {
			return
		}
		if ln.running || len(ln.pending) == 0 {
			continue
		}
		ln.running = true
		s.running++
		s.wg.Add(1)
		go s.worker(key)
	}
}

// worker drains one lane. It keeps the slot through correction re-runs
// and releases it when the lane is empty or the correction budget is
// spent.
func (s *Scheduler) worker(chatKey string) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		ln := s.lanes[chatKey]
		var merged *Merged
		if ln != nil {
			merged = s.popMergedLocked(chatKey, ln, s.cfg.CorrectionMaxMergedMessages)
		}
		if merged == nil {
			s.releaseLocked(chatKey, ln)
			s.mu.Unlock()
			return
		}
		merged.Round = ln.correctionRound
		runCtx, cancel := context.WithCancel(s.baseCtx)
		ln.cancelRun = cancel
		s.mu.Unlock()

		err := s.safeRun(runCtx, merged)
		cancel()
		if err != nil {
			slog.Error("Lane run failed",
				"chat_key", chatKey, "round", merged.Round, "merged", merged.Count, "error", err)
		}

		s.mu.Lock()
		ln.cancelRun = nil
		if s.cfg.EnableCorrectionMerge &&
			len(ln.pending) > 0 &&
			ln.correctionRound < s.cfg.CorrectionMaxRounds &&
			s.baseCtx.Err() == nil {
			ln.correctionRound++
			round := ln.correctionRound
			s.mu.Unlock()
			slog.Info("Correction merge, re-running lane", "chat_key", chatKey, "round", round)
			continue
		}
		s.releaseLocked(chatKey, ln)
		s.mu.Unlock()
		return
	}
}

// releaseLocked frees the worker slot and lets other lanes dispatch. A
// lane with pending left re-queues normally with its round counter
// reset.
func (s *Scheduler) releaseLocked(chatKey string, ln *lane) {
	if ln != nil {
		ln.running = false
		ln.correctionRound = 0
		if len(ln.pending) == 0 {
			delete(s.lanes, chatKey)
		}
	}
	s.running--
	s.dispatchLocked()
}

func (s *Scheduler) safeRun(ctx context.Context, m *Merged) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lane run panicked: %v", r)
		}
	}()
	return s.run(ctx, m)
}
