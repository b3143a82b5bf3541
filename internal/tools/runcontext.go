// Package tools defines the tool contract, the registry the agent loop
// executes against, and the built-in tools every deployment gets.
package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/shipworks/ship/internal/chatkey"
	"github.com/shipworks/ship/internal/skills"
)

// DefaultSendBudget caps chat_send dispatches per run.
const DefaultSendBudget = 3

// Shell session primitives stay callable even under a tool whitelist, so a
// restricted run can always interact with or end sessions it opened.
const (
	ToolExecCommand = "exec_command"
	ToolWriteStdin  = "write_stdin"
	ToolCloseShell  = "close_shell"
)

var shellPrimitives = map[string]bool{
	ToolExecCommand: true,
	ToolWriteStdin:  true,
	ToolCloseShell:  true,
}

// SendVerdict classifies a chat_send attempt against the run's dedupe and
// budget state.
type SendVerdict int

const (
	SendProceed SendVerdict = iota
	SendDuplicate
	SendBudgetExhausted
)

// RunContext is the per-run state threaded explicitly through every tool
// execution. It is created for one agent run and discarded afterwards.
type RunContext struct {
	ChatKey   string
	Key       chatkey.Key
	RequestID string
	RunID     string

	// ActiveTools is the whitelist aggregated from system-prompt
	// providers. nil means unrestricted.
	ActiveTools []string

	// SendBudget is how many chat_send dispatches this run may make.
	SendBudget int

	mu           sync.Mutex
	callCounts   map[string]int
	fingerprints map[string]bool
	sendsUsed    int
	loaded       map[string]skills.Skill
}

// NewRunContext builds the context for one run of the given chat.
func NewRunContext(key chatkey.Key, requestID string) *RunContext {
	return &RunContext{
		ChatKey:      key.String(),
		Key:          key,
		RequestID:    requestID,
		RunID:        uuid.NewString(),
		SendBudget:   DefaultSendBudget,
		callCounts:   make(map[string]int),
		fingerprints: make(map[string]bool),
		loaded:       make(map[string]skills.Skill),
	}
}

// CountCall records one invocation of the named tool and returns the new
// per-run total.
func (rc *RunContext) CountCall(name string) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.callCounts[name]++
	return rc.callCounts[name]
}

// CallCount returns how often the named tool ran this run.
func (rc *RunContext) CallCount(name string) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.callCounts[name]
}

// BeginSend checks a chat_send attempt against the run's state. Duplicates
// are detected first and never consume budget; a proceed verdict consumes
// one budget slot whether or not the dispatch later succeeds.
func (rc *RunContext) BeginSend(fingerprint string) SendVerdict {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.fingerprints[fingerprint] {
		return SendDuplicate
	}
	budget := rc.SendBudget
	if budget <= 0 {
		budget = DefaultSendBudget
	}
	if rc.sendsUsed >= budget {
		return SendBudgetExhausted
	}
	rc.sendsUsed++
	rc.fingerprints[fingerprint] = true
	return SendProceed
}

// AbortSend forgets a fingerprint recorded by BeginSend after the dispatch
// failed. The budget slot stays consumed; the attempt happened. Without
// this, a retry of undelivered text would be suppressed as a duplicate and
// the final-reply delivery would skip it as already sent.
func (rc *RunContext) AbortSend(fingerprint string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.fingerprints, fingerprint)
}

// SentFingerprints returns the dedupe keys of every text this run already
// dispatched through chat_send, sorted. The caller uses it to avoid
// delivering the final reply twice.
func (rc *RunContext) SentFingerprints() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]string, 0, len(rc.fingerprints))
	for fp := range rc.fingerprints {
		out = append(out, fp)
	}
	sort.Strings(out)
	return out
}

// LoadSkill adds a skill to the run's loaded set. Returns false when the
// skill was already loaded (the newer record still replaces the old one).
func (rc *RunContext) LoadSkill(sk skills.Skill) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	_, existed := rc.loaded[sk.ID]
	rc.loaded[sk.ID] = sk
	return !existed
}

// LoadedSkills returns the run's loaded skills sorted by id.
func (rc *RunContext) LoadedSkills() []skills.Skill {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]skills.Skill, 0, len(rc.loaded))
	for _, sk := range rc.loaded {
		out = append(out, sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ToolAllowed reports whether the named tool may run under the context's
// whitelist. Shell session primitives are always allowed.
func (rc *RunContext) ToolAllowed(name string) bool {
	if rc.ActiveTools == nil || shellPrimitives[name] {
		return true
	}
	for _, allowed := range rc.ActiveTools {
		if allowed == name {
			return true
		}
	}
	return false
}

// Fingerprint derives the dedupe key for outbound text.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}
