package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/shipworks/ship/internal/approval"
	"github.com/shipworks/ship/internal/providers"
)

// Tool is one callable exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, rc *RunContext, args map[string]any) *Result
}

// ApprovalGated is implemented by tools whose calls may need human
// sign-off before executing.
type ApprovalGated interface {
	NeedsApproval(args map[string]any) bool
}

// Registry maps tool names to implementations and runs calls through the
// whitelist and approval gates.
type Registry struct {
	approvals *approval.Broker

	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// SetApprovalBroker wires the broker consulted for approval-gated calls.
func (r *Registry) SetApprovalBroker(b *approval.Broker) {
	r.approvals = b
}

// Register adds a tool. Re-registering a name replaces the previous tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		slog.Debug("Replacing tool", "tool", t.Name())
	}
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderDefs returns the tool schemas to offer the model. A nil allow
// list means every registered tool; otherwise only whitelisted tools plus
// the shell session primitives.
func (r *Registry) ProviderDefs(allow []string) []providers.ToolDefinition {
	var allowed map[string]bool
	if allow != nil {
		allowed = make(map[string]bool, len(allow))
		for _, name := range allow {
			allowed[name] = true
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if allowed != nil && !allowed[name] && !shellPrimitives[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, providers.FuncDef(t.Name(), t.Description(), t.Parameters()))
	}
	return defs
}

// Execute looks up and runs one tool call, enforcing the run's whitelist
// and the tool's approval gate. Failures come back as error results; only
// the model ever sees them.
func (r *Registry) Execute(ctx context.Context, rc *RunContext, name string, args map[string]any) (result *Result) {
	t, ok := r.Get(name)
	if !ok {
		return Errorf("unknown tool: %s", name)
	}
	if !rc.ToolAllowed(name) {
		return Errorf("tool %s is not available in this context", name)
	}

	if gated, ok := t.(ApprovalGated); ok && gated.NeedsApproval(args) {
		if r.approvals == nil {
			return Errorf("tool %s requires approval but no approver is configured", name)
		}
		decision := r.approvals.Request(ctx, approval.Ask{
			ChatKey: rc.ChatKey,
			Tool:    name,
			Summary: summarizeArgs(args),
		})
		if decision != approval.Approved {
			return Errorf("tool call %s was %s", name, decision.String())
		}
	}

	rc.CountCall(name)
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Tool panicked", "tool", name, "panic", rec)
			result = Errorf("tool %s panicked: %v", name, rec)
		}
	}()
	return t.Execute(ctx, rc, args)
}

func summarizeArgs(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	const limit = 160
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}
