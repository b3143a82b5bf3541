package egress

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry maps channel name to its dispatcher. Registration is
// last-writer-wins so a reconnecting adapter can swap its dispatcher
// without a coordination dance.
type Registry struct {
	mu          sync.RWMutex
	dispatchers map[string]Dispatcher
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{dispatchers: make(map[string]Dispatcher)}
}

// Register installs d for its channel, replacing any previous dispatcher.
func (r *Registry) Register(d Dispatcher) {
	name := d.Channel()
	r.mu.Lock()
	_, replaced := r.dispatchers[name]
	r.dispatchers[name] = d
	r.mu.Unlock()
	if replaced {
		slog.Warn("Replacing egress dispatcher", "channel", name)
	} else {
		slog.Info("Registered egress dispatcher", "channel", name)
	}
}

// Unregister removes the dispatcher for a channel if present.
func (r *Registry) Unregister(channel string) {
	r.mu.Lock()
	delete(r.dispatchers, channel)
	r.mu.Unlock()
}

// ChatSender returns the dispatcher for a channel, or nil when none is
// registered.
func (r *Registry) ChatSender(channel string) Dispatcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dispatchers[channel]
}

// Channels lists registered channel names, sorted.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.dispatchers))
	for name := range r.dispatchers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
