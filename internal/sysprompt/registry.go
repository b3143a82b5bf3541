// Package sysprompt composes the system prompt from registered providers.
//
// Providers contribute prompt text, optional tool allowlists and skill
// preloads. Composition is deterministic: providers run in (order, id)
// order, tool allowlists intersect, skill sets union with later providers
// winning on id collisions. A failing or panicking provider is skipped and
// contributes nothing, including no tool constraint.
package sysprompt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// DefaultOrder is used when a provider does not pick its own slot.
const DefaultOrder = 1000

// Input is what providers see when the prompt is composed.
type Input struct {
	ChatKey string
	// PinnedSkillIDs comes from the transcript meta of the chat key.
	PinnedSkillIDs []string
}

// SkillRef identifies a skill to preload, with enough content to render an
// active-skills block.
type SkillRef struct {
	ID      string
	Name    string
	Content string
}

// Fragment is one provider's contribution.
type Fragment struct {
	Messages []string
	// ActiveTools constrains the runnable tool set. nil means no opinion;
	// an empty non-nil slice allows nothing.
	ActiveTools []string
	Skills      []SkillRef
}

// Provider contributes a fragment to the composed prompt.
type Provider interface {
	ID() string
	Order() int
	Provide(ctx context.Context, in Input) (Fragment, error)
}

// Aggregate is the composed result.
type Aggregate struct {
	Prompt string
	// ActiveTools is nil iff no surviving provider declared a list.
	ActiveTools []string
	Skills      []SkillRef
}

// Registry holds providers keyed by id. Registering an id twice replaces
// the earlier provider.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register installs p under its id.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.ID()]; exists {
		slog.Warn("Replacing system prompt provider", "provider", p.ID())
	}
	r.providers[p.ID()] = p
}

// Unregister removes a provider by id.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.providers, id)
	r.mu.Unlock()
}

// Compose runs all providers and merges their fragments.
func (r *Registry) Compose(ctx context.Context, in Input) Aggregate {
	r.mu.RLock()
	ordered := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		ordered = append(ordered, p)
	}
	r.mu.RUnlock()

	sort.Slice(ordered, func(i, j int) bool {
		oi, oj := ordered[i].Order(), ordered[j].Order()
		if oi != oj {
			return oi < oj
		}
		return ordered[i].ID() < ordered[j].ID()
	})

	var agg Aggregate
	var messages []string
	skillIdx := make(map[string]int)

	for _, p := range ordered {
		frag, err := safeProvide(ctx, p, in)
		if err != nil {
			slog.Warn("System prompt provider failed, skipping", "provider", p.ID(), "error", err)
			continue
		}
		for _, m := range frag.Messages {
			if strings.TrimSpace(m) != "" {
				messages = append(messages, m)
			}
		}
		if frag.ActiveTools != nil {
			if agg.ActiveTools == nil {
				agg.ActiveTools = append([]string{}, frag.ActiveTools...)
			} else {
				agg.ActiveTools = intersect(agg.ActiveTools, frag.ActiveTools)
			}
		}
		for _, s := range frag.Skills {
			if i, ok := skillIdx[s.ID]; ok {
				agg.Skills[i] = s
			} else {
				skillIdx[s.ID] = len(agg.Skills)
				agg.Skills = append(agg.Skills, s)
			}
		}
	}
	agg.Prompt = strings.Join(messages, "\n\n")
	return agg
}

func safeProvide(ctx context.Context, p Provider, in Input) (frag Fragment, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("provider panicked: %v", rec)
		}
	}()
	return p.Provide(ctx, in)
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, s := range b {
		set[s] = true
	}
	out := make([]string, 0, len(a))
	for _, s := range a {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}

// funcProvider adapts a closure into a Provider.
type funcProvider struct {
	id    string
	order int
	fn    func(ctx context.Context, in Input) (Fragment, error)
}

func (f *funcProvider) ID() string    { return f.id }
func (f *funcProvider) Order() int    { return f.order }
func (f *funcProvider) Provide(ctx context.Context, in Input) (Fragment, error) {
	return f.fn(ctx, in)
}

// Func wraps a function as a Provider. order <= 0 takes DefaultOrder.
func Func(id string, order int, fn func(ctx context.Context, in Input) (Fragment, error)) Provider {
	if order <= 0 {
		order = DefaultOrder
	}
	return &funcProvider{id: id, order: order, fn: fn}
}

// Static wraps fixed prompt text as a Provider.
func Static(id string, order int, text string) Provider {
	return Func(id, order, func(context.Context, Input) (Fragment, error) {
		return Fragment{Messages: []string{text}}, nil
	})
}
